// Copyright 2022 IBM Corp. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package messenger is the authenticated point-to-point transport adapter.
// Each ordered peer pair communicates over one long-lived bidirectional gRPC
// stream carrying canonically encoded protocol messages. The messenger only
// reports connection events; reconnect policy lives with the caller.
package messenger

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	logger "github.com/rs/zerolog/log"
	"google.golang.org/grpc"

	"github.com/consensus-labs/pbftcore/membership"
	"github.com/consensus-labs/pbftcore/wire"
)

const (
	// Maximum size of a gRPC message.
	maxMessageSize = 134217728 // 128 MB

	// Outgoing messages buffered per peer before Send blocks.
	outMessageBufSize = 10000

	dialTimeout = 3 * time.Second
)

type EventKind int

const (
	OutConnectionUp EventKind = iota
	OutConnectionDown
	OutConnectionFailed
	InConnectionUp
	InConnectionDown
)

func (k EventKind) String() string {
	switch k {
	case OutConnectionUp:
		return "OutConnectionUp"
	case OutConnectionDown:
		return "OutConnectionDown"
	case OutConnectionFailed:
		return "OutConnectionFailed"
	case InConnectionUp:
		return "InConnectionUp"
	case InConnectionDown:
		return "InConnectionDown"
	}
	return "Unknown"
}

// ConnectionEvent reports a change of an inbound or outbound peer connection.
type ConnectionEvent struct {
	Kind EventKind
	Peer membership.Host
}

// Messenger owns the gRPC server for inbound streams and one outbound
// connection per peer. Handlers must be registered before Start.
type Messenger struct {
	self membership.Host

	server *grpc.Server

	mu      sync.Mutex
	conns   map[membership.Host]*peerConnection
	dialing map[membership.Host]bool

	deliver   func(msg wire.Message, from membership.Host)
	connEvent func(ev ConnectionEvent)
	msgFailed func(from membership.Host)
}

type peerConnection struct {
	host   membership.Host
	msgs   chan *Frame
	conn   *grpc.ClientConn
	stream grpc.ClientStream
}

func NewMessenger(self membership.Host) *Messenger {
	return &Messenger{
		self:      self,
		conns:     make(map[membership.Host]*peerConnection),
		dialing:   make(map[membership.Host]bool),
		deliver:   func(wire.Message, membership.Host) {},
		connEvent: func(ConnectionEvent) {},
		msgFailed: func(membership.Host) {},
	}
}

// HandleMessages registers the inbound message handler.
func (m *Messenger) HandleMessages(fn func(msg wire.Message, from membership.Host)) {
	m.deliver = fn
}

// HandleConnectionEvents registers the connection event handler.
func (m *Messenger) HandleConnectionEvents(fn func(ev ConnectionEvent)) {
	m.connEvent = fn
}

// HandleMessageFailed registers the handler invoked when an inbound frame
// cannot be decoded.
func (m *Messenger) HandleMessageFailed(fn func(from membership.Host)) {
	m.msgFailed = fn
}

// Start brings up the gRPC server on the messenger's own port. Meant to be
// run as a separate goroutine; decrements the wait group when the server
// terminates. A failure to bind the port is fatal.
func (m *Messenger) Start(wg *sync.WaitGroup) {
	defer wg.Done()

	logger.Info().Str("self", m.self.String()).Msg("Listening for connections.")

	m.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
	)
	m.server.RegisterService(&serviceDesc, &messengerServer{m: m})

	conn, err := net.Listen("tcp", net.JoinHostPort(m.self.IP().String(), strconv.Itoa(int(m.self.Port))))
	if err != nil {
		logger.Fatal().Err(err).Str("self", m.self.String()).Msg("Failed to listen for connections.")
	}

	if err := m.server.Serve(conn); err != nil {
		logger.Info().Err(err).Msg("Messenger server stopped.")
	}
}

// Stop terminates the server and closes all outbound connections. Inbound
// streams ended by stopping the server are still reported as InConnectionDown
// events by their Listen handler.
func (m *Messenger) Stop() {
	if m.server != nil {
		m.server.Stop()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for h, pc := range m.conns {
		close(pc.msgs)
		pc.conn.Close()
		delete(m.conns, h)
	}
}

// Connect opens an outbound connection to a peer, asynchronously. The outcome
// is reported as an OutConnectionUp or OutConnectionFailed event. Connecting
// to an already-connected or currently-dialed peer is a no-op.
func (m *Messenger) Connect(h membership.Host) {
	m.mu.Lock()
	if _, ok := m.conns[h]; ok || m.dialing[h] {
		m.mu.Unlock()
		return
	}
	m.dialing[h] = true
	m.mu.Unlock()

	go m.connectToPeer(h)
}

func (m *Messenger) connectToPeer(h membership.Host) {
	addrString := fmt.Sprintf("%s:%d", h.IP(), h.Port)
	logger.Info().Str("addr", addrString).Msg("Connecting to peer.")

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	conn, err := grpc.DialContext(ctx, addrString,
		grpc.WithBlock(),
		grpc.WithInsecure(),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
	)
	if err != nil {
		logger.Warn().Err(err).Str("addr", addrString).Msg("Could not connect to peer.")
		m.dialDone(h, nil)
		m.connEvent(ConnectionEvent{Kind: OutConnectionFailed, Peer: h})
		return
	}

	stream, err := conn.NewStream(context.Background(), &listenStreamDesc, listenMethod, grpc.ForceCodec(frameCodec{}))
	if err != nil {
		logger.Warn().Err(err).Str("addr", addrString).Msg("Could not invoke Listen RPC.")
		conn.Close()
		m.dialDone(h, nil)
		m.connEvent(ConnectionEvent{Kind: OutConnectionFailed, Peer: h})
		return
	}

	pc := &peerConnection{
		host:   h,
		msgs:   make(chan *Frame, outMessageBufSize),
		conn:   conn,
		stream: stream,
	}
	m.dialDone(h, pc)
	m.connEvent(ConnectionEvent{Kind: OutConnectionUp, Peer: h})

	go m.sendLoop(pc)
}

func (m *Messenger) dialDone(h membership.Host, pc *peerConnection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dialing, h)
	if pc != nil {
		m.conns[h] = pc
	}
}

// Send enqueues a message for a peer. The message is encoded when it is
// enqueued, so later changes to it do not affect what is sent. Sending to a peer that is not
// connected drops the message with an error log, like any other omission
// fault the protocol absorbs.
func (m *Messenger) Send(msg wire.Message, h membership.Host) {
	m.mu.Lock()
	pc, ok := m.conns[h]
	m.mu.Unlock()

	if !ok {
		logger.Error().Str("peer", h.String()).Str("msg", msg.ID().String()).Msg("Cannot enqueue message. Node not connected.")
		return
	}
	pc.msgs <- &Frame{Sender: m.self, Data: msg.Encode()}
}

func (m *Messenger) sendLoop(pc *peerConnection) {
	for f := range pc.msgs {
		if err := pc.stream.SendMsg(f); err != nil {
			logger.Warn().Err(err).Str("peer", pc.host.String()).Msg("Outbound connection lost.")
			m.mu.Lock()
			if m.conns[pc.host] == pc {
				delete(m.conns, pc.host)
			}
			m.mu.Unlock()
			pc.conn.Close()
			m.connEvent(ConnectionEvent{Kind: OutConnectionDown, Peer: pc.host})
			return
		}
	}
}

// Implementation of the inbound side: the Listen service receives frames from
// one peer's gRPC client and dispatches them to the registered handlers.
type messengerServer struct {
	m *Messenger
}

func (s *messengerServer) Listen(stream grpc.ServerStream) error {
	var sender membership.Host
	known := false

	for {
		f := new(Frame)
		if err := stream.RecvMsg(f); err != nil {
			if known {
				logger.Info().Err(err).Str("peer", sender.String()).Msg("Inbound connection terminated.")
				s.m.connEvent(ConnectionEvent{Kind: InConnectionDown, Peer: sender})
			}
			return nil
		}

		if !known {
			sender = f.Sender
			known = true
			logger.Info().Str("peer", sender.String()).Msg("Incoming connection for protocol messages.")
			s.m.connEvent(ConnectionEvent{Kind: InConnectionUp, Peer: sender})
		}

		msg, err := wire.Decode(f.Data)
		if err != nil {
			logger.Warn().Err(err).Str("peer", f.Sender.String()).Msg("Failed to decode inbound frame.")
			s.m.msgFailed(f.Sender)
			continue
		}
		s.m.deliver(msg, f.Sender)
	}
}
