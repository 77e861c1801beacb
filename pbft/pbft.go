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

// Package pbft is the replication engine: a three-phase agreement state
// machine over a fixed group of n = 3f+1 authenticated replicas. The leader
// stamps each proposed block with a fresh sequence number and broadcasts a
// signed PrePrepare; backups answer with signed Prepares, broadcast a Commit
// once 2f+1 Prepares are counted for the slot, and deliver the block once
// f+1 Commits are counted.
//
// The engine runs as a single-threaded event loop: inbound messages, requests,
// timer firings and connection events are serialized into one channel and
// handled to completion, one at a time, with exclusive access to all mutable
// state.
package pbft

import (
	"time"

	"github.com/pkg/errors"
	logger "github.com/rs/zerolog/log"

	"github.com/consensus-labs/pbftcore/announcer"
	"github.com/consensus-labs/pbftcore/batch"
	"github.com/consensus-labs/pbftcore/crypto"
	"github.com/consensus-labs/pbftcore/membership"
	"github.com/consensus-labs/pbftcore/opsmap"
	"github.com/consensus-labs/pbftcore/wire"
)

// Transport is the engine's view of the point-to-point channel layer.
// Both methods are fire-and-forget; outcomes come back as events.
type Transport interface {
	Send(msg wire.Message, dest membership.Host)
	Connect(dest membership.Host)
}

// Params is the static configuration of one replica.
type Params struct {
	Self    membership.Host
	Members []membership.Host // order defines the initial view

	CryptoName string
	PrivKey    interface{}
	Truststore *crypto.Truststore

	ReconnectTime time.Duration
	LeaderTimeout time.Duration

	ChannelID int
}

// Protocol is one replica's instance of the agreement engine.
type Protocol struct {
	self       membership.Host
	cryptoName string
	privKey    interface{}
	truststore *crypto.Truststore
	channelID  int

	view        *membership.View
	currentSeqN membership.SeqN
	highestSeqN membership.SeqN

	ops *opsmap.OpsMap
	mb  *batch.MessageBatch

	reconnectTime    time.Duration
	leaderTimeout    time.Duration
	noOpSendInterval time.Duration

	lastLeaderOp time.Time
	noOpTimerID  uint64

	transport Transport
	announce  *announcer.Announcer

	events      *protocolChannel
	timers      map[uint64]*time.Timer
	nextTimerID uint64

	done chan struct{}
}

// New validates the parameters and assembles a protocol instance. The initial
// state installs view number 1 with the sequence counter at zero, owned by
// member 0 (the initial leader).
func New(params Params, ops *opsmap.OpsMap, transport Transport, announce *announcer.Announcer) (*Protocol, error) {
	if len(params.Members) == 0 {
		return nil, errors.New("initial membership is empty")
	}
	member := false
	for _, h := range params.Members {
		if h == params.Self {
			member = true
			break
		}
	}
	if !member {
		return nil, errors.Errorf("self %s is not part of the initial membership", params.Self)
	}
	if params.PrivKey == nil || params.Truststore == nil {
		return nil, errors.New("missing key material")
	}
	if params.ReconnectTime <= 0 || params.LeaderTimeout <= 0 {
		return nil, errors.New("reconnect time and leader timeout must be positive")
	}

	p := &Protocol{
		self:             params.Self,
		cryptoName:       params.CryptoName,
		privKey:          params.PrivKey,
		truststore:       params.Truststore,
		channelID:        params.ChannelID,
		view:             membership.NewView(params.Members, 1),
		ops:              ops,
		mb:               batch.NewMessageBatch(),
		reconnectTime:    params.ReconnectTime,
		leaderTimeout:    params.LeaderTimeout,
		noOpSendInterval: params.LeaderTimeout / 2,
		transport:        transport,
		announce:         announce,
		events:           newProtocolChannel(channelSize),
		timers:           make(map[uint64]*time.Timer),
		done:             make(chan struct{}),
	}
	p.currentSeqN = membership.SeqN{Counter: 0, Node: params.Members[0]}
	p.highestSeqN = p.currentSeqN
	return p, nil
}

// Start launches the handler loop and serializes the initialization event:
// connections to the other view members are opened, the leader watchdog is armed
// and the first view is installed.
func (p *Protocol) Start() {
	go p.run()
	p.events.serialize(initEvent{})
}

// Stop terminates the handler loop. Events serialized afterwards are dropped.
func (p *Protocol) Stop() {
	p.events.stop()
	close(p.done)
}

// Propose submits a client block for ordering. Only the current leader acts
// on it; any other replica drops the request with a warning.
func (p *Protocol) Propose(block []byte, timestamp uint64) {
	p.events.serialize(proposeEvent{block: block, timestamp: timestamp})
}

// Deliver hands an inbound protocol message to the engine.
func (p *Protocol) Deliver(msg wire.Message, from membership.Host) {
	p.events.serialize(messageEvent{msg: msg, from: from})
}

// ConnectionUpdate hands a transport connection event to the engine.
func (p *Protocol) ConnectionUpdate(ev ConnectionEvent) {
	p.events.serialize(ev)
}

// MessageFailed is the transport's report of an undecodable inbound message.
func (p *Protocol) MessageFailed(from membership.Host) {
	logger.Warn().Str("from", from.String()).Msg("Failed to deliver message.")
}

func (p *Protocol) run() {
	for {
		select {
		case ev := <-p.events.channel:
			p.dispatch(ev)
		case <-p.done:
			return
		}
	}
}

func (p *Protocol) dispatch(ev event) {
	switch e := ev.(type) {
	case initEvent:
		p.handleInit()
	case proposeEvent:
		p.handleProposeRequest(e.block, e.timestamp)
	case messageEvent:
		p.dispatchMessage(e.msg, e.from)
	case timerEvent:
		// A firing that raced with a cancellation arrives with an id that is
		// no longer registered; drop it.
		if _, ok := p.timers[e.id]; !ok {
			return
		}
		delete(p.timers, e.id)
		switch e.kind {
		case leaderTimer:
			p.handleLeaderTimer()
		case noOpTimer:
			p.handleNoOpTimer()
		case reconnectTimer:
			p.handleReconnectTimer(e.host)
		}
	case ConnectionEvent:
		p.handleConnectionEvent(e)
	default:
		logger.Error().Msgf("Protocol cannot handle event of type %T.", ev)
	}
}

func (p *Protocol) dispatchMessage(msg wire.Message, from membership.Host) {
	switch m := msg.(type) {
	case *wire.PrePrepare:
		p.handlePrePrepare(m, from)
	case *wire.Prepare:
		p.handlePrepare(m, from)
	case *wire.Commit:
		p.handleCommit(m, from)
	default:
		logger.Error().Str("from", from.String()).Msgf("Unknown message type: %T.", msg)
	}
}

func (p *Protocol) handleInit() {
	for _, node := range p.view.Members() {
		if node != p.self {
			p.transport.Connect(node)
		}
	}

	// The watchdog first fires after a full leader timeout, then every third
	// of it.
	p.setupTimer(leaderTimer, membership.Host{}, p.leaderTimeout)
	p.lastLeaderOp = time.Now()

	p.announce.AnnounceInitial(announcer.InitialNotification{Self: p.self, ChannelID: p.channelID})

	// Installing first view.
	p.announce.AnnounceViewChange(announcer.ViewChange{
		Members:    p.view.Members(),
		ViewNumber: p.view.ViewNumber(),
	})
}
