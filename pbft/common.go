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

package pbft

import (
	"sync/atomic"
	"time"

	"github.com/consensus-labs/pbftcore/membership"
	"github.com/consensus-labs/pbftcore/wire"
)

// We need a buffered channel so that writers don't hang after the reader
// stops.
const channelSize = 10000

// protocolChannel serializes events from any goroutine into the single
// handler goroutine of the protocol.
type protocolChannel struct {
	channel chan event
	stopped int32
}

func newProtocolChannel(size int) *protocolChannel {
	return &protocolChannel{
		channel: make(chan event, size),
		stopped: 0,
	}
}

func (pc *protocolChannel) stop() {
	// The channel is never closed, as it might have concurrent writers. The
	// stopped flag makes sure nothing is written any more; events written
	// while the flag is being set are simply never read, which is fine since
	// the channel is only stopped when further events are irrelevant.
	atomic.StoreInt32(&pc.stopped, 1)
}

func (pc *protocolChannel) serialize(ev event) (stopped bool) {
	if atomic.LoadInt32(&pc.stopped) == 0 {
		pc.channel <- ev
		return false
	}
	return true
}

// Events dispatched through the protocol channel. Exactly one handler runs at
// a time; handlers run to completion and own all mutable protocol state.

type event interface{}

type initEvent struct{}

type proposeEvent struct {
	block     []byte
	timestamp uint64
}

type messageEvent struct {
	msg  wire.Message
	from membership.Host
}

type timerKind int

const (
	leaderTimer timerKind = iota
	noOpTimer
	reconnectTimer
)

type timerEvent struct {
	id   uint64
	kind timerKind
	host membership.Host // reconnect target, zero otherwise
}

// ConnKind is the state change a connection event reports.
type ConnKind int

const (
	ConnUp ConnKind = iota
	ConnDown
	ConnFailed
)

// ConnectionEvent is the transport's report of a peer connection change.
type ConnectionEvent struct {
	Kind     ConnKind
	Outbound bool
	Peer     membership.Host
}

// Timers are realized as time.AfterFunc closures that serialize a timer event
// back into the protocol channel. The timers map is only touched from the
// handler goroutine; a cancellation racing with a firing leaves a stale event
// in the channel, which the dispatcher drops by checking the id is still
// registered.

func (p *Protocol) setupTimer(kind timerKind, host membership.Host, delay time.Duration) uint64 {
	p.nextTimerID++
	id := p.nextTimerID
	p.timers[id] = time.AfterFunc(delay, func() {
		p.events.serialize(timerEvent{id: id, kind: kind, host: host})
	})
	return id
}

// cancelTimer is best-effort and idempotent.
func (p *Protocol) cancelTimer(id uint64) {
	if t, ok := p.timers[id]; ok {
		t.Stop()
		delete(p.timers, id)
	}
}
