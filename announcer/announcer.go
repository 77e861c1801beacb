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

// Package announcer is the upcall surface between the engine and the
// application. The application subscribes to notification channels; the
// engine publishes to all subscribers of a kind. Committed notifications are
// published in the order the local replica reaches commit quorum, which is
// not necessarily slot order.
package announcer

import (
	"sync"

	logger "github.com/rs/zerolog/log"

	"github.com/consensus-labs/pbftcore/membership"
)

// Capacity of the subscription channels. Publishing blocks if a subscriber
// falls this far behind; subscribers are expected to drain promptly.
const channelCapacity = 10000

// InitialNotification is emitted once, after the replica's channel is open.
type InitialNotification struct {
	Self      membership.Host
	ChannelID int
}

// ViewChange is emitted when a view is installed, including the first view at
// initialization.
type ViewChange struct {
	Members    []membership.Host
	ViewNumber uint32
}

// CommittedNotification delivers a decided block together with the local
// replica's signature over the payload.
type CommittedNotification struct {
	Block     []byte
	Signature []byte
}

// SuspectedLeader is emitted by the leader-liveness watchdog when the current
// leader has been silent past the timeout. It is the trigger of the
// view-change subprotocol; the recovery itself is not part of this engine.
type SuspectedLeader struct {
	ViewNumber uint32
}

// Announcer fans notifications out to subscribers. Safe for concurrent use.
type Announcer struct {
	mu            sync.Mutex
	initialSubs   []chan InitialNotification
	viewSubs      []chan ViewChange
	committedSubs []chan CommittedNotification
	suspectSubs   []chan SuspectedLeader
}

func New() *Announcer {
	return &Announcer{}
}

// InitialNotifications returns a channel receiving the initial notification.
func (a *Announcer) InitialNotifications() <-chan InitialNotification {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch := make(chan InitialNotification, 1)
	a.initialSubs = append(a.initialSubs, ch)
	return ch
}

// ViewChanges returns a channel receiving every installed view.
func (a *Announcer) ViewChanges() <-chan ViewChange {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch := make(chan ViewChange, channelCapacity)
	a.viewSubs = append(a.viewSubs, ch)
	return ch
}

// CommittedNotifications returns a channel receiving decided blocks in local
// commit order.
func (a *Announcer) CommittedNotifications() <-chan CommittedNotification {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch := make(chan CommittedNotification, channelCapacity)
	a.committedSubs = append(a.committedSubs, ch)
	return ch
}

// LeaderSuspicions returns a channel receiving leader-timeout triggers.
func (a *Announcer) LeaderSuspicions() <-chan SuspectedLeader {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch := make(chan SuspectedLeader, channelCapacity)
	a.suspectSubs = append(a.suspectSubs, ch)
	return ch
}

func (a *Announcer) AnnounceInitial(n InitialNotification) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ch := range a.initialSubs {
		ch <- n
	}
}

func (a *Announcer) AnnounceViewChange(n ViewChange) {
	a.mu.Lock()
	defer a.mu.Unlock()
	logger.Info().Uint32("viewNumber", n.ViewNumber).Int("members", len(n.Members)).Msg("Installing view.")
	for _, ch := range a.viewSubs {
		ch <- n
	}
}

func (a *Announcer) AnnounceCommitted(n CommittedNotification) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ch := range a.committedSubs {
		ch <- n
	}
}

func (a *Announcer) AnnounceSuspectedLeader(n SuspectedLeader) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ch := range a.suspectSubs {
		ch <- n
	}
}
