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
	"time"

	logger "github.com/rs/zerolog/log"

	"github.com/consensus-labs/pbftcore/announcer"
	"github.com/consensus-labs/pbftcore/crypto"
	"github.com/consensus-labs/pbftcore/membership"
	"github.com/consensus-labs/pbftcore/opsmap"
	"github.com/consensus-labs/pbftcore/wire"
)

// ---------------------------------- Propose request ----------------------------------

func (p *Protocol) handleProposeRequest(block []byte, timestamp uint64) {
	logger.Info().Uint64("timestamp", timestamp).Int("blockSize", len(block)).Msg("Received propose request.")

	if p.currentSeqN.Node != p.self {
		logger.Warn().Uint64("timestamp", timestamp).Msg("Request received without being leader.")
		return
	}

	opsKey := opsmap.NewOpsMapKey(timestamp, block)
	opsHash := opsKey.Hash()
	if p.ops.ContainsOp(opsHash) {
		logger.Warn().Uint64("timestamp", timestamp).Msg("Request received is a duplicate.")
		return
	}

	p.currentSeqN = p.currentSeqN.Next(p.self)
	key := wire.BatchKey{OpsHash: opsHash, SeqN: p.currentSeqN, View: p.view.ViewNumber()}

	msg := &wire.PrePrepare{BatchKey: key, Operation: block, SenderName: p.cryptoName}
	if err := msg.Sign(p.privKey); err != nil {
		logger.Error().Err(err).Msg("Error signing pre-prepare message.")
		return
	}

	if err := p.mb.AddMessage(key); err != nil {
		logger.Warn().Err(err).Str("sn", key.SeqN.String()).Msg("Could not open slot for own proposal.")
		return
	}
	if err := p.ops.AddOp(opsHash, block); err != nil {
		logger.Warn().Err(err).Msg("Could not store own proposal.")
		return
	}

	logger.Info().Str("sn", key.SeqN.String()).
		Uint32("view", key.View).
		Msg("Sending PREPREPARE.")

	for _, node := range p.view.Members() {
		if node != p.self {
			p.transport.Send(msg, node)
		}
	}
}

// ---------------------------------- PrePrepare ----------------------------------

func (p *Protocol) handlePrePrepare(msg *wire.PrePrepare, from membership.Host) {
	if !p.checkValidMessage(msg, from) {
		return
	}
	key := msg.BatchKey

	logger.Info().Str("sn", key.SeqN.String()).
		Uint32("view", key.View).
		Str("from", from.String()).
		Msg("Handling PREPREPARE.")

	if err := p.ops.AddOp(key.OpsHash, msg.Operation); err != nil {
		logger.Warn().Err(err).Str("from", from.String()).Msg("Received a duplicate pre-prepare message.")
		return
	}
	if err := p.mb.AddMessage(key); err != nil {
		logger.Warn().Err(err).Str("from", from.String()).Msg("Rejecting pre-prepare message.")
		return
	}

	prepare := &wire.Prepare{BatchKey: key, SenderName: p.cryptoName}
	if err := prepare.Sign(p.privKey); err != nil {
		logger.Error().Err(err).Msg("Error signing prepare message.")
		return
	}

	for _, node := range p.view.Members() {
		if node != p.self {
			p.transport.Send(prepare, node)
		}
	}

	// The own prepare counts towards the quorum.
	if _, err := p.mb.AddPrepareMessage(key); err != nil {
		logger.Warn().Err(err).Msg("Could not count own prepare.")
		return
	}
	if slot, ok := p.mb.Slot(key); ok {
		slot.PrepareSent = true
	}
}

// ---------------------------------- Prepare ----------------------------------

func (p *Protocol) handlePrepare(msg *wire.Prepare, from membership.Host) {
	if !p.checkValidMessage(msg, from) {
		return
	}
	key := msg.BatchKey

	if !p.mb.ContainsMessage(key) {
		logger.Warn().Str("sn", key.SeqN.String()).
			Str("from", from.String()).
			Msg("Received a prepare message for an unknown operation.")
		return
	}
	count, err := p.mb.AddPrepareMessage(key)
	if err != nil {
		logger.Warn().Err(err).Str("from", from.String()).Msg("Received an unknown prepare message.")
		return
	}

	slot, _ := p.mb.Slot(key)
	// Fire on the transition only: strictly at 2f+1, once.
	if count == uint32(p.view.Quorum()) && !slot.CommitSent {
		commit := &wire.Commit{BatchKey: key, SenderName: p.cryptoName}
		if err := commit.Sign(p.privKey); err != nil {
			logger.Error().Err(err).Msg("Error signing commit message.")
			return
		}

		logger.Info().Str("sn", key.SeqN.String()).
			Uint32("view", key.View).
			Msg("Sending COMMIT.")

		for _, node := range p.view.Members() {
			if node != p.self {
				p.transport.Send(commit, node)
			}
		}
		slot.CommitSent = true
	}
}

// ---------------------------------- Commit ----------------------------------

func (p *Protocol) handleCommit(msg *wire.Commit, from membership.Host) {
	if !p.checkValidMessage(msg, from) {
		return
	}
	key := msg.BatchKey

	// The guard compares the local currentSeqN with highestSeqN and advances
	// highestSeqN when currentSeqN is greater. The commit's own sequence number
	// is not compared, so a commit for a lower slot is not dropped here.
	if p.currentSeqN.Less(p.highestSeqN) {
		logger.Warn().Str("sn", key.SeqN.String()).
			Str("from", from.String()).
			Msg("Received a commit message for a lower sequence number.")
		return
	} else if p.currentSeqN.Greater(p.highestSeqN) {
		p.highestSeqN = p.currentSeqN
	}

	if !p.mb.ContainsMessage(key) {
		logger.Warn().Str("sn", key.SeqN.String()).
			Str("from", from.String()).
			Msg("Received a commit message for an unknown operation.")
		return
	}
	count, err := p.mb.AddCommitMessage(key)
	if err != nil {
		logger.Warn().Err(err).Str("from", from.String()).Msg("Received an unknown commit message.")
		return
	}

	slot, _ := p.mb.Slot(key)
	// Fire on the transition only: strictly at f+1, once. A replica that has
	// not reached its own prepare quorum (and thus never sent a commit) does
	// not deliver the slot.
	if count == uint32(p.view.WeakQuorum()) && slot.CommitSent && !slot.Committed {
		block, err := p.ops.GetOp(key.OpsHash)
		if err != nil {
			logger.Warn().Err(err).Str("sn", key.SeqN.String()).Msg("Commit quorum reached for an unknown operation.")
			return
		}

		p.cancelTimer(p.noOpTimerID)

		signature, err := crypto.Sign(crypto.Hash(block), p.privKey)
		if err != nil {
			logger.Error().Err(err).Msg("Error signing committed notification message.")
			return
		}

		slot.Committed = true
		p.lastLeaderOp = time.Now()

		logger.Info().Str("sn", key.SeqN.String()).
			Uint32("view", key.View).
			Int("blockSize", len(block)).
			Msg("Committed entry.")

		p.announce.AnnounceCommitted(announcer.CommittedNotification{Block: block, Signature: signature})
		p.noOpTimerID = p.setupTimer(noOpTimer, membership.Host{}, p.noOpSendInterval)
	}
}

// ---------------------------------- Timer handlers ----------------------------------

func (p *Protocol) handleLeaderTimer() {
	// Periodic: re-arm at a third of the timeout.
	p.setupTimer(leaderTimer, membership.Host{}, p.leaderTimeout/3)

	if p.currentSeqN.Node != p.self && time.Since(p.lastLeaderOp) > p.leaderTimeout {
		logger.Info().Uint32("view", p.view.ViewNumber()).Msg("Leader timeout expired. Triggering view change.")
		p.suspectLeader()
	}
}

func (p *Protocol) handleNoOpTimer() {
	if p.currentSeqN.Node == p.self {
		logger.Warn().Msg("Sending NOOP")
		p.noOpTimerID = p.setupTimer(noOpTimer, membership.Host{}, p.noOpSendInterval)
	}
}

func (p *Protocol) handleReconnectTimer(host membership.Host) {
	p.transport.Connect(host)
}

// ---------------------------------- View change ----------------------------------

// suspectLeader raises the view-change trigger. Constructing the new view,
// carrying prepared slots over and collecting the quorum certificate is the
// view-change subprotocol, which is not part of this engine.
func (p *Protocol) suspectLeader() {
	p.announce.AnnounceSuspectedLeader(announcer.SuspectedLeader{ViewNumber: p.view.ViewNumber()})
}

// ---------------------------------- Connection events ----------------------------------

func (p *Protocol) handleConnectionEvent(ev ConnectionEvent) {
	switch {
	case ev.Outbound && ev.Kind == ConnUp:
		logger.Info().Str("peer", ev.Peer.String()).Msg("Outbound connection up.")
	case ev.Outbound && (ev.Kind == ConnDown || ev.Kind == ConnFailed):
		logger.Warn().Str("peer", ev.Peer.String()).Bool("failed", ev.Kind == ConnFailed).Msg("Outbound connection lost.")
		p.setupTimer(reconnectTimer, ev.Peer, p.reconnectTime)
	case !ev.Outbound && ev.Kind == ConnUp:
		logger.Info().Str("peer", ev.Peer.String()).Msg("Inbound connection up.")
	case !ev.Outbound && ev.Kind == ConnDown:
		logger.Warn().Str("peer", ev.Peer.String()).Msg("Inbound connection down.")
	}
}

// ---------------------------------- Validation ----------------------------------

// checkValidMessage verifies a message signature with the certificate looked
// up by the crypto name the message carries. Any failure produces no state
// change: the message is dropped.
func (p *Protocol) checkValidMessage(msg wire.Message, from membership.Host) bool {
	pk, err := p.truststore.PublicKey(msg.CryptoName())
	if err != nil {
		logger.Error().Err(err).
			Str("msg", msg.ID().String()).
			Str("from", from.String()).
			Msg("Error checking signature.")
		return false
	}
	if err := msg.CheckSignature(pk); err != nil {
		logger.Error().Err(err).
			Str("msg", msg.ID().String()).
			Str("from", from.String()).
			Msg("Error checking signature.")
		return false
	}
	return true
}
