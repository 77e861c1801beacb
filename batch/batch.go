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

// Package batch is the per-slot ledger of the agreement protocol. Each slot
// is identified by the digest of its BatchKey and accumulates prepare and
// commit arrivals until the quorum thresholds fire.
//
// The ledger counts arrivals without recording senders; deduplication of a
// single sender's repeated votes is the caller's concern.
package batch

import (
	stderrors "errors"

	"github.com/pkg/errors"

	"github.com/consensus-labs/pbftcore/crypto"
	"github.com/consensus-labs/pbftcore/membership"
	"github.com/consensus-labs/pbftcore/wire"
)

var (
	// ErrDuplicateSlot reports opening a slot that already exists.
	ErrDuplicateSlot = stderrors.New("duplicate slot")

	// ErrUnknownSlot reports a prepare or commit for a slot never opened.
	ErrUnknownSlot = stderrors.New("unknown slot")

	// ErrConflictingProposal reports a second proposal for an already-bound
	// (seqN, view) pair with a different operation hash: equivocation.
	ErrConflictingProposal = stderrors.New("conflicting proposal")
)

// Slot tracks the protocol state of one consensus position. Setting Committed
// does not freeze the entry: AddPrepareMessage and AddCommitMessage keep
// counting arrivals for a committed slot.
type Slot struct {
	PrepareCount uint32
	CommitCount  uint32
	PrepareSent  bool
	CommitSent   bool
	Committed    bool
}

type slotPosition struct {
	seqN membership.SeqN
	view uint32
}

// MessageBatch is the slot ledger, keyed by hash(BatchKey). Not safe for
// concurrent use; the engine mutates it from its single handler goroutine
// only.
type MessageBatch struct {
	slots map[[crypto.DigestSize]byte]*Slot

	// Operation hash each (seqN, view) position is bound to. Guards against
	// a second proposal for the same position with a different payload.
	bound map[slotPosition][crypto.DigestSize]byte
}

func NewMessageBatch() *MessageBatch {
	return &MessageBatch{
		slots: make(map[[crypto.DigestSize]byte]*Slot),
		bound: make(map[slotPosition][crypto.DigestSize]byte),
	}
}

// AddMessage opens the slot for a batch key. It fails with ErrDuplicateSlot
// if the slot exists and with ErrConflictingProposal if the key's (seqN, view)
// position is already bound to a different operation.
func (mb *MessageBatch) AddMessage(k wire.BatchKey) error {
	digest := k.Digest()
	if _, ok := mb.slots[digest]; ok {
		return errors.WithMessagef(ErrDuplicateSlot, "slot %s already open", crypto.BytesToStr(digest[:]))
	}

	pos := slotPosition{seqN: k.SeqN, view: k.View}
	if opsHash, ok := mb.bound[pos]; ok && opsHash != k.OpsHash {
		return errors.WithMessagef(ErrConflictingProposal,
			"position (%s, view %d) already bound to %s", k.SeqN, k.View, crypto.BytesToStr(opsHash[:]))
	}

	mb.slots[digest] = &Slot{}
	mb.bound[pos] = k.OpsHash
	return nil
}

// AddPrepareMessage counts a prepare arrival and returns the new count.
func (mb *MessageBatch) AddPrepareMessage(k wire.BatchKey) (uint32, error) {
	s, ok := mb.slots[k.Digest()]
	if !ok {
		return 0, errors.WithMessagef(ErrUnknownSlot, "prepare for unopened slot at %s", k.SeqN)
	}
	s.PrepareCount++
	return s.PrepareCount, nil
}

// AddCommitMessage counts a commit arrival and returns the new count.
func (mb *MessageBatch) AddCommitMessage(k wire.BatchKey) (uint32, error) {
	s, ok := mb.slots[k.Digest()]
	if !ok {
		return 0, errors.WithMessagef(ErrUnknownSlot, "commit for unopened slot at %s", k.SeqN)
	}
	s.CommitCount++
	return s.CommitCount, nil
}

// ContainsMessage probes whether the slot is open.
func (mb *MessageBatch) ContainsMessage(k wire.BatchKey) bool {
	_, ok := mb.slots[k.Digest()]
	return ok
}

// Slot returns the mutable ledger entry for a batch key.
func (mb *MessageBatch) Slot(k wire.BatchKey) (*Slot, bool) {
	s, ok := mb.slots[k.Digest()]
	return s, ok
}
