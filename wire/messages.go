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

// Package wire defines the three authenticated protocol messages and their
// canonical binary encoding. The bytes fed to sign and verify are derived
// deterministically from the unsigned fields in a fixed order, so every
// replica recomputes the same digest for the same message.
package wire

import (
	"github.com/consensus-labs/pbftcore/crypto"
	"github.com/consensus-labs/pbftcore/membership"
)

// MessageID distinguishes the three protocol messages on the wire.
type MessageID byte

const (
	PrePrepareID MessageID = 0x01
	PrepareID    MessageID = 0x02
	CommitID     MessageID = 0x03
)

func (id MessageID) String() string {
	switch id {
	case PrePrepareID:
		return "PREPREPARE"
	case PrepareID:
		return "PREPARE"
	case CommitID:
		return "COMMIT"
	}
	return "UNKNOWN"
}

// BatchKey identifies a consensus slot: the content address of the proposed
// operation, the sequence number it is proposed at, and the view.
type BatchKey struct {
	OpsHash [crypto.DigestSize]byte
	SeqN    membership.SeqN
	View    uint32
}

// Digest is the slot ledger key: the hash of the canonical BatchKey encoding.
func (k BatchKey) Digest() [crypto.DigestSize]byte {
	var d [crypto.DigestSize]byte
	copy(d[:], crypto.Hash(encodeBatchKey(k)))
	return d
}

// Message is the common shell of the three protocol messages.
type Message interface {
	ID() MessageID
	Key() BatchKey
	// CryptoName is the sender's logical key name, used by the receiver to
	// resolve the verification key in its truststore.
	CryptoName() string
	Sig() []byte
	// Encode produces the canonical wire frame, including the signature.
	Encode() []byte

	// CheckSignature verifies the signature over the canonical encoding of
	// the unsigned fields.
	CheckSignature(pk interface{}) error

	signingBytes() []byte
}

// PrePrepare opens a slot and is the only message carrying the payload.
type PrePrepare struct {
	BatchKey   BatchKey
	Operation  []byte
	SenderName string
	Signature  []byte
}

func (m *PrePrepare) ID() MessageID      { return PrePrepareID }
func (m *PrePrepare) Key() BatchKey      { return m.BatchKey }
func (m *PrePrepare) CryptoName() string { return m.SenderName }
func (m *PrePrepare) Sig() []byte        { return m.Signature }

func (m *PrePrepare) Sign(sk interface{}) error {
	sig, err := signPayload(m, sk)
	if err != nil {
		return err
	}
	m.Signature = sig
	return nil
}

func (m *PrePrepare) CheckSignature(pk interface{}) error {
	return verifyPayload(m, pk)
}

// Prepare votes for an opened slot; it carries only the batch key. The
// reserved field is kept at zero on the wire.
type Prepare struct {
	BatchKey   BatchKey
	Reserved   uint32
	SenderName string
	Signature  []byte
}

func (m *Prepare) ID() MessageID      { return PrepareID }
func (m *Prepare) Key() BatchKey      { return m.BatchKey }
func (m *Prepare) CryptoName() string { return m.SenderName }
func (m *Prepare) Sig() []byte        { return m.Signature }

func (m *Prepare) Sign(sk interface{}) error {
	sig, err := signPayload(m, sk)
	if err != nil {
		return err
	}
	m.Signature = sig
	return nil
}

func (m *Prepare) CheckSignature(pk interface{}) error {
	return verifyPayload(m, pk)
}

// Commit votes for delivering a prepared slot.
type Commit struct {
	BatchKey   BatchKey
	Reserved   uint32
	SenderName string
	Signature  []byte
}

func (m *Commit) ID() MessageID      { return CommitID }
func (m *Commit) Key() BatchKey      { return m.BatchKey }
func (m *Commit) CryptoName() string { return m.SenderName }
func (m *Commit) Sig() []byte        { return m.Signature }

func (m *Commit) Sign(sk interface{}) error {
	sig, err := signPayload(m, sk)
	if err != nil {
		return err
	}
	m.Signature = sig
	return nil
}

func (m *Commit) CheckSignature(pk interface{}) error {
	return verifyPayload(m, pk)
}

func signPayload(m Message, sk interface{}) ([]byte, error) {
	return crypto.Sign(crypto.Hash(m.signingBytes()), sk)
}

func verifyPayload(m Message, pk interface{}) error {
	return crypto.CheckSig(crypto.Hash(m.signingBytes()), pk, m.Sig())
}
