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

package wire

import (
	"encoding/binary"
	stderrors "errors"

	"github.com/pkg/errors"

	"github.com/consensus-labs/pbftcore/crypto"
	"github.com/consensus-labs/pbftcore/membership"
)

// ErrMalformed is the root cause of every decoding failure.
var ErrMalformed = stderrors.New("malformed wire frame")

const (
	hostSize     = 6
	seqNSize     = 4 + hostSize
	batchKeySize = crypto.DigestSize + seqNSize + 4
)

// Field layout, all integers big-endian:
//
//	PrePrepare: [id:1][batchKey:46][opLen:4][op][nameLen:2][name][sigLen:2][sig]
//	Prepare:    [id:1][batchKey:46][reserved:4][nameLen:2][name][sigLen:2][sig]
//	Commit:     same as Prepare
//
// The signing input is the frame truncated before [sigLen:2][sig].

func encodeHost(buf []byte, h membership.Host) {
	copy(buf[:4], h.Addr[:])
	binary.BigEndian.PutUint16(buf[4:6], h.Port)
}

func decodeHost(buf []byte) membership.Host {
	var h membership.Host
	copy(h.Addr[:], buf[:4])
	h.Port = binary.BigEndian.Uint16(buf[4:6])
	return h
}

func encodeSeqN(buf []byte, s membership.SeqN) {
	binary.BigEndian.PutUint32(buf[:4], s.Counter)
	encodeHost(buf[4:], s.Node)
}

func decodeSeqN(buf []byte) membership.SeqN {
	return membership.SeqN{
		Counter: binary.BigEndian.Uint32(buf[:4]),
		Node:    decodeHost(buf[4:]),
	}
}

func encodeBatchKey(k BatchKey) []byte {
	buf := make([]byte, batchKeySize)
	copy(buf[:crypto.DigestSize], k.OpsHash[:])
	encodeSeqN(buf[crypto.DigestSize:], k.SeqN)
	binary.BigEndian.PutUint32(buf[crypto.DigestSize+seqNSize:], k.View)
	return buf
}

func decodeBatchKey(buf []byte) BatchKey {
	var k BatchKey
	copy(k.OpsHash[:], buf[:crypto.DigestSize])
	k.SeqN = decodeSeqN(buf[crypto.DigestSize:])
	k.View = binary.BigEndian.Uint32(buf[crypto.DigestSize+seqNSize:])
	return k
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendBytes32(buf, data []byte) []byte {
	buf = appendUint32(buf, uint32(len(data)))
	return append(buf, data...)
}

func appendBytes16(buf, data []byte) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(len(data)))
	buf = append(buf, b[:]...)
	return append(buf, data...)
}

func (m *PrePrepare) signingBytes() []byte {
	buf := make([]byte, 0, 1+batchKeySize+4+len(m.Operation)+2+len(m.SenderName))
	buf = append(buf, byte(PrePrepareID))
	buf = append(buf, encodeBatchKey(m.BatchKey)...)
	buf = appendBytes32(buf, m.Operation)
	buf = appendBytes16(buf, []byte(m.SenderName))
	return buf
}

func (m *PrePrepare) Encode() []byte {
	return appendBytes16(m.signingBytes(), m.Signature)
}

func (m *Prepare) signingBytes() []byte {
	return signingBytesVote(PrepareID, m.BatchKey, m.Reserved, m.SenderName)
}

func (m *Prepare) Encode() []byte {
	return appendBytes16(m.signingBytes(), m.Signature)
}

func (m *Commit) signingBytes() []byte {
	return signingBytesVote(CommitID, m.BatchKey, m.Reserved, m.SenderName)
}

func (m *Commit) Encode() []byte {
	return appendBytes16(m.signingBytes(), m.Signature)
}

func signingBytesVote(id MessageID, key BatchKey, reserved uint32, name string) []byte {
	buf := make([]byte, 0, 1+batchKeySize+4+2+len(name))
	buf = append(buf, byte(id))
	buf = append(buf, encodeBatchKey(key)...)
	buf = appendUint32(buf, reserved)
	buf = appendBytes16(buf, []byte(name))
	return buf
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) take(n int) ([]byte, error) {
	if r.off+n > len(r.buf) {
		return nil, errors.WithMessagef(ErrMalformed, "frame truncated at offset %d", r.off)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) bytes32() ([]byte, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	b, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

func (r *reader) bytes16() ([]byte, error) {
	b, err := r.take(2)
	if err != nil {
		return nil, err
	}
	data, err := r.take(int(binary.BigEndian.Uint16(b)))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), data...), nil
}

func (r *reader) done() error {
	if r.off != len(r.buf) {
		return errors.WithMessagef(ErrMalformed, "%d trailing bytes", len(r.buf)-r.off)
	}
	return nil
}

// Decode parses a wire frame back into a typed message.
func Decode(data []byte) (Message, error) {
	r := &reader{buf: data}
	idb, err := r.take(1)
	if err != nil {
		return nil, err
	}

	keyBuf, err := r.take(batchKeySize)
	if err != nil {
		return nil, err
	}
	key := decodeBatchKey(keyBuf)

	switch MessageID(idb[0]) {
	case PrePrepareID:
		op, err := r.bytes32()
		if err != nil {
			return nil, err
		}
		name, err := r.bytes16()
		if err != nil {
			return nil, err
		}
		sig, err := r.bytes16()
		if err != nil {
			return nil, err
		}
		if err := r.done(); err != nil {
			return nil, err
		}
		return &PrePrepare{BatchKey: key, Operation: op, SenderName: string(name), Signature: sig}, nil

	case PrepareID, CommitID:
		reserved, err := r.uint32()
		if err != nil {
			return nil, err
		}
		name, err := r.bytes16()
		if err != nil {
			return nil, err
		}
		sig, err := r.bytes16()
		if err != nil {
			return nil, err
		}
		if err := r.done(); err != nil {
			return nil, err
		}
		if MessageID(idb[0]) == PrepareID {
			return &Prepare{BatchKey: key, Reserved: reserved, SenderName: string(name), Signature: sig}, nil
		}
		return &Commit{BatchKey: key, Reserved: reserved, SenderName: string(name), Signature: sig}, nil

	default:
		return nil, errors.WithMessagef(ErrMalformed, "unknown message id 0x%02x", idb[0])
	}
}
