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

// Package opsmap is the content-addressed operation store. A PrePrepare
// carries the payload once; Prepare and Commit reference it only through its
// hash, and the commit path retrieves it from here. The store is append-only
// for the lifetime of the engine.
package opsmap

import (
	"encoding/binary"
	stderrors "errors"

	badger "github.com/dgraph-io/badger/v2"
	"github.com/pkg/errors"

	"github.com/consensus-labs/pbftcore/crypto"
)

var (
	// ErrDuplicateOp reports a second insertion under an already-known hash.
	// At the ingress path this is how request replay is detected.
	ErrDuplicateOp = stderrors.New("duplicate operation")

	// ErrUnknownOp reports a lookup of a hash that was never installed.
	ErrUnknownOp = stderrors.New("unknown operation")
)

// OpsMapKey identifies a client request: the client's monotonically
// increasing timestamp tag and the request content hash.
type OpsMapKey struct {
	Timestamp   uint64
	RequestHash [crypto.DigestSize]byte
}

func NewOpsMapKey(timestamp uint64, request []byte) OpsMapKey {
	k := OpsMapKey{Timestamp: timestamp}
	copy(k.RequestHash[:], crypto.Hash(request))
	return k
}

// Hash is the content address the operation is stored under.
func (k OpsMapKey) Hash() [crypto.DigestSize]byte {
	buf := make([]byte, 8+crypto.DigestSize)
	binary.BigEndian.PutUint64(buf[:8], k.Timestamp)
	copy(buf[8:], k.RequestHash[:])

	var d [crypto.DigestSize]byte
	copy(d[:], crypto.Hash(buf))
	return d
}

// OpsMap maps operation hashes to payload bytes, backed by a badger instance.
type OpsMap struct {
	db *badger.DB
}

// Open creates the store. An empty dirPath selects an in-memory instance;
// otherwise the store is persisted under the given directory.
func Open(dirPath string) (*OpsMap, error) {
	var badgerOpts badger.Options
	if dirPath == "" {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		badgerOpts = badger.DefaultOptions(dirPath).WithSyncWrites(false).WithTruncate(true)
	}
	badgerOpts = badgerOpts.WithLogger(nil)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, errors.WithMessage(err, "could not open backing db")
	}
	return &OpsMap{db: db}, nil
}

// AddOp installs a payload under its hash. Inserting under an already-known
// hash leaves the store unchanged and returns ErrDuplicateOp.
func (m *OpsMap) AddOp(opsHash [crypto.DigestSize]byte, payload []byte) error {
	return m.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(opsHash[:])
		if err == nil {
			return errors.WithMessagef(ErrDuplicateOp, "operation %s already stored", crypto.BytesToStr(opsHash[:]))
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(opsHash[:], payload)
	})
}

// GetOp retrieves the payload stored under a hash.
func (m *OpsMap) GetOp(opsHash [crypto.DigestSize]byte) ([]byte, error) {
	var valCopy []byte
	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(opsHash[:])
		if err == badger.ErrKeyNotFound {
			return errors.WithMessagef(ErrUnknownOp, "operation %s not stored", crypto.BytesToStr(opsHash[:]))
		}
		if err != nil {
			return err
		}
		valCopy, err = item.ValueCopy(nil)
		return err
	})
	return valCopy, err
}

// ContainsOp probes for a hash without retrieving the payload.
func (m *OpsMap) ContainsOp(opsHash [crypto.DigestSize]byte) bool {
	err := m.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(opsHash[:])
		return err
	})
	return err == nil
}

func (m *OpsMap) Sync() error {
	return m.db.Sync()
}

func (m *OpsMap) Close() {
	m.db.Close()
}
