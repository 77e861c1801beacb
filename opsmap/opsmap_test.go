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

package opsmap

import (
	"bytes"
	"errors"
	"testing"
)

func TestAddGetContains(t *testing.T) {
	m, err := Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	payload := []byte("block payload")
	key := NewOpsMapKey(1, payload)
	opsHash := key.Hash()

	if m.ContainsOp(opsHash) {
		t.Error("empty store must not contain the operation")
	}
	if err := m.AddOp(opsHash, payload); err != nil {
		t.Fatal(err)
	}
	if !m.ContainsOp(opsHash) {
		t.Error("stored operation not found by ContainsOp")
	}

	got, err := m.GetOp(opsHash)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("retrieved payload differs: %q", got)
	}
}

func TestDuplicateOp(t *testing.T) {
	m, err := Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	payload := []byte("block payload")
	opsHash := NewOpsMapKey(1, payload).Hash()

	if err := m.AddOp(opsHash, payload); err != nil {
		t.Fatal(err)
	}
	if err := m.AddOp(opsHash, payload); !errors.Is(err, ErrDuplicateOp) {
		t.Errorf("second insertion must fail with ErrDuplicateOp, got %v", err)
	}

	// The original payload must survive the rejected insertion.
	got, err := m.GetOp(opsHash)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload changed by rejected insertion: %q", got)
	}
}

func TestUnknownOp(t *testing.T) {
	m, err := Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	opsHash := NewOpsMapKey(9, []byte("never stored")).Hash()
	if _, err := m.GetOp(opsHash); !errors.Is(err, ErrUnknownOp) {
		t.Errorf("expected ErrUnknownOp, got %v", err)
	}
}

func TestOpsMapKeyHash(t *testing.T) {
	a := NewOpsMapKey(1, []byte("request"))
	b := NewOpsMapKey(1, []byte("request"))
	if a.Hash() != b.Hash() {
		t.Error("equal keys must hash equally")
	}

	c := NewOpsMapKey(2, []byte("request"))
	if a.Hash() == c.Hash() {
		t.Error("timestamp must contribute to the content address")
	}

	d := NewOpsMapKey(1, []byte("other request"))
	if a.Hash() == d.Hash() {
		t.Error("request content must contribute to the content address")
	}
}
