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

// Package journal is a write-ahead log of delivered blocks. The peer appends
// each committed notification in delivery order; on restart the application
// can replay the journal to rebuild its state. The engine itself keeps no
// persistent state; the journal is an application-side record.
package journal

import (
	"io"

	"github.com/pkg/errors"
	"github.com/tidwall/wal"
)

type Journal struct {
	nextIndex uint64
	log       *wal.Log
}

// Open opens (or creates) the journal at path.
func Open(path string) (*Journal, error) {
	log, err := wal.Open(path, &wal.Options{
		NoSync: true,
		NoCopy: true,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "could not open journal")
	}

	lastIndex, err := log.LastIndex()
	if err != nil {
		log.Close()
		return nil, errors.WithMessage(err, "could not read last index")
	}

	return &Journal{
		nextIndex: lastIndex + 1,
		log:       log,
	}, nil
}

// Append records a delivered block.
func (j *Journal) Append(block []byte) error {
	if err := j.log.Write(j.nextIndex, block); err != nil {
		return errors.WithMessagef(err, "could not append entry %d", j.nextIndex)
	}
	j.nextIndex++
	return nil
}

// Entries returns the number of recorded blocks.
func (j *Journal) Entries() uint64 {
	return j.nextIndex - 1
}

// Iterator replays the journal from the first entry.
func (j *Journal) Iterator() *Iterator {
	return &Iterator{
		currentIndex: 1,
		stopIndex:    j.nextIndex - 1,
		log:          j.log,
	}
}

func (j *Journal) Sync() error {
	return j.log.Sync()
}

func (j *Journal) Close() error {
	return j.log.Close()
}

type Iterator struct {
	currentIndex uint64
	stopIndex    uint64
	log          *wal.Log
}

// LoadNext returns the next recorded block, or io.EOF past the end.
func (i *Iterator) LoadNext() ([]byte, error) {
	if i.currentIndex > i.stopIndex {
		return nil, io.EOF
	}

	data, err := i.log.Read(i.currentIndex)
	if err != nil {
		return nil, errors.WithMessagef(err, "could not read index %d", i.currentIndex)
	}

	i.currentIndex++
	return data, nil
}
