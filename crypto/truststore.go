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

package crypto

import (
	"io/ioutil"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	logger "github.com/rs/zerolog/log"
)

// Truststore maps each replica's logical key name to its public key. The
// store is read-only after loading and may be shared by reference across
// goroutines.
type Truststore struct {
	keys map[string]interface{}
}

// LoadTruststore reads every *.pem file in dir; the file base name (without
// extension) is the logical key name the certificate is registered under.
func LoadTruststore(dir string) (*Truststore, error) {
	files, err := ioutil.ReadDir(dir)
	if err != nil {
		return nil, errors.WithMessagef(err, "could not read truststore directory %s", dir)
	}

	ts := &Truststore{keys: make(map[string]interface{})}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".pem") {
			continue
		}
		name := strings.TrimSuffix(f.Name(), ".pem")
		pk, err := PublicKeyFromFile(filepath.Join(dir, f.Name()))
		if err != nil {
			return nil, errors.WithMessagef(err, "could not load certificate %s", f.Name())
		}
		ts.keys[name] = pk
		logger.Debug().Str("name", name).Msg("Loaded truststore certificate.")
	}

	if len(ts.keys) == 0 {
		return nil, errors.Errorf("truststore directory %s contains no certificates", dir)
	}
	return ts, nil
}

// NewTruststore builds a truststore from an in-memory name-to-key map.
func NewTruststore(keys map[string]interface{}) *Truststore {
	c := make(map[string]interface{}, len(keys))
	for name, pk := range keys {
		c[name] = pk
	}
	return &Truststore{keys: c}
}

// PublicKey resolves a logical key name to a verification key. A missing name
// is an ErrSignature, the same class as a failed verification.
func (t *Truststore) PublicKey(name string) (interface{}, error) {
	pk, ok := t.keys[name]
	if !ok {
		return nil, errors.WithMessagef(ErrSignature, "no certificate for crypto name %q", name)
	}
	return pk, nil
}
