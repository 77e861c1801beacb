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

// Package crypto provides the signing, verification and hashing primitives of
// the replication engine, plus PEM loaders for the long-lived key material.
// ECDSA and RSA keys are supported; key types are resolved dynamically so the
// rest of the engine only passes opaque key references around.
package crypto

import (
	cstd "crypto"
	"crypto/ecdsa"
	crand "crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	stderrors "errors"
	"io/ioutil"
	"strings"

	"github.com/pkg/errors"
)

// DigestSize is the width of all digests used by the engine.
const DigestSize = sha256.Size

// ErrSignature is the root cause of every sign/verify/key-lookup failure.
// Validators treat any error in this class the same way: drop the message.
var ErrSignature = stderrors.New("signature error")

func Hash(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

func BytesToStr(h []byte) string {
	return base64.RawStdEncoding.EncodeToString(h)
}

// Sign signs a digest with the given private key.
func Sign(hash []byte, sk interface{}) ([]byte, error) {
	switch pvk := sk.(type) {
	case *rsa.PrivateKey:
		sig, err := pvk.Sign(crand.Reader, hash, cstd.SHA256)
		if err != nil {
			return nil, errors.WithMessage(ErrSignature, err.Error())
		}
		return sig, nil
	case *ecdsa.PrivateKey:
		sig, err := SignECDSASignature(pvk, hash)
		if err != nil {
			return nil, errors.WithMessage(ErrSignature, err.Error())
		}
		return sig, nil
	default:
		return nil, errors.WithMessagef(ErrSignature, "unsupported private key type: %T", pvk)
	}
}

// CheckSig verifies a signature over a digest. A nil return means the
// signature is valid; any other outcome is an ErrSignature.
func CheckSig(hash []byte, pk interface{}, sig []byte) error {
	switch p := pk.(type) {
	case *ecdsa.PublicKey:
		if err := VerifyECDSASignature(p, hash, sig); err != nil {
			return errors.WithMessage(ErrSignature, err.Error())
		}
		return nil
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(p, cstd.SHA256, hash, sig); err != nil {
			return errors.WithMessage(ErrSignature, err.Error())
		}
		return nil
	default:
		return errors.WithMessagef(ErrSignature, "unsupported public key type: %T", p)
	}
}

func PublicKeyFromBytes(raw []byte) (interface{}, error) {
	pk, err := x509.ParsePKIXPublicKey(raw)
	if err != nil {
		return nil, errors.WithMessage(ErrSignature, err.Error())
	}
	switch p := pk.(type) {
	case *ecdsa.PublicKey, *rsa.PublicKey:
		return p, nil
	default:
		return nil, errors.WithMessagef(ErrSignature, "unsupported public key type: %T", p)
	}
}

// PublicKeyFromFile loads a public key from a PEM file containing either a
// PUBLIC KEY or a CERTIFICATE block.
func PublicKeyFromFile(file string) (interface{}, error) {
	pemBytes, err := ioutil.ReadFile(file)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.WithMessagef(ErrSignature, "no PEM block in %s", file)
	}
	switch block.Type {
	case "PUBLIC KEY":
		return PublicKeyFromBytes(block.Bytes)
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, errors.WithMessage(ErrSignature, err.Error())
		}
		switch p := cert.PublicKey.(type) {
		case *ecdsa.PublicKey, *rsa.PublicKey:
			return p, nil
		default:
			return nil, errors.WithMessagef(ErrSignature, "unsupported public key type: %T", p)
		}
	}
	return nil, errors.WithMessagef(ErrSignature, "no public key in PEM block of type %s", block.Type)
}

func PrivateKeyFromBytes(raw []byte) (interface{}, error) {
	pk, err := x509.ParsePKCS8PrivateKey(raw)
	if err != nil {
		return nil, errors.WithMessage(ErrSignature, err.Error())
	}
	switch p := pk.(type) {
	case *ecdsa.PrivateKey, *rsa.PrivateKey:
		return p, nil
	default:
		return nil, errors.WithMessagef(ErrSignature, "unsupported private key type: %T", p)
	}
}

// PrivateKeyFromFile loads the first valid private key PEM block in the file.
func PrivateKeyFromFile(file string) (interface{}, error) {
	pemBytes, err := ioutil.ReadFile(file)
	if err != nil {
		return nil, err
	}
	block, rest := pem.Decode(pemBytes)
	for block != nil {
		if strings.Contains(block.Type, "PRIVATE KEY") {
			if key, err := PrivateKeyFromBytes(block.Bytes); err == nil {
				return key, nil
			}
		}
		block, rest = pem.Decode(rest)
	}
	return nil, errors.WithMessagef(ErrSignature, "no valid key PEM block in %s", file)
}

func GenerateKeyPair() (interface{}, interface{}, error) {
	return GenerateECDSAKeyPair()
}
