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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/asn1"
	"math/big"

	"github.com/pkg/errors"
)

// ECDSA signatures travel as the ASN.1 encoding of the (R, S) pair, which
// gives a stable byte representation the verifier can decode unambiguously.
type ecdsaSignature struct {
	R, S *big.Int
}

func ecdsaSignatureToBytes(r, s *big.Int) ([]byte, error) {
	return asn1.Marshal(ecdsaSignature{r, s})
}

func ecdsaSignatureFromBytes(raw []byte) (*big.Int, *big.Int, error) {
	sig := new(ecdsaSignature)
	if _, err := asn1.Unmarshal(raw, sig); err != nil {
		return nil, nil, errors.WithMessagef(err, "failed unmarshalling signature")
	}
	if sig.R == nil || sig.S == nil {
		return nil, nil, errors.New("invalid signature, R and S must be different from nil")
	}
	if sig.R.Sign() != 1 || sig.S.Sign() != 1 {
		return nil, nil, errors.New("invalid signature, R and S must be larger than zero")
	}
	return sig.R, sig.S, nil
}

func SignECDSASignature(sk *ecdsa.PrivateKey, hash []byte) ([]byte, error) {
	r, s, err := ecdsa.Sign(rand.Reader, sk, hash)
	if err != nil {
		return nil, err
	}
	return ecdsaSignatureToBytes(r, s)
}

func VerifyECDSASignature(pk *ecdsa.PublicKey, hash []byte, signature []byte) error {
	r, s, err := ecdsaSignatureFromBytes(signature)
	if err != nil {
		return err
	}
	if !ecdsa.Verify(pk, hash, r, s) {
		return errors.New("signature verification failed")
	}
	return nil
}

func GenerateECDSAKeyPair() (*ecdsa.PrivateKey, *ecdsa.PublicKey, error) {
	sk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return sk, &sk.PublicKey, nil
}
