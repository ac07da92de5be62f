// Copyright (C) 2019 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"crypto/rand"
	"crypto/sha256"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/pbkdf2"
)

const (
	nonceLength = 24

	// sealOverhead is added to every encrypted payload: the nonce is
	// prepended to the sealed box.
	sealOverhead = secretbox.Overhead + nonceLength
)

var keySalt = [32]byte{
	0x4c, 0x9e, 0x12, 0xa7, 0x31, 0x6b, 0xd0, 0x55,
	0x8a, 0x03, 0xfe, 0x27, 0x90, 0x1d, 0xc4, 0x6e,
	0xb2, 0x48, 0x7f, 0x15, 0xe9, 0x3a, 0x60, 0xcd,
	0x04, 0x99, 0x2b, 0x71, 0xd6, 0x8f, 0x3e, 0xa0,
}

// A SecureChannel encrypts and decrypts message payloads with a key shared
// by every node of the cluster. A nil SecureChannel, or one created from an
// empty key, passes data through unchanged.
type SecureChannel struct {
	key *[32]byte
}

// NewSecureChannel returns a channel for the given cluster key. A key of
// exactly 32 bytes is used as is, other keys are stretched.
func NewSecureChannel(key string) *SecureChannel {
	if key == "" {
		return &SecureChannel{}
	}
	var k [32]byte
	if len(key) == len(k) {
		copy(k[:], key)
	} else {
		copy(k[:], pbkdf2.Key([]byte(key), keySalt[:], 4096, len(k), sha256.New))
	}
	return &SecureChannel{key: &k}
}

func (s *SecureChannel) Enabled() bool {
	return s != nil && s.key != nil
}

// Overhead is the number of bytes Encrypt adds to a payload.
func (s *SecureChannel) Overhead() int {
	if !s.Enabled() {
		return 0
	}
	return sealOverhead
}

func (s *SecureChannel) Encrypt(data []byte) []byte {
	if !s.Enabled() {
		return data
	}
	return encryptBytes(data, s.key)
}

// Decrypt returns ErrDecryption when the payload fails authentication.
func (s *SecureChannel) Decrypt(data []byte) ([]byte, error) {
	if !s.Enabled() {
		return data, nil
	}
	dec, ok := decryptBytes(data, s.key)
	if !ok {
		return nil, ErrDecryption
	}
	return dec, nil
}

func encryptBytes(data []byte, key *[32]byte) []byte {
	nonce := randomNonce()
	return secretbox.Seal(nonce[:], data, nonce, key)
}

func decryptBytes(data []byte, key *[32]byte) ([]byte, bool) {
	if len(data) < nonceLength {
		return nil, false
	}

	var nonce [nonceLength]byte
	copy(nonce[:], data)
	return secretbox.Open(nil, data[nonceLength:], &nonce, key)
}

func randomNonce() *[nonceLength]byte {
	var nonce [nonceLength]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		panic("catastrophic randomness failure: " + err.Error())
	}
	return &nonce
}
