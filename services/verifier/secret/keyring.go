// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package secret seals session answer keys and hands them to scoring as
// short-lived, single-use handles.
//
// Master keys live in memguard enclaves (encrypted at rest in memory);
// plaintext answer keys live in locked buffers that are wiped as soon as
// scoring has consumed them.
package secret

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/awnumar/memguard"

	"github.com/AleutianAI/agentverify/services/verifier/config"
)

// KeySize is the master key length in bytes.
const KeySize = 32

var (
	// ErrUnknownKey means the ciphertext names a key the keyring does not hold.
	ErrUnknownKey = errors.New("unknown key id")

	// ErrMalformed means the ciphertext is truncated or has a bad header.
	ErrMalformed = errors.New("malformed ciphertext")

	// ErrDecrypt means authentication failed (wrong key, wrong session, tampering).
	ErrDecrypt = errors.New("decryption failed")

	// ErrConsumed means a SessionSecret was already used.
	ErrConsumed = errors.New("session secret already consumed")
)

// Keyring holds the master keys by ID.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type Keyring struct {
	keys   map[uint8]*memguard.Enclave
	active uint8
}

// NewKeyring seals the raw keys into enclaves. The raw key slices are wiped.
//
// # Inputs
//
//   - keys: Master keys by ID (1-255), each KeySize bytes.
//   - active: ID used to seal new secrets; must be present in keys.
func NewKeyring(keys map[uint8][]byte, active uint8) (*Keyring, error) {
	if _, ok := keys[active]; !ok {
		return nil, fmt.Errorf("active key %d not in keyring", active)
	}
	kr := &Keyring{keys: make(map[uint8]*memguard.Enclave, len(keys)), active: active}
	for id, raw := range keys {
		if id == 0 {
			return nil, fmt.Errorf("key id 0 is reserved")
		}
		if len(raw) != KeySize {
			memguard.WipeBytes(raw)
			return nil, fmt.Errorf("key %d: want %d bytes, got %d", id, KeySize, len(raw))
		}
		kr.keys[id] = memguard.NewEnclave(raw)
	}
	return kr, nil
}

// EphemeralKeyring returns a keyring with one random key. Secrets sealed
// under it cannot be opened by another process or after a restart.
func EphemeralKeyring() *Keyring {
	return &Keyring{
		keys:   map[uint8]*memguard.Enclave{1: memguard.NewEnclaveRandom(KeySize)},
		active: 1,
	}
}

// KeyringFromConfig decodes the configured base64 keys. With no keys it
// falls back to an ephemeral key and warns, which is only suitable for a
// single instance that may lose in-flight sessions.
func KeyringFromConfig(cfg config.CryptoConfig) (*Keyring, error) {
	if len(cfg.Keys) == 0 {
		slog.Warn("No master key configured, using an ephemeral key; in-flight sessions will not survive a restart",
			"env", config.MasterKeyEnv)
		return EphemeralKeyring(), nil
	}
	raw := make(map[uint8][]byte, len(cfg.Keys))
	for _, k := range cfg.Keys {
		b, err := base64.StdEncoding.DecodeString(k.Base64)
		if err != nil {
			return nil, fmt.Errorf("decode key %d: %w", k.ID, err)
		}
		raw[uint8(k.ID)] = b
	}
	active := cfg.ActiveKeyID
	if active == 0 {
		active = highestID(raw)
	}
	return NewKeyring(raw, uint8(active))
}

func highestID(keys map[uint8][]byte) int {
	ids := make([]int, 0, len(keys))
	for id := range keys {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	return ids[len(ids)-1]
}

// Active returns the ID new secrets are sealed with.
func (k *Keyring) Active() uint8 {
	return k.active
}

// IDs returns the held key IDs in ascending order.
func (k *Keyring) IDs() []uint8 {
	ids := make([]uint8, 0, len(k.keys))
	for id := range k.keys {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// open decrypts the enclave of id into a locked buffer the caller destroys.
func (k *Keyring) open(id uint8) (*memguard.LockedBuffer, error) {
	enc, ok := k.keys[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKey, id)
	}
	buf, err := enc.Open()
	if err != nil {
		return nil, fmt.Errorf("open key %d: %w", id, err)
	}
	return buf, nil
}

// GenerateKey returns a new random master key, base64 encoded.
func GenerateKey() string {
	buf := memguard.NewBufferRandom(KeySize)
	defer buf.Destroy()
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}
