// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package secret

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Provider seals and opens session secrets.
type Provider interface {
	// Seal encrypts plaintext bound to associatedData (the session ID).
	Seal(ctx context.Context, plaintext, associatedData []byte) ([]byte, error)

	// Open reverses Seal. Fails with ErrDecrypt when associatedData differs.
	Open(ctx context.Context, ciphertext, associatedData []byte) ([]byte, error)
}

// Ciphertext layout:
//
//	version(1) | keyID(1) | nonce(24) | XChaCha20-Poly1305 sealed box
//
// The two header bytes are authenticated as part of the associated data.
const (
	formatVersion = 1
	headerSize    = 2
)

// dataKeyInfo is the HKDF info label separating session-secret keys from any
// other use of the master key.
var dataKeyInfo = []byte("agentverify session secret v1")

// AEADProvider is the XChaCha20-Poly1305 Provider over a Keyring.
//
// # Description
//
// Each master key is expanded with HKDF-SHA256 into the data key on use;
// the data key exists only in a locked buffer for the duration of one call.
//
// # Thread Safety
//
// Safe for concurrent use.
type AEADProvider struct {
	keys *Keyring
}

// NewAEADProvider creates a provider over keys.
func NewAEADProvider(keys *Keyring) *AEADProvider {
	return &AEADProvider{keys: keys}
}

// Seal implements Provider using the keyring's active key.
func (p *AEADProvider) Seal(_ context.Context, plaintext, associatedData []byte) ([]byte, error) {
	id := p.keys.Active()
	header := []byte{formatVersion, id}

	out := make([]byte, headerSize+chacha20poly1305.NonceSizeX, headerSize+chacha20poly1305.NonceSizeX+len(plaintext)+chacha20poly1305.Overhead)
	copy(out, header)
	nonce := out[headerSize:]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}

	err := p.withAEAD(id, func(aead aeadCipher) {
		out = aead.Seal(out, nonce, plaintext, bindHeader(header, associatedData))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Open implements Provider. The key is chosen by the ciphertext header, so
// secrets sealed before a key rotation still open.
func (p *AEADProvider) Open(_ context.Context, ciphertext, associatedData []byte) ([]byte, error) {
	if len(ciphertext) < headerSize+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, ErrMalformed
	}
	if ciphertext[0] != formatVersion {
		return nil, fmt.Errorf("%w: version %d", ErrMalformed, ciphertext[0])
	}
	header := ciphertext[:headerSize]
	nonce := ciphertext[headerSize : headerSize+chacha20poly1305.NonceSizeX]
	box := ciphertext[headerSize+chacha20poly1305.NonceSizeX:]

	var (
		plaintext []byte
		openErr   error
	)
	err := p.withAEAD(header[1], func(aead aeadCipher) {
		plaintext, openErr = aead.Open(nil, nonce, box, bindHeader(header, associatedData))
	})
	if err != nil {
		return nil, err
	}
	if openErr != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

type aeadCipher interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// withAEAD derives the data key of id and runs fn with a cipher over it.
func (p *AEADProvider) withAEAD(id uint8, fn func(aeadCipher)) error {
	master, err := p.keys.open(id)
	if err != nil {
		return err
	}
	defer master.Destroy()

	dataKey := memguard.NewBuffer(chacha20poly1305.KeySize)
	defer dataKey.Destroy()
	dataKey.Melt()
	kdf := hkdf.New(sha256.New, master.Bytes(), nil, dataKeyInfo)
	if _, err := io.ReadFull(kdf, dataKey.Bytes()); err != nil {
		return fmt.Errorf("derive data key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(dataKey.Bytes())
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}
	fn(aead)
	return nil
}

func bindHeader(header, associatedData []byte) []byte {
	ad := make([]byte, 0, len(header)+len(associatedData))
	ad = append(ad, header...)
	return append(ad, associatedData...)
}
