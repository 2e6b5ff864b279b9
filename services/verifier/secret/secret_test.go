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
	"bytes"
	"context"
	"encoding/base64"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/agentverify/services/verifier/challenge"
	"github.com/AleutianAI/agentverify/services/verifier/config"
)

func key(b byte) []byte {
	return bytes.Repeat([]byte{b}, KeySize)
}

func testProvider(t *testing.T) *AEADProvider {
	t.Helper()
	kr, err := NewKeyring(map[uint8][]byte{1: key(0x11)}, 1)
	require.NoError(t, err)
	return NewAEADProvider(kr)
}

func TestSealOpen_RoundTripReproducesAnswerKey(t *testing.T) {
	t.Setenv(InsecureMemoryEnv, "true")
	ctx := context.Background()
	p := testProvider(t)

	set, err := challenge.NewGenerator(rand.NewPCG(1, 2)).Generate(config.DefaultPolicy())
	require.NoError(t, err)
	plain, err := set.Expected.Marshal()
	require.NoError(t, err)

	sealed, err := p.Seal(ctx, plain, []byte("session-1"))
	require.NoError(t, err)
	assert.False(t, bytes.Contains(sealed, plain[:16]))

	ss, err := Open(ctx, p, sealed, "session-1")
	require.NoError(t, err)
	defer ss.Destroy()

	var got challenge.ExpectedAnswers
	require.NoError(t, ss.Consume(func(b []byte) error {
		got, err = challenge.UnmarshalExpected(b)
		return err
	}))
	assert.Equal(t, set.Expected.Arithmetic, got.Arithmetic)
	assert.Equal(t, set.Expected.Structured, got.Structured)
	assert.Equal(t, set.Expected.Behavioral, got.Behavioral)
	assert.Len(t, got.JSONParse, len(set.Expected.JSONParse))
}

func TestOpen_WrongSessionFails(t *testing.T) {
	ctx := context.Background()
	p := testProvider(t)

	sealed, err := p.Seal(ctx, []byte("answers"), []byte("session-1"))
	require.NoError(t, err)

	_, err = p.Open(ctx, sealed, []byte("session-2"))
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestOpen_TamperedFails(t *testing.T) {
	ctx := context.Background()
	p := testProvider(t)

	sealed, err := p.Seal(ctx, []byte("answers"), []byte("s"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff

	_, err = p.Open(ctx, sealed, []byte("s"))
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = p.Open(ctx, sealed[:10], []byte("s"))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestSeal_NonceIsFresh(t *testing.T) {
	ctx := context.Background()
	p := testProvider(t)

	a, err := p.Seal(ctx, []byte("same"), []byte("s"))
	require.NoError(t, err)
	b, err := p.Seal(ctx, []byte("same"), []byte("s"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestKeyRotation_OldSecretsStillOpen(t *testing.T) {
	ctx := context.Background()

	oldRing, err := NewKeyring(map[uint8][]byte{1: key(0x11)}, 1)
	require.NoError(t, err)
	sealed, err := NewAEADProvider(oldRing).Seal(ctx, []byte("answers"), []byte("s"))
	require.NoError(t, err)

	rotated, err := NewKeyring(map[uint8][]byte{1: key(0x11), 2: key(0x22)}, 2)
	require.NoError(t, err)
	p := NewAEADProvider(rotated)

	plain, err := p.Open(ctx, sealed, []byte("s"))
	require.NoError(t, err)
	assert.Equal(t, "answers", string(plain))

	fresh, err := p.Seal(ctx, []byte("x"), []byte("s"))
	require.NoError(t, err)
	assert.Equal(t, byte(2), fresh[1])

	retired, err := NewKeyring(map[uint8][]byte{2: key(0x22)}, 2)
	require.NoError(t, err)
	_, err = NewAEADProvider(retired).Open(ctx, sealed, []byte("s"))
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestNewKeyring_Rejects(t *testing.T) {
	_, err := NewKeyring(map[uint8][]byte{1: key(1)}, 2)
	assert.Error(t, err)
	_, err = NewKeyring(map[uint8][]byte{1: []byte("short")}, 1)
	assert.Error(t, err)
}

func TestKeyringFromConfig(t *testing.T) {
	kr, err := KeyringFromConfig(config.CryptoConfig{})
	require.NoError(t, err)
	assert.Equal(t, uint8(1), kr.Active())

	cfg := config.CryptoConfig{Keys: []config.KeyConfig{
		{ID: 3, Base64: base64.StdEncoding.EncodeToString(key(3))},
		{ID: 7, Base64: base64.StdEncoding.EncodeToString(key(7))},
	}}
	kr, err = KeyringFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, uint8(7), kr.Active())
	assert.Equal(t, []uint8{3, 7}, kr.IDs())

	cfg.ActiveKeyID = 3
	kr, err = KeyringFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, uint8(3), kr.Active())
}

func TestSessionSecret_ConsumedOnce(t *testing.T) {
	t.Setenv(InsecureMemoryEnv, "true")
	ctx := context.Background()
	p := testProvider(t)

	sealed, err := p.Seal(ctx, []byte("answers"), []byte("s"))
	require.NoError(t, err)
	ss, err := Open(ctx, p, sealed, "s")
	require.NoError(t, err)

	calls := 0
	require.NoError(t, ss.Consume(func(b []byte) error {
		calls++
		assert.Equal(t, "answers", string(b))
		return nil
	}))
	assert.ErrorIs(t, ss.Consume(func([]byte) error { calls++; return nil }), ErrConsumed)
	assert.Equal(t, 1, calls)
	ss.Destroy()
}

func TestSessionSecret_DestroyBeforeConsume(t *testing.T) {
	t.Setenv(InsecureMemoryEnv, "true")
	ctx := context.Background()
	p := testProvider(t)

	sealed, err := p.Seal(ctx, []byte("answers"), []byte("s"))
	require.NoError(t, err)
	ss, err := Open(ctx, p, sealed, "s")
	require.NoError(t, err)

	ss.Destroy()
	ss.Destroy()
	assert.ErrorIs(t, ss.Consume(func([]byte) error { return nil }), ErrConsumed)
}

func TestGenerateKey(t *testing.T) {
	raw, err := base64.StdEncoding.DecodeString(GenerateKey())
	require.NoError(t, err)
	assert.Len(t, raw, KeySize)
	assert.NotEqual(t, GenerateKey(), GenerateKey())
}
