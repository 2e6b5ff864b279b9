// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/agentverify/services/verifier/datatypes"
	"github.com/AleutianAI/agentverify/services/verifier/storage/badger"
)

// Key layout:
//
//	session/<id>                          SessionRecord JSON
//	secret/<id>                           sealed secret bytes
//	challenge/<sid>/<seq:02d>             ChallengeRecord JSON, seq = issue order
//	agent-session/<agent>/<nanos:020d>/<sid>   empty; index for ListAgentSessions
//	history/<agent>                       VerificationHistory JSON
//	agent/<agent>                         AgentStatus JSON
//
// IDs are validated to exclude "/", so segments never collide.
func sessionKey(id string) []byte   { return []byte("session/" + id) }
func secretKey(id string) []byte    { return []byte("secret/" + id) }
func challengePrefix(sid string) []byte {
	return []byte("challenge/" + sid + "/")
}
func challengeKey(sid string, seq int) []byte {
	return []byte(fmt.Sprintf("challenge/%s/%02d", sid, seq))
}
func agentSessionPrefix(agent string) []byte {
	return []byte("agent-session/" + agent + "/")
}
func agentSessionKey(agent string, startedAt time.Time, sid string) []byte {
	return []byte(fmt.Sprintf("agent-session/%s/%020d/%s", agent, startedAt.UnixNano(), sid))
}
func historyKey(agent string) []byte { return []byte("history/" + agent) }
func statusKey(agent string) []byte  { return []byte("agent/" + agent) }

// Badger is a Store over an embedded BadgerDB. Atomicity comes from Badger's
// optimistic transactions; badger.DB.Update re-runs a transaction that lost
// a conflict, so two concurrent UpdateIfStatus calls on one session never
// both see in_progress.
type Badger struct {
	db *badger.DB
}

// NewBadger wraps an open database. Close closes it.
func NewBadger(db *badger.DB) *Badger {
	return &Badger{db: db}
}

// CreateSession implements Store.
func (b *Badger) CreateSession(ctx context.Context, rec datatypes.SessionRecord, sealedSecret []byte, challenges []datatypes.ChallengeRecord) error {
	return b.db.Update(ctx, func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(sessionKey(rec.ID)); err == nil {
			return ErrSessionExists
		} else if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return err
		}
		if err := setJSON(txn, sessionKey(rec.ID), rec); err != nil {
			return err
		}
		if err := txn.Set(secretKey(rec.ID), sealedSecret); err != nil {
			return err
		}
		for i, c := range challenges {
			if err := setJSON(txn, challengeKey(rec.ID, i), c); err != nil {
				return err
			}
		}
		return txn.Set(agentSessionKey(rec.AgentID, rec.StartedAt, rec.ID), nil)
	})
}

// GetSession implements Store.
func (b *Badger) GetSession(ctx context.Context, id string) (datatypes.SessionRecord, error) {
	var rec datatypes.SessionRecord
	err := b.db.View(ctx, func(txn *badgerdb.Txn) error {
		return getJSON(txn, sessionKey(id), &rec)
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return datatypes.SessionRecord{}, ErrSessionNotFound
	}
	return rec, err
}

// GetChallenges implements Store.
func (b *Badger) GetChallenges(ctx context.Context, sessionID string) ([]datatypes.ChallengeRecord, error) {
	var out []datatypes.ChallengeRecord
	err := b.db.View(ctx, func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(sessionKey(sessionID)); err != nil {
			return err
		}
		var err error
		out, err = loadChallenges(txn, sessionID)
		return err
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, ErrSessionNotFound
	}
	return out, err
}

// UpdateIfStatus implements Store.
func (b *Badger) UpdateIfStatus(ctx context.Context, id string, expected datatypes.SessionStatus, patch datatypes.SessionPatch) (bool, []byte, error) {
	var (
		applied  bool
		released []byte
	)
	err := b.db.Update(ctx, func(txn *badgerdb.Txn) error {
		// reset per attempt; Update may re-run this function
		applied, released = false, nil

		var rec datatypes.SessionRecord
		if err := getJSON(txn, sessionKey(id), &rec); err != nil {
			return err
		}
		if !rec.Matches(expected, patch) {
			return nil
		}
		rec.Apply(patch)
		if err := setJSON(txn, sessionKey(id), rec); err != nil {
			return err
		}

		if len(patch.Challenges) > 0 {
			cs, err := loadChallenges(txn, id)
			if err != nil {
				return err
			}
			applyOutcomes(cs, patch)
			for i, c := range cs {
				if err := setJSON(txn, challengeKey(id, i), c); err != nil {
					return err
				}
			}
		}

		if releasesSecret(expected, patch.Status) {
			item, err := txn.Get(secretKey(id))
			switch {
			case errors.Is(err, badgerdb.ErrKeyNotFound):
			case err != nil:
				return err
			default:
				if released, err = item.ValueCopy(nil); err != nil {
					return err
				}
				if err := txn.Delete(secretKey(id)); err != nil {
					return err
				}
			}
		}
		applied = true
		return nil
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return false, nil, ErrSessionNotFound
	}
	if err != nil {
		return false, nil, err
	}
	return applied, released, nil
}

// ListAgentSessions implements Store.
func (b *Badger) ListAgentSessions(ctx context.Context, agentID string, limit int) ([]datatypes.SessionRecord, error) {
	var out []datatypes.SessionRecord
	err := b.db.View(ctx, func(txn *badgerdb.Txn) error {
		prefix := agentSessionPrefix(agentID)
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			sid := string(key[len(prefix)+21:])
			var rec datatypes.SessionRecord
			if err := getJSON(txn, sessionKey(sid), &rec); err != nil {
				return err
			}
			out = append(out, rec)
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// AppendHistory implements Store.
func (b *Badger) AppendHistory(ctx context.Context, agentID string, score int, passed bool, at time.Time) (datatypes.VerificationHistory, error) {
	var h datatypes.VerificationHistory
	err := b.db.Update(ctx, func(txn *badgerdb.Txn) error {
		h = agentHistory(agentID)
		if err := getJSON(txn, historyKey(agentID), &h); err != nil && !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return err
		}
		h = h.Record(score, passed, at)
		return setJSON(txn, historyKey(agentID), h)
	})
	return h, err
}

// GetHistory implements Store.
func (b *Badger) GetHistory(ctx context.Context, agentID string) (datatypes.VerificationHistory, error) {
	h := agentHistory(agentID)
	err := b.db.View(ctx, func(txn *badgerdb.Txn) error {
		return getJSON(txn, historyKey(agentID), &h)
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return agentHistory(agentID), nil
	}
	return h, err
}

// GetAgentStatus implements Store.
func (b *Badger) GetAgentStatus(ctx context.Context, agentID string) (datatypes.AgentStatus, error) {
	st := defaultStatus(agentID)
	err := b.db.View(ctx, func(txn *badgerdb.Txn) error {
		return getJSON(txn, statusKey(agentID), &st)
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return defaultStatus(agentID), nil
	}
	return st, err
}

// SetAgentStatus implements Store.
func (b *Badger) SetAgentStatus(ctx context.Context, st datatypes.AgentStatus) error {
	return b.db.Update(ctx, func(txn *badgerdb.Txn) error {
		return setJSON(txn, statusKey(st.AgentID), st)
	})
}

// Close implements Store.
func (b *Badger) Close() error {
	return b.db.Close()
}

func loadChallenges(txn *badgerdb.Txn, sid string) ([]datatypes.ChallengeRecord, error) {
	opts := badgerdb.DefaultIteratorOptions
	opts.Prefix = challengePrefix(sid)
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []datatypes.ChallengeRecord
	for it.Rewind(); it.Valid(); it.Next() {
		var c datatypes.ChallengeRecord
		if err := it.Item().Value(func(v []byte) error {
			return json.Unmarshal(v, &c)
		}); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func getJSON(txn *badgerdb.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(data []byte) error {
		return json.Unmarshal(data, v)
	})
}

func setJSON(txn *badgerdb.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set(key, data)
}
