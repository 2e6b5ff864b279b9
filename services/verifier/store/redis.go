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

	"github.com/redis/go-redis/v9"

	"github.com/AleutianAI/agentverify/services/verifier/datatypes"
)

// maxWatchRetries bounds optimistic WATCH/MULTI retries.
const maxWatchRetries = 16

// RedisOptions configures a Redis-backed store.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Redis is a Store shared by every verifier instance.
//
// # Description
//
// Read-check-write operations run under WATCH on the keys they read and
// commit with MULTI/EXEC; a concurrent write to a watched key aborts the
// transaction with redis.TxFailedErr and the operation is retried.
//
// Keys (after KeyPrefix):
//
//	session:<id>          SessionRecord JSON
//	secret:<id>           sealed secret
//	challenges:<id>       []ChallengeRecord JSON
//	agent-sessions:<id>   sorted set of session IDs scored by start time
//	history:<agent>       VerificationHistory JSON
//	agent:<agent>         AgentStatus JSON
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}
	return &Redis{client: client, prefix: opts.KeyPrefix}, nil
}

func (r *Redis) key(parts ...string) string {
	k := r.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

// watch runs fn under WATCH keys, retrying when the transaction is aborted.
func (r *Redis) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := r.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("redis transaction on %v: %w", keys, redis.TxFailedErr)
}

// CreateSession implements Store.
func (r *Redis) CreateSession(ctx context.Context, rec datatypes.SessionRecord, sealedSecret []byte, challenges []datatypes.ChallengeRecord) error {
	sk := r.key("session", rec.ID)
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	csJSON, err := json.Marshal(challenges)
	if err != nil {
		return err
	}
	return r.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, sk).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrSessionExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, sk, recJSON, 0)
			pipe.Set(ctx, r.key("secret", rec.ID), sealedSecret, 0)
			pipe.Set(ctx, r.key("challenges", rec.ID), csJSON, 0)
			pipe.ZAdd(ctx, r.key("agent-sessions", rec.AgentID), redis.Z{
				Score:  float64(rec.StartedAt.UnixNano()),
				Member: rec.ID,
			})
			return nil
		})
		return err
	}, sk)
}

// GetSession implements Store.
func (r *Redis) GetSession(ctx context.Context, id string) (datatypes.SessionRecord, error) {
	var rec datatypes.SessionRecord
	if err := r.getJSON(ctx, r.client, r.key("session", id), &rec); err != nil {
		if errors.Is(err, redis.Nil) {
			return datatypes.SessionRecord{}, ErrSessionNotFound
		}
		return datatypes.SessionRecord{}, err
	}
	return rec, nil
}

// GetChallenges implements Store.
func (r *Redis) GetChallenges(ctx context.Context, sessionID string) ([]datatypes.ChallengeRecord, error) {
	var cs []datatypes.ChallengeRecord
	if err := r.getJSON(ctx, r.client, r.key("challenges", sessionID), &cs); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return cs, nil
}

// UpdateIfStatus implements Store.
func (r *Redis) UpdateIfStatus(ctx context.Context, id string, expected datatypes.SessionStatus, patch datatypes.SessionPatch) (bool, []byte, error) {
	sk := r.key("session", id)
	ck := r.key("challenges", id)
	xk := r.key("secret", id)

	var (
		applied  bool
		released []byte
	)
	err := r.watch(ctx, func(tx *redis.Tx) error {
		applied, released = false, nil

		var rec datatypes.SessionRecord
		if err := r.getJSON(ctx, tx, sk, &rec); err != nil {
			return err
		}
		if !rec.Matches(expected, patch) {
			return nil
		}
		rec.Apply(patch)
		recJSON, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		var csJSON []byte
		if len(patch.Challenges) > 0 {
			var cs []datatypes.ChallengeRecord
			if err := r.getJSON(ctx, tx, ck, &cs); err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			applyOutcomes(cs, patch)
			if csJSON, err = json.Marshal(cs); err != nil {
				return err
			}
		}

		release := releasesSecret(expected, patch.Status)
		var secret []byte
		if release {
			secret, err = tx.Get(ctx, xk).Bytes()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, sk, recJSON, 0)
			if csJSON != nil {
				pipe.Set(ctx, ck, csJSON, 0)
			}
			if release {
				pipe.Del(ctx, xk)
			}
			return nil
		})
		if err != nil {
			return err
		}
		applied, released = true, secret
		return nil
	}, sk, ck, xk)

	if errors.Is(err, redis.Nil) {
		return false, nil, ErrSessionNotFound
	}
	if err != nil {
		return false, nil, err
	}
	return applied, released, nil
}

// ListAgentSessions implements Store.
func (r *Redis) ListAgentSessions(ctx context.Context, agentID string, limit int) ([]datatypes.SessionRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := r.client.ZRevRange(ctx, r.key("agent-sessions", agentID), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key("session", id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]datatypes.SessionRecord, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rec datatypes.SessionRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// AppendHistory implements Store.
func (r *Redis) AppendHistory(ctx context.Context, agentID string, score int, passed bool, at time.Time) (datatypes.VerificationHistory, error) {
	hk := r.key("history", agentID)
	var h datatypes.VerificationHistory
	err := r.watch(ctx, func(tx *redis.Tx) error {
		h = agentHistory(agentID)
		if err := r.getJSON(ctx, tx, hk, &h); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		h = h.Record(score, passed, at)
		data, err := json.Marshal(h)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, hk, data, 0)
			return nil
		})
		return err
	}, hk)
	return h, err
}

// GetHistory implements Store.
func (r *Redis) GetHistory(ctx context.Context, agentID string) (datatypes.VerificationHistory, error) {
	h := agentHistory(agentID)
	err := r.getJSON(ctx, r.client, r.key("history", agentID), &h)
	if errors.Is(err, redis.Nil) {
		return agentHistory(agentID), nil
	}
	return h, err
}

// GetAgentStatus implements Store.
func (r *Redis) GetAgentStatus(ctx context.Context, agentID string) (datatypes.AgentStatus, error) {
	st := defaultStatus(agentID)
	err := r.getJSON(ctx, r.client, r.key("agent", agentID), &st)
	if errors.Is(err, redis.Nil) {
		return defaultStatus(agentID), nil
	}
	return st, err
}

// SetAgentStatus implements Store.
func (r *Redis) SetAgentStatus(ctx context.Context, st datatypes.AgentStatus) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key("agent", st.AgentID), data, 0).Err()
}

// Close implements Store.
func (r *Redis) Close() error {
	return r.client.Close()
}

// FlushPrefix deletes every key under the store's prefix. Test helper.
func (r *Redis) FlushPrefix(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (r *Redis) getJSON(ctx context.Context, c redis.Cmdable, key string, v any) error {
	data, err := c.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
