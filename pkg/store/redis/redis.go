// SPDX-FileCopyrightText: Copyright 2026 MXCP Authors
// SPDX-License-Identifier: Apache-2.0

// Package redis implements the token store on Redis, for deployments that
// run more than one gateway node. Absolute expiry rides on key TTLs;
// one-time consume is GETDEL, and rotation is an optimistic WATCH
// transaction over the session key.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mxcp/mxcp-auth/pkg/store"
)

const (
	sessionPrefix = "mxcp:sess:"
	accessPrefix  = "mxcp:idx:access:"
	refreshPrefix = "mxcp:idx:refresh:"
	statePrefix   = "mxcp:state:"
	codePrefix    = "mxcp:code:"
	clientPrefix  = "mxcp:client:"
)

// Store implements store.TokenStore on Redis.
type Store struct {
	client *redis.Client
	cipher *store.Cipher
}

var _ store.TokenStore = (*Store)(nil)

// New connects to Redis at the given URL and verifies the connection.
func New(ctx context.Context, redisURL string, cipher *store.Cipher) (*Store, error) {
	if cipher == nil {
		return nil, fmt.Errorf("redis store requires a cipher")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &Store{client: client, cipher: cipher}, nil
}

// NewWithClient wraps an existing client. The caller keeps ownership of the
// client only until Close.
func NewWithClient(client *redis.Client, cipher *store.Cipher) (*Store, error) {
	if cipher == nil {
		return nil, fmt.Errorf("redis store requires a cipher")
	}
	return &Store{client: client, cipher: cipher}, nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Health reports whether Redis answers a ping.
func (s *Store) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// keyTTL converts an absolute expiry into a key TTL. Records that are
// already expired still get a short TTL; the read path re-checks expiry, so
// the record only has to live long enough to be reported as expired rather
// than missing.
func keyTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return time.Second
	}
	return ttl
}

// PutSession inserts or replaces a session and its fingerprint indexes.
// Replacing a session drops index entries for fingerprints it no longer
// carries; stale entries must not outlive the record they point at.
func (s *Store) PutSession(ctx context.Context, session *store.Session) error {
	data, err := store.MarshalSession(s.cipher, session)
	if err != nil {
		return err
	}

	var stale []string
	if prev, err := s.GetSessionByID(ctx, session.ID); err == nil {
		if prev.AccessTokenFP != "" && prev.AccessTokenFP != session.AccessTokenFP {
			stale = append(stale, accessPrefix+prev.AccessTokenFP)
		}
		if prev.RefreshTokenFP != "" && prev.RefreshTokenFP != session.RefreshTokenFP {
			stale = append(stale, refreshPrefix+prev.RefreshTokenFP)
		}
	} else if !errors.Is(err, store.ErrNotFound) && !errors.Is(err, store.ErrDecrypt) {
		return err
	}

	ttl := keyTTL(session.ExpiresAt)
	pipe := s.client.TxPipeline()
	if len(stale) > 0 {
		pipe.Del(ctx, stale...)
	}
	pipe.Set(ctx, sessionPrefix+session.ID, data, ttl)
	pipe.Set(ctx, accessPrefix+session.AccessTokenFP, session.ID, ttl)
	if session.RefreshTokenFP != "" {
		pipe.Set(ctx, refreshPrefix+session.RefreshTokenFP, session.ID, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("storing session: %w", err)
	}
	return nil
}

// getSessionByIndex resolves a fingerprint index and loads the session.
func (s *Store) getSessionByIndex(ctx context.Context, indexKey string) (*store.Session, error) {
	id, err := s.client.Get(ctx, indexKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolving session index: %w", err)
	}
	return s.GetSessionByID(ctx, id)
}

// GetSessionByTokenFingerprint looks up a session by access-token fingerprint.
func (s *Store) GetSessionByTokenFingerprint(ctx context.Context, fp string) (*store.Session, error) {
	return s.getSessionByIndex(ctx, accessPrefix+fp)
}

// GetSessionByID looks up a session by id.
func (s *Store) GetSessionByID(ctx context.Context, id string) (*store.Session, error) {
	data, err := s.client.Get(ctx, sessionPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	return store.UnmarshalSession(s.cipher, data)
}

// GetSessionByRefreshFingerprint looks up a session by refresh-token
// fingerprint.
func (s *Store) GetSessionByRefreshFingerprint(ctx context.Context, fp string) (*store.Session, error) {
	return s.getSessionByIndex(ctx, refreshPrefix+fp)
}

// RotateSessionTokens swaps the session's token fingerprints inside a WATCH
// transaction. A concurrent write to the session key aborts the transaction
// and surfaces as store.ErrConflict.
func (s *Store) RotateSessionTokens(
	ctx context.Context, id, oldRefreshFP, newAccessFP, newRefreshFP string,
	expiresAt, idleTimeoutAt time.Time,
) error {
	key := sessionPrefix + id

	rotate := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("loading session: %w", err)
		}

		session, err := store.UnmarshalSession(s.cipher, data)
		if err != nil {
			return err
		}
		if session.RefreshTokenFP != oldRefreshFP {
			return store.ErrConflict
		}

		oldAccessFP := session.AccessTokenFP
		session.AccessTokenFP = newAccessFP
		session.RefreshTokenFP = newRefreshFP
		session.ExpiresAt = expiresAt
		session.IdleTimeoutAt = idleTimeoutAt
		updated, err := store.MarshalSession(s.cipher, session)
		if err != nil {
			return err
		}

		ttl := keyTTL(expiresAt)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, accessPrefix+oldAccessFP, refreshPrefix+oldRefreshFP)
			pipe.Set(ctx, key, updated, ttl)
			pipe.Set(ctx, accessPrefix+newAccessFP, id, ttl)
			pipe.Set(ctx, refreshPrefix+newRefreshFP, id, ttl)
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, rotate, key)
	if errors.Is(err, redis.TxFailedErr) {
		return store.ErrConflict
	}
	return err
}

// TouchSession advances the idle-timeout tripwire.
func (s *Store) TouchSession(ctx context.Context, id string, idleTimeoutAt time.Time) error {
	key := sessionPrefix + id

	touch := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("loading session: %w", err)
		}

		session, err := store.UnmarshalSession(s.cipher, data)
		if err != nil {
			return err
		}
		session.IdleTimeoutAt = idleTimeoutAt
		updated, err := store.MarshalSession(s.cipher, session)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, keyTTL(session.ExpiresAt))
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, touch, key)
	if errors.Is(err, redis.TxFailedErr) {
		// Touch is best effort; a concurrent writer already advanced the
		// session.
		return nil
	}
	return err
}

// DeleteSession removes a session and its fingerprint indexes.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	session, err := s.GetSessionByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil && !errors.Is(err, store.ErrDecrypt) {
		return err
	}

	keys := []string{sessionPrefix + id}
	if session != nil {
		keys = append(keys, accessPrefix+session.AccessTokenFP)
		if session.RefreshTokenFP != "" {
			keys = append(keys, refreshPrefix+session.RefreshTokenFP)
		}
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// PutState stores a handshake state record. SetNX enforces uniqueness.
func (s *Store) PutState(ctx context.Context, state *store.OAuthState) error {
	data, err := store.MarshalState(s.cipher, state)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, statePrefix+state.ID, data, keyTTL(state.ExpiresAt)).Result()
	if err != nil {
		return fmt.Errorf("storing state: %w", err)
	}
	if !ok {
		return store.ErrAlreadyExists
	}
	return nil
}

// ConsumeState atomically reads and deletes a state via GETDEL.
func (s *Store) ConsumeState(ctx context.Context, id string) (*store.OAuthState, error) {
	data, err := s.client.GetDel(ctx, statePrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consuming state: %w", err)
	}

	state, err := store.UnmarshalState(s.cipher, data)
	if err != nil {
		return nil, err
	}
	if !time.Now().Before(state.ExpiresAt) {
		return nil, store.ErrExpired
	}
	return state, nil
}

// PutAuthCode stores an authorization code record.
func (s *Store) PutAuthCode(ctx context.Context, code *store.AuthorizationCode) error {
	data, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("marshaling auth code: %w", err)
	}
	ok, err := s.client.SetNX(ctx, codePrefix+code.CodeFP, data, keyTTL(code.ExpiresAt)).Result()
	if err != nil {
		return fmt.Errorf("storing auth code: %w", err)
	}
	if !ok {
		return store.ErrAlreadyExists
	}
	return nil
}

// ConsumeAuthCode atomically reads and deletes a code by fingerprint.
func (s *Store) ConsumeAuthCode(ctx context.Context, codeFP string) (*store.AuthorizationCode, error) {
	data, err := s.client.GetDel(ctx, codePrefix+codeFP).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consuming auth code: %w", err)
	}

	var code store.AuthorizationCode
	if err := json.Unmarshal(data, &code); err != nil {
		return nil, fmt.Errorf("unmarshaling auth code: %w", err)
	}
	if !time.Now().Before(code.ExpiresAt) {
		return nil, store.ErrExpired
	}
	return &code, nil
}

// PutClient inserts or replaces a client registration.
func (s *Store) PutClient(ctx context.Context, client *store.ClientRegistration) error {
	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("marshaling client: %w", err)
	}
	if err := s.client.Set(ctx, clientPrefix+client.ClientID, data, 0).Err(); err != nil {
		return fmt.Errorf("storing client: %w", err)
	}
	return nil
}

// GetClient looks up a client registration.
func (s *Store) GetClient(ctx context.Context, clientID string) (*store.ClientRegistration, error) {
	data, err := s.client.Get(ctx, clientPrefix+clientID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading client: %w", err)
	}

	var client store.ClientRegistration
	if err := json.Unmarshal(data, &client); err != nil {
		return nil, fmt.Errorf("unmarshaling client: %w", err)
	}
	return &client, nil
}

// ListClients returns all registrations.
func (s *Store) ListClients(ctx context.Context) ([]*store.ClientRegistration, error) {
	var clients []*store.ClientRegistration
	iter := s.client.Scan(ctx, 0, clientPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("loading client: %w", err)
		}
		var client store.ClientRegistration
		if err := json.Unmarshal(data, &client); err != nil {
			return nil, fmt.Errorf("unmarshaling client: %w", err)
		}
		clients = append(clients, &client)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning clients: %w", err)
	}
	return clients, nil
}

// SweepExpired removes idle-expired sessions. Absolute expiry is handled by
// key TTLs; only the idle-timeout tripwire needs an active sweep.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) (store.SweepResult, error) {
	var result store.SweepResult

	iter := s.client.Scan(ctx, 0, sessionPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return result, fmt.Errorf("loading session: %w", err)
		}

		session, err := store.UnmarshalSession(s.cipher, data)
		if err != nil {
			// Undecryptable rows cannot be trusted; remove them.
			if errors.Is(err, store.ErrDecrypt) {
				_ = s.client.Del(ctx, iter.Val()).Err()
				continue
			}
			return result, err
		}
		if session.Expired(now) {
			if err := s.DeleteSession(ctx, session.ID); err != nil {
				return result, err
			}
			result.Sessions = append(result.Sessions, session.ID)
		}
	}
	if err := iter.Err(); err != nil {
		return result, fmt.Errorf("scanning sessions: %w", err)
	}
	return result, nil
}
