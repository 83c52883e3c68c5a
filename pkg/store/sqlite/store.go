// SPDX-FileCopyrightText: Copyright 2026 MXCP Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlite implements the token store on an embedded SQLite database.
// The database runs in WAL mode with a single connection; one-time consume
// is a DELETE ... RETURNING, and token rotation is a guarded UPDATE checked
// through RowsAffected.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/mxcp/mxcp-auth/pkg/store"
)

// Store implements store.TokenStore using SQLite.
type Store struct {
	db     *sql.DB
	cipher *store.Cipher
}

var _ store.TokenStore = (*Store)(nil)

// New opens (creating if necessary) the database at path and applies
// pending migrations. The cipher is required; the store refuses to open
// without one so plaintext grants can never reach disk.
func New(ctx context.Context, path string, cipher *store.Cipher) (*Store, error) {
	if cipher == nil {
		return nil, fmt.Errorf("sqlite store requires a cipher")
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// SQLite permits one writer. A single connection avoids SQLITE_BUSY
	// under concurrent rotation and consume.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, cipher: cipher}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Health reports whether the database answers a ping.
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// unixOrZero returns t as unix seconds, with the zero time mapped to 0.
func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// timeOrZero is the inverse of unixOrZero.
func timeOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// PutSession inserts or replaces a session.
func (s *Store) PutSession(ctx context.Context, session *store.Session) error {
	data, err := store.MarshalSession(s.cipher, session)
	if err != nil {
		return err
	}

	refreshFP := sql.NullString{String: session.RefreshTokenFP, Valid: session.RefreshTokenFP != ""}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, access_token_fp, refresh_token_fp, expires_at, idle_timeout_at, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			access_token_fp = excluded.access_token_fp,
			refresh_token_fp = excluded.refresh_token_fp,
			expires_at = excluded.expires_at,
			idle_timeout_at = excluded.idle_timeout_at,
			data = excluded.data`,
		session.ID, session.AccessTokenFP, refreshFP,
		session.ExpiresAt.Unix(), unixOrZero(session.IdleTimeoutAt), data,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// getSession runs a single-row session query and decodes the result. The
// expires_at and idle_timeout_at columns are authoritative; the decoded
// envelope is overridden with them so TouchSession does not have to rewrite
// the blob.
func (s *Store) getSession(ctx context.Context, query string, arg any) (*store.Session, error) {
	var (
		data          []byte
		expiresAt     int64
		idleTimeoutAt int64
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&data, &expiresAt, &idleTimeoutAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	session, err := store.UnmarshalSession(s.cipher, data)
	if err != nil {
		return nil, err
	}
	session.ExpiresAt = timeOrZero(expiresAt)
	session.IdleTimeoutAt = timeOrZero(idleTimeoutAt)
	return session, nil
}

// GetSessionByTokenFingerprint looks up a session by access-token fingerprint.
func (s *Store) GetSessionByTokenFingerprint(ctx context.Context, fp string) (*store.Session, error) {
	return s.getSession(ctx,
		`SELECT data, expires_at, idle_timeout_at FROM sessions WHERE access_token_fp = ?`, fp)
}

// GetSessionByID looks up a session by id.
func (s *Store) GetSessionByID(ctx context.Context, id string) (*store.Session, error) {
	return s.getSession(ctx,
		`SELECT data, expires_at, idle_timeout_at FROM sessions WHERE id = ?`, id)
}

// GetSessionByRefreshFingerprint looks up a session by refresh-token
// fingerprint.
func (s *Store) GetSessionByRefreshFingerprint(ctx context.Context, fp string) (*store.Session, error) {
	return s.getSession(ctx,
		`SELECT data, expires_at, idle_timeout_at FROM sessions WHERE refresh_token_fp = ?`, fp)
}

// RotateSessionTokens atomically swaps the session's token fingerprints.
// The UPDATE is guarded on the old refresh fingerprint; losing the race
// returns store.ErrConflict.
func (s *Store) RotateSessionTokens(
	ctx context.Context, id, oldRefreshFP, newAccessFP, newRefreshFP string,
	expiresAt, idleTimeoutAt time.Time,
) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var data []byte
	err = tx.QueryRowContext(ctx,
		`SELECT data FROM sessions WHERE id = ?`, id,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("querying session: %w", err)
	}

	session, err := store.UnmarshalSession(s.cipher, data)
	if err != nil {
		return err
	}
	if session.RefreshTokenFP != oldRefreshFP {
		return store.ErrConflict
	}

	session.AccessTokenFP = newAccessFP
	session.RefreshTokenFP = newRefreshFP
	session.ExpiresAt = expiresAt
	session.IdleTimeoutAt = idleTimeoutAt
	updated, err := store.MarshalSession(s.cipher, session)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE sessions
		SET access_token_fp = ?, refresh_token_fp = ?, expires_at = ?, idle_timeout_at = ?, data = ?
		WHERE id = ? AND refresh_token_fp = ?`,
		newAccessFP, newRefreshFP, expiresAt.Unix(), unixOrZero(idleTimeoutAt), updated,
		id, oldRefreshFP,
	)
	if err != nil {
		return fmt.Errorf("rotating session tokens: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rotation result: %w", err)
	}
	if affected == 0 {
		return store.ErrConflict
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// TouchSession advances the idle-timeout tripwire.
func (s *Store) TouchSession(ctx context.Context, id string, idleTimeoutAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET idle_timeout_at = ? WHERE id = ?`,
		unixOrZero(idleTimeoutAt), id,
	)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking touch result: %w", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeleteSession removes a session and its grants.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// PutState stores a handshake state record.
func (s *Store) PutState(ctx context.Context, state *store.OAuthState) error {
	data, err := store.MarshalState(s.cipher, state)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO oauth_states (id, expires_at, data) VALUES (?, ?, ?)`,
		state.ID, state.ExpiresAt.Unix(), data,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("inserting state: %w", err)
	}
	return nil
}

// ConsumeState atomically reads and deletes a state. A single DELETE with
// RETURNING guarantees exactly one winner under concurrency.
func (s *Store) ConsumeState(ctx context.Context, id string) (*store.OAuthState, error) {
	var (
		data      []byte
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM oauth_states WHERE id = ? RETURNING data, expires_at`, id,
	).Scan(&data, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consuming state: %w", err)
	}

	if !time.Now().Before(timeOrZero(expiresAt)) {
		return nil, store.ErrExpired
	}
	return store.UnmarshalState(s.cipher, data)
}

// PutAuthCode stores an authorization code record.
func (s *Store) PutAuthCode(ctx context.Context, code *store.AuthorizationCode) error {
	data, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("marshaling auth code: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO auth_codes (code_fp, expires_at, data) VALUES (?, ?, ?)`,
		code.CodeFP, code.ExpiresAt.Unix(), data,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("inserting auth code: %w", err)
	}
	return nil
}

// ConsumeAuthCode atomically reads and deletes a code by fingerprint.
func (s *Store) ConsumeAuthCode(ctx context.Context, codeFP string) (*store.AuthorizationCode, error) {
	var (
		data      []byte
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM auth_codes WHERE code_fp = ? RETURNING data, expires_at`, codeFP,
	).Scan(&data, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consuming auth code: %w", err)
	}

	if !time.Now().Before(timeOrZero(expiresAt)) {
		return nil, store.ErrExpired
	}

	var code store.AuthorizationCode
	if err := json.Unmarshal(data, &code); err != nil {
		return nil, fmt.Errorf("unmarshaling auth code: %w", err)
	}
	return &code, nil
}

// PutClient inserts or replaces a client registration.
func (s *Store) PutClient(ctx context.Context, client *store.ClientRegistration) error {
	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("marshaling client: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO clients (client_id, data) VALUES (?, ?)
		ON CONFLICT (client_id) DO UPDATE SET data = excluded.data`,
		client.ClientID, data,
	)
	if err != nil {
		return fmt.Errorf("inserting client: %w", err)
	}
	return nil
}

// GetClient looks up a client registration.
func (s *Store) GetClient(ctx context.Context, clientID string) (*store.ClientRegistration, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM clients WHERE client_id = ?`, clientID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying client: %w", err)
	}

	var client store.ClientRegistration
	if err := json.Unmarshal(data, &client); err != nil {
		return nil, fmt.Errorf("unmarshaling client: %w", err)
	}
	return &client, nil
}

// ListClients returns all registrations.
func (s *Store) ListClients(ctx context.Context) ([]*store.ClientRegistration, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM clients ORDER BY client_id`)
	if err != nil {
		return nil, fmt.Errorf("listing clients: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var clients []*store.ClientRegistration
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning client: %w", err)
		}
		var client store.ClientRegistration
		if err := json.Unmarshal(data, &client); err != nil {
			return nil, fmt.Errorf("unmarshaling client: %w", err)
		}
		clients = append(clients, &client)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating clients: %w", err)
	}
	return clients, nil
}

// SweepExpired removes expired sessions, states, and codes.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) (store.SweepResult, error) {
	var result store.SweepResult

	sessions, err := s.deleteReturningIDs(ctx, `
		DELETE FROM sessions
		WHERE expires_at <= ? OR (idle_timeout_at > 0 AND idle_timeout_at <= ?)
		RETURNING id`,
		now.Unix(), now.Unix())
	if err != nil {
		return result, fmt.Errorf("sweeping sessions: %w", err)
	}
	result.Sessions = sessions

	states, err := s.deleteReturningIDs(ctx,
		`DELETE FROM oauth_states WHERE expires_at <= ? RETURNING id`, now.Unix())
	if err != nil {
		return result, fmt.Errorf("sweeping states: %w", err)
	}
	result.States = states

	codes, err := s.deleteReturningIDs(ctx,
		`DELETE FROM auth_codes WHERE expires_at <= ? RETURNING code_fp`, now.Unix())
	if err != nil {
		return result, fmt.Errorf("sweeping auth codes: %w", err)
	}
	result.AuthCodes = codes

	return result, nil
}

// deleteReturningIDs runs a DELETE ... RETURNING statement and collects the
// returned identifiers.
func (s *Store) deleteReturningIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// isUniqueViolation checks for a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }
