package gateway

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore manages idempotency keys, the request audit log and webhook
// registrations for the gateway. Engine records live elsewhere; everything
// here is gateway bookkeeping.
type SQLiteStore struct {
	db *sql.DB
}

// ErrIdempotencyMismatch is returned when a key is reused with a different payload.
var ErrIdempotencyMismatch = errors.New("idempotency key reuse with different request body")

// NewSQLiteStore opens (or creates) the gateway database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
            api_key TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL,
            response_body BLOB NOT NULL,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY(api_key, idempotency_key)
        );`,
		`CREATE TABLE IF NOT EXISTS audit_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            occurred_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            api_key TEXT,
            method TEXT NOT NULL,
            path TEXT NOT NULL,
            escrow_id TEXT,
            request_body BLOB,
            response_status INTEGER,
            response_body BLOB
        );`,
		`CREATE TABLE IF NOT EXISTS webhooks (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            api_key TEXT NOT NULL,
            event_type TEXT NOT NULL,
            url TEXT NOT NULL,
            secret TEXT NOT NULL,
            active INTEGER NOT NULL DEFAULT 1,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS webhook_attempts (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            webhook_id INTEGER NOT NULL,
            event_type TEXT NOT NULL,
            attempt INTEGER NOT NULL,
            status TEXT NOT NULL,
            error TEXT,
            created_at TIMESTAMP NOT NULL
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// CachedResponse holds a previously recorded idempotent response.
type CachedResponse struct {
	Status int
	Body   []byte
}

// LookupIdempotency returns the cached response for the key, if any. A hash
// mismatch means the caller reused the key with a different request body.
func (s *SQLiteStore) LookupIdempotency(ctx context.Context, apiKey, key, requestHash string) (*CachedResponse, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT request_hash, response_status, response_body FROM idempotency_keys
         WHERE api_key = ? AND idempotency_key = ?`, apiKey, key)
	var storedHash string
	var cached CachedResponse
	err := row.Scan(&storedHash, &cached.Status, &cached.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if storedHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return &cached, nil
}

// SaveIdempotency records the response served for an idempotency key.
func (s *SQLiteStore) SaveIdempotency(ctx context.Context, apiKey, key, requestHash string, status int, body []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO idempotency_keys
         (api_key, idempotency_key, request_hash, response_status, response_body)
         VALUES (?, ?, ?, ?, ?)`, apiKey, key, requestHash, status, body)
	return err
}

// Audit appends one request/response pair to the audit log.
func (s *SQLiteStore) Audit(ctx context.Context, apiKey, method, path, escrowID string, reqBody []byte, status int, respBody []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (api_key, method, path, escrow_id, request_body, response_status, response_body)
         VALUES (?, ?, ?, ?, ?, ?, ?)`, apiKey, method, path, escrowID, reqBody, status, respBody)
	return err
}

// Webhook is a registered event subscription.
type Webhook struct {
	ID        int64
	APIKey    string
	EventType string
	URL       string
	Secret    string
	Active    bool
}

// RegisterWebhook stores a new subscription and returns its identifier.
func (s *SQLiteStore) RegisterWebhook(ctx context.Context, hook Webhook) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO webhooks (api_key, event_type, url, secret, active, created_at)
         VALUES (?, ?, ?, ?, 1, ?)`, hook.APIKey, hook.EventType, hook.URL, hook.Secret, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// WebhooksForEvent returns the active subscriptions matching the event type.
// A subscription with event_type "*" receives everything.
func (s *SQLiteStore) WebhooksForEvent(ctx context.Context, eventType string) ([]Webhook, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, api_key, event_type, url, secret, active FROM webhooks
         WHERE active = 1 AND (event_type = ? OR event_type = '*')`, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var hooks []Webhook
	for rows.Next() {
		var h Webhook
		if err := rows.Scan(&h.ID, &h.APIKey, &h.EventType, &h.URL, &h.Secret, &h.Active); err != nil {
			return nil, err
		}
		hooks = append(hooks, h)
	}
	return hooks, rows.Err()
}

// RecordWebhookAttempt appends a delivery attempt outcome.
func (s *SQLiteStore) RecordWebhookAttempt(ctx context.Context, webhookID int64, eventType string, attempt int, status, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_attempts (webhook_id, event_type, attempt, status, error, created_at)
         VALUES (?, ?, ?, ?, ?, ?)`, webhookID, eventType, attempt, status, errMsg, time.Now().UTC())
	return err
}
