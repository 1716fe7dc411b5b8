// SPDX-License-Identifier: MIT

package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure Go driver

	"github.com/hivemesh/hive/internal/params"
	"github.com/hivemesh/hive/internal/proto"
)

// OpenDB opens the orchestrator's SQLite store with WAL and busy_timeout
// applied through the DSN so every pooled connection carries them.
func OpenDB(dbPath string) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		dbPath,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS artifacts (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	kind        TEXT NOT NULL,
	payload     TEXT NOT NULL,
	stored_at   TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS session_states (
	lease_id    TEXT PRIMARY KEY,
	state       TEXT NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);
`

// Migrate applies the sink schema.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	return nil
}

// SQLiteArtifactSink indexes artifacts as rows; payloads are stored inline as
// JSON. Suited to the facts/snippets volumes a single orchestrator sees.
type SQLiteArtifactSink struct {
	db *sql.DB
}

func NewSQLiteArtifactSink(db *sql.DB) *SQLiteArtifactSink {
	return &SQLiteArtifactSink{db: db}
}

func (s *SQLiteArtifactSink) insert(ctx context.Context, kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s artifact: %w", kind, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO artifacts (kind, payload, stored_at) VALUES (?, ?, ?)`,
		kind, string(data), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("store %s artifact: %w", kind, err)
	}
	return nil
}

func (s *SQLiteArtifactSink) StoreFacts(ctx context.Context, items []params.Value) error {
	return s.insert(ctx, "facts", items)
}

func (s *SQLiteArtifactSink) StoreSnippets(ctx context.Context, items []params.Value) error {
	return s.insert(ctx, "snippets", items)
}

func (s *SQLiteArtifactSink) StoreArtifact(ctx context.Context, artifact proto.Artifact) error {
	kind := artifact.Type
	if kind == "" {
		kind = "misc"
	}
	return s.insert(ctx, kind, artifact)
}

// Count reports stored artifacts of a kind (for tests and diagnostics).
func (s *SQLiteArtifactSink) Count(ctx context.Context, kind string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM artifacts WHERE kind = ?`, kind).Scan(&n)
	return n, err
}

var _ ArtifactSink = (*SQLiteArtifactSink)(nil)

// SQLiteSessionRegistry upserts drone-reported session state keyed by lease.
type SQLiteSessionRegistry struct {
	db *sql.DB
}

func NewSQLiteSessionRegistry(db *sql.DB) *SQLiteSessionRegistry {
	return &SQLiteSessionRegistry{db: db}
}

func (r *SQLiteSessionRegistry) UpdateSessionState(ctx context.Context, leaseID string, state params.Map) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO session_states (lease_id, state, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(lease_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		leaseID, string(data), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update session %q: %w", leaseID, err)
	}
	return nil
}

// SessionState reads back a stored state (for tests and diagnostics).
func (r *SQLiteSessionRegistry) SessionState(ctx context.Context, leaseID string) (params.Map, error) {
	var raw string
	err := r.db.QueryRowContext(ctx, `SELECT state FROM session_states WHERE lease_id = ?`, leaseID).Scan(&raw)
	if err != nil {
		return nil, err
	}
	var state params.Map
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("decode session %q: %w", leaseID, err)
	}
	return state, nil
}

var _ SessionRegistry = (*SQLiteSessionRegistry)(nil)
