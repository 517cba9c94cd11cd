// Package storage persists received beacons in SQLite.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pageflo/pflo/internal/collector/storage/migrations"
)

// MaxLimit caps the number of beacons a single query returns.
const MaxLimit = 1000

var ErrNotConfigured = errors.New("storage is not configured")

// Beacon is one received beacon. Params holds every parameter as sent;
// the remaining fields are copied out of it for indexing.
type Beacon struct {
	ID         int64             `json:"id"`
	ReceivedAt time.Time         `json:"receivedAt"`
	Method     string            `json:"method"`
	SendBeacon bool              `json:"sendBeacon,omitempty"`
	PageID     string            `json:"pageId,omitempty"`
	SessionID  string            `json:"sessionId,omitempty"`
	Visitor    string            `json:"visitor,omitempty"`
	URL        string            `json:"url,omitempty"`
	Initiator  string            `json:"initiator,omitempty"`
	Remote     string            `json:"remote,omitempty"`
	Params     map[string]string `json:"params"`
}

// Index fills the indexed fields from Params.
func (b *Beacon) Index() {
	b.PageID = b.Params["pid"]
	b.SessionID = b.Params["rt.si"]
	b.URL = b.Params["u"]
	b.Initiator = b.Params["http.initiator"]
}

// Kind is a short label for the beacon's purpose.
func (b *Beacon) Kind() string {
	switch {
	case b.Params["early"] != "":
		return "early"
	case hasKey(b.Params, "rt.quit"):
		return "unload"
	case b.Initiator != "":
		return b.Initiator
	default:
		return "page"
	}
}

func hasKey(m map[string]string, k string) bool {
	_, ok := m[k]
	return ok
}

type Store struct {
	db *sql.DB
}

// Open opens the database at path, creating it if needed, and applies
// pending migrations. ":memory:" opens a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := "file::memory:?cache=private"
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection keeps an in-memory database alive and serialises writers.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Insert stores b and sets its ID.
func (s *Store) Insert(ctx context.Context, b *Beacon) error {
	if s == nil || s.db == nil {
		return ErrNotConfigured
	}
	params, err := json.Marshal(b.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO beacons (
		   received_at, method, send_beacon, page_id, session_id,
		   visitor, url, initiator, remote, params
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ReceivedAt.UTC().UnixMilli(),
		b.Method,
		b.SendBeacon,
		b.PageID,
		b.SessionID,
		b.Visitor,
		b.URL,
		b.Initiator,
		b.Remote,
		string(params),
	)
	if err != nil {
		return fmt.Errorf("insert beacon: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert beacon: %w", err)
	}
	b.ID = id
	return nil
}

// Query selects beacons, newest first.
type Query struct {
	Limit  int
	PageID string
	// Before, when non-zero, returns only beacons with a smaller ID.
	Before int64
}

func (s *Store) Recent(ctx context.Context, q Query) ([]Beacon, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	limit := q.Limit
	if limit <= 0 || limit > MaxLimit {
		limit = MaxLimit
	}

	var (
		where []string
		args  []any
	)
	if q.PageID != "" {
		where = append(where, "page_id = ?")
		args = append(args, q.PageID)
	}
	if q.Before > 0 {
		where = append(where, "id < ?")
		args = append(args, q.Before)
	}
	query := `SELECT id, received_at, method, send_beacon, page_id, session_id,
	                 visitor, url, initiator, remote, params
	          FROM beacons`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query beacons: %w", err)
	}
	defer rows.Close()

	var out []Beacon
	for rows.Next() {
		var (
			b        Beacon
			received int64
			params   string
		)
		if err := rows.Scan(&b.ID, &received, &b.Method, &b.SendBeacon, &b.PageID, &b.SessionID,
			&b.Visitor, &b.URL, &b.Initiator, &b.Remote, &params); err != nil {
			return nil, fmt.Errorf("scan beacon: %w", err)
		}
		b.ReceivedAt = time.UnixMilli(received).UTC()
		if err := json.Unmarshal([]byte(params), &b.Params); err != nil {
			return nil, fmt.Errorf("decode params of beacon %d: %w", b.ID, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Count returns the number of stored beacons.
func (s *Store) Count(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrNotConfigured
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM beacons`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count beacons: %w", err)
	}
	return n, nil
}
