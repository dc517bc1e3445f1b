// Package sqlite stores the taskarmy run history in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"github.com/tranvictor/taskarmy"
)

const lockTimeout = 5 * time.Second

// HistoryStore implements taskarmy.HistoryStore on a SQLite table. Each entry is kept as
// its flat JSON payload next to the indexed columns used for filtering.
type HistoryStore struct {
	db   *sql.DB
	lock *flock.Flock
	// mu serialises writers of this process, the file lock only excludes other processes
	mu sync.Mutex
}

// Open creates the database and its schema if needed. Writers from different processes
// are serialised through the lock file at lockPath.
func Open(path, lockPath string) (*HistoryStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history store directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create history lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history sqlite: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			network TEXT NOT NULL,
			wallet TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_history_network_type ON history(network, type);",
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init history schema: %w", err)
		}
	}
	return &HistoryStore{db: db, lock: flock.New(lockPath)}, nil
}

func (s *HistoryStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// acquire takes the writer lock, giving up after lockTimeout
func (s *HistoryStore) acquire(ctx context.Context) (func(), error) {
	s.mu.Lock()
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	locked, err := s.lock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("lock history store: %w", err)
	}
	if !locked {
		s.mu.Unlock()
		return nil, fmt.Errorf("lock history store: timeout acquiring lock")
	}
	return func() {
		_ = s.lock.Unlock()
		s.mu.Unlock()
	}, nil
}

func (s *HistoryStore) Append(ctx context.Context, entry taskarmy.HistoryEntry) error {
	unlock, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO history (type, status, network, wallet, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`, strings.ToLower(entry.Type), string(entry.Status), strings.ToLower(entry.Network), entry.Wallet, ts.UTC().UnixNano(), payload)
	if err != nil {
		return fmt.Errorf("append history entry: %w", err)
	}
	return nil
}

// QueryAll returns every entry in insertion order.
func (s *HistoryStore) QueryAll(ctx context.Context) ([]taskarmy.HistoryEntry, error) {
	return s.query(ctx, "SELECT payload FROM history ORDER BY id ASC")
}

// Query narrows by network and type in SQL, then applies the rest of f in memory.
func (s *HistoryStore) Query(ctx context.Context, f taskarmy.HistoryFilter) ([]taskarmy.HistoryEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.Network != "" {
		where = append(where, "network = ?")
		args = append(args, strings.ToLower(f.Network))
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, strings.ToLower(f.Type))
	}
	q := "SELECT payload FROM history"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id ASC"

	entries, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return taskarmy.FilterHistory(entries, f), nil
}

// DeleteOlderThan removes entries recorded before now-age and returns how many were removed.
func (s *HistoryStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	unlock, err := s.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()

	cutoff := time.Now().Add(-age).UTC().UnixNano()
	res, err := s.db.ExecContext(ctx, "DELETE FROM history WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old history: %w", err)
	}
	return res.RowsAffected()
}

func (s *HistoryStore) query(ctx context.Context, q string, args ...any) ([]taskarmy.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	entries := make([]taskarmy.HistoryEntry, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		var entry taskarmy.HistoryEntry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return nil, fmt.Errorf("decode history row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return entries, nil
}

var _ taskarmy.HistoryStore = (*HistoryStore)(nil)
