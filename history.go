package taskarmy

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"
	"github.com/gofrs/flock"
)

// HistoryTypeSettings tags entries recording a settings change
const HistoryTypeSettings = "settings"

// reserved top-level keys of the flattened entry
var historyReservedKeys = map[string]bool{
	"type":      true,
	"status":    true,
	"network":   true,
	"timestamp": true,
	"wallet":    true,
	"txHash":    true,
	"reason":    true,
}

// HistoryEntry is the persisted form of an Outcome or a settings change.
//
// Its JSON form flattens Details into the top-level object:
//
//	{"type":"swap","status":"success","network":"monad","timestamp":"...","fromToken":"A","txHash":"0x.."}
type HistoryEntry struct {
	Type      string
	Status    Status
	Network   string
	Timestamp time.Time
	Wallet    string
	TxHash    string
	Reason    string
	Details   map[string]string
}

// NewHistoryEntry converts an outcome recorded at ts
func NewHistoryEntry(o Outcome, ts time.Time) HistoryEntry {
	entry := HistoryEntry{
		Type:      o.Kind.HistoryType(),
		Status:    o.Status,
		Network:   o.Network,
		Timestamp: ts.UTC(),
		TxHash:    o.TxHash,
		Reason:    o.Reason,
	}
	if o.Wallet != (common.Address{}) {
		entry.Wallet = o.Wallet.Hex()
	}
	if len(o.Details) > 0 {
		entry.Details = make(map[string]string, len(o.Details))
		for k, v := range o.Details {
			entry.Details[k] = v
		}
	}
	return entry
}

func (e HistoryEntry) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Details)+7)
	for k, v := range e.Details {
		if historyReservedKeys[k] {
			continue
		}
		m[k] = v
	}
	m["type"] = e.Type
	m["status"] = string(e.Status)
	m["network"] = e.Network
	m["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	if e.Wallet != "" {
		m["wallet"] = e.Wallet
	}
	if e.TxHash != "" {
		m["txHash"] = e.TxHash
	}
	if e.Reason != "" {
		m["reason"] = e.Reason
	}
	return json.Marshal(m)
}

func (e *HistoryEntry) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*e = HistoryEntry{}
	str := func(key string) string {
		if v, ok := m[key]; ok && v != nil {
			if s, ok := v.(string); ok {
				return s
			}
			return fmt.Sprint(v)
		}
		return ""
	}
	e.Type = str("type")
	e.Status = Status(str("status"))
	e.Network = str("network")
	e.Wallet = str("wallet")
	e.TxHash = str("txHash")
	e.Reason = str("reason")
	if ts := str("timestamp"); ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return fmt.Errorf("invalid history timestamp %q: %w", ts, err)
		}
		e.Timestamp = parsed
	}
	for k := range m {
		if historyReservedKeys[k] {
			continue
		}
		if e.Details == nil {
			e.Details = map[string]string{}
		}
		e.Details[k] = str(k)
	}
	return nil
}

// HistoryFilter selects entries for display. Empty fields match everything.
type HistoryFilter struct {
	Network string
	Type    string
	// Token matches the token, fromToken or toToken detail, case-insensitively
	Token string
	// Limit keeps only the newest Limit entries when positive
	Limit int
}

var tokenDetailKeys = []string{"token", "fromToken", "toToken"}

// FilterHistory returns the entries matching f, preserving order.
func FilterHistory(entries []HistoryEntry, f HistoryFilter) []HistoryEntry {
	result := make([]HistoryEntry, 0, len(entries))
	for _, e := range entries {
		if f.Network != "" && !strings.EqualFold(e.Network, f.Network) {
			continue
		}
		if f.Type != "" && !strings.EqualFold(e.Type, f.Type) {
			continue
		}
		if f.Token != "" && !entryHasToken(e, f.Token) {
			continue
		}
		result = append(result, e)
	}
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[len(result)-f.Limit:]
	}
	return result
}

func entryHasToken(e HistoryEntry, token string) bool {
	for _, k := range tokenDetailKeys {
		if v, ok := e.Details[k]; ok && strings.EqualFold(v, token) {
			return true
		}
	}
	return false
}

// InMemoryHistoryStore keeps entries in process memory. Useful for tests and dry runs.
type InMemoryHistoryStore struct {
	mu      sync.RWMutex
	entries []HistoryEntry
}

// NewInMemoryHistoryStore creates an empty in-memory store
func NewInMemoryHistoryStore() *InMemoryHistoryStore {
	return &InMemoryHistoryStore{}
}

func (s *InMemoryHistoryStore) Append(ctx context.Context, entry HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *InMemoryHistoryStore) QueryAll(ctx context.Context) ([]HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]HistoryEntry, len(s.entries))
	copy(result, s.entries)
	return result, nil
}

// FileHistoryStore appends entries as JSON lines to a file. Every append is fsynced before
// returning and guarded by an advisory file lock so concurrent processes don't interleave.
type FileHistoryStore struct {
	path string
	lock *flock.Flock
	mu   sync.Mutex
}

// NewFileHistoryStore creates the parent directory of path if needed.
// The lock file lives next to path with a ".lock" suffix.
func NewFileHistoryStore(path string) (*FileHistoryStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	return &FileHistoryStore{
		path: path,
		lock: flock.New(path + ".lock"),
	}, nil
}

func (s *FileHistoryStore) withLock(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	locked, err := s.lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock history file: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock history file: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}

func (s *FileHistoryStore) Append(ctx context.Context, entry HistoryEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}
	line = append(line, '\n')

	return s.withLock(ctx, func() error {
		f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open history file: %w", err)
		}
		if _, err := f.Write(line); err != nil {
			_ = f.Close()
			return fmt.Errorf("write history entry: %w", err)
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return fmt.Errorf("sync history file: %w", err)
		}
		return f.Close()
	})
}

func (s *FileHistoryStore) QueryAll(ctx context.Context) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	err := s.withLock(ctx, func() error {
		f, err := os.Open(s.path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("open history file: %w", err)
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			raw := strings.TrimSpace(scanner.Text())
			if raw == "" {
				continue
			}
			var entry HistoryEntry
			if err := json.Unmarshal([]byte(raw), &entry); err != nil {
				return fmt.Errorf("decode history line %d: %w", lineNo, err)
			}
			entries = append(entries, entry)
		}
		return scanner.Err()
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

var (
	_ HistoryStore = (*InMemoryHistoryStore)(nil)
	_ HistoryStore = (*FileHistoryStore)(nil)
)
