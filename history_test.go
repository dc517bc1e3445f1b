package taskarmy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func swapEntry(network string, ts time.Time, from, to string) HistoryEntry {
	return HistoryEntry{
		Type:      "swap",
		Status:    StatusSuccess,
		Network:   network,
		Timestamp: ts,
		Wallet:    "0x00000000000000000000000000000000000000aa",
		TxHash:    "0xabc",
		Details:   map[string]string{"fromToken": from, "toToken": to, "amount": "1"},
	}
}

func TestHistoryEntryJSONIsFlat(t *testing.T) {
	ts := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	raw, err := json.Marshal(swapEntry("monad", ts, "WMON", "USDC"))
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "swap", m["type"])
	assert.Equal(t, "success", m["status"])
	assert.Equal(t, "2025-03-04T05:06:07Z", m["timestamp"])
	assert.Equal(t, "WMON", m["fromToken"])
	assert.NotContains(t, m, "reason", "empty optional fields are omitted")
	assert.NotContains(t, m, "Details")

	var back HistoryEntry
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, swapEntry("monad", ts, "WMON", "USDC"), back)
}

func TestHistoryEntryDetailsCannotOverrideReservedKeys(t *testing.T) {
	e := HistoryEntry{Type: "transfer", Status: StatusFailed, Network: "n",
		Details: map[string]string{"status": "success", "receiver": "0x1"}}
	raw, err := json.Marshal(e)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"status":"failed"`)
	assert.Contains(t, string(raw), `"receiver":"0x1"`)
}

func TestNewHistoryEntry(t *testing.T) {
	wallet := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	ts := time.Date(2025, 1, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	out := Outcome{
		Kind:    KindCheckIn,
		Network: "pharos",
		Wallet:  wallet,
		Status:  StatusSkipped,
		Reason:  "already checked in",
		Details: map[string]string{"points": "0"},
	}

	e := NewHistoryEntry(out, ts)
	assert.Equal(t, "checkin", e.Type)
	assert.Equal(t, wallet.Hex(), e.Wallet)
	assert.Equal(t, time.UTC, e.Timestamp.Location())
	assert.Equal(t, "0", e.Details["points"])

	out.Details["points"] = "5"
	assert.Equal(t, "0", e.Details["points"], "details are copied")
}

func TestFilterHistory(t *testing.T) {
	ts := newFakeClock().Now()
	entries := []HistoryEntry{
		swapEntry("Monad", ts, "WMON", "USDC"),
		{Type: "transfer", Network: "monad", Status: StatusSuccess},
		swapEntry("pharos", ts, "PHRS", "USDT"),
		{Type: "faucet", Network: "pharos", Status: StatusFailed, Details: map[string]string{"token": "usdc"}},
		swapEntry("monad", ts, "USDC", "WMON"),
	}

	assert.Len(t, FilterHistory(entries, HistoryFilter{}), 5)
	assert.Len(t, FilterHistory(entries, HistoryFilter{Network: "MONAD"}), 3)
	assert.Len(t, FilterHistory(entries, HistoryFilter{Network: "monad", Type: "Swap"}), 2)

	byToken := FilterHistory(entries, HistoryFilter{Token: "usdc"})
	require.Len(t, byToken, 3)
	assert.Equal(t, "faucet", byToken[1].Type)

	last := FilterHistory(entries, HistoryFilter{Limit: 2})
	require.Len(t, last, 2)
	assert.Equal(t, "faucet", last[0].Type)
	assert.Equal(t, "swap", last[1].Type)
}

func TestFileHistoryStoreAppendsInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.jsonl")
	store, err := NewFileHistoryStore(path)
	require.NoError(t, err)
	ctx := context.Background()

	entries, err := store.QueryAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries, "a missing file is an empty history")

	ts := newFakeClock().Now()
	for i, network := range []string{"a", "b", "c"} {
		require.NoError(t, store.Append(ctx, swapEntry(network, ts.Add(time.Duration(i)*time.Second), "X", "Y")))
	}

	entries, err = store.QueryAll(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "a", entries[0].Network)
	assert.Equal(t, "c", entries[2].Network)
	assert.Equal(t, "X", entries[2].Details["fromToken"])

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	assert.Len(t, lines, 3, "one JSON object per line")

	// a second store on the same file sees the same entries
	other, err := NewFileHistoryStore(path)
	require.NoError(t, err)
	again, err := other.QueryAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, entries, again)
}

func TestFileHistoryStoreConcurrentAppends(t *testing.T) {
	store, err := NewFileHistoryStore(filepath.Join(t.TempDir(), "history.jsonl"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.Append(context.Background(), swapEntry("n", time.Now(), "A", "B")))
		}()
	}
	wg.Wait()

	entries, err := store.QueryAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, 20)
}

func TestFileHistoryStoreRejectsCorruptLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"type\":\"swap\"}\nnot json\n"), 0o644))
	store, err := NewFileHistoryStore(path)
	require.NoError(t, err)

	_, err = store.QueryAll(context.Background())
	assert.ErrorContains(t, err, "line 2")
}

func TestInMemoryHistoryStoreReturnsCopy(t *testing.T) {
	store := NewInMemoryHistoryStore()
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, HistoryEntry{Type: "swap"}))

	entries, err := store.QueryAll(ctx)
	require.NoError(t, err)
	entries[0].Type = "changed"

	again, _ := store.QueryAll(ctx)
	assert.Equal(t, "swap", again[0].Type)
}
