package mapper

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArionMiles/receiptd/pkg/api"
	"github.com/ArionMiles/receiptd/pkg/logging"
)

func row(pattern, app string, prio int, active bool) api.OperatorMapping {
	return api.OperatorMapping{Pattern: pattern, ApplicationName: app, Priority: prio, IsActive: active}
}

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"oq p2p>tashkent":          "OQ P2P>TASHKENT",
		"  SmartBank,  P2P;HUMO  ": "SMARTBANK P2P HUMO",
		"Tenge-24 ws p2p":          "TENGE 24 WS P2P",
		"paynet\thum2uzc":          "PAYNET HUM2UZC",
		"кафе «Лола»":              "КАФЕ ЛОЛА",
		"!!!":                      "",
	}
	for in, want := range tests {
		assert.Equal(t, want, Normalize(in), in)
	}
}

func TestResolve_PriorityAmongSubstrings(t *testing.T) {
	snap := NewSnapshot([]api.OperatorMapping{
		row("OQ", "OQ", 5, true),
		row("OQ P2P", "OQ P2P", 8, true),
		row("PAYNET", "Paynet", 2, true),
		row("PAY", "Pay", 1, true),
		row("REGEX ONLY", "Ghost", 100, false),
	}, time.Now())

	res, ok := snap.Resolve("OQ P2P>TASHKENT")
	require.True(t, ok)
	assert.Equal(t, "OQ P2P", res.ApplicationName)
	assert.False(t, res.Exact)

	res, ok = snap.Resolve("paynet hum2uzc")
	require.True(t, ok)
	assert.Equal(t, "Paynet", res.ApplicationName)

	_, ok = snap.Resolve("regex only")
	assert.False(t, ok, "inactive rows never match")

	_, ok = snap.Resolve("KORZINKA")
	assert.False(t, ok)

	_, ok = snap.Resolve("   ")
	assert.False(t, ok)
}

func TestSnapshot_RulesInResolutionOrder(t *testing.T) {
	snap := NewSnapshot([]api.OperatorMapping{
		row("pay", "Pay", 1, true),
		row("oq p2p", "OQ", 8, true),
		row("PAYNET", "Paynet", 1, true),
		row("GHOST", "Ghost", 9, false),
	}, time.Now())

	var patterns []string
	for _, r := range snap.Rules() {
		patterns = append(patterns, r.Pattern)
	}
	assert.Equal(t, []string{"OQ P2P", "PAYNET", "PAY"}, patterns)
	assert.Nil(t, (*Snapshot)(nil).Rules())
}

func TestResolve_ExactBeatsSubstring(t *testing.T) {
	snap := NewSnapshot([]api.OperatorMapping{
		row("CLI", "Substring App", 100, true),
		row("CLICK", "Click", 1, true),
	}, time.Now())

	res, ok := snap.Resolve("click")
	require.True(t, ok)
	assert.Equal(t, "Click", res.ApplicationName)
	assert.True(t, res.Exact)

	res, ok = snap.Resolve("CLICK UZ")
	require.True(t, ok)
	assert.Equal(t, "Substring App", res.ApplicationName, "without an exact match priority decides")
}

func TestResolve_DeterministicTieBreak(t *testing.T) {
	rows := []api.OperatorMapping{
		row("PAYME", "Payme", 10, true),
		row("PAYME P2P", "Payme Transfers", 10, true),
		row("P2P", "Generic P2P", 10, true),
		row("ME P2", "Zeta", 10, true),
	}

	for range 50 {
		shuffled := append([]api.OperatorMapping(nil), rows...)
		// Reverse on alternate runs so input order varies.
		for i, j := 0, len(shuffled)-1; i < j; i, j = i+1, j-1 {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		}
		for _, in := range [][]api.OperatorMapping{rows, shuffled} {
			res, ok := NewSnapshot(in, time.Now()).Resolve("PAYME P2P TOSHKENT")
			require.True(t, ok)
			assert.Equal(t, "Payme Transfers", res.ApplicationName, "longest pattern wins at equal priority")
		}
	}

	samePattern := []api.OperatorMapping{
		row("UPAY", "Zulu", 5, true),
		row("UPAY", "Alpha", 5, true),
	}
	for range 20 {
		res, ok := NewSnapshot(samePattern, time.Now()).Resolve("UPAY")
		require.True(t, ok)
		assert.Equal(t, "Alpha", res.ApplicationName)
	}
}

func TestResolve_NilSnapshot(t *testing.T) {
	var snap *Snapshot
	_, ok := snap.Resolve("PAYME")
	assert.False(t, ok)
	assert.Equal(t, 0, snap.Len())
}

func TestDefaultMappings(t *testing.T) {
	snap := NewSnapshot(DefaultMappings(), time.Now())

	tests := []struct {
		operator string
		app      string
		p2p      bool
	}{
		{"OQ P2P>TASHKENT", "OQ", true},
		{"SmartBank P2P HUMO U", "SmartBank", true},
		{"PAYNET HUM2UZC", "Paynet", true},
		{"UZCARD OTHERS 2 ANY PAYNET", "Paynet", true},
		{"DAVR UPAY HUMANS", "Humans", false},
		{"PAYME", "Payme", false},
		{"ChakanaPay Humo", "Chakanapay", false},
	}
	for _, tc := range tests {
		res, ok := snap.Resolve(tc.operator)
		require.True(t, ok, tc.operator)
		assert.Equal(t, tc.app, res.ApplicationName, tc.operator)
		assert.Equal(t, tc.p2p, res.IsP2P, tc.operator)
	}
}

func TestParseImport(t *testing.T) {
	input := strings.Join([]string{
		"\ufeffОператор/продавец — Приложение",
		"",
		"UPAY P2P — Humans",
		"TENGE24 WS P2P – Tenge24",
		"broken line without separator",
		"A — B — C",
		" — Empty",
	}, "\n")

	rows, stats, err := ParseImport(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, ImportStats{Imported: 2, Skipped: 3}, stats)
	require.Len(t, rows, 2)
	assert.Equal(t, api.OperatorMapping{
		Pattern: "UPAY P2P", ApplicationName: "Humans", IsP2P: true, Priority: ImportPriority, IsActive: true,
	}, rows[0])
	assert.Equal(t, "TENGE24 WS P2P", rows[1].Pattern)
}

type fakeSource struct {
	mu    sync.Mutex
	rows  []api.OperatorMapping
	err   error
	calls int
}

func (f *fakeSource) ActiveMappings(context.Context) ([]api.OperatorMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]api.OperatorMapping(nil), f.rows...), nil
}

func (f *fakeSource) set(rows []api.OperatorMapping, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows, f.err = rows, err
}

func TestMapper_RefreshKeepsSnapshotOnFailure(t *testing.T) {
	src := &fakeSource{rows: []api.OperatorMapping{row("PAYME", "Payme", 5, true)}}
	m := New(src, Config{}, logging.Discard())

	_, ok := m.Resolve("PAYME")
	assert.False(t, ok, "unmapped before the first refresh")

	require.NoError(t, m.Refresh(context.Background()))
	res, ok := m.Resolve("PAYME")
	require.True(t, ok)
	assert.Equal(t, "Payme", res.ApplicationName)

	src.set(nil, errors.New("db down"))
	assert.Error(t, m.Refresh(context.Background()))
	_, ok = m.Resolve("PAYME")
	assert.True(t, ok, "previous snapshot survives a failed refresh")
}

func TestMapper_RunPicksUpInvalidation(t *testing.T) {
	src := &fakeSource{rows: []api.OperatorMapping{row("PAYME", "Payme", 5, true)}}
	m := New(src, Config{RefreshInterval: time.Hour}, logging.Discard())
	require.NoError(t, m.Refresh(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	src.set([]api.OperatorMapping{row("PAYME", "Payme Renamed", 5, true)}, nil)
	m.Invalidate()

	assert.Eventually(t, func() bool {
		res, ok := m.Resolve("PAYME")
		return ok && res.ApplicationName == "Payme Renamed"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestMapper_SnapshotIsStableDuringRefresh(t *testing.T) {
	src := &fakeSource{rows: []api.OperatorMapping{row("PAYME", "Old", 5, true)}}
	m := New(src, Config{}, logging.Discard())
	require.NoError(t, m.Refresh(context.Background()))

	held := m.Snapshot()
	src.set([]api.OperatorMapping{row("PAYME", "New", 5, true)}, nil)
	require.NoError(t, m.Refresh(context.Background()))

	res, _ := held.Resolve("PAYME")
	assert.Equal(t, "Old", res.ApplicationName, "a held snapshot never changes")
	res, _ = m.Resolve("PAYME")
	assert.Equal(t, "New", res.ApplicationName)
}
