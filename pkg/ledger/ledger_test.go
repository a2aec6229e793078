package ledger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	dir := t.TempDir()
	return New(filepath.Join(dir, "evolution.csv"), 2*time.Second)
}

func TestAppendAndClaimNextPending(t *testing.T) {
	l := newTestLedger(t)

	n, err := l.Append([]Candidate{
		{ID: "gen01-001", Description: "first", Status: "pending"},
		{ID: "gen01-002", Description: "second", Status: "pending"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	id, prior, err := l.ClaimNextPending()
	require.NoError(t, err)
	assert.Equal(t, "gen01-002", id, "claim must take the LAST pending row")
	assert.Equal(t, "pending", prior)

	info, err := l.GetCandidateInfo("gen01-002")
	require.NoError(t, err)
	assert.Equal(t, "running", info.Status)
}

func TestClaimNextPendingExhausted(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Append([]Candidate{{ID: "a", Status: "complete", Performance: "1.0"}})
	require.NoError(t, err)

	_, _, err = l.ClaimNextPending()
	assert.ErrorIs(t, err, ErrNoPending)
}

func TestPendingPredicateExcludesRunning(t *testing.T) {
	assert.True(t, isPending(""))
	assert.True(t, isPending("pending"))
	assert.True(t, isPending("pending garbage"))
	assert.True(t, isPending("failed-retry1"))
	assert.False(t, isPending("running"))
	assert.False(t, isPending("complete"))
}

func TestSetStatusAndPerformance(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Append([]Candidate{{ID: "a", Status: "running"}})
	require.NoError(t, err)

	require.NoError(t, l.SetStatus("a", "complete"))
	require.NoError(t, l.SetPerformance("a", 0.875))

	info, err := l.GetCandidateInfo("a")
	require.NoError(t, err)
	assert.Equal(t, "complete", info.Status)
	perf, err := info.ParsedPerformance()
	require.NoError(t, err)
	assert.InDelta(t, 0.875, perf, 1e-9)
}

func TestSetFieldAddsColumn(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Append([]Candidate{{ID: "a", Status: "pending"}, {ID: "b", Status: "pending"}})
	require.NoError(t, err)

	require.NoError(t, l.SetField("a", "validation_error", "boom"))

	infoA, err := l.GetCandidateInfo("a")
	require.NoError(t, err)
	assert.Equal(t, "boom", infoA.Extra["validation_error"])

	infoB, err := l.GetCandidateInfo("b")
	require.NoError(t, err)
	assert.Equal(t, "", infoB.Extra["validation_error"], "existing rows must be padded")
}

func TestRemoveDuplicatesKeepsFirst(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Append([]Candidate{
		{ID: "gen02-003", Status: "complete", Performance: "1.0"},
		{ID: "gen02-003", Status: "pending"},
	})
	require.NoError(t, err)

	removed, err := l.RemoveDuplicates()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	info, err := l.GetCandidateInfo("gen02-003")
	require.NoError(t, err)
	assert.Equal(t, "complete", info.Status)

	stats, err := l.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Complete)
}

func TestResetStuck(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Append([]Candidate{
		{ID: "a", Status: "running"},
		{ID: "b", Status: "garbled\x00status"},
		{ID: "c", Status: "complete", Performance: "1.0"},
	})
	require.NoError(t, err)

	reset, err := l.ResetStuck()
	require.NoError(t, err)
	assert.Equal(t, 2, reset)

	stats, err := l.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Running)
	assert.Equal(t, 2, stats.Pending)
}

func TestCleanupCorruptedStatus(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Append([]Candidate{{ID: "a", Status: "pending\tgarbage"}})
	require.NoError(t, err)

	fixed, err := l.CleanupCorruptedStatus()
	require.NoError(t, err)
	assert.Equal(t, 1, fixed)

	info, err := l.GetCandidateInfo("a")
	require.NoError(t, err)
	assert.Equal(t, "pending", info.Status)
}

func TestEvaluatorExtraColumnsPreserved(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Append([]Candidate{{ID: "a", Status: "running"}})
	require.NoError(t, err)

	require.NoError(t, l.SetPerformance("a", 3.5))
	require.NoError(t, l.SetField("a", "extra", "Y"))
	require.NoError(t, l.SetStatus("a", "complete"))

	info, err := l.GetCandidateInfo("a")
	require.NoError(t, err)
	perf, err := info.ParsedPerformance()
	require.NoError(t, err)
	assert.InDelta(t, 3.5, perf, 1e-9)
	assert.Equal(t, "Y", info.Extra["extra"])
}

func TestTopPerformers(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Append([]Candidate{
		{ID: "gen01-001", Status: "complete", Performance: "0.5"},
		{ID: "gen01-002", Status: "complete", Performance: "0.9"},
		{ID: "gen02-001", Status: "complete", Performance: "0.1"},
		{ID: "gen02-002", Status: "pending"},
	})
	require.NoError(t, err)

	top, err := l.TopPerformers(1, false)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "gen01-002", top[0].ID)

	withNovel, err := l.TopPerformers(1, true)
	require.NoError(t, err)
	ids := make([]string, 0, len(withNovel))
	for _, c := range withNovel {
		ids = append(ids, c.ID)
	}
	assert.Contains(t, ids, "gen01-002")
	assert.Contains(t, ids, "gen02-001")
}

func TestNextIDsAvoidsExistingAndClaimed(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Append([]Candidate{{ID: "gen03-001", Status: "pending"}})
	require.NoError(t, err)

	ids, err := l.NextIDs(3, 2, []string{"gen03-002"})
	require.NoError(t, err)
	assert.Equal(t, []string{"gen03-003", "gen03-004"}, ids)
}

func TestEnsureBaseline(t *testing.T) {
	l := newTestLedger(t)
	added, err := l.EnsureBaseline()
	require.NoError(t, err)
	assert.True(t, added)

	added, err = l.EnsureBaseline()
	require.NoError(t, err)
	assert.False(t, added)

	stats, err := l.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
}

func TestLedgerPersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "evolution.csv")

	l1 := New(path, time.Second)
	_, err := l1.Append([]Candidate{{ID: "a", Description: "has, a comma", Status: "pending"}})
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "id,based_on_id,description")

	l2 := New(path, time.Second)
	info, err := l2.GetCandidateInfo("a")
	require.NoError(t, err)
	assert.Equal(t, "has, a comma", info.Description)
}
