package metalearn

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willer/claude-evolve/pkg/ledger"
	"github.com/willer/claude-evolve/pkg/llmgateway"
)

type fakeRunner struct {
	output string
	err    error
}

func (f *fakeRunner) Run(ctx context.Context, model, prompt, workingDir string, env map[string]string) (string, error) {
	return f.output, f.err
}

func TestAnalyzeNotReadyWhilePending(t *testing.T) {
	dir := t.TempDir()
	l := ledger.New(filepath.Join(dir, "evolution.csv"), time.Second)
	_, err := l.Append([]ledger.Candidate{
		{ID: "gen01-001", Status: "complete", Performance: "0.9"},
		{ID: "gen01-002", Status: "pending"},
	})
	require.NoError(t, err)

	a := &Analyzer{Ledger: l, EvolutionDir: dir}
	summary, err := a.Analyze(1)
	require.NoError(t, err)
	assert.Nil(t, summary)
}

func TestAnalyzeComputesImprovementOverParent(t *testing.T) {
	dir := t.TempDir()
	l := ledger.New(filepath.Join(dir, "evolution.csv"), time.Second)
	_, err := l.Append([]ledger.Candidate{
		{ID: "gen00-001", Status: "complete", Performance: "0.5"},
		{ID: "gen01-001", BasedOnID: "gen00-001", Description: "tweak a", Status: "complete", Performance: "0.8"},
		{ID: "gen01-002", BasedOnID: "gen00-001", Description: "tweak b", Status: "complete", Performance: "0.3"},
	})
	require.NoError(t, err)

	a := &Analyzer{Ledger: l, EvolutionDir: dir}
	summary, err := a.Analyze(1)
	require.NoError(t, err)
	require.NotNil(t, summary)

	assert.Equal(t, 2, summary.TotalAlgorithms)
	assert.Equal(t, 1, summary.Successful)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, "gen01-001", summary.BestID)
	assert.InDelta(t, 0.3, summary.BestImprovement, 1e-9)
	assert.Equal(t, "gen01-002", summary.WorstID)
	assert.InDelta(t, -0.2, summary.WorstImprovement, 1e-9)
}

func TestAnalyzeCountsNonCompleteRowsAsFailures(t *testing.T) {
	dir := t.TempDir()
	l := ledger.New(filepath.Join(dir, "evolution.csv"), time.Second)
	_, err := l.Append([]ledger.Candidate{
		{ID: "gen00-001", Status: "complete", Performance: "0.5"},
		{ID: "gen01-001", BasedOnID: "gen00-001", Description: "ok", Status: "complete", Performance: "0.8"},
		{ID: "gen01-002", BasedOnID: "gen00-001", Description: "broke", Status: "failed-validation"},
	})
	require.NoError(t, err)

	a := &Analyzer{Ledger: l, EvolutionDir: dir}
	summary, err := a.Analyze(1)
	require.NoError(t, err)
	require.NotNil(t, summary)

	assert.Equal(t, 2, summary.TotalAlgorithms)
	assert.Equal(t, 1, summary.Successful)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, "gen01-002", summary.WorstID)
	assert.InDelta(t, -0.5, summary.WorstImprovement, 1e-9)
}

func TestAnalyzeNoRowsForGeneration(t *testing.T) {
	dir := t.TempDir()
	l := ledger.New(filepath.Join(dir, "evolution.csv"), time.Second)
	_, err := l.Append([]ledger.Candidate{{ID: "gen00-001", Status: "complete", Performance: "0.5"}})
	require.NoError(t, err)

	a := &Analyzer{Ledger: l, EvolutionDir: dir}
	summary, err := a.Analyze(5)
	require.NoError(t, err)
	assert.Nil(t, summary)
}

func TestGenerateNotesExtractsBulletPoints(t *testing.T) {
	dir := t.TempDir()
	gw := llmgateway.New(&fakeRunner{output: "noise\n- worked great\n- failed badly\ntrailer"})
	a := &Analyzer{Gateway: gw, Models: []string{"model-a"}, EvolutionDir: dir}

	summary := &GenerationSummary{Generation: 1, BestID: "gen01-001", WorstID: "gen01-002"}
	notes := a.GenerateNotes(context.Background(), summary, "brief")
	assert.Equal(t, "- worked great\n- failed badly", notes)
}

func TestGenerateNotesFallsBackOnFailure(t *testing.T) {
	dir := t.TempDir()
	gw := llmgateway.New(&fakeRunner{err: assertErr{}})
	a := &Analyzer{Gateway: gw, Models: []string{"model-a"}, EvolutionDir: dir}

	summary := &GenerationSummary{
		Generation: 1, BestID: "gen01-001", BestDescription: "a good idea",
		BestImprovement: 0.3, Successful: 1, TotalAlgorithms: 2,
	}
	notes := a.GenerateNotes(context.Background(), summary, "brief")
	assert.Contains(t, notes, "gen01-001")
	assert.Contains(t, notes, "Success rate: 1/2")
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestUpdateBriefNotesCreatesFileWithHeader(t *testing.T) {
	dir := t.TempDir()
	a := &Analyzer{EvolutionDir: dir}

	require.NoError(t, a.UpdateBriefNotes(1, "- learned something"))

	data, err := os.ReadFile(filepath.Join(dir, "BRIEF-notes.md"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "# Evolution Notes")
	assert.Contains(t, string(data), "## Generation 1")
	assert.Contains(t, string(data), "- learned something")
}

func TestGetLastProcessedGenerationFindsHighest(t *testing.T) {
	dir := t.TempDir()
	content := "# Evolution Notes\n\n## Generation 1 (2026-01-01 00:00)\n\n- a\n\n## Generation 3 (2026-01-02 00:00)\n\n- b\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "BRIEF-notes.md"), []byte(content), 0o644))

	a := &Analyzer{EvolutionDir: dir}
	assert.Equal(t, 3, a.GetLastProcessedGeneration())
}

func TestGetLastProcessedGenerationMissingFile(t *testing.T) {
	a := &Analyzer{EvolutionDir: t.TempDir()}
	assert.Equal(t, 0, a.GetLastProcessedGeneration())
}

func TestProcessNewGenerationsProcessesEachGenerationOnce(t *testing.T) {
	dir := t.TempDir()
	l := ledger.New(filepath.Join(dir, "evolution.csv"), time.Second)
	_, err := l.Append([]ledger.Candidate{
		{ID: "gen00-001", Status: "complete", Performance: "0.5"},
		{ID: "gen01-001", BasedOnID: "gen00-001", Description: "a", Status: "complete", Performance: "0.7"},
	})
	require.NoError(t, err)

	gw := llmgateway.New(&fakeRunner{output: "- it worked"})
	a := &Analyzer{Ledger: l, Gateway: gw, Models: []string{"model-a"}, EvolutionDir: dir}

	processed, err := a.ProcessNewGenerations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 1, a.GetLastProcessedGeneration())

	processed, err = a.ProcessNewGenerations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, processed)
}
