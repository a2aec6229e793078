package ideation

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willer/claude-evolve/pkg/config"
	"github.com/willer/claude-evolve/pkg/ledger"
	"github.com/willer/claude-evolve/pkg/llmgateway"
)

type fakeRunner struct {
	output string
	edit   func(dir string)
}

func (f *fakeRunner) Run(ctx context.Context, model, prompt, workingDir string, env map[string]string) (string, error) {
	if f.edit != nil {
		f.edit(workingDir)
	}
	return f.output, nil
}

func setupLedger(t *testing.T) *ledger.Ledger {
	dir := t.TempDir()
	l := ledger.New(filepath.Join(dir, "evolution.csv"), time.Second)
	_, err := l.Append([]ledger.Candidate{
		{ID: "gen01-001", Description: "an existing idea", Status: "complete", Performance: "0.8"},
	})
	require.NoError(t, err)
	return l
}

func TestGetContextReportsNextGeneration(t *testing.T) {
	l := setupLedger(t)
	cfg := config.IdeationConfig{NumElites: 3}
	id := New(cfg, config.NoveltyConfig{}, l, nil, nil, nil, t.TempDir(), "", nil)

	ctx, err := id.GetContext()
	require.NoError(t, err)
	assert.Equal(t, 2, ctx.Generation)
	assert.Len(t, ctx.TopPerformers, 1)
	assert.Contains(t, ctx.ExistingDescriptions, "an existing idea")
}

func TestCheckNoveltyDisabledAllowsEverything(t *testing.T) {
	l := setupLedger(t)
	id := New(config.IdeationConfig{}, config.NoveltyConfig{Enabled: false}, l, nil, nil, nil, t.TempDir(), "", nil)

	novel, sim := id.CheckNovelty(context.Background(), "anything", []string{"something else"})
	assert.True(t, novel)
	assert.Equal(t, 0.0, sim)
}

// findScratchCSV locates the temp-csv-<pid>-<uuid>.csv file generate
// wrote into dir, since its name isn't predictable from the test.
func findScratchCSV(t *testing.T, dir string) string {
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "temp-csv-") {
			return filepath.Join(dir, e.Name())
		}
	}
	t.Fatal("scratch csv not found")
	return ""
}

func TestGenerateWritesStubRowsAndParsesEditedDescriptions(t *testing.T) {
	dir := t.TempDir()
	l := ledger.New(filepath.Join(dir, "evolution.csv"), time.Second)
	_, err := l.Append([]ledger.Candidate{{ID: "gen00-001", Description: "seed", Status: "complete", Performance: "0.5"}})
	require.NoError(t, err)

	runner := &fakeRunner{
		output: "ok",
		edit: func(workingDir string) {
			path := findScratchCSV(t, workingDir)
			content, err := os.ReadFile(path)
			require.NoError(t, err)

			lines := strings.Split(strings.TrimRight(string(content), "\n"), "\n")
			for i, line := range lines {
				if strings.HasPrefix(line, "gen01-001,") {
					lines[i] = `gen01-001,,"a real idea about caching",,pending`
				}
			}
			require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
		},
	}
	gw := llmgateway.New(runner)

	cfg := config.IdeationConfig{NovelExploration: 1, MaxRounds: 1, InitialWait: time.Millisecond, MaxWait: time.Millisecond}
	id := New(cfg, config.NoveltyConfig{Enabled: false}, l, gw, nil, []string{"model-a"}, dir, "", nil)

	ideationCtx, err := id.GetContext()
	require.NoError(t, err)

	var claimed []string
	ideas, err := id.generate(context.Background(), &novelExplorationStrategy{}, ideationCtx, 1, &claimed)
	require.NoError(t, err)
	require.Len(t, ideas, 1)
	assert.Equal(t, "gen01-001", ideas[0].ID)
	assert.Equal(t, "a real idea about caching", ideas[0].Description)
	assert.Contains(t, ideas[0].Strategy, "novel_exploration")
}

func TestRunAppendsNovelIdeasToLedger(t *testing.T) {
	dir := t.TempDir()
	l := ledger.New(filepath.Join(dir, "evolution.csv"), time.Second)
	_, err := l.Append([]ledger.Candidate{{ID: "gen00-001", Description: "seed", Status: "complete", Performance: "0.5"}})
	require.NoError(t, err)

	runner := &fakeRunner{
		output: "ok",
		edit: func(workingDir string) {
			path := findScratchCSV(t, workingDir)
			content, err := os.ReadFile(path)
			require.NoError(t, err)
			lines := strings.Split(strings.TrimRight(string(content), "\n"), "\n")
			for i, line := range lines {
				if strings.HasPrefix(line, "gen01-001,") {
					lines[i] = `gen01-001,,"an entirely new approach",,pending`
				}
			}
			require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
		},
	}
	gw := llmgateway.New(runner)

	cfg := config.IdeationConfig{NovelExploration: 1, MaxRounds: 1, InitialWait: time.Millisecond, MaxWait: time.Millisecond}
	id := New(cfg, config.NoveltyConfig{Enabled: false}, l, gw, nil, []string{"model-a"}, dir, "", nil)

	added, err := id.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	info, err := l.GetCandidateInfo("gen01-001")
	require.NoError(t, err)
	assert.Equal(t, "pending", info.Status)
	assert.Equal(t, "an entirely new approach", info.Description)
}
