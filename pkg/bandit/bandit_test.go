package bandit

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBandit(stateFile string) *Bandit {
	return New([]string{"model-a", "model-b", "model-c"}, 1.4, 0.1, 0.95, -0.1, stateFile)
}

func TestOrderTriesUntriedModelsFirst(t *testing.T) {
	b := newTestBandit("")
	child, parent := 0.9, 0.5
	b.Update("model-a", &child, &parent)

	order := b.Order([]string{"model-a", "model-b", "model-c"})
	require.Len(t, order, 3)
	assert.NotEqual(t, "model-a", order[0], "an untried model should be tried before a model with recorded history")
}

func TestOrderIsAPermutation(t *testing.T) {
	b := newTestBandit("")
	models := []string{"model-a", "model-b", "model-c"}
	order := b.Order(models)
	assert.ElementsMatch(t, models, order)
}

func TestUpdateRecordsFailurePenalty(t *testing.T) {
	b := newTestBandit("")
	imp := b.Update("model-a", nil, nil)
	assert.Equal(t, -0.1, imp)
	assert.Equal(t, 1, b.models["model-a"].NCompleted)
}

func TestUpdateComputesImprovementAgainstParent(t *testing.T) {
	b := newTestBandit("")
	child, parent := 0.8, 0.6
	imp := b.Update("model-a", &child, &parent)
	assert.InDelta(t, 0.2, imp, 1e-9)
}

func TestUpdateFallsBackToBaselineWithoutParent(t *testing.T) {
	b := newTestBandit("")
	b.SetBaseline(0.3)
	child := 0.5
	imp := b.Update("model-a", &child, nil)
	assert.InDelta(t, 0.2, imp, 1e-9)
}

func TestUCBPrefersHigherMeanImprovementAllElseEqual(t *testing.T) {
	b := newTestBandit("")
	goodChild, goodParent := 0.9, 0.1
	badChild, badParent := 0.2, 0.1
	b.Update("model-a", &goodChild, &goodParent)
	b.Update("model-b", &badChild, &badParent)
	b.Update("model-c", &badChild, &badParent)

	statsA := b.models["model-a"]
	statsB := b.models["model-b"]
	assert.Greater(t, b.ucbScoreLocked(statsA), b.ucbScoreLocked(statsB))
}

func TestApplyDecayShrinksHistory(t *testing.T) {
	b := newTestBandit("")
	for i := 0; i < 5; i++ {
		child, parent := 0.5, 0.1
		b.Update("model-a", &child, &parent)
	}
	before := b.models["model-a"].NCompleted
	b.applyDecayLocked()
	after := b.models["model-a"].NCompleted
	assert.LessOrEqual(t, after, before)
	assert.GreaterOrEqual(t, after, 1)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	stateFile := filepath.Join(dir, "llm_bandit.json")

	b := newTestBandit(stateFile)
	child, parent := 0.7, 0.2
	b.Update("model-a", &child, &parent)
	require.NoError(t, b.Save())

	loaded := New([]string{"model-a", "model-b", "model-c"}, 1.4, 0.1, 0.95, -0.1, stateFile)
	require.NoError(t, loaded.Load())

	assert.Equal(t, b.models["model-a"].NCompleted, loaded.models["model-a"].NCompleted)
	assert.InDelta(t, b.models["model-a"].TotalImprovement, loaded.models["model-a"].TotalImprovement, 1e-9)
}

func TestLoadMissingStateFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	b := newTestBandit(filepath.Join(dir, "does-not-exist.json"))
	assert.NoError(t, b.Load())
}
