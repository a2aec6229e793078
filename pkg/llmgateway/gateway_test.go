package llmgateway

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	calls     int32
	failUntil int32 // fail this many calls total before succeeding
	failWith  error
	gotPrompt string
}

func (f *fakeRunner) Run(ctx context.Context, model, prompt, workingDir string, env map[string]string) (string, error) {
	n := atomic.AddInt32(&f.calls, 1)
	f.gotPrompt = prompt
	if n <= f.failUntil {
		if f.failWith != nil {
			return "", f.failWith
		}
		return "", &Failure{Kind: KindOther, Model: model, Err: errors.New("boom")}
	}
	return "ok from " + model, nil
}

func fastOpts() BackoffOptions {
	return BackoffOptions{MaxRounds: 3, InitialWait: time.Millisecond, MaxWait: 5 * time.Millisecond}
}

func TestInvokeWithBackoffSucceedsFirstTry(t *testing.T) {
	runner := &fakeRunner{}
	g := New(runner)

	out, model, err := g.InvokeWithBackoff(context.Background(), "do the thing", []string{"a", "b"}, "", nil, fastOpts())
	require.NoError(t, err)
	assert.Contains(t, out, "ok from")
	assert.Contains(t, []string{"a", "b"}, model)
	assert.True(t, strings.HasPrefix(runner.gotPrompt, GitProtectionBanner), "prompt must be prefixed with the git protection banner")
	assert.Contains(t, runner.gotPrompt, "do the thing")
}

func TestInvokeWithBackoffRetriesAcrossRounds(t *testing.T) {
	runner := &fakeRunner{failUntil: 2}
	g := New(runner)

	out, _, err := g.InvokeWithBackoff(context.Background(), "prompt", []string{"a", "b"}, "", nil, fastOpts())
	require.NoError(t, err)
	assert.Contains(t, out, "ok from")
	assert.GreaterOrEqual(t, runner.calls, int32(3))
}

func TestInvokeWithBackoffExhausted(t *testing.T) {
	runner := &fakeRunner{failUntil: 1000}
	g := New(runner)

	_, _, err := g.InvokeWithBackoff(context.Background(), "prompt", []string{"a", "b"}, "", nil, fastOpts())
	require.Error(t, err)
	var exhausted *ErrRoundsExhausted
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Rounds)
}

func TestInvokeWithBackoffNoModels(t *testing.T) {
	g := New(&fakeRunner{})
	_, _, err := g.InvokeWithBackoff(context.Background(), "p", nil, "", nil, fastOpts())
	assert.ErrorIs(t, err, ErrNoModels)
}

func TestInvokeWithBackoffContextCancelled(t *testing.T) {
	runner := &fakeRunner{failUntil: 1000}
	g := New(runner)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := g.InvokeWithBackoff(ctx, "p", []string{"a"}, "", nil, fastOpts())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFailureFromExitCode(t *testing.T) {
	cases := []struct {
		code int
		kind Kind
	}{
		{124, KindTimeout},
		{2, KindRateLimited},
		{3, KindQuota},
		{1, KindOther},
	}
	for _, c := range cases {
		f := FailureFromExitCode(c.code, "model-x", "stderr output")
		assert.Equal(t, c.kind, f.Kind)
		assert.Equal(t, "model-x", f.Model)
	}
}

func TestRandomSelectorPreservesSetAndLength(t *testing.T) {
	models := []string{"a", "b", "c", "d"}
	ordered := RandomSelector{}.Order(models)
	assert.ElementsMatch(t, models, ordered)
	assert.Len(t, ordered, len(models))
}
