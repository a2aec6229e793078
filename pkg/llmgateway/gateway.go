// Package llmgateway implements the model-invocation layer: a pool of
// interchangeable models tried in shuffled order each round, with
// exponential backoff between rounds when an entire round fails.
package llmgateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrNoModels is returned when InvokeWithBackoff is given an empty pool.
var ErrNoModels = errors.New("no models configured")

// ErrRoundsExhausted wraps the last per-model failures once every round
// has been tried without success.
type ErrRoundsExhausted struct {
	Rounds int
	Last   map[string]error
}

func (e *ErrRoundsExhausted) Error() string {
	return fmt.Sprintf("all %d rounds exhausted, %d models tried last round", e.Rounds, len(e.Last))
}

// Logger is the minimal interface the gateway needs for round/model
// progress logging, satisfied by *evolog.Logger.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// ModelSelector orders a model pool for one round of attempts. The
// default selector shuffles the pool uniformly at random each round.
// pkg/bandit supplies a UCB1-based alternative behind the same
// interface.
type ModelSelector interface {
	Order(models []string) []string
}

// RandomSelector is the round-robin-by-shuffle ModelSelector, the
// default when none is configured.
type RandomSelector struct{}

func (RandomSelector) Order(models []string) []string {
	shuffled := make([]string, len(models))
	copy(shuffled, models)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled
}

// Gateway invokes models through a ModelRunner, with round-based
// shuffle-and-retry backoff across a pool.
type Gateway struct {
	Runner   ModelRunner
	Selector ModelSelector
	Log      Logger
}

// New constructs a Gateway with the default RandomSelector.
func New(runner ModelRunner) *Gateway {
	return &Gateway{Runner: runner, Selector: RandomSelector{}}
}

func (g *Gateway) selector() ModelSelector {
	if g.Selector != nil {
		return g.Selector
	}
	return RandomSelector{}
}

func (g *Gateway) logInfo(format string, args ...any) {
	if g.Log != nil {
		g.Log.Info(fmt.Sprintf(format, args...))
	}
}

func (g *Gateway) logWarn(format string, args ...any) {
	if g.Log != nil {
		g.Log.Warn(fmt.Sprintf(format, args...))
	}
}

// BackoffOptions configures the round/wait budget for InvokeWithBackoff:
// how many rounds to try the whole model pool for, and the initial and
// maximum inter-round wait.
type BackoffOptions struct {
	MaxRounds   int
	InitialWait time.Duration
	MaxWait     time.Duration
}

// DefaultBackoffOptions is the default round/wait budget: 10 rounds,
// 60s initial wait, 600s cap.
func DefaultBackoffOptions() BackoffOptions {
	return BackoffOptions{MaxRounds: 10, InitialWait: 60 * time.Second, MaxWait: 600 * time.Second}
}

// newBackOff builds the cenkalti/backoff/v4 sequencer used purely for
// computing the inter-round wait time. We call NextBackOff() directly
// rather than backoff.Retry, since the "try every model once per round,
// then wait" semantics don't map onto single-operation retry: a whole
// round of distinct model attempts has to complete before the next wait
// is computed.
func newBackOff(opts BackoffOptions) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.InitialWait
	b.MaxInterval = opts.MaxWait
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// InvokeWithBackoff prefixes prompt with the git-protection banner and
// calls Runner.Run for each model in the pool, in an order picked fresh
// each round by Selector, until one succeeds. Timeout and RateLimited
// failures (and any other per-model failure) are swallowed and logged;
// only once an entire round fails does it sleep the backoff wait and
// try again, up to opts.MaxRounds. A Quota failure from any model is
// swallowed the same way; after the last round the caller gets
// *ErrRoundsExhausted, not the individual *Failure values.
func (g *Gateway) InvokeWithBackoff(ctx context.Context, prompt string, pool []string, workingDir string, env map[string]string, opts BackoffOptions) (output, model string, err error) {
	if len(pool) == 0 {
		return "", "", ErrNoModels
	}
	if opts.MaxRounds <= 0 {
		opts = DefaultBackoffOptions()
	}

	fullPrompt := GitProtectionBanner + "\n\n" + prompt
	b := newBackOff(opts)
	lastErrors := make(map[string]error, len(pool))

	for round := 0; round < opts.MaxRounds; round++ {
		order := g.selector().Order(pool)
		g.logInfo("round %d/%d: trying %d models", round+1, opts.MaxRounds, len(order))

		for _, m := range order {
			if err := ctx.Err(); err != nil {
				return "", "", err
			}
			g.logInfo("trying %s...", m)
			out, runErr := g.Runner.Run(ctx, m, fullPrompt, workingDir, env)
			if runErr == nil {
				if round > 0 {
					g.logInfo("succeeded on round %d with %s", round+1, m)
				}
				return out, m, nil
			}
			g.logWarn("%s failed: %v", m, runErr)
			lastErrors[m] = runErr
		}

		if round < opts.MaxRounds-1 {
			wait := b.NextBackOff()
			if wait == backoff.Stop {
				break
			}
			g.logWarn("all models failed in round %d, waiting %s", round+1, wait)
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return "", "", ctx.Err()
			}
		}
	}

	return "", "", &ErrRoundsExhausted{Rounds: opts.MaxRounds, Last: lastErrors}
}
