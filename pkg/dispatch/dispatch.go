package dispatch

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/willer/claude-evolve/pkg/ideation"
	"github.com/willer/claude-evolve/pkg/ledger"
	"github.com/willer/claude-evolve/pkg/metalearn"
)

// pollInterval is the main loop's polling cadence.
const pollInterval = 5 * time.Second

// shutdownGrace is how long a worker gets to exit on its own SIGTERM
// before the pool escalates to SIGKILL.
const shutdownGrace = 10 * time.Second

// rateLimitExitCode and quotaExitCode are the candidate-processor exit
// codes that tell the dispatcher to back off entirely rather than keep
// spawning workers against an LLM provider that is currently refusing
// requests.
const (
	rateLimitExitCode = 2
	quotaExitCode     = 3
)

// rateLimitCooldown is how long the dispatcher waits after seeing a
// rate-limited or quota-exhausted worker before resuming.
const rateLimitCooldown = 5 * time.Minute

// minCompletedForIdeation is the default floor below which the
// dispatcher won't bother running meta-learning/ideation even once the
// pool is idle - not enough data yet to learn from.
const minCompletedForIdeation = 3

// Runner drives one evolution directory's dispatcher loop: spawning
// worker subprocesses against the ledger's pending rows, running
// periodic maintenance, and handing off to meta-learning and ideation
// once the pool runs dry. The ideation and meta-learning steps call
// straight into pkg/ideation and pkg/metalearn in the same process
// rather than shelling out to a sibling binary (see DESIGN.md decision
// #5).
type Runner struct {
	Ledger                  *ledger.Ledger
	Pool                    *WorkerPool
	Ideator                 *ideation.Ideator
	Analyzer                *metalearn.Analyzer
	AutoIdeate              bool
	MinCompletedForIdeation int
	Log                     Logger

	iteration int
}

func (r *Runner) logInfo(format string, args ...any) {
	if r.Log != nil {
		r.Log.Info(fmt.Sprintf(format, args...))
	}
}

func (r *Runner) logWarn(format string, args ...any) {
	if r.Log != nil {
		r.Log.Warn(fmt.Sprintf(format, args...))
	}
}

// Run executes the startup preamble and then the main loop until either
// the ledger has nothing left to do (success) or the context is
// canceled (e.g. by a caught SIGTERM/SIGINT). It returns the process
// exit code the CLI surface should use: 0 on a clean finish.
func (r *Runner) Run(ctx context.Context) (int, error) {
	if err := r.preamble(); err != nil {
		return 1, err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			r.logInfo("shutdown requested, terminating workers...")
			r.Pool.Shutdown(shutdownGrace)
			return 128 + signalNumber(ctx), nil
		default:
		}

		exitCodes := r.Pool.CleanupFinished()
		if containsAny(exitCodes, rateLimitExitCode, quotaExitCode) {
			r.logWarn("worker hit rate-limit/quota exhaustion, cooling down for %s", rateLimitCooldown)
			if !sleepOrDone(ctx, rateLimitCooldown) {
				r.Pool.Shutdown(shutdownGrace)
				return 128 + signalNumber(ctx), nil
			}
			if _, err := r.Ledger.ResetStuck(); err != nil {
				r.logWarn("reset stuck after cooldown: %v", err)
			}
			continue
		}

		r.iteration++
		if r.iteration%5 == 0 && r.Pool.ActiveCount() == 0 {
			if _, err := r.Ledger.ResetStuck(); err != nil {
				r.logWarn("periodic reset stuck: %v", err)
			}
		}

		stats, err := r.Ledger.Stats()
		if err != nil {
			return 1, err
		}

		if stats.Pending > 0 {
			r.spawnToCapacity(stats.Pending)
			if !sleepOrDone(ctx, pollInterval) {
				r.Pool.Shutdown(shutdownGrace)
				return 128 + signalNumber(ctx), nil
			}
			continue
		}

		if r.Pool.ActiveCount() > 0 {
			if !sleepOrDone(ctx, pollInterval) {
				r.Pool.Shutdown(shutdownGrace)
				return 128 + signalNumber(ctx), nil
			}
			continue
		}

		if _, err := r.Ledger.ResetStuck(); err != nil {
			r.logWarn("idle reset stuck: %v", err)
		}
		stats, err = r.Ledger.Stats()
		if err != nil {
			return 1, err
		}
		if stats.Pending > 0 {
			continue
		}

		minCompleted := r.MinCompletedForIdeation
		if minCompleted <= 0 {
			minCompleted = minCompletedForIdeation
		}

		if r.AutoIdeate && stats.Complete >= minCompleted {
			if err := r.runLearningCycle(ctx); err != nil {
				r.logWarn("ideation cycle failed: %v", err)
				if !sleepOrDone(ctx, 30*time.Second) {
					r.Pool.Shutdown(shutdownGrace)
					return 128 + signalNumber(ctx), nil
				}
			}
			continue
		}

		r.logInfo("evolution complete!")
		return 0, nil
	}
}

// preamble runs one-time housekeeping before the first poll: dedupe any
// duplicate ids, reset any stale running rows, repair corrupted status
// fields, and ensure a baseline candidate exists to compare everything
// else against.
func (r *Runner) preamble() error {
	if n, err := r.Ledger.RemoveDuplicates(); err != nil {
		return err
	} else if n > 0 {
		r.logInfo("removed %d duplicate ids", n)
	}

	if n, err := r.Ledger.ResetStuck(); err != nil {
		return err
	} else if n > 0 {
		r.logInfo("reset %d stuck candidates", n)
	}

	if n, err := r.Ledger.CleanupCorruptedStatus(); err != nil {
		return err
	} else if n > 0 {
		r.logInfo("cleaned up %d corrupted status fields", n)
	}

	created, err := r.Ledger.EnsureBaseline()
	if err != nil {
		return err
	}
	if created {
		r.logInfo("created baseline candidate")
	}
	return nil
}

// runLearningCycle processes every generation the ledger has finished
// but BRIEF-notes.md hasn't seen yet, then runs one ideation pass to
// replenish the pending queue.
func (r *Runner) runLearningCycle(ctx context.Context) error {
	if r.Analyzer != nil {
		if n, err := r.Analyzer.ProcessNewGenerations(ctx); err != nil {
			r.logWarn("meta-learning: %v", err)
		} else if n > 0 {
			r.logInfo("meta-learning processed %d generation(s)", n)
		}
	}

	if r.Ideator == nil {
		return nil
	}
	added, err := r.Ideator.Run(ctx)
	if err != nil {
		return err
	}
	r.logInfo("ideation added %d candidates", added)
	return nil
}

func (r *Runner) spawnToCapacity(pending int) {
	for pending > 0 && r.Pool.ActiveCount() < r.Pool.MaxWorkers {
		if _, ok := r.Pool.Spawn(); !ok {
			break
		}
		pending--
	}
}

func containsAny(haystack []int, needles ...int) bool {
	for _, h := range haystack {
		for _, n := range needles {
			if h == n {
				return true
			}
		}
	}
	return false
}

// sleepOrDone sleeps for d, or returns false early if ctx is canceled
// first.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// signalNumber reports the signal number to add to 128 for a
// Unix-style caught-signal exit code. signal.NotifyContext doesn't
// expose which of the registered signals actually fired, so this
// reports SIGTERM's number unconditionally: a SIGINT, or a cancellation
// of the caller's own context, also makes Run return 128+15.
func signalNumber(ctx context.Context) int {
	return int(syscall.SIGTERM)
}
