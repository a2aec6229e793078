// Command evolve-worker claims and processes pending ledger candidates
// one at a time, until either worker_max_candidates is reached or the
// ledger runs dry.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/willer/claude-evolve/pkg/candidate"
	"github.com/willer/claude-evolve/pkg/config"
	"github.com/willer/claude-evolve/pkg/evolog"
	"github.com/willer/claude-evolve/pkg/ledger"
	"github.com/willer/claude-evolve/pkg/llmgateway"
	"github.com/willer/claude-evolve/pkg/sandbox"
)

// terminalStatuses lists statuses a candidate must already be in to be
// left alone on shutdown; anything else gets bounced back to pending.
var terminalStatuses = map[string]bool{
	"complete":              true,
	"failed":                true,
	"failed-ai-retry":       true,
	"failed-parent-missing": true,
	"failed-validation":     true,
}

func main() {
	sandbox.MaybeRunReexecChild()

	configPath := flag.String("config", "", "Path to config.yaml")
	timeoutSeconds := flag.Int("timeout", 0, "Per-candidate timeout in seconds (overrides config)")
	flag.Parse()

	log := evolog.Default("WORKER")

	if *configPath == "" {
		if env := os.Getenv("CLAUDE_EVOLVE_CONFIG"); env != "" {
			*configPath = env
		}
	}
	if err := godotenv.Load(filepath.Join(filepath.Dir(*configPath), ".env")); err != nil {
		log.Debug("no .env file loaded: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load config: %v", err)
		os.Exit(1)
	}
	if *timeoutSeconds > 0 {
		cfg.TimeoutSeconds = *timeoutSeconds
	}

	lockTimeout := cfg.Parallel.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = 10 * time.Second
	}
	l := ledger.New(cfg.CSVFile, lockTimeout)
	l.SetLogger(log)

	runner := llmgateway.NewCLIModelRunner("ai-cli.sh")
	gw := llmgateway.New(runner)
	gw.Log = log

	processor := candidate.New(candidate.Config{
		EvolutionDir:  cfg.Dir,
		OutputDir:     cfg.OutputDir,
		AlgorithmFile: cfg.AlgorithmFile,
		EvaluatorFile: cfg.EvaluatorFile,
		PythonCmd:     cfg.PythonCmd,

		MemoryLimitMB: cfg.MemoryLimitMB,
		Timeout:       time.Duration(cfg.TimeoutSeconds) * time.Second,

		MaxValidationRetries: cfg.MaxValidationRetries,
		RunModels:            cfg.LLM.RunModels,
		Backoff: llmgateway.BackoffOptions{
			MaxRounds:   cfg.Ideation.MaxRounds,
			InitialWait: cfg.Ideation.InitialWait,
			MaxWait:     cfg.Ideation.MaxWait,
		},
	}, l, gw, log)

	w := &worker{ledger: l, processor: processor, log: log, maxCandidates: cfg.WorkerMaxCandidates}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.watchForShutdown(sigCh, cancel)

	os.Exit(w.run(ctx))
}

// worker tracks the candidate currently being processed so a caught
// signal can revert it to pending before the process exits.
type worker struct {
	ledger        *ledger.Ledger
	processor     *candidate.Processor
	log           *evolog.Logger
	maxCandidates int

	currentID string
}

// watchForShutdown blocks until a signal arrives on sigCh, cancels the
// worker loop, reverts the in-flight candidate (if any, and not already
// terminal) to pending and exits with 128+signum.
func (w *worker) watchForShutdown(sigCh <-chan os.Signal, cancel context.CancelFunc) {
	sig := <-sigCh
	cancel()
	w.log.Info("received shutdown signal")

	if w.currentID != "" {
		info, err := w.ledger.GetCandidateInfo(w.currentID)
		status := ""
		if err == nil {
			status = info.Status
		}
		if !terminalStatuses[status] {
			w.log.Info("resetting %s to pending", w.currentID)
			if err := w.ledger.SetStatus(w.currentID, "pending"); err != nil {
				w.log.Error("failed to reset status: %v", err)
			}
		}
	}

	code := 128 + int(syscall.SIGTERM)
	if s, ok := sig.(syscall.Signal); ok {
		code = 128 + int(s)
	}
	os.Exit(code)
}

func (w *worker) run(ctx context.Context) int {
	maxCandidates := w.maxCandidates
	if maxCandidates <= 0 {
		maxCandidates = 5
	}
	w.log.Info("started (max %d candidates)", maxCandidates)

	processed := 0
	for processed < maxCandidates {
		if ctx.Err() != nil {
			return 0
		}

		id, _, err := w.ledger.ClaimNextPending()
		if err != nil {
			w.log.Info("no pending candidates")
			break
		}

		c, err := w.ledger.GetCandidateInfo(id)
		if err != nil {
			w.log.Warn("candidate info not found: %s", id)
			continue
		}

		w.currentID = id
		exitCode := w.processor.Process(ctx, c)
		w.currentID = ""
		processed++

		switch exitCode {
		case candidate.ExitAIFailed:
			_ = w.ledger.SetStatus(id, "failed-ai-retry")
		case candidate.ExitRateLimited:
			return candidate.ExitRateLimited
		case candidate.ExitQuotaExhausted:
			return candidate.ExitQuotaExhausted
		}

		w.log.Info("processed %d/%d", processed, maxCandidates)
	}

	w.log.Info("exiting")
	return 0
}
