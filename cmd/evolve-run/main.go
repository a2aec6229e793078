// Command evolve-run is the dispatcher: it spawns evolve-worker
// subprocesses against the pending rows of the ledger, reaps them,
// runs periodic maintenance, and hands off to meta-learning and
// ideation once the pool runs dry.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/willer/claude-evolve/pkg/bandit"
	"github.com/willer/claude-evolve/pkg/config"
	"github.com/willer/claude-evolve/pkg/dispatch"
	"github.com/willer/claude-evolve/pkg/embedcache"
	"github.com/willer/claude-evolve/pkg/evolog"
	"github.com/willer/claude-evolve/pkg/ideation"
	"github.com/willer/claude-evolve/pkg/ledger"
	"github.com/willer/claude-evolve/pkg/llmgateway"
	"github.com/willer/claude-evolve/pkg/metalearn"
	"github.com/willer/claude-evolve/pkg/sandbox"
)

func main() {
	sandbox.MaybeRunReexecChild()

	configPath := flag.String("config", "", "Path to config.yaml")
	parallel := flag.Int("parallel", 0, "Number of concurrent workers (overrides config)")
	sequential := flag.Bool("sequential", false, "Run one worker at a time")
	timeoutSeconds := flag.Int("timeout", 0, "Per-candidate timeout in seconds (overrides config)")
	flag.Parse()

	log := evolog.Default("RUN")

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

	maxWorkers := cfg.Parallel.MaxWorkers
	if *sequential {
		maxWorkers = 1
	} else if *parallel > 0 {
		maxWorkers = *parallel
	}
	if maxWorkers <= 0 {
		maxWorkers = 1
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

	if cfg.LLM.Bandit.Enabled {
		b := bandit.New(cfg.LLM.RunModels, cfg.LLM.Bandit.ExplorationC, cfg.LLM.Bandit.Epsilon,
			cfg.LLM.Bandit.DecayFactor, cfg.LLM.Bandit.FailurePenalty, cfg.LLM.Bandit.StateFile)
		b.SetLogger(log)
		gw.Selector = b
	}

	var cache *embedcache.Cache
	if cfg.Novelty.Enabled {
		cache = embedcache.New()
		if err := cache.SetCacheFile(filepath.Join(cfg.Dir, "embedding_cache.json")); err != nil {
			log.Warn("failed to load embedding cache: %v", err)
		}
	}

	models := cfg.LLM.IdeateModels
	if len(models) == 0 {
		models = cfg.LLM.RunModels
	}
	ideator := ideation.New(cfg.Ideation, cfg.Novelty, l, gw, cache, models, cfg.Dir, cfg.BriefFile, log)

	var analyzer *metalearn.Analyzer
	if cfg.MetaLearning {
		analyzer = &metalearn.Analyzer{
			Ledger:       l,
			Gateway:      gw,
			Models:       models,
			EvolutionDir: cfg.Dir,
			BriefPath:    cfg.BriefFile,
			Log:          log,
		}
	}

	workerArgs := []string{"--config", resolvedConfigPath(*configPath, cfg)}
	if cfg.TimeoutSeconds > 0 {
		workerArgs = append(workerArgs, "--timeout", fmt.Sprintf("%d", cfg.TimeoutSeconds))
	}
	pool := dispatch.NewWorkerPool(maxWorkers, workerCommand(), workerArgs, log)

	r := &dispatch.Runner{
		Ledger:                  l,
		Pool:                    pool,
		Ideator:                 ideator,
		Analyzer:                analyzer,
		AutoIdeate:              cfg.AutoIdeate,
		MinCompletedForIdeation: cfg.MinCompletedForIdeation,
		Log:                     log,
	}

	code, err := r.Run(context.Background())
	if err != nil {
		log.Error("dispatcher error: %v", err)
		if code == 0 {
			code = 1
		}
	}
	os.Exit(code)
}

// workerCommand locates the evolve-worker binary alongside this one,
// falling back to PATH resolution so a development build run from an
// arbitrary directory still works.
func workerCommand() string {
	exe, err := os.Executable()
	if err != nil {
		return "evolve-worker"
	}
	sibling := filepath.Join(filepath.Dir(exe), "evolve-worker")
	if _, err := os.Stat(sibling); err == nil {
		return sibling
	}
	return "evolve-worker"
}

// resolvedConfigPath returns the config path to forward to worker
// subprocesses: the explicit flag if one was given, otherwise the
// config.yaml that was actually resolved.
func resolvedConfigPath(explicit string, cfg *config.Config) string {
	if explicit != "" {
		return explicit
	}
	return filepath.Join(cfg.Dir, "config.yaml")
}
