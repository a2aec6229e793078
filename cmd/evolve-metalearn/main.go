// Command evolve-metalearn processes every evolution generation the
// ledger has finished but BRIEF-notes.md hasn't recorded yet, for
// manual or scripted invocation outside the dispatcher's automatic
// trigger (see DESIGN.md's Open Question decisions).
package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/willer/claude-evolve/pkg/config"
	"github.com/willer/claude-evolve/pkg/evolog"
	"github.com/willer/claude-evolve/pkg/ledger"
	"github.com/willer/claude-evolve/pkg/llmgateway"
	"github.com/willer/claude-evolve/pkg/metalearn"
	"github.com/willer/claude-evolve/pkg/sandbox"
)

func main() {
	sandbox.MaybeRunReexecChild()

	configPath := flag.String("config", "", "Path to config.yaml")
	generation := flag.Int("generation", 0, "Process only this generation (0 = all new generations)")
	flag.Parse()

	log := evolog.Default("METALEARN")

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

	lockTimeout := cfg.Parallel.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = 10 * time.Second
	}
	l := ledger.New(cfg.CSVFile, lockTimeout)
	l.SetLogger(log)

	runner := llmgateway.NewCLIModelRunner("ai-cli.sh")
	gw := llmgateway.New(runner)
	gw.Log = log

	models := cfg.LLM.IdeateModels
	if len(models) == 0 {
		models = cfg.LLM.RunModels
	}

	analyzer := &metalearn.Analyzer{
		Ledger:       l,
		Gateway:      gw,
		Models:       models,
		EvolutionDir: cfg.Dir,
		BriefPath:    cfg.BriefFile,
		Log:          log,
	}

	ctx := context.Background()

	if *generation > 0 {
		ok, err := analyzer.ProcessGeneration(ctx, *generation)
		if err != nil {
			log.Error("meta-learning failed: %v", err)
			os.Exit(1)
		}
		if !ok {
			log.Info("generation %d not ready", *generation)
		}
		return
	}

	processed, err := analyzer.ProcessNewGenerations(ctx)
	if err != nil {
		log.Error("meta-learning failed: %v", err)
		os.Exit(1)
	}
	log.Info("processed %d generation(s)", processed)
}
