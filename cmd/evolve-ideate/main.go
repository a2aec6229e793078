// Command evolve-ideate runs one standalone Ideation Engine pass against
// an evolution directory's ledger, for manual or scripted invocation
// outside the dispatcher's automatic trigger (see DESIGN.md's Open
// Question decisions for why the dispatcher calls pkg/ideation directly
// instead of shelling out to this binary).
package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/willer/claude-evolve/pkg/config"
	"github.com/willer/claude-evolve/pkg/embedcache"
	"github.com/willer/claude-evolve/pkg/evolog"
	"github.com/willer/claude-evolve/pkg/ideation"
	"github.com/willer/claude-evolve/pkg/ledger"
	"github.com/willer/claude-evolve/pkg/llmgateway"
	"github.com/willer/claude-evolve/pkg/sandbox"
)

func main() {
	sandbox.MaybeRunReexecChild()

	configPath := flag.String("config", "", "Path to config.yaml")
	flag.Parse()

	log := evolog.Default("IDEATE")

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

	added, err := ideator.Run(context.Background())
	if err != nil {
		log.Error("ideation failed: %v", err)
		os.Exit(1)
	}
	log.Info("added %d ideas", added)
}
