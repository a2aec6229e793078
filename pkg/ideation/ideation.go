// Package ideation implements the idea-generation engine: a set of
// strategies that each stub out fresh pending rows in a scratch copy
// of the ledger, hand it to the model to fill in, and filter the
// result through an embedding novelty check before appending it to the
// real ledger.
package ideation

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/willer/claude-evolve/pkg/config"
	"github.com/willer/claude-evolve/pkg/embedcache"
	"github.com/willer/claude-evolve/pkg/ledger"
	"github.com/willer/claude-evolve/pkg/llmgateway"
)

// Logger is the minimal interface ideation needs, satisfied by
// *evolog.Logger.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Idea is one idea parsed back out of a strategy's scratch CSV edit.
type Idea struct {
	ID          string
	BasedOnID   string
	Description string
	Strategy    string
}

// Context carries the shared state every strategy's prompt draws on.
type Context struct {
	Generation           int
	TopPerformers        []ledger.Candidate
	BriefContent         string
	ExistingDescriptions []string
}

// Strategy is one of the four idea-generation approaches; it only needs
// to name itself, pick a default parent for its stub rows, and build its
// model prompt. The round-based retry/claim/parse machinery lives once
// in generate, shared by every strategy.
type Strategy interface {
	Name() string
	DefaultParent(ctx Context) string
	BuildPrompt(ctx Context, ids []string, tempCSVBasename string) string
}

// Ideator drives the full run: claim ids, run each configured strategy,
// filter for novelty, and append survivors to the ledger.
type Ideator struct {
	cfg      config.IdeationConfig
	novelty  config.NoveltyConfig
	ledger   *ledger.Ledger
	gateway  *llmgateway.Gateway
	cache    *embedcache.Cache
	models   []string
	backoff  llmgateway.BackoffOptions
	evolDir  string
	briefAbs string
	log      Logger

	strategies []strategyCount
}

type strategyCount struct {
	strategy Strategy
	count    int
}

// New constructs an Ideator. evolutionDir is the directory holding the
// ledger CSV and is where scratch temp-csv-<pid>-<uuid>.csv files are written;
// briefPath is the brief file read for prompt context.
func New(cfg config.IdeationConfig, novelty config.NoveltyConfig, l *ledger.Ledger, gw *llmgateway.Gateway, cache *embedcache.Cache, models []string, evolutionDir, briefPath string, log Logger) *Ideator {
	backoff := llmgateway.BackoffOptions{
		MaxRounds:   cfg.MaxRounds,
		InitialWait: cfg.InitialWait,
		MaxWait:     cfg.MaxWait,
	}

	id := &Ideator{
		cfg:      cfg,
		novelty:  novelty,
		ledger:   l,
		gateway:  gw,
		cache:    cache,
		models:   models,
		backoff:  backoff,
		evolDir:  evolutionDir,
		briefAbs: briefPath,
		log:      log,
	}

	id.strategies = []strategyCount{
		{&novelExplorationStrategy{}, cfg.NovelExploration},
		{&hillClimbingStrategy{}, cfg.HillClimbing},
		{&structuralMutationStrategy{}, cfg.StructuralMutation},
		{&crossoverStrategy{}, cfg.CrossoverHybrid},
	}

	return id
}

func (id *Ideator) logInfo(format string, args ...any) {
	if id.log != nil {
		id.log.Info(fmt.Sprintf(format, args...))
	}
}

func (id *Ideator) logWarn(format string, args ...any) {
	if id.log != nil {
		id.log.Warn(fmt.Sprintf(format, args...))
	}
}

// GetContext builds the shared Context every strategy's prompt reads
// from: the next generation number, the current elite set, every
// existing description (for novelty comparison), and the brief text.
func (id *Ideator) GetContext() (Context, error) {
	top, err := id.ledger.TopPerformers(id.cfg.NumElites, false)
	if err != nil {
		return Context{}, fmt.Errorf("top performers: %w", err)
	}
	descriptions, err := id.ledger.AllDescriptions()
	if err != nil {
		return Context{}, fmt.Errorf("all descriptions: %w", err)
	}
	highest, err := id.ledger.HighestGeneration()
	if err != nil {
		return Context{}, fmt.Errorf("highest generation: %w", err)
	}

	brief := ""
	if data, err := os.ReadFile(id.briefAbs); err == nil {
		brief = truncate(string(data), 1000)
	}

	return Context{
		Generation:           highest + 1,
		TopPerformers:        top,
		BriefContent:         brief,
		ExistingDescriptions: descriptions,
	}, nil
}

// CheckNovelty reports whether description is distinct enough from
// existing, failing open (novel=true) when the novelty check is
// disabled, has nothing to compare against, or the embedding fetch
// itself errors.
func (id *Ideator) CheckNovelty(ctx context.Context, description string, existing []string) (bool, float64) {
	if !id.novelty.Enabled || len(existing) == 0 || id.cache == nil {
		return true, 0
	}
	return id.cache.CheckNovelty(ctx, description, existing, id.novelty.Threshold)
}

// Run executes every configured strategy in turn, filters the combined
// result for novelty, appends survivors to the ledger, and returns the
// number of ideas actually added.
func (id *Ideator) Run(ctx context.Context) (int, error) {
	ideationCtx, err := id.GetContext()
	if err != nil {
		return 0, err
	}
	id.logInfo("starting generation %d", ideationCtx.Generation)
	id.logInfo("top performers: %d", len(ideationCtx.TopPerformers))

	var allIdeas []Idea
	var claimedIDs []string
	succeeded := 0
	attempted := 0

	for _, sc := range id.strategies {
		if sc.count <= 0 {
			continue
		}
		attempted++

		ideas, err := id.generate(ctx, sc.strategy, ideationCtx, sc.count, &claimedIDs)
		if err != nil {
			id.logWarn("%s strategy failed: %v", sc.strategy.Name(), err)
			continue
		}
		if len(ideas) == 0 {
			continue
		}
		succeeded++

		var novel []Idea
		for _, idea := range ideas {
			comparisonSet := append(append([]string{}, ideationCtx.ExistingDescriptions...), descriptionsOf(allIdeas)...)
			isNovel, sim := id.CheckNovelty(ctx, idea.Description, comparisonSet)
			if isNovel {
				novel = append(novel, idea)
				id.logInfo("accepted: %s (sim=%.2f%%)", idea.ID, sim*100)
			} else {
				id.logInfo("rejected (too similar %.2f%%): %s", sim*100, truncate(idea.Description, 50))
			}
		}
		allIdeas = append(allIdeas, novel...)
	}

	if len(allIdeas) > 0 {
		candidates := make([]ledger.Candidate, 0, len(allIdeas))
		for _, idea := range allIdeas {
			candidates = append(candidates, ledger.Candidate{
				ID:          idea.ID,
				BasedOnID:   idea.BasedOnID,
				Description: idea.Description,
				Status:      "pending",
				IdeaLLM:     idea.Strategy,
			})
		}
		added, err := id.ledger.Append(candidates)
		if err != nil {
			return 0, fmt.Errorf("append ideas: %w", err)
		}
		id.logInfo("added %d ideas to ledger", added)
	}

	id.logInfo("strategies succeeded: %d/%d", succeeded, attempted)
	id.logInfo("total ideas generated: %d", len(allIdeas))

	if id.novelty.Enabled && id.cache != nil {
		if err := id.cache.Save(); err != nil {
			id.logWarn("failed to save embedding cache: %v", err)
		}
	}

	return len(allIdeas), nil
}

// generate runs one strategy end to end: claim ids, stub a scratch CSV,
// prompt the model, and parse back whatever it filled in. ids are
// appended to claimedIDs immediately after being claimed, even if the
// model call subsequently fails, so no other strategy in this run can
// reuse them.
func (id *Ideator) generate(ctx context.Context, s Strategy, ideationCtx Context, count int, claimedIDs *[]string) ([]Idea, error) {
	if count <= 0 {
		return nil, nil
	}

	id.logInfo("running %s strategy for %d ideas", s.Name(), count)

	ids, err := id.ledger.NextIDs(ideationCtx.Generation, count, *claimedIDs)
	if err != nil {
		return nil, fmt.Errorf("next ids: %w", err)
	}
	id.logInfo("using ids: %s", strings.Join(ids, ", "))
	*claimedIDs = append(*claimedIDs, ids...)

	tempPath, err := id.writeScratchCSV(ideationCtx, s, ids)
	if err != nil {
		return nil, fmt.Errorf("write scratch csv: %w", err)
	}
	defer os.Remove(tempPath)

	prompt := s.BuildPrompt(ideationCtx, ids, filepath.Base(tempPath))

	_, model, err := id.gateway.InvokeWithBackoff(ctx, prompt, id.models, id.evolDir, nil, id.backoff)
	if err != nil {
		return nil, fmt.Errorf("invoke: %w", err)
	}

	ideas, err := parseScratchCSV(tempPath, ids)
	if err != nil {
		return nil, fmt.Errorf("parse scratch csv: %w", err)
	}
	if len(ideas) == 0 {
		id.logWarn("model completed but no ideas parsed from output")
		return nil, nil
	}

	for i := range ideas {
		ideas[i].Strategy = fmt.Sprintf("%s (%s)", s.Name(), model)
	}
	return ideas, nil
}

// writeScratchCSV copies the real ledger CSV into a PID+uuid-suffixed
// scratch file alongside it (temp-csv-<pid>-<uuid>.csv) and appends one
// pending stub row per claimed id with a PLACEHOLDER description.
func (id *Ideator) writeScratchCSV(ctx Context, s Strategy, ids []string) (string, error) {
	source, err := id.ledger.ReadRawCSV()
	if err != nil {
		return "", err
	}

	name := fmt.Sprintf("temp-csv-%d-%s.csv", os.Getpid(), uuid.NewString())
	path := filepath.Join(id.evolDir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := f.Write(source); err != nil {
		return "", err
	}
	if len(source) > 0 && source[len(source)-1] != '\n' {
		if _, err := f.WriteString("\n"); err != nil {
			return "", err
		}
	}

	parent := s.DefaultParent(ctx)
	for _, id := range ids {
		line := fmt.Sprintf("%s,%s,\"[PLACEHOLDER: Replace with algorithmic idea]\",,pending\n", id, parent)
		if _, err := f.WriteString(line); err != nil {
			return "", err
		}
	}
	return path, nil
}

// parseScratchCSV reads back a strategy's edited scratch CSV and returns
// an Idea for every expected id whose description no longer contains
// the PLACEHOLDER marker.
func parseScratchCSV(path string, expected []string) ([]Idea, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	wanted := make(map[string]bool, len(expected))
	for _, id := range expected {
		wanted[id] = true
	}

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var ideas []Idea
	for {
		row, err := r.Read()
		if err != nil {
			break
		}
		if len(row) < 3 {
			continue
		}
		id := strings.Trim(strings.TrimSpace(row[0]), `"`)
		if !wanted[id] {
			continue
		}
		basedOn := ""
		if len(row) > 1 {
			basedOn = strings.TrimSpace(row[1])
		}
		description := strings.Trim(strings.TrimSpace(row[2]), `"`)
		if description == "" || strings.Contains(description, "PLACEHOLDER") {
			continue
		}
		ideas = append(ideas, Idea{ID: id, BasedOnID: basedOn, Description: description})
	}
	return ideas, nil
}

func descriptionsOf(ideas []Idea) []string {
	out := make([]string, len(ideas))
	for i, idea := range ideas {
		out[i] = idea.Description
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func topPerformersList(top []ledger.Candidate, n int) []ledger.Candidate {
	if len(top) > n {
		return top[:n]
	}
	return top
}

func idList(top []ledger.Candidate) []string {
	ids := make([]string, len(top))
	for i, c := range top {
		ids[i] = c.ID
	}
	return ids
}

func formatScore(perf string) string {
	f, err := strconv.ParseFloat(strings.TrimSpace(perf), 64)
	if err != nil {
		return perf
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
