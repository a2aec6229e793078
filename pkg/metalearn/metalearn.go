// Package metalearn implements the per-generation learnings loop: once
// a generation's candidates finish, analyze which ones improved over
// their parent, ask the model for a short summary of what worked and
// what didn't, and accumulate that into BRIEF-notes.md for future
// ideation rounds to read.
package metalearn

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/willer/claude-evolve/pkg/ledger"
	"github.com/willer/claude-evolve/pkg/llmgateway"
)

// Logger is the minimal interface metalearn needs, satisfied by
// *evolog.Logger.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// AlgorithmOutcome is one candidate's recorded result within a
// generation, with its improvement over its parent (or, for a row that
// never reached "complete", its improvement relative to nothing at
// all).
type AlgorithmOutcome struct {
	ID          string
	Description string
	Performance float64
	HasScore    bool
	ParentID    string
	ParentScore float64
	Improvement float64
	Status      string
}

// GenerationSummary is the analyzed outcome of one generation.
type GenerationSummary struct {
	Generation       int
	TotalAlgorithms  int
	Successful       int
	Failed           int
	BestImprovement  float64
	BestID           string
	BestDescription  string
	WorstImprovement float64
	WorstID          string
	Algorithms       []AlgorithmOutcome
}

// Analyzer drives analysis, note generation, and BRIEF-notes.md upkeep
// for one evolution directory.
type Analyzer struct {
	Ledger       *ledger.Ledger
	Gateway      *llmgateway.Gateway
	Models       []string
	EvolutionDir string
	BriefPath    string
	Log          Logger
}

func (a *Analyzer) logInfo(format string, args ...any) {
	if a.Log != nil {
		a.Log.Info(fmt.Sprintf(format, args...))
	}
}

func (a *Analyzer) logWarn(format string, args ...any) {
	if a.Log != nil {
		a.Log.Warn(fmt.Sprintf(format, args...))
	}
}

// Analyze summarizes generation gen's outcomes. It defers ("not ready")
// while any row for that generation is still pending or running. Once
// ready, it counts every non-"complete" row as a failure (its
// improvement recorded as minus the parent's score) rather than
// excluding it - see DESIGN.md decision #4.
func (a *Analyzer) Analyze(gen int) (*GenerationSummary, error) {
	rows, err := a.Ledger.CandidatesByGeneration(gen)
	if err != nil {
		return nil, fmt.Errorf("load generation %d: %w", gen, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	for _, row := range rows {
		if isOutstanding(row.Status) {
			a.logInfo("generation %d still has outstanding candidates", gen)
			return nil, nil
		}
	}

	var algorithms []AlgorithmOutcome
	for _, row := range rows {
		status := strings.ToLower(strings.TrimSpace(row.Status))
		outcome := AlgorithmOutcome{
			ID:          row.ID,
			Description: row.Description,
			ParentID:    row.BasedOnID,
			Status:      status,
		}

		if row.BasedOnID != "" {
			if parent, err := a.Ledger.GetCandidateInfo(row.BasedOnID); err == nil {
				if score, err := parent.ParsedPerformance(); err == nil {
					outcome.ParentScore = score
				}
			}
		}

		if status == "complete" {
			score, err := row.ParsedPerformance()
			if err != nil {
				continue
			}
			outcome.Performance = score
			outcome.HasScore = true
			outcome.Improvement = score - outcome.ParentScore
		} else {
			// Broader failure definition (DESIGN.md decision #4): any
			// non-complete terminal row counts as a failure even though
			// it has no recorded performance to compare.
			outcome.Improvement = -outcome.ParentScore
		}

		algorithms = append(algorithms, outcome)
	}

	if len(algorithms) == 0 {
		return nil, nil
	}

	sort.SliceStable(algorithms, func(i, j int) bool { return algorithms[i].Improvement > algorithms[j].Improvement })

	successful := 0
	for _, outcome := range algorithms {
		if outcome.HasScore && outcome.Improvement > 0 {
			successful++
		}
	}

	best := algorithms[0]
	worst := algorithms[len(algorithms)-1]

	return &GenerationSummary{
		Generation:       gen,
		TotalAlgorithms:  len(algorithms),
		Successful:       successful,
		Failed:           len(algorithms) - successful,
		BestImprovement:  best.Improvement,
		BestID:           best.ID,
		BestDescription:  best.Description,
		WorstImprovement: worst.Improvement,
		WorstID:          worst.ID,
		Algorithms:       algorithms,
	}, nil
}

// notesBackoff is a smaller, faster budget than the main ideation/run
// backoff since this is a best-effort summary, not a required step.
func notesBackoff() llmgateway.BackoffOptions {
	return llmgateway.BackoffOptions{MaxRounds: 3, InitialWait: 30 * time.Second, MaxWait: 120 * time.Second}
}

// GenerateNotes asks the model for 2-4 bullet points summarizing what
// worked and what didn't in summary, falling back to a plain mechanical
// summary if the model call fails entirely.
func (a *Analyzer) GenerateNotes(ctx context.Context, summary *GenerationSummary, briefContent string) string {
	prompt := buildNotesPrompt(summary, briefContent)

	output, _, err := a.Gateway.InvokeWithBackoff(ctx, prompt, a.Models, a.EvolutionDir, nil, notesBackoff())
	if err != nil {
		a.logWarn("failed to generate notes: %v", err)
		return fallbackNotes(summary)
	}

	var bullets []string
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* ") {
			bullets = append(bullets, line)
		}
	}
	if len(bullets) > 0 {
		return strings.Join(bullets, "\n")
	}

	trimmed := strings.TrimSpace(output)
	if len(trimmed) > 500 {
		trimmed = trimmed[:500]
	}
	return trimmed
}

func fallbackNotes(summary *GenerationSummary) string {
	desc := summary.BestDescription
	if len(desc) > 100 {
		desc = desc[:100]
	}
	return fmt.Sprintf("- Best performer: %s with improvement %+.4f\n- Success rate: %d/%d algorithms improved\n- Top approach: %s",
		summary.BestID, summary.BestImprovement, summary.Successful, summary.TotalAlgorithms, desc)
}

func buildNotesPrompt(summary *GenerationSummary, briefContent string) string {
	var algoLines []string
	for i, a := range summary.Algorithms {
		if i >= 10 {
			break
		}
		status := "regressed"
		if a.Improvement > 0 {
			status = "improved"
		}
		desc := a.Description
		if len(desc) > 100 {
			desc = desc[:100]
		}
		algoLines = append(algoLines, fmt.Sprintf("- %s: %s... (improvement: %+.4f, %s)", a.ID, desc, a.Improvement, status))
	}

	brief := briefContent
	if len(brief) > 1000 {
		brief = brief[:1000]
	}

	return fmt.Sprintf(`Analyze the results of generation %d and provide brief learnings.

## Problem Context (from BRIEF.md)
%s

## Generation %d Results
- Total algorithms: %d
- Improved over parent: %d
- Regressed from parent: %d
- Best improvement: %+.4f (%s)
- Worst: %+.4f (%s)

## Algorithm Details
%s

## Your Task
Write 2-4 bullet points summarizing:
1. What approaches WORKED (led to improvement)
2. What approaches FAILED (led to regression)
3. Any patterns you notice

Be specific about the algorithmic techniques, not just generic observations.
Format your response as markdown bullet points starting with "- ".
Keep it concise - this will be appended to accumulated notes.
`, summary.Generation, brief, summary.Generation, summary.TotalAlgorithms, summary.Successful, summary.Failed,
		summary.BestImprovement, summary.BestID, summary.WorstImprovement, summary.WorstID, strings.Join(algoLines, "\n"))
}

// UpdateBriefNotes appends a timestamped generation section to
// BRIEF-notes.md, creating the file (with its header) if absent.
func (a *Analyzer) UpdateBriefNotes(gen int, notes string) error {
	notesPath := filepath.Join(a.EvolutionDir, "BRIEF-notes.md")

	existing := ""
	if data, err := os.ReadFile(notesPath); err == nil {
		existing = string(data)
	}
	if strings.TrimSpace(existing) == "" {
		existing = "# Evolution Notes\n\nAccumulated learnings from evolution generations.\n"
	}

	header := fmt.Sprintf("\n## Generation %d (%s)\n\n", gen, time.Now().Format("2006-01-02 15:04"))
	content := strings.TrimRight(existing, "\n") + "\n" + header + notes + "\n"

	if err := os.WriteFile(notesPath, []byte(content), 0o644); err != nil {
		a.logWarn("failed to update BRIEF-notes.md: %v", err)
		return err
	}
	a.logInfo("updated BRIEF-notes.md with generation %d learnings", gen)
	return nil
}

// isOutstanding reports whether status means the row hasn't reached a
// terminal state yet: "running", or anything pkg/ledger's pending
// predicate would claim (empty, "pending", or "failed-retryN"). A
// generation isn't ready to analyze while any of its rows are
// outstanding.
func isOutstanding(status string) bool {
	n := strings.ToLower(strings.TrimSpace(status))
	if n == "" || n == "pending" || n == "running" || strings.HasPrefix(n, "pending ") {
		return true
	}
	return strings.HasPrefix(n, "failed-retry")
}

var generationHeaderRe = regexp.MustCompile(`## Generation (\d+)`)

// GetLastProcessedGeneration returns the highest generation number with
// a section header already in BRIEF-notes.md, or 0 if the file is
// absent or empty.
func (a *Analyzer) GetLastProcessedGeneration() int {
	data, err := os.ReadFile(filepath.Join(a.EvolutionDir, "BRIEF-notes.md"))
	if err != nil {
		return 0
	}

	highest := 0
	for _, match := range generationHeaderRe.FindAllStringSubmatch(string(data), -1) {
		var n int
		if _, err := fmt.Sscanf(match[1], "%d", &n); err == nil && n > highest {
			highest = n
		}
	}
	return highest
}

// ProcessGeneration analyzes gen and, if ready, generates and appends
// notes for it. Returns false (without error) when the generation isn't
// ready to analyze yet.
func (a *Analyzer) ProcessGeneration(ctx context.Context, gen int) (bool, error) {
	a.logInfo("analyzing generation %d...", gen)

	summary, err := a.Analyze(gen)
	if err != nil {
		return false, err
	}
	if summary == nil {
		a.logInfo("generation %d not complete or no data", gen)
		return false, nil
	}
	a.logInfo("generation %d: %d/%d improved", gen, summary.Successful, summary.TotalAlgorithms)

	briefContent := ""
	if data, err := os.ReadFile(a.BriefPath); err == nil {
		briefContent = string(data)
	}

	notes := a.GenerateNotes(ctx, summary, briefContent)
	if err := a.UpdateBriefNotes(gen, notes); err != nil {
		return false, err
	}
	return true, nil
}

// ProcessNewGenerations processes every generation after the last one
// recorded in BRIEF-notes.md, up through the ledger's current highest
// generation. Returns how many generations were actually processed.
func (a *Analyzer) ProcessNewGenerations(ctx context.Context) (int, error) {
	highestGen, err := a.Ledger.HighestGeneration()
	if err != nil {
		return 0, fmt.Errorf("highest generation: %w", err)
	}

	lastProcessed := a.GetLastProcessedGeneration()

	processed := 0
	for gen := lastProcessed + 1; gen <= highestGen; gen++ {
		ok, err := a.ProcessGeneration(ctx, gen)
		if err != nil {
			return processed, err
		}
		if ok {
			processed++
		}
	}
	return processed, nil
}
