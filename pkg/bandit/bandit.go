// Package bandit implements an optional UCB1 model selector. It tracks
// the improvement each model produces (child score minus parent score)
// rather than absolute scores, so it normalizes across problems of
// different difficulty, and exposes an Order method so it can be
// dropped in as an llmgateway.ModelSelector without the gateway's
// round-based retry loop needing to change.
package bandit

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ModelStats tracks one model's track record.
type ModelStats struct {
	Name             string  `json:"-"`
	NCompleted       int     `json:"n_completed"`
	NSubmitted       int     `json:"n_submitted"`
	TotalImprovement float64 `json:"total_improvement"`
}

// MeanImprovement is the average (child_score - parent_score) over
// every completion recorded for this model.
func (s ModelStats) MeanImprovement() float64 {
	if s.NCompleted == 0 {
		return 0
	}
	return s.TotalImprovement / float64(s.NCompleted)
}

// Logger is the minimal interface the bandit needs, satisfied by
// *evolog.Logger.
type Logger interface {
	Info(msg string, args ...any)
}

// Bandit is a UCB1-based model selector: UCB = mean_improvement +
// c*sqrt(2*ln(N)/n_i), with epsilon-greedy random exploration and decay
// to bound the influence of old observations.
type Bandit struct {
	ExplorationCoef float64
	Epsilon         float64
	DecayFactor     float64
	FailurePenalty  float64
	StateFile       string

	log Logger

	mu       sync.Mutex
	models   map[string]*ModelStats
	order    []string // insertion order, for deterministic iteration
	baseline float64
}

// New constructs a Bandit tracking modelNames, loading persisted state
// from stateFile if it already exists.
func New(modelNames []string, explorationCoef, epsilon, decayFactor, failurePenalty float64, stateFile string) *Bandit {
	b := &Bandit{
		ExplorationCoef: explorationCoef,
		Epsilon:         epsilon,
		DecayFactor:     decayFactor,
		FailurePenalty:  failurePenalty,
		StateFile:       stateFile,
		models:          map[string]*ModelStats{},
	}
	for _, name := range modelNames {
		b.ensureModel(name)
	}
	if stateFile != "" {
		if _, err := os.Stat(stateFile); err == nil {
			_ = b.Load()
		}
	}
	return b
}

func (b *Bandit) SetLogger(log Logger) { b.log = log }

func (b *Bandit) logInfo(format string, args ...any) {
	if b.log != nil {
		b.log.Info(fmt.Sprintf(format, args...))
	}
}

// SetBaseline records the baseline score used to compute improvement
// when a candidate has no parent.
func (b *Bandit) SetBaseline(score float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.baseline = score
}

func (b *Bandit) ensureModel(name string) *ModelStats {
	if s, ok := b.models[name]; ok {
		return s
	}
	s := &ModelStats{Name: name}
	b.models[name] = s
	b.order = append(b.order, name)
	return s
}

// TotalCompletions sums NCompleted across every tracked model.
func (b *Bandit) TotalCompletions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalCompletionsLocked()
}

func (b *Bandit) totalCompletionsLocked() int {
	total := 0
	for _, s := range b.models {
		total += s.NCompleted
	}
	return total
}

func (b *Bandit) ucbScoreLocked(s *ModelStats) float64 {
	nTotal := b.totalCompletionsLocked()
	if nTotal < 1 {
		nTotal = 1
	}
	nModel := s.NCompleted
	if nModel < 1 {
		nModel = 1
	}
	exploration := b.ExplorationCoef * math.Sqrt(2*math.Log(float64(nTotal))/float64(nModel))
	return s.MeanImprovement() + exploration
}

// Select picks one model via epsilon-greedy UCB1: untried models are
// preferred outright, then a random exploration roll, else the
// highest-UCB model.
func (b *Bandit) Select(available []string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(available) == 0 {
		available = append([]string{}, b.order...)
	}
	for _, m := range available {
		b.ensureModel(m)
	}

	var unused []string
	for _, m := range available {
		if b.models[m].NCompleted == 0 {
			unused = append(unused, m)
		}
	}

	var selected string
	switch {
	case len(unused) > 0:
		selected = unused[rand.Intn(len(unused))]
		b.logInfo("UCB: selected untried model %s", selected)
	case rand.Float64() < b.Epsilon:
		selected = available[rand.Intn(len(available))]
		b.logInfo("exploration: randomly selected %s", selected)
	default:
		best := available[0]
		bestScore := b.ucbScoreLocked(b.models[best])
		for _, m := range available[1:] {
			if score := b.ucbScoreLocked(b.models[m]); score > bestScore {
				best, bestScore = m, score
			}
		}
		selected = best
		b.logInfo("UCB: selected %s (score=%.4f)", selected, bestScore)
	}

	b.models[selected].NSubmitted++
	return selected
}

// Order satisfies llmgateway.ModelSelector: it returns the full pool in
// try-this-first order rather than a single pick, so the gateway's
// round loop still falls through to every model if the top choice
// fails this round. Untried models are shuffled to the front (mirroring
// Select's "always try something new first" rule), the rest ranked by
// descending UCB score. Once every model has been tried, an epsilon
// roll instead shuffles the whole pool for pure exploration.
func (b *Bandit) Order(models []string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, m := range models {
		b.ensureModel(m)
	}

	var unused, tried []string
	for _, m := range models {
		if b.models[m].NCompleted == 0 {
			unused = append(unused, m)
		} else {
			tried = append(tried, m)
		}
	}

	if len(unused) == 0 && rand.Float64() < b.Epsilon {
		shuffled := append([]string{}, models...)
		rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		return shuffled
	}

	rand.Shuffle(len(unused), func(i, j int) { unused[i], unused[j] = unused[j], unused[i] })
	sort.Slice(tried, func(i, j int) bool {
		return b.ucbScoreLocked(b.models[tried[i]]) > b.ucbScoreLocked(b.models[tried[j]])
	})

	return append(unused, tried...)
}

// Update records the outcome of one evaluation: childScore is nil on a
// failed candidate (counted as a fixed negative improvement); otherwise
// the improvement is childScore-parentScore, or childScore-baseline
// when parentScore is nil. Returns the improvement recorded, and
// persists state to StateFile if configured.
func (b *Bandit) Update(modelName string, childScore, parentScore *float64) float64 {
	b.mu.Lock()
	stats := b.ensureModel(modelName)

	var improvement float64
	if childScore == nil {
		improvement = b.FailurePenalty
		stats.NCompleted++
		stats.TotalImprovement += improvement
		b.logInfo("update %s: failed (imp=%.4f)", modelName, improvement)
	} else {
		if parentScore != nil {
			improvement = *childScore - *parentScore
		} else {
			improvement = *childScore - b.baseline
		}
		stats.NCompleted++
		stats.TotalImprovement += improvement
		b.logInfo("update %s: imp=%.4f, mean=%.4f", modelName, improvement, stats.MeanImprovement())
	}

	b.applyDecayLocked()
	b.mu.Unlock()

	_ = b.Save()
	return improvement
}

func (b *Bandit) applyDecayLocked() {
	for _, s := range b.models {
		s.TotalImprovement *= b.DecayFactor
		if s.NCompleted > 1 {
			decayed := int(float64(s.NCompleted) * b.DecayFactor)
			if decayed < 1 {
				decayed = 1
			}
			s.NCompleted = decayed
		}
	}
}

type persistedState struct {
	ExplorationCoef float64               `json:"exploration_coef"`
	Epsilon         float64               `json:"epsilon"`
	DecayFactor     float64               `json:"decay_factor"`
	BaselineScore   float64               `json:"baseline_score"`
	Models          map[string]ModelStats `json:"models"`
	UpdatedAt       string                `json:"updated_at"`
}

// Save persists bandit state to StateFile as JSON, creating parent
// directories as needed. A no-op when StateFile is empty.
func (b *Bandit) Save() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.StateFile == "" {
		return nil
	}

	modelsOut := make(map[string]ModelStats, len(b.models))
	for name, s := range b.models {
		modelsOut[name] = *s
	}
	state := persistedState{
		ExplorationCoef: b.ExplorationCoef,
		Epsilon:         b.Epsilon,
		DecayFactor:     b.DecayFactor,
		BaselineScore:   b.baseline,
		Models:          modelsOut,
		UpdatedAt:       time.Now().Format(time.RFC3339),
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal bandit state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(b.StateFile), 0o755); err != nil {
		return fmt.Errorf("create bandit state dir: %w", err)
	}
	return os.WriteFile(b.StateFile, data, 0o644)
}

// Load reads bandit state from StateFile, merging into any
// already-tracked models.
func (b *Bandit) Load() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.StateFile == "" {
		return nil
	}

	data, err := os.ReadFile(b.StateFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read bandit state: %w", err)
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("decode bandit state: %w", err)
	}

	b.ExplorationCoef = state.ExplorationCoef
	b.Epsilon = state.Epsilon
	b.DecayFactor = state.DecayFactor
	b.baseline = state.BaselineScore

	for name, loaded := range state.Models {
		s := b.ensureModel(name)
		s.NCompleted = loaded.NCompleted
		s.NSubmitted = loaded.NSubmitted
		s.TotalImprovement = loaded.TotalImprovement
	}

	return nil
}
