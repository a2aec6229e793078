package config

import "time"

// Config is the fully-resolved configuration for a claude-evolve run.
// Every field is optional in config.yaml; Load fills in defaults for
// anything the user's file omits.
type Config struct {
	// Dir is the directory the config file was loaded from. Every
	// relative path below is resolved against it.
	Dir string `yaml:"-"`

	CSVFile       string `yaml:"csv_file"`
	BriefFile     string `yaml:"brief_file"`
	AlgorithmFile string `yaml:"algorithm_file"`
	EvaluatorFile string `yaml:"evaluator_file"`
	OutputDir     string `yaml:"output_dir"`
	PythonCmd     string `yaml:"python_cmd"`

	MemoryLimitMB        int `yaml:"memory_limit_mb"`
	TimeoutSeconds       int `yaml:"timeout_seconds"`
	WorkerMaxCandidates  int `yaml:"worker_max_candidates"`
	MaxValidationRetries int `yaml:"max_validation_retries"`

	AutoIdeate              bool `yaml:"auto_ideate"`
	MetaLearning            bool `yaml:"meta_learning"`
	MinCompletedForIdeation int  `yaml:"min_completed_for_ideation"`

	Parallel ParallelConfig `yaml:"parallel"`
	Ideation IdeationConfig `yaml:"ideation"`
	Novelty  NoveltyConfig  `yaml:"novelty"`
	LLM      LLMConfig      `yaml:"llm"`
}

// ParallelConfig controls the dispatcher's worker pool.
type ParallelConfig struct {
	Enabled      bool          `yaml:"enabled"`
	MaxWorkers   int           `yaml:"max_workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	LockTimeout  time.Duration `yaml:"lock_timeout"`
}

// IdeationConfig controls the Ideation Engine's strategy mix and the
// backoff budget for its LLM calls.
type IdeationConfig struct {
	TotalIdeas         int `yaml:"total_ideas"`
	NovelExploration   int `yaml:"novel_exploration"`
	HillClimbing       int `yaml:"hill_climbing"`
	StructuralMutation int `yaml:"structural_mutation"`
	CrossoverHybrid    int `yaml:"crossover_hybrid"`
	NumElites          int `yaml:"num_elites"`

	MaxRounds   int           `yaml:"max_rounds"`
	InitialWait time.Duration `yaml:"initial_wait"`
	MaxWait     time.Duration `yaml:"max_wait"`
}

// NoveltyConfig controls embedding-based novelty filtering in Ideation.
type NoveltyConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Threshold float64 `yaml:"threshold"`
}

// LLMConfig names the model pools used by the Gateway and the optional
// bandit-based model selector.
type LLMConfig struct {
	RunModels    []string     `yaml:"run_models"`
	IdeateModels []string     `yaml:"ideate_models"`
	Bandit       BanditConfig `yaml:"bandit"`
}

// BanditConfig controls the optional UCB1 model selector (pkg/bandit).
type BanditConfig struct {
	Enabled        bool    `yaml:"enabled"`
	ExplorationC   float64 `yaml:"exploration_c"`
	Epsilon        float64 `yaml:"epsilon"`
	DecayFactor    float64 `yaml:"decay_factor"`
	FailurePenalty float64 `yaml:"failure_penalty"`
	StateFile      string  `yaml:"state_file"`
}
