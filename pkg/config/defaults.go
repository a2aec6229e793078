package config

import "time"

// Default returns the built-in configuration values used when a
// config.yaml is absent or leaves a field unset.
func Default() *Config {
	return &Config{
		CSVFile:       "evolution.csv",
		BriefFile:     "BRIEF.md",
		AlgorithmFile: "algorithm.py",
		EvaluatorFile: "evaluator.py",
		OutputDir:     "",
		PythonCmd:     "python3",

		MemoryLimitMB:        0,
		TimeoutSeconds:       600,
		WorkerMaxCandidates:  5,
		MaxValidationRetries: 3,

		AutoIdeate:              true,
		MetaLearning:            true,
		MinCompletedForIdeation: 3,

		Parallel: ParallelConfig{
			Enabled:      false,
			MaxWorkers:   4,
			PollInterval: 5 * time.Second,
			LockTimeout:  10 * time.Second,
		},
		Ideation: IdeationConfig{
			TotalIdeas:         15,
			NovelExploration:   3,
			HillClimbing:       5,
			StructuralMutation: 3,
			CrossoverHybrid:    4,
			NumElites:          3,
			MaxRounds:          10,
			InitialWait:        60 * time.Second,
			MaxWait:            600 * time.Second,
		},
		Novelty: NoveltyConfig{
			Enabled:   true,
			Threshold: 0.92,
		},
		LLM: LLMConfig{
			Bandit: BanditConfig{
				Enabled:        false,
				ExplorationC:   1.4,
				Epsilon:        0.1,
				DecayFactor:    0.95,
				FailurePenalty: -0.1,
				StateFile:      "llm_bandit.json",
			},
		},
	}
}
