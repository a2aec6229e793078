package config

import (
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// resolutionOrder lists candidate config paths in priority order: an
// explicit path wins, then CLAUDE_EVOLVE_CONFIG, then evolution/config.yaml,
// then config.yaml in the current directory.
func resolutionOrder(explicit string) []string {
	if explicit != "" {
		return []string{explicit}
	}
	var candidates []string
	if env := os.Getenv("CLAUDE_EVOLVE_CONFIG"); env != "" {
		candidates = append(candidates, env)
	}
	candidates = append(candidates, filepath.Join("evolution", "config.yaml"), "config.yaml")
	return candidates
}

// Load resolves a config.yaml per resolutionOrder, expands environment
// variables, merges it over the built-in defaults, and resolves every
// path field relative to the config file's directory.
func Load(explicit string) (*Config, error) {
	var path string
	for _, candidate := range resolutionOrder(explicit) {
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
			break
		}
	}
	if path == "" {
		return nil, ErrConfigNotFound
	}
	return LoadFile(path)
}

// LoadFile loads and resolves a specific config.yaml path.
func LoadFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, NewLoadError(path, err)
	}

	expanded := ExpandEnv(raw)

	var fromFile Config
	if err := yaml.Unmarshal(expanded, &fromFile); err != nil {
		return nil, NewLoadError(path, ErrInvalidYAML)
	}

	cfg := Default()
	if err := mergo.Merge(cfg, fromFile, mergo.WithOverride); err != nil {
		return nil, NewLoadError(path, err)
	}

	absDir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, NewLoadError(path, err)
	}
	cfg.Dir = absDir

	cfg.CSVFile = cfg.resolvePath(cfg.CSVFile)
	cfg.BriefFile = cfg.resolvePath(cfg.BriefFile)
	cfg.AlgorithmFile = cfg.resolvePath(cfg.AlgorithmFile)
	cfg.EvaluatorFile = cfg.resolvePath(cfg.EvaluatorFile)
	if cfg.OutputDir == "" {
		cfg.OutputDir = absDir
	} else {
		cfg.OutputDir = cfg.resolvePath(cfg.OutputDir)
	}
	cfg.LLM.Bandit.StateFile = cfg.resolvePath(cfg.LLM.Bandit.StateFile)

	return cfg, nil
}

// resolvePath resolves p relative to the config file's directory.
func (c *Config) resolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Dir, p)
}
