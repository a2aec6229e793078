package config

import "os"

// ExpandEnv expands environment variables in raw YAML bytes before
// parsing, using Go's standard shell-style expansion. Supports both
// ${VAR} and $VAR. Missing variables expand to empty string; validation
// is responsible for catching fields that end up empty as a result.
func ExpandEnv(data []byte) []byte {
	return []byte(os.Expand(string(data), os.Getenv))
}
