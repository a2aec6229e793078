// Package candidate implements the candidate-processing state machine:
// resolve parent -> materialize working files -> invoke the model to
// edit the algorithm -> syntax-check -> validate -> evaluate.
package candidate

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/willer/claude-evolve/pkg/ledger"
	"github.com/willer/claude-evolve/pkg/llmgateway"
	"github.com/willer/claude-evolve/pkg/sandbox"
)

// Worker exit codes. The dispatcher interprets these directly when
// deciding whether to keep scheduling work against a model.
const (
	ExitSuccess        = 0
	ExitGeneralFailure = 1
	ExitRateLimited    = 2
	ExitQuotaExhausted = 3
	ExitAIFailed       = 77
	ExitMissingParent  = 78
)

var scorePrefixRE = regexp.MustCompile(`(?m)^SCORE:\s*([+-]?\d*\.?\d+)`)

// Logger is the minimal interface the processor needs, satisfied by
// *evolog.Logger.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config carries everything process needs to resolve files, invoke the
// gateway, and run the sandboxed evaluator.
type Config struct {
	EvolutionDir  string
	OutputDir     string
	AlgorithmFile string
	EvaluatorFile string
	PythonCmd     string

	MemoryLimitMB int
	CPUSeconds    int
	Timeout       time.Duration

	MaxValidationRetries int
	RunModels            []string
	Backoff              llmgateway.BackoffOptions
}

// Processor drives one candidate through resolve -> materialize ->
// edit -> syntax-check -> validate -> evaluate.
type Processor struct {
	cfg     Config
	ledger  *ledger.Ledger
	gateway *llmgateway.Gateway
	harness *sandbox.Harness
	log     Logger
}

func New(cfg Config, l *ledger.Ledger, gw *llmgateway.Gateway, log Logger) *Processor {
	return &Processor{
		cfg:     cfg,
		ledger:  l,
		gateway: gw,
		harness: &sandbox.Harness{
			MemoryMB:   cfg.MemoryLimitMB,
			CPUSeconds: cfg.CPUSeconds,
			Timeout:    cfg.Timeout,
		},
		log: log,
	}
}

func (p *Processor) logInfo(format string, args ...any) {
	if p.log != nil {
		p.log.Info(fmt.Sprintf(format, args...))
	}
}

func (p *Processor) logWarn(format string, args ...any) {
	if p.log != nil {
		p.log.Warn(fmt.Sprintf(format, args...))
	}
}

func (p *Processor) logError(format string, args ...any) {
	if p.log != nil {
		p.log.Error(fmt.Sprintf(format, args...))
	}
}

// targetPath returns the artifact path for candidate id.
func (p *Processor) targetPath(id string) string {
	return filepath.Join(p.cfg.OutputDir, fmt.Sprintf("evolution_%s.py", id))
}

// isBaseline matches _is_baseline: no parent and a recognized baseline id.
func isBaseline(id, basedOnID string) bool {
	if basedOnID != "" {
		return false
	}
	switch id {
	case "baseline", "baseline-000", "000", "0", "gen00-000":
		return true
	}
	return false
}

var parentSplitRE = regexp.MustCompile(`[,;\s]+`)

// resolveParentID picks the first comma/space-separated token whose
// artifact file exists.
func (p *Processor) resolveParentID(basedOnID string) (resolved, sourceFile string) {
	if basedOnID == "" || basedOnID == "baseline-000" {
		return "", p.cfg.AlgorithmFile
	}
	for _, tok := range parentSplitRE.Split(basedOnID, -1) {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		candidatePath := p.targetPath(tok)
		if _, err := os.Stat(candidatePath); err == nil {
			return tok, candidatePath
		}
	}
	return "", ""
}

func fileHash(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}

func (p *Processor) buildEditPrompt(description, targetBasename string) string {
	return fmt.Sprintf(`Modify the algorithm in %s based on this description: %s

The modification should be substantial and follow the description exactly. Make sure the algorithm still follows all interface requirements and can run properly.

Important: Make meaningful changes that match the description. Don't just add comments or make trivial adjustments.

CRITICAL: If you do not know how to implement what was asked for, or if the requested change is unclear or not feasible, you MUST refuse to make any changes. Simply respond that you cannot implement the requested change and explain why. It is better to refuse than to make incorrect or random changes.`, targetBasename, description)
}

func (p *Processor) buildFixPrompt(description, targetBasename, errorInfo string) string {
	return fmt.Sprintf(`The code in %s failed validation. Please fix the errors and try again.

## Validator Output

%s

## Instructions

1. Read the file %s to understand the current code
2. Identify the issue based on the validator output above
3. Fix the code to resolve the validation error
4. The fix should still implement: %s

CRITICAL: Make sure to actually fix the error. Do not just add comments or make cosmetic changes.`, targetBasename, errorInfo, targetBasename, description)
}

// callAIEdit invokes the gateway and reports whether the target file's
// content actually changed, matching _call_ai_with_backoff's
// hash-before/hash-after check.
func (p *Processor) callAIEdit(ctx context.Context, prompt, targetFile string) (changed bool, model string, err error) {
	before := fileHash(targetFile)

	_, model, err = p.gateway.InvokeWithBackoff(ctx, prompt, p.cfg.RunModels, p.cfg.EvolutionDir, nil, p.cfg.Backoff)
	if err != nil {
		return false, "", err
	}

	after := fileHash(targetFile)
	if after != "" && after != before {
		return true, model, nil
	}
	return false, model, nil
}

func (p *Processor) checkSyntax(targetFile string) bool {
	cmd := exec.Command(p.cfg.PythonCmd, "-m", "py_compile", targetFile)
	return cmd.Run() == nil
}

func (p *Processor) findValidator() string {
	path := filepath.Join(p.cfg.EvolutionDir, "validator.py")
	if _, err := os.Stat(path); err == nil {
		return path
	}
	return ""
}

// validationResult holds whatever structured fields the validator
// emitted, plus the raw combined output as a fallback.
type validationResult struct {
	RawOutput string
	ErrorType string
	Error     string
}

func (v validationResult) summary() string {
	if v.ErrorType != "" || v.Error != "" {
		errStr := v.Error
		if len(errStr) > 100 {
			errStr = errStr[:100]
		}
		errType := v.ErrorType
		if errType == "" {
			errType = "unknown"
		}
		return fmt.Sprintf("%s: %s", errType, errStr)
	}
	return v.RawOutput
}

func (v validationResult) promptBody() string {
	var b strings.Builder
	if v.ErrorType != "" {
		fmt.Fprintf(&b, "**Error Type:** %s\n\n", v.ErrorType)
	}
	if v.Error != "" {
		fmt.Fprintf(&b, "**Error:**\n%s\n\n", v.Error)
	}
	if v.ErrorType == "" && v.Error == "" {
		raw := v.RawOutput
		if raw == "" {
			raw = "No output captured"
		}
		if len(raw) > 2000 {
			raw = raw[:2000] + "\n... (truncated)"
		}
		fmt.Fprintf(&b, "```\n%s\n```\n\n", raw)
	}
	return b.String()
}

// runValidator executes validator.py <candidate_id> with a 30s timeout,
// tolerating any output shape (JSON, plain text, nothing).
func (p *Processor) runValidator(ctx context.Context, candidateID string) (ok bool, result validationResult) {
	validatorPath := p.findValidator()
	if validatorPath == "" {
		return true, validationResult{}
	}

	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, p.cfg.PythonCmd, validatorPath, candidateID)
	cmd.Dir = p.cfg.EvolutionDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	combined := strings.TrimSpace(stdout.String() + "\n" + stderr.String())
	result.RawOutput = combined

	if trimmed := strings.TrimSpace(stdout.String()); strings.HasPrefix(trimmed, "{") {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			if v, ok := parsed["error_type"].(string); ok {
				result.ErrorType = v
			}
			if v, ok := parsed["error"].(string); ok {
				result.Error = v
			}
		}
	}
	if result.Error == "" && combined != "" {
		result.Error = combined
	}

	if runCtx.Err() != nil {
		result.Error = "Validator timed out after 30 seconds"
		result.ErrorType = "timeout"
		return false, result
	}

	return runErr == nil, result
}

// evaluatorOutput is what runEvaluator extracts from a score-bearing line.
type evaluatorOutput struct {
	Score float64
	Extra map[string]string
}

// parseEvaluatorOutput extracts a score from evaluator stdout: the last
// JSON object with a performance/score field, else a bare numeric
// line, else a SCORE: prefix match.
func parseEvaluatorOutput(output string) (*evaluatorOutput, bool) {
	var found *evaluatorOutput

	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "{") {
			var data map[string]any
			if err := json.Unmarshal([]byte(line), &data); err == nil {
				if score, ok := numericField(data, "performance"); ok {
					found = &evaluatorOutput{Score: score, Extra: extraFields(data)}
					continue
				}
				if score, ok := numericField(data, "score"); ok {
					found = &evaluatorOutput{Score: score, Extra: extraFields(data)}
					continue
				}
			}
			continue
		}
		if found == nil {
			if v, err := strconv.ParseFloat(line, 64); err == nil {
				found = &evaluatorOutput{Score: v}
			}
		}
	}
	if found != nil {
		return found, true
	}

	if m := scorePrefixRE.FindStringSubmatch(output); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			return &evaluatorOutput{Score: v}, true
		}
	}

	return nil, false
}

func numericField(data map[string]any, key string) (float64, bool) {
	v, ok := data[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func extraFields(data map[string]any) map[string]string {
	extra := map[string]string{}
	for k, v := range data {
		if k == "performance" || k == "score" {
			continue
		}
		extra[k] = fmt.Sprintf("%v", v)
	}
	return extra
}

// runEvaluator invokes the user evaluator through the Sandbox Harness,
// passing the candidate id as its sole argument (empty for baseline).
func (p *Processor) runEvaluator(ctx context.Context, candidateID string, baseline bool) (*evaluatorOutput, error) {
	arg := candidateID
	if baseline {
		arg = ""
	}

	command := []string{p.cfg.PythonCmd, p.cfg.EvaluatorFile, arg}
	res, err := p.harness.Run(ctx, command, p.cfg.EvolutionDir)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		p.logError("evaluator failed: %s", res.Stderr)
		return nil, nil
	}

	out, ok := parseEvaluatorOutput(res.Stdout + res.Stderr)
	if !ok {
		return nil, nil
	}
	return out, nil
}

// Process runs one candidate through the full pipeline and returns the
// worker exit code: ExitRateLimited/ExitQuotaExhausted (2/3) for a
// rate-limit or quota failure, ExitAIFailed (77) when the AI edit fails
// (the caller records failed-ai-retry), ExitMissingParent (78) when no
// parent artifact exists.
func (p *Processor) Process(ctx context.Context, c ledger.Candidate) int {
	p.logInfo("Processing: %s", c.ID)
	p.logInfo("Based on: %s", orBaseline(c.BasedOnID))

	baseline := isBaseline(c.ID, c.BasedOnID)
	target := p.targetPath(c.ID)

	resolvedParent, sourceFile := p.resolveParentID(c.BasedOnID)
	if sourceFile == "" && !baseline {
		p.logError("parent not found: %s", c.BasedOnID)
		_ = p.ledger.SetStatus(c.ID, "failed-parent-missing")
		return ExitMissingParent
	}
	_ = resolvedParent

	if _, err := os.Stat(target); err == nil {
		p.logInfo("file already exists, running evaluation only")
	} else if !baseline {
		if err := copyFile(sourceFile, target); err != nil {
			p.logError("copy parent: %v", err)
			_ = p.ledger.SetStatus(c.ID, "failed")
			return ExitGeneralFailure
		}

		prompt := p.buildEditPrompt(c.Description, filepath.Base(target))
		changed, model, err := p.callAIEdit(ctx, prompt, target)
		if failure, ok := asFailure(err); ok {
			switch failure.Kind {
			case llmgateway.KindRateLimited:
				return ExitRateLimited
			case llmgateway.KindQuota:
				return ExitQuotaExhausted
			}
		}
		if err != nil || !changed {
			p.logError("AI failed after all retries")
			os.Remove(target)
			return ExitAIFailed
		}
		if model != "" {
			_ = p.ledger.SetField(c.ID, "run_llm", model)
		}

		if !p.checkSyntax(target) {
			p.logError("syntax error in generated file")
			os.Remove(target)
			_ = p.ledger.SetStatus(c.ID, "pending")
			return ExitSuccess
		}

		validationPassed := false
		var lastResult validationResult
		for attempt := 0; attempt <= p.cfg.MaxValidationRetries; attempt++ {
			valid, result := p.runValidator(ctx, c.ID)
			lastResult = result
			if valid {
				validationPassed = true
				break
			}
			if attempt >= p.cfg.MaxValidationRetries {
				p.logError("validation failed after %d fix attempts", p.cfg.MaxValidationRetries)
				break
			}

			p.logWarn("validation failed (attempt %d), asking AI to fix...", attempt+1)
			fixPrompt := p.buildFixPrompt(c.Description, filepath.Base(target), result.promptBody())
			fixChanged, fixModel, err := p.callAIEdit(ctx, fixPrompt, target)
			if err != nil || !fixChanged {
				p.logError("AI failed to fix validation error")
				break
			}
			if fixModel != "" {
				current, currentErr := p.ledger.GetCandidateInfo(c.ID)
				newLLM := fixModel
				if currentErr == nil && current.RunLLM != "" {
					newLLM = current.RunLLM + "+" + fixModel
				}
				_ = p.ledger.SetField(c.ID, "run_llm", newLLM)
			}
			if !p.checkSyntax(target) {
				p.logError("fix introduced syntax error")
			}
		}

		if !validationPassed {
			_ = p.ledger.SetStatus(c.ID, "failed-validation")
			_ = p.ledger.SetField(c.ID, "validation_error", lastResult.summary())
			return ExitGeneralFailure
		}
	}

	p.logInfo("running evaluator...")
	out, err := p.runEvaluator(ctx, c.ID, baseline)
	if err != nil {
		p.logError("evaluator error: %v", err)
		_ = p.ledger.SetStatus(c.ID, "failed")
		return ExitGeneralFailure
	}
	if out == nil {
		p.logError("evaluation failed - no score")
		_ = p.ledger.SetStatus(c.ID, "failed")
		return ExitGeneralFailure
	}

	p.logInfo("score: %v", out.Score)
	_ = p.ledger.SetStatus(c.ID, "complete")
	_ = p.ledger.SetPerformance(c.ID, out.Score)
	for k, v := range out.Extra {
		_ = p.ledger.SetField(c.ID, k, v)
	}

	return ExitSuccess
}

func orBaseline(s string) string {
	if s == "" {
		return "baseline"
	}
	return s
}

func asFailure(err error) (*llmgateway.Failure, bool) {
	if err == nil {
		return nil, false
	}
	af, ok := err.(*llmgateway.Failure)
	return af, ok
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read parent %s: %w", src, err)
	}
	return os.WriteFile(dst, data, 0o644)
}
