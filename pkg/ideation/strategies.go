package ideation

import (
	"fmt"
	"strings"

	"github.com/willer/claude-evolve/pkg/ledger"
)

// novelExplorationStrategy asks for creative ideas with no parent at
// all.
type novelExplorationStrategy struct{}

func (novelExplorationStrategy) Name() string                  { return "novel_exploration" }
func (novelExplorationStrategy) DefaultParent(ctx Context) string { return "" }

func (novelExplorationStrategy) BuildPrompt(ctx Context, ids []string, tempCSVBasename string) string {
	return fmt.Sprintf(`I need you to use your file editing capabilities to fill in PLACEHOLDER descriptions in the CSV file: %s

Current evolution context:
- Generation: %d
- Brief: %s

CRITICAL TASK:
The CSV file already contains stub rows with these IDs: %s
Each stub row has a PLACEHOLDER description.
Your job is to REPLACE each PLACEHOLDER with a real algorithmic idea description.

IMPORTANT FILE READING INSTRUCTIONS:
Read ONLY the last 20-30 lines of the CSV file to see the placeholder rows.
DO NOT read the entire file - use offset and limit parameters.

CRITICAL INSTRUCTIONS:
1. Read ONLY the last 20-30 lines of the CSV to see the placeholder rows
2. DO NOT ADD OR DELETE ANY ROWS - only EDIT the placeholder descriptions
3. DO NOT CHANGE THE IDs - they are already correct
4. Use the Edit tool to replace EACH PLACEHOLDER text with a real algorithmic idea
5. ALWAYS wrap the description field in double quotes
6. Each description should be one clear sentence describing a novel algorithmic approach
7. Focus on creative, ambitious ideas that haven't been tried yet

IMPORTANT: Use your file editing tools to modify the CSV file directly.`,
		tempCSVBasename, ctx.Generation, truncate(ctx.BriefContent, 500), strings.Join(ids, ", "))
}

// hillClimbingStrategy asks for small parameter tweaks to the current
// elites.
type hillClimbingStrategy struct{}

func (hillClimbingStrategy) Name() string { return "hill_climbing" }

func (hillClimbingStrategy) DefaultParent(ctx Context) string {
	if len(ctx.TopPerformers) > 0 {
		return ctx.TopPerformers[0].ID
	}
	return ""
}

func (hillClimbingStrategy) BuildPrompt(ctx Context, ids []string, tempCSVBasename string) string {
	top := topPerformersList(ctx.TopPerformers, 5)
	return fmt.Sprintf(`I need you to use your file editing capabilities to fill in PLACEHOLDER descriptions in the CSV file: %s

IMPORTANT: You MUST use one of these exact parent IDs: %s

Successful algorithms to tune:
%s

CRITICAL TASK:
The CSV file already contains stub rows with these IDs: %s
Your job is to REPLACE each PLACEHOLDER with a parameter tuning idea.

INSTRUCTIONS:
1. Read ONLY the last 20-30 lines of the CSV file
2. Each idea should be a small parameter adjustment or optimization
3. Reference which parent you're improving and what specifically you're changing
4. DO NOT ADD OR DELETE ANY ROWS - only EDIT the placeholder descriptions
5. ALWAYS wrap descriptions in double quotes
6. Use the Edit tool to modify the file directly`,
		tempCSVBasename, strings.Join(idList(top), ","), summarize(top), strings.Join(ids, ", "))
}

// structuralMutationStrategy asks for architectural changes.
type structuralMutationStrategy struct{}

func (structuralMutationStrategy) Name() string { return "structural_mutation" }

func (structuralMutationStrategy) DefaultParent(ctx Context) string {
	if len(ctx.TopPerformers) > 0 {
		return ctx.TopPerformers[0].ID
	}
	return ""
}

func (structuralMutationStrategy) BuildPrompt(ctx Context, ids []string, tempCSVBasename string) string {
	top := topPerformersList(ctx.TopPerformers, 5)
	return fmt.Sprintf(`I need you to use your file editing capabilities to fill in PLACEHOLDER descriptions in the CSV file: %s

IMPORTANT: You MUST use one of these exact parent IDs: %s

Top algorithms for structural changes:
%s

CRITICAL TASK:
The CSV file already contains stub rows with these IDs: %s
Your job is to REPLACE each PLACEHOLDER with a structural mutation idea.

INSTRUCTIONS:
1. Read ONLY the last 20-30 lines of the CSV file
2. Each idea should involve a significant architectural change
3. Examples: adding new features, changing data flow, combining techniques
4. DO NOT ADD OR DELETE ANY ROWS - only EDIT the placeholder descriptions
5. ALWAYS wrap descriptions in double quotes
6. Use the Edit tool to modify the file directly`,
		tempCSVBasename, strings.Join(idList(top), ","), summarize(top), strings.Join(ids, ", "))
}

// crossoverStrategy asks for ideas combining multiple parents.
type crossoverStrategy struct{}

func (crossoverStrategy) Name() string { return "crossover" }

func (crossoverStrategy) DefaultParent(ctx Context) string {
	if len(ctx.TopPerformers) > 0 {
		return ctx.TopPerformers[0].ID
	}
	return ""
}

func (crossoverStrategy) BuildPrompt(ctx Context, ids []string, tempCSVBasename string) string {
	top := topPerformersList(ctx.TopPerformers, 5)
	return fmt.Sprintf(`I need you to use your file editing capabilities to fill in PLACEHOLDER descriptions in the CSV file: %s

IMPORTANT: Reference multiple parents from: %s

Top algorithms to combine:
%s

CRITICAL TASK:
The CSV file already contains stub rows with these IDs: %s
Your job is to REPLACE each PLACEHOLDER with a crossover idea.

INSTRUCTIONS:
1. Read ONLY the last 20-30 lines of the CSV file
2. Each idea should combine elements from 2+ top algorithms
3. In based_on_id, list the main parent (use comma-separated for multiple)
4. Describe how you're combining the approaches
5. DO NOT ADD OR DELETE ANY ROWS - only EDIT the placeholder descriptions
6. ALWAYS wrap descriptions in double quotes
7. Use the Edit tool to modify the file directly`,
		tempCSVBasename, strings.Join(idList(top), ","), summarize(top), strings.Join(ids, ", "))
}

func summarize(top []ledger.Candidate) string {
	lines := make([]string, len(top))
	for i, c := range top {
		lines[i] = fmt.Sprintf("  %s: %s... (score: %s)", c.ID, truncate(c.Description, 100), formatScore(c.Performance))
	}
	return strings.Join(lines, "\n")
}
