package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	scibenchotel "github.com/basket/scibench/internal/otel"
)

const extractionSystemPrompt = "You are an expert at analyzing science experiment execution and extracting reusable strategies."

const extractionSuccessTemplate = `You are an expert at analyzing science experiment trajectories and extracting reusable reasoning strategies.

## Task Context
- Task Type: %s
- Task Goal: %s
- Result: SUCCESS

## Trajectory
%s

## Instructions
Analyze this SUCCESSFUL trajectory and extract 1-3 reusable strategies that contributed to success.
For each strategy, provide:
1. **title**: A short, descriptive name (e.g., "Heat Source Selection", "Systematic Object Search")
2. **description**: A one-sentence summary of when this strategy applies
3. **content**: Detailed actionable insight on the technique or logic

Focus on:
- Key decision points that led to success
- Efficient patterns or shortcuts discovered
- Scientific reasoning that could apply to similar tasks

## Output Format
Return a JSON array of strategy objects:
` + "```json" + `
[
  {
    "title": "Strategy Name",
    "description": "When to use this strategy",
    "content": "Detailed explanation of the strategy and how to apply it"
  }
]
` + "```" + `

Output ONLY the JSON array, no additional text.`

const extractionFailureTemplate = `You are an expert at analyzing science experiment trajectories and extracting lessons from failures.

## Task Context
- Task Type: %s
- Task Goal: %s
- Result: FAILED

## Trajectory
%s

## Instructions
Analyze this FAILED trajectory and extract 1-3 preventive lessons that could help avoid similar failures.
For each lesson, provide:
1. **title**: A short, descriptive name (e.g., "Avoid Skipping Focus Step", "Check Container First")
2. **description**: A one-sentence summary of the pitfall to avoid
3. **content**: Detailed explanation of what went wrong and how to prevent it

Focus on:
- Critical mistakes or wrong assumptions
- Inefficient patterns that wasted steps
- Missing scientific knowledge that caused the failure

## Output Format
Return a JSON array of lesson objects:
` + "```json" + `
[
  {
    "title": "Lesson Name",
    "description": "Pitfall to avoid",
    "content": "What went wrong and how to prevent it"
  }
]
` + "```" + `

Output ONLY the JSON array, no additional text.`

// ChatClient is the slice of the model backend extraction needs.
type ChatClient interface {
	ChatSimple(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Extractor distills a finished episode into strategies and folds them
// into the bank through Store.Resolve.
type Extractor struct {
	store          *Store
	client         ChatClient
	embedder       Embedder
	mergeThreshold float64
	logger         *slog.Logger
	metrics        *scibenchotel.Metrics
}

func NewExtractor(store *Store, client ChatClient, embedder Embedder, mergeThreshold float64, logger *slog.Logger, metrics *scibenchotel.Metrics) *Extractor {
	return &Extractor{
		store:          store,
		client:         client,
		embedder:       embedder,
		mergeThreshold: mergeThreshold,
		logger:         logger,
		metrics:        metrics,
	}
}

// Process extracts strategies from outcome and appends or merges the
// resulting record. It returns what happened so the caller can emit events;
// errors are expected to be logged and swallowed by the caller, since a
// failed extraction must never lose the episode result.
func (e *Extractor) Process(ctx context.Context, outcome Outcome) (ResolveResult, error) {
	if len(outcome.Steps) == 0 {
		return ResolveResult{}, fmt.Errorf("episode %s has an empty trajectory", outcome.EpisodeKey)
	}

	template := extractionFailureTemplate
	if outcome.Success {
		template = extractionSuccessTemplate
	}
	prompt := fmt.Sprintf(template, outcome.TaskFamily, outcome.Goal, formatTrajectory(outcome.Steps))

	response, err := e.client.ChatSimple(ctx, extractionSystemPrompt, prompt)
	if err != nil {
		return ResolveResult{}, fmt.Errorf("extraction call for %s: %w", outcome.EpisodeKey, err)
	}

	strategies, err := parseStrategies(response)
	if err != nil {
		return ResolveResult{}, fmt.Errorf("parse extraction for %s: %w", outcome.EpisodeKey, err)
	}

	embedding, err := e.embedder.Embed(ctx, outcome.Goal)
	if err != nil {
		return ResolveResult{}, fmt.Errorf("embed experience for %s: %w", outcome.EpisodeKey, err)
	}

	successCount := 0
	if outcome.Success {
		successCount = 1
	}
	rec := &Record{
		ID:               uuid.NewString(),
		Family:           outcome.TaskFamily,
		Context:          outcome.Goal,
		Strategies:       strategies,
		Success:          outcome.Success,
		ObservationCount: 1,
		SuccessCount:     successCount,
		SourceEpisode:    outcome.EpisodeKey,
		Embedding:        embedding,
	}

	result, err := e.store.Resolve(ctx, rec, e.mergeThreshold)
	if err != nil {
		return ResolveResult{}, fmt.Errorf("resolve experience for %s: %w", outcome.EpisodeKey, err)
	}

	if e.metrics != nil {
		e.metrics.MemoryExtractions.Add(ctx, 1)
		if result.Merged {
			e.metrics.MemoryMerges.Add(ctx, 1)
		}
	}
	e.logger.Debug("experience extracted",
		"episode", outcome.EpisodeKey,
		"family", outcome.TaskFamily,
		"strategies", len(strategies),
		"merged", result.Merged,
		"record", result.RecordID,
	)
	return result, nil
}

// formatTrajectory renders steps for the extraction prompt. Long
// observations are truncated so one verbose room description does not
// crowd out the rest of the episode.
func formatTrajectory(steps []OutcomeStep) string {
	const maxObservation = 300
	var b strings.Builder
	for i, step := range steps {
		obs := step.Observation
		if len(obs) > maxObservation {
			obs = obs[:maxObservation] + "..."
		}
		fmt.Fprintf(&b, "Step %d:\n  Action: %s\n  Observation: %s\n\n", i+1, step.Action, obs)
	}
	return b.String()
}

// parseStrategies decodes the model response as a JSON array, falling back
// to the outermost bracketed slice when the model wraps the array in prose
// or a code fence. Entries without a title or content are dropped.
func parseStrategies(response string) ([]Strategy, error) {
	text := strings.TrimSpace(response)

	var items []Strategy
	if err := json.Unmarshal([]byte(text), &items); err != nil {
		start := strings.Index(text, "[")
		end := strings.LastIndex(text, "]")
		if start < 0 || end <= start {
			return nil, fmt.Errorf("response contains no JSON array")
		}
		if err := json.Unmarshal([]byte(text[start:end+1]), &items); err != nil {
			return nil, fmt.Errorf("decode strategies: %w", err)
		}
	}

	valid := items[:0]
	for _, it := range items {
		it.Title = strings.TrimSpace(it.Title)
		it.Description = strings.TrimSpace(it.Description)
		it.Content = strings.TrimSpace(it.Content)
		if it.Title == "" || it.Content == "" {
			continue
		}
		valid = append(valid, it)
	}
	if len(valid) == 0 {
		return nil, fmt.Errorf("no valid strategies in response")
	}
	return valid, nil
}
