// Package agent runs the think/act loop: one episode of prompting the
// model, parsing its action, and stepping the simulator until a terminal
// condition.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/basket/scibench/internal/config"
	"github.com/basket/scibench/internal/memory"
	scibenchotel "github.com/basket/scibench/internal/otel"
	"github.com/basket/scibench/internal/prompt"
	"github.com/basket/scibench/internal/scienv"
	"github.com/basket/scibench/internal/taskcat"
)

// fallbackAction is stepped when the model response yields no parseable
// action at all. It is harmless, consumes the step, and its observation
// usually gets the model back on track.
const fallbackAction = "look around"

// Termination classifies why an episode ended.
type Termination string

const (
	TerminationGoal             Termination = "goal"
	TerminationStepLimit        Termination = "step_limit"
	TerminationEnvironmentError Termination = "environment_error"
	TerminationModelError       Termination = "model_error"
	TerminationCancelled        Termination = "cancelled"
)

// Turn is one think/act exchange in a trajectory.
type Turn struct {
	Thought     string  `json:"thought"`
	Action      string  `json:"action"`
	Observation string  `json:"observation"`
	Score       float64 `json:"score"`
}

// EpisodeSpec identifies one episode to run.
type EpisodeSpec struct {
	TaskID          string
	TaskName        string
	Variation       int
	Episode         int
	MaxSteps        int
	Simplifications string
}

// Result is the immutable outcome of one episode. Err is non-nil only for
// error terminations; the result is recorded either way.
type Result struct {
	EpisodeKey         string
	TaskID             string
	TaskName           string
	Variation          int
	Episode            int
	Success            bool
	Score              float64
	Steps              int
	Termination        Termination
	Goal               string
	InitialObservation string
	Turns              []Turn
	UsedMemories       []string
	Err                error
}

// Outcome converts the result into the neutral form the extractor accepts.
func (r *Result) Outcome() memory.Outcome {
	steps := make([]memory.OutcomeStep, len(r.Turns))
	for i, t := range r.Turns {
		steps[i] = memory.OutcomeStep{Action: t.Action, Observation: t.Observation}
	}
	return memory.Outcome{
		EpisodeKey: r.EpisodeKey,
		TaskFamily: r.TaskName,
		Goal:       r.Goal,
		Steps:      steps,
		Success:    r.Success,
		Score:      r.Score,
	}
}

// HintProvider supplies retrieved experience for an episode once its goal
// text is known. A nil provider means no retrieval.
type HintProvider func(ctx context.Context, taskFamily, goal string) []memory.Match

// ChatClient is the slice of the model backend the loop needs.
type ChatClient interface {
	ChatSimple(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Agent drives episodes against an environment. One Agent is safe to share
// across workers; all per-episode state lives in RunEpisode.
type Agent struct {
	client  ChatClient
	cfg     config.PromptConfig
	logger  *slog.Logger
	metrics *scibenchotel.Metrics
}

func New(client ChatClient, cfg config.PromptConfig, logger *slog.Logger, metrics *scibenchotel.Metrics) *Agent {
	return &Agent{client: client, cfg: cfg, logger: logger, metrics: metrics}
}

// RunEpisode resets env to the spec's variation and loops until the goal,
// the step limit, an error, or cancellation. The goal text comes out of
// the reset, so hint retrieval runs via the provider right after it; hints
// are baked into the system prompt for the whole episode.
func (a *Agent) RunEpisode(ctx context.Context, env scienv.Env, spec EpisodeSpec, hintsFor HintProvider) Result {
	start := time.Now()
	result := Result{
		EpisodeKey: taskcat.EpisodeKey(spec.TaskID, spec.Variation, spec.Episode),
		TaskID:     spec.TaskID,
		TaskName:   spec.TaskName,
		Variation:  spec.Variation,
		Episode:    spec.Episode,
	}

	ctx, span := scibenchotel.StartSpan(ctx, scibenchotel.Tracer(), "episode.run",
		scibenchotel.AttrTaskID.String(spec.TaskID),
		scibenchotel.AttrEpisodeKey.String(result.EpisodeKey),
	)
	defer func() {
		span.SetAttributes(
			scibenchotel.AttrTermination.String(string(result.Termination)),
			scibenchotel.AttrSuccess.Bool(result.Success),
			scibenchotel.AttrSteps.Int(result.Steps),
		)
		span.End()
	}()

	reset, err := env.Reset(ctx, spec.TaskName, spec.Variation, spec.Simplifications)
	if err != nil {
		// One retry covers transient simulator hiccups; a second failure
		// fails the unit.
		a.logger.Warn("environment reset failed, retrying", "episode", result.EpisodeKey, "error", err)
		reset, err = env.Reset(ctx, spec.TaskName, spec.Variation, spec.Simplifications)
	}
	if err != nil {
		result.Termination = terminationForError(ctx, err)
		result.Err = err
		a.recordMetrics(ctx, &result, start)
		return result
	}

	result.Goal = prompt.TaskDescription(reset.Observation, reset.TaskDescription)
	result.InitialObservation = reset.Observation

	var hints []memory.Match
	if hintsFor != nil && result.Goal != "" {
		hints = hintsFor(ctx, spec.TaskName, result.Goal)
	}
	for _, m := range hints {
		result.UsedMemories = append(result.UsedMemories, m.Record.ID)
	}

	systemPrompt := prompt.System(a.cfg.UseFewShot, spec.TaskName, hints)

	var history []prompt.Exchange
	currentObs := reset.Observation

	for step := 0; step < spec.MaxSteps; step++ {
		if ctx.Err() != nil {
			result.Termination = TerminationCancelled
			result.Err = ctx.Err()
			a.recordMetrics(ctx, &result, start)
			return result
		}

		userPrompt := prompt.User(result.Goal, history, currentObs, reset.Observation, a.cfg.HistoryLength)
		response, err := a.client.ChatSimple(ctx, systemPrompt, userPrompt)
		if err != nil {
			result.Termination = terminationForError(ctx, err)
			result.Err = err
			a.recordMetrics(ctx, &result, start)
			return result
		}

		thought, action := parseResponse(response)
		if action == "" {
			a.logger.Warn("unparseable model response, falling back",
				"episode", result.EpisodeKey, "step", step+1, "fallback", fallbackAction)
			action = fallbackAction
		}

		stepResult, err := env.Step(ctx, action)
		if err != nil {
			result.Termination = terminationForError(ctx, err)
			result.Err = err
			a.recordMetrics(ctx, &result, start)
			return result
		}

		result.Turns = append(result.Turns, Turn{
			Thought:     thought,
			Action:      action,
			Observation: stepResult.Observation,
			Score:       stepResult.Score,
		})
		history = append(history, prompt.Exchange{Action: action, Observation: stepResult.Observation})
		currentObs = stepResult.Observation
		result.Steps = step + 1
		result.Score = stepResult.Score

		if stepResult.Completed {
			result.Success = true
		}
		if stepResult.Done || stepResult.Completed {
			result.Termination = TerminationGoal
			a.recordMetrics(ctx, &result, start)
			return result
		}
	}

	result.Termination = TerminationStepLimit
	a.recordMetrics(ctx, &result, start)
	return result
}

func terminationForError(ctx context.Context, err error) Termination {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return TerminationCancelled
	}
	if errors.Is(err, scienv.ErrEnvironment) {
		return TerminationEnvironmentError
	}
	return TerminationModelError
}

func (a *Agent) recordMetrics(ctx context.Context, result *Result, start time.Time) {
	if a.metrics == nil {
		return
	}
	a.metrics.EpisodeDuration.Record(ctx, time.Since(start).Seconds())
	a.metrics.EpisodeSteps.Record(ctx, int64(result.Steps))
	a.metrics.EpisodeScore.Record(ctx, result.Score)
	if result.Termination == TerminationEnvironmentError {
		a.metrics.EnvErrors.Add(ctx, 1)
	}
}
