package agent_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/basket/scibench/internal/agent"
	"github.com/basket/scibench/internal/config"
	"github.com/basket/scibench/internal/memory"
	"github.com/basket/scibench/internal/scienv"
)

type fakeEnv struct {
	resetErrs  int // number of resets that fail before one succeeds
	resetCalls int
	reset      scienv.ResetResult
	steps      []scienv.StepResult
	stepErr    error
	stepErrAt  int // 1-based step index at which stepErr fires, 0 means never
	actions    []string
}

func (f *fakeEnv) Reset(ctx context.Context, taskName string, variation int, simplifications string) (*scienv.ResetResult, error) {
	f.resetCalls++
	if f.resetCalls <= f.resetErrs {
		return nil, fmt.Errorf("reset %s: %w", taskName, scienv.ErrEnvironment)
	}
	r := f.reset
	return &r, nil
}

func (f *fakeEnv) Step(ctx context.Context, action string) (*scienv.StepResult, error) {
	f.actions = append(f.actions, action)
	if f.stepErrAt > 0 && len(f.actions) == f.stepErrAt {
		return nil, f.stepErr
	}
	idx := len(f.actions) - 1
	if idx >= len(f.steps) {
		idx = len(f.steps) - 1
	}
	s := f.steps[idx]
	return &s, nil
}

func (f *fakeEnv) Variations(ctx context.Context, taskName, split string) ([]int, error) {
	return nil, nil
}

func (f *fakeEnv) Close(ctx context.Context) error { return nil }

type fakeChat struct {
	responses []string
	err       error
	calls     int
	systems   []string
}

func (f *fakeChat) ChatSimple(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	f.calls++
	f.systems = append(f.systems, systemPrompt)
	if f.err != nil {
		return "", f.err
	}
	idx := f.calls - 1
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	return f.responses[idx], nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAgent(chat agent.ChatClient) *agent.Agent {
	return agent.New(chat, config.PromptConfig{UseFewShot: false, HistoryLength: 20}, testLogger(), nil)
}

func testSpec() agent.EpisodeSpec {
	return agent.EpisodeSpec{
		TaskID:    "1-1",
		TaskName:  "boil",
		Variation: 2,
		Episode:   0,
		MaxSteps:  10,
	}
}

func TestRunEpisode_GoalReached(t *testing.T) {
	env := &fakeEnv{
		reset: scienv.ResetResult{
			Observation:     "This room is a kitchen.",
			TaskDescription: "Your task is to boil water.",
		},
		steps: []scienv.StepResult{
			{Observation: "The stove is now activated.", Score: 50},
			{Observation: "The water is boiling.", Score: 100, Done: true, Completed: true},
		},
	}
	chat := &fakeChat{responses: []string{
		"Think: heat it\nAction: activate stove",
		"Think: check\nAction: wait",
	}}

	result := testAgent(chat).RunEpisode(context.Background(), env, testSpec(), nil)

	if result.Termination != agent.TerminationGoal {
		t.Fatalf("termination = %s", result.Termination)
	}
	if !result.Success || result.Score != 100 || result.Steps != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.EpisodeKey != "1-1_v2_e0" {
		t.Fatalf("episode key = %s", result.EpisodeKey)
	}
	if result.Goal != "Your task is to boil water." {
		t.Fatalf("goal = %q", result.Goal)
	}
	if len(result.Turns) != 2 || result.Turns[0].Action != "activate stove" {
		t.Fatalf("trajectory wrong: %+v", result.Turns)
	}
	if result.Err != nil {
		t.Fatalf("unexpected err: %v", result.Err)
	}
}

func TestRunEpisode_DoneWithoutSuccessStillEndsAtGoal(t *testing.T) {
	env := &fakeEnv{
		reset: scienv.ResetResult{Observation: "obs", TaskDescription: "goal"},
		steps: []scienv.StepResult{
			{Observation: "the task is over", Score: 30, Done: true, Completed: false},
		},
	}
	chat := &fakeChat{responses: []string{"Action: eat apple"}}

	result := testAgent(chat).RunEpisode(context.Background(), env, testSpec(), nil)

	if result.Termination != agent.TerminationGoal {
		t.Fatalf("termination = %s", result.Termination)
	}
	if result.Success {
		t.Fatal("done without completion must not count as success")
	}
	if result.Score != 30 {
		t.Fatalf("score = %v", result.Score)
	}
}

func TestRunEpisode_StepLimit(t *testing.T) {
	env := &fakeEnv{
		reset: scienv.ResetResult{Observation: "obs", TaskDescription: "goal"},
		steps: []scienv.StepResult{{Observation: "nothing happens", Score: 10}},
	}
	chat := &fakeChat{responses: []string{"Action: wait"}}

	spec := testSpec()
	spec.MaxSteps = 3
	result := testAgent(chat).RunEpisode(context.Background(), env, spec, nil)

	if result.Termination != agent.TerminationStepLimit {
		t.Fatalf("termination = %s", result.Termination)
	}
	if result.Steps != 3 || len(result.Turns) != 3 {
		t.Fatalf("steps = %d, turns = %d", result.Steps, len(result.Turns))
	}
	if result.Success {
		t.Fatal("step limit is never a success")
	}
}

func TestRunEpisode_ResetRetriedOnce(t *testing.T) {
	env := &fakeEnv{
		resetErrs: 1,
		reset:     scienv.ResetResult{Observation: "obs", TaskDescription: "goal"},
		steps:     []scienv.StepResult{{Observation: "done", Done: true, Completed: true, Score: 100}},
	}
	chat := &fakeChat{responses: []string{"Action: wait"}}

	result := testAgent(chat).RunEpisode(context.Background(), env, testSpec(), nil)

	if env.resetCalls != 2 {
		t.Fatalf("expected 2 reset calls, got %d", env.resetCalls)
	}
	if result.Termination != agent.TerminationGoal {
		t.Fatalf("termination = %s", result.Termination)
	}
}

func TestRunEpisode_ResetFailsTwice(t *testing.T) {
	env := &fakeEnv{resetErrs: 2}
	chat := &fakeChat{responses: []string{"Action: wait"}}

	result := testAgent(chat).RunEpisode(context.Background(), env, testSpec(), nil)

	if env.resetCalls != 2 {
		t.Fatalf("expected exactly 2 reset attempts, got %d", env.resetCalls)
	}
	if result.Termination != agent.TerminationEnvironmentError {
		t.Fatalf("termination = %s", result.Termination)
	}
	if result.Err == nil {
		t.Fatal("expected error on result")
	}
	if chat.calls != 0 {
		t.Fatal("model must not be called when reset fails")
	}
}

func TestRunEpisode_StepErrorClassifiesEnvironment(t *testing.T) {
	env := &fakeEnv{
		reset:     scienv.ResetResult{Observation: "obs", TaskDescription: "goal"},
		steps:     []scienv.StepResult{{Observation: "ok"}},
		stepErr:   fmt.Errorf("step: %w", scienv.ErrEnvironment),
		stepErrAt: 2,
	}
	chat := &fakeChat{responses: []string{"Action: wait"}}

	result := testAgent(chat).RunEpisode(context.Background(), env, testSpec(), nil)

	if result.Termination != agent.TerminationEnvironmentError {
		t.Fatalf("termination = %s", result.Termination)
	}
	// The first step landed, so the partial trajectory survives.
	if result.Steps != 1 || len(result.Turns) != 1 {
		t.Fatalf("partial trajectory lost: steps=%d turns=%d", result.Steps, len(result.Turns))
	}
}

func TestRunEpisode_ModelError(t *testing.T) {
	env := &fakeEnv{
		reset: scienv.ResetResult{Observation: "obs", TaskDescription: "goal"},
		steps: []scienv.StepResult{{Observation: "ok"}},
	}
	chat := &fakeChat{err: errors.New("backend exploded")}

	result := testAgent(chat).RunEpisode(context.Background(), env, testSpec(), nil)

	if result.Termination != agent.TerminationModelError {
		t.Fatalf("termination = %s", result.Termination)
	}
	if len(env.actions) != 0 {
		t.Fatal("no action should be stepped after a model error")
	}
}

func TestRunEpisode_Cancelled(t *testing.T) {
	env := &fakeEnv{
		reset: scienv.ResetResult{Observation: "obs", TaskDescription: "goal"},
		steps: []scienv.StepResult{{Observation: "ok"}},
	}
	chat := &fakeChat{responses: []string{"Action: wait"}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := testAgent(chat).RunEpisode(ctx, env, testSpec(), nil)

	if result.Termination != agent.TerminationCancelled {
		t.Fatalf("termination = %s", result.Termination)
	}
}

func TestRunEpisode_FallbackActionOnUnparseableResponse(t *testing.T) {
	env := &fakeEnv{
		reset: scienv.ResetResult{Observation: "obs", TaskDescription: "goal"},
		steps: []scienv.StepResult{{Observation: "you look around", Done: true, Completed: true, Score: 100}},
	}
	chat := &fakeChat{responses: []string{"   \n\n"}}

	result := testAgent(chat).RunEpisode(context.Background(), env, testSpec(), nil)

	if len(env.actions) != 1 || env.actions[0] != "look around" {
		t.Fatalf("expected fallback action, got %v", env.actions)
	}
	if result.Turns[0].Action != "look around" {
		t.Fatalf("trajectory action = %q", result.Turns[0].Action)
	}
}

func TestRunEpisode_HintsFeedSystemPromptAndUsedMemories(t *testing.T) {
	env := &fakeEnv{
		reset: scienv.ResetResult{Observation: "obs", TaskDescription: "boil water"},
		steps: []scienv.StepResult{{Observation: "done", Done: true, Completed: true, Score: 100}},
	}
	chat := &fakeChat{responses: []string{"Action: wait"}}

	var gotFamily, gotGoal string
	hints := func(ctx context.Context, taskFamily, goal string) []memory.Match {
		gotFamily, gotGoal = taskFamily, goal
		return []memory.Match{{
			Record: &memory.Record{
				ID:               "rec-1",
				Context:          "boil water",
				Success:          true,
				ObservationCount: 2,
			},
			Similarity: 0.9,
		}}
	}

	result := testAgent(chat).RunEpisode(context.Background(), env, testSpec(), hints)

	if gotFamily != "boil" || gotGoal != "boil water" {
		t.Fatalf("hint provider got (%q, %q)", gotFamily, gotGoal)
	}
	if len(result.UsedMemories) != 1 || result.UsedMemories[0] != "rec-1" {
		t.Fatalf("used memories = %v", result.UsedMemories)
	}
	if len(chat.systems) == 0 {
		t.Fatal("model never called")
	}
	for _, sys := range chat.systems {
		if !strings.Contains(sys, "<past_experience>") {
			t.Fatal("system prompt missing experience section")
		}
	}
}

func TestResultOutcome(t *testing.T) {
	r := agent.Result{
		EpisodeKey: "1-1_v2_e0",
		TaskName:   "boil",
		Goal:       "boil water",
		Success:    true,
		Score:      100,
		Turns: []agent.Turn{
			{Action: "activate stove", Observation: "on"},
		},
	}
	o := r.Outcome()
	if o.EpisodeKey != "1-1_v2_e0" || o.TaskFamily != "boil" || !o.Success {
		t.Fatalf("outcome wrong: %+v", o)
	}
	if len(o.Steps) != 1 || o.Steps[0].Action != "activate stove" {
		t.Fatalf("steps wrong: %+v", o.Steps)
	}
}

func TestRunEpisode_EmitsEpisodeSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	env := &fakeEnv{
		reset: scienv.ResetResult{
			Observation:     "This room is a kitchen.",
			TaskDescription: "Your task is to boil water.",
		},
		steps: []scienv.StepResult{
			{Observation: "done", Score: 100, Done: true, Completed: true},
		},
	}
	chat := &fakeChat{responses: []string{"Think: go\nAction: activate stove"}}

	testAgent(chat).RunEpisode(context.Background(), env, testSpec(), nil)

	var episode sdktrace.ReadOnlySpan
	for _, s := range rec.Ended() {
		if s.Name() == "episode.run" {
			episode = s
		}
	}
	if episode == nil {
		t.Fatal("no episode.run span recorded")
	}
	attrs := make(map[string]string)
	for _, kv := range episode.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["scibench.task.id"] != "1-1" {
		t.Fatalf("task id attribute = %q", attrs["scibench.task.id"])
	}
	if attrs["scibench.episode.key"] != "1-1_v2_e0" {
		t.Fatalf("episode key attribute = %q", attrs["scibench.episode.key"])
	}
	if attrs["scibench.episode.termination"] != "goal" {
		t.Fatalf("termination attribute = %q", attrs["scibench.episode.termination"])
	}
	if attrs["scibench.episode.success"] != "true" {
		t.Fatalf("success attribute = %q", attrs["scibench.episode.success"])
	}
}
