// Package evaluator orchestrates a run: it builds the task-unit plan,
// resumes from the checkpoint, fans units out to workers, and flushes
// every finished unit to disk before taking the next one.
package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/basket/scibench/internal/agent"
	"github.com/basket/scibench/internal/bus"
	"github.com/basket/scibench/internal/config"
	"github.com/basket/scibench/internal/memory"
	scibenchotel "github.com/basket/scibench/internal/otel"
	"github.com/basket/scibench/internal/persistence"
	"github.com/basket/scibench/internal/scienv"
	"github.com/basket/scibench/internal/taskcat"
)

// Deps carries the wired collaborators. Memory, Retriever and Extractor
// are nil in baseline mode (and Extractor additionally in retrieve_only).
type Deps struct {
	DB         *persistence.Store
	Memory     *memory.Store
	Retriever  *memory.Retriever
	Extractor  *memory.Extractor
	Agent      *agent.Agent
	EnvFactory func() scienv.Env
	Bus        *bus.Bus
	Logger     *slog.Logger
	Metrics    *scibenchotel.Metrics
}

type Evaluator struct {
	cfg   *config.Config
	runID string
	deps  Deps

	recordMu  sync.Mutex
	completed int
	total     int
}

func New(cfg *config.Config, runID string, deps Deps) *Evaluator {
	return &Evaluator{cfg: cfg, runID: runID, deps: deps}
}

// Run executes the evaluation to completion or cancellation and returns
// the summary over everything recorded under the run id, including units
// finished by earlier invocations.
func (e *Evaluator) Run(ctx context.Context) (*Summary, error) {
	log := e.deps.Logger

	configJSON, err := json.Marshal(e.cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	if err := e.deps.DB.EnsureRun(ctx, e.runID, e.cfg.LLM.Model, string(configJSON)); err != nil {
		return nil, err
	}

	// A checkpoint without its result means a previous process died between
	// writes that are supposed to be atomic. Refuse to resume on top of it.
	if err := e.deps.DB.VerifyConsistency(ctx, e.runID); err != nil {
		return nil, err
	}

	planEnv := e.deps.EnvFactory()
	plan, err := BuildPlan(ctx, planEnv, e.cfg.Eval, log)
	closeErr := planEnv.Close(context.WithoutCancel(ctx))
	if err != nil {
		return nil, err
	}
	if closeErr != nil {
		log.Warn("closing plan environment", "error", closeErr)
	}
	if len(plan) == 0 {
		return nil, fmt.Errorf("empty run plan for split %q", e.cfg.Eval.Split)
	}

	done, err := e.deps.DB.CompletedEpisodes(ctx, e.runID)
	if err != nil {
		return nil, err
	}
	var pending []Unit
	for _, u := range plan {
		if !done[u.EpisodeKey] {
			pending = append(pending, u)
		}
	}

	e.total = len(plan)
	e.completed = len(plan) - len(pending)

	log.Info("run starting",
		"run_id", e.runID,
		"model", e.cfg.LLM.Model,
		"split", e.cfg.Eval.Split,
		"units", len(plan),
		"resumed", e.completed,
		"workers", e.workerCount(),
	)
	e.deps.Bus.Publish(bus.TopicRunStarted, bus.EpisodeEvent{
		RunID:     e.runID,
		Completed: e.completed,
		Total:     e.total,
	})

	e.runWorkers(ctx, pending)

	rows, err := e.deps.DB.Results(ctx, e.runID)
	if err != nil {
		return nil, err
	}
	summary := Summarize(e.runID, e.cfg.LLM.Model, rows)

	outDir := e.cfg.OutputDir
	if !filepath.IsAbs(outDir) {
		outDir = filepath.Join(e.cfg.HomeDir, outDir)
	}
	if path, err := Export(outDir, e.cfg, summary, rows); err != nil {
		log.Warn("writing results file failed", "error", err)
	} else {
		log.Info("results written", "path", path)
	}

	e.deps.Bus.Publish(bus.TopicRunCompleted, bus.EpisodeEvent{
		RunID:     e.runID,
		Completed: e.completed,
		Total:     e.total,
	})
	log.Info("run finished",
		"run_id", e.runID,
		"episodes", summary.Episodes,
		"success_rate", summary.SuccessRate,
		"avg_score", summary.AvgScore,
	)
	return summary, nil
}

func (e *Evaluator) workerCount() int {
	if e.cfg.Eval.Workers > 0 {
		return e.cfg.Eval.Workers
	}
	return 1
}

// runWorkers feeds pending units to a fixed pool. Each worker owns one
// simulator session; results are serialized through the recorder. On
// cancellation feeding stops, and in-flight episodes record themselves as
// cancelled so they are checkpointed and never silently retried.
func (e *Evaluator) runWorkers(ctx context.Context, pending []Unit) {
	units := make(chan Unit)
	var wg sync.WaitGroup

	for w := 0; w < e.workerCount(); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env := e.deps.EnvFactory()
			defer func() {
				if err := env.Close(context.WithoutCancel(ctx)); err != nil {
					e.deps.Logger.Warn("closing worker environment", "error", err)
				}
			}()
			for unit := range units {
				e.runUnit(ctx, env, unit)
			}
		}()
	}

feed:
	for _, u := range pending {
		select {
		case units <- u:
		case <-ctx.Done():
			break feed
		}
	}
	close(units)
	wg.Wait()
}

// runUnit executes one episode end to end: retrieve, run, update retrieval
// stats, extract, record. Memory failures degrade the unit, never fail it;
// only a lost persistence write is fatal enough to log as an error.
func (e *Evaluator) runUnit(ctx context.Context, env scienv.Env, unit Unit) {
	log := e.deps.Logger

	e.deps.Bus.Publish(bus.TopicEpisodeStarted, bus.EpisodeEvent{
		RunID:      e.runID,
		EpisodeKey: unit.EpisodeKey,
		TaskID:     unit.TaskID,
		TaskName:   unit.TaskName,
		Total:      e.total,
	})

	spec := agent.EpisodeSpec{
		TaskID:          unit.TaskID,
		TaskName:        unit.TaskName,
		Variation:       unit.Variation,
		Episode:         unit.Episode,
		MaxSteps:        e.cfg.Eval.MaxSteps,
		Simplifications: taskcat.SimplificationString(e.cfg.Eval.Simplifications, unit.TaskID),
	}

	var hintsFor agent.HintProvider
	if e.deps.Retriever != nil {
		hintsFor = func(ctx context.Context, family, goal string) []memory.Match {
			matches, err := e.deps.Retriever.Query(ctx, family, goal)
			if err != nil {
				log.Warn("memory retrieval failed", "episode", unit.EpisodeKey, "error", err)
				return nil
			}
			event := bus.MemoryEvent{
				RunID:      e.runID,
				EpisodeKey: unit.EpisodeKey,
				TaskFamily: family,
				Count:      len(matches),
			}
			if len(matches) > 0 {
				event.Similarity = float64(matches[0].Similarity)
			}
			e.deps.Bus.Publish(bus.TopicMemoryRetrieved, event)
			return matches
		}
	}

	result := e.deps.Agent.RunEpisode(ctx, env, spec, hintsFor)

	// Post-episode bookkeeping must survive cancellation: the cancelled
	// result still has to land in the checkpoint.
	bgCtx := context.WithoutCancel(ctx)

	if len(result.UsedMemories) > 0 && e.deps.Memory != nil {
		if err := e.deps.Memory.RecordRetrievals(bgCtx, result.UsedMemories, result.Success); err != nil {
			log.Warn("recording retrieval stats failed", "episode", unit.EpisodeKey, "error", err)
		}
	}

	if e.deps.Extractor != nil && result.Err == nil && len(result.Turns) > 0 {
		res, err := e.deps.Extractor.Process(bgCtx, result.Outcome())
		if err != nil {
			log.Warn("memory extraction failed", "episode", unit.EpisodeKey, "error", err)
		} else {
			e.deps.Bus.Publish(bus.TopicMemoryExtracted, bus.MemoryEvent{
				RunID:      e.runID,
				EpisodeKey: unit.EpisodeKey,
				TaskFamily: unit.TaskName,
				RecordID:   res.RecordID,
				Similarity: float64(res.Similarity),
				Merged:     res.Merged,
			})
		}
	}

	e.record(bgCtx, result)
}

// record flushes one finished unit. The mutex makes the checkpoint a
// single-writer resource; RecordEpisode itself is atomic per unit.
func (e *Evaluator) record(ctx context.Context, result agent.Result) {
	log := e.deps.Logger

	trajectory, err := json.Marshal(result.Turns)
	if err != nil {
		log.Error("marshal trajectory", "episode", result.EpisodeKey, "error", err)
		trajectory = []byte("[]")
	}
	usedMemories, err := json.Marshal(result.UsedMemories)
	if err != nil {
		usedMemories = []byte("[]")
	}
	errText := ""
	if result.Err != nil {
		errText = result.Err.Error()
	}

	row := persistence.EpisodeRow{
		RunID:            e.runID,
		EpisodeKey:       result.EpisodeKey,
		TaskID:           result.TaskID,
		TaskName:         result.TaskName,
		Variation:        result.Variation,
		Episode:          result.Episode,
		Success:          result.Success,
		Score:            result.Score,
		Steps:            result.Steps,
		Termination:      string(result.Termination),
		Goal:             result.Goal,
		TrajectoryJSON:   string(trajectory),
		UsedMemoriesJSON: string(usedMemories),
		Error:            errText,
	}

	e.recordMu.Lock()
	defer e.recordMu.Unlock()

	if err := e.deps.DB.RecordEpisode(ctx, row); err != nil {
		log.Error("recording episode failed", "episode", result.EpisodeKey, "error", err)
		return
	}
	e.completed++

	e.deps.Bus.Publish(bus.TopicEpisodeFinished, bus.EpisodeEvent{
		RunID:       e.runID,
		EpisodeKey:  result.EpisodeKey,
		TaskID:      result.TaskID,
		TaskName:    result.TaskName,
		Success:     result.Success,
		Score:       result.Score,
		Steps:       result.Steps,
		Termination: string(result.Termination),
		Completed:   e.completed,
		Total:       e.total,
	})
	e.deps.Bus.Publish(bus.TopicRunCheckpoint, bus.EpisodeEvent{
		RunID:     e.runID,
		Completed: e.completed,
		Total:     e.total,
	})

	log.Info("episode finished",
		"episode", result.EpisodeKey,
		"success", result.Success,
		"score", result.Score,
		"steps", result.Steps,
		"termination", result.Termination,
		"progress", fmt.Sprintf("%d/%d", e.completed, e.total),
	)
}
