// Command scibench evaluates an LLM agent on ScienceWorld tasks with a
// resumable checkpointed run and an optional experience memory bank.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/basket/scibench/internal/agent"
	"github.com/basket/scibench/internal/bus"
	"github.com/basket/scibench/internal/config"
	"github.com/basket/scibench/internal/evaluator"
	"github.com/basket/scibench/internal/llm"
	"github.com/basket/scibench/internal/memory"
	scibenchotel "github.com/basket/scibench/internal/otel"
	"github.com/basket/scibench/internal/persistence"
	"github.com/basket/scibench/internal/scienv"
	"github.com/basket/scibench/internal/telemetry"
)

type flags struct {
	configPath string
	tasks      string
	episodes   int
	split      string
	seed       int64
	maxSteps   int
	workers    int
	memoryMode string
	model      string
	runID      string
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s [flags]                  Run (or resume) an evaluation

FLAGS:
`, os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  SCIBENCH_HOME           Data directory (default: ~/.scibench)
  SCIBENCH_API_KEY        Model backend API key (also OPENROUTER_API_KEY, OPENAI_API_KEY)
  SCIBENCH_ENV_URL        ScienceWorld simulator base URL
  SCIBENCH_EMBED_API_KEY  Embedding endpoint API key

EXAMPLES:
  Quick smoke run:        %s -tasks 4-1 -episodes 1
  Full dev split:         %s -episodes 5
  With memory bank:       %s -memory-mode retrieve_and_extract
  Resume a run:           %s -run-id <id>
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "config file path (default: $SCIBENCH_HOME/config.yaml)")
	flag.StringVar(&f.tasks, "tasks", "", "comma-separated task ids to run (default: all)")
	flag.IntVar(&f.episodes, "episodes", 0, "variations to test per task")
	flag.StringVar(&f.split, "split", "", "variation split: train, dev or test")
	flag.Int64Var(&f.seed, "seed", -1, "variation selection seed")
	flag.IntVar(&f.maxSteps, "max-steps", 0, "max steps per episode")
	flag.IntVar(&f.workers, "workers", 0, "parallel task-unit workers")
	flag.StringVar(&f.memoryMode, "memory-mode", "", "baseline, retrieve_only or retrieve_and_extract")
	flag.StringVar(&f.model, "model", "", "model identifier")
	flag.StringVar(&f.runID, "run-id", "", "pin the run id (resume a specific run)")
	flag.Usage = printUsage
	flag.Parse()
	return f
}

// applyFlags layers CLI overrides on top of the loaded config. Flags at
// their zero values leave the config untouched.
func applyFlags(cfg *config.Config, f flags) error {
	if f.tasks != "" {
		cfg.Eval.TaskIDs = nil
		for _, id := range strings.Split(f.tasks, ",") {
			if id = strings.TrimSpace(id); id != "" {
				cfg.Eval.TaskIDs = append(cfg.Eval.TaskIDs, id)
			}
		}
	}
	if f.episodes > 0 {
		cfg.Eval.EpisodesPerTask = f.episodes
	}
	if f.split != "" {
		cfg.Eval.Split = f.split
	}
	if f.seed >= 0 {
		cfg.Eval.Seed = f.seed
	}
	if f.maxSteps > 0 {
		cfg.Eval.MaxSteps = f.maxSteps
	}
	if f.workers > 0 {
		cfg.Eval.Workers = f.workers
	}
	if f.memoryMode != "" {
		cfg.Memory.Mode = config.MemoryMode(f.memoryMode)
	}
	if f.model != "" {
		cfg.LLM.Model = f.model
	}
	if f.runID != "" {
		cfg.RunIDOverride = f.runID
	}
	return cfg.Validate()
}

func main() {
	f := parseFlags()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, f); err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "scibench: interrupted")
			os.Exit(130)
		}
		fmt.Fprintf(os.Stderr, "scibench: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, f flags) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	if err := applyFlags(&cfg, f); err != nil {
		return err
	}
	runID := cfg.RunID()

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	otelProvider, err := scibenchotel.Init(ctx, cfg.Otel)
	if err != nil {
		return err
	}
	defer func() {
		if err := otelProvider.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("otel shutdown", "error", err)
		}
	}()
	metrics, err := scibenchotel.NewMetrics(otelProvider.Meter)
	if err != nil {
		return err
	}

	db, err := persistence.Open(filepath.Join(cfg.HomeDir, "scibench.db"))
	if err != nil {
		return err
	}
	defer db.Close()

	eventBus := bus.New()
	llmClient := llm.NewClient(cfg.LLM, cfg.Retry, logger, metrics)

	deps := evaluator.Deps{
		DB:      db,
		Agent:   agent.New(llmClient, cfg.Prompt, logger, metrics),
		Bus:     eventBus,
		Logger:  logger,
		Metrics: metrics,
		EnvFactory: func() scienv.Env {
			return scienv.NewClient(cfg.Environment, logger)
		},
	}

	if cfg.Memory.Mode.Retrieves() {
		embedder, err := memory.NewEmbedder(cfg.Embedding)
		if err != nil {
			return err
		}
		memStore, err := memory.NewStore(ctx, db, logger)
		if err != nil {
			return err
		}
		deps.Memory = memStore
		deps.Retriever = memory.NewRetriever(memStore, embedder, cfg.Memory, logger, metrics)
		if cfg.Memory.Mode.Extracts() {
			deps.Extractor = memory.NewExtractor(memStore, llmClient, embedder, cfg.Memory.MergeThreshold, logger, metrics)
		}
	}

	summary, err := evaluator.New(&cfg, runID, deps).Run(ctx)
	if err != nil {
		return err
	}

	color := isatty.IsTerminal(os.Stdout.Fd())
	fmt.Print(evaluator.Report(summary, color))

	return ctx.Err()
}
