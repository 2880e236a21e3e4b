package evaluator

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"

	"github.com/basket/scibench/internal/config"
	"github.com/basket/scibench/internal/scienv"
	"github.com/basket/scibench/internal/taskcat"
)

// Unit is one episode in the run plan.
type Unit struct {
	TaskID     string
	TaskName   string
	Variation  int
	Episode    int
	EpisodeKey string
}

// BuildPlan enumerates the task units for a run. Variation selection is a
// per-task seeded shuffle so every resume of the same run id picks the same
// variations, and the plan order is task id then selection index. Tasks
// without variations in the split are skipped with a warning.
func BuildPlan(ctx context.Context, env scienv.Env, cfg config.EvalConfig, logger *slog.Logger) ([]Unit, error) {
	taskIDs := cfg.TaskIDs
	if len(taskIDs) == 0 {
		taskIDs = taskcat.AllIDs()
	} else {
		taskIDs = append([]string(nil), taskIDs...)
		sort.Slice(taskIDs, func(i, j int) bool { return taskcat.Less(taskIDs[i], taskIDs[j]) })
	}

	var plan []Unit
	for _, id := range taskIDs {
		name, ok := taskcat.NameByID(id)
		if !ok {
			return nil, fmt.Errorf("unknown task id %q", id)
		}

		variations, err := env.Variations(ctx, name, cfg.Split)
		if err != nil {
			return nil, fmt.Errorf("list variations for %s: %w", name, err)
		}
		if len(variations) == 0 {
			logger.Warn("no variations in split, skipping task", "task", id, "split", cfg.Split)
			continue
		}

		shuffled := append([]int(nil), variations...)
		rng := rand.New(rand.NewPCG(uint64(taskSeed(cfg.Seed, id)), 0x9e3779b97f4a7c15))
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		count := cfg.EpisodesPerTask
		if count > len(shuffled) {
			count = len(shuffled)
		}
		for _, variation := range shuffled[:count] {
			plan = append(plan, Unit{
				TaskID:     id,
				TaskName:   name,
				Variation:  variation,
				Episode:    0,
				EpisodeKey: taskcat.EpisodeKey(id, variation, 0),
			})
		}
	}
	return plan, nil
}

// taskSeed derives a per-task seed so adding or removing tasks from a run
// does not reshuffle the variations of the remaining ones.
func taskSeed(seed int64, taskID string) int64 {
	s := seed
	for _, c := range []byte(taskID) {
		s += int64(c)
	}
	return s
}
