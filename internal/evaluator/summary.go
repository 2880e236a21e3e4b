package evaluator

import (
	"sort"

	"github.com/basket/scibench/internal/persistence"
	"github.com/basket/scibench/internal/taskcat"
)

// TaskSummary aggregates the episodes of one task.
type TaskSummary struct {
	TaskID      string  `json:"task_id"`
	TaskName    string  `json:"task_name"`
	Episodes    int     `json:"episodes"`
	Successes   int     `json:"successes"`
	SuccessRate float64 `json:"success_rate"`
	AvgScore    float64 `json:"avg_score"`
	AvgSteps    float64 `json:"avg_steps"`
}

// Summary aggregates everything recorded under a run id. Because it is
// computed from the persisted results rather than in-process counters, a
// resumed run reports the same numbers as an uninterrupted one.
type Summary struct {
	RunID        string         `json:"run_id"`
	Model        string         `json:"model"`
	Episodes     int            `json:"episodes"`
	Successes    int            `json:"successes"`
	SuccessRate  float64        `json:"success_rate"`
	AvgScore     float64        `json:"avg_score"`
	AvgSteps     float64        `json:"avg_steps"`
	Terminations map[string]int `json:"terminations"`
	Tasks        []TaskSummary  `json:"tasks"`
}

func Summarize(runID, model string, rows []persistence.EpisodeRow) *Summary {
	s := &Summary{
		RunID:        runID,
		Model:        model,
		Terminations: make(map[string]int),
	}

	perTask := make(map[string]*TaskSummary)
	var totalScore, totalSteps float64
	for _, row := range rows {
		s.Episodes++
		if row.Success {
			s.Successes++
		}
		totalScore += row.Score
		totalSteps += float64(row.Steps)
		s.Terminations[row.Termination]++

		ts, ok := perTask[row.TaskID]
		if !ok {
			ts = &TaskSummary{TaskID: row.TaskID, TaskName: row.TaskName}
			perTask[row.TaskID] = ts
		}
		ts.Episodes++
		if row.Success {
			ts.Successes++
		}
		ts.AvgScore += row.Score
		ts.AvgSteps += float64(row.Steps)
	}

	if s.Episodes > 0 {
		s.SuccessRate = float64(s.Successes) / float64(s.Episodes)
		s.AvgScore = totalScore / float64(s.Episodes)
		s.AvgSteps = totalSteps / float64(s.Episodes)
	}

	for _, ts := range perTask {
		if ts.Episodes > 0 {
			ts.SuccessRate = float64(ts.Successes) / float64(ts.Episodes)
			ts.AvgScore /= float64(ts.Episodes)
			ts.AvgSteps /= float64(ts.Episodes)
		}
		s.Tasks = append(s.Tasks, *ts)
	}
	sort.Slice(s.Tasks, func(i, j int) bool {
		return taskcat.Less(s.Tasks[i].TaskID, s.Tasks[j].TaskID)
	})
	return s
}
