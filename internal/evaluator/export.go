package evaluator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/scibench/internal/config"
	"github.com/basket/scibench/internal/persistence"
)

type exportEpisode struct {
	EpisodeKey   string          `json:"episode_key"`
	TaskID       string          `json:"task_id"`
	TaskName     string          `json:"task_name"`
	Variation    int             `json:"variation"`
	Episode      int             `json:"episode"`
	Success      bool            `json:"success"`
	Score        float64         `json:"score"`
	Steps        int             `json:"steps"`
	Termination  string          `json:"termination"`
	Goal         string          `json:"goal"`
	Trajectory   json.RawMessage `json:"trajectory"`
	UsedMemories json.RawMessage `json:"used_memories"`
	Error        string          `json:"error,omitempty"`
}

type exportFile struct {
	RunID     string          `json:"run_id"`
	Model     string          `json:"model"`
	Timestamp string          `json:"timestamp"`
	Config    *config.Config  `json:"config"`
	Summary   *Summary        `json:"summary"`
	Results   []exportEpisode `json:"results"`
}

// Export writes the run's full results file under dir and returns its
// path. The write goes through a temp file and rename so a crash mid-write
// never leaves a truncated results file behind.
func Export(dir string, cfg *config.Config, summary *Summary, rows []persistence.EpisodeRow) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	episodes := make([]exportEpisode, 0, len(rows))
	for _, row := range rows {
		episodes = append(episodes, exportEpisode{
			EpisodeKey:   row.EpisodeKey,
			TaskID:       row.TaskID,
			TaskName:     row.TaskName,
			Variation:    row.Variation,
			Episode:      row.Episode,
			Success:      row.Success,
			Score:        row.Score,
			Steps:        row.Steps,
			Termination:  row.Termination,
			Goal:         row.Goal,
			Trajectory:   json.RawMessage(row.TrajectoryJSON),
			UsedMemories: json.RawMessage(row.UsedMemoriesJSON),
			Error:        row.Error,
		})
	}

	payload := exportFile{
		RunID:     summary.RunID,
		Model:     summary.Model,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Config:    cfg,
		Summary:   summary,
		Results:   episodes,
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal results: %w", err)
	}

	path := filepath.Join(dir, summary.RunID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write results: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("finalize results: %w", err)
	}
	return path, nil
}
