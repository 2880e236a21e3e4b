package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/basket/scibench/internal/taskcat"
)

// EpisodeRow is one persisted episode result. Trajectory and used-memory
// ids are stored as JSON so a finished run can be exported or re-summarized
// without replaying anything.
type EpisodeRow struct {
	RunID            string
	EpisodeKey       string
	TaskID           string
	TaskName         string
	Variation        int
	Episode          int
	Success          bool
	Score            float64
	Steps            int
	Termination      string
	Goal             string
	TrajectoryJSON   string
	UsedMemoriesJSON string
	Error            string
	CreatedAt        time.Time
}

func (s *Store) EnsureRun(ctx context.Context, runID, model, configJSON string) error {
	if configJSON == "" {
		configJSON = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, model, config_json, created_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(run_id) DO NOTHING;
	`, runID, model, configJSON)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// CompletedEpisodes returns the checkpointed episode keys for a run.
func (s *Store) CompletedEpisodes(ctx context.Context, runID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT episode_key FROM checkpoints WHERE run_id = ?;
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	done := make(map[string]bool)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		done[key] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("checkpoint rows: %w", err)
	}
	return done, nil
}

// RecordEpisode writes the result row and its checkpoint in one
// transaction. A crash between the two writes can therefore never leave a
// checkpoint behind without its result.
func (s *Store) RecordEpisode(ctx context.Context, row EpisodeRow) error {
	if row.TrajectoryJSON == "" {
		row.TrajectoryJSON = "[]"
	}
	if row.UsedMemoriesJSON == "" {
		row.UsedMemoriesJSON = "[]"
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin record tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO results (
				run_id, episode_key, task_id, task_name, variation, episode,
				success, score, steps, termination, goal,
				trajectory_json, used_memories_json, error, created_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, row.RunID, row.EpisodeKey, row.TaskID, row.TaskName, row.Variation, row.Episode,
			row.Success, row.Score, row.Steps, row.Termination, row.Goal,
			row.TrajectoryJSON, row.UsedMemoriesJSON, row.Error); err != nil {
			return fmt.Errorf("insert result: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO checkpoints (run_id, episode_key, completed_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(run_id, episode_key) DO NOTHING;
		`, row.RunID, row.EpisodeKey); err != nil {
			return fmt.Errorf("insert checkpoint: %w", err)
		}
		return tx.Commit()
	})
}

// Results returns all result rows for a run in catalog task order, then
// variation and episode. SQL ordering on task_id would be lexicographic
// ("10-1" before "2-1"), so the sort happens here.
func (s *Store) Results(ctx context.Context, runID string) ([]EpisodeRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, episode_key, task_id, task_name, variation, episode,
			success, score, steps, termination, goal,
			trajectory_json, used_memories_json, error, created_at
		FROM results
		WHERE run_id = ?;
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var out []EpisodeRow
	for rows.Next() {
		var r EpisodeRow
		if err := rows.Scan(
			&r.RunID, &r.EpisodeKey, &r.TaskID, &r.TaskName, &r.Variation, &r.Episode,
			&r.Success, &r.Score, &r.Steps, &r.Termination, &r.Goal,
			&r.TrajectoryJSON, &r.UsedMemoriesJSON, &r.Error, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("result rows: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.TaskID != b.TaskID {
			return taskcat.Less(a.TaskID, b.TaskID)
		}
		if a.Variation != b.Variation {
			return a.Variation < b.Variation
		}
		return a.Episode < b.Episode
	})
	return out, nil
}

// Result returns a single result row, or sql.ErrNoRows if absent.
func (s *Store) Result(ctx context.Context, runID, episodeKey string) (EpisodeRow, error) {
	var r EpisodeRow
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, episode_key, task_id, task_name, variation, episode,
			success, score, steps, termination, goal,
			trajectory_json, used_memories_json, error, created_at
		FROM results
		WHERE run_id = ? AND episode_key = ?;
	`, runID, episodeKey).Scan(
		&r.RunID, &r.EpisodeKey, &r.TaskID, &r.TaskName, &r.Variation, &r.Episode,
		&r.Success, &r.Score, &r.Steps, &r.Termination, &r.Goal,
		&r.TrajectoryJSON, &r.UsedMemoriesJSON, &r.Error, &r.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return EpisodeRow{}, err
		}
		return EpisodeRow{}, fmt.Errorf("query result: %w", err)
	}
	return r, nil
}

// VerifyConsistency checks that every checkpointed episode has a result
// row. The reverse (result without checkpoint) is harmless and simply
// replays the episode on resume.
func (s *Store) VerifyConsistency(ctx context.Context, runID string) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.episode_key
		FROM checkpoints c
		LEFT JOIN results r ON r.run_id = c.run_id AND r.episode_key = c.episode_key
		WHERE c.run_id = ? AND r.episode_key IS NULL;
	`, runID)
	if err != nil {
		return fmt.Errorf("query consistency: %w", err)
	}
	defer rows.Close()

	var missing []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return fmt.Errorf("scan consistency: %w", err)
		}
		missing = append(missing, key)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("consistency rows: %w", err)
	}
	if len(missing) > 0 {
		return fmt.Errorf("run %s: %w: %s", runID, ErrInconsistent, strings.Join(missing, ", "))
	}
	return nil
}
