package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ExperienceRow is one persisted experience record. Seq is the SQLite
// rowid, used as a stable insertion order for deterministic tie-breaking
// when similarity scores are equal.
type ExperienceRow struct {
	ID                    string
	Seq                   int64
	Family                string
	Context               string
	StrategiesJSON        string
	Success               bool
	ObservationCount      int
	SuccessCount          int
	RetrievalCount        int
	RetrievalSuccessCount int
	SourceEpisode         string
	EmbeddingJSON         string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (s *Store) InsertExperience(ctx context.Context, row ExperienceRow) error {
	if row.StrategiesJSON == "" {
		row.StrategiesJSON = "[]"
	}
	if row.EmbeddingJSON == "" {
		row.EmbeddingJSON = "[]"
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO experiences (
				id, family, context, strategies_json, success,
				observation_count, success_count, retrieval_count, retrieval_success_count,
				source_episode, embedding_json, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, row.ID, row.Family, row.Context, row.StrategiesJSON, row.Success,
			row.ObservationCount, row.SuccessCount, row.RetrievalCount, row.RetrievalSuccessCount,
			row.SourceEpisode, row.EmbeddingJSON)
		if err != nil {
			return fmt.Errorf("insert experience: %w", err)
		}
		return nil
	})
}

// UpdateExperience rewrites the merge-mutable fields of an existing record.
func (s *Store) UpdateExperience(ctx context.Context, row ExperienceRow) error {
	if row.StrategiesJSON == "" {
		row.StrategiesJSON = "[]"
	}
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE experiences
			SET strategies_json = ?,
				success = ?,
				observation_count = ?,
				success_count = ?,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, row.StrategiesJSON, row.Success, row.ObservationCount, row.SuccessCount, row.ID)
		if err != nil {
			return fmt.Errorf("update experience: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update experience rows affected: %w", err)
		}
		if affected != 1 {
			return fmt.Errorf("update experience %s: no such record", row.ID)
		}
		return nil
	})
}

// BumpRetrievals increments the retrieval counters for the given record
// ids. success marks whether the episode that used them succeeded.
func (s *Store) BumpRetrievals(ctx context.Context, ids []string, success bool) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(ids)+1)
	args = append(args, success)
	for _, id := range ids {
		args = append(args, id)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
			UPDATE experiences
			SET retrieval_count = retrieval_count + 1,
				retrieval_success_count = retrieval_success_count + CASE WHEN ? THEN 1 ELSE 0 END,
				updated_at = CURRENT_TIMESTAMP
			WHERE id IN (%s);
		`, placeholders), args...)
		if err != nil {
			return fmt.Errorf("bump retrievals: %w", err)
		}
		return nil
	})
}

// LoadExperiences returns every experience record in insertion order.
func (s *Store) LoadExperiences(ctx context.Context) ([]ExperienceRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rowid, id, family, context, strategies_json, success,
			observation_count, success_count, retrieval_count, retrieval_success_count,
			source_episode, embedding_json, created_at, updated_at
		FROM experiences
		ORDER BY rowid ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query experiences: %w", err)
	}
	defer rows.Close()

	var out []ExperienceRow
	for rows.Next() {
		var r ExperienceRow
		if err := rows.Scan(
			&r.Seq, &r.ID, &r.Family, &r.Context, &r.StrategiesJSON, &r.Success,
			&r.ObservationCount, &r.SuccessCount, &r.RetrievalCount, &r.RetrievalSuccessCount,
			&r.SourceEpisode, &r.EmbeddingJSON, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan experience: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("experience rows: %w", err)
	}
	return out, nil
}

// ExperienceCount returns the number of stored experience records.
func (s *Store) ExperienceCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM experiences;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count experiences: %w", err)
	}
	return count, nil
}
