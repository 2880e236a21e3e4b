package memory

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/scibench/internal/persistence"
)

// Strategy is one reusable insight distilled from a finished episode.
type Strategy struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Content     string `json:"content"`
}

// Record is one experience in the bank. Context is the goal text the
// embedding was computed from. ObservationCount and SuccessCount track how
// many episodes have been merged into the record; retrieval counters track
// how often it was handed to an agent and whether that episode succeeded.
type Record struct {
	ID                    string
	Family                string
	Context               string
	Strategies            []Strategy
	Success               bool
	ObservationCount      int
	SuccessCount          int
	RetrievalCount        int
	RetrievalSuccessCount int
	SourceEpisode         string
	Embedding             []float32

	seq int64
}

// Utility weights confirmed successes over failures. Failed episodes still
// carry signal (what not to do), so they count at a quarter weight.
func (r *Record) Utility() float64 {
	if r.ObservationCount == 0 {
		return 0
	}
	failures := r.ObservationCount - r.SuccessCount
	return (float64(r.SuccessCount) + 0.25*float64(failures)) / float64(r.ObservationCount)
}

// Match is a retrieval hit.
type Match struct {
	Record     *Record
	Similarity float32
}

// OutcomeStep is one action/observation pair from a finished episode.
type OutcomeStep struct {
	Action      string `json:"action"`
	Observation string `json:"observation"`
}

// Outcome is the neutral summary of a finished episode handed to the
// extractor. It deliberately carries no agent internals.
type Outcome struct {
	EpisodeKey string
	TaskFamily string
	Goal       string
	Steps      []OutcomeStep
	Success    bool
	Score      float64
}

func recordToRow(r *Record) (persistence.ExperienceRow, error) {
	strategies, err := json.Marshal(r.Strategies)
	if err != nil {
		return persistence.ExperienceRow{}, fmt.Errorf("marshal strategies: %w", err)
	}
	embedding, err := json.Marshal(r.Embedding)
	if err != nil {
		return persistence.ExperienceRow{}, fmt.Errorf("marshal embedding: %w", err)
	}
	return persistence.ExperienceRow{
		ID:                    r.ID,
		Family:                r.Family,
		Context:               r.Context,
		StrategiesJSON:        string(strategies),
		Success:               r.Success,
		ObservationCount:      r.ObservationCount,
		SuccessCount:          r.SuccessCount,
		RetrievalCount:        r.RetrievalCount,
		RetrievalSuccessCount: r.RetrievalSuccessCount,
		SourceEpisode:         r.SourceEpisode,
		EmbeddingJSON:         string(embedding),
	}, nil
}

func rowToRecord(row persistence.ExperienceRow) (*Record, error) {
	if strings.TrimSpace(row.ID) == "" {
		return nil, fmt.Errorf("experience row with empty id")
	}
	var strategies []Strategy
	if err := json.Unmarshal([]byte(row.StrategiesJSON), &strategies); err != nil {
		return nil, fmt.Errorf("unmarshal strategies for %s: %w", row.ID, err)
	}
	var embedding []float32
	if err := json.Unmarshal([]byte(row.EmbeddingJSON), &embedding); err != nil {
		return nil, fmt.Errorf("unmarshal embedding for %s: %w", row.ID, err)
	}
	if len(embedding) == 0 {
		return nil, fmt.Errorf("experience %s has no embedding", row.ID)
	}
	return &Record{
		ID:                    row.ID,
		Family:                row.Family,
		Context:               row.Context,
		Strategies:            strategies,
		Success:               row.Success,
		ObservationCount:      row.ObservationCount,
		SuccessCount:          row.SuccessCount,
		RetrievalCount:        row.RetrievalCount,
		RetrievalSuccessCount: row.RetrievalSuccessCount,
		SourceEpisode:         row.SourceEpisode,
		Embedding:             embedding,
		seq:                   row.Seq,
	}, nil
}
