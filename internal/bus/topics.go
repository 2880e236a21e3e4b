package bus

// Run event topics.
const (
	TopicRunStarted      = "run.started"
	TopicRunCheckpoint   = "run.checkpoint"
	TopicRunCompleted    = "run.completed"
	TopicEpisodeStarted  = "episode.started"
	TopicEpisodeFinished = "episode.finished"
	TopicMemoryRetrieved = "memory.retrieved"
	TopicMemoryExtracted = "memory.extracted"
)

// EpisodeEvent is published when an episode starts or finishes.
type EpisodeEvent struct {
	RunID       string  `json:"run_id"`
	EpisodeKey  string  `json:"episode_key"`
	TaskID      string  `json:"task_id"`
	TaskName    string  `json:"task_name"`
	Success     bool    `json:"success"`
	Score       float64 `json:"score"`
	Steps       int     `json:"steps"`
	Termination string  `json:"termination,omitempty"`
	Completed   int     `json:"completed"` // units finished so far in this run
	Total       int     `json:"total"`     // units in the full plan
}

// MemoryEvent is published on retrieval or extraction.
type MemoryEvent struct {
	RunID      string  `json:"run_id"`
	EpisodeKey string  `json:"episode_key"`
	TaskFamily string  `json:"task_family"`
	RecordID   string  `json:"record_id,omitempty"`
	Count      int     `json:"count,omitempty"`      // retrieved records
	Similarity float64 `json:"similarity,omitempty"` // top similarity
	Merged     bool    `json:"merged,omitempty"`     // extraction merged into existing record
}
