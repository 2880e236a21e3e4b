package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all scibench metric instruments.
type Metrics struct {
	EpisodeDuration   metric.Float64Histogram
	EpisodeSteps      metric.Int64Histogram
	EpisodeScore      metric.Float64Histogram
	LLMCallDuration   metric.Float64Histogram
	LLMRetries        metric.Int64Counter
	EnvErrors         metric.Int64Counter
	MemoryRetrievals  metric.Int64Counter
	MemoryExtractions metric.Int64Counter
	MemoryMerges      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EpisodeDuration, err = meter.Float64Histogram("scibench.episode.duration",
		metric.WithDescription("Episode wall-clock duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.EpisodeSteps, err = meter.Int64Histogram("scibench.episode.steps",
		metric.WithDescription("Steps consumed per episode"),
	)
	if err != nil {
		return nil, err
	}

	m.EpisodeScore, err = meter.Float64Histogram("scibench.episode.score",
		metric.WithDescription("Final environment score per episode"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("scibench.llm.duration",
		metric.WithDescription("Model backend call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMRetries, err = meter.Int64Counter("scibench.llm.retries",
		metric.WithDescription("Model backend retry count"),
	)
	if err != nil {
		return nil, err
	}

	m.EnvErrors, err = meter.Int64Counter("scibench.env.errors",
		metric.WithDescription("Environment errors observed at the task-unit boundary"),
	)
	if err != nil {
		return nil, err
	}

	m.MemoryRetrievals, err = meter.Int64Counter("scibench.memory.retrievals",
		metric.WithDescription("Experience records injected into episodes"),
	)
	if err != nil {
		return nil, err
	}

	m.MemoryExtractions, err = meter.Int64Counter("scibench.memory.extractions",
		metric.WithDescription("New experience records appended"),
	)
	if err != nil {
		return nil, err
	}

	m.MemoryMerges, err = meter.Int64Counter("scibench.memory.merges",
		metric.WithDescription("Extractions merged into near-duplicate records"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
