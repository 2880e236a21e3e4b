// Package config loads and validates the scibench run configuration.
// Configuration comes from <home>/config.yaml with environment-variable
// overrides for secrets, mirrored by CLI flags in cmd/scibench.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/scibench/internal/taskcat"
)

// MemoryMode controls which halves of the experience-memory system are active.
type MemoryMode string

const (
	// MemoryModeBaseline disables retrieval and extraction entirely.
	MemoryModeBaseline MemoryMode = "baseline"
	// MemoryModeRetrieveOnly injects prior experiences but never writes new ones.
	MemoryModeRetrieveOnly MemoryMode = "retrieve_only"
	// MemoryModeRetrieveAndExtract retrieves before each episode and extracts after.
	MemoryModeRetrieveAndExtract MemoryMode = "retrieve_and_extract"
)

// Retrieves reports whether experience retrieval is active.
func (m MemoryMode) Retrieves() bool {
	return m == MemoryModeRetrieveOnly || m == MemoryModeRetrieveAndExtract
}

// Extracts reports whether experience extraction is active.
func (m MemoryMode) Extracts() bool {
	return m == MemoryModeRetrieveAndExtract
}

// LLMConfig holds the model backend settings.
type LLMConfig struct {
	BaseURL string `yaml:"base_url"`
	// Never marshaled to JSON: results files and the runs table persist
	// the config snapshot.
	APIKey         string  `yaml:"api_key" json:"-"`
	Model          string  `yaml:"model"`
	Temperature    float64 `yaml:"temperature"`
	MaxTokens      int     `yaml:"max_tokens"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
}

// RetryConfig bounds retries against the model backend.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts"`
	BaseDelaySeconds float64 `yaml:"base_delay_seconds"`
	MaxDelaySeconds  float64 `yaml:"max_delay_seconds"`
}

// BaseDelay returns the initial backoff delay.
func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelaySeconds * float64(time.Second))
}

// MaxDelay returns the backoff ceiling.
func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelaySeconds * float64(time.Second))
}

// EnvironmentConfig holds the simulator sidecar endpoint settings.
type EnvironmentConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// EmbeddingConfig selects and configures the embedding provider.
// Provider "local" is a deterministic in-process embedder; "openai" calls an
// OpenAI-compatible /embeddings endpoint.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"`
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key" json:"-"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
}

// EvalConfig defines the unit-of-work matrix for a run.
type EvalConfig struct {
	TaskIDs         []string `yaml:"task_ids"` // empty means all catalog tasks
	EpisodesPerTask int      `yaml:"episodes_per_task"`
	Split           string   `yaml:"split"` // train | dev | test
	Seed            int64    `yaml:"seed"`
	MaxSteps        int      `yaml:"max_steps"`
	Simplifications string   `yaml:"simplifications"`
	Workers         int      `yaml:"workers"`
}

// PromptConfig tunes transcript construction.
type PromptConfig struct {
	UseFewShot    bool `yaml:"use_few_shot"`
	HistoryLength int  `yaml:"history_length"`
}

// MemoryConfig tunes the experience memory bank. Threshold values are
// experiment parameters, not contracts; defaults come from normalize.
type MemoryConfig struct {
	Mode                MemoryMode `yaml:"mode"`
	TopK                int        `yaml:"top_k"`
	SimilarityThreshold float64    `yaml:"similarity_threshold"`
	MergeThreshold      float64    `yaml:"merge_threshold"`
}

// OtelConfig configures OpenTelemetry export. Disabled yields no-op providers.
type OtelConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // stdout | otlp
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// Config is the root configuration for a scibench run.
type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel  string `yaml:"log_level"`
	OutputDir string `yaml:"output_dir"`

	// RunIDOverride pins the run identifier instead of deriving it from the
	// result-affecting parameters. Used to resume a specific run.
	RunIDOverride string `yaml:"run_id"`

	LLM         LLMConfig         `yaml:"llm"`
	Retry       RetryConfig       `yaml:"retry"`
	Environment EnvironmentConfig `yaml:"environment"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Eval        EvalConfig        `yaml:"eval"`
	Prompt      PromptConfig      `yaml:"prompt"`
	Memory      MemoryConfig      `yaml:"memory"`
	Otel        OtelConfig        `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:  "info",
		OutputDir: "results",
		LLM: LLMConfig{
			BaseURL:        "https://openrouter.ai/api/v1",
			Model:          "qwen/qwen3-8b",
			Temperature:    0.3,
			MaxTokens:      1024,
			TimeoutSeconds: 60,
		},
		Retry: RetryConfig{
			MaxAttempts:      3,
			BaseDelaySeconds: 1,
			MaxDelaySeconds:  30,
		},
		Environment: EnvironmentConfig{
			BaseURL:        "http://127.0.0.1:8085",
			TimeoutSeconds: 30,
		},
		Embedding: EmbeddingConfig{
			Provider:   "local",
			Dimensions: 384,
		},
		Eval: EvalConfig{
			EpisodesPerTask: 5,
			Split:           "dev",
			Seed:            42,
			MaxSteps:        50,
			Simplifications: "easy",
			Workers:         1,
		},
		Prompt: PromptConfig{
			UseFewShot:    true,
			HistoryLength: 20,
		},
		Memory: MemoryConfig{
			Mode:                MemoryModeBaseline,
			TopK:                1,
			SimilarityThreshold: 0.5,
			MergeThreshold:      0.92,
		},
	}
}

// HomeDir resolves the scibench data directory.
func HomeDir() string {
	if override := os.Getenv("SCIBENCH_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".scibench")
}

// Load reads config.yaml from the scibench home (or an explicit path),
// applies env overrides, normalizes defaults, and validates.
func Load(path string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create scibench home: %w", err)
	}

	if path == "" {
		path = filepath.Join(cfg.HomeDir, "config.yaml")
	}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SCIBENCH_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if cfg.LLM.APIKey == "" {
		if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
			cfg.LLM.APIKey = v
		} else if v := os.Getenv("OPENAI_API_KEY"); v != "" {
			cfg.LLM.APIKey = v
		}
	}
	if v := os.Getenv("SCIBENCH_ENV_URL"); v != "" {
		cfg.Environment.BaseURL = v
	}
	if v := os.Getenv("SCIBENCH_EMBED_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "results"
	}
	if cfg.LLM.TimeoutSeconds <= 0 {
		cfg.LLM.TimeoutSeconds = 60
	}
	if cfg.LLM.MaxTokens <= 0 {
		cfg.LLM.MaxTokens = 1024
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.BaseDelaySeconds <= 0 {
		cfg.Retry.BaseDelaySeconds = 1
	}
	if cfg.Retry.MaxDelaySeconds <= 0 {
		cfg.Retry.MaxDelaySeconds = 30
	}
	if cfg.Environment.TimeoutSeconds <= 0 {
		cfg.Environment.TimeoutSeconds = 30
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "local"
	}
	if cfg.Embedding.Dimensions <= 0 {
		cfg.Embedding.Dimensions = 384
	}
	if cfg.Eval.EpisodesPerTask <= 0 {
		cfg.Eval.EpisodesPerTask = 5
	}
	if cfg.Eval.Split == "" {
		cfg.Eval.Split = "dev"
	}
	if cfg.Eval.MaxSteps <= 0 {
		cfg.Eval.MaxSteps = 50
	}
	if cfg.Eval.Simplifications == "" {
		cfg.Eval.Simplifications = "easy"
	}
	if cfg.Eval.Workers <= 0 {
		cfg.Eval.Workers = 1
	}
	if cfg.Prompt.HistoryLength <= 0 {
		cfg.Prompt.HistoryLength = 20
	}
	if cfg.Memory.Mode == "" {
		cfg.Memory.Mode = MemoryModeBaseline
	}
	if cfg.Memory.TopK <= 0 {
		cfg.Memory.TopK = 1
	}
	if cfg.Memory.SimilarityThreshold <= 0 {
		cfg.Memory.SimilarityThreshold = 0.5
	}
	if cfg.Memory.MergeThreshold <= 0 {
		cfg.Memory.MergeThreshold = 0.92
	}
}

// Validate rejects configurations that would produce an unrunnable plan.
func (c Config) Validate() error {
	switch c.Eval.Split {
	case "train", "dev", "test":
	default:
		return fmt.Errorf("invalid split %q: must be train, dev, or test", c.Eval.Split)
	}
	for _, id := range c.Eval.TaskIDs {
		if _, ok := taskcat.NameByID(id); !ok {
			return fmt.Errorf("unknown task id %q", id)
		}
	}
	if err := taskcat.ValidateSimplifications(c.Eval.Simplifications); err != nil {
		return err
	}
	switch c.Memory.Mode {
	case MemoryModeBaseline, MemoryModeRetrieveOnly, MemoryModeRetrieveAndExtract:
	default:
		return fmt.Errorf("invalid memory mode %q", c.Memory.Mode)
	}
	switch c.Embedding.Provider {
	case "local", "openai":
	default:
		return fmt.Errorf("invalid embedding provider %q", c.Embedding.Provider)
	}
	return nil
}

// RunID returns the stable run identifier. It is either the configured
// override or a fingerprint of every parameter that affects results, so a
// re-run with identical settings resumes the same checkpoint.
func (c Config) RunID() string {
	if c.RunIDOverride != "" {
		return c.RunIDOverride
	}

	tasks := append([]string(nil), c.Eval.TaskIDs...)
	sort.Strings(tasks)

	h := fnv.New64a()
	fmt.Fprintf(h, "model=%s|temp=%.3f|maxtok=%d|split=%s|tasks=%s|eps=%d|seed=%d|steps=%d|simpl=%s|fewshot=%t|hist=%d|mem=%s",
		c.LLM.Model, c.LLM.Temperature, c.LLM.MaxTokens,
		c.Eval.Split, strings.Join(tasks, ","), c.Eval.EpisodesPerTask,
		c.Eval.Seed, c.Eval.MaxSteps, c.Eval.Simplifications,
		c.Prompt.UseFewShot, c.Prompt.HistoryLength, c.Memory.Mode)
	if c.Memory.Mode != MemoryModeBaseline {
		fmt.Fprintf(h, "|embed=%s/%s|topk=%d|sim=%.3f|merge=%.3f",
			c.Embedding.Provider, c.Embedding.Model,
			c.Memory.TopK, c.Memory.SimilarityThreshold, c.Memory.MergeThreshold)
	}

	model := c.LLM.Model
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	taskStr := "all"
	if len(tasks) > 0 {
		taskStr = fmt.Sprintf("t%d", len(tasks))
	}
	memSuffix := ""
	switch c.Memory.Mode {
	case MemoryModeRetrieveOnly:
		memSuffix = "_ret"
	case MemoryModeRetrieveAndExtract:
		memSuffix = "_retex"
	}
	return fmt.Sprintf("%s_%s_%s%s_%x", model, c.Eval.Split, taskStr, memSuffix, h.Sum64())
}
