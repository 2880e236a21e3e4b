package scienv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/basket/scibench/internal/config"
)

// Client talks to the simulator sidecar over HTTP. It is not safe for
// concurrent use; each evaluation worker owns its own client.
type Client struct {
	baseURL string
	httpc   *http.Client
	logger  *slog.Logger

	sessionID    string
	validActions []string
	score        float64
}

// NewClient creates a simulator client for the configured endpoint.
func NewClient(cfg config.EnvironmentConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpc:   &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		logger:  logger,
	}
}

type resetRequest struct {
	Task            string `json:"task"`
	Variation       int    `json:"variation"`
	Simplifications string `json:"simplifications"`
}

type resetResponse struct {
	SessionID    string   `json:"session_id"`
	Observation  string   `json:"observation"`
	TaskDesc     string   `json:"task_desc"`
	ValidActions []string `json:"valid"`
	Score        float64  `json:"score"`
}

type stepRequest struct {
	SessionID string `json:"session_id"`
	Action    string `json:"action"`
}

type stepResponse struct {
	Observation  string   `json:"observation"`
	Reward       float64  `json:"reward"`
	Score        float64  `json:"score"`
	Done         bool     `json:"done"`
	ValidActions []string `json:"valid"`
}

type variationsResponse struct {
	Variations []int `json:"variations"`
}

// Reset starts a new simulator session for the given task variation.
func (c *Client) Reset(ctx context.Context, taskName string, variation int, simplifications string) (*ResetResult, error) {
	// Drop any previous session; a failed delete is not fatal.
	if c.sessionID != "" {
		_ = c.Close(ctx)
	}

	var resp resetResponse
	err := c.post(ctx, "/v1/reset", resetRequest{
		Task:            taskName,
		Variation:       variation,
		Simplifications: simplifications,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.SessionID == "" {
		return nil, fmt.Errorf("%w: reset returned no session id", ErrEnvironment)
	}

	c.sessionID = resp.SessionID
	c.validActions = resp.ValidActions
	c.score = resp.Score

	return &ResetResult{
		Observation:     resp.Observation,
		TaskDescription: resp.TaskDesc,
		ValidActions:    resp.ValidActions,
	}, nil
}

// Step executes one action in the current session. The special
// CheckValidActions action is answered locally.
func (c *Client) Step(ctx context.Context, action string) (*StepResult, error) {
	if c.sessionID == "" {
		return nil, fmt.Errorf("%w: step before reset", ErrEnvironment)
	}

	if strings.EqualFold(strings.TrimSpace(action), CheckValidActions) {
		return &StepResult{
			Observation:  FormatValidActions(c.validActions),
			Score:        c.score,
			ValidActions: c.validActions,
		}, nil
	}

	var resp stepResponse
	if err := c.post(ctx, "/v1/step", stepRequest{SessionID: c.sessionID, Action: action}, &resp); err != nil {
		return nil, err
	}

	c.validActions = resp.ValidActions
	c.score = resp.Score

	completed := resp.Score >= 100
	return &StepResult{
		Observation:  resp.Observation,
		Reward:       resp.Reward,
		Score:        resp.Score,
		Done:         resp.Done || completed,
		Completed:    completed,
		ValidActions: resp.ValidActions,
	}, nil
}

// Variations lists the variation indices for a task in a split.
func (c *Client) Variations(ctx context.Context, taskName, split string) ([]int, error) {
	u := fmt.Sprintf("%s/v1/variations?task=%s&split=%s", c.baseURL, url.QueryEscape(taskName), url.QueryEscape(split))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvironment, err)
	}
	var resp variationsResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return resp.Variations, nil
}

// Close deletes the current session.
func (c *Client) Close(ctx context.Context) error {
	if c.sessionID == "" {
		return nil
	}
	u := fmt.Sprintf("%s/v1/sessions/%s", c.baseURL, url.PathEscape(c.sessionID))
	c.sessionID = ""
	c.validActions = nil
	c.score = 0

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEnvironment, err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEnvironment, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: encode request: %v", ErrEnvironment, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEnvironment, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEnvironment, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s: status %d: %s", ErrEnvironment, req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		// A 2xx body that does not parse is a protocol violation.
		return fmt.Errorf("%w: decode %s response: %v", ErrEnvironment, req.URL.Path, err)
	}
	return nil
}
