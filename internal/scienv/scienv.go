// Package scienv is the boundary to the ScienceWorld simulator, an external
// stateful service reached over a JSON request/response protocol. Each client
// owns at most one live simulator session; Reset starts a fresh episode.
package scienv

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrEnvironment wraps every failure at the simulator boundary: unreachable
// service, non-2xx responses, and protocol violations. Callers recover at the
// task-unit boundary, not inside the agent loop.
var ErrEnvironment = errors.New("environment error")

// CheckValidActions is a convenience action answered locally from the last
// valid-action list instead of being sent to the simulator.
const CheckValidActions = "check valid actions"

// ResetResult is the simulator's answer to a reset.
type ResetResult struct {
	Observation     string
	TaskDescription string
	ValidActions    []string
}

// StepResult is the simulator's answer to one action.
type StepResult struct {
	Observation  string
	Reward       float64
	Score        float64 // 0-100
	Done         bool
	Completed    bool // score reached 100
	ValidActions []string
}

// Env is the per-episode environment contract. Implementations are stateful
// and must be Reset before stepping.
type Env interface {
	// Reset loads the task variation and returns the initial observation.
	Reset(ctx context.Context, taskName string, variation int, simplifications string) (*ResetResult, error)
	// Step executes one action. Invalid actions are a normal simulator
	// response, never an error.
	Step(ctx context.Context, action string) (*StepResult, error)
	// Variations lists the variation indices available for a task in a split.
	Variations(ctx context.Context, taskName, split string) ([]int, error)
	// Close releases the current session, if any.
	Close(ctx context.Context) error
}

// FormatValidActions renders a valid-action list the way the simulator's
// own help output does.
func FormatValidActions(actions []string) string {
	var sb strings.Builder
	sb.WriteString("Valid actions:\n")
	for _, a := range actions {
		fmt.Fprintf(&sb, "  - %s\n", a)
	}
	return strings.TrimRight(sb.String(), "\n")
}
