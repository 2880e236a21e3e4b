package prompt

import (
	"fmt"
	"strings"
)

// Exchange is one action and the observation it produced.
type Exchange struct {
	Action      string
	Observation string
}

// User builds the per-step user prompt: goal, a bounded window of recent
// history, and the current observation. When the whole history fits in the
// window the initial observation is shown too. The observation of the last
// exchange is omitted because it is the current observation.
func User(taskDescription string, history []Exchange, currentObservation, initialObservation string, historyLength int) string {
	if historyLength <= 0 {
		historyLength = 20
	}

	var b strings.Builder
	b.WriteString("==================================================\n")
	b.WriteString("YOUR CURRENT TASK\n")
	b.WriteString("==================================================\n")
	fmt.Fprintf(&b, "Goal: %s\n\n", taskDescription)
	b.WriteString("Hints:\n")
	b.WriteString("  - Type 'inventory' to check what you're carrying\n")
	b.WriteString("  - Type 'look around' to observe your surroundings\n")
	b.WriteString("  - Use 'wait' command if a process needs time to complete\n")
	b.WriteString("  - Use 'teleport' command (if enabled) to quickly move to a specific location\n\n")

	b.WriteString("==================================================\n")
	b.WriteString("RECENT HISTORY\n")
	b.WriteString("==================================================\n")

	recent := history
	includeInitial := true
	if len(history) > historyLength {
		recent = history[len(history)-historyLength:]
		includeInitial = false
	}
	if includeInitial && initialObservation != "" {
		b.WriteString("Initial Observation:\n")
		b.WriteString(initialObservation)
		b.WriteString("\n\n")
	}
	for i, ex := range recent {
		fmt.Fprintf(&b, "Action: %s\n", ex.Action)
		if i < len(recent)-1 {
			fmt.Fprintf(&b, "Observation: %s\n\n", ex.Observation)
		} else {
			b.WriteString("\n")
		}
	}

	b.WriteString("==================================================\n")
	b.WriteString("CURRENT OBSERVATION\n")
	b.WriteString("==================================================\n")
	b.WriteString(currentObservation)
	b.WriteString("\n\n")

	b.WriteString("==================================================\n")
	b.WriteString("YOUR TURN\n")
	b.WriteString("==================================================\n")
	b.WriteString("Based on the task goal and current observation, decide your next action.\n")
	b.WriteString("Remember to use the exact format: Think: ... Action: ...")

	return b.String()
}

// TaskDescription picks the goal text for the prompts: the simulator's task
// description when present, otherwise the "your task is to" line from the
// initial observation, otherwise a prefix of the observation itself.
func TaskDescription(initialObservation, fromEnv string) string {
	if strings.TrimSpace(fromEnv) != "" {
		return strings.TrimSpace(fromEnv)
	}
	for _, line := range strings.Split(initialObservation, "\n") {
		if strings.Contains(strings.ToLower(line), "your task is to") {
			return strings.TrimSpace(line)
		}
	}
	trimmed := strings.TrimSpace(initialObservation)
	if len(trimmed) > 200 {
		return trimmed[:200]
	}
	return trimmed
}
