package agent

import (
	"regexp"
	"strings"
)

var (
	thinkRe         = regexp.MustCompile(`(?is)think(?:ing)?:\s*(.+?)(?:action:|$)`)
	actionRe        = regexp.MustCompile(`(?is)action:\s*(.+?)(?:think|thought|$)`)
	trailingParenRe = regexp.MustCompile(`\s*\([^)]*\)\s*$`)
)

// actionKeywords are the command verbs the simulator understands, used to
// salvage an action from a response that dropped the Action: label.
var actionKeywords = []string{
	"look around", "look at", "look in", "go to", "teleport to",
	"pick up", "put down", "move", "focus on",
	"open", "close", "pour", "dunk", "mix",
	"activate", "deactivate", "use", "connect", "disconnect", "read",
	"eat", "flush", "wait", "inventory", "task",
}

// parseResponse extracts the thought and action from a model response.
// Models drift from the requested format constantly, so after the labeled
// sections it falls back to any line starting with a known command verb,
// then to the last non-empty line. An empty action means nothing usable
// was found.
func parseResponse(response string) (thought, action string) {
	if m := thinkRe.FindStringSubmatch(response); m != nil {
		thought = strings.TrimSpace(m[1])
	}

	if m := actionRe.FindStringSubmatch(response); m != nil {
		action = strings.TrimSpace(m[1])
		if idx := strings.IndexByte(action, '\n'); idx >= 0 {
			action = strings.TrimSpace(action[:idx])
		}
		action = cleanAction(action)
	}

	if action == "" {
		for _, line := range strings.Split(response, "\n") {
			lower := strings.ToLower(strings.TrimSpace(line))
			for _, kw := range actionKeywords {
				if strings.HasPrefix(lower, kw) {
					action = cleanAction(strings.TrimSpace(line))
					break
				}
			}
			if action != "" {
				break
			}
		}
	}

	if action == "" {
		lines := strings.Split(response, "\n")
		for i := len(lines) - 1; i >= 0; i-- {
			if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
				action = cleanAction(trimmed)
				break
			}
		}
	}

	return thought, action
}

// cleanAction strips trailing parenthetical commentary like
// "open cupboard (to find a pot)".
func cleanAction(action string) string {
	return strings.TrimSpace(trailingParenRe.ReplaceAllString(action, ""))
}
