package evaluator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	valueStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	ruleStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// Report renders the run summary for the terminal. With color disabled it
// degrades to plain aligned text, so it is safe to pipe.
func Report(s *Summary, color bool) string {
	if !color {
		return plainReport(s)
	}

	var b strings.Builder
	rule := ruleStyle.Render(strings.Repeat("─", 62))

	b.WriteString(rule + "\n")
	b.WriteString(headerStyle.Render("  ScienceWorld Evaluation Summary") + "\n")
	b.WriteString(rule + "\n")
	b.WriteString(fmt.Sprintf("  %s %s\n", labelStyle.Render("Run:    "), valueStyle.Render(s.RunID)))
	b.WriteString(fmt.Sprintf("  %s %s\n", labelStyle.Render("Model:  "), valueStyle.Render(s.Model)))

	rate := failStyle
	if s.SuccessRate >= 0.5 {
		rate = successStyle
	}
	b.WriteString(fmt.Sprintf("  %s %s  (%d/%d episodes)\n",
		labelStyle.Render("Success:"),
		rate.Render(fmt.Sprintf("%.1f%%", s.SuccessRate*100)),
		s.Successes, s.Episodes))
	b.WriteString(fmt.Sprintf("  %s %s avg score, %s avg steps\n",
		labelStyle.Render("Scores: "),
		valueStyle.Render(fmt.Sprintf("%.1f", s.AvgScore)),
		valueStyle.Render(fmt.Sprintf("%.1f", s.AvgSteps))))
	b.WriteString(fmt.Sprintf("  %s %s\n", labelStyle.Render("Ended:  "), valueStyle.Render(terminationLine(s))))

	if len(s.Tasks) > 0 {
		b.WriteString(rule + "\n")
		for _, ts := range s.Tasks {
			mark := failStyle.Render("✗")
			if ts.Successes > 0 {
				mark = successStyle.Render("✓")
			}
			b.WriteString(fmt.Sprintf("  %s %-6s %-42s %d/%d  %5.1f\n",
				mark, ts.TaskID, truncate(ts.TaskName, 42), ts.Successes, ts.Episodes, ts.AvgScore))
		}
	}
	b.WriteString(rule + "\n")
	return b.String()
}

func plainReport(s *Summary) string {
	var b strings.Builder
	rule := strings.Repeat("-", 62)

	b.WriteString(rule + "\n")
	b.WriteString("  ScienceWorld Evaluation Summary\n")
	b.WriteString(rule + "\n")
	fmt.Fprintf(&b, "  Run:     %s\n", s.RunID)
	fmt.Fprintf(&b, "  Model:   %s\n", s.Model)
	fmt.Fprintf(&b, "  Success: %.1f%%  (%d/%d episodes)\n", s.SuccessRate*100, s.Successes, s.Episodes)
	fmt.Fprintf(&b, "  Scores:  %.1f avg score, %.1f avg steps\n", s.AvgScore, s.AvgSteps)
	fmt.Fprintf(&b, "  Ended:   %s\n", terminationLine(s))
	if len(s.Tasks) > 0 {
		b.WriteString(rule + "\n")
		for _, ts := range s.Tasks {
			fmt.Fprintf(&b, "  %-6s %-42s %d/%d  %5.1f\n",
				ts.TaskID, truncate(ts.TaskName, 42), ts.Successes, ts.Episodes, ts.AvgScore)
		}
	}
	b.WriteString(rule + "\n")
	return b.String()
}

func terminationLine(s *Summary) string {
	if len(s.Terminations) == 0 {
		return "none"
	}
	reasons := make([]string, 0, len(s.Terminations))
	for reason := range s.Terminations {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)
	parts := make([]string, 0, len(reasons))
	for _, reason := range reasons {
		parts = append(parts, fmt.Sprintf("%s=%d", reason, s.Terminations[reason]))
	}
	return strings.Join(parts, ", ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
