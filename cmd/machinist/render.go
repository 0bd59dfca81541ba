package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"machinist/internal/tool"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	keyStyle     = lipgloss.NewStyle().Bold(true)
	errBoxStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	sectionStyle = lipgloss.NewStyle().MarginLeft(2)
)

func renderError(err error) string {
	return errBoxStyle.Render("error: ") + err.Error()
}

func renderVerdict(v tool.Verdict) string {
	if v == tool.VerdictPass {
		return okStyle.Render(string(v))
	}
	return failStyle.Render(string(v))
}

// renderResult prints the per-phase record of a validation run.
func renderResult(result tool.ValidationResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", keyStyle.Render("verdict:"), renderVerdict(result.Verdict))
	for _, phase := range result.Phases {
		mark := dimStyle.Render("skipped")
		if phase.Ran {
			if phase.Passed {
				mark = okStyle.Render("ok")
			} else {
				mark = failStyle.Render("failed")
			}
		}
		fmt.Fprintf(&b, "  %-10s %s\n", phase.Phase, mark)
	}
	fmt.Fprintf(&b, "%s %.1f%%\n", keyStyle.Render("coverage:"), result.Coverage)
	for _, diag := range result.Diagnostics {
		line := fmt.Sprintf("[%s] %s", diag.Kind, diag.Detail)
		if diag.Test != "" {
			line = fmt.Sprintf("[%s] %s: %s", diag.Kind, diag.Test, diag.Detail)
		}
		b.WriteString(sectionStyle.Render(failStyle.Render(line)) + "\n")
	}
	return b.String()
}

// renderEntry prints one registry entry in full.
func renderEntry(entry *tool.Entry) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(entry.Name) + dimStyle.Render(fmt.Sprintf("  (%s, v%d)", entry.ID, entry.Version)) + "\n")
	if entry.Spec.Docstring != "" {
		b.WriteString(sectionStyle.Render(entry.Spec.Docstring) + "\n")
	}
	fmt.Fprintf(&b, "%s %s\n", keyStyle.Render("entry:"), entry.Spec.EntryPoint())
	if len(entry.Capabilities) > 0 {
		fmt.Fprintf(&b, "%s %s\n", keyStyle.Render("capabilities:"), strings.Join(entry.Capabilities, ", "))
	}
	if len(entry.Dependencies) > 0 {
		fmt.Fprintf(&b, "%s %s\n", keyStyle.Render("dependencies:"), strings.Join(entry.Dependencies, ", "))
	}
	fmt.Fprintf(&b, "%s %t\n", keyStyle.Render("deterministic:"), entry.Spec.Deterministic)
	fmt.Fprintf(&b, "%s %s\n", keyStyle.Render("promoted:"), entry.PromotedAt.Format("2006-01-02 15:04:05 MST"))
	b.WriteString(renderResult(entry.Result))
	return b.String()
}

// renderEntryLine prints one registry entry as a listing row.
func renderEntryLine(entry tool.Entry) string {
	name := titleStyle.Render(fmt.Sprintf("%-24s", entry.Name))
	doc := entry.Spec.Docstring
	if len(doc) > 60 {
		doc = doc[:57] + "..."
	}
	return fmt.Sprintf("%s %s  %s", name, dimStyle.Render(fmt.Sprintf("v%-3d", entry.Version)), doc)
}
