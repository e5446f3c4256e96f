package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/spectree/internal/orchestrator"
	"github.com/ShayCichocki/spectree/pkg/models"
)

var (
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	valueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252")).Bold(true)
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	selectStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("15")).Background(lipgloss.Color("62"))
)

// PhaseStyle returns the color used for a phase.
func PhaseStyle(p models.Phase) lipgloss.Style {
	s := lipgloss.NewStyle()
	switch {
	case p == models.PhaseComplete:
		return s.Foreground(lipgloss.Color("34"))
	case p == models.PhaseBlocked || p == models.PhaseFailed:
		return s.Foreground(lipgloss.Color("196")).Bold(true)
	case p.AwaitingApproval():
		return s.Foreground(lipgloss.Color("214")).Bold(true)
	case p == models.PhasePending:
		return s.Foreground(lipgloss.Color("245"))
	default:
		return s.Foreground(lipgloss.Color("39"))
	}
}

// RenderTree draws the status tree, one node per line, indented by depth.
// Hibernating nodes show their resume trigger.
func RenderTree(st *orchestrator.Status) string {
	if st == nil || len(st.Roots) == 0 {
		return dimStyle.Render("(no specs)") + "\n"
	}
	var b strings.Builder
	for _, root := range st.Roots {
		root.Walk(func(n *orchestrator.TreeNode, depth int) {
			b.WriteString(renderNode(n, depth))
			b.WriteString("\n")
		})
	}
	return b.String()
}

func renderNode(n *orchestrator.TreeNode, depth int) string {
	var b strings.Builder
	b.WriteString(strings.Repeat("  ", depth))
	if depth > 0 {
		b.WriteString(dimStyle.Render("└ "))
	}
	b.WriteString(n.Name)
	b.WriteString(" ")
	b.WriteString(PhaseStyle(n.Phase).Render(string(n.Phase)))
	if n.Leaf == models.LeafYes {
		b.WriteString(dimStyle.Render(" leaf"))
	}
	if n.Hibernating && n.Trigger != nil {
		b.WriteString(dimStyle.Render(fmt.Sprintf(" (hibernating: %s)", n.Trigger.Kind)))
	}
	if n.Content.Title != "" {
		b.WriteString(labelStyle.Render(" " + n.Content.Title))
	}
	if n.Error != "" {
		b.WriteString(errorStyle.Render(" ! " + truncate(n.Error, 60)))
	}
	return b.String()
}

// RenderCounters draws the run counters and phase totals on one line.
func RenderCounters(st *orchestrator.Status, caps orchestrator.Caps) string {
	if st == nil {
		return ""
	}
	agents := fmt.Sprintf("%d", st.Counters.AgentsDispatched)
	if caps.MaxAgents > 0 {
		agents = fmt.Sprintf("%d/%d", st.Counters.AgentsDispatched, caps.MaxAgents)
	}
	cost := fmt.Sprintf("$%.2f", st.Counters.CostSpent)
	if caps.MaxCost > 0 {
		cost = fmt.Sprintf("$%.2f/$%.2f", st.Counters.CostSpent, caps.MaxCost)
	}

	parts := []string{
		labelStyle.Render("Agents: ") + valueStyle.Render(agents),
		labelStyle.Render("Cost: ") + valueStyle.Render(cost),
	}
	for _, p := range models.AllPhases {
		if c := st.Phases[p]; c > 0 {
			parts = append(parts, PhaseStyle(p).Render(fmt.Sprintf("%s %d", p, c)))
		}
	}
	return strings.Join(parts, "  ")
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
