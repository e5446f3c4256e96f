package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/spectree/internal/tui"
	"github.com/ShayCichocki/spectree/pkg/models"
)

var (
	statusJSON     bool
	statusHistory  bool
	statusMessages int
)

var statusCmd = &cobra.Command{
	Use:   "status [spec-id]",
	Short: "Show the spec tree, pending approvals and blocked specs",
	Long: `Show the current state of the spec tree.

Without an argument, prints every tree with its phases, the approvals that
wait on a human and the specs that are blocked or failed.

With a spec id, prints that spec in detail. --history adds its phase
transitions and agent runs; --messages N adds its recent bus traffic.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print as JSON")
	statusCmd.Flags().BoolVar(&statusHistory, "history", false, "Include phase transitions and agent runs")
	statusCmd.Flags().IntVar(&statusMessages, "messages", 0, "Include the last N bus messages")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(context.Background(), cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	if len(args) == 1 {
		return showSpec(a, args[0])
	}

	st, err := a.orch.Status()
	if err != nil {
		return err
	}
	if statusJSON {
		return printJSON(st)
	}

	fmt.Println(tui.RenderCounters(st, a.orch.Caps()))
	fmt.Println()
	fmt.Println(tui.RenderTree(st))

	if len(st.Approvals) > 0 {
		fmt.Println()
		color.Yellow("Waiting for approval:")
		for _, ap := range st.Approvals {
			fmt.Printf("  %s  %s  iteration %d  since %s\n", ap.SpecID, ap.Phase, ap.Iteration, ap.Since.Format(time.Kitchen))
			if ap.Summary != "" {
				fmt.Printf("    %s\n", ap.Summary)
			}
		}
	}
	if len(st.Blocked) > 0 {
		fmt.Println()
		color.Red("Blocked or failed:")
		for _, n := range st.Blocked {
			fmt.Printf("  %s  %s  %s\n", n.ID, n.Phase, n.Error)
		}
	}
	if len(st.Review) > 0 {
		fmt.Println()
		color.Yellow("Needs manual review:")
		for _, n := range st.Review {
			fmt.Printf("  %s  %s\n", n.ID, n.ReviewReason)
		}
	}
	return nil
}

type specDetail struct {
	Node        *models.SpecNode         `json:"node"`
	Transitions []models.PhaseTransition `json:"transitions,omitempty"`
	Runs        []models.AgentRun        `json:"runs,omitempty"`
	Messages    []models.Message         `json:"messages,omitempty"`
}

func showSpec(a *app, id string) error {
	d := specDetail{}
	var err error
	if d.Node, err = a.orch.Node(id); err != nil {
		return err
	}
	if statusHistory {
		if d.Transitions, d.Runs, err = a.orch.History(id); err != nil {
			return err
		}
	}
	if statusMessages > 0 {
		if d.Messages, err = a.orch.Messages(context.Background(), id, statusMessages); err != nil {
			return err
		}
	}
	if statusJSON {
		return printJSON(d)
	}

	n := d.Node
	fmt.Printf("%s  %s\n", color.New(color.Bold).Sprint(n.ID), tui.PhaseStyle(n.Phase).Render(string(n.Phase)))
	fmt.Printf("  Title:      %s\n", n.Content.Title)
	fmt.Printf("  Leaf:       %s\n", n.Leaf)
	fmt.Printf("  Depth:      %d\n", n.Depth)
	fmt.Printf("  Version:    %d\n", n.Version)
	fmt.Printf("  Iterations: architecture %d, implementation %d\n", n.Iter.Architecture, n.Iter.Implementation)
	if len(n.DependsOn) > 0 {
		fmt.Printf("  Depends on: %v\n", n.DependsOn)
	}
	if len(n.Children) > 0 {
		fmt.Printf("  Children:   %v\n", n.Children)
	}
	if len(n.Content.AllowedPaths) > 0 || len(n.Content.ForbiddenPaths) > 0 {
		fmt.Printf("  Scope:      allowed %v, forbidden %v\n", n.Content.AllowedPaths, n.Content.ForbiddenPaths)
	}
	if n.Error != "" {
		fmt.Printf("  Error:      %s\n", color.RedString(n.Error))
	}
	if n.ReviewReason != "" {
		fmt.Printf("  Review:     %s\n", color.YellowString(n.ReviewReason))
	}

	if statusHistory {
		fmt.Println()
		fmt.Println("Transitions:")
		for _, t := range d.Transitions {
			fmt.Printf("  %s  %s -> %s  %s (%s)\n", t.CreatedAt.Format(time.DateTime), t.From, t.To, t.Reason, t.TriggeredBy)
		}
		fmt.Println()
		fmt.Println("Agent runs:")
		for _, r := range d.Runs {
			outcome := r.Verdict
			if r.Error != "" {
				outcome = color.RedString(r.Error)
			}
			fmt.Printf("  %s  %-11s %-15s #%d  $%.4f  %s\n", r.StartedAt.Format(time.DateTime), r.Role, r.Phase, r.Iteration, r.Cost, outcome)
		}
	}
	if len(d.Messages) > 0 {
		fmt.Println()
		fmt.Println("Messages:")
		for _, m := range d.Messages {
			state := "pending"
			if m.Consumed() {
				state = "consumed"
			}
			fmt.Printf("  %s  %s -> %s  %s/%s  %s\n", m.CreatedAt.Format(time.DateTime), m.From, m.To, m.Type, m.Priority, state)
		}
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

