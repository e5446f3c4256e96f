package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/spectree/internal/api"
	"github.com/ShayCichocki/spectree/internal/orchestrator"
	"github.com/ShayCichocki/spectree/pkg/models"
)

var (
	decideFeedback string
	decideBy       string
	decideVersion  int64
	decideQueue    bool
	unblockTo      string
)

var approveCmd = &cobra.Command{
	Use:   "approve <spec-id>",
	Short: "Approve a spec waiting in AWAITING_*",
	Long: `Approve the pending phase of a spec.

The decision is applied to the store right away; a running orchestrator
picks it up on its next poll. With --queue the decision is written to the
decisions directory instead and applied by the running orchestrator.

Pass --version with the version shown by 'spectree status --json' to make
sure you approve the round you reviewed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(args[0], true)
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <spec-id>",
	Short: "Reject a spec waiting in AWAITING_* with feedback",
	Long: `Reject the pending phase of a spec. The feedback is handed to the next
agent round, which redoes the phase.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if decideFeedback == "" {
			return fmt.Errorf("reject needs --feedback")
		}
		return decide(args[0], false)
	},
}

var unblockCmd = &cobra.Command{
	Use:   "unblock <spec-id>",
	Short: "Resume a BLOCKED or FAILED spec after manual review",
	Long: `Resume a BLOCKED or FAILED spec. The spec restarts in ARCHITECTURE unless
--to names another working phase; its iteration counter for that phase
starts from zero.`,
	Args: cobra.ExactArgs(1),
	RunE: runUnblock,
}

func init() {
	for _, c := range []*cobra.Command{approveCmd, rejectCmd} {
		c.Flags().StringVarP(&decideFeedback, "feedback", "f", "", "Feedback for the next round")
		c.Flags().StringVar(&decideBy, "by", "cli", "Who decided, recorded in the phase history")
		c.Flags().Int64Var(&decideVersion, "version", 0, "Only decide if the spec is still at this version")
		c.Flags().BoolVar(&decideQueue, "queue", false, "Hand the decision to the running orchestrator")
	}
	unblockCmd.Flags().StringVarP(&decideFeedback, "feedback", "f", "", "Feedback for the resumed round")
	unblockCmd.Flags().StringVar(&unblockTo, "to", "", "Phase to resume in (default ARCHITECTURE)")
	unblockCmd.Flags().BoolVar(&decideQueue, "queue", false, "Hand the decision to the running orchestrator")
}

func decide(id string, approve bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	verb := "Approved"
	if !approve {
		verb = "Rejected"
	}

	if decideQueue {
		action := api.ActionApprove
		if !approve {
			action = api.ActionReject
		}
		path, err := api.WriteDecision(cfg.DecisionsDir(), api.DecisionFile{
			Spec:     id,
			Action:   action,
			Feedback: decideFeedback,
			By:       decideBy,
			Version:  decideVersion,
		})
		if err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("Queued %s of %s (%s)", action, id, path), color.FgGreen)
		return nil
	}

	a, err := openApp(context.Background(), cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()
	a.drainEvents()

	node, err := a.orch.Decide(context.Background(), id, orchestrator.Decision{
		Approve:  approve,
		Feedback: decideFeedback,
		By:       decideBy,
		Version:  decideVersion,
	})
	if err != nil {
		return err
	}
	printStatus("✓", fmt.Sprintf("%s %s, now %s", verb, node.ID, node.Phase), color.FgGreen)
	return nil
}

func runUnblock(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	to := models.Phase(unblockTo)
	if to != "" && !to.Valid() {
		return fmt.Errorf("unknown phase %q", unblockTo)
	}

	if decideQueue {
		path, err := api.WriteDecision(cfg.DecisionsDir(), api.DecisionFile{
			Spec:     args[0],
			Action:   api.ActionUnblock,
			Feedback: decideFeedback,
			To:       to,
			By:       "cli",
		})
		if err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("Queued unblock of %s (%s)", args[0], path), color.FgGreen)
		return nil
	}

	a, err := openApp(context.Background(), cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()
	a.drainEvents()

	node, err := a.orch.Resume(context.Background(), args[0], to, decideFeedback)
	if err != nil {
		return err
	}
	printStatus("✓", fmt.Sprintf("Resumed %s in %s", node.ID, node.Phase), color.FgGreen)
	return nil
}
