package main

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/spectree/internal/api"
	"github.com/ShayCichocki/spectree/internal/orchestrator"
	"github.com/ShayCichocki/spectree/internal/tui"
	"github.com/ShayCichocki/spectree/pkg/models"
)

var watchReadOnly bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch a run from another terminal",
	Long: `Open the live view against the project's store without running agents.

Approvals, rejections and pause toggles are handed to the running
orchestrator through the decisions directory. Use 'spectree run --watch' to
run and watch in one process.

Keys: j/k select, a approve, r reject with feedback, p pause, q quit.`,
	Args: cobra.NoArgs,
	RunE: runWatchCmd,
}

func init() {
	watchCmd.Flags().BoolVar(&watchReadOnly, "read-only", false, "Disable approve, reject and pause")
}

func runWatchCmd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(context.Background(), cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()
	a.drainEvents()

	var ctrl tui.Controller
	if !watchReadOnly {
		ctrl = &fileController{dir: cfg.DecisionsDir()}
	}
	program, _ := tui.NewWatchProgram(a.orch.Status, ctrl, a.orch.Caps(), cfg.TUI.RefreshRate)
	_, err = program.Run()
	return err
}

// fileController hands decisions and control signals to the orchestrator
// running in another process.
type fileController struct {
	dir string
}

// Decide queues a decision file. The node is not known until the running
// orchestrator applies it, so none is returned.
func (c *fileController) Decide(ctx context.Context, id string, d orchestrator.Decision) (*models.SpecNode, error) {
	action := api.ActionApprove
	if !d.Approve {
		action = api.ActionReject
	}
	if _, err := api.WriteDecision(c.dir, api.DecisionFile{
		Spec:     id,
		Action:   action,
		Feedback: d.Feedback,
		By:       d.By,
		Version:  d.Version,
	}); err != nil {
		return nil, fmt.Errorf("queue decision: %w", err)
	}
	return nil, nil
}

// Pause drops a pause signal.
func (c *fileController) Pause() { c.signal(api.SignalPause) }

// Unpause drops a resume signal.
func (c *fileController) Unpause() { c.signal(api.SignalResume) }

// Stop drops a stop signal.
func (c *fileController) Stop() { c.signal(api.SignalStop) }

func (c *fileController) signal(s string) {
	if err := api.WriteSignal(c.dir, s); err != nil {
		log.Printf("WARNING: write %s signal: %v", s, err)
	}
}
