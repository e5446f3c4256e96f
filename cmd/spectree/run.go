package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/spectree/internal/api"
	"github.com/ShayCichocki/spectree/internal/orchestrator"
	"github.com/ShayCichocki/spectree/internal/server"
	"github.com/ShayCichocki/spectree/internal/specfile"
	"github.com/ShayCichocki/spectree/internal/tui"
	"github.com/ShayCichocki/spectree/pkg/models"
)

var (
	runWatch     bool
	runServe     string
	runKeepAlive bool
	runVerbose   bool
)

var runCmd = &cobra.Command{
	Use:   "run [spec.yaml]",
	Short: "Run the orchestrator until the tree settles",
	Long: `Run dispatches agent rounds for every runnable spec until nothing is left
to do. With a spec file argument the spec is submitted first.

Without --keep-alive the run exits when every remaining spec waits on a
human. Approve with 'spectree approve' and run again, or keep the run alive
and decide from another terminal; decisions dropped into the decisions
directory are applied as they appear.

Examples:
  spectree run spec.yaml         # Submit and run headless
  spectree run --watch           # Run with the live view
  spectree run --serve :7420     # Run with the HTTP API alongside`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "Show the live view while running")
	runCmd.Flags().StringVar(&runServe, "serve", "", "Serve the HTTP API on this address while running")
	runCmd.Flags().BoolVar(&runKeepAlive, "keep-alive", false, "Keep running while specs wait on a human")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "Print agent tool calls")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var onStream func(string, models.Role, api.StreamEvent)
	if runVerbose && !runWatch {
		onStream = printStream
	}
	a, err := openApp(ctx, cfg, appOptions{
		dispatch:  true,
		keepAlive: runKeepAlive || runWatch || runServe != "",
		onStream:  onStream,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	if len(args) == 1 {
		spec, err := specfile.Load(args[0])
		if err != nil {
			return err
		}
		node, err := a.orch.Submit(*spec)
		if err != nil {
			return fmt.Errorf("submit %s: %w", spec.Name, err)
		}
		printStatus("✓", "Submitted "+node.ID, color.FgGreen)
	}

	watcher, err := api.NewDecisionWatcher(cfg.DecisionsDir(), a.orch)
	if err != nil {
		return fmt.Errorf("watch decisions: %w", err)
	}
	watcher.SetDebugLog(a.logger.Log)
	watcher.Start(ctx)
	defer watcher.Close()

	if runServe != "" {
		srv := server.New(a.orch, server.WithMetrics(a.registry, a.metrics), server.WithDebugLog(a.logger.Log))
		go func() {
			if err := srv.ListenAndServe(ctx, runServe); err != nil {
				fmt.Fprintf(os.Stderr, "HTTP API stopped: %v\n", err)
			}
		}()
		printStatus("✓", "Serving HTTP API on "+runServe, color.FgGreen)
	}

	if runWatch {
		return runWithView(ctx, a)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range a.orch.Events() {
			printEvent(ev)
			if ev.Type == orchestrator.EventRunDone {
				return
			}
		}
	}()

	start := time.Now()
	runErr := a.orch.Run(ctx)
	<-done

	printSummary(a, time.Since(start))
	if runErr != nil && ctx.Err() == nil {
		return runErr
	}
	return nil
}

// runWithView runs the loop under the live view and forwards events to it.
func runWithView(ctx context.Context, a *app) error {
	refresh := a.cfg.TUI.RefreshRate
	program, _ := tui.NewWatchProgram(a.orch.Status, a.orch, a.orch.Caps(), refresh)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		for ev := range a.orch.Events() {
			program.Send(tui.EventMsg{Event: ev})
		}
	}()
	go func() {
		err := a.orch.Run(ctx)
		program.Send(tui.DoneMsg{Err: err})
	}()

	_, err := program.Run()
	cancel()
	return err
}

// printEvent prints one orchestrator event on a single colored line.
func printEvent(ev orchestrator.OrchestratorEvent) {
	line := formatEvent(ev)
	if line == "" {
		return
	}
	switch {
	case ev.Error != "":
		color.Red("%s %s", ev.Timestamp.Format("15:04:05"), line)
	case ev.Type == orchestrator.EventApprovalRequested || ev.Type == orchestrator.EventCapReached:
		color.Yellow("%s %s", ev.Timestamp.Format("15:04:05"), line)
	case ev.Type == orchestrator.EventPhaseChanged && ev.Phase == models.PhaseComplete:
		color.Green("%s %s", ev.Timestamp.Format("15:04:05"), line)
	default:
		fmt.Printf("%s %s\n", ev.Timestamp.Format("15:04:05"), line)
	}
}

// formatEvent renders an event for headless output. Round starts are
// omitted; the finish line carries the same information.
func formatEvent(ev orchestrator.OrchestratorEvent) string {
	switch ev.Type {
	case orchestrator.EventRoundStarted:
		return ""
	case orchestrator.EventRoundFinished:
		if ev.Error != "" {
			return fmt.Sprintf("%s %s round failed: %s", ev.SpecID, ev.Role, ev.Error)
		}
		return fmt.Sprintf("%s %s round done in %s ($%.4f)", ev.SpecID, ev.Role, ev.Duration.Round(time.Millisecond), ev.Cost)
	case orchestrator.EventPhaseChanged:
		if ev.Message != "" {
			return fmt.Sprintf("%s -> %s (%s)", ev.SpecID, ev.Phase, ev.Message)
		}
		return fmt.Sprintf("%s -> %s", ev.SpecID, ev.Phase)
	case orchestrator.EventApprovalRequested:
		return fmt.Sprintf("%s waits for approval in %s: spectree approve %s", ev.SpecID, ev.Phase, ev.SpecID)
	case orchestrator.EventChildrenCreated:
		return fmt.Sprintf("%s decomposed: %s", ev.SpecID, ev.Message)
	case orchestrator.EventHibernated:
		return fmt.Sprintf("%s hibernating until %s", ev.SpecID, ev.Message)
	case orchestrator.EventWoke:
		return fmt.Sprintf("%s woke (%s)", ev.SpecID, ev.Message)
	case orchestrator.EventMessageRejected:
		return fmt.Sprintf("message %s rejected: %s", ev.Message, ev.Error)
	case orchestrator.EventCapReached:
		return "cap reached: " + ev.Message
	case orchestrator.EventRunDone:
		return "run finished"
	default:
		return fmt.Sprintf("%s %s %s", ev.Type, ev.SpecID, ev.Message)
	}
}

func printStream(specID string, role models.Role, ev api.StreamEvent) {
	if ev.Type != "tool_use" {
		return
	}
	fmt.Printf("         %s %s %s\n", color.HiBlackString(specID), color.HiBlackString(string(role)), ev.Tool)
}

func printSummary(a *app, elapsed time.Duration) {
	st, err := a.orch.Status()
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return
	}
	fmt.Println()
	fmt.Printf("Run stopped after %s. Agents: %d, cost: $%.4f\n",
		elapsed.Round(time.Second), st.Counters.AgentsDispatched, st.Counters.CostSpent)
	if n := len(st.Approvals); n > 0 {
		color.Yellow("%d spec(s) wait for approval; see 'spectree status'", n)
	}
	if n := len(st.Blocked); n > 0 {
		color.Red("%d spec(s) blocked or failed; see 'spectree status'", n)
	}
}
