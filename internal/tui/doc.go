// Package tui provides the terminal views of spectree.
//
// RenderTree and RenderCounters draw a status projection with lipgloss and
// are shared by the status command. WatchApp is the live view behind
// spectree watch: it polls a StatusFunc, shows the spec tree, pending
// approvals, blocked specs and an activity log, and applies approve,
// reject and pause decisions through a Controller.
//
// Usage:
//
//	program, app := tui.NewWatchProgram(orch.Status, orch, orch.Caps(), 500*time.Millisecond)
//	go func() {
//	    for ev := range orch.Events() {
//	        program.Send(tui.EventMsg{Event: ev})
//	    }
//	}()
//	_, err := program.Run()
package tui
