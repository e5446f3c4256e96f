package orchestrator

import (
	"context"
	"time"

	"github.com/ShayCichocki/spectree/pkg/models"
)

// Dispatcher runs one agent round. Implementations may be slow; the
// orchestrator calls Dispatch from worker goroutines and never cancels a
// round in flight except through ctx on shutdown. A failed round may return
// a result next to the error; its Cost is still charged to the run.
type Dispatcher interface {
	Dispatch(ctx context.Context, req models.DispatchRequest) (*models.RoundResult, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, req models.DispatchRequest) (*models.RoundResult, error)

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(ctx context.Context, req models.DispatchRequest) (*models.RoundResult, error) {
	return f(ctx, req)
}

// Recorder receives run measurements. The metrics package implements it
// with Prometheus collectors.
type Recorder interface {
	RoundStarted(role models.Role)
	RoundFinished(role models.Role, outcome string, d time.Duration, cost float64)
	PhaseChanged(from, to models.Phase)
	Woke(reason string)
	InFlight(n int)
	CapReached(cap models.CapKind)
}

type nopRecorder struct{}

func (nopRecorder) RoundStarted(models.Role) {}
func (nopRecorder) RoundFinished(models.Role, string, time.Duration, float64) {}
func (nopRecorder) PhaseChanged(models.Phase, models.Phase) {}
func (nopRecorder) Woke(string) {}
func (nopRecorder) InFlight(int) {}
func (nopRecorder) CapReached(models.CapKind) {}
