package main

import (
	"github.com/ShayCichocki/spectree/internal/orchestrator"
)

// remoteEngine serves an orchestrator that does not run the loop itself.
// Store-backed calls go straight through; control calls are forwarded to
// the process that does.
type remoteEngine struct {
	*orchestrator.Orchestrator
	signals *fileController
}

func (e *remoteEngine) Pause()   { e.signals.Pause() }
func (e *remoteEngine) Unpause() { e.signals.Unpause() }
func (e *remoteEngine) Stop()    { e.signals.Stop() }
