package orchestrator

import (
	"errors"

	"github.com/ShayCichocki/spectree/internal/bus"
	"github.com/ShayCichocki/spectree/internal/orchestrator/policy"
	"github.com/ShayCichocki/spectree/internal/state"
)

// RequiredConfig contains the minimal required configuration for an Orchestrator.
// All fields are required and have no defaults.
type RequiredConfig struct {
	// Store is the spec store.
	Store state.StateStore
	// Bus is the message bus over the same tree.
	Bus *bus.Bus
	// Dispatcher runs agent rounds. It may be nil for a decision-only
	// orchestrator that never calls Run.
	Dispatcher Dispatcher
}

func (r RequiredConfig) validate() error {
	if r.Store == nil {
		return errors.New("orchestrator: store is required")
	}
	if r.Bus == nil {
		return errors.New("orchestrator: bus is required")
	}
	return nil
}

// Option configures an Orchestrator. Use With* functions to create Options.
type Option func(*orchestratorOptions)

// orchestratorOptions holds all optional configuration.
type orchestratorOptions struct {
	caps     Caps
	policy   *policy.Config
	logger   *DebugLogger
	recorder Recorder
	emitter  *EventEmitter
	journal  *EventJournal
}

func defaultOptions() *orchestratorOptions {
	return &orchestratorOptions{
		caps:   DefaultCaps(),
		policy: policy.Default(),
		logger: NopLogger(),
	}
}

// WithCaps sets the run caps.
func WithCaps(c Caps) Option {
	return func(o *orchestratorOptions) { o.caps = c }
}

// WithPolicy sets the policy configuration.
func WithPolicy(p *policy.Config) Option {
	return func(o *orchestratorOptions) { o.policy = p }
}

// WithLogger sets the debug logger.
func WithLogger(l *DebugLogger) Option {
	return func(o *orchestratorOptions) { o.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *orchestratorOptions) { o.recorder = r }
}

// WithEmitter sets a custom event emitter (mainly for testing).
func WithEmitter(e *EventEmitter) Option {
	return func(o *orchestratorOptions) { o.emitter = e }
}

// WithJournal writes every event to a JSONL journal.
func WithJournal(j *EventJournal) Option {
	return func(o *orchestratorOptions) { o.journal = j }
}
