package api

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/spectree/internal/orchestrator"
	"github.com/ShayCichocki/spectree/pkg/models"
)

// Signal file names understood by the decision watcher.
const (
	SignalPause  = "pause"
	SignalResume = "resume"
	SignalStop   = "stop"
)

// Decision file actions.
const (
	ActionApprove = "approve"
	ActionReject  = "reject"
	ActionUnblock = "unblock"
)

// DecisionFile is a human decision dropped into the decisions directory.
type DecisionFile struct {
	Spec     string `yaml:"spec"`
	Action   string `yaml:"action"`
	Feedback string `yaml:"feedback,omitempty"`
	By       string `yaml:"by,omitempty"`
	// Version guards against deciding on a node that moved on.
	Version int64 `yaml:"version,omitempty"`
	// To is the phase an unblocked node resumes in.
	To models.Phase `yaml:"to,omitempty"`
}

// Controller is what the watcher drives. *orchestrator.Orchestrator
// implements it.
type Controller interface {
	Decide(ctx context.Context, id string, d orchestrator.Decision) (*models.SpecNode, error)
	Resume(ctx context.Context, id string, to models.Phase, feedback string) (*models.SpecNode, error)
	Pause()
	Unpause()
	Stop()
}

// DecisionWatcher applies decision and signal files as they appear. Files are
// removed once applied; a file that fails is renamed with a .failed suffix
// and the error is written next to it.
type DecisionWatcher struct {
	dir      string
	ctrl     Controller
	poll     time.Duration
	debugLog func(format string, args ...interface{})

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewDecisionWatcher creates the decisions directory if needed.
func NewDecisionWatcher(dir string, ctrl Controller) (*DecisionWatcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create decisions dir: %w", err)
	}
	return &DecisionWatcher{
		dir:      dir,
		ctrl:     ctrl,
		poll:     2 * time.Second,
		debugLog: func(string, ...interface{}) {},
		done:     make(chan struct{}),
	}, nil
}

// SetDebugLog sets the debug logging function.
func (w *DecisionWatcher) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		w.debugLog = fn
	}
}

// SetPollInterval sets how often the directory is rescanned in case an event
// was missed.
func (w *DecisionWatcher) SetPollInterval(d time.Duration) {
	if d > 0 {
		w.poll = d
	}
}

// Dir returns the watched directory.
func (w *DecisionWatcher) Dir() string {
	return w.dir
}

// Start applies files already present and then watches for new ones until
// ctx is done or Close is called. Without fsnotify the periodic rescan still
// picks files up.
func (w *DecisionWatcher) Start(ctx context.Context) {
	w.Scan(ctx)

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err = watcher.Add(w.dir); err != nil {
			watcher.Close()
			watcher = nil
		}
	}
	if err != nil {
		w.debugLog("[decisions] fsnotify unavailable, polling only: %v", err)
	}
	w.watcher = watcher

	w.wg.Add(1)
	go w.loop(ctx)
}

func (w *DecisionWatcher) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	var events chan fsnotify.Event
	var errs chan error
	if w.watcher != nil {
		events = w.watcher.Events
		errs = w.watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				w.Scan(ctx)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.debugLog("[decisions] watcher error: %v", err)
		case <-ticker.C:
			w.Scan(ctx)
		}
	}
}

// Scan applies every pending file in name order.
func (w *DecisionWatcher) Scan(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.debugLog("[decisions] read dir: %v", err)
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if strings.HasPrefix(name, ".") {
			continue
		}
		switch {
		case name == SignalPause || name == SignalResume || name == SignalStop:
			w.applySignal(name)
		case strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml"):
			w.applyDecision(ctx, name)
		}
	}
}

func (w *DecisionWatcher) applySignal(name string) {
	switch name {
	case SignalPause:
		w.ctrl.Pause()
	case SignalResume:
		w.ctrl.Unpause()
	case SignalStop:
		w.ctrl.Stop()
	}
	w.debugLog("[decisions] signal %s", name)
	_ = os.Remove(filepath.Join(w.dir, name))
}

func (w *DecisionWatcher) applyDecision(ctx context.Context, name string) {
	path := filepath.Join(w.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.debugLog("[decisions] read %s: %v", name, err)
		}
		return
	}

	var f DecisionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		w.fail(path, fmt.Errorf("parse %s: %w", name, err))
		return
	}
	if err := w.apply(ctx, f); err != nil {
		w.fail(path, err)
		return
	}
	w.debugLog("[decisions] %s %s by %s", f.Action, f.Spec, f.By)
	_ = os.Remove(path)
}

func (w *DecisionWatcher) apply(ctx context.Context, f DecisionFile) error {
	if f.Spec == "" {
		return fmt.Errorf("decision file has no spec")
	}
	by := f.By
	if by == "" {
		by = "file"
	}

	var err error
	switch f.Action {
	case ActionApprove, ActionReject:
		_, err = w.ctrl.Decide(ctx, f.Spec, orchestrator.Decision{
			Approve:  f.Action == ActionApprove,
			Feedback: f.Feedback,
			By:       by,
			Version:  f.Version,
		})
	case ActionUnblock:
		_, err = w.ctrl.Resume(ctx, f.Spec, f.To, f.Feedback)
	default:
		err = fmt.Errorf("unknown action %q", f.Action)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", f.Action, f.Spec, err)
	}
	return nil
}

func (w *DecisionWatcher) fail(path string, err error) {
	w.debugLog("[decisions] %v", err)
	_ = os.WriteFile(path+".err", []byte(err.Error()+"\n"), 0644)
	_ = os.Rename(path, path+".failed")
}

// Close stops watching.
func (w *DecisionWatcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	var err error
	if w.watcher != nil {
		err = w.watcher.Close()
	}
	w.wg.Wait()
	return err
}

// WriteDecision drops a decision file into dir. The file is written under a
// hidden name and renamed so the watcher never sees it half written.
func WriteDecision(dir string, f DecisionFile) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create decisions dir: %w", err)
	}
	data, err := yaml.Marshal(&f)
	if err != nil {
		return "", fmt.Errorf("encode decision: %w", err)
	}

	name := fmt.Sprintf("%s-%s.yaml", time.Now().UTC().Format("20060102T150405"), uuid.New().String()[:8])
	tmp := filepath.Join(dir, "."+name)
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("write decision: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("publish decision: %w", err)
	}
	return path, nil
}

// WriteSignal drops a pause, resume or stop signal file into dir.
func WriteSignal(dir, signal string) error {
	switch signal {
	case SignalPause, SignalResume, SignalStop:
	default:
		return fmt.Errorf("unknown signal %q", signal)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create decisions dir: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, signal), []byte(time.Now().Format(time.RFC3339)), 0644)
}
