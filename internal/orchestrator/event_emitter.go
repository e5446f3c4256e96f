package orchestrator

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// EventEmitter handles event emission for the orchestrator.
// Events go to a buffered channel for live subscribers and, when a journal
// is attached, to an append-only JSONL file.
type EventEmitter struct {
	events       chan OrchestratorEvent
	droppedCount atomic.Uint64
	journal      *EventJournal
	// mu is held for reading while sending and for writing by Close, so a
	// send never races the close of events.
	mu     sync.RWMutex
	closed bool
}

// NewEventEmitter creates a new EventEmitter with the given buffer size.
func NewEventEmitter(bufferSize int) *EventEmitter {
	return &EventEmitter{
		events: make(chan OrchestratorEvent, bufferSize),
	}
}

// SetJournal attaches a JSONL journal.
func (e *EventEmitter) SetJournal(j *EventJournal) {
	e.journal = j
}

// Emit records an event in the journal and offers it to subscribers.
// If the channel is full, it tries with a timeout before dropping the event.
// Events emitted after Close are dropped.
func (e *EventEmitter) Emit(event OrchestratorEvent) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if e.journal != nil {
		if err := e.journal.Append(event); err != nil {
			log.Printf("[orchestrator] warning: failed to journal event %s: %v", event.Type, err)
		}
	}

	select {
	case e.events <- event:
		return
	default:
	}

	select {
	case e.events <- event:
		return
	case <-time.After(100 * time.Millisecond):
		count := e.droppedCount.Add(1)
		if count%10 == 1 { // Log every 10th drop to avoid spam
			log.Printf("[orchestrator] WARNING: Event channel full, dropped event (total dropped: %d): type=%s", count, event.Type)
		}
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns a read-only channel of events.
func (e *EventEmitter) Events() <-chan OrchestratorEvent {
	return e.events
}

// Close closes the events channel. Safe to call more than once and
// concurrently with Emit.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.events)
}

// EventJournal appends events as JSON lines.
type EventJournal struct {
	mu   sync.Mutex
	file *os.File
}

// OpenEventJournal opens or creates a journal file.
func OpenEventJournal(path string) (*EventJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &EventJournal{file: f}, nil
}

// Append writes one event line.
func (j *EventJournal) Append(event OrchestratorEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err = j.file.Write(append(data, '\n'))
	return err
}

// Close closes the journal file.
func (j *EventJournal) Close() error {
	if j == nil || j.file == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
