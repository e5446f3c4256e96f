// Package hibernate suspends nodes with a resume trigger and wakes them
// when the trigger holds.
package hibernate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/ShayCichocki/spectree/internal/state"
	"github.com/ShayCichocki/spectree/pkg/models"
)

// maxReviewRetries bounds CAS retries when flagging a parent for review.
const maxReviewRetries = 3

// Store is the slice of the Spec Store the manager needs.
type Store interface {
	Get(id string) (*models.SpecNode, error)
	ListChildren(parentID string) ([]models.SpecNode, error)
	Save(node *models.SpecNode, opts state.SaveOptions) error
	state.HibernationStore
}

// Inbox answers questions about pending messages.
type Inbox interface {
	HasPending(ctx context.Context, nodeID string, typ models.MessageType) (bool, error)
	HasPendingInterrupt(ctx context.Context, nodeID string) (bool, error)
}

// WakeReason says which condition woke a node.
type WakeReason string

const (
	WakeMessage          WakeReason = "message"
	WakeInterrupt        WakeReason = "interrupt"
	WakeChildrenComplete WakeReason = "all_children_complete"
	WakeDeadline         WakeReason = "deadline"
)

// WakeFunc is called after a node has been woken and re-enqueued.
type WakeFunc func(node *models.SpecNode, reason WakeReason)

// Manager owns suspend and check_wake.
type Manager struct {
	store    Store
	inbox    Inbox
	onWake   []WakeFunc
	now      func() time.Time
	debugLog func(format string, args ...interface{})
}

// NewManager creates a hibernation manager.
func NewManager(store Store, inbox Inbox) *Manager {
	return &Manager{
		store:    store,
		inbox:    inbox,
		now:      time.Now,
		debugLog: func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (m *Manager) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		m.debugLog = fn
	}
}

// SetClock replaces the time source. Used by tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// OnWake registers a callback for woken nodes.
func (m *Manager) OnWake(fn WakeFunc) {
	m.onWake = append(m.onWake, fn)
}

// Checksum returns the hex BLAKE3 digest of a context blob.
func Checksum(blob []byte) string {
	hasher := blake3.New()
	_, _ = hasher.Write(blob)
	return fmt.Sprintf("%x", hasher.Sum(nil))
}

// Suspend writes a hibernation record for the node, which removes it from
// the runnable set. The trigger is evaluated once right away so a condition
// that became true during the round is not missed. It reports whether that
// immediate check woke the node.
func (m *Manager) Suspend(ctx context.Context, specID string, trigger models.ResumeTrigger, blob []byte) (bool, error) {
	if err := validateTrigger(trigger); err != nil {
		return false, fmt.Errorf("suspend %s: %w", specID, err)
	}

	rec := &models.HibernationRecord{
		SpecID:      specID,
		Trigger:     trigger,
		Context:     blob,
		Checksum:    Checksum(blob),
		SuspendedAt: m.now(),
	}
	if err := m.store.CreateHibernation(rec); err != nil {
		return false, fmt.Errorf("suspend %s: %w", specID, err)
	}
	m.debugLog("[hibernate] %s suspended trigger=%s type=%s", specID, trigger.Kind, trigger.MessageType)

	return m.CheckWake(ctx, specID)
}

// CheckWake evaluates the node's resume trigger and wakes it if the trigger
// holds. Returns false without error when the node is not hibernating. Safe
// to call repeatedly and from several paths at once.
func (m *Manager) CheckWake(ctx context.Context, specID string) (bool, error) {
	rec, err := m.store.GetHibernation(specID)
	if err != nil {
		return false, fmt.Errorf("check wake %s: %w", specID, err)
	}
	if rec == nil {
		return false, nil
	}

	reason, err := m.evaluate(ctx, rec)
	if err != nil {
		return false, fmt.Errorf("check wake %s: %w", specID, err)
	}
	if reason == "" {
		return false, nil
	}

	if Checksum(rec.Context) != rec.Checksum {
		return false, fmt.Errorf("check wake %s: %w", specID, models.ErrChecksumMismatch)
	}

	node, err := m.store.WakeHibernation(specID, rec.Context)
	if err != nil {
		if errors.Is(err, models.ErrNotHibernating) {
			// Another path woke it between our read and delete.
			return false, nil
		}
		return false, fmt.Errorf("check wake %s: %w", specID, err)
	}
	m.debugLog("[hibernate] %s woke reason=%s", specID, reason)

	for _, fn := range m.onWake {
		fn(node, reason)
	}
	return true, nil
}

// Sweep runs CheckWake on every hibernating node. It catches deadlines and
// any wake that an event path missed. Returns the ids woken.
func (m *Manager) Sweep(ctx context.Context) ([]string, error) {
	recs, err := m.store.ListHibernations()
	if err != nil {
		return nil, fmt.Errorf("sweep: %w", err)
	}

	var (
		woken []string
		errs  []error
	)
	for _, rec := range recs {
		if ctx.Err() != nil {
			break
		}
		ok, err := m.CheckWake(ctx, rec.SpecID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			woken = append(woken, rec.SpecID)
		}
	}
	return woken, errors.Join(errs...)
}

// OnDelivered implements bus.DeliveryObserver.
func (m *Manager) OnDelivered(ctx context.Context, msg *models.Message) {
	if _, err := m.CheckWake(ctx, msg.To); err != nil {
		m.debugLog("[hibernate] check wake after delivery to %s failed: %v", msg.To, err)
	}
}

// evaluate returns the wake reason, or "" if the node should stay asleep.
func (m *Manager) evaluate(ctx context.Context, rec *models.HibernationRecord) (WakeReason, error) {
	interrupt, err := m.inbox.HasPendingInterrupt(ctx, rec.SpecID)
	if err != nil {
		return "", err
	}
	if interrupt {
		return WakeInterrupt, nil
	}

	switch rec.Trigger.Kind {
	case models.TriggerMessage:
		ok, err := m.inbox.HasPending(ctx, rec.SpecID, rec.Trigger.MessageType)
		if err != nil {
			return "", err
		}
		if ok {
			return WakeMessage, nil
		}
	case models.TriggerChildrenComplete:
		done, err := m.childrenComplete(rec.SpecID)
		if err != nil {
			return "", err
		}
		if done {
			return WakeChildrenComplete, nil
		}
	}

	if d := rec.Trigger.Deadline; d != nil && !m.now().Before(*d) {
		return WakeDeadline, nil
	}
	return "", nil
}

// childrenComplete reports whether every child is COMPLETE. When every child
// is terminal but some are not COMPLETE, the parent is flagged for review.
func (m *Manager) childrenComplete(parentID string) (bool, error) {
	children, err := m.store.ListChildren(parentID)
	if err != nil {
		return false, err
	}

	var stuck []string
	for _, c := range children {
		switch {
		case c.Phase == models.PhaseComplete:
		case c.Phase.Terminal():
			stuck = append(stuck, fmt.Sprintf("%s is %s", c.ID, c.Phase))
		default:
			return false, nil
		}
	}
	if len(stuck) == 0 {
		return true, nil
	}
	return false, m.flagForReview(parentID, "no further progress possible: "+strings.Join(stuck, ", "))
}

func (m *Manager) flagForReview(specID, reason string) error {
	for attempt := 0; attempt < maxReviewRetries; attempt++ {
		node, err := m.store.Get(specID)
		if err != nil {
			return err
		}
		if node.ReviewReason == reason {
			return nil
		}
		node.ReviewReason = reason
		err = m.store.Save(node, state.SaveOptions{})
		if err == nil {
			m.debugLog("[hibernate] %s flagged for review: %s", specID, reason)
			return nil
		}
		if !errors.Is(err, models.ErrConcurrentModification) {
			return err
		}
	}
	return fmt.Errorf("flag %s for review: %w", specID, models.ErrConcurrentModification)
}

func validateTrigger(t models.ResumeTrigger) error {
	if !t.Kind.Valid() {
		return fmt.Errorf("unknown trigger kind %q", t.Kind)
	}
	if t.Kind == models.TriggerMessage && !t.MessageType.Valid() {
		return fmt.Errorf("message trigger needs a valid message type, got %q", t.MessageType)
	}
	if t.Kind == models.TriggerTimeout && t.Deadline == nil {
		return errors.New("timeout trigger needs a deadline")
	}
	return nil
}
