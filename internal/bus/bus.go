// Package bus implements the hierarchical message bus. Messages travel only
// between a node and its direct parent or direct child; inboxes are FIFO by
// arrival and consumption is acknowledged after the recipient's transition
// commits, which gives at-least-once delivery.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/spectree/pkg/models"
)

// Backend stores messages durably.
type Backend interface {
	// Append stores a new message and assigns its arrival sequence.
	Append(ctx context.Context, msg *models.Message) error
	// Pending returns unconsumed messages for a recipient in arrival order.
	Pending(ctx context.Context, recipient string) ([]models.Message, error)
	// MarkConsumed acknowledges messages. Unknown or already consumed ids are ignored.
	MarkConsumed(ctx context.Context, ids []string, at time.Time) error
	// History returns up to limit of the most recent messages sent or received
	// by a node, oldest first, consumed ones included.
	History(ctx context.Context, nodeID string, limit int) ([]models.Message, error)
}

// Tree resolves nodes for route validation.
type Tree interface {
	Get(id string) (*models.SpecNode, error)
}

// DeliveryObserver is told about every delivered message. The hibernation
// manager uses it to run check_wake on hibernating recipients.
type DeliveryObserver interface {
	OnDelivered(ctx context.Context, msg *models.Message)
}

// Bus routes messages along parent/child edges.
type Bus struct {
	backend   Backend
	tree      Tree
	observers []DeliveryObserver
	debugLog  func(format string, args ...interface{})
	now       func() time.Time
}

// New creates a bus over a backend and the spec tree.
func New(backend Backend, tree Tree) *Bus {
	return &Bus{
		backend:  backend,
		tree:     tree,
		debugLog: func(format string, args ...interface{}) {},
		now:      time.Now,
	}
}

// SetDebugLog sets the debug logging function.
func (b *Bus) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		b.debugLog = fn
	}
}

// Observe registers an observer for delivered messages.
func (b *Bus) Observe(o DeliveryObserver) {
	b.observers = append(b.observers, o)
}

// Send validates the route and enqueues a message. It fails with
// ErrInvalidRoute unless to is the direct parent or a direct child of from.
func (b *Bus) Send(ctx context.Context, from, to string, typ models.MessageType, prio models.Priority, payload json.RawMessage) (*models.Message, error) {
	if err := b.checkRoute(from, to); err != nil {
		return nil, err
	}
	return b.deliver(ctx, from, to, typ, prio, payload)
}

// SendSystem enqueues a message from the orchestrator itself. The system
// sender is not a tree node, so only the recipient must exist.
func (b *Bus) SendSystem(ctx context.Context, to string, typ models.MessageType, prio models.Priority, payload json.RawMessage) (*models.Message, error) {
	if _, err := b.tree.Get(to); err != nil {
		return nil, fmt.Errorf("send to %s: %w", to, err)
	}
	return b.deliver(ctx, models.SystemSender, to, typ, prio, payload)
}

// Poll returns all unconsumed messages for a node in arrival order. Polling
// does not consume; call Ack once the resulting transition is committed.
func (b *Bus) Poll(ctx context.Context, nodeID string) ([]models.Message, error) {
	msgs, err := b.backend.Pending(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("poll %s: %w", nodeID, err)
	}
	return msgs, nil
}

// Ack marks messages consumed. Safe to repeat.
func (b *Bus) Ack(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := b.backend.MarkConsumed(ctx, ids, b.now()); err != nil {
		return fmt.Errorf("ack %d messages: %w", len(ids), err)
	}
	return nil
}

// History returns recent traffic for a node, for audit and status views.
func (b *Bus) History(ctx context.Context, nodeID string, limit int) ([]models.Message, error) {
	return b.backend.History(ctx, nodeID, limit)
}

// HasPending reports whether the node has an unconsumed message of typ.
func (b *Bus) HasPending(ctx context.Context, nodeID string, typ models.MessageType) (bool, error) {
	msgs, err := b.Poll(ctx, nodeID)
	if err != nil {
		return false, err
	}
	for _, m := range msgs {
		if m.Type == typ {
			return true, nil
		}
	}
	return false, nil
}

// HasPendingInterrupt reports whether the node has an unconsumed blocking or
// urgent message.
func (b *Bus) HasPendingInterrupt(ctx context.Context, nodeID string) (bool, error) {
	msgs, err := b.Poll(ctx, nodeID)
	if err != nil {
		return false, err
	}
	for _, m := range msgs {
		if m.Priority.Wakes() {
			return true, nil
		}
	}
	return false, nil
}

func (b *Bus) checkRoute(from, to string) error {
	if from == to {
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidRoute, from, to)
	}
	src, err := b.tree.Get(from)
	if err != nil {
		return fmt.Errorf("route %s -> %s: %w", from, to, err)
	}
	dst, err := b.tree.Get(to)
	if err != nil {
		return fmt.Errorf("route %s -> %s: %w", from, to, err)
	}
	if dst.ParentID == src.ID || src.ParentID == dst.ID {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s are not parent and child", models.ErrInvalidRoute, from, to)
}

func (b *Bus) deliver(ctx context.Context, from, to string, typ models.MessageType, prio models.Priority, payload json.RawMessage) (*models.Message, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("send %s -> %s: unknown message type %q", from, to, typ)
	}
	if prio == "" {
		prio = models.PriorityNormal
	}
	if !prio.Valid() {
		return nil, fmt.Errorf("send %s -> %s: unknown priority %q", from, to, prio)
	}

	msg := &models.Message{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Type:      typ,
		Priority:  prio,
		Payload:   payload,
		CreatedAt: b.now(),
	}
	if err := b.backend.Append(ctx, msg); err != nil {
		return nil, fmt.Errorf("send %s -> %s: %w", from, to, err)
	}
	b.debugLog("[bus] %s -> %s type=%s priority=%s id=%s", from, to, typ, prio, msg.ID)

	for _, o := range b.observers {
		o.OnDelivered(ctx, msg)
	}
	return msg, nil
}

var (
	_ Backend = (*SQLiteBackend)(nil)
	_ Backend = (*RedisBackend)(nil)
	_ Backend = (*MemoryBackend)(nil)
)
