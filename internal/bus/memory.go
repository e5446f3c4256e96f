package bus

import (
	"context"
	"sync"
	"time"

	"github.com/ShayCichocki/spectree/pkg/models"
)

// MemoryBackend keeps messages in process. Used by tests and dry runs.
type MemoryBackend struct {
	mu   sync.RWMutex
	seq  int64
	msgs []*models.Message
	byID map[string]*models.Message
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{byID: make(map[string]*models.Message)}
}

// Append stores a copy of msg and sets its arrival sequence.
func (m *MemoryBackend) Append(ctx context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	msg.Seq = m.seq
	stored := *msg
	m.msgs = append(m.msgs, &stored)
	m.byID[stored.ID] = &stored
	return nil
}

// Pending returns unconsumed messages for a recipient in arrival order.
func (m *MemoryBackend) Pending(ctx context.Context, recipient string) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Message
	for _, msg := range m.msgs {
		if msg.To == recipient && !msg.Consumed() {
			out = append(out, *msg)
		}
	}
	return out, nil
}

// MarkConsumed acknowledges messages.
func (m *MemoryBackend) MarkConsumed(ctx context.Context, ids []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		msg, ok := m.byID[id]
		if !ok || msg.Consumed() {
			continue
		}
		consumed := at
		msg.ConsumedAt = &consumed
	}
	return nil
}

// History returns recent traffic for a node, oldest first.
func (m *MemoryBackend) History(ctx context.Context, nodeID string, limit int) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	var out []models.Message
	for _, msg := range m.msgs {
		if msg.To == nodeID || msg.From == nodeID {
			out = append(out, *msg)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
