// Package bustest holds the behavioral contract every bus.Backend must meet.
package bustest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/spectree/pkg/models"
)

// Backend mirrors bus.Backend so the contract does not import its caller.
type Backend interface {
	Append(ctx context.Context, msg *models.Message) error
	Pending(ctx context.Context, recipient string) ([]models.Message, error)
	MarkConsumed(ctx context.Context, ids []string, at time.Time) error
	History(ctx context.Context, nodeID string, limit int) ([]models.Message, error)
}

// RunBackendContract verifies that a Backend implementation adheres to the
// ordering and acknowledgement rules the bus relies on.
func RunBackendContract(t *testing.T, b Backend) {
	ctx := context.Background()
	suffix := time.Now().Format("150405.000000")
	parent := "contract-R-" + suffix
	child := parent + "/a"

	newMsg := func(i int, from, to string) *models.Message {
		return &models.Message{
			ID:        fmt.Sprintf("%s-msg-%d", suffix, i),
			From:      from,
			To:        to,
			Type:      models.MessageDiscovery,
			Priority:  models.PriorityNormal,
			Payload:   []byte(fmt.Sprintf(`{"n":%d}`, i)),
			CreatedAt: time.Now().UTC(),
		}
	}

	t.Run("Append assigns increasing seq", func(t *testing.T) {
		var last int64
		for i := 0; i < 3; i++ {
			m := newMsg(i, child, parent)
			require.NoError(t, b.Append(ctx, m))
			assert.Greater(t, m.Seq, last)
			last = m.Seq
		}
	})

	t.Run("Pending is FIFO by arrival", func(t *testing.T) {
		pending, err := b.Pending(ctx, parent)
		require.NoError(t, err)
		require.Len(t, pending, 3)
		for i, m := range pending {
			assert.Equal(t, fmt.Sprintf("%s-msg-%d", suffix, i), m.ID)
			assert.Equal(t, models.MessageDiscovery, m.Type)
			assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(m.Payload))
			assert.Nil(t, m.ConsumedAt)
		}
	})

	t.Run("MarkConsumed removes from pending", func(t *testing.T) {
		first := fmt.Sprintf("%s-msg-0", suffix)
		require.NoError(t, b.MarkConsumed(ctx, []string{first}, time.Now()))

		pending, err := b.Pending(ctx, parent)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, fmt.Sprintf("%s-msg-1", suffix), pending[0].ID)
	})

	t.Run("MarkConsumed is idempotent", func(t *testing.T) {
		first := fmt.Sprintf("%s-msg-0", suffix)
		require.NoError(t, b.MarkConsumed(ctx, []string{first, "unknown-" + suffix}, time.Now()))

		pending, err := b.Pending(ctx, parent)
		require.NoError(t, err)
		assert.Len(t, pending, 2)
	})

	t.Run("Inboxes are independent", func(t *testing.T) {
		pending, err := b.Pending(ctx, child)
		require.NoError(t, err)
		assert.Empty(t, pending)

		m := newMsg(10, parent, child)
		require.NoError(t, b.Append(ctx, m))
		pending, err = b.Pending(ctx, child)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, m.ID, pending[0].ID)
	})

	t.Run("History includes consumed traffic", func(t *testing.T) {
		hist, err := b.History(ctx, parent, 10)
		require.NoError(t, err)
		require.Len(t, hist, 4)
		assert.Equal(t, fmt.Sprintf("%s-msg-0", suffix), hist[0].ID)
		assert.NotNil(t, hist[0].ConsumedAt)
		assert.Equal(t, fmt.Sprintf("%s-msg-10", suffix), hist[3].ID)

		recent, err := b.History(ctx, parent, 2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, fmt.Sprintf("%s-msg-2", suffix), recent[0].ID)
	})
}
