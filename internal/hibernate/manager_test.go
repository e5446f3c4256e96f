package hibernate_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/spectree/internal/bus"
	"github.com/ShayCichocki/spectree/internal/hibernate"
	"github.com/ShayCichocki/spectree/internal/state"
	"github.com/ShayCichocki/spectree/pkg/models"
)

type fixture struct {
	db      *state.DB
	backend *bus.MemoryBackend
	bus     *bus.Bus
	mgr     *hibernate.Manager
	mu      sync.Mutex
	woken   []string
}

func (f *fixture) wokenIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.woken...)
}

// newFixture builds R with children shared, a and b, wired the way the
// orchestrator wires them: the manager observes every bus delivery.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	leaf, nonLeaf := true, false
	_, err = db.CreateRoot(models.ChildSpec{Name: "R", Leaf: &nonLeaf})
	require.NoError(t, err)
	_, err = db.CreateChildren("R", []models.ChildSpec{
		{Name: "shared", Leaf: &leaf},
		{Name: "a", Leaf: &leaf, DependsOn: []string{"shared"}},
		{Name: "b", Leaf: &leaf, DependsOn: []string{"shared"}},
	}, 3)
	require.NoError(t, err)

	backend := bus.NewMemoryBackend()
	b := bus.New(backend, db)
	f := &fixture{db: db, backend: backend, bus: b, mgr: hibernate.NewManager(db, b)}
	f.mgr.OnWake(func(node *models.SpecNode, reason hibernate.WakeReason) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.woken = append(f.woken, node.ID)
	})
	b.Observe(f.mgr)
	return f
}

// forcePhase writes a phase directly, bypassing the transition table.
func forcePhase(t *testing.T, db *state.DB, id string, phase models.Phase) {
	t.Helper()
	_, err := db.Exec("UPDATE specs SET phase = ? WHERE id = ?", string(phase), id)
	require.NoError(t, err)
}

func isHibernating(t *testing.T, db *state.DB, id string) bool {
	t.Helper()
	rec, err := db.GetHibernation(id)
	require.NoError(t, err)
	return rec != nil
}

func TestSuspend_MessageTrigger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	woke, err := f.mgr.Suspend(ctx, "R/a", models.ResumeTrigger{Kind: models.TriggerMessage, MessageType: models.MessageProceed}, []byte("ctx"))
	require.NoError(t, err)
	assert.False(t, woke)

	// A discovery message does not satisfy a proceed trigger.
	_, err = f.bus.Send(ctx, "R", "R/a", models.MessageDiscovery, models.PriorityNormal, nil)
	require.NoError(t, err)
	assert.True(t, isHibernating(t, f.db, "R/a"))
	assert.Empty(t, f.wokenIDs())

	_, err = f.bus.Send(ctx, "R", "R/a", models.MessageProceed, models.PriorityNormal, nil)
	require.NoError(t, err)
	assert.False(t, isHibernating(t, f.db, "R/a"))
	assert.Equal(t, []string{"R/a"}, f.wokenIDs())

	node, err := f.db.Get("R/a")
	require.NoError(t, err)
	assert.Equal(t, "ctx", string(node.ResumeContext))
}

func TestSuspend_BlockingMessageWakesImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Suspend(ctx, "R", models.ResumeTrigger{Kind: models.TriggerChildrenComplete}, nil)
	require.NoError(t, err)

	msg, err := f.bus.Send(ctx, "R/a", "R", models.MessageNeedSharedType, models.PriorityBlocking, []byte(`{"type":"User"}`))
	require.NoError(t, err)

	assert.False(t, isHibernating(t, f.db, "R"), "blocking message should wake the parent")
	inbox, err := f.bus.Poll(ctx, "R")
	require.NoError(t, err)
	require.NotEmpty(t, inbox)
	assert.Equal(t, msg.ID, inbox[0].ID)
}

func TestSuspend_NormalMessageDoesNotInterrupt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Suspend(ctx, "R", models.ResumeTrigger{Kind: models.TriggerChildrenComplete}, nil)
	require.NoError(t, err)

	_, err = f.bus.Send(ctx, "R/a", "R", models.MessageDiscovery, models.PriorityNormal, nil)
	require.NoError(t, err)
	assert.True(t, isHibernating(t, f.db, "R"))
}

func TestSuspend_AlreadyHibernating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trigger := models.ResumeTrigger{Kind: models.TriggerMessage, MessageType: models.MessageProceed}

	_, err := f.mgr.Suspend(ctx, "R/b", trigger, nil)
	require.NoError(t, err)
	_, err = f.mgr.Suspend(ctx, "R/b", trigger, nil)
	assert.ErrorIs(t, err, models.ErrAlreadyHibernating)
}

func TestSuspend_InvalidTrigger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		trigger models.ResumeTrigger
	}{
		{"unknown kind", models.ResumeTrigger{Kind: "whenever"}},
		{"message without type", models.ResumeTrigger{Kind: models.TriggerMessage}},
		{"timeout without deadline", models.ResumeTrigger{Kind: models.TriggerTimeout}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.mgr.Suspend(ctx, "R/a", tt.trigger, nil)
			assert.Error(t, err)
			assert.False(t, isHibernating(t, f.db, "R/a"))
		})
	}
}

func TestCheckWake_AllChildrenComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Suspend(ctx, "R", models.ResumeTrigger{Kind: models.TriggerChildrenComplete}, []byte(`{"spawned":3}`))
	require.NoError(t, err)

	for _, id := range []string{"R/shared", "R/a"} {
		forcePhase(t, f.db, id, models.PhaseComplete)
		woke, err := f.mgr.CheckWake(ctx, "R")
		require.NoError(t, err)
		assert.False(t, woke, "parent woke with %s still running", "R/b")
	}

	forcePhase(t, f.db, "R/b", models.PhaseComplete)
	woke, err := f.mgr.CheckWake(ctx, "R")
	require.NoError(t, err)
	assert.True(t, woke)

	// Repeating the check is harmless.
	woke, err = f.mgr.CheckWake(ctx, "R")
	require.NoError(t, err)
	assert.False(t, woke)
	assert.Equal(t, []string{"R"}, f.wokenIDs())
}

func TestCheckWake_PartialFailureFlagsReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Suspend(ctx, "R", models.ResumeTrigger{Kind: models.TriggerChildrenComplete}, nil)
	require.NoError(t, err)

	forcePhase(t, f.db, "R/shared", models.PhaseComplete)
	forcePhase(t, f.db, "R/a", models.PhaseBlocked)
	woke, err := f.mgr.CheckWake(ctx, "R")
	require.NoError(t, err)
	assert.False(t, woke)

	root, err := f.db.Get("R")
	require.NoError(t, err)
	assert.Empty(t, root.ReviewReason, "b is still running, no review yet")

	forcePhase(t, f.db, "R/b", models.PhaseFailed)
	woke, err = f.mgr.CheckWake(ctx, "R")
	require.NoError(t, err)
	assert.False(t, woke)
	assert.True(t, isHibernating(t, f.db, "R"))

	root, err = f.db.Get("R")
	require.NoError(t, err)
	assert.Contains(t, root.ReviewReason, "R/a is BLOCKED")
	assert.Contains(t, root.ReviewReason, "R/b is FAILED")
}

func TestCheckWake_Deadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()
	f.mgr.SetClock(func() time.Time { return now })

	deadline := now.Add(time.Minute)
	_, err := f.mgr.Suspend(ctx, "R/a", models.ResumeTrigger{Kind: models.TriggerTimeout, Deadline: &deadline}, nil)
	require.NoError(t, err)

	woken, err := f.mgr.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, woken)

	now = now.Add(2 * time.Minute)
	woken, err = f.mgr.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"R/a"}, woken)
}

func TestCheckWake_NotHibernating(t *testing.T) {
	f := newFixture(t)

	woke, err := f.mgr.CheckWake(context.Background(), "R/a")
	require.NoError(t, err)
	assert.False(t, woke)
}

func TestCheckWake_ChecksumMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Suspend(ctx, "R/a", models.ResumeTrigger{Kind: models.TriggerMessage, MessageType: models.MessageProceed}, []byte("original"))
	require.NoError(t, err)
	_, err = f.db.Exec("UPDATE hibernations SET context = ? WHERE spec_id = ?", []byte("tampered"), "R/a")
	require.NoError(t, err)

	_, err = f.bus.SendSystem(ctx, "R/a", models.MessageProceed, models.PriorityNormal, nil)
	require.NoError(t, err)

	_, err = f.mgr.CheckWake(ctx, "R/a")
	assert.ErrorIs(t, err, models.ErrChecksumMismatch)
	assert.True(t, isHibernating(t, f.db, "R/a"))
}

func TestCheckWake_ConcurrentChecksWakeOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Suspend(ctx, "R/a", models.ResumeTrigger{Kind: models.TriggerMessage, MessageType: models.MessageProceed}, nil)
	require.NoError(t, err)

	// Write straight to the backend so no observer fires.
	require.NoError(t, f.backend.Append(ctx, &models.Message{
		ID: "m1", From: "R", To: "R/a", Type: models.MessageProceed, Priority: models.PriorityNormal, CreatedAt: time.Now(),
	}))

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wakes int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := f.mgr.CheckWake(ctx, "R/a")
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wakes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wakes)
	assert.Equal(t, []string{"R/a"}, f.wokenIDs())
}

func TestChecksum(t *testing.T) {
	assert.Equal(t, hibernate.Checksum([]byte("abc")), hibernate.Checksum([]byte("abc")))
	assert.NotEqual(t, hibernate.Checksum([]byte("abc")), hibernate.Checksum([]byte("abd")))
	assert.Len(t, hibernate.Checksum(nil), 64)
}
