package viewupdate

import (
	"context"
	"testing"
	"time"

	storageerrors "github.com/devrev/pairdb/viewbuilder/internal/errors"
	"github.com/devrev/pairdb/viewbuilder/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitAsync(ctx context.Context, g *RegistrationGate) <-chan error {
	result := make(chan error, 1)
	go func() { result <- g.Wait(ctx, 1) }()
	return result
}

func TestRegistrationGate_ConsumeMayGoNegative(t *testing.T) {
	g := NewRegistrationGate(2)
	for i := 0; i < 5; i++ {
		g.Consume(1)
	}
	assert.Equal(t, -3, g.Available())

	g.Signal(4)
	assert.Equal(t, 1, g.Available())
}

func TestRegistrationGate_WaitAdmitsInArrivalOrder(t *testing.T) {
	g := NewRegistrationGate(0)

	first := waitAsync(context.Background(), g)
	require.Eventually(t, func() bool { return g.waiting() == 1 }, time.Second, time.Millisecond)
	second := waitAsync(context.Background(), g)
	require.Eventually(t, func() bool { return g.waiting() == 2 }, time.Second, time.Millisecond)

	g.Signal(1)
	select {
	case err := <-first:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("first waiter was not admitted")
	}
	select {
	case <-second:
		t.Fatal("second waiter admitted without a permit")
	case <-time.After(20 * time.Millisecond):
	}

	g.Signal(1)
	assert.NoError(t, <-second)
	assert.Equal(t, 0, g.Available())
}

func TestRegistrationGate_WaitDoesNotOvertakeWaiters(t *testing.T) {
	g := NewRegistrationGate(0)
	queued := waitAsync(context.Background(), g)
	require.Eventually(t, func() bool { return g.waiting() == 1 }, time.Second, time.Millisecond)

	g.mu.Lock()
	g.count = 1
	g.mu.Unlock()

	late := waitAsync(context.Background(), g)
	require.Eventually(t, func() bool { return g.waiting() == 2 }, time.Second, time.Millisecond)

	g.Signal(0)
	assert.NoError(t, <-queued)
	g.Signal(1)
	assert.NoError(t, <-late)
}

func TestRegistrationGate_WaitHonorsContext(t *testing.T) {
	g := NewRegistrationGate(0)
	ctx, cancel := context.WithCancel(context.Background())

	result := waitAsync(ctx, g)
	require.Eventually(t, func() bool { return g.waiting() == 1 }, time.Second, time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-result, context.Canceled)
	assert.Equal(t, 0, g.waiting())

	g.Signal(1)
	assert.Equal(t, 1, g.Available(), "a cancelled waiter must not take the permit")
}

func TestRegistrationGate_BreakFailsWaiters(t *testing.T) {
	g := NewRegistrationGate(0)

	pending := waitAsync(context.Background(), g)
	require.Eventually(t, func() bool { return g.waiting() == 1 }, time.Second, time.Millisecond)

	g.Break()
	assert.ErrorIs(t, <-pending, storageerrors.ErrGateBroken)

	g.Signal(10)
	assert.ErrorIs(t, g.Wait(context.Background(), 1), storageerrors.ErrGateBroken)
}

func TestWorkQueue_FIFOAndCoalescedWakeups(t *testing.T) {
	q := newWorkQueue()
	_, ok := q.front()
	assert.False(t, ok)

	a := &model.StagingFile{Generation: "a"}
	b := &model.StagingFile{Generation: "b"}
	q.push(workItem{file: a})
	q.push(workItem{file: b})
	assert.Equal(t, 2, q.len())

	select {
	case <-q.wakeup():
	default:
		t.Fatal("expected a pending wake-up")
	}
	select {
	case <-q.wakeup():
		t.Fatal("wake-ups should coalesce")
	default:
	}

	item, ok := q.front()
	require.True(t, ok)
	assert.Same(t, a, item.file)
	q.pop()

	item, ok = q.front()
	require.True(t, ok)
	assert.Same(t, b, item.file)
	q.pop()
	q.pop()
	assert.Equal(t, 0, q.len())
}

func TestWorkQueue_ClearWake(t *testing.T) {
	q := newWorkQueue()
	q.push(workItem{file: &model.StagingFile{Generation: "a"}})
	q.clearWake()
	q.clearWake()

	select {
	case <-q.wakeup():
		t.Fatal("wake-up should have been cleared")
	default:
	}
	assert.Equal(t, 1, q.len())
}
