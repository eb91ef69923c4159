package pending

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/adalundhe/rootwatch/core/watcher/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newRegistry() (*Registry, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	return New(Config{LockingWindow: 50 * time.Millisecond, Now: clock.Now}), clock
}

func TestRegistry_ModifyWithoutCreateProceeds(t *testing.T) {
	r, _ := newRegistry()
	ok, err := r.AwaitIfPending(context.Background(), "/w/a", source.Modify)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_ModifyInsideWindowIsDropped(t *testing.T) {
	r, clock := newRegistry()
	ctx := context.Background()

	ok, err := r.AwaitIfPending(ctx, "/w/a", source.Create)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, r.IsPending("/w/a"))

	clock.Advance(20 * time.Millisecond)
	ok, err = r.AwaitIfPending(ctx, "/w/a", source.Modify)
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(30 * time.Millisecond)
	ok, err = r.AwaitIfPending(ctx, "/w/a", source.Modify)
	require.NoError(t, err)
	assert.False(t, ok, "window end is inclusive")
}

func TestRegistry_ModifyAfterWindowWaitsForDone(t *testing.T) {
	r, clock := newRegistry()
	ctx := context.Background()

	_, err := r.AwaitIfPending(ctx, "/w/a", source.Create)
	require.NoError(t, err)
	clock.Advance(100 * time.Millisecond)

	admitted := make(chan bool, 1)
	go func() {
		ok, err := r.AwaitIfPending(ctx, "/w/a", source.Modify)
		if err == nil {
			admitted <- ok
		}
	}()

	select {
	case <-admitted:
		t.Fatal("modify admitted before create finished")
	case <-time.After(30 * time.Millisecond):
	}

	r.Done("/w/a")

	select {
	case ok := <-admitted:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("waiter not released by Done")
	}
	assert.False(t, r.IsPending("/w/a"))
}

func TestRegistry_DoneReleasesAllWaiters(t *testing.T) {
	r, clock := newRegistry()
	ctx := context.Background()

	_, err := r.AwaitIfPending(ctx, "/w/a", source.Create)
	require.NoError(t, err)
	clock.Advance(time.Second)

	const waiters = 5
	var wg sync.WaitGroup
	results := make(chan bool, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _ := r.AwaitIfPending(ctx, "/w/a", source.Modify)
			results <- ok
		}()
	}

	time.Sleep(20 * time.Millisecond)
	r.Done("/w/a")
	wg.Wait()
	close(results)

	count := 0
	for ok := range results {
		assert.True(t, ok)
		count++
	}
	assert.Equal(t, waiters, count)
}

func TestRegistry_WaitHonorsContext(t *testing.T) {
	r, clock := newRegistry()

	_, err := r.AwaitIfPending(context.Background(), "/w/a", source.Create)
	require.NoError(t, err)
	clock.Advance(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ok, err := r.AwaitIfPending(ctx, "/w/a", source.Modify)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, r.IsPending("/w/a"))
}

func TestRegistry_RepeatedCreateRefreshesWindow(t *testing.T) {
	r, clock := newRegistry()
	ctx := context.Background()

	_, err := r.AwaitIfPending(ctx, "/w/a", source.Create)
	require.NoError(t, err)
	clock.Advance(40 * time.Millisecond)
	_, err = r.AwaitIfPending(ctx, "/w/a", source.Create)
	require.NoError(t, err)
	clock.Advance(40 * time.Millisecond)

	ok, err := r.AwaitIfPending(ctx, "/w/a", source.Modify)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_OverlappingCreatesStayPendingUntilLastDone(t *testing.T) {
	r, clock := newRegistry()
	ctx := context.Background()

	_, err := r.AwaitIfPending(ctx, "/w/a", source.Create)
	require.NoError(t, err)
	_, err = r.AwaitIfPending(ctx, "/w/a", source.Create)
	require.NoError(t, err)

	r.Done("/w/a")
	assert.True(t, r.IsPending("/w/a"))

	clock.Advance(100 * time.Millisecond)
	released := make(chan bool, 1)
	go func() {
		ok, _ := r.AwaitIfPending(ctx, "/w/a", source.Modify)
		released <- ok
	}()

	select {
	case <-released:
		t.Fatal("modify proceeded while a create was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	r.Done("/w/a")
	select {
	case ok := <-released:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("modify not released after last done")
	}
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_DeleteIsNeverGated(t *testing.T) {
	r, _ := newRegistry()
	ctx := context.Background()

	_, err := r.AwaitIfPending(ctx, "/w/a", source.Create)
	require.NoError(t, err)

	ok, err := r.AwaitIfPending(ctx, "/w/a", source.Delete)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRegistry_DoneIsIdempotent(t *testing.T) {
	r, _ := newRegistry()
	r.Done("/never/pending")

	_, err := r.AwaitIfPending(context.Background(), "/w/a", source.Create)
	require.NoError(t, err)
	r.Done("/w/a")
	r.Done("/w/a")
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_PathsAreIndependent(t *testing.T) {
	r, _ := newRegistry()
	ctx := context.Background()

	_, err := r.AwaitIfPending(ctx, "/w/a", source.Create)
	require.NoError(t, err)

	ok, err := r.AwaitIfPending(ctx, "/w/b", source.Modify)
	require.NoError(t, err)
	assert.True(t, ok)
}
