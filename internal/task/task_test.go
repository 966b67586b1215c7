package task

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBeginSupersedesPrevious(t *testing.T) {
	var superseded atomic.Int32
	slot := NewSlot("routing", Hooks{OnSupersede: func(string) { superseded.Add(1) }})
	first, err := slot.Begin(context.Background())
	require.NoError(t, err)
	second, err := slot.Begin(context.Background())
	require.NoError(t, err)

	assert.ErrorIs(t, first.Cause(), ErrSuperseded)
	assert.NoError(t, second.Cause())
	assert.Greater(t, second.Seq(), first.Seq())
	assert.False(t, slot.IsCurrent(first))
	assert.True(t, slot.IsCurrent(second))
	assert.Equal(t, int32(1), superseded.Load())
}

func TestCommitDropsStaleHandle(t *testing.T) {
	slot := NewSlot("routing", Hooks{})
	stale, _ := slot.Begin(context.Background())
	fresh, _ := slot.Begin(context.Background())

	applied := ""
	assert.False(t, slot.Commit(stale, func() { applied = "stale" }))
	assert.True(t, slot.Commit(fresh, func() { applied = "fresh" }))
	assert.Equal(t, "fresh", applied)
}

func TestCancelIsIdempotent(t *testing.T) {
	slot := NewSlot("routing", Hooks{})
	h, _ := slot.Begin(context.Background())
	slot.Cancel()
	slot.Cancel()
	h.Cancel()

	assert.ErrorIs(t, h.Cause(), ErrAborted)
	assert.Nil(t, slot.Current())
	assert.False(t, slot.Commit(h, nil))
}

func TestClearResetsStateAndAborts(t *testing.T) {
	slot := NewSlot("routing", Hooks{})
	state := "old"
	h, _ := slot.Begin(context.Background())
	slot.Clear(func() { state = "" })

	assert.Empty(t, state)
	assert.ErrorIs(t, h.Cause(), ErrAborted)
	assert.False(t, slot.Commit(h, func() { state = "late" }))
	assert.Empty(t, state)
}

func TestBeginUnlessVeto(t *testing.T) {
	slot := NewSlot("stream", Hooks{})
	busy := errors.New("busy")
	first, err := slot.BeginUnless(context.Background(), func() error { return nil })
	require.NoError(t, err)

	_, err = slot.BeginUnless(context.Background(), func() error { return busy })
	require.ErrorIs(t, err, busy)
	assert.True(t, slot.IsCurrent(first))
	assert.NoError(t, first.Cause())
}

func TestDoCommitsCurrentOutcome(t *testing.T) {
	slot := NewSlot("poll", Hooks{})
	var got []string
	committed, err := Do(slot, context.Background(), func(context.Context) ([]string, error) {
		return []string{"a", "b"}, nil
	}, func(v []string, err error) {
		require.NoError(t, err)
		got = v
	})
	require.NoError(t, err)
	assert.True(t, committed)
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Nil(t, slot.Current())
}

func TestGoDiscardsSupersededResult(t *testing.T) {
	slot := NewSlot("routing", Hooks{})
	release := make(chan struct{})
	var mu sync.Mutex
	var results []string

	commit := func(v string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err == nil {
			results = append(results, v)
		}
	}
	first := Go(slot, context.Background(), func(ctx context.Context) (string, error) {
		<-release
		return "first", nil
	}, commit)
	require.NotNil(t, first)

	second := Go(slot, context.Background(), func(ctx context.Context) (string, error) {
		return "second", nil
	}, commit)
	require.NotNil(t, second)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) == 1
	}, time.Second, 5*time.Millisecond)

	close(release)
	slot.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"second"}, results)
}

func TestCloseWaitsAndRefuses(t *testing.T) {
	slot := NewSlot("routing", Hooks{})
	started := make(chan struct{})
	h := Go(slot, context.Background(), func(ctx context.Context) (int, error) {
		close(started)
		<-ctx.Done()
		return 0, ctx.Err()
	}, nil)
	require.NotNil(t, h)
	<-started
	slot.Close()

	assert.ErrorIs(t, h.Cause(), ErrAborted)
	_, err := slot.Begin(context.Background())
	assert.ErrorIs(t, err, ErrSlotClosed)
	assert.Nil(t, Go(slot, context.Background(), func(context.Context) (int, error) { return 1, nil }, nil))
}

func TestDebouncerFiresOnceAfterQuietWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := NewDebouncer(clock, 400*time.Millisecond)
	fired := make(chan string, 4)

	d.Trigger(func() { fired <- "a" })
	clock.Advance(100 * time.Millisecond)
	d.Trigger(func() { fired <- "ab" })
	clock.Advance(310 * time.Millisecond)
	d.Trigger(func() { fired <- "abc" })

	clock.Advance(399 * time.Millisecond)
	select {
	case v := <-fired:
		t.Fatalf("fired early with %q", v)
	case <-time.After(20 * time.Millisecond):
	}
	assert.True(t, d.Pending())

	clock.Advance(time.Millisecond)
	select {
	case v := <-fired:
		assert.Equal(t, "abc", v)
	case <-time.After(time.Second):
		t.Fatal("debouncer never fired")
	}
	select {
	case v := <-fired:
		t.Fatalf("fired twice, second %q", v)
	case <-time.After(20 * time.Millisecond):
	}
	assert.False(t, d.Pending())
}

func TestDebouncerCancel(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := NewDebouncer(clock, 50*time.Millisecond)
	var fired atomic.Int32
	d.Trigger(func() { fired.Add(1) })
	d.Cancel()
	d.Cancel()
	clock.Advance(time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
	assert.False(t, d.Pending())
}
