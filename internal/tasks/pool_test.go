package tasks

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsAndDrains(t *testing.T) {
	p := NewPool(2, 10, zerolog.Nop())
	var n atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(context.Background(), "count", func(ctx context.Context) {
			time.Sleep(time.Millisecond)
			n.Add(1)
		}))
	}
	require.NoError(t, p.Stop(context.Background()))
	require.Equal(t, int32(10), n.Load())

	err := p.Submit(context.Background(), "late", func(context.Context) {})
	require.ErrorIs(t, err, ErrStopped)
	require.NoError(t, p.Stop(context.Background()))
}

func TestPoolRecoversPanics(t *testing.T) {
	p := NewPool(1, 1, zerolog.Nop())
	ran := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), "boom", func(context.Context) { panic("boom") }))
	require.NoError(t, p.Submit(context.Background(), "after", func(context.Context) { close(ran) }))

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive a panicking task")
	}
	require.NoError(t, p.Stop(context.Background()))
}

func TestSubmitHonoursContextWhenFull(t *testing.T) {
	p := NewPool(1, 1, zerolog.Nop())
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), "block", func(context.Context) {
		close(started)
		<-release
	}))
	<-started
	require.NoError(t, p.Submit(context.Background(), "queued", func(context.Context) {}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, "overflow", func(context.Context) {})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, p.Stop(context.Background()))
}

func TestStopTimesOutAndCancelsRunningWork(t *testing.T) {
	p := NewPool(1, 1, zerolog.Nop())
	cancelled := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), "long", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.Stop(ctx), context.DeadlineExceeded)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("running task was not cancelled")
	}
}
