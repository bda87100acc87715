package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGoroutinePool_RunsJobs(t *testing.T) {
	p := NewGoroutinePool(GoroutinePoolConfig{MaxWorkers: 4, QueueSize: 64}, zap.NewNop())
	var n atomic.Int32
	for i := 0; i < 50; i++ {
		require.NoError(t, p.Submit(context.Background(), "inc", func(ctx context.Context) error {
			n.Add(1)
			return nil
		}))
	}
	require.NoError(t, p.Close(context.Background()))

	assert.Equal(t, int32(50), n.Load())
	st := p.Stats()
	assert.Equal(t, int64(50), st.Completed)
	assert.LessOrEqual(t, st.Workers, 4)
}

func TestGoroutinePool_BoundsConcurrency(t *testing.T) {
	p := NewGoroutinePool(GoroutinePoolConfig{MaxWorkers: 2, QueueSize: 16}, zap.NewNop())
	var running, peak atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(context.Background(), "slow", func(ctx context.Context) error {
			cur := running.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return nil
		}))
	}
	require.NoError(t, p.Close(context.Background()))
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestGoroutinePool_FullQueueRejects(t *testing.T) {
	p := NewGoroutinePool(GoroutinePoolConfig{MaxWorkers: 1, QueueSize: 1}, zap.NewNop())
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), "block", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started
	require.NoError(t, p.Submit(context.Background(), "queued", func(ctx context.Context) error { return nil }))

	err := p.Submit(context.Background(), "rejected", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolFull)
	assert.Equal(t, int64(1), p.Stats().Rejected)

	close(release)
	require.NoError(t, p.Close(context.Background()))
}

func TestGoroutinePool_SubmitWaitAndPanics(t *testing.T) {
	p := NewGoroutinePool(DefaultGoroutinePoolConfig(), zap.NewNop())
	defer p.Close(context.Background())

	boom := errors.New("boom")
	assert.ErrorIs(t, p.SubmitWait(context.Background(), "fail", func(ctx context.Context) error { return boom }), boom)

	err := p.SubmitWait(context.Background(), "panic", func(ctx context.Context) error { panic("bad job") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad job")
	assert.Equal(t, int64(1), p.Stats().Panicked)
}

func TestGoroutinePool_Close(t *testing.T) {
	p := NewGoroutinePool(GoroutinePoolConfig{MaxWorkers: 1}, zap.NewNop())
	hold := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), "hold", func(ctx context.Context) error {
		close(started)
		<-hold
		return nil
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Close(ctx), context.DeadlineExceeded)
	assert.ErrorIs(t, p.Submit(context.Background(), "late", func(ctx context.Context) error { return nil }), ErrPoolClosed)

	close(hold)
	assert.NoError(t, p.Close(context.Background()), "second close is a no-op")
}

func TestByteBufferPool(t *testing.T) {
	b := ByteBufferPool.Get()
	b.WriteString("data: {}\n\n")
	ByteBufferPool.Put(b)

	again := ByteBufferPool.Get()
	assert.Equal(t, 0, again.Len())
	ByteBufferPool.Put(again)
	assert.GreaterOrEqual(t, ByteBufferPool.Stats().Gets, int64(2))
}
