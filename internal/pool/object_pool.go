package pool

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// Pool is a typed sync.Pool with hit statistics.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(T)

	gets atomic.Int64
	news atomic.Int64
}

// NewPool creates a pool. reset runs before an object goes back.
func NewPool[T any](newFunc func() T, reset func(T)) *Pool[T] {
	p := &Pool[T]{reset: reset}
	p.pool.New = func() any {
		p.news.Add(1)
		return newFunc()
	}
	return p
}

func (p *Pool[T]) Get() T {
	p.gets.Add(1)
	return p.pool.Get().(T)
}

func (p *Pool[T]) Put(obj T) {
	if p.reset != nil {
		p.reset(obj)
	}
	p.pool.Put(obj)
}

// Stats returns pool statistics.
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{Gets: p.gets.Load(), News: p.news.Load()}
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Gets int64 `json:"gets"`
	News int64 `json:"news"`
}

// HitRate returns the share of Gets served without allocating.
func (s PoolStats) HitRate() float64 {
	if s.Gets == 0 {
		return 0
	}
	return float64(s.Gets-s.News) / float64(s.Gets)
}

// maxPooledBuffer keeps one oversized event from pinning memory in the pool.
const maxPooledBuffer = 64 << 10

// ByteBufferPool holds encode buffers for stream frames.
var ByteBufferPool = NewPool(
	func() *bytes.Buffer {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
	func(b *bytes.Buffer) {
		if b.Cap() > maxPooledBuffer {
			*b = *bytes.NewBuffer(make([]byte, 0, 4096))
			return
		}
		b.Reset()
	},
)
