package checkpoint

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps checkpoints in process memory. Each thread has its own
// lock so saves for different threads never contend.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string]*memoryThread
	closed  bool
}

type memoryThread struct {
	mu          sync.Mutex
	checkpoints []*Checkpoint
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: make(map[string]*memoryThread)}
}

func (s *MemoryStore) thread(threadID string, create bool) (*memoryThread, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	t, ok := s.threads[threadID]
	s.mu.RUnlock()
	if ok || !create {
		return t, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok = s.threads[threadID]; ok {
		return t, nil
	}
	t = &memoryThread{}
	s.threads[threadID] = t
	return t, nil
}

// Save appends a checkpoint.
func (s *MemoryStore) Save(ctx context.Context, threadID string, state []byte) (int64, error) {
	if err := validateThread(threadID); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	t, err := s.thread(threadID, true)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cp := &Checkpoint{
		ThreadID:  threadID,
		ID:        int64(len(t.checkpoints)) + 1,
		State:     append([]byte(nil), state...),
		CreatedAt: time.Now(),
	}
	t.checkpoints = append(t.checkpoints, cp)
	return cp.ID, nil
}

// LoadLatest returns the newest checkpoint of a thread.
func (s *MemoryStore) LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error) {
	if err := validateThread(threadID); err != nil {
		return nil, err
	}
	t, err := s.thread(threadID, false)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrNotFound
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.checkpoints) == 0 {
		return nil, ErrNotFound
	}
	return copyCheckpoint(t.checkpoints[len(t.checkpoints)-1]), nil
}

// Load returns a checkpoint by id.
func (s *MemoryStore) Load(ctx context.Context, threadID string, id int64) (*Checkpoint, error) {
	if err := validateThread(threadID); err != nil {
		return nil, err
	}
	t, err := s.thread(threadID, false)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrNotFound
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if id < 1 || id > int64(len(t.checkpoints)) {
		return nil, ErrNotFound
	}
	return copyCheckpoint(t.checkpoints[id-1]), nil
}

// List returns all checkpoints of a thread.
func (s *MemoryStore) List(ctx context.Context, threadID string) ([]*Checkpoint, error) {
	if err := validateThread(threadID); err != nil {
		return nil, err
	}
	t, err := s.thread(threadID, false)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return []*Checkpoint{}, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Checkpoint, 0, len(t.checkpoints))
	for _, cp := range t.checkpoints {
		out = append(out, copyCheckpoint(cp))
	}
	return out, nil
}

// Ping reports whether the store is open.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func copyCheckpoint(cp *Checkpoint) *Checkpoint {
	c := *cp
	c.State = append([]byte(nil), cp.State...)
	return &c
}

var _ Store = (*MemoryStore)(nil)
