package store

import (
	"context"
	"sync"
)

// Memory keeps the log in process memory. It is used for tests and for
// throwaway deployments started with "memory://".
type Memory struct {
	mu     sync.RWMutex
	msgs   []Message
	next   uint64
	clock  clock
	opts   Options
	closed bool
}

// NewMemory returns an empty in-memory log.
func NewMemory(opts Options) *Memory {
	return &Memory{next: 1, opts: opts, clock: clock{opts: opts}}
}

func (s *Memory) Append(ctx context.Context, author, text string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, storageErr("append", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Message{}, storageErr("append", errClosed)
	}
	m := Message{ID: s.next, Author: author, Text: text, CreatedAt: s.clock.next()}
	s.next++
	s.msgs = append(s.msgs, m)
	if r := s.opts.Retention; r > 0 && len(s.msgs) > r {
		s.msgs = append(s.msgs[:0:0], s.msgs[len(s.msgs)-r:]...)
	}
	return m, nil
}

func (s *Memory) Recent(ctx context.Context, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr("recent", err)
	}
	if limit <= 0 {
		return []Message{}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storageErr("recent", errClosed)
	}
	start := max(len(s.msgs)-limit, 0)
	out := make([]Message, len(s.msgs)-start)
	copy(out, s.msgs[start:])
	return out, nil
}

func (s *Memory) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
