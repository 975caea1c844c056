package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble/v2"
	"github.com/rs/zerolog/log"
)

var pebblePrefix = []byte("m/")

// Pebble persists messages in a PebbleDB directory. Keys are the prefix
// followed by the 8-byte big-endian message ID, so key order is ID order.
type Pebble struct {
	db    *pebble.DB
	mu    sync.Mutex
	next  uint64
	first uint64
	count int
	clock clock
	opts  Options
}

// OpenPebble opens (or creates) the store at dir.
func OpenPebble(dir string, opts Options) (*Pebble, error) {
	if dir == "" {
		return nil, fmt.Errorf("store: pebble path is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, storageErr("open", err)
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, storageErr("open", err)
	}
	s := &Pebble{db: db, next: 1, opts: opts, clock: clock{opts: opts}}
	if err := s.recover(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// recover discovers the ID window and the last timestamp from disk.
func (s *Pebble) recover() error {
	it, err := s.db.NewIter(s.bounds())
	if err != nil {
		return storageErr("open", err)
	}
	defer func() { _ = it.Close() }()

	for ok := it.First(); ok; ok = it.Next() {
		if s.count == 0 {
			if id, ok := seqFromKey(pebblePrefix, it.Key()); ok {
				s.first = id
			}
		}
		s.count++
	}
	if it.Last() {
		id, ok := seqFromKey(pebblePrefix, it.Key())
		if ok {
			s.next = id + 1
		}
		if m, err := decodeMessage(it.Value()); err == nil {
			s.clock.observe(m.CreatedAt)
		}
	}
	if err := it.Error(); err != nil {
		return storageErr("open", err)
	}
	if s.count == 0 {
		s.first = s.next
	}
	return nil
}

func (s *Pebble) bounds() *pebble.IterOptions {
	return &pebble.IterOptions{
		LowerBound: pebblePrefix,
		UpperBound: []byte{pebblePrefix[0], pebblePrefix[1] + 1},
	}
}

func (s *Pebble) Append(ctx context.Context, author, text string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, storageErr("append", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// The ID is consumed even if the write fails so it is never handed out twice.
	m := Message{ID: s.next, Author: author, Text: text, CreatedAt: s.clock.next()}
	s.next++
	val, err := encodeMessage(m)
	if err != nil {
		return Message{}, storageErr("append", err)
	}
	if err := s.db.Set(seqKey(pebblePrefix, m.ID), val, pebble.Sync); err != nil {
		return Message{}, storageErr("append", err)
	}
	s.count++
	if err := s.trim(); err != nil {
		// The message itself is durable; trimming is retried on the next append.
		log.Warn().Err(err).Msg("[store] retention trim failed")
	}
	return m, nil
}

// trim drops the oldest records beyond the retention limit. IDs consumed by
// failed writes leave gaps, so the cut point is found by walking the stored
// keys from first. Caller holds mu.
func (s *Pebble) trim() error {
	r := s.opts.Retention
	if r <= 0 || s.count <= r {
		return nil
	}
	excess := s.count - r

	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: seqKey(pebblePrefix, s.first),
		UpperBound: s.bounds().UpperBound,
	})
	if err != nil {
		return storageErr("retention", err)
	}
	keepFrom, dropped := s.next, 0
	for ok := it.First(); ok; ok = it.Next() {
		if dropped == excess {
			if id, ok := seqFromKey(pebblePrefix, it.Key()); ok {
				keepFrom = id
			}
			break
		}
		dropped++
	}
	err = it.Error()
	_ = it.Close()
	if err != nil {
		return storageErr("retention", err)
	}

	if err := s.db.DeleteRange(seqKey(pebblePrefix, s.first), seqKey(pebblePrefix, keepFrom), pebble.Sync); err != nil {
		return storageErr("retention", err)
	}
	s.first = keepFrom
	s.count -= dropped
	return nil
}

func (s *Pebble) Recent(ctx context.Context, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr("recent", err)
	}
	if limit <= 0 {
		return []Message{}, nil
	}
	it, err := s.db.NewIter(s.bounds())
	if err != nil {
		return nil, storageErr("recent", err)
	}
	defer func() { _ = it.Close() }()

	out := make([]Message, 0, limit)
	for ok := it.Last(); ok && len(out) < limit; ok = it.Prev() {
		m, err := decodeMessage(it.Value())
		if err != nil {
			return nil, storageErr("recent", err)
		}
		out = append(out, m)
	}
	if err := it.Error(); err != nil {
		return nil, storageErr("recent", err)
	}
	return oldestFirst(out), nil
}

func (s *Pebble) Close() error {
	if err := s.db.Close(); err != nil {
		return storageErr("close", err)
	}
	return nil
}
