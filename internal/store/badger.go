package store

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog/log"
)

var badgerPrefix = []byte("msg:")

// Badger persists messages in a BadgerDB directory using the same key layout
// as the Pebble backend.
type Badger struct {
	db    *badger.DB
	mu    sync.Mutex
	next  uint64
	first uint64
	count int
	clock clock
	opts  Options
}

// OpenBadger opens (or creates) the store at dir with synchronous writes.
func OpenBadger(dir string, opts Options) (*Badger, error) {
	if dir == "" {
		return nil, fmt.Errorf("store: badger path is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, storageErr("open", err)
	}
	bopts := badger.DefaultOptions(dir).
		WithLoggingLevel(badger.ERROR).
		WithSyncWrites(true)
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, storageErr("open", err)
	}
	s := &Badger{db: db, next: 1, opts: opts, clock: clock{opts: opts}}
	if err := s.recover(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Badger) recover() error {
	err := s.db.View(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.PrefetchValues = false
		iopts.Prefix = badgerPrefix
		it := txn.NewIterator(iopts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(badgerPrefix); it.Next() {
			id, ok := seqFromKey(badgerPrefix, it.Item().Key())
			if !ok {
				continue
			}
			if s.count == 0 {
				s.first = id
			}
			s.count++
			s.next = id + 1
		}
		if s.count == 0 {
			return nil
		}
		item, err := txn.Get(seqKey(badgerPrefix, s.next-1))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if m, err := decodeMessage(val); err == nil {
				s.clock.observe(m.CreatedAt)
			}
			return nil
		})
	})
	if err != nil {
		return storageErr("open", err)
	}
	if s.count == 0 {
		s.first = s.next
	}
	return nil
}

func (s *Badger) Append(ctx context.Context, author, text string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, storageErr("append", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m := Message{ID: s.next, Author: author, Text: text, CreatedAt: s.clock.next()}
	s.next++
	val, err := encodeMessage(m)
	if err != nil {
		return Message{}, storageErr("append", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(seqKey(badgerPrefix, m.ID), val)
	})
	if err != nil {
		return Message{}, storageErr("append", err)
	}
	s.count++
	if err := s.trim(); err != nil {
		log.Warn().Err(err).Msg("[store] retention trim failed")
	}
	return m, nil
}

// trim drops the oldest records beyond the retention limit. The cut point is
// found by walking the stored keys, and deletes go through a WriteBatch so a
// large backlog is split across transactions. Caller holds mu.
func (s *Badger) trim() error {
	r := s.opts.Retention
	if r <= 0 || s.count <= r {
		return nil
	}
	excess := s.count - r

	keys := make([][]byte, 0, excess)
	keepFrom := s.next
	err := s.db.View(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.PrefetchValues = false
		iopts.Prefix = badgerPrefix
		it := txn.NewIterator(iopts)
		defer it.Close()
		for it.Seek(seqKey(badgerPrefix, s.first)); it.ValidForPrefix(badgerPrefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if len(keys) == excess {
				if id, ok := seqFromKey(badgerPrefix, key); ok {
					keepFrom = id
				}
				return nil
			}
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return storageErr("retention", err)
	}

	wb := s.db.NewWriteBatch()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			wb.Cancel()
			return storageErr("retention", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return storageErr("retention", err)
	}
	s.first = keepFrom
	s.count -= len(keys)
	return nil
}

func (s *Badger) Recent(ctx context.Context, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr("recent", err)
	}
	if limit <= 0 {
		return []Message{}, nil
	}
	out := make([]Message, 0, limit)
	err := s.db.View(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.Reverse = true
		iopts.Prefix = badgerPrefix
		it := txn.NewIterator(iopts)
		defer it.Close()

		// Reverse iteration seeks to the greatest key <= the seek key.
		for it.Seek(seqKey(badgerPrefix, ^uint64(0))); it.ValidForPrefix(badgerPrefix) && len(out) < limit; it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			m, err := decodeMessage(val)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("recent", err)
	}
	return oldestFirst(out), nil
}

func (s *Badger) Close() error {
	if err := s.db.Close(); err != nil {
		return storageErr("close", err)
	}
	return nil
}
