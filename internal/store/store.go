//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=mocks/mock_store.go -package=mocks

// Package store persists the chat message log and serves the most recent
// window of it for history replay.
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ErrStorage wraps every failure of the persistence medium.
var ErrStorage = errors.New("storage error")

var errClosed = errors.New("store closed")

// Store is an append-only message log.
type Store interface {
	// Append assigns the next ID and the current time to a new message and
	// persists it durably before returning.
	Append(ctx context.Context, author, text string) (Message, error)
	// Recent returns up to limit of the newest messages, oldest first.
	Recent(ctx context.Context, limit int) ([]Message, error)
	Close() error
}

// Message is an immutable persisted chat line.
type Message struct {
	ID        uint64    `json:"id"`
	Author    string    `json:"username"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"timestamp"`
}

// Options tune a backend.
type Options struct {
	// Retention keeps at most this many messages; zero keeps everything.
	Retention int
	// Now overrides the clock, mostly for tests.
	Now func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

// Open picks a backend from a connection string:
//
//	pebble://<dir>   Pebble LSM store (default)
//	badger://<dir>   Badger store
//	memory://        volatile in-process log
func Open(dsn string, opts Options) (Store, error) {
	scheme, path, ok := strings.Cut(strings.TrimSpace(dsn), "://")
	if !ok {
		return nil, fmt.Errorf("store: invalid connection string %q", dsn)
	}
	switch strings.ToLower(scheme) {
	case "pebble":
		s, err := OpenPebble(path, opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "badger":
		s, err := OpenBadger(path, opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memory", "mem":
		return NewMemory(opts), nil
	default:
		return nil, fmt.Errorf("store: unsupported scheme %q", scheme)
	}
}

// clock hands out timestamps that never go backwards, so creation times stay
// ordered with IDs even if the wall clock steps back.
type clock struct {
	opts Options
	last time.Time
}

func (c *clock) next() time.Time {
	t := c.opts.now()
	if t.Before(c.last) {
		t = c.last
	}
	c.last = t
	return t
}

func (c *clock) observe(t time.Time) {
	if t.After(c.last) {
		c.last = t
	}
}

const seqKeyLen = 8

func seqKey(prefix []byte, id uint64) []byte {
	key := make([]byte, len(prefix)+seqKeyLen)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], id)
	return key
}

func seqFromKey(prefix, key []byte) (uint64, bool) {
	if len(key) != len(prefix)+seqKeyLen {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[len(prefix):]), true
}

func encodeMessage(m Message) ([]byte, error) {
	return json.Marshal(m)
}

func decodeMessage(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

// oldestFirst turns a descending scan into the ascending order callers expect.
func oldestFirst(msgs []Message) []Message {
	slices.Reverse(msgs)
	return msgs
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
