// Package memory implements storage.Backend in process memory; intended for
// tests and local development (mem:// DSN).
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/dirceu/limitd/internal/bucket"
	"github.com/dirceu/limitd/internal/clock"
	"github.com/dirceu/limitd/internal/storage"
)

// Store keeps one entry per (bucket, key). The map lock only guards entry
// lookup; each entry carries its own mutex so operations on distinct keys
// run in parallel while same-key operations linearize.
type Store struct {
	clk clock.Clock

	mu      sync.RWMutex
	entries map[entryKey]*entry
	closed  bool

	inflight sync.WaitGroup
}

type entryKey struct {
	bucket string
	key    string
}

type entry struct {
	mu    sync.Mutex
	gone  bool
	state storage.State
}

// New returns a ready in-memory store driven by clk.
func New(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{
		clk:     clk,
		entries: make(map[entryKey]*entry),
	}
}

func (s *Store) begin() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrClosed
	}
	s.inflight.Add(1)
	return nil
}

// getOrCreate returns a live entry, creating a full bucket lazily. A
// concurrently reset entry is marked gone and retried so a take never lands
// on an orphan.
func (s *Store) getOrCreate(k entryKey, p bucket.Params) *entry {
	for {
		s.mu.Lock()
		e, ok := s.entries[k]
		if !ok {
			e = &entry{state: storage.State{Tokens: float64(p.Size), LastDrip: s.clk.Now()}}
			s.entries[k] = e
		}
		s.mu.Unlock()
		e.mu.Lock()
		if !e.gone {
			return e // caller unlocks
		}
		e.mu.Unlock()
	}
}

// Take implements storage.Backend.
func (s *Store) Take(ctx context.Context, bucketName, key string, p bucket.Params, count int64) (storage.View, error) {
	if err := s.begin(); err != nil {
		return storage.View{}, err
	}
	defer s.inflight.Done()
	if err := ctx.Err(); err != nil {
		return storage.View{}, err
	}
	e := s.getOrCreate(entryKey{bucketName, key}, p)
	defer e.mu.Unlock()
	now := s.clk.Now()
	tokens := bucket.Refill(e.state.Tokens, e.state.LastDrip, now, p)
	conformant := tokens >= float64(count)
	if conformant {
		tokens -= float64(count)
		e.state.HasBeforeDrop = false
	} else {
		e.state.BeforeDrop = tokens
		e.state.HasBeforeDrop = true
	}
	e.state.Tokens = bucket.Clamp(tokens, p)
	e.state.LastDrip = now
	return storage.View{Conformant: conformant, Tokens: e.state.Tokens, Reset: bucket.ResetAt(e.state.Tokens, now, p)}, nil
}

// Put implements storage.Backend.
func (s *Store) Put(ctx context.Context, bucketName, key string, p bucket.Params, count int64, all bool) (storage.View, error) {
	if err := s.begin(); err != nil {
		return storage.View{}, err
	}
	defer s.inflight.Done()
	if err := ctx.Err(); err != nil {
		return storage.View{}, err
	}
	e := s.getOrCreate(entryKey{bucketName, key}, p)
	defer e.mu.Unlock()
	now := s.clk.Now()
	tokens := bucket.Refill(e.state.Tokens, e.state.LastDrip, now, p)
	if all {
		tokens = float64(p.Size)
	} else {
		tokens += float64(count)
	}
	e.state.Tokens = bucket.Clamp(tokens, p)
	e.state.LastDrip = now
	e.state.HasBeforeDrop = false
	return storage.View{Conformant: true, Tokens: e.state.Tokens, Reset: bucket.ResetAt(e.state.Tokens, now, p)}, nil
}

// Status implements storage.Backend. Missing keys read as full buckets and
// are not created.
func (s *Store) Status(ctx context.Context, bucketName, key string, p bucket.Params) (storage.View, error) {
	if err := s.begin(); err != nil {
		return storage.View{}, err
	}
	defer s.inflight.Done()
	if err := ctx.Err(); err != nil {
		return storage.View{}, err
	}
	now := s.clk.Now()
	s.mu.RLock()
	e, ok := s.entries[entryKey{bucketName, key}]
	s.mu.RUnlock()
	if !ok {
		return storage.View{Conformant: true, Tokens: float64(p.Size), Reset: now}, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return storage.View{Conformant: true, Tokens: float64(p.Size), Reset: now}, nil
	}
	tokens := bucket.Refill(e.state.Tokens, e.state.LastDrip, now, p)
	return storage.View{Conformant: true, Tokens: tokens, Reset: bucket.ResetAt(tokens, now, p)}, nil
}

// Scan implements storage.Backend.
func (s *Store) Scan(ctx context.Context, bucketName, prefix string, p bucket.Params, limit int) ([]storage.Entry, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.inflight.Done()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	keys := make([]string, 0)
	for k := range s.entries {
		if k.bucket == bucketName && strings.HasPrefix(k.key, prefix) {
			keys = append(keys, k.key)
		}
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	now := s.clk.Now()
	out := make([]storage.Entry, 0, len(keys))
	for _, key := range keys {
		s.mu.RLock()
		e, ok := s.entries[entryKey{bucketName, key}]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		e.mu.Lock()
		if e.gone {
			e.mu.Unlock()
			continue
		}
		tokens := bucket.Refill(e.state.Tokens, e.state.LastDrip, now, p)
		e.mu.Unlock()
		out = append(out, storage.Entry{
			Key:  key,
			View: storage.View{Conformant: true, Tokens: tokens, Reset: bucket.ResetAt(tokens, now, p)},
		})
	}
	return out, nil
}

// Reset implements storage.Backend.
func (s *Store) Reset(ctx context.Context, bucketName, key string) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.inflight.Done()
	if err := ctx.Err(); err != nil {
		return err
	}
	k := entryKey{bucketName, key}
	s.mu.Lock()
	e, ok := s.entries[k]
	if ok {
		delete(s.entries, k)
	}
	s.mu.Unlock()
	if ok {
		e.mu.Lock()
		e.gone = true
		e.mu.Unlock()
	}
	return nil
}

// Contains reports whether state is persisted for (bucket, key); test hook.
func (s *Store) Contains(bucketName, key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[entryKey{bucketName, key}]
	return ok
}

// Len reports the number of persisted entries; test hook.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close drains in-flight operations; subsequent operations fail ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.inflight.Wait()
	return nil
}
