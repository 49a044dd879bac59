// Package disk implements storage.Backend on a journaled directory
// (disk:// DSN). Every committed mutation is one appended journal record;
// the full state is replayed into memory on open. The journal gives the
// store single-writer consistency: commits serialize through the append.
package disk

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/dirceu/limitd/internal/bucket"
	"github.com/dirceu/limitd/internal/clock"
	"github.com/dirceu/limitd/internal/storage"
)

const (
	journalName = "journal"

	defaultSyncInterval   = 100 * time.Millisecond
	defaultCompactRecords = 1 << 17
)

// Config tunes the disk store.
type Config struct {
	Clock clock.Clock
	// Logger receives replay/repair/compaction events.
	Logger pslog.Logger
	// SyncInterval bounds how long an acknowledged commit may sit unsynced.
	SyncInterval time.Duration
	// CompactRecords triggers journal compaction once the record count
	// exceeds this threshold.
	CompactRecords int
}

// Store is the journaled disk backend.
type Store struct {
	dir    string
	clk    clock.Clock
	logger pslog.Logger

	mu      sync.Mutex
	entries map[entryKey]storage.State
	file    *os.File
	records int
	dirty   bool
	closed  bool

	compactRecords int

	inflight    sync.WaitGroup
	stopJanitor chan struct{}
	janitorDone sync.WaitGroup
}

type entryKey struct {
	Bucket string
	Key    string
}

type record struct {
	Op             string   `json:"op"`
	Bucket         string   `json:"bucket"`
	Key            string   `json:"key"`
	Tokens         float64  `json:"tokens,omitempty"`
	LastDripUnixNs int64    `json:"last_drip_unix_ns,omitempty"`
	BeforeDrop     *float64 `json:"before_drop,omitempty"`
}

// Open replays the journal under dir (creating it when absent) and returns
// a ready store. A torn tail, the usual crash artifact, is truncated away
// with a warning before the store reports ready.
func Open(dir string, cfg Config) (*Store, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaultSyncInterval
	}
	if cfg.CompactRecords <= 0 {
		cfg.CompactRecords = defaultCompactRecords
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("disk: create store dir: %w", err)
	}
	s := &Store{
		dir:            dir,
		clk:            cfg.Clock,
		logger:         cfg.Logger,
		entries:        make(map[entryKey]storage.State),
		compactRecords: cfg.CompactRecords,
		stopJanitor:    make(chan struct{}),
	}
	if err := s.replay(); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(s.journalPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("disk: open journal: %w", err)
	}
	s.file = file
	if s.records > 2*len(s.entries)+1024 {
		if err := s.compactLocked(); err != nil {
			_ = file.Close()
			return nil, err
		}
	}
	s.logger.Info("journal replayed", "dir", dir, "entries", len(s.entries), "records", s.records)
	s.janitorDone.Add(1)
	go s.janitor(cfg.SyncInterval)
	return s, nil
}

func (s *Store) journalPath() string {
	return filepath.Join(s.dir, journalName)
}

// replay loads the journal into memory, truncating from the first record
// that fails to parse.
func (s *Store) replay() error {
	file, err := os.Open(s.journalPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("disk: open journal for replay: %w", err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var offset int64
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 && err == nil {
			var rec record
			if jsonErr := json.Unmarshal(line, &rec); jsonErr != nil {
				return s.repair(offset, jsonErr)
			}
			s.apply(rec)
			s.records++
			offset += int64(len(line))
			continue
		}
		if err == io.EOF {
			if len(line) > 0 {
				// Torn tail without the trailing newline.
				return s.repair(offset, io.ErrUnexpectedEOF)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("disk: read journal: %w", err)
		}
	}
}

// repair truncates the journal at offset, dropping the unparsable tail.
func (s *Store) repair(offset int64, cause error) error {
	s.logger.Warn("repairing journal", "dir", s.dir, "valid_bytes", offset, "cause", cause)
	if err := os.Truncate(s.journalPath(), offset); err != nil {
		return fmt.Errorf("disk: truncate damaged journal: %w", err)
	}
	return nil
}

func (s *Store) apply(rec record) {
	k := entryKey{Bucket: rec.Bucket, Key: rec.Key}
	switch rec.Op {
	case "set":
		state := storage.State{
			Tokens:   rec.Tokens,
			LastDrip: time.Unix(0, rec.LastDripUnixNs).UTC(),
		}
		if rec.BeforeDrop != nil {
			state.BeforeDrop = *rec.BeforeDrop
			state.HasBeforeDrop = true
		}
		s.entries[k] = state
	case "del":
		delete(s.entries, k)
	}
}

// append commits one record. The in-memory map is only updated by the
// caller after append succeeds, so a failed write never leaves memory and
// journal disagreeing.
func (s *Store) append(rec record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("disk: encode record: %w", err)
	}
	line = append(line, '\n')
	if _, err := s.file.Write(line); err != nil {
		return storage.NewTransientError(fmt.Errorf("disk: append journal: %w", err))
	}
	s.records++
	s.dirty = true
	if s.records > s.compactRecords {
		if err := s.compactLocked(); err != nil {
			s.logger.Error("journal compaction failed", "dir", s.dir, "error", err)
		}
	}
	return nil
}

// compactLocked rewrites the journal to one record per live entry. Caller
// holds s.mu (or is inside Open before the store is shared).
func (s *Store) compactLocked() error {
	tmpPath := s.journalPath() + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("disk: create compaction file: %w", err)
	}
	writer := bufio.NewWriter(tmp)
	count := 0
	for k, state := range s.entries {
		rec := record{
			Op:             "set",
			Bucket:         k.Bucket,
			Key:            k.Key,
			Tokens:         state.Tokens,
			LastDripUnixNs: state.LastDrip.UnixNano(),
		}
		if state.HasBeforeDrop {
			before := state.BeforeDrop
			rec.BeforeDrop = &before
		}
		line, err := json.Marshal(rec)
		if err != nil {
			_ = tmp.Close()
			return fmt.Errorf("disk: encode compaction record: %w", err)
		}
		line = append(line, '\n')
		if _, err := writer.Write(line); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("disk: write compaction record: %w", err)
		}
		count++
	}
	if err := writer.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("disk: flush compaction file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("disk: sync compaction file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("disk: close compaction file: %w", err)
	}
	if s.file != nil {
		_ = s.file.Close()
	}
	if err := os.Rename(tmpPath, s.journalPath()); err != nil {
		return fmt.Errorf("disk: swap compacted journal: %w", err)
	}
	file, err := os.OpenFile(s.journalPath(), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("disk: reopen compacted journal: %w", err)
	}
	s.file = file
	old := s.records
	s.records = count
	s.dirty = false
	s.logger.Debug("journal compacted", "dir", s.dir, "records_before", old, "records_after", count)
	return nil
}

func (s *Store) janitor(interval time.Duration) {
	defer s.janitorDone.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopJanitor:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.dirty && s.file != nil {
				if err := s.file.Sync(); err != nil {
					s.logger.Error("journal sync failed", "dir", s.dir, "error", err)
				} else {
					s.dirty = false
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *Store) begin() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return storage.ErrClosed
	}
	s.inflight.Add(1)
	return nil
}

func (s *Store) finish() {
	s.inflight.Done()
	s.mu.Unlock()
}

// Take implements storage.Backend.
func (s *Store) Take(ctx context.Context, bucketName, key string, p bucket.Params, count int64) (storage.View, error) {
	if err := s.begin(); err != nil {
		return storage.View{}, err
	}
	defer s.finish()
	if err := ctx.Err(); err != nil {
		return storage.View{}, err
	}
	k := entryKey{bucketName, key}
	now := s.clk.Now()
	state, ok := s.entries[k]
	if !ok {
		state = storage.State{Tokens: float64(p.Size), LastDrip: now}
	}
	tokens := bucket.Refill(state.Tokens, state.LastDrip, now, p)
	conformant := tokens >= float64(count)
	next := storage.State{LastDrip: now}
	if conformant {
		next.Tokens = bucket.Clamp(tokens-float64(count), p)
	} else {
		next.Tokens = bucket.Clamp(tokens, p)
		next.BeforeDrop = tokens
		next.HasBeforeDrop = true
	}
	if err := s.commit(k, next); err != nil {
		return storage.View{}, err
	}
	return storage.View{Conformant: conformant, Tokens: next.Tokens, Reset: bucket.ResetAt(next.Tokens, now, p)}, nil
}

// Put implements storage.Backend.
func (s *Store) Put(ctx context.Context, bucketName, key string, p bucket.Params, count int64, all bool) (storage.View, error) {
	if err := s.begin(); err != nil {
		return storage.View{}, err
	}
	defer s.finish()
	if err := ctx.Err(); err != nil {
		return storage.View{}, err
	}
	k := entryKey{bucketName, key}
	now := s.clk.Now()
	state, ok := s.entries[k]
	if !ok {
		state = storage.State{Tokens: float64(p.Size), LastDrip: now}
	}
	tokens := bucket.Refill(state.Tokens, state.LastDrip, now, p)
	if all {
		tokens = float64(p.Size)
	} else {
		tokens += float64(count)
	}
	next := storage.State{Tokens: bucket.Clamp(tokens, p), LastDrip: now}
	if err := s.commit(k, next); err != nil {
		return storage.View{}, err
	}
	return storage.View{Conformant: true, Tokens: next.Tokens, Reset: bucket.ResetAt(next.Tokens, now, p)}, nil
}

func (s *Store) commit(k entryKey, next storage.State) error {
	rec := record{
		Op:             "set",
		Bucket:         k.Bucket,
		Key:            k.Key,
		Tokens:         next.Tokens,
		LastDripUnixNs: next.LastDrip.UnixNano(),
	}
	if next.HasBeforeDrop {
		before := next.BeforeDrop
		rec.BeforeDrop = &before
	}
	if err := s.append(rec); err != nil {
		return err
	}
	s.entries[k] = next
	return nil
}

// Status implements storage.Backend.
func (s *Store) Status(ctx context.Context, bucketName, key string, p bucket.Params) (storage.View, error) {
	if err := s.begin(); err != nil {
		return storage.View{}, err
	}
	defer s.finish()
	if err := ctx.Err(); err != nil {
		return storage.View{}, err
	}
	now := s.clk.Now()
	state, ok := s.entries[entryKey{bucketName, key}]
	if !ok {
		return storage.View{Conformant: true, Tokens: float64(p.Size), Reset: now}, nil
	}
	tokens := bucket.Refill(state.Tokens, state.LastDrip, now, p)
	return storage.View{Conformant: true, Tokens: tokens, Reset: bucket.ResetAt(tokens, now, p)}, nil
}

// Scan implements storage.Backend.
func (s *Store) Scan(ctx context.Context, bucketName, prefix string, p bucket.Params, limit int) ([]storage.Entry, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.finish()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys := make([]string, 0)
	for k := range s.entries {
		if k.Bucket == bucketName && strings.HasPrefix(k.Key, prefix) {
			keys = append(keys, k.Key)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	now := s.clk.Now()
	out := make([]storage.Entry, 0, len(keys))
	for _, key := range keys {
		state := s.entries[entryKey{bucketName, key}]
		tokens := bucket.Refill(state.Tokens, state.LastDrip, now, p)
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
	defer s.finish()
	if err := ctx.Err(); err != nil {
		return err
	}
	k := entryKey{bucketName, key}
	if _, ok := s.entries[k]; !ok {
		return nil
	}
	if err := s.append(record{Op: "del", Bucket: k.Bucket, Key: k.Key}); err != nil {
		return err
	}
	delete(s.entries, k)
	return nil
}

// Contains reports whether state is persisted for (bucket, key); test hook.
func (s *Store) Contains(bucketName, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[entryKey{bucketName, key}]
	return ok
}

// Close syncs and closes the journal after draining in-flight operations.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.inflight.Wait()
	close(s.stopJanitor)
	s.janitorDone.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	var firstErr error
	if err := s.file.Sync(); err != nil {
		firstErr = fmt.Errorf("disk: final journal sync: %w", err)
	}
	if err := s.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("disk: close journal: %w", err)
	}
	s.file = nil
	return firstErr
}
