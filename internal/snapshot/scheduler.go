// Package snapshot persists live room documents behind the edit path.
package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"diagramcollab/internal/metrics"
)

// Store is the durable home of document snapshots, one per file.
type Store interface {
	LoadLatest(ctx context.Context, fileID string) ([]byte, bool, error)
	Save(ctx context.Context, fileID string, data []byte) error
}

// Source is a live document the scheduler can read at flush time.
type Source interface {
	FileID() string
	Snapshot() ([]byte, error)
}

type entry struct {
	src   Source
	dirty bool
	// armed is true while a window timer is pending or its write is running.
	armed bool
	timer *time.Timer
	// write serializes Save calls for one file.
	write sync.Mutex
}

// Scheduler throttles snapshot writes to at most one per file per interval.
// Mutations inside a window coalesce: the document is read when the window
// closes, so only the latest state is written.
type Scheduler struct {
	store        Store
	interval     time.Duration
	writeTimeout time.Duration
	log          *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

func NewScheduler(store Store, interval time.Duration, log *zap.Logger) *Scheduler {
	return &Scheduler{
		store:        store,
		interval:     interval,
		writeTimeout: 10 * time.Second,
		log:          log.Named("snapshot"),
		entries:      make(map[string]*entry),
	}
}

// Load reads the latest snapshot for seeding a new room.
func (s *Scheduler) Load(ctx context.Context, fileID string) ([]byte, bool, error) {
	return s.store.LoadLatest(ctx, fileID)
}

// Notify records a user-originated mutation of src. It never blocks on I/O.
func (s *Scheduler) Notify(src Source) {
	key := src.FileID()

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	e.src = src
	e.dirty = true
	if !e.armed {
		e.armed = true
		e.timer = time.AfterFunc(s.interval, func() { s.closeWindow(key, e) })
	}
}

// closeWindow runs when a throttle window expires. The next window is only
// opened after this write finished, so writes for a file never overlap.
func (s *Scheduler) closeWindow(key string, e *entry) {
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	err := s.write(ctx, e)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case err == nil && e.dirty:
		e.timer = time.AfterFunc(s.interval, func() { s.closeWindow(key, e) })
	default:
		// On failure the entry stays dirty and the next Notify re-arms it.
		e.armed = false
		e.timer = nil
		s.dropIfIdleLocked(key, e)
	}
}

func (s *Scheduler) write(ctx context.Context, e *entry) error {
	e.write.Lock()
	defer e.write.Unlock()

	s.mu.Lock()
	if !e.dirty {
		s.mu.Unlock()
		return nil
	}
	e.dirty = false
	src := e.src
	s.mu.Unlock()

	fileID := src.FileID()
	data, err := src.Snapshot()
	if err == nil {
		err = s.store.Save(ctx, fileID, data)
	}
	if err != nil {
		s.mu.Lock()
		e.dirty = true
		s.mu.Unlock()
		metrics.SnapshotWrites.WithLabelValues("error").Inc()
		s.log.Error("snapshot write failed", zap.String("file_id", fileID), zap.Error(err))
		return fmt.Errorf("save snapshot %s: %w", fileID, err)
	}
	metrics.SnapshotWrites.WithLabelValues("ok").Inc()
	s.log.Debug("snapshot written", zap.String("file_id", fileID), zap.Int("bytes", len(data)))
	return nil
}

// Flush writes any pending state for fileID immediately, cancelling its
// window. Used when a room closes so the last edits are not lost.
func (s *Scheduler) Flush(ctx context.Context, fileID string) error {
	s.mu.Lock()
	e, ok := s.entries[fileID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if e.armed && e.timer != nil && e.timer.Stop() {
		e.armed = false
		e.timer = nil
	}
	s.mu.Unlock()

	err := s.write(ctx, e)

	s.mu.Lock()
	s.dropIfIdleLocked(fileID, e)
	s.mu.Unlock()
	return err
}

// FlushAll writes every pending snapshot. Called on shutdown.
func (s *Scheduler) FlushAll(ctx context.Context) error {
	s.mu.Lock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	s.mu.Unlock()

	var firstErr error
	for _, key := range keys {
		if err := s.Flush(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Pending reports whether fileID has unwritten mutations.
func (s *Scheduler) Pending(fileID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[fileID]
	return ok && e.dirty
}

func (s *Scheduler) dropIfIdleLocked(key string, e *entry) {
	if !e.dirty && !e.armed && s.entries[key] == e {
		delete(s.entries, key)
	}
}
