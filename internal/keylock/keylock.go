// Package keylock provides FIFO mutual exclusion scoped to string keys.
package keylock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrClosed is returned when a task is submitted to a closed Table.
var ErrClosed = errors.New("keylock: table closed")

// Table serializes tasks that share a key. Tasks under different keys run
// concurrently. A key's entry is removed once no task holds or awaits it.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	// OnWait, when set, receives how long each caller waited for its key.
	OnWait func(key string, waited time.Duration)
}

type entry struct {
	waiters []chan struct{}
}

// New returns an empty Table.
func New() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// WithLock runs task once every task queued earlier under key has finished.
// The task's error (or a recovered panic) is returned after the key is released.
// If ctx ends while the caller is still queued, the task is not run.
func (t *Table) WithLock(ctx context.Context, key string, task func(ctx context.Context) error) error {
	start := time.Now()
	if err := t.acquire(ctx, key); err != nil {
		return err
	}
	if t.OnWait != nil {
		t.OnWait(key, time.Since(start))
	}
	defer t.release(key)
	return run(ctx, task)
}

// Len reports how many keys are currently held.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Close makes future WithLock calls fail with ErrClosed. Tasks already
// holding or waiting for a key are unaffected.
func (t *Table) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

func (t *Table) acquire(ctx context.Context, key string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	e, held := t.entries[key]
	if !held {
		t.entries[key] = &entry{}
		t.mu.Unlock()
		return nil
	}
	turn := make(chan struct{})
	e.waiters = append(e.waiters, turn)
	t.mu.Unlock()

	select {
	case <-turn:
		return nil
	case <-ctx.Done():
	}

	t.mu.Lock()
	for i, w := range e.waiters {
		if w == turn {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			t.mu.Unlock()
			return fmt.Errorf("wait for key %q: %w", key, ctx.Err())
		}
	}
	t.mu.Unlock()
	// The key was handed over before cancellation was observed; pass it on.
	t.release(key)
	return fmt.Errorf("wait for key %q: %w", key, ctx.Err())
}

func (t *Table) release(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return
	}
	if len(e.waiters) == 0 {
		delete(t.entries, key)
		return
	}
	next := e.waiters[0]
	e.waiters = e.waiters[1:]
	close(next)
}

func run(ctx context.Context, task func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("keylock: task panicked: %v", r)
		}
	}()
	return task(ctx)
}
