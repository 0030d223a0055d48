package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/agenthands/cardforge/internal/core/errs"
)

const DefaultLockTimeout = 2 * time.Second

// Locker provides keyed mutual exclusion with bounded waiting. Keys are
// acquired in sorted order so that callers locking several entities can never
// deadlock each other.
type Locker struct {
	mu      sync.Mutex
	timeout time.Duration
	slots   map[string]*lockSlot
}

type lockSlot struct {
	sem  *semaphore.Weighted
	refs int
}

func NewLocker(timeout time.Duration) *Locker {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &Locker{timeout: timeout, slots: make(map[string]*lockSlot)}
}

// CardKey, DocumentKey and RequirementKey namespace lock keys by entity type.
func CardKey(id string) string        { return "card:" + id }
func DocumentKey(id string) string    { return "document:" + id }
func RequirementKey(id string) string { return "requirement:" + id }

// Acquire locks every key or none. On timeout it returns an errs.Busy error
// after releasing whatever it had already taken.
func (l *Locker) Acquire(ctx context.Context, keys ...string) (release func(), err error) {
	keys = sortedUnique(keys)

	waitCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	held := make([]*lockSlot, 0, len(keys))
	heldKeys := make([]string, 0, len(keys))
	unlock := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].sem.Release(1)
			l.unref(heldKeys[i])
		}
	}

	for _, k := range keys {
		slot := l.ref(k)
		if err := slot.sem.Acquire(waitCtx, 1); err != nil {
			l.unref(k)
			unlock()
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, ctx.Err()
			}
			return nil, errs.Busy("lock", "timed out after %s waiting for %s", l.timeout, k)
		}
		held = append(held, slot)
		heldKeys = append(heldKeys, k)
	}

	var once sync.Once
	return func() { once.Do(unlock) }, nil
}

func (l *Locker) ref(key string) *lockSlot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &lockSlot{sem: semaphore.NewWeighted(1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *Locker) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		return
	}
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

func sortedUnique(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	n := 0
	for i, k := range out {
		if i == 0 || k != out[n-1] {
			out[n] = k
			n++
		}
	}
	return out[:n]
}
