package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthands/cardforge/internal/core/errs"
)

func TestLocker_TimesOutWithBusy(t *testing.T) {
	l := NewLocker(20 * time.Millisecond)
	release, err := l.Acquire(context.Background(), CardKey("a"))
	require.NoError(t, err)
	defer release()

	_, err = l.Acquire(context.Background(), CardKey("a"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrBusy))
	assert.Equal(t, errs.ReasonLockTimeout, errs.ReasonOf(err))
}

func TestLocker_PartialAcquireIsReleased(t *testing.T) {
	l := NewLocker(20 * time.Millisecond)
	releaseB, err := l.Acquire(context.Background(), CardKey("b"))
	require.NoError(t, err)

	// "a" is free but "b" is held, so nothing must remain locked afterwards.
	_, err = l.Acquire(context.Background(), CardKey("a"), CardKey("b"))
	require.Error(t, err)

	releaseA, err := l.Acquire(context.Background(), CardKey("a"))
	require.NoError(t, err)
	releaseA()
	releaseB()
}

func TestLocker_OppositeOrderDoesNotDeadlock(t *testing.T) {
	l := NewLocker(time.Second)
	var wg sync.WaitGroup
	errCh := make(chan error, 200)

	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background(), CardKey("x"), CardKey("y"))
			if err != nil {
				errCh <- err
				return
			}
			release()
		}()
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background(), CardKey("y"), CardKey("x"))
			if err != nil {
				errCh <- err
				return
			}
			release()
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("unexpected error: %v", err)
	}
	assert.Empty(t, l.slots)
}

func TestLocker_DuplicateKeys(t *testing.T) {
	l := NewLocker(20 * time.Millisecond)
	release, err := l.Acquire(context.Background(), CardKey("a"), CardKey("a"))
	require.NoError(t, err)
	release()
	release() // idempotent
	assert.Empty(t, l.slots)
}
