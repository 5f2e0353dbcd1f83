package colstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestRetry(t *testing.T) {
	busy := errors.Join(ErrLockContention, errors.New("column busy"))
	t.Run("succeeds after contention", func(t *testing.T) {
		calls := 0
		err := Retry(t.Context(), rate.NewLimiter(rate.Inf, 1), func() error {
			calls++
			if calls < 3 {
				return busy
			}
			return nil
		})
		if err != nil || calls != 3 {
			t.Errorf("Retry = %v after %d calls", err, calls)
		}
	})
	t.Run("other errors are returned", func(t *testing.T) {
		calls := 0
		err := Retry(t.Context(), rate.NewLimiter(rate.Inf, 1), func() error {
			calls++
			return ErrInvalidValue
		})
		if !errors.Is(err, ErrInvalidValue) || calls != 1 {
			t.Errorf("Retry = %v after %d calls", err, calls)
		}
	})
	t.Run("timeout keeps last error", func(t *testing.T) {
		err := RetryFor(t.Context(), 50*time.Millisecond, NewRetryLimiter(100, 1), func() error {
			return busy
		})
		if !errors.Is(err, ErrLockContention) {
			t.Errorf("RetryFor = %v, want ErrLockContention", err)
		}
	})
	t.Run("canceled before first attempt", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		called := false
		err := Retry(ctx, NewRetryLimiter(1, 0), func() error {
			called = true
			return nil
		})
		if err == nil || called {
			t.Errorf("Retry = %v, called = %v", err, called)
		}
	})
}

func TestRetryInsert(t *testing.T) {
	table := setupExample1(t, nil)
	c := table.store.cols[0]
	if !c.tryLock() {
		t.Fatal("tryLock failed")
	}
	released := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		c.unlock()
		close(released)
	}()
	err := RetryFor(t.Context(), 5*time.Second, NewRetryLimiter(200, 1), func() error {
		_, err := table.InsertOne(Row{99, 0, 0, "retried"})
		return err
	})
	<-released
	if err != nil {
		t.Fatalf("RetryFor = %v", err)
	}
	if n := assertSynchronized(t, table); n != 3 {
		t.Errorf("Len() = %d, want 3", n)
	}
}
