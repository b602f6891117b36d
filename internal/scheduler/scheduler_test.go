package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	released int
	err      error
}

func (f *fakeLocker) Acquire(_ context.Context, key string, _ time.Duration) (func(context.Context) error, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, false, f.err
	}
	if f.held == nil {
		f.held = make(map[string]bool)
	}
	if f.held[key] {
		return nil, false, nil
	}
	f.held[key] = true
	return func(context.Context) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.held, key)
		f.released++
		return nil
	}, true, nil
}

func TestAdd_Validation(t *testing.T) {
	s := New(time.Second)
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.Add(Job{Name: "validator", Interval: time.Minute, Run: noop}))
	assert.ErrorIs(t, s.Add(Job{Name: "validator", Interval: time.Minute, Run: noop}), ErrDuplicateJob)
	assert.ErrorIs(t, s.Add(Job{Name: "", Interval: time.Minute, Run: noop}), ErrInvalidJob)
	assert.ErrorIs(t, s.Add(Job{Name: "x", Interval: 0, Run: noop}), ErrInvalidJob)
	assert.ErrorIs(t, s.Add(Job{Name: "x", Interval: time.Minute}), ErrInvalidJob)
	assert.Equal(t, []string{"validator"}, s.Names())
}

func TestRunNow(t *testing.T) {
	s := New(time.Second)
	calls := 0
	boom := errors.New("boom")
	require.NoError(t, s.Add(Job{Name: "auditor", Interval: time.Hour, Run: func(ctx context.Context) error {
		calls++
		_, ok := ctx.Deadline()
		assert.True(t, ok, "pass should run under a deadline")
		if calls == 2 {
			return boom
		}
		return nil
	}}))

	require.NoError(t, s.RunNow(context.Background(), "auditor"))
	assert.ErrorIs(t, s.RunNow(context.Background(), "auditor"), boom)
	assert.ErrorIs(t, s.RunNow(context.Background(), "nope"), ErrUnknownJob)

	st := s.Statuses()
	require.Len(t, st, 1)
	assert.Equal(t, 2, st[0].Runs)
	assert.Equal(t, "boom", st[0].LastError)
	assert.NotNil(t, st[0].LastStart)
}

func TestRunNow_NoOverlap(t *testing.T) {
	s := New(time.Second)
	entered := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, s.Add(Job{Name: "reconciler", Interval: time.Hour, Run: func(context.Context) error {
		close(entered)
		<-release
		return nil
	}}))

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "reconciler") }()
	<-entered

	assert.ErrorIs(t, s.RunNow(context.Background(), "reconciler"), ErrJobRunning)
	close(release)
	require.NoError(t, <-done)

	st := s.Statuses()[0]
	assert.Equal(t, 1, st.Runs)
	assert.Equal(t, 1, st.Skipped)
	assert.False(t, st.Running)
}

func TestRun_RecoversPanic(t *testing.T) {
	s := New(time.Second)
	require.NoError(t, s.Add(Job{Name: "staking", Interval: time.Hour, Run: func(context.Context) error {
		panic("division by zero")
	}}))

	err := s.RunNow(context.Background(), "staking")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "division by zero")

	st := s.Statuses()[0]
	assert.False(t, st.Running)
	assert.Equal(t, 1, st.Runs)
	assert.NotErrorIs(t, s.RunNow(context.Background(), "staking"), ErrJobRunning)
}

func TestRun_Timeout(t *testing.T) {
	s := New(10 * time.Millisecond)
	require.NoError(t, s.Add(Job{Name: "reporter", Interval: time.Hour, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}))
	assert.ErrorIs(t, s.RunNow(context.Background(), "reporter"), context.DeadlineExceeded)
}

func TestRun_Locker(t *testing.T) {
	lk := &fakeLocker{}
	s := New(time.Second, WithLocker(lk))
	require.NoError(t, s.Add(Job{Name: "validator", Interval: time.Hour, Run: func(context.Context) error { return nil }}))

	require.NoError(t, s.RunNow(context.Background(), "validator"))
	assert.Equal(t, 1, lk.released)

	lk.held = map[string]bool{leaseKey("validator"): true}
	assert.ErrorIs(t, s.RunNow(context.Background(), "validator"), ErrJobRunning)

	lk.err = errors.New("redis down")
	err := s.RunNow(context.Background(), "validator")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrJobRunning)
}

func TestStart_RunsImmediatelyAndOnTicker(t *testing.T) {
	s := New(time.Second)
	var calls atomic.Int32
	require.NoError(t, s.Add(Job{Name: "validator", Interval: 20 * time.Millisecond, Run: func(context.Context) error {
		calls.Add(1)
		return nil
	}}))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	assert.ErrorIs(t, s.Start(ctx), ErrStarted)
	assert.ErrorIs(t, s.Add(Job{Name: "late", Interval: time.Minute, Run: func(context.Context) error { return nil }}), ErrStarted)

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	s.Wait()
}

func TestStart_SkipsOverlappingTriggers(t *testing.T) {
	s := New(time.Second)
	release := make(chan struct{})
	var calls atomic.Int32
	require.NoError(t, s.Add(Job{Name: "auditor", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
		calls.Add(1)
		<-release
		return nil
	}}))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	assert.Eventually(t, func() bool { return s.Statuses()[0].Skipped >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	close(release)
	cancel()
	s.Wait()
}
