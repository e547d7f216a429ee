package commands

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/maksimkurb/keen-doh/src/internal/log"
)

func init() {
	log.DisableLogs()
}

func TestRestartableRunner_CleanExit(t *testing.T) {
	r := NewRestartableRunner(RunnerConfig{Name: "test"}, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, r.Start(context.Background()))

	require.Eventually(t, func() bool { return !r.IsRunning() }, 2*time.Second, 5*time.Millisecond)
	require.Zero(t, r.RestartCount())
	require.NoError(t, r.LastError())
	require.NoError(t, r.Stop())
}

func TestRestartableRunner_RestartsWithBackoff(t *testing.T) {
	mock := clock.NewMock()
	var calls atomic.Int32

	r := NewRestartableRunner(RunnerConfig{Name: "test", Clock: mock}, func(ctx context.Context) error {
		if calls.Add(1) <= 2 {
			return errors.New("listen failed")
		}
		<-ctx.Done()
		return nil
	})
	require.NoError(t, r.Start(context.Background()))

	require.Eventually(t, func() bool {
		mock.Add(time.Minute)
		return calls.Load() == 3
	}, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, 2, r.RestartCount())
	require.True(t, r.IsRunning())

	require.NoError(t, r.Stop())
	require.False(t, r.IsRunning())
}

func TestRestartableRunner_RecoversPanic(t *testing.T) {
	mock := clock.NewMock()
	var calls atomic.Int32

	r := NewRestartableRunner(RunnerConfig{Name: "test", Clock: mock}, func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		<-ctx.Done()
		return nil
	})
	require.NoError(t, r.Start(context.Background()))

	require.Eventually(t, func() bool {
		mock.Add(time.Minute)
		return calls.Load() == 2
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, r.RestartCount())

	require.NoError(t, r.Stop())
}

func TestRestartableRunner_MaxRestarts(t *testing.T) {
	mock := clock.NewMock()
	var calls atomic.Int32

	r := NewRestartableRunner(RunnerConfig{Name: "test", Clock: mock, MaxRestarts: 2}, func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("always failing")
	})
	require.NoError(t, r.Start(context.Background()))

	require.Eventually(t, func() bool {
		mock.Add(time.Minute)
		return !r.IsRunning()
	}, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, int32(2), calls.Load())
	require.EqualError(t, r.LastError(), "always failing")
}

func TestRestartableRunner_StartTwice(t *testing.T) {
	r := NewRestartableRunner(RunnerConfig{Name: "test"}, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	require.Error(t, r.Start(context.Background()))
}
