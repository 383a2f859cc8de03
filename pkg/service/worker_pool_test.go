package service_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/umccr/wfmanager/pkg/service"
)

func TestWorkerPool_JobExecution(t *testing.T) {
	tests := []struct {
		name          string
		run           service.JobFunc
		timeout       time.Duration
		ctxTimeout    time.Duration
		expectedError string
	}{
		{
			name:       "Successful job",
			run:        func(ctx context.Context) error { return nil },
			timeout:    time.Second,
			ctxTimeout: 5 * time.Second,
		},
		{
			name: "Job error is returned",
			run: func(ctx context.Context) error {
				return fmt.Errorf("permanent error")
			},
			timeout:       time.Second,
			ctxTimeout:    5 * time.Second,
			expectedError: "permanent error",
		},
		{
			name: "Job timeout",
			run: func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			},
			timeout:       50 * time.Millisecond,
			ctxTimeout:    5 * time.Second,
			expectedError: "context deadline exceeded",
		},
		{
			name: "Job panic is recovered",
			run: func(ctx context.Context) error {
				panic("boom")
			},
			timeout:       time.Second,
			ctxTimeout:    5 * time.Second,
			expectedError: "panicked: boom",
		},
		{
			name: "Caller gives up",
			run: func(ctx context.Context) error {
				time.Sleep(200 * time.Millisecond)
				return nil
			},
			timeout:       time.Second,
			ctxTimeout:    50 * time.Millisecond,
			expectedError: "context deadline exceeded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wp := service.NewWorkerPool(context.Background(), newLogger())
			wp.Start(1)
			defer wp.Stop()

			ctx, cancel := context.WithTimeout(context.Background(), tt.ctxTimeout)
			defer cancel()

			err := wp.Execute(ctx, service.Job{Key: "job", Timeout: tt.timeout, Run: tt.run})
			if tt.expectedError == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectedError)
		})
	}
}

func TestWorkerPool_KeyIsExclusive(t *testing.T) {
	wp := service.NewWorkerPool(context.Background(), newLogger())
	wp.Start(2)
	defer wp.Stop()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- wp.Execute(context.Background(), service.Job{Key: "batch:240701", Run: func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		}})
	}()
	<-started

	assert.Equal(t, []string{"batch:240701"}, wp.Running())
	err := wp.Execute(context.Background(), service.Job{Key: "batch:240701", Run: func(ctx context.Context) error { return nil }})
	assert.ErrorIs(t, err, service.ErrAlreadyRunning)

	// other keys and unkeyed jobs are not blocked
	assert.NoError(t, wp.Execute(context.Background(), service.Job{Key: "batch:240702", Run: func(ctx context.Context) error { return nil }}))
	assert.NoError(t, wp.Execute(context.Background(), service.Job{Run: func(ctx context.Context) error { return nil }}))

	close(release)
	require.NoError(t, <-done)
	assert.Empty(t, wp.Running())

	assert.NoError(t, wp.Execute(context.Background(), service.Job{Key: "batch:240701", Run: func(ctx context.Context) error { return nil }}),
		"the key is released once the job finishes")
}

func TestWorkerPool_Concurrency(t *testing.T) {
	wp := service.NewWorkerPool(context.Background(), newLogger())
	wp.Start(4)
	defer wp.Stop()

	var (
		running atomic.Int32
		peak    atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := wp.Execute(context.Background(), service.Job{Run: func(ctx context.Context) error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				return nil
			}})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(4))
}

func TestWorkerPool_Stop(t *testing.T) {
	mainCtx, cancel := context.WithCancel(context.Background())
	wp := service.NewWorkerPool(mainCtx, newLogger())
	wp.Start(1)

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- wp.Execute(context.Background(), service.Job{Key: "long", Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}})
	}()
	<-started

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled, "shutdown cancels running jobs")
	wp.Stop()
	wp.Stop()

	err := wp.Execute(context.Background(), service.Job{Run: func(ctx context.Context) error { return nil }})
	assert.ErrorIs(t, err, service.ErrPoolStopped)
}

func TestWorkerPool_Validation(t *testing.T) {
	wp := service.NewWorkerPool(context.Background(), newLogger())
	assert.Error(t, wp.Execute(context.Background(), service.Job{}))
	assert.ErrorIs(t, wp.Execute(context.Background(), service.Job{Run: func(ctx context.Context) error { return nil }}),
		service.ErrPoolStopped, "not started")
}
