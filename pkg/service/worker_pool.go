package service

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	// default job timeout is 1m
	DefaultJobTimeout = 60 * time.Second
)

var (
	// ErrAlreadyRunning is returned when a job's key is already executing.
	ErrAlreadyRunning = errors.New("already running")
	ErrPoolStopped    = errors.New("worker pool stopped")
)

// JobFunc is one independent unit of work, e.g. a state change event or a
// library batch.
type JobFunc func(ctx context.Context) error

// Job is a unit of work submitted to the WorkerPool.
type Job struct {
	// Key, when set, makes the job exclusive: a second job with the same key
	// is rejected while the first one runs.
	Key     string
	Timeout time.Duration
	Run     JobFunc
}

// executionState holds state for a single keyed execution
type executionState struct {
	startedAt   time.Time
	cleanupOnce sync.Once
}

type jobContext struct {
	job    Job
	ctx    context.Context
	result chan error
}

// WorkerPool runs jobs on a fixed set of goroutines
type WorkerPool struct {
	logger     Logger
	jobChan    chan jobContext
	executions map[string]*executionState
	mu         sync.RWMutex // guards executions
	stopped    bool
	stopMu     sync.RWMutex // guards stopped and sends on jobChan
	wg         sync.WaitGroup
	ctx        context.Context
}

func NewWorkerPool(mainCtx context.Context, logger Logger) *WorkerPool {
	return &WorkerPool{
		logger:     logger,
		executions: make(map[string]*executionState),
		ctx:        mainCtx,
	}
}

// Start begins the worker pool with the specified number of workers
func (wp *WorkerPool) Start(workers int) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	wp.jobChan = make(chan jobContext, workers)
	for i := 0; i < workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

// Stop gracefully stops the worker pool, waiting for queued jobs to finish
func (wp *WorkerPool) Stop() {
	wp.stopMu.Lock()
	if wp.stopped || wp.jobChan == nil {
		wp.stopMu.Unlock()
		return
	}
	wp.stopped = true
	close(wp.jobChan)
	wp.stopMu.Unlock()

	wp.wg.Wait()
}

// Running returns the keys of the exclusive jobs currently executing.
func (wp *WorkerPool) Running() []string {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	keys := make([]string, 0, len(wp.executions))
	for k := range wp.executions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Execute queues job and blocks until it has finished, returning its error.
func (wp *WorkerPool) Execute(ctx context.Context, job Job) error {
	if job.Run == nil {
		return errors.New("job has no function")
	}
	if job.Key != "" {
		wp.mu.Lock()
		if _, exists := wp.executions[job.Key]; exists {
			wp.mu.Unlock()
			wp.logger.Warnf("execution %s already running", job.Key)
			return errors.Wrapf(ErrAlreadyRunning, "execution %s", job.Key)
		}
		wp.executions[job.Key] = &executionState{startedAt: time.Now()}
		wp.mu.Unlock()
	}

	// The key is released by the worker once the job finishes, even if the
	// caller stops waiting earlier.
	jc := jobContext{job: job, ctx: ctx, result: make(chan error, 1)}
	if err := wp.enqueue(ctx, jc); err != nil {
		wp.cleanupExecution(job.Key)
		return err
	}

	select {
	case err := <-jc.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (wp *WorkerPool) enqueue(ctx context.Context, jc jobContext) error {
	wp.stopMu.RLock()
	defer wp.stopMu.RUnlock()
	if wp.stopped || wp.jobChan == nil {
		return ErrPoolStopped
	}
	select {
	case wp.jobChan <- jc:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-wp.ctx.Done():
		return ErrPoolStopped
	}
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for jc := range wp.jobChan {
		if wp.ctx.Err() != nil {
			wp.cleanupExecution(jc.job.Key)
			jc.result <- ErrPoolStopped
			continue
		}
		err := wp.run(jc)
		wp.cleanupExecution(jc.job.Key)
		jc.result <- err
	}
}

func (wp *WorkerPool) run(jc jobContext) (err error) {
	timeout := jc.job.Timeout
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	execCtx, cancel := context.WithTimeout(jc.ctx, timeout)
	defer cancel()

	// Cancel the job when the pool itself shuts down
	go func() {
		select {
		case <-execCtx.Done():
		case <-wp.ctx.Done():
			cancel()
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %q panicked: %v", jc.job.Key, r)
			wp.logger.Errorf("%v", err)
		}
	}()
	return jc.job.Run(execCtx)
}

func (wp *WorkerPool) cleanupExecution(key string) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if state, ok := wp.executions[key]; ok {
		state.cleanupOnce.Do(func() {
			delete(wp.executions, key)
			wp.logger.Debugf("Cleaned up execution %s after %s", key, time.Since(state.startedAt))
		})
	}
}
