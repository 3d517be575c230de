// internal/engine/engine.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/pagecap/api/schemas"
	"github.com/xkilldash9x/pagecap/internal/config"
)

// -- Interfaces for Dependency Inversion --

// Capturer runs a single capture task. It must always return a result;
// task failures belong in the result, not in a Go error.
type Capturer interface {
	Capture(ctx context.Context, task schemas.CaptureTask) *schemas.CaptureResult
}

// Lifeline is the shared connection the workers depend on. When it dies no
// further task can succeed, so the scheduler stops pulling work.
type Lifeline interface {
	Done() <-chan struct{}
	Err() error
}

// ErrLifelineLost wraps the connection error that stopped a run.
var ErrLifelineLost = errors.New("browser connection lost")

const defaultConcurrency = 4

// Scheduler fans capture tasks out to a fixed pool of workers sharing one
// browser connection.
type Scheduler struct {
	cfg      config.Interface
	capturer Capturer
	lifeline Lifeline
	logger   *zap.Logger

	stateLock sync.Mutex
	isRunning bool
	err       error
}

// New creates a Scheduler. lifeline may be nil.
func New(cfg config.Interface, capturer Capturer, lifeline Lifeline, logger *zap.Logger) (*Scheduler, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if capturer == nil {
		return nil, errors.New("capturer cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &Scheduler{
		cfg:      cfg,
		capturer: capturer,
		lifeline: lifeline,
		logger:   logger.With(zap.String("component", "scheduler")),
	}, nil
}

// Run starts the worker pool over tasks and returns the result stream, which
// is closed once every worker has exited. Workers stop pulling new tasks
// when ctx is cancelled, the lifeline dies or tasks is closed; a task already
// started finishes on its own terms. The caller must drain the stream.
func (s *Scheduler) Run(ctx context.Context, tasks <-chan schemas.CaptureTask) <-chan *schemas.CaptureResult {
	concurrency := s.cfg.Engine().WorkerConcurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	results := make(chan *schemas.CaptureResult, concurrency)

	s.stateLock.Lock()
	if s.isRunning {
		s.stateLock.Unlock()
		s.logger.Warn("Scheduler.Run called, but the scheduler is already running.")
		close(results)
		return results
	}
	s.isRunning = true
	s.err = nil
	s.stateLock.Unlock()

	// pullCtx gates taking new work; tasks themselves run on ctx.
	pullCtx, stopPulling := context.WithCancel(ctx)
	g := new(errgroup.Group)

	var lifelineErr error
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		if s.lifeline == nil {
			<-pullCtx.Done()
			return
		}
		select {
		case <-s.lifeline.Done():
			lifelineErr = s.lifeline.Err()
			s.logger.Error("Browser connection lost, no further tasks will start.", zap.Error(lifelineErr))
			stopPulling()
		case <-pullCtx.Done():
		}
	}()

	s.logger.Info("Starting capture workers.", zap.Int("concurrency", concurrency))
	for i := 0; i < concurrency; i++ {
		workerID := i + 1
		g.Go(func() error {
			return s.runWorker(ctx, pullCtx, workerID, tasks, results)
		})
	}

	go func() {
		err := g.Wait()
		stopPulling()
		<-watchDone

		if lifelineErr != nil {
			err = errors.Join(err, fmt.Errorf("%w: %w", ErrLifelineLost, lifelineErr))
		}
		s.stateLock.Lock()
		s.err = err
		s.isRunning = false
		s.stateLock.Unlock()

		close(results)
		s.logger.Info("Capture workers stopped.")
	}()
	return results
}

// Err reports why the last run ended early. It is nil after a normal finish
// or a cancellation by the caller, and only meaningful once the result
// stream has been closed.
func (s *Scheduler) Err() error {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.err
}

// runWorker is the main loop for a single worker goroutine.
func (s *Scheduler) runWorker(ctx, pullCtx context.Context, workerID int, tasks <-chan schemas.CaptureTask, results chan<- *schemas.CaptureResult) error {
	logger := s.logger.With(zap.Int("worker_id", workerID))
	logger.Debug("Worker started.")

	for {
		select {
		case <-pullCtx.Done():
			logger.Debug("Worker stopping, no new tasks will be taken.", zap.Error(pullCtx.Err()))
			return nil
		case task, ok := <-tasks:
			if !ok {
				logger.Debug("Task queue drained, worker exiting.")
				return nil
			}
			// A task may have been received in the same instant pulling stopped.
			if pullCtx.Err() != nil {
				logger.Debug("Dropping task received after stop.", zap.String("url", task.URL))
				return nil
			}
			results <- s.process(ctx, task, logger)
		}
	}
}

// process runs one task, turning a panic into an error result so one bad
// page cannot take the pool down.
func (s *Scheduler) process(ctx context.Context, task schemas.CaptureTask, logger *zap.Logger) (res *schemas.CaptureResult) {
	logger = logger.With(zap.String("task_id", task.ID), zap.String("url", task.URL))
	logger.Debug("Processing task.")

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Capture panicked.", zap.Any("panic", r), zap.Stack("stack"))
			res = &schemas.CaptureResult{
				TaskID:  task.ID,
				URL:     task.URL,
				History: []schemas.NavigationStep{},
				Error:   fmt.Sprintf("capture panicked: %v", r),
			}
		}
	}()

	res = s.capturer.Capture(ctx, task)
	if res == nil {
		res = &schemas.CaptureResult{TaskID: task.ID, URL: task.URL, Error: "capture returned no result"}
	}
	return res
}
