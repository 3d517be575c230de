// Package capture drives one browser session per task through
// open, navigate, delay, collect and close, and assembles the result.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagecap/api/schemas"
	"github.com/xkilldash9x/pagecap/internal/browser/cdp"
	"github.com/xkilldash9x/pagecap/internal/browser/session"
	"github.com/xkilldash9x/pagecap/internal/observability"
)

// DefaultCleanupTimeout bounds session teardown, which runs on a fresh
// context so an expired task deadline cannot skip it.
const DefaultCleanupTimeout = 10 * time.Second

// Runner executes capture tasks against one shared connection.
type Runner struct {
	conn           cdp.Commander
	assembler      *Assembler
	focus          sync.Locker
	cleanupTimeout time.Duration
	logger         *zap.Logger
}

// Option customizes a Runner.
type Option func(*Runner)

// WithFocusLock serializes screenshots across concurrent sessions.
func WithFocusLock(l sync.Locker) Option {
	return func(r *Runner) { r.focus = l }
}

// WithCleanupTimeout overrides DefaultCleanupTimeout.
func WithCleanupTimeout(d time.Duration) Option {
	return func(r *Runner) { r.cleanupTimeout = d }
}

// NewRunner creates a Runner.
func NewRunner(conn cdp.Commander, assembler *Assembler, logger *zap.Logger, opts ...Option) *Runner {
	r := &Runner{
		conn:           conn,
		assembler:      assembler,
		cleanupTimeout: DefaultCleanupTimeout,
		logger:         logger.Named("capture"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Capture runs task to completion and always returns a result. Failures at
// any step are recorded on the result next to whatever was collected.
func (r *Runner) Capture(ctx context.Context, task schemas.CaptureTask) *schemas.CaptureResult {
	started := time.Now()
	logger := r.logger.With(zap.String("task_id", task.ID), zap.String("url", task.URL))
	opts := task.Options

	taskCtx, cancel := context.WithCancel(ctx)
	if opts.TaskTimeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, opts.TaskTimeout)
	}
	defer cancel()

	bundle, err := r.run(taskCtx, task, logger)

	res := r.assembler.Assemble(taskCtx, task, bundle, err)
	res.StartedAt = started
	res.FinishedAt = time.Now()

	outcome := "ok"
	if res.Failed() {
		outcome = "failed"
		logger.Warn("Capture finished with errors.", zap.String("error", res.Error), zap.Duration("elapsed", res.FinishedAt.Sub(started)))
	} else {
		logger.Debug("Capture finished.", zap.Int("status", res.Status), zap.Duration("elapsed", res.FinishedAt.Sub(started)))
	}
	observability.CapturesTotal.WithLabelValues(outcome).Inc()
	observability.CaptureDuration.Observe(res.FinishedAt.Sub(started).Seconds())
	return res
}

// run owns the session for one task. The returned bundle may be partial.
func (r *Runner) run(ctx context.Context, task schemas.CaptureTask, logger *zap.Logger) (bundle *schemas.Bundle, err error) {
	opts := task.Options
	var errs []error
	defer func() { err = errors.Join(errs...) }()

	sess, openErr := session.Open(ctx, r.conn, session.Options{Capture: opts, FocusLock: r.focus}, logger)
	if openErr != nil {
		errs = append(errs, fmt.Errorf("open session: %w", openErr))
		return nil, nil
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), r.cleanupTimeout)
		defer cancel()
		if cerr := sess.Close(cleanupCtx); cerr != nil {
			errs = append(errs, fmt.Errorf("close session: %w", cerr))
		}
		err = errors.Join(errs...)
	}()

	navErr := sess.Navigate(ctx, task.URL)
	switch {
	case navErr == nil:
		if derr := sess.WaitDelay(ctx, opts.Delay); derr != nil {
			errs = append(errs, fmt.Errorf("delay: %w", derr))
		}
	case errors.Is(navErr, session.ErrNavigationTimeout):
		logger.Info("Page did not finish loading, collecting what is there.", zap.Duration("timeout", opts.NavigationTimeout))
		errs = append(errs, navErr)
	default:
		errs = append(errs, navErr)
	}

	if ctx.Err() != nil {
		// Nothing more can be asked of the browser; keep what was recorded.
		bundle = sess.Recorded()
		if !alreadyNoted(errs, ctx.Err()) {
			errs = append(errs, fmt.Errorf("task deadline: %w", ctx.Err()))
		}
		return bundle, nil
	}

	bundle, cerr := sess.Collect(ctx)
	if cerr != nil {
		errs = append(errs, fmt.Errorf("collect: %w", cerr))
	}
	return bundle, nil
}

func alreadyNoted(errs []error, target error) bool {
	for _, e := range errs {
		if errors.Is(e, target) {
			return true
		}
	}
	return false
}
