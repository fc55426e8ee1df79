package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TaskFunc is one iteration of a scheduled task.
type TaskFunc func(ctx context.Context) error

// Task configures one named repeating job.
type Task struct {
	Name     string
	Interval time.Duration
	Enabled  bool
	Run      TaskFunc
}

// Runner drives named task loops at a minimum interval each, compensating for
// task execution time. A failed iteration is logged and the loop continues;
// loops stop only when the context is cancelled.
type Runner struct {
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// New constructs a Runner.
func New(logger zerolog.Logger) *Runner {
	return &Runner{logger: logger.With().Str("component", "scheduler").Logger()}
}

// Start launches one independent loop per enabled task.
func (r *Runner) Start(ctx context.Context, tasks ...Task) {
	for _, task := range tasks {
		if !task.Enabled {
			r.logger.Info().Str("task", task.Name).Msg("task disabled, not starting")
			continue
		}
		if task.Interval <= 0 {
			panic("scheduler: task interval must be positive")
		}

		r.wg.Add(1)
		go func(task Task) {
			defer r.wg.Done()
			r.runLoop(ctx, task)
		}(task)
	}
}

// Wait blocks until every started loop has exited.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) runLoop(ctx context.Context, task Task) {
	logger := r.logger.With().Str("task", task.Name).Logger()

	for iteration := uint64(1); ; iteration++ {
		select {
		case <-ctx.Done():
			logger.Info().Uint64("iteration", iteration).Msg("task loop stopped")
			return
		default:
		}

		logger.Debug().Uint64("iteration", iteration).Msg("task started")
		startedAt := time.Now()

		if err := task.Run(ctx); err != nil {
			logger.Error().Err(err).Uint64("iteration", iteration).Msg("task iteration failed")
		}

		elapsed := time.Since(startedAt)
		logger.Debug().Uint64("iteration", iteration).Dur("elapsed", elapsed).Msg("task ended")

		// Sleep only the remainder of the interval. An overrun means the
		// next iteration starts immediately; ticks are never queued.
		remaining := task.Interval - elapsed
		if remaining <= 0 {
			continue
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info().Uint64("iteration", iteration).Msg("task loop stopped")
			return
		case <-timer.C:
		}
	}
}
