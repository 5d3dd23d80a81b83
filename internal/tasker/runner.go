package tasker

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"nettasker/internal/shared/logger"
	"nettasker/internal/shared/types"
)

// Runner 并发执行多个任务。所有任务共享同一个代理池，彼此之间不保证顺序。
type Runner struct {
	maxConcurrent int
	limiter       *rate.Limiter
}

// NewRunner creates a runner. MaxConcurrentTasks <= 0 means no limit and
// TasksPerSecond <= 0 disables launch pacing.
func NewRunner(cfg types.RunnerConf) *Runner {
	r := &Runner{maxConcurrent: cfg.MaxConcurrentTasks}
	if cfg.TasksPerSecond > 0 {
		burst := int(cfg.TasksPerSecond)
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.TasksPerSecond), burst)
	}
	return r
}

// RunAll runs every task and returns their results in input order. Cancelling ctx stops
// launching new tasks; tasks already running finish their current step. The returned
// error is ctx's error, if any.
func (r *Runner) RunAll(ctx context.Context, tasks []*Task) ([]Result, error) {
	l := logger.WithComponent("Tasker/Runner")
	results := make([]Result, len(tasks))

	var g errgroup.Group
	if r.maxConcurrent > 0 {
		g.SetLimit(r.maxConcurrent)
	}

	l.Info().Int("tasks", len(tasks)).Int("concurrency", r.maxConcurrent).Msg("Starting tasks...")
	for i, t := range tasks {
		err := ctx.Err()
		if err == nil && r.limiter != nil {
			err = r.limiter.Wait(ctx)
		}
		if err != nil {
			for j := i; j < len(tasks); j++ {
				results[j] = Result{Task: tasks[j].Name(), Outcome: OutcomeCancelled, Err: err}
			}
			l.Warn().Err(err).Int("skipped", len(tasks)-i).Msg("Stopped launching tasks.")
			break
		}
		g.Go(func() error {
			results[i] = t.Run(ctx)
			return nil
		})
	}
	_ = g.Wait()

	counts := make(map[Outcome]int)
	for _, res := range results {
		counts[res.Outcome]++
	}
	l.Info().
		Int("success", counts[OutcomeSuccess]).
		Int("failed", counts[OutcomeFailed]).
		Int("cancelled", counts[OutcomeCancelled]).
		Msg("All tasks finished.")
	return results, ctx.Err()
}
