package tasker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"nettasker/internal/shared/logger"
)

// ErrAlreadyRunning is returned when Run is called on a task that is still running.
var ErrAlreadyRunning = errors.New("task already running")

// Outcome 是一次任务执行的最终结果。
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailed
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Result describes one Run.
type Result struct {
	Task     string
	Outcome  Outcome
	Attempts int
	// FailedStep 是导致失败或取消的步骤名。
	FailedStep string
	// Err 是最后一次异常 (步骤返回的 error 或恢复的 panic)，或 context 的错误。
	Err error
}

// Lifecycle 是任务执行过程中的可替换钩子。NetTask、SessionTask 和 BridgeTask 都实现了它。
type Lifecycle interface {
	// Prelude returns the steps placed ahead of the task's own steps.
	Prelude() []Step
	OnStepFail(step Step)
	OnException(step Step, err error)
	OnFinish()
}

type noLifecycle struct{}

func (noLifecycle) Prelude() []Step         { return nil }
func (noLifecycle) OnStepFail(Step)         {}
func (noLifecycle) OnException(Step, error) {}
func (noLifecycle) OnFinish()               {}

// Task 按顺序执行步骤，并在失败时驱动生命周期钩子。同一时间只能有一个 Run。
type Task struct {
	id            string
	name          string
	lc            Lifecycle
	steps         []Step
	maxReAttempts int

	status  atomic.Value // string
	running atomic.Bool
}

// NewTask builds the full step sequence: the lifecycle's prelude (for network tasks the
// "Building client" step) followed by steps.
func NewTask(name string, lc Lifecycle, steps ...Step) *Task {
	if lc == nil {
		lc = noLifecycle{}
	}
	seq := append(append([]Step{}, lc.Prelude()...), steps...)
	t := &Task{
		id:    uuid.NewString(),
		name:  name,
		lc:    lc,
		steps: seq,
	}
	t.status.Store("Idle")
	return t
}

// WithReAttempts lets a failed run start over up to n more times.
func (t *Task) WithReAttempts(n int) *Task {
	if n < 0 {
		n = 0
	}
	t.maxReAttempts = n
	return t
}

func (t *Task) ID() string   { return t.id }
func (t *Task) Name() string { return t.name }

// Steps returns the step sequence including the prelude.
func (t *Task) Steps() []Step {
	return append([]Step(nil), t.steps...)
}

// Status 返回任务当前的状态描述。
func (t *Task) Status() string {
	return t.status.Load().(string)
}

// SetStatus lets step code publish progress.
func (t *Task) SetStatus(s string) {
	t.status.Store(s)
}

// Run executes the task. OnFinish always runs exactly once per Run.
func (t *Task) Run(ctx context.Context) Result {
	if !t.running.CompareAndSwap(false, true) {
		return Result{Task: t.name, Outcome: OutcomeCancelled, Err: ErrAlreadyRunning}
	}
	defer t.running.Store(false)

	l := logger.WithComponent("Tasker")
	res := Result{Task: t.name}

	func() {
		defer t.lc.OnFinish()
		for attempt := 0; attempt <= t.maxReAttempts; attempt++ {
			res.Attempts = attempt + 1
			res.Outcome, res.FailedStep, res.Err = t.runAttempt(ctx)
			if res.Outcome != OutcomeFailed || ctx.Err() != nil {
				return
			}
			if attempt < t.maxReAttempts {
				l.Info().Str("task", t.name).Str("task_id", t.id).Int("attempt", res.Attempts).Str("step", res.FailedStep).Msg("Attempt failed, starting over.")
			}
		}
	}()

	switch res.Outcome {
	case OutcomeSuccess:
		t.SetStatus("Finished")
	case OutcomeCancelled:
		t.SetStatus("Cancelled at " + res.FailedStep)
	default:
		t.SetStatus("Failed at " + res.FailedStep)
	}
	ev := l.Info()
	if res.Outcome != OutcomeSuccess {
		ev = l.Warn().Str("step", res.FailedStep).Err(res.Err)
	}
	ev.Str("task", t.name).Str("task_id", t.id).Str("outcome", res.Outcome.String()).Int("attempts", res.Attempts).Msg("Task finished.")
	return res
}

func (t *Task) runAttempt(ctx context.Context) (Outcome, string, error) {
	for i := range t.steps {
		step := t.steps[i]
		if err := ctx.Err(); err != nil {
			return OutcomeCancelled, step.Name, err
		}
		t.SetStatus(step.Name)

		state, err := t.execute(ctx, step)
		if err != nil {
			l := logger.WithComponent("Tasker")
			l.Error().Err(err).Str("task", t.name).Str("step", step.Name).Bool("critical", step.Critical).Msg("Step raised an exception.")
			t.lc.OnException(step, err)
			return OutcomeFailed, step.Name, err
		}

		switch state {
		case StepSuccess:
			continue
		case StepCancel:
			return OutcomeCancelled, step.Name, ctx.Err()
		default:
			t.lc.OnStepFail(step)
			return OutcomeFailed, step.Name, nil
		}
	}
	return OutcomeSuccess, "", nil
}

// execute runs a step, repeating it while it asks for RETRY. Exhausted retries count as FAIL.
func (t *Task) execute(ctx context.Context, step Step) (StepState, error) {
	maxAttempts := step.attempts()
	for n := 1; ; n++ {
		state, err := runSafely(ctx, step)
		if err != nil {
			return StepFail, err
		}
		if state != StepRetry {
			return state, nil
		}
		if n >= maxAttempts {
			return StepFail, nil
		}
		if step.RetryDelay > 0 {
			timer := time.NewTimer(step.RetryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return StepCancel, nil
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return StepCancel, nil
		}
	}
}

func runSafely(ctx context.Context, step Step) (state StepState, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &StepPanicError{Step: step.Name, Value: r}
		}
	}()
	if step.Run == nil {
		return StepSuccess, nil
	}
	return step.Run(ctx)
}
