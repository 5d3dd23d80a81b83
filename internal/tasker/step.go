package tasker

import (
	"context"
	"fmt"
	"time"
)

// StepState 是一个步骤执行后的终态。
type StepState int

const (
	StepSuccess StepState = iota
	StepFail
	StepRetry
	StepCancel
)

func (s StepState) String() string {
	switch s {
	case StepSuccess:
		return "SUCCESS"
	case StepFail:
		return "FAIL"
	case StepRetry:
		return "RETRY"
	case StepCancel:
		return "CANCEL"
	default:
		return fmt.Sprintf("StepState(%d)", int(s))
	}
}

// DefaultStepAttempts bounds how often a step returning RETRY is run before it counts as FAIL.
const DefaultStepAttempts = 3

// StepFunc runs one unit of work. A non-nil error means the step raised rather than
// reporting a state; the returned state is ignored in that case.
type StepFunc func(ctx context.Context) (StepState, error)

// Step 是任务中的一个步骤。
type Step struct {
	Name string
	// Critical 步骤失败会重置会话，抛出异常会释放客户端。
	Critical bool
	// MaxAttempts 限制 RETRY 的次数，0 表示 DefaultStepAttempts。
	MaxAttempts int
	// RetryDelay 是两次 RETRY 之间的等待。
	RetryDelay time.Duration
	Run        StepFunc
}

func (s Step) attempts() int {
	if s.MaxAttempts > 0 {
		return s.MaxAttempts
	}
	return DefaultStepAttempts
}

// StepPanicError wraps a panic recovered from a step.
type StepPanicError struct {
	Step  string
	Value any
}

func (e *StepPanicError) Error() string {
	return fmt.Sprintf("step %q panicked: %v", e.Step, e.Value)
}
