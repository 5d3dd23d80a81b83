package tasker

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nettasker/internal/shared/settings"
	"nettasker/internal/shared/types"
	"nettasker/proxypool/model"
)

func TestRunner_RespectsConcurrencyLimit(t *testing.T) {
	var running, peak atomic.Int32
	mk := func(i int) *Task {
		return NewTask(fmt.Sprintf("t%d", i), nil, Step{Name: "work", Run: func(context.Context) (StepState, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return StepSuccess, nil
		}})
	}
	tasks := make([]*Task, 10)
	for i := range tasks {
		tasks[i] = mk(i)
	}

	results, err := NewRunner(types.RunnerConf{MaxConcurrentTasks: 3}).RunAll(context.Background(), tasks)

	require.NoError(t, err)
	require.Len(t, results, 10)
	for i, res := range results {
		assert.Equal(t, fmt.Sprintf("t%d", i), res.Task, "results keep input order")
		assert.Equal(t, OutcomeSuccess, res.Outcome)
	}
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestRunner_CancelledContextSkipsTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	task := NewTask("skipped", nil, Step{Name: "work", Run: func(context.Context) (StepState, error) {
		ran = true
		return StepSuccess, nil
	}})

	results, err := NewRunner(types.RunnerConf{MaxConcurrentTasks: 1, TasksPerSecond: 100}).RunAll(ctx, []*Task{task})

	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeCancelled, results[0].Outcome)
	assert.False(t, ran)
}

func TestRunner_TasksShareUniqueProxySlots(t *testing.T) {
	policy := policyWith(func(p *settings.Policy) { p.ProxyPolicy = settings.PolicyPool })
	pool := newSpyPool(t, policy, proxyRec("p1", "dc", model.StateAvailable))

	var concurrent, peak atomic.Int32
	tasks := make([]*Task, 8)
	for i := range tasks {
		st := NewSessionTask("Login", Deps{Pool: pool, Policy: policy, Factory: &fakeFactory{}}, sessionWithCookies(), "dc", TaskPolicy{})
		tasks[i] = NewTask(fmt.Sprintf("login-%d", i), st, Step{Name: "hold", Run: func(context.Context) (StepState, error) {
			n := concurrent.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			concurrent.Add(-1)
			return StepSuccess, nil
		}})
	}

	results, err := NewRunner(types.RunnerConf{MaxConcurrentTasks: 8}).RunAll(context.Background(), tasks)
	require.NoError(t, err)

	succeeded := 0
	for _, res := range results {
		if res.Outcome == OutcomeSuccess {
			succeeded++
		}
	}
	assert.GreaterOrEqual(t, succeeded, 1)
	assert.Equal(t, int32(1), peak.Load(), "one identifier never holds the proxy twice")
	_, total := pool.Usage("p1", "Login")
	assert.Zero(t, total, "every slot is released")
}
