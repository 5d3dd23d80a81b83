package tasker

import (
	"context"

	"nettasker/internal/shared/logger"
)

// closedReporter is implemented by clients that can report whether they were closed.
type closedReporter interface {
	Closed() bool
}

// BridgeTask 复用调用方提供的客户端，始终保持连接。
// 只有在 disposeOnFinish 为 true 时才会在结束时关闭客户端。
type BridgeTask struct {
	client          Client
	disposeOnFinish bool
}

// NewBridgeTask adopts client for the task's lifetime.
func NewBridgeTask(client Client, disposeOnFinish bool) *BridgeTask {
	return &BridgeTask{client: client, disposeOnFinish: disposeOnFinish}
}

func (b *BridgeTask) Client() Client { return b.client }

// BuildClient succeeds iff the adopted client exists and has not been closed.
func (b *BridgeTask) BuildClient() bool {
	if b.client == nil {
		return false
	}
	if cr, ok := b.client.(closedReporter); ok && cr.Closed() {
		return false
	}
	return true
}

// DisposeClient closes the client only when the task owns its disposal.
func (b *BridgeTask) DisposeClient() {
	if !b.disposeOnFinish || b.client == nil {
		return
	}
	if err := b.client.Close(); err != nil {
		l := logger.WithComponent("Tasker/Bridge")
		l.Warn().Err(err).Msg("Error closing bridged client.")
	}
	b.client = nil
}

func (b *BridgeTask) Prelude() []Step {
	return []Step{{
		Name:        BuildStepName,
		Critical:    true,
		MaxAttempts: 1,
		Run: func(ctx context.Context) (StepState, error) {
			if !b.BuildClient() {
				l := logger.WithComponent("Tasker/Bridge")
				l.Warn().Str("reason", BuildNoExternalClient.String()).Msg("Failed to build client.")
				return StepCancel, nil
			}
			return StepSuccess, nil
		},
	}}
}

func (b *BridgeTask) OnStepFail(Step)         {}
func (b *BridgeTask) OnException(Step, error) {}
func (b *BridgeTask) OnFinish()               { b.DisposeClient() }
