package app

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"nettasker/internal/session"
	"nettasker/internal/tasker"
	"nettasker/proxypool/model"
)

const (
	// CheckStepName 是会话检查任务中唯一的业务步骤。
	CheckStepName = "Checking session"
	// SessionCheckIdentifier 是所有会话检查任务共用的代理占用 identifier。
	SessionCheckIdentifier = "SessionCheck"
)

func (s *AppServer) newSessionCheckTask(sess *session.StorableSession, choice model.Choice) *tasker.SessionTask {
	return tasker.NewSessionTask("Check "+sess.UUID, s.Deps(), sess, choice, tasker.TaskPolicy{
		Identifier: SessionCheckIdentifier,
	}).WithStore(s.sessions)
}

// NewSessionCheck builds a task that requests target with the session's fingerprint,
// cookies and proxy binding. Cookies set by the response are saved back into the store.
// Check tasks are exclusive on a proxy: two sessions bound to the same proxy are not
// checked through it at the same time.
func (s *AppServer) NewSessionCheck(sess *session.StorableSession, target string, choice model.Choice) *tasker.Task {
	st := s.newSessionCheckTask(sess, choice)

	return tasker.NewTask(st.Name(), st, tasker.Step{
		Name:     CheckStepName,
		Critical: true,
		Run: func(ctx context.Context) (tasker.StepState, error) {
			c := st.Client()
			if c == nil {
				return tasker.StepCancel, tasker.ErrNoClient
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
			if err != nil {
				return tasker.StepFail, err
			}
			resp, err := c.Do(req)
			if err != nil {
				return tasker.StepFail, fmt.Errorf("request %s: %w", target, err)
			}
			defer resp.Body.Close()
			_, _ = io.Copy(io.Discard, resp.Body)

			switch {
			case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
				return tasker.StepRetry, nil
			case resp.StatusCode >= 400:
				return tasker.StepFail, nil
			default:
				return tasker.StepSuccess, nil
			}
		},
	})
}

// CheckSessions runs a check task for every stored session.
func (s *AppServer) CheckSessions(ctx context.Context, target string, choice model.Choice) ([]tasker.Result, error) {
	sessions, err := s.sessions.List()
	if err != nil {
		return nil, err
	}
	tasks := make([]*tasker.Task, 0, len(sessions))
	for _, sess := range sessions {
		tasks = append(tasks, s.NewSessionCheck(sess, target, choice))
	}
	return s.RunTasks(ctx, tasks)
}

// CreateSession stores a new session with a fresh fingerprint, optionally bound to a
// pool record.
func (s *AppServer) CreateSession(mobile bool, proxyID string) (*session.StorableSession, error) {
	data := session.NewSessionData(mobile)
	if proxyID != "" {
		if _, ok := s.proxyPoolManager.Lookup(proxyID); !ok {
			return nil, fmt.Errorf("proxy %s is not in the pool", proxyID)
		}
		data.SetProxy(proxyID)
	}
	sess := session.New(data)
	if err := s.sessions.Save(sess); err != nil {
		return nil, err
	}
	return sess, nil
}
