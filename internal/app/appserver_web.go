package app

import (
	"time"

	"nettasker/internal/service/web"
	"nettasker/internal/session"
	"nettasker/internal/shared/logger"
	"nettasker/internal/tasker"
	manager "nettasker/proxypool"
	"nettasker/proxypool/model"
)

// websocket 消息类型
const (
	MsgPoolStatus  = "pool_status"
	MsgTaskResults = "task_results"
)

var _ web.Controller = (*AppServer)(nil)

// TaskResultView 是推送给 websocket 客户端的任务结果。
type TaskResultView struct {
	Task       string `json:"task"`
	Outcome    string `json:"outcome"`
	Attempts   int    `json:"attempts"`
	FailedStep string `json:"failed_step,omitempty"`
	Error      string `json:"error,omitempty"`
}

func taskResultViews(results []tasker.Result) []TaskResultView {
	out := make([]TaskResultView, 0, len(results))
	for _, r := range results {
		v := TaskResultView{
			Task:       r.Task,
			Outcome:    r.Outcome.String(),
			Attempts:   r.Attempts,
			FailedStep: r.FailedStep,
		}
		if r.Err != nil {
			v.Error = r.Err.Error()
		}
		out = append(out, v)
	}
	return out
}

// StartWeb starts the admin API and the pool status broadcast. It is a no-op when the
// configured port is 0.
func (s *AppServer) StartWeb() error {
	if s.cfg.WebConf.Port <= 0 {
		logger.Info().Msg("Admin API is disabled (web port is 0 or not set).")
		return nil
	}
	srv := web.NewServer(s.cfg.WebConf, s.settingsManager, s, s.hub)
	if err := srv.Start(&s.waitGroup); err != nil {
		return err
	}
	s.webServer = srv

	s.waitGroup.Add(1)
	go s.statsLoop()
	return nil
}

// WebAddr returns the admin API address, or "" when it is not running.
func (s *AppServer) WebAddr() string {
	if s.webServer == nil {
		return ""
	}
	return s.webServer.Addr()
}

// statsLoop 定期把代理池摘要广播给 websocket 客户端
func (s *AppServer) statsLoop() {
	defer s.waitGroup.Done()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.hub.Clients() == 0 {
				continue
			}
			s.hub.Broadcast(MsgPoolStatus, web.Summarize(s.proxyPoolManager.Snapshot()))
		case <-s.stopCh:
			return
		}
	}
}

func (s *AppServer) PoolSnapshot() []manager.PoolStatusItem {
	return s.proxyPoolManager.Snapshot()
}

// ImportProxies starts an import. Validation continues in the background.
func (s *AppServer) ImportProxies(lines []string, protocol string, category model.Choice) error {
	_, err := s.proxyPoolManager.Import(lines, protocol, category)
	return err
}

func (s *AppServer) DeleteProxies(ids []string) error {
	return s.proxyPoolManager.DeleteProxies(ids)
}

func (s *AppServer) ListSessions() ([]*session.StorableSession, error) {
	return s.sessions.List()
}
