package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"nettasker/internal/service/web"
	"nettasker/internal/session"
	"nettasker/internal/shared/logger"
	"nettasker/internal/shared/settings"
	"nettasker/internal/shared/types"
	"nettasker/internal/tasker"
	manager "nettasker/proxypool"
	"nettasker/proxypool/scraper"
	"nettasker/proxypool/storage"
	"nettasker/proxypool/validator"
)

// ProxiesFileName 是代理池在数据目录中的持久化文件。
const ProxiesFileName = "proxies.txt"

// AppServer 把进程级的协作者组装在一起：策略、代理池、会话存储和任务执行器。
type AppServer struct {
	cfg     *types.Config
	dataDir string

	settingsManager *settings.SettingsManager
	policyMu        sync.RWMutex
	policy          settings.Policy

	proxyPoolManager *manager.Manager
	sessions         *session.FileStore
	runner           *tasker.Runner
	clientFactory    tasker.ClientFactory

	hub       *web.Hub
	webServer *web.Server
	waitGroup sync.WaitGroup
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// New creates the server from cfg. Nothing runs in the background until Start.
func New(cfg *types.Config) (*AppServer, error) {
	dataDir := cfg.CommonConf.DataDir
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	s := &AppServer{
		cfg:           cfg,
		dataDir:       dataDir,
		clientFactory: tasker.DefaultClientFactory,
		hub:           web.NewHub(),
		stopCh:        make(chan struct{}),
	}

	sm, err := settings.NewSettingsManager(filepath.Join(dataDir, settings.FileName))
	if err != nil {
		return nil, err
	}
	s.settingsManager = sm
	s.policy = applyPolicyEnv(sm.Policy())

	proxyStorage := storage.NewFileStorage(filepath.Join(dataDir, ProxiesFileName))
	proxyValidator := validator.NewValidator(
		time.Duration(cfg.PoolConf.ValidationTimeoutSeconds)*time.Second,
		cfg.PoolConf.ValidationConcurrency,
		cfg.PoolConf.ValidationTarget,
	)
	s.proxyPoolManager = manager.NewManager(cfg.PoolConf, s.policy, proxyStorage, proxyValidator)
	if cfg.PoolConf.EnableScrapers {
		s.proxyPoolManager.AddScraper(scraper.NewKuaidailiScraper(scraper.Options{}))
		s.proxyPoolManager.AddScraper(scraper.NewProxydbScraper(scraper.Options{}))
		s.proxyPoolManager.AddScraper(scraper.NewProxyListDownloadScraper(scraper.Options{}))
	}

	// 代理池和 AppServer 都订阅策略变化
	sm.Register("session", s.proxyPoolManager)
	sm.Register("session", s)
	sm.Register("proxy", s)

	sessionDir := cfg.SessionConf.Dir
	if sessionDir == "" {
		sessionDir = "sessions"
	}
	if !filepath.IsAbs(sessionDir) {
		sessionDir = filepath.Join(dataDir, sessionDir)
	}
	sessions, err := session.NewFileStore(sessionDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	s.sessions = sessions
	s.runner = tasker.NewRunner(cfg.RunnerConf)

	return s, nil
}

// SetClientFactory replaces the network client constructor used by tasks built here.
func (s *AppServer) SetClientFactory(f tasker.ClientFactory) {
	s.clientFactory = f
}

// Start loads the pool and starts its background scheduling.
func (s *AppServer) Start() {
	logger.Info().Str("data_dir", s.dataDir).Msg("Starting tasker...")
	s.proxyPoolManager.Start()
}

// Run starts the server and the admin API and blocks until ctx is done, then stops both.
func (s *AppServer) Run(ctx context.Context) {
	s.Start()
	if err := s.StartWeb(); err != nil {
		logger.Error().Err(err).Msg("Admin API not started.")
	}
	<-ctx.Done()
	s.Stop()
}

// Stop gracefully shuts down the admin API and the pool, then persists the pool.
func (s *AppServer) Stop() {
	s.stopOnce.Do(func() {
		logger.Info().Msg("Stopping tasker...")
		close(s.stopCh)
		if s.webServer != nil {
			if err := s.webServer.Close(); err != nil {
				logger.Warn().Err(err).Msg("Admin API shutdown error.")
			}
		}
		s.waitGroup.Wait()
		s.proxyPoolManager.Stop()
	})
}

func (s *AppServer) Pool() *manager.Manager              { return s.proxyPoolManager }
func (s *AppServer) Sessions() *session.FileStore        { return s.sessions }
func (s *AppServer) Settings() *settings.SettingsManager { return s.settingsManager }
func (s *AppServer) Runner() *tasker.Runner              { return s.runner }
func (s *AppServer) Config() *types.Config               { return s.cfg }

// Deps returns the collaborators for a new task. The policy is a snapshot taken now;
// later settings updates only affect tasks created afterwards.
func (s *AppServer) Deps() tasker.Deps {
	return tasker.Deps{
		Pool:    s.proxyPoolManager,
		Policy:  s.Policy(),
		Factory: s.clientFactory,
	}
}

// RunTasks runs tasks on the shared runner. The results are also pushed to websocket clients.
func (s *AppServer) RunTasks(ctx context.Context, tasks []*tasker.Task) ([]tasker.Result, error) {
	results, err := s.runner.RunAll(ctx, tasks)
	s.hub.Broadcast(MsgTaskResults, taskResultViews(results))
	return results, err
}
