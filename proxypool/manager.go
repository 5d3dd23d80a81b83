package manager

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"nettasker/internal/shared/logger"
	"nettasker/internal/shared/settings"
	"nettasker/internal/shared/types"
	"nettasker/proxypool/model"
	"nettasker/proxypool/scraper"
	"nettasker/proxypool/storage"
	"nettasker/proxypool/validator"
)

const (
	// 连续失败达到该阈值后代理被拉黑
	maxFailuresBeforeBlacklist = 7

	// DefaultCategory 是抓取到的代理在没有分类时归入的 choice
	DefaultCategory model.Choice = "public"
)

// ErrUnknownProxy is returned when an id does not resolve to a pool record.
var ErrUnknownProxy = errors.New("unknown proxy id")

// 定义分级间隔策略
var (
	// 成功验证后的下一次检查间隔，与 SuccessCount 对应
	successIntervals = []time.Duration{
		1 * time.Hour,
		12 * time.Hour,
		24 * time.Hour,
		48 * time.Hour,
		72 * time.Hour,
		120 * time.Hour,
	}

	// 失败验证后的指数退避间隔，与 FailureCount 对应
	failureIntervals = []time.Duration{
		10 * time.Minute,
		1 * time.Hour,
		12 * time.Hour,
		24 * time.Hour,
		48 * time.Hour,
		120 * time.Hour,
	}
)

// Manager 是代理池模块的总控制器：它是所有 ProxyRecord 的唯一所有者，
// 维护按 identifier 划分的占用账本，并负责后台的发现与健康检查调度。
type Manager struct {
	cfg       types.PoolConf
	policy    settings.Policy
	storage   storage.Storage
	scrapers  []scraper.Scraper
	validator *validator.Validator
	balancer  Balancer
	now       func() time.Time

	mu      sync.RWMutex
	proxies map[string]*model.ProxyRecord // 内存中的代理池
	ledgers map[string]model.Ledger       // proxy id -> identifier -> usage

	// 调度器与生命周期管理
	scrapeTicker      *time.Ticker
	healthCheckTicker *time.Ticker
	stopChan          chan struct{}
	stopOnce          sync.Once
	wg                sync.WaitGroup
}

// NewManager 创建并初始化代理池管理器。storage 和 validator 可以为 nil (纯内存、不做健康检查)。
func NewManager(cfg types.PoolConf, policy settings.Policy, storage storage.Storage, validator *validator.Validator) *Manager {
	return &Manager{
		cfg:       cfg,
		policy:    policy,
		storage:   storage,
		validator: validator,
		balancer:  NewBalancer(cfg.Balancer),
		now:       time.Now,
		proxies:   make(map[string]*model.ProxyRecord),
		ledgers:   make(map[string]model.Ledger),
		stopChan:  make(chan struct{}),
	}
}

// AddScraper 添加一个抓取器到管理器。
func (m *Manager) AddScraper(s scraper.Scraper) {
	m.scrapers = append(m.scrapers, s)
}

// SetClock replaces the time source used for cooldowns and ledger timestamps.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Load 从存储加载代理到内存。启动时调用一次。
func (m *Manager) Load() error {
	if m.storage == nil {
		return nil
	}
	proxies, err := m.storage.Load()
	if err != nil {
		return err
	}
	m.mu.Lock()
	for id, p := range proxies {
		m.proxies[id] = p
	}
	m.mu.Unlock()
	return nil
}

// Start 启动管理器的所有后台任务（调度循环）。
func (m *Manager) Start() {
	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().Msg("Manager starting...")

	if err := m.Load(); err != nil {
		l.Error().Err(err).Msg("Failed to load proxies from storage. Starting with an empty pool.")
	}

	scrapeInterval := time.Duration(m.cfg.ScrapeIntervalHours) * time.Hour
	healthCheckInterval := time.Duration(m.cfg.HealthCheckIntervalSeconds) * time.Second
	if scrapeInterval <= 0 {
		scrapeInterval = 6 * time.Hour
	}
	if healthCheckInterval <= 0 {
		healthCheckInterval = time.Minute
	}
	m.scrapeTicker = time.NewTicker(scrapeInterval)
	m.healthCheckTicker = time.NewTicker(healthCheckInterval)

	l.Info().
		Dur("scrape_interval", scrapeInterval).
		Dur("health_check_interval", healthCheckInterval).
		Int("scrapers", len(m.scrapers)).
		Msg("Schedulers initialized.")

	m.wg.Add(1)
	go m.schedulerLoop()

	if len(m.scrapers) > 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.RunScrapeAndValidateCycle()
		}()
	}
}

// schedulerLoop 是核心的调度循环，监听 Ticker 和停止信号。
func (m *Manager) schedulerLoop() {
	defer m.wg.Done()
	l := logger.WithComponent("ProxyPool/Manager")

	for {
		select {
		case <-m.scrapeTicker.C:
			l.Info().Msg("Scrape ticker triggered.")
			m.RunScrapeAndValidateCycle()

		case <-m.healthCheckTicker.C:
			l.Debug().Msg("Health check ticker triggered.")
			m.RunRevalidationCycle()

		case <-m.stopChan:
			l.Info().Msg("Stop signal received. Shutting down schedulers.")
			m.scrapeTicker.Stop()
			m.healthCheckTicker.Stop()
			return
		}
	}
}

// Stop 优雅地停止管理器的所有后台任务并保存代理。
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})
	m.wg.Wait()
	if err := m.saveProxies(); err != nil {
		logger.Error().Err(err).Msg("Failed to save proxies on shutdown.")
	}
	logger.Info().Msg("ProxyPool Manager gracefully stopped.")
}

// RunScrapeAndValidateCycle 执行一个完整的“抓取 -> 验证新代理 -> 存储”周期。
func (m *Manager) RunScrapeAndValidateCycle() {
	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().Msg("Starting new scrape and validate cycle...")

	var wg sync.WaitGroup
	scrapedChan := make(chan []model.ProxyRecord, len(m.scrapers))

	for _, s := range m.scrapers {
		wg.Add(1)
		go func(sc scraper.Scraper) {
			defer wg.Done()
			proxies, err := sc.Scrape()
			if err != nil {
				l.Warn().Err(err).Str("source", sc.Name()).Msg("Scraper failed.")
				return
			}
			if len(proxies) > 0 {
				scrapedChan <- proxies
			}
		}(s)
	}

	wg.Wait()
	close(scrapedChan)

	newProxies := make([]model.ProxyRecord, 0)
	m.mu.Lock()
	for proxies := range scrapedChan {
		for _, p := range proxies {
			if _, exists := m.proxies[p.ID]; exists {
				continue
			}
			if p.Category == "" {
				p.Category = DefaultCategory
			}
			// 新代理在验证通过前不可被选中
			p.State = model.StateGhosted
			rec := p
			m.proxies[p.ID] = &rec
			newProxies = append(newProxies, p)
		}
	}
	m.mu.Unlock()

	if len(newProxies) == 0 {
		l.Info().Msg("No new proxies found to validate in this cycle.")
		if err := m.saveProxies(); err != nil {
			l.Error().Err(err).Msg("Failed to save proxies to storage.")
		}
		return
	}

	l.Info().Int("count", len(newProxies)).Msg("Found new proxies. Starting validation...")
	m.validateAndApply(newProxies)

	if err := m.saveProxies(); err != nil {
		l.Error().Err(err).Msg("Failed to save proxies to storage after cycle.")
	}
	l.Info().Msg("Scrape and validate cycle finished.")
}

// RunRevalidationCycle 执行一个“筛选存量代理 -> 验证 -> 更新状态”的周期。
func (m *Manager) RunRevalidationCycle() {
	l := logger.WithComponent("ProxyPool/Manager")

	now := m.clock()
	due := make([]model.ProxyRecord, 0)
	m.mu.RLock()
	for _, p := range m.proxies {
		if !p.NextChecked.IsZero() && p.NextChecked.Before(now) {
			due = append(due, *p)
		}
	}
	m.mu.RUnlock()

	if len(due) == 0 {
		l.Debug().Msg("No proxies due for re-validation.")
		return
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].NextChecked.Before(due[j].NextChecked)
	})

	total := len(due)
	if batchSize := m.cfg.RevalidationBatchSize; batchSize > 0 && len(due) > batchSize {
		due = due[:batchSize]
	}

	l.Info().Int("batch_size", len(due)).Int("total_due", total).Msg("Starting re-validation batch.")
	if m.validateAndApply(due) > 0 {
		if err := m.saveProxies(); err != nil {
			l.Error().Err(err).Msg("Failed to save proxies after re-validation cycle.")
		}
	}
}

// validateAndApply 在锁外做网络验证，再在写锁内按 ID 回写健康状态。
func (m *Manager) validateAndApply(records []model.ProxyRecord) int {
	if m.validator == nil || len(records) == 0 {
		return 0
	}
	results := m.validator.Validate(records)

	m.mu.Lock()
	defer m.mu.Unlock()
	applied := 0
	for _, res := range results {
		if rec, ok := m.proxies[res.ID]; ok {
			m.applyResult(rec, res)
			applied++
		}
	}
	return applied
}

// applyResult 是健康状态迁移与动态间隔算法的实现。
// 注意：此函数必须在写锁 (m.mu.Lock) 保护下调用。
func (m *Manager) applyResult(p *model.ProxyRecord, res validator.Result) {
	now := m.now()
	p.LastChecked = now
	if res.OK {
		p.FailureCount = 0
		p.SuccessCount++
		p.Latency = res.Latency
		if res.Protocol != "" {
			p.Protocol = res.Protocol
		}
		p.State = model.StateAvailable
		p.NextChecked = now.Add(intervalFor(successIntervals, p.SuccessCount))
		return
	}

	p.SuccessCount = 0
	p.FailureCount++
	p.Latency = 0
	if p.FailureCount >= maxFailuresBeforeBlacklist {
		p.State = model.StateBlacklisted
	} else {
		p.State = model.StateGhosted
	}
	p.NextChecked = now.Add(intervalFor(failureIntervals, p.FailureCount))
}

func intervalFor(table []time.Duration, count int) time.Duration {
	idx := count - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(table) {
		idx = len(table) - 1
	}
	return table[idx]
}

// saveProxies 将内存中的代理保存到存储。
func (m *Manager) saveProxies() error {
	if m.storage == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.storage.Save(m.proxies)
}

// AddProxy inserts or replaces a record. The usage ledger of an existing id is kept.
func (m *Manager) AddProxy(rec model.ProxyRecord) error {
	if rec.ID == "" {
		if rec.IP == "" {
			rec.ID = uuid.New().String()
		} else {
			rec.ID = model.ProxyID(rec.IP, rec.Port, rec.Protocol)
		}
	}
	if rec.Category == "" {
		rec.Category = DefaultCategory
	}
	if rec.Category == model.ChoiceDirect {
		return fmt.Errorf("category %q is reserved", model.ChoiceDirect)
	}
	m.mu.Lock()
	m.proxies[rec.ID] = &rec
	m.mu.Unlock()
	return nil
}

// Import adds a list of "ip:port" lines to the pool and validates them in the background.
// The returned WaitGroup-like channel is closed once validation and saving are done.
func (m *Manager) Import(proxyStrings []string, protocol string, category model.Choice) (<-chan struct{}, error) {
	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().Int("count", len(proxyStrings)).Str("protocol", protocol).Msg("Starting manual proxy import.")

	if category == "" {
		category = DefaultCategory
	}
	if category == model.ChoiceDirect {
		return nil, fmt.Errorf("category %q is reserved", model.ChoiceDirect)
	}

	newProxies := make([]model.ProxyRecord, 0)
	now := m.clock()

	m.mu.Lock()
	for _, proxyStr := range proxyStrings {
		trimmedStr := strings.TrimSpace(proxyStr)
		if trimmedStr == "" {
			continue
		}

		parts := strings.Split(trimmedStr, ":")
		if len(parts) != 2 && len(parts) != 4 {
			l.Warn().Str("proxy", trimmedStr).Msg("Invalid proxy format, skipping.")
			continue
		}
		port, err := strconv.Atoi(parts[1])
		if err != nil {
			l.Warn().Str("proxy", trimmedStr).Msg("Invalid port, skipping.")
			continue
		}

		id := model.ProxyID(parts[0], port, protocol)
		if _, exists := m.proxies[id]; exists {
			l.Debug().Str("proxy_id", id).Msg("Proxy already exists, skipping import.")
			continue
		}

		rec := model.ProxyRecord{
			ID:          id,
			IP:          parts[0],
			Port:        port,
			Protocol:    protocol,
			Category:    category,
			Source:      "manual-import",
			State:       model.StateGhosted,
			LastChecked: now,
			NextChecked: now, // Mark as due for immediate checking
		}
		if len(parts) == 4 {
			rec.Username, rec.Password = parts[2], parts[3]
		}
		m.proxies[id] = &rec
		newProxies = append(newProxies, rec)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	if len(newProxies) == 0 {
		l.Info().Msg("No new proxies were added from the import list.")
		close(done)
		return done, nil
	}

	l.Info().Int("count", len(newProxies)).Msg("New proxies added to the pool. Triggering background validation.")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(done)
		m.validateAndApply(newProxies)
		if err := m.saveProxies(); err != nil {
			l.Error().Err(err).Msg("Failed to save proxies after manual import and validation.")
		}
	}()

	return done, nil
}

// GetAllProxies returns a snapshot of all proxies currently in the pool.
func (m *Manager) GetAllProxies() []model.ProxyRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]model.ProxyRecord, 0, len(m.proxies))
	for _, p := range m.proxies {
		all = append(all, *p)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].ID < all[j].ID
	})
	return all
}

// DeleteProxies removes a list of proxies from the pool by their IDs.
// Sessions still referencing a deleted id resolve to "no proxy".
func (m *Manager) DeleteProxies(ids []string) error {
	l := logger.WithComponent("ProxyPool/Manager")

	m.mu.Lock()
	deletedCount := 0
	for _, id := range ids {
		if _, exists := m.proxies[id]; exists {
			delete(m.proxies, id)
			delete(m.ledgers, id)
			deletedCount++
		}
	}
	m.mu.Unlock()

	l.Info().Int("deleted_count", deletedCount).Msg("Deletion complete.")
	return m.saveProxies()
}

func (m *Manager) clock() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now()
}
