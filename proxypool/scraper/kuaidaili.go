package scraper

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"nettasker/internal/shared/logger"
	"nettasker/proxypool/model"
)

var fpsListRe = regexp.MustCompile(`(var|let|const)\s+fpsList\s*=\s*(\[.*?\]);`)

// KuaidailiScraper 实现了 Scraper 接口，用于抓取 www.kuaidaili.com 的免费代理。
type KuaidailiScraper struct {
	opts Options
}

// tempKuaidailiProxy 定义了用于解析 JS 变量中 JSON 的临时结构体。
type tempKuaidailiProxy struct {
	IP   string `json:"ip"`
	Port string `json:"port"`
}

// NewKuaidailiScraper 创建一个新的 KuaidailiScraper 实例。
func NewKuaidailiScraper(opts Options) Scraper {
	if len(opts.Pages) == 0 {
		for i := 1; i <= 2; i++ {
			opts.Pages = append(opts.Pages,
				fmt.Sprintf("https://www.kuaidaili.com/free/intr/%d/", i),
				fmt.Sprintf("https://www.kuaidaili.com/free/inha/%d/", i),
			)
		}
	}
	return &KuaidailiScraper{opts: opts}
}

// Name 返回抓取器的名称。
func (s *KuaidailiScraper) Name() string {
	return "kuaidaili.com"
}

// Scrape 执行抓取操作。每次抓取使用新的 collector，回调不会在多次调用间累积。
func (s *KuaidailiScraper) Scrape() ([]model.ProxyRecord, error) {
	l := logger.WithComponent("ProxyPool/Scraper")
	l.Info().Str("source", s.Name()).Msg("Starting scrape...")

	c := colly.NewCollector(
		colly.UserAgent(defaultUserAgent),
		colly.AllowURLRevisit(),
	)
	c.SetRequestTimeout(20 * time.Second)

	var (
		proxies   []model.ProxyRecord
		scrapeErr error
		mu        sync.Mutex
	)

	c.OnResponse(func(r *colly.Response) {
		matches := fpsListRe.FindSubmatch(r.Body)
		if len(matches) < 3 {
			l.Warn().Str("url", r.Request.URL.String()).Msg("Could not find fpsList variable in response body.")
			return
		}

		var tempList []tempKuaidailiProxy
		if err := json.Unmarshal(matches[2], &tempList); err != nil {
			l.Warn().Err(err).Str("url", r.Request.URL.String()).Msg("Failed to unmarshal fpsList JSON.")
			mu.Lock()
			scrapeErr = err
			mu.Unlock()
			return
		}

		mu.Lock()
		defer mu.Unlock()
		for _, p := range tempList {
			ip := strings.TrimSpace(p.IP)
			portStr := strings.TrimSpace(p.Port)
			port, err := strconv.Atoi(portStr)
			if err != nil {
				l.Warn().Str("ip", ip).Str("port", portStr).Str("source", s.Name()).Msg("Failed to parse port, skipping.")
				continue
			}
			// This site is HTTP only
			proxies = append(proxies, newRecord(ip, port, "http", s.Name(), s.opts.Category))
		}
	})

	c.OnError(func(r *colly.Response, err error) {
		l.Error().Err(err).Int("status_code", r.StatusCode).Str("url", r.Request.URL.String()).Msg("Scrape request failed.")
		mu.Lock()
		scrapeErr = err
		mu.Unlock()
	})

	for i, url := range s.opts.Pages {
		if i > 0 && s.opts.Delay > 0 {
			time.Sleep(s.opts.Delay) // 避免对目标服务器造成过大压力
		}
		l.Debug().Str("url", url).Msg("Visiting page...")
		if err := c.Visit(url); err != nil {
			l.Warn().Err(err).Str("url", url).Msg("Visit failed.")
		}
	}
	c.Wait()

	// 部分页面失败时仍返回已抓到的代理
	if scrapeErr != nil && len(proxies) == 0 {
		return nil, scrapeErr
	}

	l.Info().Int("count", len(proxies)).Str("source", s.Name()).Msg("Scrape finished.")
	return proxies, nil
}
