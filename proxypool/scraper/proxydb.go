package scraper

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"nettasker/internal/shared/logger"
	"nettasker/proxypool/model"
)

// ProxydbScraper 实现了 Scraper 接口，用于抓取 proxydb.net 的免费代理。
type ProxydbScraper struct {
	client *http.Client
	opts   Options
}

// NewProxydbScraper 创建一个新的 ProxydbScraper 实例。
func NewProxydbScraper(opts Options) Scraper {
	if len(opts.Pages) == 0 {
		// proxydb.net 的分页是通过 offset 参数控制的，每次递增 15
		for offset := 0; offset <= 30; offset += 15 {
			opts.Pages = append(opts.Pages, fmt.Sprintf("https://proxydb.net/?protocol=http&protocol=https&protocol=socks5&offset=%d", offset))
		}
	}
	return &ProxydbScraper{
		client: &http.Client{
			Timeout: 20 * time.Second,
		},
		opts: opts,
	}
}

// Name 返回抓取器的名称。
func (s *ProxydbScraper) Name() string {
	return "proxydb.net"
}

// Scrape 执行抓取操作。单个页面失败只记录日志。
func (s *ProxydbScraper) Scrape() ([]model.ProxyRecord, error) {
	l := logger.WithComponent("ProxyPool/Scraper")
	l.Info().Str("source", s.Name()).Msg("Starting scrape...")

	var proxies []model.ProxyRecord
	for i, url := range s.opts.Pages {
		if i > 0 && s.opts.Delay > 0 {
			time.Sleep(s.opts.Delay) // 友好抓取
		}
		l.Debug().Str("url", url).Str("source", s.Name()).Msg("Scraping page...")

		doc, err := fetchDocument(s.client, url)
		if err != nil {
			l.Warn().Err(err).Str("url", url).Str("source", s.Name()).Msg("Failed to fetch page.")
			continue
		}

		doc.Find("tbody tr").Each(func(j int, sel *goquery.Selection) {
			cells := sel.Find("td")
			ip := strings.TrimSpace(cells.Eq(0).Find("a").Text())
			portStr := strings.TrimSpace(cells.Eq(1).Find("a").Text())
			if ip == "" || portStr == "" {
				return // Skip if essential data is missing
			}

			port, err := strconv.Atoi(portStr)
			if err != nil {
				l.Warn().Str("ip", ip).Str("port", portStr).Str("source", s.Name()).Msg("Failed to parse port, skipping row.")
				return
			}

			protocol := "http" // "http" 和 "https" 都按 HTTP CONNECT 处理
			if strings.EqualFold(strings.TrimSpace(cells.Eq(2).Text()), "socks5") {
				protocol = "socks5"
			}

			rec := newRecord(ip, port, protocol, s.Name(), s.opts.Category)
			rec.Country = strings.TrimSpace(cells.Eq(3).Text())
			proxies = append(proxies, rec)
		})
	}

	l.Info().Int("count", len(proxies)).Str("source", s.Name()).Msg("Scrape finished.")
	return proxies, nil
}

// fetchDocument 请求一个页面并解析为 goquery 文档。
func fetchDocument(client *http.Client, url string) (*goquery.Document, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", defaultUserAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received non-200 status code (%d)", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	return doc, nil
}
