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

// ProxyListDownloadScraper 实现了 Scraper 接口
type ProxyListDownloadScraper struct {
	client *http.Client
	opts   Options
}

// NewProxyListDownloadScraper 创建一个新的实例
func NewProxyListDownloadScraper(opts Options) Scraper {
	if len(opts.Pages) == 0 {
		opts.Pages = []string{"https://www.proxy-list.download/HTTP"}
	}
	return &ProxyListDownloadScraper{
		client: &http.Client{
			Timeout: 20 * time.Second,
		},
		opts: opts,
	}
}

func (s *ProxyListDownloadScraper) Name() string {
	return "proxy-list.download"
}

func (s *ProxyListDownloadScraper) Scrape() ([]model.ProxyRecord, error) {
	l := logger.WithComponent("ProxyPool/Scraper")
	l.Info().Str("source", s.Name()).Msg("Starting scrape...")

	var proxies []model.ProxyRecord
	var lastErr error
	for _, url := range s.opts.Pages {
		doc, err := fetchDocument(s.client, url)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", s.Name(), err)
			continue
		}

		doc.Find("table#example1 tbody#tabli tr").Each(func(j int, sel *goquery.Selection) {
			ip := strings.TrimSpace(sel.Find("td").Eq(0).Text())
			portStr := strings.TrimSpace(sel.Find("td").Eq(1).Text())
			if ip == "" || portStr == "" {
				return
			}

			port, err := strconv.Atoi(portStr)
			if err != nil {
				l.Warn().Str("ip", ip).Str("port", portStr).Msg("Failed to parse port, skipping.")
				return
			}

			// This source is for HTTP proxies
			rec := newRecord(ip, port, "http", s.Name(), s.opts.Category)
			rec.Country = strings.TrimSpace(sel.Find("td").Eq(3).Text())
			proxies = append(proxies, rec)
		})
	}

	if len(proxies) == 0 && lastErr != nil {
		return nil, lastErr
	}

	l.Info().Int("count", len(proxies)).Str("source", s.Name()).Msg("Scrape finished.")
	return proxies, nil
}
