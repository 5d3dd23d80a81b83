package scraper

import (
	"time"

	"nettasker/proxypool/model"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36"

// Scraper 接口定义了从代理源抓取代理信息的行为。
type Scraper interface {
	// Scrape 执行抓取操作，并返回一个 ProxyRecord 切片。
	// 实现者应只负责抓取和初步解析，不进行验证。
	Scrape() ([]model.ProxyRecord, error)

	// Name 返回抓取器的名称，用于日志记录。
	Name() string
}

// Options 是所有抓取器共享的可选参数。
type Options struct {
	// Pages 覆盖默认抓取的页面地址，主要用于测试或镜像站。
	Pages []string
	// Category 指定抓到的代理归入的 choice，为空时由代理池分配默认分类。
	Category model.Choice
	// Delay 是两次页面请求之间的间隔。
	Delay time.Duration
}

func newRecord(ip string, port int, protocol, source string, category model.Choice) model.ProxyRecord {
	now := time.Now()
	return model.ProxyRecord{
		ID:          model.ProxyID(ip, port, protocol),
		IP:          ip,
		Port:        port,
		Protocol:    protocol,
		Category:    category,
		Source:      source,
		State:       model.StateGhosted,
		LastChecked: now,
		NextChecked: now,
	}
}
