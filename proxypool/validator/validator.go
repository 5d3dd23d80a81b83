package validator

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
	"golang.org/x/sync/errgroup"

	"nettasker/internal/shared/logger"
	"nettasker/proxypool/model"
)

const defaultValidationTarget = "www.google.com:443" // Use a target that requires TLS

// Result 是单个代理一次验证的结果。Validator 不修改代理记录，由代理池按 ID 回写。
type Result struct {
	ID       string
	OK       bool
	Protocol string // 实际验证通过的协议
	Latency  time.Duration
	Err      error
}

type Validator struct {
	timeout     time.Duration
	concurrency int
	target      string
}

// NewValidator 创建验证器。target 为 "host:port"，为空时使用默认目标。
func NewValidator(timeout time.Duration, concurrency int, target string) *Validator {
	if concurrency <= 0 {
		concurrency = 5
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if target == "" {
		target = defaultValidationTarget
	}
	return &Validator{
		timeout:     timeout,
		concurrency: concurrency,
		target:      target,
	}
}

// Validate 并发验证一批代理，返回与输入顺序一致的结果。
func (v *Validator) Validate(proxies []model.ProxyRecord) []Result {
	l := logger.WithComponent("ProxyPool/Validator")
	results := make([]Result, len(proxies))
	if len(proxies) == 0 {
		return results
	}

	l.Info().Int("count", len(proxies)).Int("concurrency", v.concurrency).Msg("Starting validation batch...")

	var g errgroup.Group
	g.SetLimit(v.concurrency)
	for i := range proxies {
		i := i
		g.Go(func() error {
			results[i] = v.validateSingleProxy(proxies[i])
			return nil
		})
	}
	_ = g.Wait()

	ok := 0
	for _, r := range results {
		if r.OK {
			ok++
		}
	}
	l.Info().Int("ok", ok).Int("failed", len(results)-ok).Msg("Validation batch finished.")
	return results
}

// validateSingleProxy acts as a dispatcher based on the declared protocol.
func (v *Validator) validateSingleProxy(p model.ProxyRecord) Result {
	startTime := time.Now()
	res := Result{ID: p.ID}

	var err error
	switch p.Protocol {
	case "socks5":
		err = v.checkSocks5Connect(p)
		res.Protocol = "socks5"
	default: // Default to checking for HTTP CONNECT support
		err = v.checkHttpConnect(p)
		res.Protocol = "http"
	}

	if err != nil {
		res.Err = err
		res.Protocol = ""
		l := logger.WithComponent("ProxyPool/Validator")
		l.Debug().Err(err).Str("proxy_id", p.ID).Msg("Proxy failed validation.")
		return res
	}
	res.OK = true
	res.Latency = time.Since(startTime)
	return res
}

// checkHttpConnect validates a proxy by sending a HEAD request through an HTTP CONNECT tunnel.
func (v *Validator) checkHttpConnect(p model.ProxyRecord) error {
	proxyURL, err := url.Parse(p.URL())
	if err != nil {
		return fmt.Errorf("invalid HTTP proxy URL: %w", err)
	}

	dialer := &net.Dialer{
		Timeout:   v.timeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyURL(proxyURL),
		DialContext:           dialer.DialContext,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
		IdleConnTimeout:       v.timeout,
		TLSHandshakeTimeout:   v.timeout / 2,
		ExpectContinueTimeout: 1 * time.Second,
		DisableKeepAlives:     true,
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Transport: transport,
		Timeout:   v.timeout,
	}

	req, err := http.NewRequest(http.MethodHead, "https://"+v.target, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return fmt.Errorf("received non-successful status code: %d", resp.StatusCode)
	}

	return nil
}

// checkSocks5Connect validates a proxy by attempting a SOCKS5 connection.
func (v *Validator) checkSocks5Connect(p model.ProxyRecord) error {
	var auth *proxy.Auth
	if p.Username != "" {
		auth = &proxy.Auth{User: p.Username, Password: p.Password}
	}
	dialer, err := proxy.SOCKS5("tcp", p.Addr(), auth, &net.Dialer{Timeout: v.timeout})
	if err != nil {
		return fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), v.timeout)
	defer cancel()

	conn, err := dialer.(proxy.ContextDialer).DialContext(ctx, "tcp", v.target)
	if err != nil {
		return err
	}
	conn.Close()
	return nil
}
