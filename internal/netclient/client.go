package netclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"nettasker/proxypool/model"
)

var (
	// ErrInvalidProxy is returned when a client is requested for the INVALID marker
	// or for a record that has no usable endpoint.
	ErrInvalidProxy = errors.New("invalid proxy")
	// ErrClosed is returned by requests issued after Close.
	ErrClosed = errors.New("client closed")
)

// Client 是一次任务执行绑定的网络客户端：浏览器指纹 + 代理 + cookie jar。
type Client struct {
	id        string
	browser   Browser
	proxy     model.Proxy
	jar       *CookieJar
	opts      clientOptions
	transport *http.Transport
	http      *http.Client
	closed    atomic.Bool
}

// New builds a client. DIRECT connects without a proxy; Real and Debug route through it.
func New(browser Browser, p model.Proxy, policies ...ConnectionPolicy) (*Client, error) {
	if p.IsInvalid() {
		return nil, ErrInvalidProxy
	}
	if p.UsesNetwork() {
		rec := p.Record()
		if rec.IP == "" || rec.Port <= 0 || rec.Port > 65535 {
			return nil, fmt.Errorf("%w: %s has no usable endpoint", ErrInvalidProxy, p)
		}
		switch rec.Protocol {
		case "", "http", "https", "socks5":
		default:
			return nil, fmt.Errorf("%w: unsupported protocol %q", ErrInvalidProxy, rec.Protocol)
		}
	}
	if browser.IsZero() {
		browser = NewBrowser(false)
	}

	opts := defaultOptions()
	for _, apply := range policies {
		if apply != nil {
			apply(&opts)
		}
	}

	d := newDialer(p, browser, opts)
	transport := &http.Transport{
		DialContext:           d.DialContext,
		DialTLSContext:        d.DialTLSContext,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     false,
	}

	c := &Client{
		id:        uuid.NewString(),
		browser:   browser,
		proxy:     p,
		jar:       NewCookieJar(),
		opts:      opts,
		transport: transport,
	}
	c.http = &http.Client{
		Transport: transport,
		Jar:       c.jar,
		Timeout:   opts.timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if !opts.followRedirects {
				return http.ErrUseLastResponse
			}
			if len(via) >= opts.maxRedirects {
				return fmt.Errorf("stopped after %d redirects", opts.maxRedirects)
			}
			return nil
		},
	}
	return c, nil
}

func (c *Client) ID() string            { return c.id }
func (c *Client) Browser() Browser      { return c.browser }
func (c *Client) Proxy() model.Proxy    { return c.proxy }
func (c *Client) CookieJar() *CookieJar { return c.jar }

// Do sends the request with the fingerprint headers filled in where the caller left them empty.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.browser.UserAgent)
	}
	if req.Header.Get("Accept-Language") == "" && c.browser.AcceptLanguage != "" {
		req.Header.Set("Accept-Language", c.browser.AcceptLanguage)
	}
	for k, v := range c.opts.headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
	return c.http.Do(req)
}

// Get is a convenience wrapper around Do.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Close 释放空闲连接。可重复调用。
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.transport.CloseIdleConnections()
	return nil
}

// Closed reports whether Close has been called.
func (c *Client) Closed() bool {
	return c.closed.Load()
}
