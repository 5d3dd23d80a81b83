package netclient

import "time"

type clientOptions struct {
	timeout         time.Duration
	followRedirects bool
	maxRedirects    int
	insecureTLS     bool
	headers         map[string]string
	forceHTTP1      bool
}

func defaultOptions() clientOptions {
	return clientOptions{
		timeout:         30 * time.Second,
		followRedirects: true,
		maxRedirects:    10,
		forceHTTP1:      true,
		headers:         make(map[string]string),
	}
}

// ConnectionPolicy 调整客户端的连接行为，由任务按需提供。
type ConnectionPolicy func(*clientOptions)

// WithTimeout sets the overall per-request timeout.
func WithTimeout(d time.Duration) ConnectionPolicy {
	return func(o *clientOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithoutRedirects makes the client return 3xx responses as-is.
func WithoutRedirects() ConnectionPolicy {
	return func(o *clientOptions) { o.followRedirects = false }
}

// WithMaxRedirects caps redirect chains.
func WithMaxRedirects(n int) ConnectionPolicy {
	return func(o *clientOptions) { o.maxRedirects = n }
}

// WithInsecureTLS 跳过证书校验，调试代理 (如 Fiddler) 会用自签证书做中间人。
func WithInsecureTLS() ConnectionPolicy {
	return func(o *clientOptions) { o.insecureTLS = true }
}

// WithHeader adds a default request header.
func WithHeader(key, value string) ConnectionPolicy {
	return func(o *clientOptions) { o.headers[key] = value }
}
