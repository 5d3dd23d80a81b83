package netclient

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/proxy"

	"nettasker/proxypool/model"
)

// dialer 负责建立到目标的原始连接：直连、经 HTTP CONNECT 隧道或 SOCKS5，
// 然后按浏览器指纹完成 TLS 握手。
type dialer struct {
	proxy   model.Proxy
	browser Browser
	opts    clientOptions
	base    *net.Dialer
}

func newDialer(p model.Proxy, b Browser, opts clientOptions) *dialer {
	return &dialer{
		proxy:   p,
		browser: b,
		opts:    opts,
		base: &net.Dialer{
			Timeout:   15 * time.Second,
			KeepAlive: 30 * time.Second,
		},
	}
}

// DialContext opens a plain TCP stream to addr, tunnelled through the proxy if any.
func (d *dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if !d.proxy.UsesNetwork() {
		return d.base.DialContext(ctx, network, addr)
	}
	rec := d.proxy.Record()
	switch rec.Protocol {
	case "socks5":
		return d.dialSocks5(ctx, rec, network, addr)
	default:
		return d.dialConnect(ctx, rec, addr)
	}
}

// DialTLSContext performs the uTLS handshake on top of DialContext.
func (d *dialer) DialTLSContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		conn.Close()
		return nil, err
	}

	spec, err := utls.UTLSIdToSpec(d.browser.HelloID())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls fingerprint %q: %w", d.browser.ClientHello, err)
	}
	if d.opts.forceHTTP1 {
		for _, ext := range spec.Extensions {
			if alpn, ok := ext.(*utls.ALPNExtension); ok {
				alpn.AlpnProtocols = []string{"http/1.1"}
			}
		}
	}

	cfg := &utls.Config{
		ServerName:         host,
		InsecureSkipVerify: d.opts.insecureTLS,
	}
	uconn := utls.UClient(conn, cfg, utls.HelloCustom)
	if err := uconn.ApplyPreset(&spec); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply tls preset: %w", err)
	}
	if err := uconn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", addr, err)
	}
	return uconn, nil
}

func (d *dialer) dialSocks5(ctx context.Context, rec model.ProxyRecord, network, addr string) (net.Conn, error) {
	var auth *proxy.Auth
	if rec.Username != "" {
		auth = &proxy.Auth{User: rec.Username, Password: rec.Password}
	}
	socks, err := proxy.SOCKS5("tcp", rec.Addr(), auth, d.base)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	return socks.(proxy.ContextDialer).DialContext(ctx, network, addr)
}

// dialConnect 通过 HTTP 代理的 CONNECT 方法建立隧道。
func (d *dialer) dialConnect(ctx context.Context, rec model.ProxyRecord, addr string) (net.Conn, error) {
	conn, err := d.base.DialContext(ctx, "tcp", rec.Addr())
	if err != nil {
		return nil, fmt.Errorf("dial proxy %s: %w", rec.Addr(), err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if rec.Username != "" {
		token := base64.StdEncoding.EncodeToString([]byte(rec.Username + ":" + rec.Password))
		req.Header.Set("Proxy-Authorization", "Basic "+token)
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write CONNECT: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		conn.Close()
		return nil, fmt.Errorf("proxy %s refused CONNECT: %s", rec.Addr(), resp.Status)
	}
	if br.Buffered() > 0 {
		conn.Close()
		return nil, fmt.Errorf("proxy %s sent unexpected data after CONNECT", rec.Addr())
	}
	return conn, nil
}
