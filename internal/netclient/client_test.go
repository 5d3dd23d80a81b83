package netclient

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nettasker/proxypool/model"
)

func TestNew_RejectsInvalidProxies(t *testing.T) {
	_, err := New(NewBrowser(false), model.Invalid())
	assert.ErrorIs(t, err, ErrInvalidProxy)

	_, err = New(NewBrowser(false), model.Real(model.ProxyRecord{ID: "x", Protocol: "http"}))
	assert.ErrorIs(t, err, ErrInvalidProxy)

	_, err = New(NewBrowser(false), model.Real(model.ProxyRecord{ID: "x", IP: "1.1.1.1", Port: 1, Protocol: "quic"}))
	assert.ErrorIs(t, err, ErrInvalidProxy)

	c, err := New(Browser{}, model.Direct())
	require.NoError(t, err)
	assert.False(t, c.Browser().IsZero(), "zero browser is replaced by a generated one")
	assert.NotEmpty(t, c.ID())
}

func TestClient_DirectCookiesAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			http.SetCookie(w, &http.Cookie{Name: "token", Value: "t1", Path: "/"})
		case "/echo":
			c, err := r.Cookie("token")
			if err != nil {
				http.Error(w, "no token", http.StatusUnauthorized)
				return
			}
			io.WriteString(w, c.Value+"|"+r.Header.Get("User-Agent")+"|"+r.Header.Get("X-Test"))
		}
	}))
	defer srv.Close()

	b := NewBrowser(true)
	c, err := New(b, model.Direct(), WithHeader("X-Test", "yes"), WithTimeout(5*time.Second))
	require.NoError(t, err)
	defer c.Close()

	c.CookieJar().ImportCookies([]Cookie{{Name: "seed", Value: "1"}})

	resp, err := c.Get(context.Background(), srv.URL+"/login")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = c.Get(context.Background(), srv.URL+"/echo")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "t1|"+b.UserAgent+"|yes", string(body))

	names := []string{}
	for _, ck := range c.CookieJar().GetCookies() {
		names = append(names, ck.Name)
	}
	assert.Equal(t, []string{"seed", "token"}, names)
}

func TestClient_WithoutRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			http.Redirect(w, r, "/next", http.StatusFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(NewBrowser(false), model.Direct(), WithoutRedirects())
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.Get(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
}

func TestClient_ThroughHTTPProxy(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	defer target.Close()

	var connects atomic.Int32
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodConnect {
			http.Error(w, "connect only", http.StatusMethodNotAllowed)
			return
		}
		connects.Add(1)
		upstream, err := net.Dial("tcp", r.Host)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			upstream.Close()
			return
		}
		io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n")
		go func() {
			defer upstream.Close()
			defer conn.Close()
			io.Copy(upstream, conn)
		}()
		io.Copy(conn, upstream)
	}))
	defer proxySrv.Close()

	pu, _ := url.Parse(proxySrv.URL)
	port, _ := strconv.Atoi(pu.Port())
	rec := model.ProxyRecord{ID: "p", IP: pu.Hostname(), Port: port, Protocol: "http"}

	c, err := New(NewBrowser(false), model.Real(rec))
	require.NoError(t, err)

	resp, err := c.Get(context.Background(), target.URL)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, int32(1), connects.Load())
	assert.Equal(t, "p", c.Proxy().Record().ID)

	require.NoError(t, c.Close())
}

func TestClient_ProxyRefusesConnect(t *testing.T) {
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusProxyAuthRequired)
	}))
	defer proxySrv.Close()

	pu, _ := url.Parse(proxySrv.URL)
	port, _ := strconv.Atoi(pu.Port())
	c, err := New(NewBrowser(false), model.Real(model.ProxyRecord{ID: "p", IP: pu.Hostname(), Port: port, Protocol: "http"}))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Get(context.Background(), "http://127.0.0.1:1/")
	assert.Error(t, err)
}

func TestClient_TLSFingerprintHandshake(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.Proto)
	}))
	defer srv.Close()

	b := Browser{Name: "chrome", UserAgent: "test-agent", ClientHello: "chrome"}
	c, err := New(b, model.Direct(), WithInsecureTLS())
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "HTTP/1.1", string(body))
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	c, err := New(NewBrowser(false), model.Direct())
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, c.Closed())

	_, err = c.Get(context.Background(), "http://127.0.0.1:1/")
	assert.ErrorIs(t, err, ErrClosed)
}
