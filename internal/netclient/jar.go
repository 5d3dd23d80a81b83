package netclient

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// CookieJar 是客户端在一次任务执行期间持有的 cookie 存储。
// 与 net/http/cookiejar 不同，它按名称唯一并且可以整体导入导出。
type CookieJar struct {
	mu      sync.Mutex
	cookies []Cookie
}

var _ http.CookieJar = (*CookieJar)(nil)

func NewCookieJar() *CookieJar {
	return &CookieJar{}
}

// ImportCookies adds every cookie with add-or-replace semantics.
func (j *CookieJar) ImportCookies(cookies []Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := range cookies {
		j.cookies = AddOrReplace(j.cookies, &cookies[i])
	}
}

// GetCookies returns a copy of the jar contents in insertion order.
func (j *CookieJar) GetCookies() []Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Cookie, len(j.cookies))
	copy(out, j.cookies)
	return out
}

// Set stores one cookie.
func (j *CookieJar) Set(c Cookie) {
	j.mu.Lock()
	j.cookies = AddOrReplace(j.cookies, &c)
	j.mu.Unlock()
}

// Get looks a cookie up by name.
func (j *CookieJar) Get(name string) (Cookie, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return FindCookie(j.cookies, name)
}

// Clear 清空所有 cookie。
func (j *CookieJar) Clear() {
	j.mu.Lock()
	j.cookies = nil
	j.mu.Unlock()
}

// SetCookies implements http.CookieJar. A cookie with MaxAge < 0 or an expiry in
// the past deletes the stored cookie of the same name.
func (j *CookieJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	host := strings.ToLower(u.Hostname())
	now := time.Now()

	j.mu.Lock()
	defer j.mu.Unlock()
	for _, hc := range cookies {
		if hc == nil || hc.Name == "" {
			continue
		}
		if hc.MaxAge < 0 || (!hc.Expires.IsZero() && hc.Expires.Before(now)) {
			j.cookies = removeCookie(j.cookies, hc.Name)
			continue
		}
		c := fromHTTPCookie(hc, host)
		j.cookies = AddOrReplace(j.cookies, &c)
	}
}

// Cookies implements http.CookieJar.
func (j *CookieJar) Cookies(u *url.URL) []*http.Cookie {
	host := strings.ToLower(u.Hostname())
	path := u.Path
	if path == "" {
		path = "/"
	}
	now := time.Now()

	j.mu.Lock()
	defer j.mu.Unlock()
	var out []*http.Cookie
	for _, c := range j.cookies {
		if c.Expired(now) {
			continue
		}
		if c.Secure && u.Scheme != "https" {
			continue
		}
		if !domainMatch(host, c.Domain) || !pathMatch(path, c.Path) {
			continue
		}
		out = append(out, &http.Cookie{Name: c.Name, Value: c.Value})
	}
	return out
}

// 未设置 domain 的 cookie (例如从会话导入的) 发往任意主机
func domainMatch(host, domain string) bool {
	if domain == "" || host == domain {
		return true
	}
	return strings.HasSuffix(host, "."+domain)
}

func pathMatch(reqPath, cookiePath string) bool {
	if cookiePath == "" || cookiePath == "/" {
		return true
	}
	if !strings.HasPrefix(reqPath, cookiePath) {
		return false
	}
	return len(reqPath) == len(cookiePath) || strings.HasSuffix(cookiePath, "/") || reqPath[len(cookiePath)] == '/'
}
