package netclient

import (
	"net/http"
	"strings"
	"time"
)

// Cookie 是会话与客户端之间交换的 cookie。名称不区分大小写且唯一。
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain,omitempty"`
	Path     string    `json:"path,omitempty"`
	Expires  time.Time `json:"expires"`
	Secure   bool      `json:"secure,omitempty"`
	HttpOnly bool      `json:"http_only,omitempty"`
}

// Expired reports whether the cookie has an expiry in the past.
func (c Cookie) Expired(now time.Time) bool {
	return !c.Expires.IsZero() && c.Expires.Before(now)
}

// AddOrReplace 把 c 放到列表末尾，先移除同名 (不区分大小写) 的旧 cookie。c 为 nil 时原样返回。
func AddOrReplace(cookies []Cookie, c *Cookie) []Cookie {
	if c == nil {
		return cookies
	}
	out := cookies[:0:0]
	for _, existing := range cookies {
		if !strings.EqualFold(existing.Name, c.Name) {
			out = append(out, existing)
		}
	}
	return append(out, *c)
}

// FindCookie returns the cookie with the given name, case-insensitive.
func FindCookie(cookies []Cookie, name string) (Cookie, bool) {
	for _, c := range cookies {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Cookie{}, false
}

func removeCookie(cookies []Cookie, name string) []Cookie {
	out := cookies[:0:0]
	for _, c := range cookies {
		if !strings.EqualFold(c.Name, name) {
			out = append(out, c)
		}
	}
	return out
}

func fromHTTPCookie(hc *http.Cookie, host string) Cookie {
	c := Cookie{
		Name:     hc.Name,
		Value:    hc.Value,
		Domain:   strings.TrimPrefix(strings.ToLower(hc.Domain), "."),
		Path:     hc.Path,
		Expires:  hc.Expires,
		Secure:   hc.Secure,
		HttpOnly: hc.HttpOnly,
	}
	if c.Domain == "" {
		c.Domain = host
	}
	if hc.MaxAge > 0 {
		c.Expires = time.Now().Add(time.Duration(hc.MaxAge) * time.Second)
	}
	return c
}

func (c Cookie) toHTTPCookie() *http.Cookie {
	return &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Expires:  c.Expires,
		Secure:   c.Secure,
		HttpOnly: c.HttpOnly,
	}
}
