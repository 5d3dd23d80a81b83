package session

import (
	"nettasker/internal/netclient"
	"nettasker/proxypool/model"
)

// ProxyResolver 通过 ID 解析代理记录，代理池实现了该接口。
type ProxyResolver interface {
	Lookup(id string) (model.ProxyRecord, bool)
}

// SessionData 是会话的持久化内容：浏览器指纹、cookie 集合与可选的代理绑定。
// 代理只以 ID 保存，每次读取都通过代理池解析，避免持有过期的健康状态。
type SessionData struct {
	Browser netclient.Browser  `json:"browser"`
	Cookies []netclient.Cookie `json:"cookies"`
	ProxyID string             `json:"proxy_uuid,omitempty"`
}

// NewSessionData creates an empty session with a fresh fingerprint.
func NewSessionData(mobile bool) *SessionData {
	return NewSessionDataWithBrowser(netclient.NewBrowser(mobile))
}

func NewSessionDataWithBrowser(b netclient.Browser) *SessionData {
	return &SessionData{Browser: b, Cookies: []netclient.Cookie{}}
}

// ResetBrowser 重新生成指纹，保留移动端标记。
func (s *SessionData) ResetBrowser() *SessionData {
	s.Browser = netclient.NewBrowser(s.Browser.Mobile)
	return s
}

// ClearCookies 清空 cookie。
func (s *SessionData) ClearCookies() *SessionData {
	s.Cookies = []netclient.Cookie{}
	return s
}

// AddOrReplaceCookie keeps at most one cookie per name; the latest value wins.
// A nil cookie is ignored.
func (s *SessionData) AddOrReplaceCookie(c *netclient.Cookie) *SessionData {
	s.Cookies = netclient.AddOrReplace(s.Cookies, c)
	return s
}

// CookieByName is case-insensitive.
func (s *SessionData) CookieByName(name string) (netclient.Cookie, bool) {
	return netclient.FindCookie(s.Cookies, name)
}

// CookieSnapshot returns a copy safe to hand to a client jar.
func (s *SessionData) CookieSnapshot() []netclient.Cookie {
	out := make([]netclient.Cookie, len(s.Cookies))
	copy(out, s.Cookies)
	return out
}

// SetProxy binds the session to a pool record by id.
func (s *SessionData) SetProxy(id string) *SessionData {
	s.ProxyID = id
	return s
}

// ClearProxy 解除代理绑定。
func (s *SessionData) ClearProxy() *SessionData {
	s.ProxyID = ""
	return s
}

// Proxy resolves the binding. A dangling id is reported as "no proxy".
func (s *SessionData) Proxy(r ProxyResolver) (model.ProxyRecord, bool) {
	if s.ProxyID == "" || r == nil {
		return model.ProxyRecord{}, false
	}
	return r.Lookup(s.ProxyID)
}

// HasProxy is true only when the binding resolves to a live record.
func (s *SessionData) HasProxy(r ProxyResolver) bool {
	_, ok := s.Proxy(r)
	return ok
}
