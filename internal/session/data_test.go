package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nettasker/internal/netclient"
	"nettasker/proxypool/model"
)

type fakeResolver map[string]model.ProxyRecord

func (f fakeResolver) Lookup(id string) (model.ProxyRecord, bool) {
	r, ok := f[id]
	return r, ok
}

func TestSessionData_Cookies(t *testing.T) {
	s := NewSessionData(false)
	s.AddOrReplaceCookie(&netclient.Cookie{Name: "a", Value: "1"}).
		AddOrReplaceCookie(&netclient.Cookie{Name: "b", Value: "2"}).
		AddOrReplaceCookie(nil).
		AddOrReplaceCookie(&netclient.Cookie{Name: "A", Value: "3"})

	require.Len(t, s.Cookies, 2)
	c, ok := s.CookieByName("a")
	require.True(t, ok)
	assert.Equal(t, "3", c.Value)

	snap := s.CookieSnapshot()
	snap[0].Value = "changed"
	assert.Equal(t, "2", s.Cookies[0].Value)

	s.ClearCookies()
	assert.Empty(t, s.Cookies)
	assert.NotNil(t, s.Cookies)
}

func TestSessionData_ProxyResolvesThroughPool(t *testing.T) {
	pool := fakeResolver{"p1": {ID: "p1", State: model.StateGhosted}}
	s := NewSessionData(false)

	assert.False(t, s.HasProxy(pool))

	s.SetProxy("p1")
	rec, ok := s.Proxy(pool)
	require.True(t, ok)
	assert.Equal(t, model.StateGhosted, rec.State)

	// 池中的状态变化在下一次读取时可见
	pool["p1"] = model.ProxyRecord{ID: "p1", State: model.StateAvailable}
	rec, _ = s.Proxy(pool)
	assert.Equal(t, model.StateAvailable, rec.State)

	s.SetProxy("deleted")
	assert.False(t, s.HasProxy(pool), "dangling id is no proxy")
	assert.False(t, s.HasProxy(nil))

	s.ClearProxy()
	assert.Empty(t, s.ProxyID)
}

func TestSessionData_ResetBrowserKeepsMobile(t *testing.T) {
	s := NewSessionData(true)
	for i := 0; i < 10; i++ {
		s.ResetBrowser()
		assert.True(t, s.Browser.Mobile)
	}
	d := NewSessionData(false).ResetBrowser()
	assert.False(t, d.Browser.Mobile)
}
