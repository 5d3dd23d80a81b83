package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nettasker/internal/session"
	"nettasker/internal/shared/settings"
	"nettasker/internal/shared/types"
	manager "nettasker/proxypool"
	"nettasker/proxypool/model"
)

type fakeController struct {
	mu       sync.Mutex
	items    []manager.PoolStatusItem
	imported []string
	category model.Choice
	deleted  []string
	sessions []*session.StorableSession
	err      error
}

func (f *fakeController) PoolSnapshot() []manager.PoolStatusItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]manager.PoolStatusItem(nil), f.items...)
}

func (f *fakeController) ImportProxies(lines []string, protocol string, category model.Choice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.imported = append(f.imported, lines...)
	f.category = category
	return nil
}

func (f *fakeController) DeleteProxies(ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ids...)
	return nil
}

func (f *fakeController) ListSessions() ([]*session.StorableSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions, nil
}

func (f *fakeController) CreateSession(mobile bool, proxyID string) (*session.StorableSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if proxyID == "missing" {
		return nil, errors.New("proxy missing is not in the pool")
	}
	data := session.NewSessionData(mobile)
	data.SetProxy(proxyID)
	s := session.New(data)
	f.sessions = append(f.sessions, s)
	return s, nil
}

func newTestServer(t *testing.T, cfg types.WebConf, ctrl Controller) (*httptest.Server, *Hub, *settings.SettingsManager) {
	t.Helper()
	sm, err := settings.NewSettingsManager(filepath.Join(t.TempDir(), settings.FileName))
	require.NoError(t, err)
	hub := NewHub()
	go hub.Run()
	ts := httptest.NewServer(NewRouter(cfg, sm, ctrl, hub))
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})
	return ts, hub, sm
}

func poolItems() []manager.PoolStatusItem {
	return []manager.PoolStatusItem{
		{Record: model.ProxyRecord{ID: "a", IP: "10.0.0.1", Port: 8080, Protocol: "http", Category: "dc", Password: "secret"}, Active: 2},
		{Record: model.ProxyRecord{ID: "b", IP: "10.0.0.2", Port: 1080, Protocol: "socks5", Category: "dc", State: model.StateGhosted}},
	}
}

func TestStatus_IsPublicAndSummarizes(t *testing.T) {
	ts, _, _ := newTestServer(t, types.WebConf{User: "admin", Password: "pw"}, &fakeController{items: poolItems()})

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sum PoolSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sum))
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 2, sum.Active)
	assert.Equal(t, map[string]int{"AVAILABLE": 1, "GHOSTED": 1}, sum.ByState)
}

func TestBasicAuth(t *testing.T) {
	ts, _, _ := newTestServer(t, types.WebConf{User: "admin", Password: "pw"}, &fakeController{items: poolItems()})

	resp, err := http.Get(ts.URL + "/api/proxies")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Basic")

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/proxies", nil)
	req.SetBasicAuth("admin", "pw")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var views []ProxyView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&views))
	require.Len(t, views, 2)
	assert.Equal(t, "10.0.0.1:8080", views[0].Addr)
	assert.Equal(t, "AVAILABLE", views[0].State)
	assert.Equal(t, "GHOSTED", views[1].State)
}

func TestProxies_NoCredentialsInListing(t *testing.T) {
	ts, _, _ := newTestServer(t, types.WebConf{}, &fakeController{items: poolItems()})

	resp, err := http.Get(ts.URL + "/api/proxies")
	require.NoError(t, err)
	defer resp.Body.Close()
	var raw []map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	require.NotEmpty(t, raw)
	_, hasPassword := raw[0]["password"]
	assert.False(t, hasPassword)
}

func TestProxies_ImportAndDelete(t *testing.T) {
	ctrl := &fakeController{}
	ts, _, _ := newTestServer(t, types.WebConf{}, ctrl)

	resp, err := http.Post(ts.URL+"/api/proxies", "application/json",
		strings.NewReader(`{"lines":["1.2.3.4:80","5.6.7.8:3128"],"category":"dc"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"1.2.3.4:80", "5.6.7.8:3128"}, ctrl.imported)
	assert.Equal(t, model.Choice("dc"), ctrl.category)

	resp, err = http.Post(ts.URL+"/api/proxies", "application/json", strings.NewReader(`{"lines":[]}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/api/proxies/delete", "application/json", strings.NewReader(`{"ids":["a"]}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"a"}, ctrl.deleted)
}

func TestProxies_ImportErrorIsBadRequest(t *testing.T) {
	ts, _, _ := newTestServer(t, types.WebConf{}, &fakeController{err: errors.New(`category "DIRECT" is reserved`)})

	resp, err := http.Post(ts.URL+"/api/proxies", "application/json", strings.NewReader(`{"lines":["1.2.3.4:80"],"category":"DIRECT"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessions_CreateAndList(t *testing.T) {
	ctrl := &fakeController{}
	ts, _, _ := newTestServer(t, types.WebConf{}, ctrl)

	resp, err := http.Post(ts.URL+"/api/sessions", "application/json", strings.NewReader(`{"mobile":true,"proxy_uuid":"a"}`))
	require.NoError(t, err)
	var created SessionView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.True(t, created.Mobile)
	assert.Equal(t, "a", created.ProxyID)
	assert.NotEmpty(t, created.UUID)

	resp, err = http.Post(ts.URL+"/api/sessions", "application/json", strings.NewReader(`{"proxy_uuid":"missing"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	var list []SessionView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, created.UUID, list[0].UUID)
}

func TestSettings_Update(t *testing.T) {
	ts, _, sm := newTestServer(t, types.WebConf{}, &fakeController{})

	resp, err := http.Post(ts.URL+"/api/settings/session", "application/json", strings.NewReader(`{"proxy_policy":"ANY"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, settings.PolicyAny, sm.Policy().ProxyPolicy)

	resp, err = http.Post(ts.URL+"/api/settings/nope", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/api/settings/session", "application/json", strings.NewReader(`{broken`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/settings")
	require.NoError(t, err)
	defer resp.Body.Close()
	var got settings.RuntimeSettings
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.NotNil(t, got.Session)
	assert.Equal(t, settings.PolicyAny, got.Session.ProxyPolicy)
}

func TestWebSocket_Broadcast(t *testing.T) {
	ts, hub, _ := newTestServer(t, types.WebConf{User: "admin", Password: "pw"}, &fakeController{})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Broadcast("pool_status", PoolSummary{Total: 3, ByState: map[string]int{"AVAILABLE": 3}})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type string      `json:"type"`
		Data PoolSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "pool_status", msg.Type)
	assert.Equal(t, 3, msg.Data.Total)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_StartAndClose(t *testing.T) {
	sm, err := settings.NewSettingsManager("")
	require.NoError(t, err)
	srv := NewServer(types.WebConf{Port: 0}, sm, &fakeController{}, NewHub())
	assert.Empty(t, srv.Addr())
	assert.NoError(t, srv.Close())
}
