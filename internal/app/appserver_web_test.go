package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nettasker/internal/service/web"
	"nettasker/internal/tasker"
	"nettasker/proxypool/model"
)

func TestStartWeb_DisabledWithoutPort(t *testing.T) {
	s := newTestServer(t)
	s.cfg.WebConf.Port = 0

	require.NoError(t, s.StartWeb())
	assert.Empty(t, s.WebAddr())
}

func TestAdminAPI_ServesPoolAndSessions(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.Pool().AddProxy(model.ProxyRecord{ID: "p1", IP: "10.0.0.1", Port: 80, Protocol: "http", Category: "dc", State: model.StateAvailable}))

	ts := httptest.NewServer(web.NewRouter(s.cfg.WebConf, s.Settings(), s, s.hub))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/proxies")
	require.NoError(t, err)
	var proxies []web.ProxyView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&proxies))
	resp.Body.Close()
	require.Len(t, proxies, 1)
	assert.Equal(t, "p1", proxies[0].ID)

	resp, err = http.Post(ts.URL+"/api/sessions", "application/json", strings.NewReader(`{"proxy_uuid":"p1"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	stored, err := s.ListSessions()
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "p1", stored[0].Data.ProxyID)

	resp, err = http.Post(ts.URL+"/api/proxies/delete", "application/json", strings.NewReader(`{"ids":["p1"]}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, s.PoolSnapshot())
}

func TestTaskResultViews(t *testing.T) {
	views := taskResultViews([]tasker.Result{
		{Task: "a", Outcome: tasker.OutcomeSuccess, Attempts: 1},
		{Task: "b", Outcome: tasker.OutcomeCancelled, Attempts: 1, FailedStep: tasker.BuildStepName, Err: errors.New("boom")},
	})
	require.Len(t, views, 2)
	assert.Equal(t, "success", views[0].Outcome)
	assert.Empty(t, views[0].Error)
	assert.Equal(t, "cancelled", views[1].Outcome)
	assert.Equal(t, tasker.BuildStepName, views[1].FailedStep)
	assert.Equal(t, "boom", views[1].Error)
}
