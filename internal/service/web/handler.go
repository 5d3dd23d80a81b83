package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"nettasker/internal/session"
	"nettasker/internal/shared/logger"
	"nettasker/internal/shared/settings"
	manager "nettasker/proxypool"
	"nettasker/proxypool/model"
)

// Controller 是管理接口访问应用的方式，使 web 包不依赖 app 包。
type Controller interface {
	PoolSnapshot() []manager.PoolStatusItem
	ImportProxies(lines []string, protocol string, category model.Choice) error
	DeleteProxies(ids []string) error
	ListSessions() ([]*session.StorableSession, error)
	CreateSession(mobile bool, proxyID string) (*session.StorableSession, error)
}

type Handler struct {
	settingsManager *settings.SettingsManager
	controller      Controller
}

func NewHandler(settingsManager *settings.SettingsManager, controller Controller) *Handler {
	return &Handler{
		settingsManager: settingsManager,
		controller:      controller,
	}
}

// ProxyView 是 /api/proxies 返回的单条代理。凭据不会返回。
type ProxyView struct {
	ID             string       `json:"id"`
	Addr           string       `json:"addr"`
	Protocol       string       `json:"protocol"`
	Category       model.Choice `json:"category"`
	State          string       `json:"state"`
	Active         int          `json:"active"`
	MaxConnections int          `json:"max_connections"`
	LatencyMs      int64        `json:"latency_ms"`
	FailureCount   int          `json:"failure_count"`
	Source         string       `json:"source,omitempty"`
}

// SessionView 是 /api/sessions 返回的单个会话摘要。
type SessionView struct {
	UUID      string `json:"uuid"`
	Mobile    bool   `json:"mobile"`
	Browser   string `json:"browser"`
	ProxyID   string `json:"proxy_uuid,omitempty"`
	CookieCnt int    `json:"cookies"`
}

func proxyViews(items []manager.PoolStatusItem) []ProxyView {
	out := make([]ProxyView, 0, len(items))
	for _, it := range items {
		out = append(out, ProxyView{
			ID:             it.Record.ID,
			Addr:           it.Record.Addr(),
			Protocol:       it.Record.Protocol,
			Category:       it.Record.Category,
			State:          it.Record.State.String(),
			Active:         it.Active,
			MaxConnections: it.Record.MaxConnections,
			LatencyMs:      it.Record.Latency.Milliseconds(),
			FailureCount:   it.Record.FailureCount,
			Source:         it.Record.Source,
		})
	}
	return out
}

func sessionView(s *session.StorableSession) SessionView {
	v := SessionView{UUID: s.UUID}
	if s.Data != nil {
		v.Mobile = s.Data.Browser.Mobile
		v.Browser = s.Data.Browser.Name
		v.ProxyID = s.Data.ProxyID
		v.CookieCnt = len(s.Data.Cookies)
	}
	return v
}

// PoolSummary 是 /api/status 和 websocket "pool_status" 消息的内容。
type PoolSummary struct {
	Total   int            `json:"total"`
	Active  int            `json:"active"`
	ByState map[string]int `json:"by_state"`
}

// Summarize counts records per state and the slots in use.
func Summarize(items []manager.PoolStatusItem) PoolSummary {
	sum := PoolSummary{Total: len(items), ByState: make(map[string]int)}
	for _, it := range items {
		sum.ByState[it.Record.State.String()]++
		sum.Active += it.Active
	}
	return sum
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		l := logger.WithComponent("Web/Handler")
		l.Warn().Err(err).Msg("Failed to write response.")
	}
}

// HandleStatus 处理 GET /api/status 请求
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, Summarize(h.controller.PoolSnapshot()))
}

// HandleGetSettings 处理 GET /api/settings 请求
func (h *Handler) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.settingsManager.Get())
}

// HandleUpdateSettings 处理 POST /api/settings/{module} 请求
func (h *Handler) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	moduleKey := strings.TrimPrefix(r.URL.Path, "/api/settings/")
	if moduleKey == "" {
		http.Error(w, "Module key is missing in URL path", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusInternalServerError)
		return
	}

	if err := h.settingsManager.Update(moduleKey, body); err != nil {
		switch {
		case errors.Is(err, settings.ErrUnknownModule):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, settings.ErrInvalidSettings):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Settings updated successfully"})
}

type importRequest struct {
	Lines    []string     `json:"lines"`
	Protocol string       `json:"protocol"`
	Category model.Choice `json:"category"`
}

type deleteRequest struct {
	IDs []string `json:"ids"`
}

// HandleProxies 处理 GET /api/proxies (列表) 和 POST /api/proxies (导入)。
func (h *Handler) HandleProxies(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, proxyViews(h.controller.PoolSnapshot()))
	case http.MethodPost:
		var req importRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON body", http.StatusBadRequest)
			return
		}
		if len(req.Lines) == 0 {
			http.Error(w, "No proxies to import", http.StatusBadRequest)
			return
		}
		if req.Protocol == "" {
			req.Protocol = "http"
		}
		if err := h.controller.ImportProxies(req.Lines, req.Protocol, req.Category); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"message": "Import started", "count": len(req.Lines)})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleDeleteProxies 处理 POST /api/proxies/delete 请求
func (h *Handler) HandleDeleteProxies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req deleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.IDs) == 0 {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := h.controller.DeleteProxies(req.IDs); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": len(req.IDs)})
}

type createSessionRequest struct {
	Mobile  bool   `json:"mobile"`
	ProxyID string `json:"proxy_uuid"`
}

// HandleSessions 处理 GET /api/sessions (列表) 和 POST /api/sessions (新建)。
func (h *Handler) HandleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sessions, err := h.controller.ListSessions()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		views := make([]SessionView, 0, len(sessions))
		for _, s := range sessions {
			views = append(views, sessionView(s))
		}
		writeJSON(w, http.StatusOK, views)
	case http.MethodPost:
		var req createSessionRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "Invalid JSON body", http.StatusBadRequest)
				return
			}
		}
		s, err := h.controller.CreateSession(req.Mobile, req.ProxyID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusCreated, sessionView(s))
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}
