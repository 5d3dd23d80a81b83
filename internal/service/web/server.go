package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"nettasker/internal/shared/logger"
	"nettasker/internal/shared/settings"
	"nettasker/internal/shared/types"
)

// basicAuthMiddleware 检查 user 和 password 是否已配置。
// 如果配置了，它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	// 如果用户名或密码未设置，则不启用认证，直接返回原始处理器
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		// 认证成功，继续处理请求
		next.ServeHTTP(w, r)
	})
}

// Server 是管理接口的 HTTP 服务。
type Server struct {
	cfg      types.WebConf
	hub      *Hub
	srv      *http.Server
	listener net.Listener
}

// NewServer wires the admin routes. The listener is opened by Start.
func NewServer(cfg types.WebConf, settingsManager *settings.SettingsManager, controller Controller, hub *Hub) *Server {
	return &Server{
		cfg: cfg,
		hub: hub,
		srv: &http.Server{
			Handler:           NewRouter(cfg, settingsManager, controller, hub),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// NewRouter builds the mux. Everything except /api/status and /ws sits behind basic auth.
func NewRouter(cfg types.WebConf, settingsManager *settings.SettingsManager, controller Controller, hub *Hub) http.Handler {
	handler := NewHandler(settingsManager, controller)
	mux := http.NewServeMux()

	webUser := cfg.User
	webPassword := cfg.Password

	// 统一配置管理 API
	mux.Handle("/api/settings", basicAuthMiddleware(http.HandlerFunc(handler.HandleGetSettings), webUser, webPassword))
	mux.Handle("/api/settings/", basicAuthMiddleware(http.HandlerFunc(handler.HandleUpdateSettings), webUser, webPassword)) // 捕获 /api/settings/{module}

	// 代理池和会话
	mux.Handle("/api/proxies", basicAuthMiddleware(http.HandlerFunc(handler.HandleProxies), webUser, webPassword))
	mux.Handle("/api/proxies/delete", basicAuthMiddleware(http.HandlerFunc(handler.HandleDeleteProxies), webUser, webPassword))
	mux.Handle("/api/sessions", basicAuthMiddleware(http.HandlerFunc(handler.HandleSessions), webUser, webPassword))

	// --- WebSocket Endpoint (公开，无需认证) ---
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	})

	// 公开的状态 API
	mux.HandleFunc("/api/status", handler.HandleStatus)
	return mux
}

// Start opens the listener and serves in the background. wg is released when serving stops.
func (s *Server) Start(wg *sync.WaitGroup) error {
	addr := fmt.Sprintf("0.0.0.0:%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start admin API on %s: %w", addr, err)
	}
	s.listener = listener

	l := logger.WithComponent("Web/Server")
	l.Info().Str("addr", listener.Addr().String()).Msg("Admin API is listening.")

	wg.Add(2)
	go func() {
		defer wg.Done()
		s.hub.Run()
	}()
	go func() {
		defer wg.Done()
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error().Err(err).Msg("Web server error.")
		}
		l.Info().Msg("Web server stopped.")
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close shuts the HTTP server down and disconnects websocket clients.
func (s *Server) Close() error {
	s.hub.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
