// Package ws is the WebSocket transport in front of the hub.
package ws

import (
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tracksnap/parcelhub/config"
	"github.com/tracksnap/parcelhub/internal/hub"
)

// Server upgrades HTTP requests to WebSocket connections and registers them
// with the hub.
type Server struct {
	hub      *hub.Hub
	cfg      config.WebSocketConfig
	origins  []string
	upgrader websocket.Upgrader
	logger   *slog.Logger

	active atomic.Int64
}

func NewServer(h *hub.Hub, cfg config.WebSocketConfig, allowedOrigins []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		hub:     h,
		cfg:     cfg,
		origins: allowedOrigins,
		logger:  logger.With("component", "ws"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Active returns the number of open sockets.
func (s *Server) Active() int {
	return int(s.active.Load())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := s.active.Add(1)
	if s.cfg.MaxConnections > 0 && n > int64(s.cfg.MaxConnections) {
		s.active.Add(-1)
		s.logger.Warn("max connections reached, rejecting", "max", s.cfg.MaxConnections, "remote", r.RemoteAddr)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.active.Add(-1)
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	c := NewConnection(conn, s.hub, uuid.NewString(), s.cfg, s.logger)
	s.logger.Debug("upgraded", "conn", c.ID(), "remote", r.RemoteAddr)

	s.hub.OnConnect(c)
	go c.WritePump()
	go func() {
		defer s.active.Add(-1)
		c.ReadPump()
	}()
}

// checkOrigin allows requests without an Origin header (non-browser clients)
// and origins on the allow list. "*" allows everything.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.origins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	s.logger.Warn("rejected origin", "origin", origin)
	return false
}
