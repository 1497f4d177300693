package session

import (
	"net/http"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/cm64-studio/llmule-broker/internal/activity"
)

// Server upgrades incoming HTTP connections to the Session Layer's
// websocket transport, grounded on internal/terminal/server.go's
// upgrader-holding Server struct — generalized from a terminal-over-
// websocket protocol to the provider-registration protocol spec §4.6
// defines.
type Server struct {
	upgrader websocket.Upgrader
	cb       func() Callbacks
	log      activity.Logger

	totalConnections  int64
	activeConnections int64
}

// NewServer constructs a Server. cbFactory produces a fresh Callbacks
// value per accepted connection (each Session needs its own closures
// bound to that connection's registration state).
func NewServer(cbFactory func() Callbacks, log activity.Logger) *Server {
	if log == nil {
		log = activity.Noop()
	}
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		cb:  cbFactory,
		log: log,
	}
}

// ServeHTTP upgrades the connection and runs its Session to completion.
// It blocks for the lifetime of the connection, so the caller's HTTP
// server handles each upgrade on its own per-connection goroutine the way
// net/http already does for every handler invocation.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		activity.Logf(s.log, "warning", "websocket upgrade failed: %v", err)
		return
	}

	atomic.AddInt64(&s.totalConnections, 1)
	atomic.AddInt64(&s.activeConnections, 1)
	defer atomic.AddInt64(&s.activeConnections, -1)

	cb := s.cb()
	if cb.Logger == nil {
		cb.Logger = s.log
	}

	sess := Accept(conn, cb)
	sess.Run()
}

// Stats returns lifetime and current connection counts.
func (s *Server) Stats() (total, active int64) {
	return atomic.LoadInt64(&s.totalConnections), atomic.LoadInt64(&s.activeConnections)
}
