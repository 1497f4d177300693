// cmd/wsserver.go
package cmd

import (
	"context"
	"net/http"
	"time"

	"github.com/cm64-studio/llmule-broker/internal/activity"
)

// wsServer fronts a session.Server with its own net/http.Server and the
// same listen-then-select-on-ctx.Done()-or-serve-error shape internal/api's
// Server.Start uses, since the Session Layer's websocket transport and the
// client-facing HTTP API listen on separate addresses (spec §4.6 vs §6).
type wsServer struct {
	addr    string
	handler http.Handler
	log     activity.Logger
}

func (s *wsServer) start(ctx context.Context) error {
	activity.Logf(s.log, "info", "provider session listener on %s", s.addr)

	httpServer := &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // long-lived websocket connections
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
