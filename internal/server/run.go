package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"orchestrator-go/internal/constants"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Run serves the engine until ctx is cancelled, then shuts down
// gracefully, letting in-flight requests finish.
func Run(ctx context.Context, engine *gin.Engine, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down HTTP server")
	// Give the listener a moment to drain keep-alive connections.
	time.Sleep(constants.ServerGracefulWait)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ServerShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return <-errCh
}
