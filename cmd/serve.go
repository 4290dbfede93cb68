package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// newServeCmd runs the watcher, the schedulers and the HTTP API until the
// process is signalled.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs ingestion, headline processing and the HTTP API",
		Long: `Starts the feeds directory watcher, the ingestion ticker, the headline
ticker and, when enabled, the HTTP API. Runs until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: runServeCommand,
	}
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	logger := appInstance.Logger()

	if err := appInstance.Service().Start(ctx); err != nil {
		return fmt.Errorf("start ingestion: %w", err)
	}

	handler := appInstance.Handler()
	if handler == nil {
		logger.Info("http server disabled")
		<-ctx.Done()
		logger.Info("shutdown initiated")
		return nil
	}

	srv := &http.Server{
		Addr:              appInstance.Config().Server.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case serveErr = <-errCh:
		logger.Error("http server error", zap.Error(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if serveErr != nil {
		return fmt.Errorf("http server: %w", serveErr)
	}
	logger.Info("shutdown complete")
	return nil
}
