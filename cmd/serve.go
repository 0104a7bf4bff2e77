package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/spons-match/internal/config"
	"github.com/sells-group/spons-match/internal/monitoring"
	"github.com/sells-group/spons-match/internal/review"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the QS review API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, cfg, config.ModeServe)
		if err != nil {
			return err
		}
		defer env.Close()

		collector := monitoring.NewCollector(env.Store, env.Breakers)
		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			go checker.Run(ctx)
		}

		srv := review.NewServer(env.Store, env.Pipeline,
			review.WithCollector(collector),
			review.WithCORSOrigins(cfg.Server.CORSOrigins),
			review.WithBaseContext(ctx),
		)

		err = startServer(ctx, srv.Handler(), resolvePort(servePort, cfg.Server.Port))
		srv.Wait()
		return err
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// resolvePort prefers the flag over the configured port.
func resolvePort(flag, configured int) int {
	if flag != 0 {
		return flag
	}
	return configured
}

// startServer serves h on port until ctx is cancelled, then shuts down
// gracefully.
func startServer(ctx context.Context, h http.Handler, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("server shutdown", zap.Error(err))
		}
	}()

	zap.L().Info("starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "server listen")
	}
	return nil
}
