package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/madeinoz67/madeinoz-knowledge-system/internal/api"
)

func serveCmd() *cobra.Command {
	var noScheduler bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP/JSON API server and the maintenance scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			rt, err := newRuntime(cmd.Context(), logger)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer rt.Close()

			var history api.RunHistory
			if rt.runlog != nil {
				history = rt.runlog
			}
			srv := api.NewServer(rt.memories, rt.scheduler, history, rt.health, rt.metrics, logger,
				cfg.API.AuthToken, cfg.Metrics.Path)

			if cfg.API.AuthToken == "" {
				logger.Warn("HTTP API: auth is DISABLED; set MADEINOZ_KNOWLEDGE_API_AUTH_TOKEN or api.auth_token for production use")
			}

			httpSrv := &http.Server{
				Addr:              cfg.API.ListenAddr,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       30 * time.Second,
				// A manual maintenance run answers when it finishes.
				WriteTimeout: cfg.Maintenance.MaxDuration + time.Minute,
				IdleTimeout:  120 * time.Second,
			}

			g, ctx := errgroup.WithContext(cmd.Context())

			g.Go(func() error {
				logger.Info("HTTP API server starting", "addr", cfg.API.ListenAddr)
				if listenErr := httpSrv.ListenAndServe(); listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
					return fmt.Errorf("serve: HTTP server: %w", listenErr)
				}
				return nil
			})

			if !noScheduler {
				g.Go(func() error {
					return rt.scheduler.Loop(ctx)
				})
			}

			g.Go(func() error {
				<-ctx.Done()
				logger.Info("shutting down")

				// Let an in-flight run finish its current record and finalize as partial.
				rt.scheduler.Cancel()

				const shutdownTimeout = 10 * time.Second
				if shutdownErr := api.Shutdown(httpSrv, shutdownTimeout); shutdownErr != nil && !errors.Is(shutdownErr, context.Canceled) {
					return fmt.Errorf("serve: graceful shutdown: %w", shutdownErr)
				}
				return nil
			})

			return g.Wait()
		},
	}

	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve on-demand maintenance only")
	return cmd
}
