package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-approval-workflows/internal/handler"
	"github.com/pesio-ai/be-approval-workflows/internal/tracing"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			log.Info().
				Str("service", cfg.Service.Name).
				Str("version", cfg.Service.Version).
				Str("environment", cfg.Service.Environment).
				Msg("Starting Approval Workflows Service")

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.Tracing.Enabled {
				shutdownTracing, err := tracing.Init(cfg.Service.Name, cfg.Service.Version, os.Stdout)
				if err != nil {
					return fmt.Errorf("init tracing: %w", err)
				}
				defer shutdownTracing(context.Background())
			}

			a, err := newApp(runCtx, cfg, log)
			if err != nil {
				return err
			}

			auth := handler.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.AllowHeaderIdentity, cfg.Auth.AdminUsers...)
			if cfg.Auth.JWTSecret == "" && !cfg.Auth.AllowHeaderIdentity {
				log.Warn().Msg("No JWT secret configured and header identity disabled; every API call will be rejected")
			}

			// HTTP
			router := mux.NewRouter()
			router.Use(
				handler.RequestIDMiddleware,
				handler.RecoveryMiddleware(log),
				handler.LoggingMiddleware(log, a.metrics),
			)
			router.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
			handler.NewHTTPHandler(a.catalog, a.steps, a.workflow, a.directory, a.hub, auth, log).Register(router)

			// Websocket connections are long lived, so they bypass TimeoutHandler
			// and the server has no write timeout; request timeouts come from
			// TimeoutHandler instead.
			timed := http.TimeoutHandler(router, cfg.Server.RequestTimeout, `{"detail":"request timed out","code":"INTERNAL"}`)
			httpServer := &http.Server{
				Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
				Handler:     splitWebsocket(router, timed),
				ReadTimeout: cfg.Server.ReadTimeout,
				IdleTimeout: cfg.Server.IdleTimeout,
			}

			errCh := make(chan error, 2)
			go func() {
				log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- fmt.Errorf("http server: %w", err)
				}
			}()

			// gRPC
			grpcServer := grpc.NewServer(grpc.UnaryInterceptor(handler.AuthInterceptor(auth)))
			handler.RegisterApprovalServer(grpcServer, handler.NewGRPCHandler(a.workflow, a.steps, a.directory, log.Logger))
			healthServer := health.NewServer()
			healthpb.RegisterHealthServer(grpcServer, healthServer)
			healthServer.SetServingStatus(handler.GRPCServiceName, healthpb.HealthCheckResponse_SERVING)
			reflection.Register(grpcServer)

			grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
			if err != nil {
				a.Close(context.Background())
				return fmt.Errorf("create gRPC listener: %w", err)
			}
			go func() {
				log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
				if err := grpcServer.Serve(grpcListener); err != nil {
					errCh <- fmt.Errorf("grpc server: %w", err)
				}
			}()

			var runErr error
			select {
			case <-runCtx.Done():
			case runErr = <-errCh:
				log.Error().Err(runErr).Msg("Server failed")
			}

			log.Info().Msg("Shutting down server...")
			healthServer.Shutdown()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("HTTP server shutdown failed")
			}
			grpcServer.GracefulStop()
			a.Close(shutdownCtx)

			log.Info().Msg("Server stopped")
			return runErr
		},
	}
}

// splitWebsocket sends websocket upgrades straight to the router and
// everything else through the timeout-wrapped handler.
func splitWebsocket(router, timed http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") == "websocket" {
			router.ServeHTTP(w, r)
			return
		}
		timed.ServeHTTP(w, r)
	})
}
