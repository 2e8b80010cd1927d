// Package main runs the flagz relay: a long-lived SDK client exposed over
// HTTP so that services without a native SDK can evaluate variables.
//
// The bootstrap sequence is:
//  1. Load configuration from .env and environment variables.
//  2. Create the SDK client and wait for the first configuration fetch.
//  3. Start the HTTP server (:8080) and the gRPC health server (:9090).
//  4. Wait for SIGINT/SIGTERM, stop both servers, then flush pending events.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matt-riley/flagz-sdk/client"
	"github.com/matt-riley/flagz-sdk/internal/config"
	"github.com/matt-riley/flagz-sdk/internal/logging"
	"github.com/matt-riley/flagz-sdk/internal/metrics"
	"github.com/matt-riley/flagz-sdk/internal/middleware"
	"github.com/matt-riley/flagz-sdk/internal/server"
	"github.com/matt-riley/flagz-sdk/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func main() {
	if err := run(); err != nil {
		slog.Error("relay failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadDotEnv(); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.NewWithWriter(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	c, err := client.New(ctx, cfg.SDKKey, clientOptions(cfg, log, m)...)
	if err != nil {
		return fmt.Errorf("init client: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := c.Close(closeCtx); err != nil {
			log.Error("client close error", "error", err)
		}
	}()

	limiter := middleware.NewRateLimiter(ctx, cfg.RelayRateLimit)
	defer limiter.Stop()

	apiHandler := server.NewHTTPHandler(c, server.HTTPOptions{
		Metrics:          m,
		MaxJSONBodyBytes: cfg.MaxJSONBodySize,
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(newHTTPHandler(apiHandler, limiter, log), "flagz-relay-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			middleware.UnaryRequestLoggingInterceptor(log),
			m.UnaryServerInterceptor(),
		),
		grpc.ChainStreamInterceptor(
			middleware.StreamRequestLoggingInterceptor(log),
			m.StreamServerInterceptor(),
		),
	)
	healthServer, stopHealth := server.NewHealthServer(c)
	defer stopHealth()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen gRPC %s: %w", cfg.GRPCAddr, err)
	}
	defer grpcListener.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve HTTP: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("serve gRPC: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("relay shutting down")
		healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var shutdownErr error
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			shutdownErr = fmt.Errorf("shutdown HTTP: %w", err)
		}

		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			grpcServer.Stop()
		}
		return shutdownErr
	})

	log.Info("relay started", "http_addr", cfg.HTTPAddr, "grpc_addr", cfg.GRPCAddr)
	return g.Wait()
}

// clientOptions maps relay configuration onto SDK client options.
func clientOptions(cfg config.Config, log *slog.Logger, m *metrics.Metrics) []client.Option {
	opts := []client.Option{
		client.WithConfigBaseURL(cfg.ConfigBaseURL),
		client.WithEventsBaseURL(cfg.EventsBaseURL),
		client.WithPollInterval(cfg.PollInterval),
		client.WithIdlePollInterval(cfg.IdlePollInterval),
		client.WithFlushInterval(cfg.FlushInterval),
		client.WithMaxEventsInQueue(cfg.MaxEventsInQueue),
		client.WithFlushBatchSize(cfg.FlushBatchSize),
		client.WithRealtimeUpdates(!cfg.DisableRealtimeUpdates),
		client.WithLogger(log),
		client.WithMetrics(m),
	}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, client.WithRequestTimeout(cfg.RequestTimeout))
	}
	if cfg.DisableAutomaticEvents {
		opts = append(opts, client.WithAutomaticEventsDisabled())
	}
	if cfg.DisableCustomEvents {
		opts = append(opts, client.WithCustomEventsDisabled())
	}
	return opts
}

// newHTTPHandler rate limits the /v1/ API per client IP. Health checks and
// metrics scrapes bypass the limiter.
func newHTTPHandler(apiHandler http.Handler, limiter *middleware.RateLimiter, log *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/v1/", limiter.Middleware(apiHandler))
	mux.Handle("GET /healthz", apiHandler)
	mux.Handle("GET /metrics", apiHandler)

	return middleware.HTTPRequestLogging(log)(mux)
}
