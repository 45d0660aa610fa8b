// HeadlineArt Server
//
// Serves the news-to-art pipeline over HTTP (JSON and server-sent events)
// and gRPC from one process.
//
// Usage:
//
//	go run ./cmd                            # config.yaml if present, defaults otherwise
//	go run ./cmd -config deploy/config.yaml
//	go build -o headlineart-server ./cmd && ./headlineart-server
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/FranGenoa/HeadlineArt/coreengine/config"
	"github.com/FranGenoa/HeadlineArt/coreengine/grpc"
	"github.com/FranGenoa/HeadlineArt/coreengine/httpapi"
	"github.com/FranGenoa/HeadlineArt/coreengine/logging"
	"github.com/FranGenoa/HeadlineArt/coreengine/observability"
	"github.com/FranGenoa/HeadlineArt/coreengine/service"
)

const (
	shutdownTimeout = 15 * time.Second
	cleanupInterval = time.Minute
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "headlineart: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	settings, err := config.LoadSettings(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.NewFromConfig(os.Stderr, settings.Log.Level, settings.Log.Format)
	if err != nil {
		return err
	}
	logger.Info("headlineart_starting", "version", observability.ServiceVersion, "config", configPath)

	shutdownTracing, err := observability.Setup(
		settings.Telemetry.Exporter,
		settings.Telemetry.ServiceName,
		settings.Telemetry.OTLPEndpoint,
		os.Stdout,
	)
	if err != nil {
		return err
	}

	svc, err := service.New(settings, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// gRPC
	pipelineServer := grpc.NewPipelineServer(svc.Runner, svc.Bus, logger,
		grpc.WithLimiter(svc.Limiter),
		grpc.WithRunTimeout(svc.RunTimeout()),
	)
	grpcServer := grpc.NewGracefulServer(pipelineServer, settings.Server.GRPCAddr)
	grpcErr, err := grpcServer.StartBackground()
	if err != nil {
		_ = svc.Close()
		return err
	}

	// HTTP
	httpServer := &http.Server{
		Addr: settings.Server.HTTPAddr,
		Handler: httpapi.NewServer(svc.Runner, svc.Bus, logger,
			httpapi.WithLimiter(svc.Limiter),
			httpapi.WithRunTimeout(svc.RunTimeout()),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		logger.Info("http_server_started", "address", settings.Server.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
		close(httpErr)
	}()

	go sweepLimiter(ctx, svc)

	logger.Info("headlineart_ready",
		"http_address", settings.Server.HTTPAddr,
		"grpc_address", settings.Server.GRPCAddr,
	)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown_signal_received")
	case serveErr = <-grpcErr:
		logger.Error("grpc_server_failed", "error", fmt.Sprint(serveErr))
	case serveErr = <-httpErr:
		logger.Error("http_server_failed", "error", fmt.Sprint(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http_shutdown_failed", "error", err.Error())
	}
	grpcServer.ShutdownWithTimeout(shutdownTimeout)
	if err := svc.Close(); err != nil {
		logger.Warn("service_close_failed", "error", err.Error())
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing_shutdown_failed", "error", err.Error())
	}

	logger.Info("headlineart_stopped")
	return serveErr
}

// sweepLimiter drops idle rate limit windows until ctx ends.
func sweepLimiter(ctx context.Context, svc *service.Service) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := svc.Limiter.CleanupExpired(); n > 0 {
				svc.Logger.Debug("rate_limit_windows_cleaned", "count", n)
			}
		}
	}
}
