// HeadlineArt MCP server.
//
// Exposes generate_headline_art, get_run and cancel_run to MCP clients over
// stdio (default) or streamable HTTP. Logs go to stderr so stdio stays clean.
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

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/FranGenoa/HeadlineArt/coreengine/config"
	"github.com/FranGenoa/HeadlineArt/coreengine/logging"
	"github.com/FranGenoa/HeadlineArt/coreengine/mcpserver"
	"github.com/FranGenoa/HeadlineArt/coreengine/service"
)

func main() {
	transport := flag.String("transport", "stdio", "Transport mode: stdio or http")
	addr := flag.String("addr", ":8089", "HTTP listen address (only used with -transport http)")
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	if err := run(*transport, *addr, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "headlineart-mcp: %v\n", err)
		os.Exit(1)
	}
}

func run(transport, addr, configPath string) error {
	settings, err := config.LoadSettings(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.NewFromConfig(os.Stderr, settings.Log.Level, settings.Log.Format)
	if err != nil {
		return err
	}

	svc, err := service.New(settings, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	srv := mcpserver.New(&mcpserver.Tools{
		Runner:     svc.Runner,
		Bus:        svc.Bus,
		Logger:     logger,
		RunTimeout: svc.RunTimeout(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch transport {
	case "stdio":
		logger.Info("mcp_server_started", "transport", "stdio")
		return srv.Run(ctx, &mcp.StdioTransport{})
	case "http":
		handler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
			return srv
		}, nil)
		httpServer := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		}()
		logger.Info("mcp_server_started", "transport", "http", "address", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	default:
		return fmt.Errorf("unknown transport: %s (use stdio or http)", transport)
	}
}
