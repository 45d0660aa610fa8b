// Package grpc serves the pipeline over gRPC.
//
// Messages are plain Go structs carried by a JSON codec; clients select it
// with the "json" content subtype.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"

	"github.com/FranGenoa/HeadlineArt/commbus"
	"github.com/FranGenoa/HeadlineArt/coreengine/envelope"
	"github.com/FranGenoa/HeadlineArt/coreengine/observability"
	"github.com/FranGenoa/HeadlineArt/coreengine/ratelimit"
	"github.com/FranGenoa/HeadlineArt/coreengine/runtime"
	"github.com/FranGenoa/HeadlineArt/coreengine/storage"
)

// ClientIDHeader overrides the peer address as the rate limiting key.
const ClientIDHeader = "x-client-id"

// Logger interface for the server.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// PipelineServer implements PipelineServiceServer on a PipelineRunner.
type PipelineServer struct {
	logger     Logger
	runner     *runtime.PipelineRunner
	bus        commbus.CommBus
	limiter    *ratelimit.Limiter
	runTimeout time.Duration
}

var _ PipelineServiceServer = (*PipelineServer)(nil)

// Option configures a PipelineServer.
type Option func(*PipelineServer)

// WithLimiter rate limits RunPipeline per client.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(s *PipelineServer) { s.limiter = l }
}

// WithRunTimeout bounds every run started through the server.
func WithRunTimeout(d time.Duration) Option {
	return func(s *PipelineServer) { s.runTimeout = d }
}

// NewPipelineServer creates the service. bus may be nil, which disables GetRun.
func NewPipelineServer(runner *runtime.PipelineRunner, bus commbus.CommBus, logger Logger, opts ...Option) *PipelineServer {
	s := &PipelineServer{logger: logger, runner: runner, bus: bus}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// =============================================================================
// Pipeline Execution
// =============================================================================

// RunPipeline executes one run, streaming every stage event and then the result.
func (s *PipelineServer) RunPipeline(req *RunPipelineRequest, stream PipelineService_RunPipelineServer) error {
	if err := validateRequired(strings.TrimSpace(req.Input), "input"); err != nil {
		return err
	}
	client := clientID(stream.Context())
	if err := s.admit(client); err != nil {
		return err
	}

	ctx, cancel := s.runContext(stream.Context())
	defer cancel()

	h := s.runner.Stream(ctx, req.Input)
	s.logger.Info("grpc_run_started", "run_id", h.Run.RunID, "client", client)

	for ev := range h.Events {
		if err := stream.Send(&RunEvent{Event: &ev}); err != nil {
			s.logger.Warn("grpc_event_send_failed", "run_id", h.Run.RunID, "seq", ev.Seq, "error", err.Error())
			cancel()
		}
	}

	run, err := h.Wait()
	result := runtime.NewResult(run, err)
	s.logger.Info("grpc_run_finished", "run_id", run.RunID, "status", result.Status)
	return stream.Send(&RunEvent{Result: result})
}

// GetRun returns the persisted record and events of a run.
func (s *PipelineServer) GetRun(ctx context.Context, req *GetRunRequest) (*GetRunResponse, error) {
	if err := validateRequired(req.RunID, "run_id"); err != nil {
		return nil, err
	}
	if s.bus == nil {
		return nil, Unavailable("run history")
	}

	rec, err := commbus.Ask[*storage.RunRecord](ctx, s.bus, &commbus.GetRun{RunID: req.RunID})
	if err != nil {
		return nil, s.historyError("get run", req.RunID, err)
	}
	if rec == nil {
		return nil, NotFound("run", req.RunID)
	}
	events, err := commbus.Ask[[]envelope.StageEvent](ctx, s.bus, &commbus.ListRunEvents{RunID: req.RunID})
	if err != nil {
		return nil, s.historyError("list run events", req.RunID, err)
	}
	return &GetRunResponse{Run: rec, Summary: rec.Summary(), Events: events}, nil
}

// CancelRun cancels an in-flight run.
func (s *PipelineServer) CancelRun(ctx context.Context, req *CancelRunRequest) (*CancelRunResponse, error) {
	if err := validateRequired(req.RunID, "run_id"); err != nil {
		return nil, err
	}
	reason := req.Reason
	if reason == "" {
		reason = "cancelled by client"
	}
	if !s.runner.Cancel(req.RunID, reason) {
		return nil, NotFound("active run", req.RunID)
	}
	return &CancelRunResponse{Cancelled: true}, nil
}

func (s *PipelineServer) admit(client string) error {
	if s.limiter == nil || !s.limiter.Enabled() {
		return nil
	}
	res := s.limiter.Allow(client)
	if res.Allowed {
		return nil
	}
	observability.RecordRateLimited("grpc")
	s.logger.Warn("grpc_rate_limited", "client", client, "window", res.Window, "retry_after_ms", res.RetryAfter.Milliseconds())
	return ResourceExhausted("runs", fmt.Sprintf("%d per %s, retry after %s", res.Limit, res.Window, res.RetryAfter.Round(time.Second)))
}

func (s *PipelineServer) runContext(parent context.Context) (context.Context, context.CancelFunc) {
	if s.runTimeout > 0 {
		return context.WithTimeout(parent, s.runTimeout)
	}
	return context.WithCancel(parent)
}

func (s *PipelineServer) historyError(op, runID string, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return NotFound("run", runID)
	case commbus.IsUnavailable(err):
		return Unavailable("run history")
	default:
		s.logger.Error("grpc_history_failed", "op", op, "run_id", runID, "error", err.Error())
		return Internal(op, err)
	}
}

// clientID prefers the x-client-id header, then the peer host.
func clientID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(ClientIDHeader); len(v) > 0 && v[0] != "" {
			return v[0]
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		addr := p.Addr.String()
		if host, _, err := net.SplitHostPort(addr); err == nil {
			return host
		}
		return addr
	}
	return "unknown"
}

// =============================================================================
// Graceful Server
// =============================================================================

// GracefulServer wraps a gRPC server with graceful shutdown support.
type GracefulServer struct {
	grpcServer *grpc.Server
	logger     Logger
	address    string
	listener   net.Listener
	shutdownMu sync.Mutex
	isShutdown bool
}

// NewGracefulServer registers svc on a new gRPC server. With no options the
// standard interceptors and tracing are installed.
func NewGracefulServer(svc *PipelineServer, address string, opts ...grpc.ServerOption) *GracefulServer {
	if len(opts) == 0 {
		opts = ServerOptions(svc.logger)
	}

	grpcServer := grpc.NewServer(opts...)
	RegisterPipelineServiceServer(grpcServer, svc)

	return &GracefulServer{
		grpcServer: grpcServer,
		logger:     svc.logger,
		address:    address,
	}
}

// Start serves until ctx is cancelled, then stops gracefully.
func (s *GracefulServer) Start(ctx context.Context) error {
	errCh, err := s.StartBackground()
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		s.logger.Info("grpc_graceful_shutdown_initiated", "reason", ctx.Err().Error())
		s.GracefulStop()
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

// StartBackground starts serving in a goroutine.
// The returned channel receives the serve error, if any, and is then closed.
func (s *GracefulServer) StartBackground() (<-chan error, error) {
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis), nil
}

// Serve serves on lis in a goroutine.
func (s *GracefulServer) Serve(lis net.Listener) <-chan error {
	s.listener = lis
	s.logger.Info("grpc_server_started", "address", lis.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// GracefulStop stops accepting connections and waits for in-flight calls.
func (s *GracefulServer) GracefulStop() {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()

	if s.isShutdown {
		return
	}
	s.isShutdown = true

	s.logger.Info("grpc_graceful_stop_started")
	s.grpcServer.GracefulStop()
	s.logger.Info("grpc_graceful_stop_completed")
}

// ShutdownWithTimeout stops gracefully, forcing an immediate stop after timeout.
func (s *GracefulServer) ShutdownWithTimeout(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("grpc_graceful_shutdown_timeout", "timeout_ms", timeout.Milliseconds())
		s.grpcServer.Stop()
	}
}

// Address returns the configured listen address.
func (s *GracefulServer) Address() string {
	return s.address
}

// ServerOptions creates the standard interceptor chain plus OpenTelemetry tracing.
func ServerOptions(logger Logger) []grpc.ServerOption {
	unaryInterceptor := ChainUnaryInterceptors(
		RecoveryInterceptor(logger, nil),
		MetricsInterceptor(),
		LoggingInterceptor(logger),
	)
	streamInterceptor := ChainStreamInterceptors(
		StreamRecoveryInterceptor(logger, nil),
		StreamMetricsInterceptor(),
		StreamLoggingInterceptor(logger),
	)

	return []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.UnaryInterceptor(unaryInterceptor),
		grpc.StreamInterceptor(streamInterceptor),
	}
}
