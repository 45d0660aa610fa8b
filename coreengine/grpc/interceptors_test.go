package grpc

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/FranGenoa/HeadlineArt/coreengine/testutil"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// TestLogger captures log calls for verification. Interceptors run on server
// goroutines, so access is locked.
type TestLogger struct {
	mu         sync.Mutex
	debugCalls []map[string]any
	infoCalls  []map[string]any
	warnCalls  []map[string]any
	errorCalls []map[string]any
}

func (l *TestLogger) Debug(msg string, keysAndValues ...any) {
	l.record(&l.debugCalls, msg, keysAndValues)
}

func (l *TestLogger) Info(msg string, keysAndValues ...any) {
	l.record(&l.infoCalls, msg, keysAndValues)
}

func (l *TestLogger) Warn(msg string, keysAndValues ...any) {
	l.record(&l.warnCalls, msg, keysAndValues)
}

func (l *TestLogger) Error(msg string, keysAndValues ...any) {
	l.record(&l.errorCalls, msg, keysAndValues)
}

func (l *TestLogger) record(calls *[]map[string]any, msg string, keysAndValues []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := map[string]any{"msg": msg}
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			m[key] = keysAndValues[i+1]
		}
	}
	*calls = append(*calls, m)
}

// errors returns a copy of the error-level calls.
func (l *TestLogger) errors() []map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]map[string]any(nil), l.errorCalls...)
}

func (l *TestLogger) debugs() []map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]map[string]any(nil), l.debugCalls...)
}

// mockServerStream implements grpc.ServerStream for testing.
type mockServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (m *mockServerStream) Context() context.Context {
	if m.ctx != nil {
		return m.ctx
	}
	return context.Background()
}

func method(name string) string { return "/" + ServiceName + "/" + name }

// requestCount reads headlineart_grpc_requests_total for one method and code.
func requestCount(t *testing.T, fullMethod, code string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != "headlineart_grpc_requests_total" {
			continue
		}
		for _, m := range fam.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["method"] == fullMethod && labels["status"] == code {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

// =============================================================================
// UNARY INTERCEPTOR TESTS
// =============================================================================

func TestLoggingInterceptor(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantDebugs int
		wantErrors int
		wantCode   string
	}{
		{"success", nil, 2, 0, ""},
		{"failure", status.Error(codes.NotFound, "run run_x not found"), 1, 1, "NotFound"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := &TestLogger{}
			info := &grpc.UnaryServerInfo{FullMethod: method("GetRun")}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				if tt.err != nil {
					return nil, tt.err
				}
				return &GetRunResponse{}, nil
			}

			_, err := LoggingInterceptor(logger)(context.Background(), &GetRunRequest{RunID: "run_x"}, info, handler)

			assert.Equal(t, tt.err, err)
			assert.Len(t, logger.debugs(), tt.wantDebugs)
			require.Len(t, logger.errors(), tt.wantErrors)
			if tt.wantErrors > 0 {
				assert.Equal(t, "grpc_request_failed", logger.errors()[0]["msg"])
				assert.Equal(t, tt.wantCode, logger.errors()[0]["code"])
				assert.Equal(t, method("GetRun"), logger.errors()[0]["method"])
			}
		})
	}
}

func TestRecoveryInterceptor(t *testing.T) {
	aborted := func(p interface{}) error { return status.Errorf(codes.Aborted, "custom: %v", p) }

	tests := []struct {
		name      string
		handler   RecoveryHandler
		panicWith any
		wantCode  codes.Code
		wantMsg   string
	}{
		{"no panic", nil, nil, codes.OK, ""},
		{"default handler", nil, "cancel exploded", codes.Internal, "panic recovered: cancel exploded"},
		{"custom handler", aborted, "cancel exploded", codes.Aborted, "custom: cancel exploded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := &TestLogger{}
			info := &grpc.UnaryServerInfo{FullMethod: method("CancelRun")}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				if tt.panicWith != nil {
					panic(tt.panicWith)
				}
				return &CancelRunResponse{Cancelled: true}, nil
			}

			resp, err := RecoveryInterceptor(logger, tt.handler)(context.Background(), &CancelRunRequest{RunID: "run_x"}, info, handler)

			assert.Equal(t, tt.wantCode, status.Code(err))
			if tt.panicWith == nil {
				assert.Equal(t, &CancelRunResponse{Cancelled: true}, resp)
				assert.Empty(t, logger.errors())
				return
			}
			assert.Nil(t, resp)
			assert.Contains(t, status.Convert(err).Message(), tt.wantMsg)
			require.Len(t, logger.errors(), 1)
			assert.Equal(t, "grpc_panic_recovered", logger.errors()[0]["msg"])
			assert.Equal(t, "cancel exploded", logger.errors()[0]["panic"])
		})
	}
}

func TestDefaultRecoveryHandler(t *testing.T) {
	err := DefaultRecoveryHandler("nil runner")

	assert.Equal(t, codes.Internal, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "nil runner")
}

func TestMetricsInterceptorCountsByCode(t *testing.T) {
	fullMethod := method("MetricsCheckUnary")
	interceptor := MetricsInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: fullMethod}

	before := requestCount(t, fullMethod, "Unavailable")
	_, err := interceptor(context.Background(), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, Unavailable("run history")
	})
	require.Error(t, err)
	_, err = interceptor(context.Background(), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)

	assert.Equal(t, before+1, requestCount(t, fullMethod, "Unavailable"))
	assert.GreaterOrEqual(t, requestCount(t, fullMethod, "OK"), float64(1))
}

// =============================================================================
// STREAM INTERCEPTOR TESTS
// =============================================================================

func TestStreamLoggingInterceptor(t *testing.T) {
	info := &grpc.StreamServerInfo{FullMethod: method("RunPipeline"), IsServerStream: true}

	ok := &TestLogger{}
	require.NoError(t, StreamLoggingInterceptor(ok)(nil, &mockServerStream{}, info, func(srv interface{}, ss grpc.ServerStream) error {
		return nil
	}))
	assert.Len(t, ok.debugs(), 2)
	assert.Equal(t, true, ok.debugs()[0]["server_stream"])

	failed := &TestLogger{}
	err := StreamLoggingInterceptor(failed)(nil, &mockServerStream{}, info, func(srv interface{}, ss grpc.ServerStream) error {
		return InvalidArgument("input")
	})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	require.Len(t, failed.errors(), 1)
	assert.Equal(t, "grpc_stream_failed", failed.errors()[0]["msg"])
	assert.Equal(t, "InvalidArgument", failed.errors()[0]["code"])
}

func TestStreamRecoveryInterceptor(t *testing.T) {
	info := &grpc.StreamServerInfo{FullMethod: method("RunPipeline"), IsServerStream: true}

	quiet := &TestLogger{}
	require.NoError(t, StreamRecoveryInterceptor(quiet, nil)(nil, &mockServerStream{}, info, func(srv interface{}, ss grpc.ServerStream) error {
		return nil
	}))
	assert.Empty(t, quiet.errors())

	logger := &TestLogger{}
	err := StreamRecoveryInterceptor(logger, DefaultRecoveryHandler)(nil, &mockServerStream{}, info, func(srv interface{}, ss grpc.ServerStream) error {
		panic("stream panic")
	})
	assert.Equal(t, codes.Internal, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "stream panic")
	require.Len(t, logger.errors(), 1)
	assert.Equal(t, "grpc_stream_panic_recovered", logger.errors()[0]["msg"])
}

func TestStreamMetricsInterceptorCountsByCode(t *testing.T) {
	fullMethod := method("MetricsCheckStream")
	info := &grpc.StreamServerInfo{FullMethod: fullMethod, IsServerStream: true}

	before := requestCount(t, fullMethod, "ResourceExhausted")
	err := StreamMetricsInterceptor()(nil, &mockServerStream{}, info, func(srv interface{}, ss grpc.ServerStream) error {
		return ResourceExhausted("runs", "1 per 1m0s")
	})

	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
	assert.Equal(t, before+1, requestCount(t, fullMethod, "ResourceExhausted"))
}

// =============================================================================
// CHAIN TESTS
// =============================================================================

func TestChainUnaryInterceptors(t *testing.T) {
	var order []string
	tag := func(name string) grpc.UnaryServerInterceptor {
		return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
			order = append(order, "before"+name)
			resp, err := handler(ctx, req)
			order = append(order, "after"+name)
			return resp, err
		}
	}
	info := &grpc.UnaryServerInfo{FullMethod: method("GetRun")}

	resp, err := ChainUnaryInterceptors(tag("1"), tag("2"))(context.Background(), "req", info, func(ctx context.Context, req interface{}) (interface{}, error) {
		order = append(order, "handler")
		return "response", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "response", resp)
	assert.Equal(t, []string{"before1", "before2", "handler", "after2", "after1"}, order)

	resp, err = ChainUnaryInterceptors()(context.Background(), "req", info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, errors.New("handler error")
	})
	assert.Nil(t, resp)
	assert.EqualError(t, err, "handler error")
}

func TestChainStreamInterceptors(t *testing.T) {
	var order []string
	tag := func(name string) grpc.StreamServerInterceptor {
		return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
			order = append(order, "before"+name)
			err := handler(srv, ss)
			order = append(order, "after"+name)
			return err
		}
	}
	info := &grpc.StreamServerInfo{FullMethod: method("RunPipeline")}

	err := ChainStreamInterceptors(tag("1"), tag("2"))(nil, &mockServerStream{}, info, func(srv interface{}, ss grpc.ServerStream) error {
		order = append(order, "handler")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"before1", "before2", "handler", "after2", "after1"}, order)

	require.NoError(t, ChainStreamInterceptors()(nil, &mockServerStream{}, info, func(srv interface{}, ss grpc.ServerStream) error {
		return nil
	}))
}

func TestServerOptions(t *testing.T) {
	// Stats handler plus unary and stream interceptors.
	assert.Len(t, ServerOptions(&TestLogger{}), 3)
}

// =============================================================================
// PIPELINE SERVICE INTERCEPTOR TESTS
// =============================================================================

// brokenPipeline panics in every method.
type brokenPipeline struct{}

func (brokenPipeline) RunPipeline(*RunPipelineRequest, PipelineService_RunPipelineServer) error {
	panic("stream exploded")
}

func (brokenPipeline) GetRun(context.Context, *GetRunRequest) (*GetRunResponse, error) {
	panic("history exploded")
}

func (brokenPipeline) CancelRun(context.Context, *CancelRunRequest) (*CancelRunResponse, error) {
	return &CancelRunResponse{Cancelled: true}, nil
}

// serveIntercepted registers srv behind the standard ServerOptions chain.
func serveIntercepted(t *testing.T, srv PipelineServiceServer, logger Logger) *PipelineServiceClient {
	t.Helper()
	server := grpc.NewServer(ServerOptions(logger)...)
	RegisterPipelineServiceServer(server, srv)

	lis := bufconn.Listen(1 << 20)
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewPipelineServiceClient(conn)
}

func TestRunPipelinePanicIsRecovered(t *testing.T) {
	logger := &TestLogger{}
	client := serveIntercepted(t, brokenPipeline{}, logger)

	stream, err := client.RunPipeline(context.Background(), &RunPipelineRequest{Input: "go"})
	require.NoError(t, err)
	_, err = stream.Recv()

	require.NotEqual(t, io.EOF, err)
	assert.Equal(t, codes.Internal, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "stream exploded")

	require.Len(t, logger.errors(), 1)
	assert.Equal(t, "grpc_stream_panic_recovered", logger.errors()[0]["msg"])
	assert.Equal(t, method("RunPipeline"), logger.errors()[0]["method"])

	// The server keeps serving after the panic.
	resp, err := client.CancelRun(context.Background(), &CancelRunRequest{RunID: "run_x"})
	require.NoError(t, err)
	assert.True(t, resp.Cancelled)
}

func TestGetRunPanicIsRecovered(t *testing.T) {
	logger := &TestLogger{}
	client := serveIntercepted(t, brokenPipeline{}, logger)

	_, err := client.GetRun(context.Background(), &GetRunRequest{RunID: "run_x"})

	assert.Equal(t, codes.Internal, status.Code(err))
	require.Len(t, logger.errors(), 1)
	assert.Equal(t, "grpc_panic_recovered", logger.errors()[0]["msg"])
	assert.Equal(t, method("GetRun"), logger.errors()[0]["method"])
}

func TestPipelineServiceErrorsAreLoggedAndCounted(t *testing.T) {
	ts := startTestServer(t, testutil.NewFixture(3))
	ctx := context.Background()

	getBefore := requestCount(t, method("GetRun"), "InvalidArgument")
	_, err := ts.client.GetRun(ctx, &GetRunRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Equal(t, getBefore+1, requestCount(t, method("GetRun"), "InvalidArgument"))

	cancelBefore := requestCount(t, method("CancelRun"), "NotFound")
	_, err = ts.client.CancelRun(ctx, &CancelRunRequest{RunID: "run_missing"})
	assert.Equal(t, codes.NotFound, status.Code(err))
	assert.Equal(t, cancelBefore+1, requestCount(t, method("CancelRun"), "NotFound"))

	streamBefore := requestCount(t, method("RunPipeline"), "InvalidArgument")
	stream, err := ts.client.RunPipeline(ctx, &RunPipelineRequest{Input: "   "})
	require.NoError(t, err)
	_, _, err = drain(t, stream)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Equal(t, streamBefore+1, requestCount(t, method("RunPipeline"), "InvalidArgument"))

	assert.True(t, ts.fixture.Logger.HasLog("error", "grpc_request_failed"))
	assert.True(t, ts.fixture.Logger.HasLog("error", "grpc_stream_failed"))
}
