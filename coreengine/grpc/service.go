package grpc

import (
	"context"

	"github.com/FranGenoa/HeadlineArt/coreengine/envelope"
	"github.com/FranGenoa/HeadlineArt/coreengine/runtime"
	"github.com/FranGenoa/HeadlineArt/coreengine/storage"
	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "headlineart.v1.PipelineService"

// =============================================================================
// Messages
// =============================================================================

type RunPipelineRequest struct {
	Input string `json:"input"`
}

// RunEvent is one frame of the RunPipeline stream: stage events in order,
// then exactly one Result.
type RunEvent struct {
	Event  *envelope.StageEvent `json:"event,omitempty"`
	Result *runtime.Result      `json:"result,omitempty"`
}

type GetRunRequest struct {
	RunID string `json:"run_id"`
}

type GetRunResponse struct {
	Summary storage.RunSummary    `json:"summary"`
	Run     *storage.RunRecord    `json:"run"`
	Events  []envelope.StageEvent `json:"events"`
}

type CancelRunRequest struct {
	RunID  string `json:"run_id"`
	Reason string `json:"reason,omitempty"`
}

type CancelRunResponse struct {
	Cancelled bool `json:"cancelled"`
}

// =============================================================================
// Service Description
// =============================================================================

// PipelineServiceServer is the server API of PipelineService.
type PipelineServiceServer interface {
	RunPipeline(*RunPipelineRequest, PipelineService_RunPipelineServer) error
	GetRun(context.Context, *GetRunRequest) (*GetRunResponse, error)
	CancelRun(context.Context, *CancelRunRequest) (*CancelRunResponse, error)
}

// PipelineService_RunPipelineServer is the server side of the event stream.
type PipelineService_RunPipelineServer interface {
	Send(*RunEvent) error
	grpc.ServerStream
}

type runPipelineServer struct {
	grpc.ServerStream
}

func (x *runPipelineServer) Send(m *RunEvent) error {
	return x.ServerStream.SendMsg(m)
}

func runPipelineHandler(srv any, stream grpc.ServerStream) error {
	m := new(RunPipelineRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(PipelineServiceServer).RunPipeline(m, &runPipelineServer{stream})
}

func getRunHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetRunRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PipelineServiceServer).GetRun(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/GetRun"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PipelineServiceServer).GetRun(ctx, req.(*GetRunRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func cancelRunHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CancelRunRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PipelineServiceServer).CancelRun(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/CancelRun"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PipelineServiceServer).CancelRun(ctx, req.(*CancelRunRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// PipelineServiceDesc describes PipelineService for grpc.Server.RegisterService.
var PipelineServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PipelineServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetRun", Handler: getRunHandler},
		{MethodName: "CancelRun", Handler: cancelRunHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "RunPipeline", Handler: runPipelineHandler, ServerStreams: true},
	},
	Metadata: "headlineart/v1/pipeline.proto",
}

// RegisterPipelineServiceServer registers srv on s.
func RegisterPipelineServiceServer(s grpc.ServiceRegistrar, srv PipelineServiceServer) {
	s.RegisterService(&PipelineServiceDesc, srv)
}

// =============================================================================
// Client
// =============================================================================

// PipelineServiceClient calls PipelineService with the JSON codec.
type PipelineServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewPipelineServiceClient creates a client on cc.
func NewPipelineServiceClient(cc grpc.ClientConnInterface) *PipelineServiceClient {
	return &PipelineServiceClient{cc: cc}
}

func callOptions(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

// RunStream receives RunPipeline frames.
type RunStream struct {
	grpc.ClientStream
}

// Recv returns the next frame, or io.EOF after the last one.
func (x *RunStream) Recv() (*RunEvent, error) {
	m := new(RunEvent)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// RunPipeline starts a run and streams its events.
func (c *PipelineServiceClient) RunPipeline(ctx context.Context, in *RunPipelineRequest, opts ...grpc.CallOption) (*RunStream, error) {
	stream, err := c.cc.NewStream(ctx, &PipelineServiceDesc.Streams[0], "/"+ServiceName+"/RunPipeline", callOptions(opts)...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &RunStream{stream}, nil
}

// GetRun fetches a run's persisted record and events.
func (c *PipelineServiceClient) GetRun(ctx context.Context, in *GetRunRequest, opts ...grpc.CallOption) (*GetRunResponse, error) {
	out := new(GetRunResponse)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/GetRun", in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

// CancelRun cancels an in-flight run.
func (c *PipelineServiceClient) CancelRun(ctx context.Context, in *CancelRunRequest, opts ...grpc.CallOption) (*CancelRunResponse, error) {
	out := new(CancelRunResponse)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/CancelRun", in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}
