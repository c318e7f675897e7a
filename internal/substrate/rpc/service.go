package rpc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/agentsociety/substrate/internal/substrate/observability"
	"github.com/agentsociety/substrate/pkg/society"
)

// Scheduler is the surface the control service calls into. It matches the
// core scheduler's exposed ports exactly (C7).
type Scheduler interface {
	SubmitRequirement(text, taskID string) string
	SendText(to, text, taskID string)
	Abort(agentID string)
}

// SubmitRequirementRequest submits text as a new task on the root agent.
type SubmitRequirementRequest struct {
	Text   string `json:"text"`
	TaskID string `json:"taskId,omitempty"`
}

// SubmitRequirementResponse echoes back the task id the requirement was
// filed under (generated server-side when the caller left it blank).
type SubmitRequirementResponse struct {
	TaskID string `json:"taskId"`
}

// SendTextRequest delivers text directly to an agent already in
// conversation, bypassing the root agent.
type SendTextRequest struct {
	To     string `json:"to"`
	Text   string `json:"text"`
	TaskID string `json:"taskId,omitempty"`
}

// SendTextResponse is empty; delivery is fire-and-forget like the
// scheduler's own SendText port.
type SendTextResponse struct{}

// AbortRequest cancels an agent's in-flight LLM call.
type AbortRequest struct {
	AgentID string `json:"agentId"`
}

// AbortResponse is empty.
type AbortResponse struct{}

// SubscribeRequest opens a stream of bus traffic addressed to the `user`
// endpoint under a single task id, the same traffic a chat bridge would
// relay back to its platform.
type SubscribeRequest struct {
	TaskID string `json:"taskId"`
}

// SubscribeEvent carries one message delivered to the `user` endpoint.
type SubscribeEvent struct {
	From string `json:"from"`
	Text string `json:"text"`
	Kind string `json:"kind,omitempty"`
}

// ControlServer is the interface protoc-gen-go-grpc would have generated
// from a substrate.Control service definition; ControlServiceDesc below
// wires it into *grpc.Server by hand since this repo has no protoc step.
type ControlServer interface {
	SubmitRequirement(context.Context, *SubmitRequirementRequest) (*SubmitRequirementResponse, error)
	SendText(context.Context, *SendTextRequest) (*SendTextResponse, error)
	Abort(context.Context, *AbortRequest) (*AbortResponse, error)
	Subscribe(*SubscribeRequest, Control_SubscribeServer) error
}

// Control_SubscribeServer is the server-side stream handle Subscribe
// writes events to.
type Control_SubscribeServer interface {
	Send(*SubscribeEvent) error
	grpc.ServerStream
}

type controlSubscribeServer struct {
	grpc.ServerStream
}

func (s *controlSubscribeServer) Send(evt *SubscribeEvent) error {
	return s.ServerStream.SendMsg(evt)
}

// Broadcaster fans bus traffic addressed to the `user` endpoint out to any
// Subscribe streams open on the same task id. It implements
// scheduler.EndpointHandler via HandleEndpoint, the same seam bridge.Router
// uses for chat platforms; this is the API-client equivalent.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[string][]chan society.BusMessage
}

// NewBroadcaster constructs an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string][]chan society.BusMessage)}
}

// HandleEndpoint implements scheduler.EndpointHandler.
func (b *Broadcaster) HandleEndpoint(msg society.BusMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[msg.TaskID] {
		select {
		case ch <- msg:
		default:
		}
	}
}

// subscribe registers a buffered channel for taskID and returns it along
// with a function that unregisters and closes it.
func (b *Broadcaster) subscribe(taskID string) (<-chan society.BusMessage, func()) {
	ch := make(chan society.BusMessage, 16)
	b.mu.Lock()
	b.subs[taskID] = append(b.subs[taskID], ch)
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[taskID]
		for i, c := range subs {
			if c == ch {
				b.subs[taskID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}
}

// Service implements ControlServer over a core Scheduler and Broadcaster.
type Service struct {
	sched       Scheduler
	broadcaster *Broadcaster
	metrics     *observability.Metrics
}

// NewService constructs a Service. metrics may be nil, in which case
// cancellation counts are not recorded.
func NewService(sched Scheduler, broadcaster *Broadcaster, metrics *observability.Metrics) *Service {
	return &Service{sched: sched, broadcaster: broadcaster, metrics: metrics}
}

// SubmitRequirement implements ControlServer.
func (s *Service) SubmitRequirement(ctx context.Context, req *SubmitRequirementRequest) (*SubmitRequirementResponse, error) {
	if req == nil || req.Text == "" {
		return nil, status.Error(codes.InvalidArgument, "text is required")
	}
	taskID := s.sched.SubmitRequirement(req.Text, req.TaskID)
	return &SubmitRequirementResponse{TaskID: taskID}, nil
}

// SendText implements ControlServer.
func (s *Service) SendText(ctx context.Context, req *SendTextRequest) (*SendTextResponse, error) {
	if req == nil || req.To == "" || req.Text == "" {
		return nil, status.Error(codes.InvalidArgument, "to and text are required")
	}
	s.sched.SendText(req.To, req.Text, req.TaskID)
	return &SendTextResponse{}, nil
}

// Abort implements ControlServer.
func (s *Service) Abort(ctx context.Context, req *AbortRequest) (*AbortResponse, error) {
	if req == nil || req.AgentID == "" {
		return nil, status.Error(codes.InvalidArgument, "agentId is required")
	}
	s.sched.Abort(req.AgentID)
	if s.metrics != nil {
		s.metrics.RecordCancellation("explicit")
	}
	return &AbortResponse{}, nil
}

// Subscribe implements ControlServer, streaming `user`-addressed bus
// traffic for req.TaskID until the client disconnects.
func (s *Service) Subscribe(req *SubscribeRequest, stream Control_SubscribeServer) error {
	if req == nil || req.TaskID == "" {
		return status.Error(codes.InvalidArgument, "taskId is required")
	}
	ch, unsubscribe := s.broadcaster.subscribe(req.TaskID)
	defer unsubscribe()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := stream.Send(&SubscribeEvent{From: msg.From, Text: msg.Payload.Text, Kind: msg.Payload.Kind}); err != nil {
				return err
			}
		}
	}
}

func _Control_SubmitRequirement_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SubmitRequirementRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).SubmitRequirement(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/substrate.Control/SubmitRequirement"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).SubmitRequirement(ctx, req.(*SubmitRequirementRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Control_SendText_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SendTextRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).SendText(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/substrate.Control/SendText"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).SendText(ctx, req.(*SendTextRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Control_Abort_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(AbortRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).Abort(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/substrate.Control/Abort"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).Abort(ctx, req.(*AbortRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Control_Subscribe_Handler(srv any, stream grpc.ServerStream) error {
	req := new(SubscribeRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(ControlServer).Subscribe(req, &controlSubscribeServer{ServerStream: stream})
}

// ControlServiceDesc is the grpc.ServiceDesc protoc-gen-go-grpc would
// otherwise generate for a substrate.Control service.
var ControlServiceDesc = grpc.ServiceDesc{
	ServiceName: "substrate.Control",
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitRequirement", Handler: _Control_SubmitRequirement_Handler},
		{MethodName: "SendText", Handler: _Control_SendText_Handler},
		{MethodName: "Abort", Handler: _Control_Abort_Handler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: _Control_Subscribe_Handler, ServerStreams: true},
	},
	Metadata: "substrate/control.go",
}

// NewServer constructs a *grpc.Server with the JSON codec forced, the
// control service registered, and bearer-token auth applied to every call
// when authSecret is non-empty. Every call is also timed and counted under
// metrics.GRPCRequestDuration.
func NewServer(svc *Service, authSecret string, logger *slog.Logger, metrics *observability.Metrics) *grpc.Server {
	server := grpc.NewServer(
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.ChainUnaryInterceptor(authUnaryInterceptor(authSecret, logger), metricsUnaryInterceptor(metrics)),
		grpc.ChainStreamInterceptor(authStreamInterceptor(authSecret, logger), metricsStreamInterceptor(metrics)),
	)
	server.RegisterService(&ControlServiceDesc, svc)
	return server
}

// metricsUnaryInterceptor times and counts every unary call under
// metrics.GRPCRequestDuration, labeled by method and outcome.
func metricsUnaryInterceptor(metrics *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		metrics.RecordGRPCRequest(info.FullMethod, grpcStatusLabel(err), time.Since(start).Seconds())
		return resp, err
	}
}

// metricsStreamInterceptor is the streaming analog of
// metricsUnaryInterceptor, timed across the stream's whole lifetime.
func metricsStreamInterceptor(metrics *observability.Metrics) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		metrics.RecordGRPCRequest(info.FullMethod, grpcStatusLabel(err), time.Since(start).Seconds())
		return err
	}
}

func grpcStatusLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return status.Code(err).String()
}
