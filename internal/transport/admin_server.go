package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/zde37/dhtp/internal/dht"
	"github.com/zde37/dhtp/pkg"
)

const (
	// AdminServiceName is the fully qualified name of the admin service.
	AdminServiceName = "dhtp.v1.NodeAdmin"

	statusMethod = "/" + AdminServiceName + "/Status"
	leaveMethod  = "/" + AdminServiceName + "/Leave"
)

// NodeAdminServer is the operator API of a ring member.
type NodeAdminServer interface {
	// Status reports the node's ring state.
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// Leave runs the departure sequence and returns once the node has left.
	Leave(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

func _NodeAdmin_Status_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeAdminServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: statusMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeAdminServer).Status(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _NodeAdmin_Leave_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeAdminServer).Leave(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: leaveMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeAdminServer).Leave(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// NodeAdminServiceDesc describes the admin service for grpc.Server.RegisterService.
var NodeAdminServiceDesc = grpc.ServiceDesc{
	ServiceName: AdminServiceName,
	HandlerType: (*NodeAdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Status", Handler: _NodeAdmin_Status_Handler},
		{MethodName: "Leave", Handler: _NodeAdmin_Leave_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dhtp/v1/admin.proto",
}

// Compile-time checks
var (
	_ NodeAdminServer           = (*AdminServer)(nil)
	_ dht.RingUpdateBroadcaster = (*AdminServer)(nil)
)

// AdminServer exposes a Node over gRPC: the admin service, the standard
// health service and reflection.
type AdminServer struct {
	node      *dht.Node
	server    *grpc.Server
	health    *health.Server
	logger    *pkg.Logger
	authToken string

	// Server address
	address  string
	listener net.Listener

	left     chan struct{}
	leftOnce sync.Once
}

// NewAdminServer creates an admin server for node. It subscribes to the
// node's ring events to keep the health status current.
func NewAdminServer(node *dht.Node, address string, authToken string, logger *pkg.Logger) (*AdminServer, error) {
	if node == nil {
		return nil, fmt.Errorf("node cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	s := &AdminServer{
		node:      node,
		health:    health.NewServer(),
		address:   address,
		authToken: authToken,
		logger:    logger.WithFields(pkg.Fields{"component": "admin_server"}),
		left:      make(chan struct{}),
	}
	node.AddBroadcaster(s)

	return s, nil
}

// Start starts the gRPC server.
func (s *AdminServer) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(1024 * 1024),
		grpc.MaxSendMsgSize(4 * 1024 * 1024),
		grpc.UnaryInterceptor(AuthInterceptor(s.authToken)),
	}

	s.server = grpc.NewServer(opts...)
	s.server.RegisterService(&NodeAdminServiceDesc, s)
	healthpb.RegisterHealthServer(s.server, s.health)
	reflection.Register(s.server)

	st := s.node.Status()
	s.setServing(st.Joined && !st.Leaving && !st.Departed)

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Starting admin gRPC server")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error().Err(err).Msg("Admin gRPC server error")
		}
	}()

	return nil
}

// Addr returns the listening address, useful when started on port 0.
func (s *AdminServer) Addr() string {
	if s.listener == nil {
		return s.address
	}
	return s.listener.Addr().String()
}

// Left is closed once a Leave RPC has completed.
func (s *AdminServer) Left() <-chan struct{} {
	return s.left
}

// Stop gracefully stops the gRPC server.
func (s *AdminServer) Stop() error {
	s.logger.Info().Msg("Stopping admin gRPC server")

	s.health.Shutdown()
	if s.server != nil {
		s.server.GracefulStop()
	}
	return nil
}

// Status implements NodeAdminServer.
func (s *AdminServer) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(StatusFields(s.node.Status()))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding status: %v", err)
	}
	return out, nil
}

// Leave implements NodeAdminServer. The call's deadline bounds the wait for
// the leave message to circle the ring.
func (s *AdminServer) Leave(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	s.logger.Info().Msg("Leave requested")

	if err := s.node.Leave(ctx); err != nil {
		switch {
		case errors.Is(err, pkg.ErrDeparted), errors.Is(err, pkg.ErrNotJoined):
			return nil, status.Error(codes.FailedPrecondition, err.Error())
		case ctx.Err() != nil:
			return nil, status.FromContextError(ctx.Err()).Err()
		default:
			return nil, status.Errorf(codes.Internal, "leave failed: %v", err)
		}
	}

	s.leftOnce.Do(func() { close(s.left) })
	return &emptypb.Empty{}, nil
}

// BroadcastRingUpdate implements dht.RingUpdateBroadcaster. A node stops
// reporting healthy as soon as it starts leaving.
func (s *AdminServer) BroadcastRingUpdate(update any) error {
	event, ok := update.(dht.RingUpdateEvent)
	if !ok {
		return fmt.Errorf("unexpected ring update %T", update)
	}

	switch event.Type {
	case dht.EventRingCreated, dht.EventJoined:
		s.setServing(true)
	case dht.EventLeaving, dht.EventDeparted:
		s.setServing(false)
	}
	return nil
}

func (s *AdminServer) setServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(AdminServiceName, st)
}

// StatusFields flattens a node status into JSON-friendly values.
func StatusFields(st dht.Status) map[string]any {
	routes := make([]any, len(st.Routes))
	for i, r := range st.Routes {
		routes[i] = r.String()
	}

	fields := map[string]any{
		"address":    st.Address.String(),
		"joined":     st.Joined,
		"leaving":    st.Leaving,
		"departed":   st.Departed,
		"routes":     routes,
		"store":      statsFields(st.Store),
		"cache_on":   st.CacheEnabled,
		"hash_range": nil,
	}
	if st.Joined {
		fields["self"] = st.Self.String()
		fields["predecessor"] = st.Predecessor.String()
		fields["successor"] = st.Successor.String()
		fields["hash_range"] = st.HashRange.String()
	}
	if st.CacheEnabled {
		fields["cache"] = statsFields(st.Cache)
	}
	return fields
}

func statsFields(s pkg.Stats) map[string]any {
	return map[string]any{
		"entries":   s.Entries,
		"hits":      s.Hits,
		"misses":    s.Misses,
		"sets":      s.Sets,
		"deletes":   s.Deletes,
		"evictions": s.Evictions,
	}
}
