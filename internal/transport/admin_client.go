package transport

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/zde37/dhtp/pkg"
)

// AdminClient calls the admin service of one node.
type AdminClient struct {
	conn    *grpc.ClientConn
	health  healthpb.HealthClient
	logger  *pkg.Logger
	address string

	// Default timeout for Status and Health calls
	timeout time.Duration
}

// NewAdminClient creates a client for the admin server at address. The
// connection is established lazily on the first call.
func NewAdminClient(address, authToken string, timeout time.Duration, logger *pkg.Logger) (*AdminClient, error) {
	if logger == nil {
		logger = pkg.Nop()
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(AuthClientInterceptor(authToken)),
	}

	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", address, err)
	}

	return &AdminClient{
		conn:    conn,
		health:  healthpb.NewHealthClient(conn),
		logger:  logger.WithFields(pkg.Fields{"component": "admin_client", "address": address}),
		address: address,
		timeout: timeout,
	}, nil
}

// Conn returns the underlying connection.
func (c *AdminClient) Conn() *grpc.ClientConn {
	return c.conn
}

func (c *AdminClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Status calls the Status RPC.
func (c *AdminClient) Status(ctx context.Context) (*structpb.Struct, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, statusMethod, &emptypb.Empty{}, out); err != nil {
		return nil, fmt.Errorf("Status RPC failed: %w", err)
	}
	return out, nil
}

// Leave calls the Leave RPC. It waits as long as ctx allows, since a leave
// only finishes once its message has travelled the whole ring.
func (c *AdminClient) Leave(ctx context.Context) error {
	c.logger.Debug().Msg("Requesting leave")

	if err := c.conn.Invoke(ctx, leaveMethod, &emptypb.Empty{}, &emptypb.Empty{}); err != nil {
		return fmt.Errorf("Leave RPC failed: %w", err)
	}
	return nil
}

// Health checks the overall serving status of the node.
func (c *AdminClient) Health(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus(), nil
}

// Close closes the connection.
func (c *AdminClient) Close() error {
	return c.conn.Close()
}
