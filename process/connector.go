package process

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"

	"github.com/machinefabric/plughub-go/wire"
)

// Link is an established connection to a plugin, with the query schemas it
// declared during the connect probe.
type Link struct {
	Conn    *grpc.ClientConn
	Client  wire.PluginServiceClient
	Schemas *wire.QuerySchemas
}

// Close closes the underlying connection.
func (l *Link) Close() error {
	if l == nil || l.Conn == nil {
		return nil
	}
	return l.Conn.Close()
}

// Connector opens a Link to a plugin listening on addr.
type Connector interface {
	Connect(ctx context.Context, addr string) (*Link, error)
}

// GRPCConnector connects over gRPC and probes the plugin with a
// GetQuerySchemas call. A plugin that has not bound its port yet fails the
// probe.
type GRPCConnector struct {
	// Timeout bounds one probe. Zero means DefaultConnectTimeout.
	Timeout time.Duration
	// DialOptions are appended to wire.DialOptions().
	DialOptions []grpc.DialOption
}

// DefaultConnectTimeout bounds a single connection probe.
const DefaultConnectTimeout = 2 * time.Second

// Connect implements Connector.
func (c GRPCConnector) Connect(ctx context.Context, addr string) (*Link, error) {
	opts := append(wire.DialOptions(), c.DialOptions...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", addr, err)
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := wire.NewPluginServiceClient(conn)
	schemas, err := client.GetQuerySchemas(probeCtx, &wire.Empty{})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("plugin at %s not answering: %w", addr, err)
	}
	return &Link{Conn: conn, Client: client, Schemas: schemas}, nil
}
