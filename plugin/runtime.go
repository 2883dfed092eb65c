// Package plugin is the plugin side of the hub protocol.
//
// A plugin creates a Runtime, registers one handler per query and serves
// the PluginService over gRPC. Handlers can query other plugins through the
// hub with Request.Peer; those queries travel on the same stream as the
// request being served.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/machinefabric/plughub-go/fault"
	"github.com/machinefabric/plughub-go/session"
	"github.com/machinefabric/plughub-go/wire"
)

// PeerInvoker queries other plugins through the hub.
type PeerInvoker interface {
	// Query sends a query to the hub. key is marshalled to JSON unless it
	// is already a json.RawMessage.
	Query(ctx context.Context, publisher, plugin, query string, key any) (wire.Result, error)
}

// HandlerFunc answers one query. The returned value is marshalled to JSON
// unless it is already a json.RawMessage.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// ConfigureFunc validates and applies the configuration payload sent by the
// hub before any query.
type ConfigureFunc func(config json.RawMessage) wire.ConfigurationResult

// Request is one query being served.
type Request struct {
	query    *wire.Query
	peer     PeerInvoker
	mu       sync.Mutex
	concerns []string
}

// Name returns the query name.
func (r *Request) Name() string { return r.query.Name }

// Key returns the raw JSON key.
func (r *Request) Key() json.RawMessage { return r.query.Key }

// DecodeKey unmarshals the key into v.
func (r *Request) DecodeKey(v any) error {
	if err := json.Unmarshal(r.query.Key, v); err != nil {
		return fmt.Errorf("invalid key for %s: %w", r.query.Name, err)
	}
	return nil
}

// Peer returns the invoker for nested queries.
func (r *Request) Peer() PeerInvoker { return r.peer }

// AddConcern attaches a free-text concern to the reply.
func (r *Request) AddConcern(concern string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.concerns = append(r.concerns, concern)
}

func (r *Request) takeConcerns() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.concerns
}

type registered struct {
	schema  wire.QuerySchema
	handler HandlerFunc
}

// Runtime implements wire.PluginServiceServer.
type Runtime struct {
	publisher string
	name      string
	logger    *slog.Logger
	limit     int
	timeout   time.Duration

	mu         sync.RWMutex
	handlers   map[string]registered
	order      []string
	configure  ConfigureFunc
	configured bool
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger. The default writes text to stderr, which the
// hub forwards.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// WithMessageLimit overrides the wire message size limit.
func WithMessageLimit(limit int) Option {
	return func(r *Runtime) { r.limit = limit }
}

// WithQueryTimeout bounds each nested query. Zero disables the bound.
func WithQueryTimeout(d time.Duration) Option {
	return func(r *Runtime) { r.timeout = d }
}

// NewRuntime creates a runtime for the plugin publisher/name.
func NewRuntime(publisher, name string, opts ...Option) *Runtime {
	r := &Runtime{
		publisher: publisher,
		name:      name,
		logger:    slog.Default(),
		handlers:  make(map[string]registered),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "plugin", "publisher", publisher, "plugin", name)
	return r
}

// Register adds a query handler. The schemas are declared to the hub, which
// validates keys and outputs against them. Registering a name twice
// replaces the handler.
func (r *Runtime) Register(schema wire.QuerySchema, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[schema.QueryName]; !exists {
		r.order = append(r.order, schema.QueryName)
	}
	r.handlers[schema.QueryName] = registered{schema: schema, handler: handler}
}

// OnConfigure sets the configuration callback. Without one every payload is
// accepted.
func (r *Runtime) OnConfigure(fn ConfigureFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configure = fn
}

// GetQuerySchemas implements wire.PluginServiceServer.
func (r *Runtime) GetQuerySchemas(context.Context, *wire.Empty) (*wire.QuerySchemas, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := &wire.QuerySchemas{Schemas: make([]wire.QuerySchema, 0, len(r.order))}
	for _, name := range r.order {
		out.Schemas = append(out.Schemas, r.handlers[name].schema)
	}
	return out, nil
}

// SetConfiguration implements wire.PluginServiceServer.
func (r *Runtime) SetConfiguration(_ context.Context, in *wire.Configuration) (*wire.ConfigurationResult, error) {
	r.mu.RLock()
	configure := r.configure
	r.mu.RUnlock()

	res := wire.ConfigurationResult{Status: wire.ConfigurationStatusComplete}
	if configure != nil {
		if in.JSON != "" && !json.Valid([]byte(in.JSON)) {
			res = wire.ConfigurationResult{Status: wire.ConfigurationStatusParseError, Message: "configuration is not valid JSON"}
		} else {
			res = configure(json.RawMessage(in.JSON))
		}
	}

	r.mu.Lock()
	r.configured = res.Status == wire.ConfigurationStatusComplete
	r.mu.Unlock()
	if res.Status != wire.ConfigurationStatusComplete {
		r.logger.Warn("configuration rejected", "status", res.Status, "message", res.Message)
	}
	return &res, nil
}

// InitiateQueryProtocol implements wire.PluginServiceServer. It serves
// queries from the hub until the stream ends.
func (r *Runtime) InitiateQueryProtocol(stream wire.ServerQueryStream) error {
	peer := &muxPeer{timeout: r.timeout}
	mux := session.NewMux(stream, session.Config{
		Side:         session.PluginSide,
		MessageLimit: r.limit,
		Handler: session.HandlerFunc(func(ctx context.Context, q *wire.Query) (wire.Result, error) {
			return r.serve(ctx, q, peer)
		}),
		Logger: r.logger,
	})
	peer.mux = mux
	defer mux.Close()

	r.logger.Debug("query stream opened")
	return mux.Run(stream.Context())
}

func (r *Runtime) serve(ctx context.Context, q *wire.Query, peer PeerInvoker) (wire.Result, error) {
	r.mu.RLock()
	reg, ok := r.handlers[q.Name]
	ready := r.configured || r.configure == nil
	r.mu.RUnlock()

	if !ready {
		return wire.Result{}, fault.New(fault.KindConfiguration, "plugin %s/%s is not configured", r.publisher, r.name)
	}
	if !ok {
		return wire.Result{}, fault.New(fault.KindUnknownQuery, "%s/%s has no query %q", r.publisher, r.name, q.Name)
	}

	req := &Request{query: q, peer: peer}
	value, err := reg.handler(ctx, req)
	if err != nil {
		return wire.Result{}, err
	}
	output, err := toJSON(value)
	if err != nil {
		return wire.Result{}, fmt.Errorf("failed to encode output of %s: %w", q.Name, err)
	}
	return wire.Result{Output: output, Concerns: req.takeConcerns()}, nil
}

func toJSON(v any) (json.RawMessage, error) {
	switch v := v.(type) {
	case json.RawMessage:
		return v, nil
	case nil:
		return json.RawMessage("null"), nil
	}
	return json.Marshal(v)
}

type muxPeer struct {
	mux     *session.Mux
	timeout time.Duration
}

func (p *muxPeer) Query(ctx context.Context, publisher, plugin, query string, key any) (wire.Result, error) {
	raw, err := toJSON(key)
	if err != nil {
		return wire.Result{}, fmt.Errorf("failed to encode key: %w", err)
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	return p.mux.Query(ctx, &wire.Query{Publisher: publisher, Plugin: plugin, Name: query, Key: raw})
}

// NewServer returns a gRPC server with the runtime registered.
func (r *Runtime) NewServer() *grpc.Server {
	s := grpc.NewServer(wire.ServerOptions()...)
	wire.RegisterPluginServiceServer(s, r)
	return s
}

// Serve listens on the loopback port and serves until ctx ends.
func (r *Runtime) Serve(ctx context.Context, port int) error {
	lis, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	s := r.NewServer()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	r.logger.Info("plugin listening", "addr", lis.Addr().String())
	return s.Serve(lis)
}
