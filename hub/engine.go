// Package hub is the entry point of the plugin hub.
//
// An Engine starts plugins, keeps one query stream per plugin and answers
// queries through a run-wide cache. Plugins query each other through the
// Engine: a query a plugin sends to the hub is resolved by the same
// Engine.Query that serves top-level callers.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/machinefabric/plughub-go/cache"
	"github.com/machinefabric/plughub-go/fault"
	"github.com/machinefabric/plughub-go/process"
	"github.com/machinefabric/plughub-go/session"
	"github.com/machinefabric/plughub-go/wire"
)

const tracerName = "github.com/machinefabric/plughub-go/hub"

// Spec is a plugin to start with its configuration payload (JSON).
type Spec struct {
	Descriptor process.Descriptor
	Config     string
}

type pluginID struct {
	publisher string
	name      string
}

func (id pluginID) String() string {
	return id.publisher + "/" + id.name
}

// registration is a known plugin. handle is set once it is connected;
// startErr remembers a failed start so later queries fail fast.
type registration struct {
	spec     Spec
	handle   *PluginHandle
	startErr error
}

// Engine is the hub facade. Create one per run with New.
type Engine struct {
	cfg     Config
	runID   string
	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
	manager *process.Manager
	cache   *cache.Cache

	ctx    context.Context
	cancel context.CancelFunc

	starts singleflight.Group

	mu      sync.RWMutex
	plugins map[pluginID]*registration
	closed  bool
}

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	logger      *slog.Logger
	registerer  prometheus.Registerer
	tracer      trace.Tracer
	processOpts []process.Option
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *engineOptions) { o.logger = l }
}

// WithRegisterer registers the engine's metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *engineOptions) { o.registerer = reg }
}

// WithTracer replaces the tracer from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(o *engineOptions) { o.tracer = t }
}

// WithProcessOptions passes options to the process manager, e.g. a custom
// launcher or connector.
func WithProcessOptions(opts ...process.Option) Option {
	return func(o *engineOptions) { o.processOpts = append(o.processOpts, opts...) }
}

// New creates an Engine.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fault.Wrap(fault.KindConfiguration, err, "invalid hub configuration")
	}
	o := engineOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}

	runID := uuid.NewString()
	logger := o.logger.With("component", "hub", "run_id", runID)
	metrics := NewMetrics(o.registerer)

	procOpts := append([]process.Option{
		process.WithLogger(logger),
		process.WithObserver(metrics),
	}, o.processOpts...)

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:     cfg,
		runID:   runID,
		logger:  logger,
		metrics: metrics,
		tracer:  o.tracer,
		manager: process.NewManager(cfg.ProcessConfig(), procOpts...),
		cache:   cache.New(cfg.CachePolicy()),
		ctx:     ctx,
		cancel:  cancel,
		plugins: make(map[pluginID]*registration),
	}, nil
}

// RunID identifies this engine's run in logs and traces.
func (e *Engine) RunID() string {
	return e.runID
}

// Cache returns the run's query cache.
func (e *Engine) Cache() *cache.Cache {
	return e.cache
}

// Register makes a plugin known without starting it. It is started by the
// first query that targets it.
func (e *Engine) Register(spec Spec) error {
	if err := spec.Descriptor.Validate(); err != nil {
		return fault.Wrap(fault.KindConfiguration, err, "cannot register plugin")
	}
	id := pluginID{spec.Descriptor.Publisher, spec.Descriptor.Name}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fault.New(fault.KindClosed, "cannot register %s", id)
	}
	if _, exists := e.plugins[id]; exists {
		return fault.New(fault.KindConfiguration, "plugin %s registered twice", id)
	}
	e.plugins[id] = &registration{spec: spec}
	return nil
}

// Start registers and starts plugins concurrently. Every plugin is
// attempted; the returned error joins all start failures.
func (e *Engine) Start(ctx context.Context, specs ...Spec) error {
	for _, spec := range specs {
		if err := e.Register(spec); err != nil {
			return err
		}
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, spec := range specs {
		id := pluginID{spec.Descriptor.Publisher, spec.Descriptor.Name}
		g.Go(func() error {
			if _, err := e.ensureStarted(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

// ensureStarted returns the plugin's handle, starting it on first use.
// Concurrent callers share one start.
func (e *Engine) ensureStarted(ctx context.Context, id pluginID) (*PluginHandle, error) {
	e.mu.RLock()
	reg, ok := e.plugins[id]
	closed := e.closed
	var handle *PluginHandle
	var startErr error
	if ok {
		handle, startErr = reg.handle, reg.startErr
	}
	e.mu.RUnlock()

	switch {
	case closed:
		return nil, fault.New(fault.KindClosed, "")
	case !ok:
		return nil, &fault.Error{Kind: fault.KindUnknownPlugin, Publisher: id.publisher, Plugin: id.name}
	case handle != nil:
		return handle, nil
	case startErr != nil:
		return nil, startErr
	}

	v, err, _ := e.starts.Do(id.String(), func() (any, error) {
		e.mu.RLock()
		h, prevErr := reg.handle, reg.startErr
		e.mu.RUnlock()
		if h != nil || prevErr != nil {
			return h, prevErr
		}
		// Not bound to one caller: others may be waiting on this start.
		return e.startPlugin(context.WithoutCancel(ctx), reg)
	})
	if err != nil {
		return nil, err
	}
	return v.(*PluginHandle), nil
}

func (e *Engine) startPlugin(ctx context.Context, reg *registration) (*PluginHandle, error) {
	d := reg.spec.Descriptor
	ctx, span := e.tracer.Start(ctx, "hub.StartPlugin", trace.WithAttributes(
		attribute.String("plughub.publisher", d.Publisher),
		attribute.String("plughub.plugin", d.Name),
		attribute.String("plughub.version", d.Version),
	))
	defer span.End()

	started, err := e.manager.Start(ctx, d)
	if err == nil {
		var h *PluginHandle
		h, err = e.connect(ctx, reg, started.Link, started.Process)
		if err == nil {
			span.SetStatus(codes.Ok, "")
			return h, nil
		}
		started.Stop()
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	e.logger.Error("plugin failed to start", "publisher", d.Publisher, "plugin", d.Name, "error", err)
	e.mu.Lock()
	reg.startErr = err
	e.mu.Unlock()
	return nil, err
}

// Attach connects a plugin that is already running on link, e.g. one served
// in-process. The plugin is configured like a started one. Once the spec is
// registered the engine owns link: it is closed on Shutdown, or right away
// when the plugin fails to connect.
func (e *Engine) Attach(ctx context.Context, spec Spec, link *process.Link) (*PluginHandle, error) {
	if err := e.Register(spec); err != nil {
		return nil, err
	}
	e.mu.RLock()
	reg := e.plugins[pluginID{spec.Descriptor.Publisher, spec.Descriptor.Name}]
	e.mu.RUnlock()

	h, err := e.connect(ctx, reg, link, nil)
	if err != nil {
		link.Close()
		e.mu.Lock()
		reg.startErr = err
		e.mu.Unlock()
		return nil, err
	}
	return h, nil
}

// connect configures the plugin, opens the query stream and starts its Mux.
func (e *Engine) connect(ctx context.Context, reg *registration, link *process.Link, proc process.Process) (*PluginHandle, error) {
	d := reg.spec.Descriptor
	log := e.logger.With("publisher", d.Publisher, "plugin", d.Name)

	schemas, err := compileSchemas(link.Schemas)
	if err != nil {
		return nil, fault.WithTarget(err, d.Publisher, d.Name, "")
	}

	if err := e.configure(ctx, d, link, reg.spec.Config); err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(e.ctx)
	stream, err := link.Client.InitiateQueryProtocol(streamCtx)
	if err != nil {
		cancel()
		return nil, &fault.Error{Kind: fault.KindPeerDisconnected, Publisher: d.Publisher, Plugin: d.Name,
			Message: "failed to open query stream", Err: err}
	}

	h := &PluginHandle{
		desc:    d,
		proc:    proc,
		link:    link,
		schemas: schemas,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
	h.mux = session.NewMux(stream, session.Config{
		Side:       session.HubSide,
		BufferSize: e.cfg.MsgBufferSize,
		Handler:    e,
		Logger:     log,
		Observer:   e.metrics,
	})

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return nil, fault.New(fault.KindClosed, "engine shut down while starting %s", d)
	}
	reg.handle = h
	e.mu.Unlock()

	e.metrics.plugins.Inc()
	go func() {
		defer close(h.stopped)
		defer e.metrics.plugins.Dec()
		if err := h.mux.Run(streamCtx); err != nil {
			log.Warn("plugin query stream ended", "error", err)
		} else {
			log.Debug("plugin query stream closed")
		}
	}()

	log.Info("plugin ready", "queries", len(schemas.order))
	return h, nil
}

// configure sends the configuration payload. Any status but COMPLETE is a
// configuration error carrying the plugin's status and message verbatim.
func (e *Engine) configure(ctx context.Context, d process.Descriptor, link *process.Link, config string) error {
	if config == "" {
		config = "{}"
	}
	res, err := link.Client.SetConfiguration(ctx, &wire.Configuration{JSON: config})
	if err != nil {
		return &fault.Error{Kind: fault.KindPeerDisconnected, Publisher: d.Publisher, Plugin: d.Name,
			Message: "configuration call failed", Err: err}
	}
	if res.Status != wire.ConfigurationStatusComplete {
		return &fault.Error{
			Kind:      fault.KindConfiguration,
			Publisher: d.Publisher,
			Plugin:    d.Name,
			Status:    res.Status.String(),
			Message:   res.Message,
		}
	}
	return nil
}

// Query resolves a query against the named plugin. Identical queries are
// answered at most once per run; repeats are served from the cache.
func (e *Engine) Query(ctx context.Context, publisher, plugin, query string, key json.RawMessage) (wire.Result, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "hub.Query", trace.WithAttributes(
		attribute.String("plughub.run_id", e.runID),
		attribute.String("plughub.publisher", publisher),
		attribute.String("plughub.plugin", plugin),
		attribute.String("plughub.query", query),
		attribute.Bool("plughub.nested", session.FromContext(ctx) != nil),
	))
	defer span.End()

	res, err := e.query(ctx, publisher, plugin, query, key)
	e.metrics.observeQuery(publisher, plugin, start, err)
	if err != nil {
		err = fault.WithTarget(err, publisher, plugin, query)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return wire.Result{}, err
	}
	span.SetStatus(codes.Ok, "")
	return res, nil
}

func (e *Engine) query(ctx context.Context, publisher, plugin, query string, key json.RawMessage) (wire.Result, error) {
	h, err := e.ensureStarted(ctx, pluginID{publisher, plugin})
	if err != nil {
		return wire.Result{}, err
	}
	cq, ok := h.schemas.lookup(query)
	if !ok {
		return wire.Result{}, fault.New(fault.KindUnknownQuery, "plugin does not declare query %q", query)
	}
	ck, err := cache.NewKey(publisher, plugin, query, key)
	if err != nil {
		return wire.Result{}, fault.Wrap(fault.KindInvalidKey, err, "")
	}
	canonical := json.RawMessage(ck.Key)
	if err := cq.validateKey(canonical); err != nil {
		return wire.Result{}, err
	}

	res, outcome, err := e.cache.Resolve(ctx, ck, func(cctx context.Context) (wire.Result, error) {
		if !h.Alive() {
			return wire.Result{}, h.deadError()
		}
		if e.cfg.QueryTimeout > 0 {
			var cancel context.CancelFunc
			cctx, cancel = context.WithTimeout(cctx, e.cfg.QueryTimeout)
			defer cancel()
		}
		res, err := h.mux.Query(cctx, &wire.Query{Publisher: publisher, Plugin: plugin, Name: query, Key: canonical})
		if err != nil {
			return wire.Result{}, err
		}
		if err := cq.validateOutput(res.Output); err != nil {
			return wire.Result{}, err
		}
		return res, nil
	})
	e.metrics.observeCache(outcome)
	if outcome != cache.Miss {
		e.logger.Debug("query answered from cache", "query", ck.String(), "outcome", outcome)
	}
	return res, err
}

// Serve answers a query a plugin sent to the hub by resolving it like any
// other query. It implements session.Handler.
func (e *Engine) Serve(ctx context.Context, q *wire.Query) (wire.Result, error) {
	return e.Query(ctx, q.Publisher, q.Plugin, q.Name, q.Key)
}

// PluginState describes a known plugin.
type PluginState string

const (
	PluginRegistered PluginState = "registered"
	PluginRunning    PluginState = "running"
	PluginFailed     PluginState = "failed"
	PluginStopped    PluginState = "stopped"
)

// PluginInfo is a snapshot of one plugin for status output.
type PluginInfo struct {
	Descriptor process.Descriptor
	State      PluginState
	Queries    []string
	Sessions   int
	Err        error
}

// Plugins lists every known plugin, sorted by publisher and name.
func (e *Engine) Plugins() []PluginInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	infos := make([]PluginInfo, 0, len(e.plugins))
	for _, reg := range e.plugins {
		info := PluginInfo{Descriptor: reg.spec.Descriptor, State: PluginRegistered, Err: reg.startErr}
		switch {
		case reg.handle != nil && reg.handle.Alive():
			info.State = PluginRunning
			info.Sessions = reg.handle.LiveSessions()
		case reg.handle != nil:
			info.State = PluginStopped
			info.Err = reg.handle.deadError()
		case reg.startErr != nil:
			info.State = PluginFailed
		}
		if reg.handle != nil {
			info.Queries = reg.handle.schemas.order
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		a, b := infos[i].Descriptor, infos[j].Descriptor
		if a.Publisher != b.Publisher {
			return a.Publisher < b.Publisher
		}
		return a.Name < b.Name
	})
	return infos
}

// Handle returns the connected handle of a plugin, if any.
func (e *Engine) Handle(publisher, plugin string) (*PluginHandle, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	reg, ok := e.plugins[pluginID{publisher, plugin}]
	if !ok || reg.handle == nil {
		return nil, false
	}
	return reg.handle, true
}

// Shutdown stops every plugin. Later queries fail with fault.KindClosed.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	var handles []*PluginHandle
	for _, reg := range e.plugins {
		if reg.handle != nil {
			handles = append(handles, reg.handle)
		}
	}
	e.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := h.stop(); err != nil {
			errs = append(errs, fmt.Errorf("stopping %s: %w", h.desc, err))
		}
	}
	e.cancel()
	e.logger.Info("hub shut down", "plugins", len(handles))
	return errors.Join(errs...)
}
