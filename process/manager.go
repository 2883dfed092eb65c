package process

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"time"

	"github.com/machinefabric/plughub-go/fault"
)

// Config bounds plugin startup.
type Config struct {
	MaxSpawnAttempts int
	MaxConnAttempts  int
	// BackoffInterval is the base wait unit between connection attempts.
	BackoffInterval time.Duration
	// JitterPercent randomizes each wait by up to ±JitterPercent percent.
	JitterPercent int
}

// DefaultConfig returns the defaults used when no configuration is given.
func DefaultConfig() Config {
	return Config{
		MaxSpawnAttempts: 3,
		MaxConnAttempts:  5,
		BackoffInterval:  100 * time.Millisecond,
		JitterPercent:    10,
	}
}

// Validate checks the configuration ranges.
func (c Config) Validate() error {
	if c.MaxSpawnAttempts < 1 {
		return fmt.Errorf("max-spawn-attempts must be at least 1, got %d", c.MaxSpawnAttempts)
	}
	if c.MaxConnAttempts < 1 {
		return fmt.Errorf("max-conn-attempts must be at least 1, got %d", c.MaxConnAttempts)
	}
	if c.BackoffInterval < 0 {
		return fmt.Errorf("backoff-interval must not be negative, got %s", c.BackoffInterval)
	}
	if c.JitterPercent < 0 || c.JitterPercent > 100 {
		return fmt.Errorf("jitter-percent must be within 0-100, got %d", c.JitterPercent)
	}
	return nil
}

// Backoff returns the wait before connection attempt n (1-based):
// BackoffInterval * n * (1 ± jitter). frac in [0, 1) scales the jitter and
// negative selects its sign.
func (c Config) Backoff(n int, frac float64, negative bool) time.Duration {
	base := float64(c.BackoffInterval) * float64(n)
	jitter := base * float64(c.JitterPercent) / 100 * frac
	if negative {
		jitter = -jitter
	}
	return time.Duration(base + jitter)
}

// Observer is notified of every startup attempt.
type Observer interface {
	SpawnAttempt(d Descriptor, attempt int, err error)
	ConnAttempt(d Descriptor, attempt int, wait time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) SpawnAttempt(Descriptor, int, error)               {}
func (nopObserver) ConnAttempt(Descriptor, int, time.Duration, error) {}

// Plugin is a started plugin: its process, the port it listens on and the
// established link.
type Plugin struct {
	Descriptor Descriptor
	Process    Process
	Port       int
	Link       *Link
}

// Stop closes the link and kills the process.
func (p *Plugin) Stop() error {
	linkErr := p.Link.Close()
	if p.Process != nil {
		if err := p.Process.Kill(); err != nil {
			return err
		}
	}
	return linkErr
}

// Manager starts plugins.
type Manager struct {
	cfg       Config
	launcher  Launcher
	connector Connector
	logger    *slog.Logger
	observer  Observer
	allocPort func() (int, error)
	sleep     func(ctx context.Context, d time.Duration) error
	random    func() float64
}

// Option configures a Manager.
type Option func(*Manager)

// WithLauncher replaces the default ExecLauncher.
func WithLauncher(l Launcher) Option {
	return func(m *Manager) { m.launcher = l }
}

// WithConnector replaces the default GRPCConnector.
func WithConnector(c Connector) Option {
	return func(m *Manager) { m.connector = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithObserver registers an observer for startup attempts.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithPortAllocator replaces AllocatePort.
func WithPortAllocator(f func() (int, error)) Option {
	return func(m *Manager) { m.allocPort = f }
}

// WithSleep replaces the context-aware sleep between connection attempts.
func WithSleep(f func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) { m.sleep = f }
}

// WithRandom replaces the uniform [0, 1) source used for jitter.
func WithRandom(f func() float64) Option {
	return func(m *Manager) { m.random = f }
}

// NewManager creates a Manager. cfg must be valid.
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:       cfg,
		launcher:  ExecLauncher{},
		connector: GRPCConnector{},
		logger:    slog.Default(),
		observer:  nopObserver{},
		allocPort: AllocatePort,
		sleep:     sleepContext,
		random:    rand.Float64,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "process")
	return m
}

// Config returns the manager's configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Start launches d and connects to it.
//
// Each spawn attempt allocates a fresh port, launches the process and makes
// up to MaxConnAttempts connection attempts, sleeping Backoff(n) before
// attempt n. A process that never answers is killed before the next spawn
// attempt. Errors are *fault.Error of kind PortAllocation, Spawn (every
// launch failed) or ExhaustedAttempts.
func (m *Manager) Start(ctx context.Context, d Descriptor) (*Plugin, error) {
	log := m.logger.With("publisher", d.Publisher, "plugin", d.Name)
	launched := false
	var lastErr error

	for spawn := 1; spawn <= m.cfg.MaxSpawnAttempts; spawn++ {
		port, err := m.allocPort()
		if err != nil {
			return nil, m.annotate(fault.Wrap(fault.KindPortAllocation, err, "spawn attempt %d", spawn), d)
		}

		proc, err := m.launcher.Launch(ctx, d, port)
		m.observer.SpawnAttempt(d, spawn, err)
		if err != nil {
			log.Warn("plugin launch failed", "attempt", spawn, "error", err)
			lastErr = err
			continue
		}
		launched = true
		log.Debug("plugin launched", "attempt", spawn, "pid", proc.Pid(), "port", port)

		link, err := m.connect(ctx, log, d, proc, port)
		if err == nil {
			log.Info("plugin started", "attempt", spawn, "pid", proc.Pid(), "port", port)
			return &Plugin{Descriptor: d, Process: proc, Port: port, Link: link}, nil
		}
		lastErr = err

		if killErr := proc.Kill(); killErr != nil {
			log.Warn("failed to kill unresponsive plugin", "pid", proc.Pid(), "error", killErr)
		}
		if ctx.Err() != nil {
			return nil, m.annotate(fault.Wrap(fault.KindExhaustedAttempts, ctx.Err(), "start cancelled"), d)
		}
		log.Warn("plugin did not answer, respawning", "attempt", spawn, "error", err)
	}

	if !launched {
		return nil, m.annotate(fault.Wrap(fault.KindSpawn, lastErr, "%d launch attempts failed", m.cfg.MaxSpawnAttempts), d)
	}
	return nil, m.annotate(fault.Wrap(fault.KindExhaustedAttempts, lastErr,
		"%d spawn attempts with %d connection attempts each", m.cfg.MaxSpawnAttempts, m.cfg.MaxConnAttempts), d)
}

func (m *Manager) connect(ctx context.Context, log *slog.Logger, d Descriptor, proc Process, port int) (*Link, error) {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxConnAttempts; attempt++ {
		wait := m.cfg.Backoff(attempt, m.random(), m.random() < 0.5)
		if err := m.sleep(ctx, wait); err != nil {
			return nil, err
		}

		select {
		case <-proc.Done():
			err := fmt.Errorf("plugin process %d exited", proc.Pid())
			m.observer.ConnAttempt(d, attempt, wait, err)
			return nil, err
		default:
		}

		link, err := m.connector.Connect(ctx, addr)
		m.observer.ConnAttempt(d, attempt, wait, err)
		if err == nil {
			return link, nil
		}
		log.Debug("connection attempt failed", "attempt", attempt, "wait", wait, "error", err)
		lastErr = err
	}
	return nil, lastErr
}

func (m *Manager) annotate(err *fault.Error, d Descriptor) error {
	err.Publisher = d.Publisher
	err.Plugin = d.Name
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
