// Package session multiplexes concurrent logical queries over one query
// protocol stream.
//
// A Mux owns the receive side of the stream: a single loop reads every
// inbound message and forwards it to the session with the same id, creating
// a session when the peer starts a new query. Sends from all sessions go
// through one writer goroutine. The hub uses odd ids for its queries and
// plugins use even ids, so both ends can start queries on the same stream.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/machinefabric/plughub-go/chunk"
	"github.com/machinefabric/plughub-go/fault"
	"github.com/machinefabric/plughub-go/wire"
)

// Stream is one end of the query protocol stream. Send and Recv are each
// called from a single goroutine.
type Stream interface {
	Send(*wire.QueryMessage) error
	Recv() (*wire.QueryMessage, error)
}

// Handler serves queries started by the peer. The context carries the
// inbound Session; queries made with it are nested queries of that session.
type Handler interface {
	Serve(ctx context.Context, q *wire.Query) (wire.Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, q *wire.Query) (wire.Result, error)

func (f HandlerFunc) Serve(ctx context.Context, q *wire.Query) (wire.Result, error) {
	return f(ctx, q)
}

// Side selects which id parity a Mux mints.
type Side int

const (
	// HubSide mints odd ids.
	HubSide Side = iota
	// PluginSide mints even ids.
	PluginSide
)

// Observer is notified when sessions start and end.
type Observer interface {
	SessionStarted(inbound bool)
	SessionEnded(inbound bool, state State)
}

type nopObserver struct{}

func (nopObserver) SessionStarted(bool)      {}
func (nopObserver) SessionEnded(bool, State) {}

// DefaultBufferSize is the per-session forwarding channel depth.
const DefaultBufferSize = 10

// Config configures a Mux.
type Config struct {
	Side Side
	// BufferSize is the depth of each session's inbox.
	BufferSize int
	// MessageLimit bounds every encoded message. Zero means
	// wire.DefaultMaxMessageSize.
	MessageLimit int
	// Handler serves peer-started queries. Without one they are answered
	// with an error reply.
	Handler  Handler
	Logger   *slog.Logger
	Observer Observer
}

// Mux demultiplexes one stream into sessions.
type Mux struct {
	stream   Stream
	side     Side
	buffer   int
	limit    int
	handler  Handler
	logger   *slog.Logger
	observer Observer

	counter atomic.Uint64
	out     chan *wire.QueryMessage

	mu       sync.Mutex
	sessions map[uint64]*Session
	closed   bool
	closeErr error
	done     chan struct{}

	// Peer ids below remoteNext have all been seen. Peer ids above it that
	// were seen out of order are kept in remoteSeen until the gap closes.
	remoteNext uint64
	remoteSeen map[uint64]struct{}
}

// NewMux creates a Mux over stream. Run must be called to start traffic.
func NewMux(stream Stream, cfg Config) *Mux {
	m := &Mux{
		stream:   stream,
		side:     cfg.Side,
		buffer:   cfg.BufferSize,
		limit:    cfg.MessageLimit,
		handler:  cfg.Handler,
		logger:   cfg.Logger,
		observer: cfg.Observer,
		out:      make(chan *wire.QueryMessage, 64),
		sessions: make(map[uint64]*Session),
		done:     make(chan struct{}),

		remoteNext: 1,
		remoteSeen: make(map[uint64]struct{}),
	}
	if m.side == HubSide {
		m.remoteNext = 2
	}
	if m.buffer < 1 {
		m.buffer = DefaultBufferSize
	}
	if m.limit == 0 {
		m.limit = wire.DefaultMaxMessageSize
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "session")
	if m.observer == nil {
		m.observer = nopObserver{}
	}
	return m
}

// Run is the receive loop. It returns when the stream fails or the Mux is
// closed, after failing every live session. A clean end of stream returns
// nil.
func (m *Mux) Run(ctx context.Context) error {
	go m.writerLoop()

	for {
		msg, err := m.stream.Recv()
		if err != nil {
			m.shutdown(fault.Wrap(fault.KindPeerDisconnected, err, "query stream closed"))
			if errors.Is(err, io.EOF) || m.isClosedLocally() {
				return nil
			}
			return err
		}
		m.dispatch(ctx, msg)
	}
}

func (m *Mux) writerLoop() {
	defer func() {
		if cs, ok := m.stream.(interface{ CloseSend() error }); ok {
			cs.CloseSend()
		}
	}()
	for {
		select {
		case msg := <-m.out:
			if err := m.stream.Send(msg); err != nil {
				m.shutdown(fault.Wrap(fault.KindPeerDisconnected, err, "send failed"))
				return
			}
		case <-m.done:
			return
		}
	}
}

// dispatch routes one inbound message. It blocks only while the target
// session's inbox is full.
func (m *Mux) dispatch(ctx context.Context, msg *wire.QueryMessage) {
	log := m.logger.With("session_id", msg.ID, "state", msg.State)
	if !msg.State.Valid() {
		log.Warn("protocol error: dropping message with invalid state")
		return
	}

	m.mu.Lock()
	s, ok := m.sessions[msg.ID]
	if !ok {
		switch {
		case m.closed:
			m.mu.Unlock()
			return
		case !m.isRemote(msg.ID):
			m.mu.Unlock()
			log.Warn("protocol error: message for unknown or finished session")
			return
		case !msg.State.IsSubmit():
			m.mu.Unlock()
			log.Warn("protocol error: peer session does not start with a submit")
			return
		case !m.markRemote(msg.ID):
			m.mu.Unlock()
			log.Warn("protocol error: message for finished peer session")
			return
		}
		s = newSession(m, msg.ID, true, m.buffer)
		m.sessions[msg.ID] = s
		m.mu.Unlock()

		m.observer.SessionStarted(true)
		go m.serve(ctx, s)
	} else {
		m.mu.Unlock()
	}

	select {
	case s.inbox <- msg:
	case <-s.done:
		log.Debug("dropping message for ended session")
	case <-m.done:
	}
}

func (m *Mux) isRemote(id uint64) bool {
	if id == 0 {
		return false
	}
	odd := id%2 == 1
	if m.side == HubSide {
		return !odd
	}
	return odd
}

// markRemote records a peer session id and reports whether it is new. The
// peer mints ids in order but concurrent queries may reach the wire out of
// order, so ids are tracked individually until every lower id has arrived.
// Callers hold m.mu.
func (m *Mux) markRemote(id uint64) bool {
	if id < m.remoteNext {
		return false
	}
	if _, ok := m.remoteSeen[id]; ok {
		return false
	}
	m.remoteSeen[id] = struct{}{}
	for {
		if _, ok := m.remoteSeen[m.remoteNext]; !ok {
			return true
		}
		delete(m.remoteSeen, m.remoteNext)
		m.remoteNext += 2
	}
}

func (m *Mux) nextID() uint64 {
	n := m.counter.Add(1)
	if m.side == HubSide {
		return 2*n - 1
	}
	return 2 * n
}

// Query sends q to the peer and waits for the reply. A session carried by
// ctx is marked as awaiting a nested result for the duration.
func (m *Mux) Query(ctx context.Context, q *wire.Query) (wire.Result, error) {
	if parent := FromContext(ctx); parent != nil {
		parent.beginNested()
		defer parent.endNested()
	}

	// Encoded before an id is minted so a query that cannot be encoded
	// leaves no gap in the ids the peer sees.
	msgs, err := chunk.Encode(0, chunk.Submit, q, m.limit)
	if err != nil {
		return wire.Result{}, err
	}
	s, err := m.open()
	if err != nil {
		return wire.Result{}, err
	}
	log := m.logger.With("session_id", s.id, "query", q.Target())

	for _, msg := range msgs {
		msg.ID = s.id
		if err := m.send(ctx, s, msg); err != nil {
			s.end(Failed, err)
			return wire.Result{}, err
		}
	}
	s.setState(AwaitingMessage)

	reply, err := s.collect(ctx, wire.QueryState.IsReply)
	if err != nil {
		if fault.KindOf(err) == fault.KindProtocol {
			log.Warn("protocol error in reply", "error", err)
		}
		s.end(Failed, err)
		return wire.Result{}, err
	}
	s.end(Completed, nil)
	return wire.Result{Output: reply.Output, Concerns: reply.Concerns}, nil
}

// open registers a new outbound session before anything is sent, so the
// reply always finds it.
func (m *Mux) open() (*Session, error) {
	m.mu.Lock()
	if m.closed {
		err := m.closeErr
		m.mu.Unlock()
		return nil, err
	}
	s := newSession(m, m.nextID(), false, m.buffer)
	m.sessions[s.id] = s
	m.mu.Unlock()

	m.observer.SessionStarted(false)
	return s, nil
}

func (m *Mux) release(s *Session) {
	m.mu.Lock()
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
	}
	m.mu.Unlock()

	m.observer.SessionEnded(s.inbound, s.State())
}

func (m *Mux) send(ctx context.Context, s *Session, msg *wire.QueryMessage) error {
	select {
	case m.out <- msg:
		return nil
	case <-s.done:
		return s.Err()
	case <-m.done:
		return m.Err()
	case <-ctx.Done():
		return contextError(ctx, s.id)
	}
}

// serve collects a peer's request, runs the handler and sends the reply.
// The handler runs in its own goroutine so that stray messages for the
// session never wait on it.
func (m *Mux) serve(ctx context.Context, s *Session) {
	log := m.logger.With("session_id", s.id)

	q, err := s.collect(ctx, wire.QueryState.IsSubmit)
	if err != nil {
		if fault.KindOf(err) == fault.KindProtocol {
			log.Warn("protocol error in request", "error", err)
			m.trySend(s, chunk.ErrorReply(s.id, &wire.Query{}, err))
		}
		s.end(Failed, err)
		return
	}
	log = log.With("query", q.Target())
	s.setState(Active)

	hctx, cancel := context.WithCancel(WithSession(ctx, s))
	defer cancel()

	type outcome struct {
		res wire.Result
		err error
	}
	results := make(chan outcome, 1)
	go func() {
		res, err := m.runHandler(hctx, q)
		results <- outcome{res, err}
	}()

	select {
	case o := <-results:
		if o.err != nil {
			log.Debug("query failed", "error", o.err)
			m.trySend(s, chunk.ErrorReply(s.id, q, o.err))
			s.end(Failed, o.err)
			return
		}
		m.reply(s, q, o.res, log)
	case msg := <-s.inbox:
		err := fault.New(fault.KindProtocol, "session %d: %s received while serving", s.id, msg.State)
		log.Warn("protocol error", "error", err)
		cancel()
		m.trySend(s, chunk.ErrorReply(s.id, q, err))
		s.end(Failed, err)
	case <-s.done:
	}
}

func (m *Mux) runHandler(ctx context.Context, q *wire.Query) (res wire.Result, err error) {
	if m.handler == nil {
		return wire.Result{}, fault.New(fault.KindUnknownQuery, "no handler for %s", q.Target())
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return m.handler.Serve(ctx, q)
}

func (m *Mux) reply(s *Session, q *wire.Query, res wire.Result, log *slog.Logger) {
	out := &wire.Query{
		Publisher: q.Publisher,
		Plugin:    q.Plugin,
		Name:      q.Name,
		Output:    res.Output,
		Concerns:  res.Concerns,
	}
	msgs, err := chunk.Encode(s.id, chunk.Reply, out, m.limit)
	if err != nil {
		log.Warn("failed to encode reply", "error", err)
		m.trySend(s, chunk.ErrorReply(s.id, q, err))
		s.end(Failed, err)
		return
	}
	for _, msg := range msgs {
		if err := m.send(context.Background(), s, msg); err != nil {
			s.end(Failed, err)
			return
		}
	}
	s.end(Completed, nil)
}

func (m *Mux) trySend(s *Session, msg *wire.QueryMessage) {
	if err := m.send(context.Background(), s, msg); err != nil {
		m.logger.Debug("failed to send error reply", "session_id", s.id, "error", err)
	}
}

// shutdown rejects new queries and fails every live session with cause.
// Only the first cause is kept.
func (m *Mux) shutdown(cause error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.closeErr = cause
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	close(m.done)
	m.mu.Unlock()

	if len(live) > 0 {
		m.logger.Warn("failing live sessions", "count", len(live), "error", cause)
	}
	for _, s := range live {
		s.end(Failed, cause)
	}
}

// Close stops the Mux. Live and later queries fail with fault.KindClosed.
// The receive loop returns once the stream ends.
func (m *Mux) Close() {
	m.shutdown(fault.New(fault.KindClosed, "query stream closed locally"))
}

func (m *Mux) isClosedLocally() bool {
	return fault.KindOf(m.Err()) == fault.KindClosed
}

// Done is closed once the Mux stops accepting queries.
func (m *Mux) Done() <-chan struct{} {
	return m.done
}

// Err returns why the Mux stopped, or nil while it is running.
func (m *Mux) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeErr
}

// Live returns the number of live sessions.
func (m *Mux) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
