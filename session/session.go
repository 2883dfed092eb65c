package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/machinefabric/plughub-go/chunk"
	"github.com/machinefabric/plughub-go/fault"
	"github.com/machinefabric/plughub-go/wire"
)

// State is the lifecycle state of a Session.
type State int32

const (
	// AwaitingMessage: collecting the chunks of the request (inbound) or
	// of the reply (outbound).
	AwaitingMessage State = iota
	// Active: the handler is running (inbound) or the request is being
	// sent (outbound).
	Active
	// AwaitingNestedResult: the handler has nested queries outstanding.
	AwaitingNestedResult
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case AwaitingMessage:
		return "AwaitingMessage"
	case Active:
		return "Active"
	case AwaitingNestedResult:
		return "AwaitingNestedResult"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Terminal reports whether the session has ended.
func (s State) Terminal() bool {
	return s == Completed || s == Failed
}

// Session tracks one logical query on a Mux. Inbound sessions serve a query
// sent by the peer; outbound sessions wait for the reply to a local query.
type Session struct {
	id      uint64
	inbound bool
	mux     *Mux
	inbox   chan *wire.QueryMessage
	done    chan struct{}

	mu     sync.Mutex
	state  State
	nested int
	err    error
}

func newSession(m *Mux, id uint64, inbound bool, buffer int) *Session {
	s := &Session{
		id:      id,
		inbound: inbound,
		mux:     m,
		inbox:   make(chan *wire.QueryMessage, buffer),
		done:    make(chan struct{}),
		state:   AwaitingMessage,
	}
	if !inbound {
		s.state = Active
	}
	return s
}

// ID returns the session's query id.
func (s *Session) ID() uint64 {
	return s.id
}

// Inbound reports whether the peer started this session.
func (s *Session) Inbound() bool {
	return s.inbound
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Terminal() {
		s.state = state
	}
}

func (s *Session) beginNested() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.nested++
	s.state = AwaitingNestedResult
}

func (s *Session) endNested() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nested > 0 {
		s.nested--
	}
	if s.nested == 0 && s.state == AwaitingNestedResult {
		s.state = Active
	}
}

// end moves the session to a terminal state exactly once, releases its
// table entry and wakes anything selecting on Done. It reports whether
// this call ended the session.
func (s *Session) end(state State, err error) bool {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.state = state
	s.err = err
	s.mu.Unlock()

	s.mux.release(s)
	close(s.done)
	return true
}

// collect feeds inbox messages to an Assembler until the terminal message.
// want reports whether a state belongs to the expected direction.
func (s *Session) collect(ctx context.Context, want func(wire.QueryState) bool) (*wire.Query, error) {
	var asm chunk.Assembler
	for {
		select {
		case msg := <-s.inbox:
			if !want(msg.State) {
				return nil, fault.New(fault.KindProtocol, "session %d: unexpected state %s", s.id, msg.State)
			}
			done, err := asm.Push(msg)
			if err != nil {
				return nil, err
			}
			if done {
				return asm.Query()
			}
		case <-s.done:
			return nil, s.Err()
		case <-ctx.Done():
			return nil, contextError(ctx, s.id)
		}
	}
}

func contextError(ctx context.Context, id uint64) error {
	if ctx.Err() == context.DeadlineExceeded {
		return fault.Wrap(fault.KindTimeout, ctx.Err(), "session %d", id)
	}
	return ctx.Err()
}

type sessionKey struct{}

// WithSession returns a context carrying s. Queries made with the returned
// context count as nested queries of s.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// FromContext returns the session carried by ctx, or nil.
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionKey{}).(*Session)
	return s
}
