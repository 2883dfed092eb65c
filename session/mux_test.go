package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/plughub-go/chunk"
	"github.com/machinefabric/plughub-go/fault"
	"github.com/machinefabric/plughub-go/wire"
)

const waitTimeout = 5 * time.Second

type linkState struct {
	closed chan struct{}
	once   sync.Once
	err    error
}

// fakeStream is an in-memory Stream. Tests push peer messages into in and
// read what the Mux sent from out.
type fakeStream struct {
	in   chan *wire.QueryMessage
	out  chan *wire.QueryMessage
	link *linkState
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		in:   make(chan *wire.QueryMessage, 256),
		out:  make(chan *wire.QueryMessage, 256),
		link: &linkState{closed: make(chan struct{})},
	}
}

// pipe returns two connected streams.
func pipe() (*fakeStream, *fakeStream) {
	a := newFakeStream()
	b := &fakeStream{in: a.out, out: a.in, link: a.link}
	return a, b
}

func (f *fakeStream) Send(m *wire.QueryMessage) error {
	select {
	case f.out <- m:
		return nil
	case <-f.link.closed:
		return io.ErrClosedPipe
	}
}

func (f *fakeStream) Recv() (*wire.QueryMessage, error) {
	select {
	case m := <-f.in:
		return m, nil
	case <-f.link.closed:
		return nil, f.link.err
	}
}

func (f *fakeStream) fail(err error) {
	f.link.once.Do(func() {
		f.link.err = err
		close(f.link.closed)
	})
}

func (f *fakeStream) expectSent(t *testing.T, n int) []*wire.QueryMessage {
	t.Helper()
	var msgs []*wire.QueryMessage
	for len(msgs) < n {
		select {
		case m := <-f.out:
			msgs = append(msgs, m)
		case <-time.After(waitTimeout):
			t.Fatalf("expected %d sent messages, got %d", n, len(msgs))
		}
	}
	return msgs
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startMux(t *testing.T, stream Stream, cfg Config) *Mux {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	m := NewMux(stream, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(m.Close)
	go m.Run(ctx)
	return m
}

func query(name string, key string) *wire.Query {
	return &wire.Query{Publisher: "mitre", Plugin: "git", Name: name, Key: json.RawMessage(key)}
}

type queryOutcome struct {
	res wire.Result
	err error
}

func goQuery(m *Mux, ctx context.Context, q *wire.Query) <-chan queryOutcome {
	ch := make(chan queryOutcome, 1)
	go func() {
		res, err := m.Query(ctx, q)
		ch <- queryOutcome{res, err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan queryOutcome) queryOutcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(waitTimeout):
		t.Fatal("query did not resolve")
		return queryOutcome{}
	}
}

func (m *Mux) session(id uint64) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

func replyMessages(t *testing.T, id uint64, output string, limit int) []*wire.QueryMessage {
	t.Helper()
	msgs, err := chunk.Encode(id, chunk.Reply, &wire.Query{Output: json.RawMessage(output)}, limit)
	require.NoError(t, err)
	return msgs
}

// TEST401: Hub-side queries mint odd ids and plugin-side queries mint even ids
func Test401_id_parity(t *testing.T) {
	hub := NewMux(newFakeStream(), Config{Side: HubSide})
	assert.Equal(t, uint64(1), hub.nextID())
	assert.Equal(t, uint64(3), hub.nextID())

	plugin := NewMux(newFakeStream(), Config{Side: PluginSide})
	assert.Equal(t, uint64(2), plugin.nextID())
	assert.Equal(t, uint64(4), plugin.nextID())

	assert.True(t, hub.isRemote(2))
	assert.False(t, hub.isRemote(1))
	assert.False(t, hub.isRemote(0))
	assert.True(t, plugin.isRemote(1))
}

// TEST402: Interleaved reply chunks reach only their own session, in order
func Test402_session_isolation(t *testing.T) {
	stream := newFakeStream()
	m := startMux(t, stream, Config{Side: HubSide, BufferSize: 2})
	ctx := context.Background()

	a := goQuery(m, ctx, query("a", `"ka"`))
	b := goQuery(m, ctx, query("b", `"kb"`))

	ids := map[string]uint64{}
	for _, msg := range stream.expectSent(t, 2) {
		assert.Equal(t, wire.QueryStateSubmitComplete, msg.State)
		ids[msg.QueryName] = msg.ID
	}
	require.Len(t, ids, 2)
	require.NotEqual(t, ids["a"], ids["b"])

	outA := `"` + strings.Repeat("A", 2000) + `"`
	outB := `["` + strings.Repeat("b", 1500) + `",` + `"` + strings.Repeat("β", 900) + `"]`
	msgsA := replyMessages(t, ids["a"], outA, wire.MinMessageSize)
	msgsB := replyMessages(t, ids["b"], outB, wire.MinMessageSize)
	require.Greater(t, len(msgsA), 3)
	require.Greater(t, len(msgsB), 3)

	for i := 0; i < len(msgsA) || i < len(msgsB); i++ {
		if i < len(msgsB) {
			stream.in <- msgsB[i]
		}
		if i < len(msgsA) {
			stream.in <- msgsA[i]
		}
	}

	ra := await(t, a)
	rb := await(t, b)
	require.NoError(t, ra.err)
	require.NoError(t, rb.err)
	assert.Equal(t, outA, string(ra.res.Output))
	assert.Equal(t, outB, string(rb.res.Output))
	assert.Eventually(t, func() bool { return m.Live() == 0 }, waitTimeout, 10*time.Millisecond)
}

// TEST403: A session blocked on a nested query does not delay other sessions
func Test403_fairness_under_nested_wait(t *testing.T) {
	stream := newFakeStream()
	var m *Mux
	handler := HandlerFunc(func(ctx context.Context, q *wire.Query) (wire.Result, error) {
		switch q.Name {
		case "outer":
			nested, err := m.Query(ctx, query("inner", `1`))
			if err != nil {
				return wire.Result{}, err
			}
			return wire.Result{Output: nested.Output, Concerns: []string{"via inner"}}, nil
		default:
			return wire.Result{Output: json.RawMessage(`"quick"`)}, nil
		}
	})
	m = startMux(t, stream, Config{Side: HubSide, Handler: handler})

	stream.in <- &wire.QueryMessage{ID: 2, State: wire.QueryStateSubmitComplete, QueryName: "outer", Key: []string{`0`}}
	nested := stream.expectSent(t, 1)[0]
	assert.Equal(t, "inner", nested.QueryName)
	assert.Equal(t, uint64(1), nested.ID)
	require.Eventually(t, func() bool {
		s := m.session(2)
		return s != nil && s.State() == AwaitingNestedResult
	}, waitTimeout, time.Millisecond)

	// The nested reply is withheld; an unrelated session still completes.
	start := time.Now()
	stream.in <- &wire.QueryMessage{ID: 4, State: wire.QueryStateSubmitComplete, QueryName: "other", Key: []string{`0`}}
	reply := stream.expectSent(t, 1)[0]
	assert.Equal(t, uint64(4), reply.ID)
	assert.Equal(t, wire.QueryStateReplyComplete, reply.State)
	assert.Equal(t, []string{`"quick"`}, reply.Output)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, AwaitingNestedResult, m.session(2).State())

	stream.in <- &wire.QueryMessage{ID: 1, State: wire.QueryStateReplyComplete, Output: []string{`"deep"`}}
	outer := stream.expectSent(t, 1)[0]
	assert.Equal(t, uint64(2), outer.ID)
	assert.Equal(t, wire.QueryStateReplyComplete, outer.State)
	assert.Equal(t, []string{`"deep"`}, outer.Output)
	assert.Equal(t, []string{"via inner"}, outer.Concern)
}

// TEST404: Closing the link fails all live sessions with a disconnect error
func Test404_disconnect_propagation(t *testing.T) {
	stream := newFakeStream()
	m := NewMux(stream, Config{Side: HubSide, Logger: quietLogger()})
	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(context.Background()) }()

	ctx := context.Background()
	pending := []<-chan queryOutcome{
		goQuery(m, ctx, query("one", `1`)),
		goQuery(m, ctx, query("two", `2`)),
		goQuery(m, ctx, query("three", `3`)),
	}
	stream.expectSent(t, 3)
	require.Equal(t, 3, m.Live())

	stream.fail(errors.New("connection reset by peer"))

	for _, ch := range pending {
		o := await(t, ch)
		require.Error(t, o.err)
		assert.True(t, errors.Is(o.err, fault.ErrPeerDisconnected), "got %v", o.err)
	}
	assert.Equal(t, 0, m.Live())

	select {
	case err := <-runErr:
		assert.ErrorContains(t, err, "connection reset")
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return")
	}

	_, err := m.Query(ctx, query("late", `4`))
	assert.True(t, errors.Is(err, fault.ErrPeerDisconnected))
	select {
	case <-m.Done():
	default:
		t.Fatal("Done not closed")
	}
}

// TEST405: Two muxes answer each other's queries, including large payloads
func Test405_bidirectional_roundtrip(t *testing.T) {
	hubEnd, pluginEnd := pipe()
	big := `"` + strings.Repeat("x", 3000) + `"`

	var hub *Mux
	hubHandler := HandlerFunc(func(ctx context.Context, q *wire.Query) (wire.Result, error) {
		return wire.Result{Output: json.RawMessage(`{"from":"hub"}`)}, nil
	})
	hub = startMux(t, hubEnd, Config{Side: HubSide, Handler: hubHandler, MessageLimit: 512})

	var plugin *Mux
	pluginHandler := HandlerFunc(func(ctx context.Context, q *wire.Query) (wire.Result, error) {
		// Ask the hub for something before answering.
		back, err := plugin.Query(ctx, &wire.Query{Publisher: "other", Plugin: "p", Name: "lookup", Key: json.RawMessage(`1`)})
		if err != nil {
			return wire.Result{}, err
		}
		return wire.Result{Output: q.Key, Concerns: []string{string(back.Output)}}, nil
	})
	plugin = startMux(t, pluginEnd, Config{Side: PluginSide, Handler: pluginHandler, MessageLimit: 512})

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	res, err := hub.Query(ctx, query("echo", big))
	require.NoError(t, err)
	assert.Equal(t, big, string(res.Output))
	assert.Equal(t, []string{`{"from":"hub"}`}, res.Concerns)
}

// TEST406: Handler errors become REPLY_ERROR and surface as plugin errors
func Test406_handler_error_reply(t *testing.T) {
	hubEnd, pluginEnd := pipe()
	hub := startMux(t, hubEnd, Config{Side: HubSide})
	startMux(t, pluginEnd, Config{Side: PluginSide, Handler: HandlerFunc(func(context.Context, *wire.Query) (wire.Result, error) {
		return wire.Result{}, fmt.Errorf("repository %q not found", "x")
	})})

	_, err := hub.Query(context.Background(), query("commits", `"x"`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrPluginError))
	assert.Contains(t, err.Error(), `repository "x" not found`)
}

// TEST407: Stale and unsolicited messages are dropped without disturbing live sessions
func Test407_stale_messages_dropped(t *testing.T) {
	stream := newFakeStream()
	m := startMux(t, stream, Config{Side: HubSide, Handler: HandlerFunc(func(context.Context, *wire.Query) (wire.Result, error) {
		return wire.Result{Output: json.RawMessage(`true`)}, nil
	})})

	pending := goQuery(m, context.Background(), query("a", `1`))
	sent := stream.expectSent(t, 1)[0]

	// Reply to an id never issued, invalid state, and a reply starting a peer session.
	stream.in <- &wire.QueryMessage{ID: 99, State: wire.QueryStateReplyComplete, Output: []string{`1`}}
	stream.in <- &wire.QueryMessage{ID: sent.ID, State: wire.QueryStateUnspecified}
	stream.in <- &wire.QueryMessage{ID: 6, State: wire.QueryStateReplyComplete, Output: []string{`1`}}

	// A served peer session id cannot be reused, whether or not lower ids are
	// still outstanding.
	stream.in <- &wire.QueryMessage{ID: 2, State: wire.QueryStateSubmitComplete, Key: []string{`1`}}
	assert.Equal(t, uint64(2), stream.expectSent(t, 1)[0].ID)
	stream.in <- &wire.QueryMessage{ID: 8, State: wire.QueryStateSubmitComplete, Key: []string{`1`}}
	assert.Equal(t, uint64(8), stream.expectSent(t, 1)[0].ID)
	stream.in <- &wire.QueryMessage{ID: 2, State: wire.QueryStateSubmitComplete, Key: []string{`1`}}
	stream.in <- &wire.QueryMessage{ID: 8, State: wire.QueryStateSubmitComplete, Key: []string{`1`}}

	stream.in <- &wire.QueryMessage{ID: sent.ID, State: wire.QueryStateReplyComplete, Output: []string{`"ok"`}}
	o := await(t, pending)
	require.NoError(t, o.err)
	assert.Equal(t, `"ok"`, string(o.res.Output))

	select {
	case extra := <-stream.out:
		t.Fatalf("unexpected message sent: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

// TEST408: A malformed reply fails only its own session
func Test408_protocol_error_terminates_one_session(t *testing.T) {
	stream := newFakeStream()
	m := startMux(t, stream, Config{Side: HubSide})
	bad := goQuery(m, context.Background(), query("bad", `1`))
	good := goQuery(m, context.Background(), query("good", `2`))

	ids := map[string]uint64{}
	for _, msg := range stream.expectSent(t, 2) {
		ids[msg.QueryName] = msg.ID
	}
	stream.in <- &wire.QueryMessage{ID: ids["bad"], State: wire.QueryStateReplyComplete, Output: []string{`{"broken":`}}
	stream.in <- &wire.QueryMessage{ID: ids["good"], State: wire.QueryStateReplyComplete, Output: []string{`2`}}

	ob := await(t, bad)
	assert.Equal(t, fault.KindProtocol, fault.KindOf(ob.err))
	og := await(t, good)
	require.NoError(t, og.err)
	assert.Equal(t, "2", string(og.res.Output))

	select {
	case <-m.Done():
		t.Fatal("mux stopped after a protocol error")
	default:
	}
}

// TEST409: A query bounded by a deadline fails with a timeout
func Test409_query_timeout(t *testing.T) {
	stream := newFakeStream()
	m := startMux(t, stream, Config{Side: HubSide})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := m.Query(ctx, query("slow", `1`))
	require.Error(t, err)
	assert.Equal(t, fault.KindTimeout, fault.KindOf(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 0, m.Live())
}

// TEST410: Closing the mux locally fails queries as closed
func Test410_local_close(t *testing.T) {
	stream := newFakeStream()
	m := NewMux(stream, Config{Side: HubSide, Logger: quietLogger()})
	go m.Run(context.Background())

	pending := goQuery(m, context.Background(), query("a", `1`))
	stream.expectSent(t, 1)
	m.Close()

	o := await(t, pending)
	assert.True(t, errors.Is(o.err, fault.ErrClosed))
	_, err := m.Query(context.Background(), query("b", `1`))
	assert.True(t, errors.Is(err, fault.ErrClosed))
	stream.fail(io.EOF)
}

// TEST411: Messages arriving while a request is being served fail that session
func Test411_message_while_serving(t *testing.T) {
	stream := newFakeStream()
	release := make(chan struct{})
	m := startMux(t, stream, Config{Side: PluginSide, Handler: HandlerFunc(func(ctx context.Context, _ *wire.Query) (wire.Result, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return wire.Result{Output: json.RawMessage(`1`)}, ctx.Err()
	})})
	defer close(release)

	stream.in <- &wire.QueryMessage{ID: 1, State: wire.QueryStateSubmitComplete, Key: []string{`1`}}
	require.Eventually(t, func() bool {
		s := m.session(1)
		return s != nil && s.State() == Active
	}, waitTimeout, time.Millisecond)

	stream.in <- &wire.QueryMessage{ID: 1, State: wire.QueryStateSubmitComplete, Key: []string{`2`}}
	reply := stream.expectSent(t, 1)[0]
	assert.Equal(t, wire.QueryStateReplyError, reply.State)
	assert.Contains(t, reply.Error, "protocol error")
}

// TEST412: Session state names and terminal predicate
func Test412_state_strings(t *testing.T) {
	assert.Equal(t, "AwaitingNestedResult", AwaitingNestedResult.String())
	assert.Equal(t, "State(9)", State(9).String())
	assert.True(t, Completed.Terminal())
	assert.True(t, Failed.Terminal())
	assert.False(t, Active.Terminal())

	s := &Session{state: Active}
	ctx := WithSession(context.Background(), s)
	assert.Same(t, s, FromContext(ctx))
	assert.Nil(t, FromContext(context.Background()))
	s.beginNested()
	s.beginNested()
	assert.Equal(t, AwaitingNestedResult, s.State())
	s.endNested()
	assert.Equal(t, AwaitingNestedResult, s.State())
	s.endNested()
	assert.Equal(t, Active, s.State())
}

// TEST413: Peer sessions that start out of order are all served once
func Test413_out_of_order_peer_sessions(t *testing.T) {
	stream := newFakeStream()
	startMux(t, stream, Config{Side: HubSide, Handler: HandlerFunc(func(_ context.Context, q *wire.Query) (wire.Result, error) {
		return wire.Result{Output: q.Key}, nil
	})})

	for _, id := range []uint64{4, 2, 8} {
		stream.in <- &wire.QueryMessage{ID: id, State: wire.QueryStateSubmitComplete, Key: []string{fmt.Sprint(id)}}
		reply := stream.expectSent(t, 1)[0]
		assert.Equal(t, id, reply.ID)
		assert.Equal(t, wire.QueryStateReplyComplete, reply.State)
		assert.Equal(t, []string{fmt.Sprint(id)}, reply.Output)
	}

	// 6 fills the gap below 8; every id is then finished.
	stream.in <- &wire.QueryMessage{ID: 6, State: wire.QueryStateSubmitComplete, Key: []string{`6`}}
	assert.Equal(t, uint64(6), stream.expectSent(t, 1)[0].ID)
	for _, id := range []uint64{2, 4, 6, 8} {
		stream.in <- &wire.QueryMessage{ID: id, State: wire.QueryStateSubmitComplete, Key: []string{`0`}}
	}
	select {
	case extra := <-stream.out:
		t.Fatalf("unexpected message sent: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

// TEST414: Concurrent queries with mixed key sizes all complete
func Test414_concurrent_mixed_size_queries(t *testing.T) {
	hubEnd, pluginEnd := pipe()
	echo := HandlerFunc(func(_ context.Context, q *wire.Query) (wire.Result, error) {
		return wire.Result{Output: q.Key}, nil
	})
	startMux(t, hubEnd, Config{Side: HubSide, Handler: echo, MessageLimit: 512})
	plugin := startMux(t, pluginEnd, Config{Side: PluginSide, MessageLimit: 512})

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	// Large keys take many messages to enqueue, so ids minted later by small
	// queries reach the wire first.
	big := `"` + strings.Repeat("y", 64*1024) + `"`
	const n = 20
	pending := make([]<-chan queryOutcome, n)
	keys := make([]string, n)
	for i := range pending {
		keys[i] = big
		if i%2 == 1 {
			keys[i] = fmt.Sprint(i)
		}
		pending[i] = goQuery(plugin, ctx, query("echo", keys[i]))
	}
	for i, ch := range pending {
		o := await(t, ch)
		require.NoError(t, o.err, "query %d", i)
		assert.Equal(t, keys[i], string(o.res.Output), "query %d", i)
	}
}
