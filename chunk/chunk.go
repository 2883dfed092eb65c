// Package chunk splits logical queries into size-limited wire messages and
// reassembles them.
//
// A request travels in the Key field with SUBMIT states, a response in the
// Output field with REPLY states. Every message of one query shares the id;
// all but the last carry an in-progress state and the last carries the
// complete state. A message whose final data element continues in the next
// message sets Split.
package chunk

import (
	"encoding/json"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/machinefabric/plughub-go/fault"
	"github.com/machinefabric/plughub-go/wire"
)

// Direction selects the field and states used by Encode.
type Direction int

const (
	Submit Direction = iota
	Reply
)

func (d Direction) states() (inProgress, complete wire.QueryState) {
	if d == Submit {
		return wire.QueryStateSubmitInProgress, wire.QueryStateSubmitComplete
	}
	return wire.QueryStateReplyInProgress, wire.QueryStateReplyComplete
}

// Encode splits q into messages whose encoded size does not exceed limit.
// Submit encodes q.Key, Reply encodes q.Output. Concerns travel whole.
func Encode(id uint64, dir Direction, q *wire.Query, limit int) ([]*wire.QueryMessage, error) {
	if limit < wire.MinMessageSize {
		return nil, fault.New(fault.KindProtocol, "message limit %d below minimum %d", limit, wire.MinMessageSize)
	}

	data := q.Key
	if dir == Reply {
		data = q.Output
	}
	if len(data) > 0 && !json.Valid(data) {
		return nil, fault.New(fault.KindProtocol, "%s: value is not valid JSON", q.Target())
	}

	budget := limit - wire.EnvelopeSize(q.Publisher, q.Plugin, q.Name)
	// Room for at least one full rune per message.
	if budget < wire.ElementSize("")+utf8.UTFMax {
		return nil, fault.New(fault.KindProtocol, "message limit %d too small for names of %s", limit, q.Target())
	}

	b := &builder{id: id, dir: dir, q: q, budget: budget}
	b.reset()

	remaining := string(data)
	for len(remaining) > 0 {
		avail := b.budget - b.used - wire.ElementSize("")
		if avail < utf8.UTFMax {
			b.flush()
			continue
		}
		if len(remaining) <= avail {
			b.appendData(remaining)
			break
		}
		cut := runeBoundary(remaining, avail)
		if cut == 0 {
			// Not UTF-8; split on bytes.
			cut = avail
		}
		b.appendData(remaining[:cut])
		b.cur.Split = true
		b.flush()
		remaining = remaining[cut:]
	}

	for _, concern := range q.Concerns {
		size := wire.ElementSize(concern)
		if size > b.budget {
			return nil, fault.New(fault.KindProtocol, "%s: concern of %d bytes exceeds message budget %d", q.Target(), len(concern), b.budget)
		}
		if b.used+size > b.budget {
			b.flush()
		}
		b.cur.Concern = append(b.cur.Concern, concern)
		b.used += size
	}
	b.msgs = append(b.msgs, b.cur)

	inProgress, complete := dir.states()
	for i, m := range b.msgs {
		if i == len(b.msgs)-1 {
			m.State = complete
		} else {
			m.State = inProgress
		}
	}
	return b.msgs, nil
}

// ErrorReply builds the single REPLY_ERROR message answering id.
func ErrorReply(id uint64, q *wire.Query, err error) *wire.QueryMessage {
	text := err.Error()
	// Keep the message under any accepted limit.
	if max := wire.MinMessageSize / 2; len(text) > max {
		text = text[:runeBoundary(text, max)]
	}
	return &wire.QueryMessage{
		ID:            id,
		State:         wire.QueryStateReplyError,
		PublisherName: q.Publisher,
		PluginName:    q.Plugin,
		QueryName:     q.Name,
		Error:         text,
	}
}

type builder struct {
	id     uint64
	dir    Direction
	q      *wire.Query
	budget int
	used   int
	cur    *wire.QueryMessage
	msgs   []*wire.QueryMessage
}

func (b *builder) reset() {
	b.cur = &wire.QueryMessage{
		ID:            b.id,
		PublisherName: b.q.Publisher,
		PluginName:    b.q.Plugin,
		QueryName:     b.q.Name,
	}
	b.used = 0
}

func (b *builder) flush() {
	b.msgs = append(b.msgs, b.cur)
	b.reset()
}

func (b *builder) appendData(s string) {
	if b.dir == Submit {
		b.cur.Key = append(b.cur.Key, s)
	} else {
		b.cur.Output = append(b.cur.Output, s)
	}
	b.used += wire.ElementSize(s)
}

// runeBoundary returns the largest cut <= n that does not split a rune.
func runeBoundary(s string, n int) int {
	if n >= len(s) {
		return len(s)
	}
	for i := n; i > 0; i-- {
		if utf8.RuneStart(s[i]) {
			return i
		}
	}
	return 0
}

// Assembler reassembles the messages of one id in arrival order.
type Assembler struct {
	id         uint64
	started    bool
	submit     bool
	done       bool
	continuing bool
	query      wire.Query
	elems      []*strings.Builder
	failed     bool
	errText    string
}

// Push adds the next message. It returns true once the terminal message has
// been accepted.
func (a *Assembler) Push(m *wire.QueryMessage) (bool, error) {
	if a.done {
		return true, fault.New(fault.KindProtocol, "message for id %d after completion", m.ID)
	}
	if !m.State.Valid() {
		return false, fault.New(fault.KindProtocol, "id %d: invalid state %s", m.ID, m.State)
	}

	if !a.started {
		a.started = true
		a.id = m.ID
		a.submit = m.State.IsSubmit()
		a.query.Publisher = m.PublisherName
		a.query.Plugin = m.PluginName
		a.query.Name = m.QueryName
	} else {
		if m.ID != a.id {
			return false, fault.New(fault.KindProtocol, "id %d mixed into reassembly of id %d", m.ID, a.id)
		}
		if m.State.IsSubmit() != a.submit {
			return false, fault.New(fault.KindProtocol, "id %d: state %s changes direction mid-sequence", m.ID, m.State)
		}
		if err := a.checkNames(m); err != nil {
			return false, err
		}
	}

	if m.State == wire.QueryStateReplyError {
		if a.continuing {
			return false, fault.New(fault.KindProtocol, "id %d: error reply interrupts a split fragment", m.ID)
		}
		a.done = true
		a.failed = true
		a.errText = m.Error
		return true, nil
	}

	field := m.Output
	if a.submit {
		field = m.Key
		if len(m.Output) > 0 {
			return false, fault.New(fault.KindProtocol, "id %d: submit message carries output", m.ID)
		}
	}

	if a.continuing && len(field) == 0 {
		return false, fault.New(fault.KindProtocol, "id %d: split fragment not continued", m.ID)
	}
	if m.Split && len(field) == 0 {
		return false, fault.New(fault.KindProtocol, "id %d: split set on message without data", m.ID)
	}
	for i, frag := range field {
		if i == 0 && a.continuing {
			a.elems[len(a.elems)-1].WriteString(frag)
			continue
		}
		sb := &strings.Builder{}
		sb.WriteString(frag)
		a.elems = append(a.elems, sb)
	}
	a.continuing = m.Split
	a.query.Concerns = append(a.query.Concerns, m.Concern...)

	if m.State.IsTerminal() {
		if m.Split {
			return false, fault.New(fault.KindProtocol, "id %d: final message declares a split fragment", m.ID)
		}
		a.done = true
	}
	return a.done, nil
}

func (a *Assembler) checkNames(m *wire.QueryMessage) error {
	if (m.PublisherName != "" && m.PublisherName != a.query.Publisher) ||
		(m.PluginName != "" && m.PluginName != a.query.Plugin) ||
		(m.QueryName != "" && m.QueryName != a.query.Name) {
		return fault.New(fault.KindProtocol, "id %d: query target changed mid-sequence", m.ID)
	}
	return nil
}

// Done reports whether the terminal message has been accepted.
func (a *Assembler) Done() bool {
	return a.done
}

// Query returns the reassembled query. An error reply from the peer is
// returned as a fault.KindPluginError.
func (a *Assembler) Query() (*wire.Query, error) {
	if !a.done {
		return nil, fault.New(fault.KindProtocol, "id %d: sequence incomplete", a.id)
	}
	q := a.query
	if a.failed {
		return &q, &fault.Error{
			Kind:      fault.KindPluginError,
			Publisher: q.Publisher,
			Plugin:    q.Plugin,
			Query:     q.Name,
			Message:   a.errText,
		}
	}

	value, err := joinElements(a.elems)
	if err != nil {
		return nil, fault.Wrap(fault.KindProtocol, err, "id %d: reassembled %s is not valid JSON", a.id, a.field())
	}
	if a.submit {
		q.Key = value
	} else {
		q.Output = value
	}
	return &q, nil
}

func (a *Assembler) field() string {
	if a.submit {
		return "key"
	}
	return "output"
}

func joinElements(elems []*strings.Builder) (json.RawMessage, error) {
	switch len(elems) {
	case 0:
		return nil, nil
	case 1:
		s := elems[0].String()
		if !json.Valid([]byte(s)) {
			return nil, errInvalidJSON
		}
		return json.RawMessage(s), nil
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, e := range elems {
		s := e.String()
		if !json.Valid([]byte(s)) {
			return nil, errInvalidJSON
		}
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s)
	}
	b.WriteByte(']')
	return json.RawMessage(b.String()), nil
}

var errInvalidJSON = errors.New("invalid JSON element")

// Decode reassembles a complete message sequence.
func Decode(msgs []*wire.QueryMessage) (*wire.Query, error) {
	if len(msgs) == 0 {
		return nil, fault.New(fault.KindProtocol, "empty message sequence")
	}
	var a Assembler
	for i, m := range msgs {
		done, err := a.Push(m)
		if err != nil {
			return nil, err
		}
		if done && i != len(msgs)-1 {
			return nil, fault.New(fault.KindProtocol, "id %d: %d messages after terminal state", m.ID, len(msgs)-1-i)
		}
	}
	return a.Query()
}
