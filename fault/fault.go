// Package fault defines the error taxonomy shared by every layer of the hub.
//
// All failures surfaced by the hub are *Error values. Matching is by Kind, so
// callers can write errors.Is(err, fault.ErrPeerDisconnected) regardless of
// how much context has been wrapped around the original error.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an Error.
type Kind int

const (
	KindUnknown Kind = iota

	// Startup errors, fatal for one plugin.
	KindSpawn
	KindPortAllocation
	KindExhaustedAttempts

	// KindConfiguration is a non-success status returned by a plugin's
	// configuration RPC.
	KindConfiguration

	// Protocol errors terminate one session only.
	KindProtocol
	KindUnknownQuery
	KindInvalidKey

	// KindPeerDisconnected fails every live session of one plugin.
	KindPeerDisconnected

	// KindPluginError is an explicit error reply from the peer.
	KindPluginError

	KindUnknownPlugin
	KindTimeout
	KindClosed
)

// String returns the kind name
func (k Kind) String() string {
	switch k {
	case KindSpawn:
		return "Spawn"
	case KindPortAllocation:
		return "PortAllocation"
	case KindExhaustedAttempts:
		return "ExhaustedAttempts"
	case KindConfiguration:
		return "Configuration"
	case KindProtocol:
		return "Protocol"
	case KindUnknownQuery:
		return "UnknownQuery"
	case KindInvalidKey:
		return "InvalidKey"
	case KindPeerDisconnected:
		return "PeerDisconnected"
	case KindPluginError:
		return "PluginError"
	case KindUnknownPlugin:
		return "UnknownPlugin"
	case KindTimeout:
		return "Timeout"
	case KindClosed:
		return "Closed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// Startup reports whether the kind is one of the plugin startup failures.
func (k Kind) Startup() bool {
	return k == KindSpawn || k == KindPortAllocation || k == KindExhaustedAttempts
}

// Sentinels for errors.Is. Only the Kind of a sentinel is compared.
var (
	ErrSpawn             = &Error{Kind: KindSpawn}
	ErrPortAllocation    = &Error{Kind: KindPortAllocation}
	ErrExhaustedAttempts = &Error{Kind: KindExhaustedAttempts}
	ErrConfiguration     = &Error{Kind: KindConfiguration}
	ErrProtocol          = &Error{Kind: KindProtocol}
	ErrUnknownQuery      = &Error{Kind: KindUnknownQuery}
	ErrInvalidKey        = &Error{Kind: KindInvalidKey}
	ErrPeerDisconnected  = &Error{Kind: KindPeerDisconnected}
	ErrPluginError       = &Error{Kind: KindPluginError}
	ErrUnknownPlugin     = &Error{Kind: KindUnknownPlugin}
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrClosed            = &Error{Kind: KindClosed}
)

// Error is a classified hub failure.
type Error struct {
	Kind      Kind
	Publisher string
	Plugin    string
	Query     string
	Message   string
	// Status is the configuration status name for KindConfiguration.
	Status string
	Err    error

	// annotates marks an Error that only adds a target to Err.
	annotates bool
}

func (e *Error) Error() string {
	if e.annotates {
		return e.target() + ": " + e.Err.Error()
	}
	var b strings.Builder
	switch e.Kind {
	case KindSpawn:
		b.WriteString("failed to spawn plugin")
	case KindPortAllocation:
		b.WriteString("failed to allocate port")
	case KindExhaustedAttempts:
		b.WriteString("exhausted plugin start attempts")
	case KindConfiguration:
		b.WriteString("plugin configuration failed")
		if e.Status != "" {
			fmt.Fprintf(&b, " [%s]", e.Status)
		}
	case KindProtocol:
		b.WriteString("protocol error")
	case KindUnknownQuery:
		b.WriteString("unknown query")
	case KindInvalidKey:
		b.WriteString("invalid query key")
	case KindPeerDisconnected:
		b.WriteString("plugin disconnected")
	case KindPluginError:
		b.WriteString("plugin returned error")
	case KindUnknownPlugin:
		b.WriteString("unknown plugin")
	case KindTimeout:
		b.WriteString("query timed out")
	case KindClosed:
		b.WriteString("hub is closed")
	default:
		b.WriteString("hub error")
	}
	if target := e.target(); target != "" {
		fmt.Fprintf(&b, " (%s)", target)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) target() string {
	if e.Publisher == "" && e.Plugin == "" {
		return ""
	}
	t := e.Publisher + "/" + e.Plugin
	if e.Query != "" {
		t += "/" + e.Query
	}
	return t
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind around err.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// WithTarget annotates err with the query target. Existing annotations are
// kept and err itself is never modified. When the *Error in err is wrapped,
// the result wraps err so its context is preserved.
func WithTarget(err error, publisher, plugin, query string) error {
	var fe *Error
	if !errors.As(err, &fe) {
		return err
	}
	if fe.Publisher != "" || fe.Plugin != "" {
		return err
	}
	if err == error(fe) {
		c := *fe
		c.Publisher, c.Plugin, c.Query = publisher, plugin, query
		return &c
	}
	return &Error{
		Kind:      fe.Kind,
		Publisher: publisher,
		Plugin:    plugin,
		Query:     query,
		Status:    fe.Status,
		Err:       err,
		annotates: true,
	}
}
