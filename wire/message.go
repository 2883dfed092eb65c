// Package wire defines the messages exchanged between the hub and its plugins
// and the gRPC service that carries them.
//
// Messages are encoded with CBOR using integer map keys. The codec is
// registered with gRPC under the "cbor" content-subtype, so the service works
// without generated protobuf code.
package wire

import (
	"encoding/json"
	"fmt"
)

// QueryState is the per-direction chunking state of a QueryMessage.
type QueryState uint8

const (
	// QueryStateUnspecified is never valid on the wire.
	QueryStateUnspecified QueryState = 0
	// QueryStateSubmitInProgress: more request chunks with the same id follow.
	QueryStateSubmitInProgress QueryState = 1
	// QueryStateSubmitComplete: the request is fully sent.
	QueryStateSubmitComplete QueryState = 2
	// QueryStateReplyInProgress: more response chunks with the same id follow.
	QueryStateReplyInProgress QueryState = 3
	// QueryStateReplyComplete: the response is fully sent.
	QueryStateReplyComplete QueryState = 4
	// QueryStateReplyError: single terminal message, Error holds the reason.
	QueryStateReplyError QueryState = 5
)

// String returns the state name
func (s QueryState) String() string {
	switch s {
	case QueryStateUnspecified:
		return "UNSPECIFIED"
	case QueryStateSubmitInProgress:
		return "SUBMIT_IN_PROGRESS"
	case QueryStateSubmitComplete:
		return "SUBMIT_COMPLETE"
	case QueryStateReplyInProgress:
		return "REPLY_IN_PROGRESS"
	case QueryStateReplyComplete:
		return "REPLY_COMPLETE"
	case QueryStateReplyError:
		return "REPLY_ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// IsSubmit reports whether the state belongs to the request direction.
func (s QueryState) IsSubmit() bool {
	return s == QueryStateSubmitInProgress || s == QueryStateSubmitComplete
}

// IsReply reports whether the state belongs to the response direction.
func (s QueryState) IsReply() bool {
	return s == QueryStateReplyInProgress || s == QueryStateReplyComplete || s == QueryStateReplyError
}

// IsTerminal reports whether the state ends a message sequence.
func (s QueryState) IsTerminal() bool {
	return s == QueryStateSubmitComplete || s == QueryStateReplyComplete || s == QueryStateReplyError
}

// Valid reports whether the state may appear on the wire.
func (s QueryState) Valid() bool {
	return s >= QueryStateSubmitInProgress && s <= QueryStateReplyError
}

// QueryMessage is one wire chunk of a logical query.
//
// Odd ids are hub-initiated, even ids are plugin-initiated. Split is true when
// the last element of Key or Output is a fragment continued by the next
// message with the same id.
type QueryMessage struct {
	ID            uint64     `cbor:"1,keyasint"`
	State         QueryState `cbor:"2,keyasint"`
	PublisherName string     `cbor:"3,keyasint,omitempty"`
	PluginName    string     `cbor:"4,keyasint,omitempty"`
	QueryName     string     `cbor:"5,keyasint,omitempty"`
	Key           []string   `cbor:"6,keyasint,omitempty"`
	Output        []string   `cbor:"7,keyasint,omitempty"`
	Concern       []string   `cbor:"8,keyasint,omitempty"`
	Split         bool       `cbor:"9,keyasint,omitempty"`
	Error         string     `cbor:"10,keyasint,omitempty"`
}

// HubInitiated reports whether the id was minted by the hub.
func (m *QueryMessage) HubInitiated() bool {
	return m.ID%2 == 1
}

// Query is the reassembled form of one or more QueryMessages sharing an id.
type Query struct {
	Publisher string
	Plugin    string
	Name      string
	Key       json.RawMessage
	Output    json.RawMessage
	Concerns  []string
}

// Target returns "publisher/plugin/name" for logs and errors.
func (q *Query) Target() string {
	return q.Publisher + "/" + q.Plugin + "/" + q.Name
}

// Result is the answer to a query.
type Result struct {
	Output   json.RawMessage
	Concerns []string
}

// QuerySchema is a query endpoint declared by a plugin. Schemas are JSON
// Schema documents; an empty schema accepts any value.
type QuerySchema struct {
	QueryName    string `cbor:"1,keyasint"`
	KeySchema    string `cbor:"2,keyasint,omitempty"`
	OutputSchema string `cbor:"3,keyasint,omitempty"`
}

// QuerySchemas lists every query a plugin answers.
type QuerySchemas struct {
	Schemas []QuerySchema `cbor:"1,keyasint,omitempty"`
}

// Find returns the schema for name.
func (s *QuerySchemas) Find(name string) (QuerySchema, bool) {
	for _, qs := range s.Schemas {
		if qs.QueryName == name {
			return qs, true
		}
	}
	return QuerySchema{}, false
}

// Empty is the request of argument-less RPCs.
type Empty struct{}

// Configuration is the one-shot configuration payload sent to a plugin.
type Configuration struct {
	JSON string `cbor:"1,keyasint,omitempty"`
}

// ConfigurationStatus is the fixed taxonomy of configuration outcomes.
type ConfigurationStatus uint8

const (
	ConfigurationStatusNone ConfigurationStatus = iota
	ConfigurationStatusComplete
	ConfigurationStatusMissingRequiredConfiguration
	ConfigurationStatusUnrecognizedConfiguration
	ConfigurationStatusInvalidConfigurationValue
	ConfigurationStatusInternalError
	ConfigurationStatusFileNotFound
	ConfigurationStatusParseError
	ConfigurationStatusEnvVarNotSet
	ConfigurationStatusMissingProgram
)

// String returns the status name
func (s ConfigurationStatus) String() string {
	switch s {
	case ConfigurationStatusNone:
		return "NONE"
	case ConfigurationStatusComplete:
		return "COMPLETE"
	case ConfigurationStatusMissingRequiredConfiguration:
		return "MISSING_REQUIRED_CONFIGURATION"
	case ConfigurationStatusUnrecognizedConfiguration:
		return "UNRECOGNIZED_CONFIGURATION"
	case ConfigurationStatusInvalidConfigurationValue:
		return "INVALID_CONFIGURATION_VALUE"
	case ConfigurationStatusInternalError:
		return "INTERNAL_ERROR"
	case ConfigurationStatusFileNotFound:
		return "FILE_NOT_FOUND"
	case ConfigurationStatusParseError:
		return "PARSE_ERROR"
	case ConfigurationStatusEnvVarNotSet:
		return "ENV_VAR_NOT_SET"
	case ConfigurationStatusMissingProgram:
		return "MISSING_PROGRAM"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// ConfigurationResult is the plugin's answer to SetConfiguration.
type ConfigurationResult struct {
	Status  ConfigurationStatus `cbor:"1,keyasint"`
	Message string              `cbor:"2,keyasint,omitempty"`
}
