package hub

import (
	"context"
	"errors"

	"github.com/machinefabric/plughub-go/fault"
	"github.com/machinefabric/plughub-go/process"
	"github.com/machinefabric/plughub-go/session"
	"github.com/machinefabric/plughub-go/wire"
)

// PluginHandle is a connected plugin: its process (absent for attached
// plugins), the gRPC link, the query stream and the Mux that owns its
// receive side.
type PluginHandle struct {
	desc    process.Descriptor
	proc    process.Process
	link    *process.Link
	mux     *session.Mux
	schemas *schemaSet
	cancel  context.CancelFunc
	stopped chan struct{}
}

// Descriptor returns the plugin's descriptor.
func (h *PluginHandle) Descriptor() process.Descriptor {
	return h.desc
}

// Queries returns the queries the plugin declared, in declaration order.
func (h *PluginHandle) Queries() []wire.QuerySchema {
	return h.schemas.declared()
}

// Alive reports whether the query stream is still up.
func (h *PluginHandle) Alive() bool {
	select {
	case <-h.mux.Done():
		return false
	default:
		return true
	}
}

// LiveSessions returns the number of sessions in flight on the stream.
func (h *PluginHandle) LiveSessions() int {
	return h.mux.Live()
}

func (h *PluginHandle) deadError() error {
	if err := h.mux.Err(); err != nil {
		return err
	}
	return fault.New(fault.KindPeerDisconnected, "query stream closed")
}

// stop closes the stream and connection and kills the process. It waits for
// the receive loop to exit.
func (h *PluginHandle) stop() error {
	h.mux.Close()
	h.cancel()
	<-h.stopped
	errs := []error{h.link.Close()}
	if h.proc != nil {
		errs = append(errs, h.proc.Kill())
	}
	return errors.Join(errs...)
}
