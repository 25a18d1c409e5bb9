// Package syncclient streams persisted VM lifecycle events to a
// control-plane backend over gRPC or WebSocket, adapted from the
// teacher's metrics-telemetry stream package to a lifecycle-event sink.
package syncclient

import (
	"qemuhostd/internal/vmm/monitor"
	"qemuhostd/internal/vmmodel"
)

// VMEventEnvelope is the wire frame sent to the control-plane backend for
// every persisted VM lifecycle transition.
type VMEventEnvelope struct {
	NodeID        string         `json:"node_id"`
	VMName        string         `json:"vm_name"`
	Kind          string         `json:"kind"`
	State         string         `json:"state"`
	TimestampUnix int64          `json:"timestamp_unix"`
	Specs         *vmmodel.Specs `json:"specs,omitempty"`
}

// newEnvelope builds the wire frame for ev. specs is optional; nil is
// encoded as an absent field. Client's drain loop always passes nil, so
// envelopes it sends carry no specs.
func newEnvelope(nodeID string, ev monitor.SyncEvent, specs *vmmodel.Specs) VMEventEnvelope {
	return VMEventEnvelope{
		NodeID:        nodeID,
		VMName:        ev.VMName,
		Kind:          ev.Kind,
		State:         ev.State.String(),
		TimestampUnix: ev.Timestamp.Unix(),
		Specs:         specs,
	}
}
