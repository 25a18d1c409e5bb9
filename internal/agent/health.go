package agent

import (
	"sync/atomic"
	"time"
)

// HealthStatus is the QEMU-backend analog of the teacher's libvirt/stream
// connectivity flags: whether the last platform health check succeeded,
// whether the sync client is open (set when the runtime starts, cleared
// when it is closed at shutdown; individual sends do not change it), the
// time of the last persisted transition, and how many VMs are currently
// tracked.
type HealthStatus struct {
	backendHealthy     atomic.Bool
	syncConnected      atomic.Bool
	lastTransitionAtNS atomic.Int64
	trackedVMCount     atomic.Int64
}

func NewHealthStatus() *HealthStatus {
	h := &HealthStatus{}
	h.backendHealthy.Store(false)
	h.syncConnected.Store(false)
	return h
}

func (h *HealthStatus) SetBackendHealthy(ok bool) { h.backendHealthy.Store(ok) }

func (h *HealthStatus) SetSyncConnected(ok bool) { h.syncConnected.Store(ok) }

func (h *HealthStatus) MarkTransition(ts time.Time) { h.lastTransitionAtNS.Store(ts.UnixNano()) }

func (h *HealthStatus) SetTrackedVMCount(n int) { h.trackedVMCount.Store(int64(n)) }

func (h *HealthStatus) TrackedVMCount() int64 { return h.trackedVMCount.Load() }

func (h *HealthStatus) Snapshot() map[string]any {
	out := map[string]any{
		"backend_healthy": h.backendHealthy.Load(),
		"sync_connected":  h.syncConnected.Load(),
		"tracked_vms":     h.trackedVMCount.Load(),
	}
	if v := h.lastTransitionAtNS.Load(); v > 0 {
		out["last_transition_at"] = time.Unix(0, v).UTC()
	}
	return out
}
