// Package platform provides the QEMU backend's host abstraction: tap
// device allocation, DHCP lease lookup, and host fitness checks, all
// implemented against a per-VM network helper subprocess rather than the
// host's networking stack directly.
package platform

import (
	"context"
	"net"

	"qemuhostd/internal/vmmodel"
)

// Adapter is the capability set the VM state machine is constructed
// against. It is injected rather than looked up, so tests can supply a
// fake without touching the host network stack.
type Adapter interface {
	// VMPlatformArgs returns extra qemu-system-<arch> argv fragments for
	// networking, acceleration, and display suppression.
	VMPlatformArgs(ctx context.Context, desc vmmodel.Description, tapName string) ([]string, error)

	// VMStatePlatformArgs returns argv for a -dump-vmstate probe run. May
	// be empty.
	VMStatePlatformArgs() []string

	// GetIPFor returns the current DHCP lease for mac, or nil if none is
	// known. Absence of a lease is not an error.
	GetIPFor(ctx context.Context, mac string) (net.IP, error)

	// AllocateTap reserves a tap device (and backing helper process) for
	// name, returning the tap's interface name.
	AllocateTap(ctx context.Context, name string) (tapName string, err error)

	// RemoveResourcesFor releases the tap device, helper process, and any
	// firewall state for name. Idempotent.
	RemoveResourcesFor(ctx context.Context, name string) error

	// HealthCheck returns a non-nil error if the host is unfit to run
	// this backend (missing binaries, insufficient permissions).
	HealthCheck(ctx context.Context) error

	// DirectoryName is the suggested sub-directory under the data root
	// for this backend's per-VM state.
	DirectoryName() string
}
