// Package factory builds VMs for the QEMU backend and exposes the small
// set of backend-wide operations (health check, directory name, version
// string) that sit above any single VM.
package factory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"qemuhostd/internal/vmm/machine"
	"qemuhostd/internal/vmm/platform"
	"qemuhostd/internal/vmmodel"
)

// PlatformFactory constructs the platform adapter injected into a newly
// created VM. It is a callable, not a shared singleton, so a future
// backend variant (or a test) can hand out a fresh adapter per VM.
type PlatformFactory func() platform.Adapter

// Factory constructs Machines and answers backend-wide questions.
type Factory struct {
	arch            string
	qemuBin         string
	qemuImgBin      string
	dataDir         string
	qmpTimeout      time.Duration
	platformFactory PlatformFactory
	logger          *slog.Logger

	mu       sync.Mutex
	adapters map[string]platform.Adapter
}

// New builds a Factory. qemuBin/qemuImgBin are absolute paths (or
// PATH-resolvable names) to qemu-system-<arch> and qemu-img.
func New(arch, qemuBin, qemuImgBin, dataDir string, qmpTimeout time.Duration, pf PlatformFactory, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		arch:            arch,
		qemuBin:         qemuBin,
		qemuImgBin:      qemuImgBin,
		dataDir:         dataDir,
		qmpTimeout:      qmpTimeout,
		platformFactory: pf,
		logger:          logger,
		adapters:        make(map[string]platform.Adapter),
	}
}

// CreateVirtualMachine constructs a Machine for desc, wiring in a fresh
// platform adapter and the given monitor. The adapter is retained under
// name so a later RemoveResourcesFor call tears down the same instance
// that holds this VM's network-helper/tap state, instead of a stateless
// throwaway.
func (f *Factory) CreateVirtualMachine(ctx context.Context, name string, desc vmmodel.Description, mon machine.Monitor) *machine.Machine {
	adapter := f.platformFactory()
	f.mu.Lock()
	f.adapters[name] = adapter
	f.mu.Unlock()
	return machine.New(ctx, name, f.arch, desc, adapter, mon, f.qemuBin, f.qemuImgBin, f.dataDir, f.qmpTimeout, f.logger.With("vm", name))
}

// RemoveResourcesFor tears down name's resources using the same adapter
// instance that was injected into its Machine at creation time, since
// that instance is the only one holding the VM's network-helper/tap
// state. Falls back to a fresh adapter if the VM was never created
// through this Factory (e.g. after a daemon restart), matching the
// idempotent-by-name contract.
func (f *Factory) RemoveResourcesFor(ctx context.Context, name string) error {
	f.mu.Lock()
	adapter, ok := f.adapters[name]
	if ok {
		delete(f.adapters, name)
	}
	f.mu.Unlock()
	if !ok {
		adapter = f.platformFactory()
	}
	return adapter.RemoveResourcesFor(ctx, name)
}

// HypervisorHealthCheck verifies the host is fit to run this backend.
func (f *Factory) HypervisorHealthCheck(ctx context.Context) error {
	if err := f.platformFactory().HealthCheck(ctx); err != nil {
		return fmt.Errorf("factory: hypervisor health check failed: %w", err)
	}
	return nil
}

// GetBackendDirectoryName returns the sub-directory this backend's
// per-VM state lives under.
func (f *Factory) GetBackendDirectoryName() string {
	return f.platformFactory().DirectoryName()
}

// GetBackendVersionString runs qemu-system-<arch> --version.
func (f *Factory) GetBackendVersionString(ctx context.Context) string {
	return machine.VersionString(ctx, f.qemuBin)
}

// Networks is not implemented on the QEMU backend.
func (f *Factory) Networks() error {
	return machine.ErrNotImplementedOnThisBackend
}
