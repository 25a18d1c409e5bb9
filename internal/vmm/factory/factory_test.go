package factory

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"qemuhostd/internal/vmm/machine"
	"qemuhostd/internal/vmm/platform"
	"qemuhostd/internal/vmmodel"
)

type fakeAdapter struct {
	healthErr error
	removed   []string
	directory string
}

func (f *fakeAdapter) VMPlatformArgs(ctx context.Context, desc vmmodel.Description, tapName string) ([]string, error) {
	return nil, nil
}
func (f *fakeAdapter) VMStatePlatformArgs() []string { return nil }
func (f *fakeAdapter) GetIPFor(ctx context.Context, mac string) (net.IP, error) { return nil, nil }
func (f *fakeAdapter) AllocateTap(ctx context.Context, name string) (string, error) {
	return "tap0", nil
}
func (f *fakeAdapter) RemoveResourcesFor(ctx context.Context, name string) error {
	f.removed = append(f.removed, name)
	return nil
}
func (f *fakeAdapter) HealthCheck(ctx context.Context) error { return f.healthErr }
func (f *fakeAdapter) DirectoryName() string {
	if f.directory == "" {
		return "qemu"
	}
	return f.directory
}

var _ platform.Adapter = (*fakeAdapter)(nil)

type fakeMonitor struct{}

func (fakeMonitor) PersistStateFor(name string, state vmmodel.State)         {}
func (fakeMonitor) RetrieveMetadataFor(name string) (vmmodel.Metadata, error) { return nil, nil }
func (fakeMonitor) UpdateMetadataFor(name string, md vmmodel.Metadata) error  { return nil }
func (fakeMonitor) OnResume(name string)                                     {}
func (fakeMonitor) OnShutdown(name string)                                   {}
func (fakeMonitor) OnSuspend(name string)                                    {}

func TestCreateVirtualMachineStartsOff(t *testing.T) {
	adapter := &fakeAdapter{}
	f := New("x86_64", "/bin/true", "/bin/true", t.TempDir(), time.Second, func() platform.Adapter { return adapter }, nil)

	m := f.CreateVirtualMachine(context.Background(), "vm-1", vmmodel.Description{NumCores: 1}, fakeMonitor{})
	if got := m.CurrentState(); got != vmmodel.StateOff {
		t.Errorf("state = %v, want off", got)
	}
}

func TestHypervisorHealthCheckPropagatesError(t *testing.T) {
	adapter := &fakeAdapter{healthErr: errors.New("no CAP_NET_ADMIN")}
	f := New("x86_64", "/bin/true", "/bin/true", t.TempDir(), time.Second, func() platform.Adapter { return adapter }, nil)

	if err := f.HypervisorHealthCheck(context.Background()); err == nil {
		t.Error("expected health check error to propagate")
	}
}

func TestRemoveResourcesForDelegates(t *testing.T) {
	adapter := &fakeAdapter{}
	f := New("x86_64", "/bin/true", "/bin/true", t.TempDir(), time.Second, func() platform.Adapter { return adapter }, nil)

	if err := f.RemoveResourcesFor(context.Background(), "vm-1"); err != nil {
		t.Fatalf("RemoveResourcesFor: %v", err)
	}
	if len(adapter.removed) != 1 || adapter.removed[0] != "vm-1" {
		t.Errorf("removed = %v, want [vm-1]", adapter.removed)
	}
}

func TestRemoveResourcesForUsesCreationAdapterInstance(t *testing.T) {
	created := &fakeAdapter{}
	teardownOnly := &fakeAdapter{}
	calls := 0
	pf := func() platform.Adapter {
		calls++
		if calls == 1 {
			return created
		}
		return teardownOnly
	}
	f := New("x86_64", "/bin/true", "/bin/true", t.TempDir(), time.Second, pf, nil)

	f.CreateVirtualMachine(context.Background(), "vm-1", vmmodel.Description{NumCores: 1}, fakeMonitor{})
	if err := f.RemoveResourcesFor(context.Background(), "vm-1"); err != nil {
		t.Fatalf("RemoveResourcesFor: %v", err)
	}

	if len(created.removed) != 1 || created.removed[0] != "vm-1" {
		t.Errorf("creation-time adapter removed = %v, want [vm-1]", created.removed)
	}
	if len(teardownOnly.removed) != 0 {
		t.Errorf("a fresh throwaway adapter should never see RemoveResourcesFor, got %v", teardownOnly.removed)
	}
}

func TestRemoveResourcesForFallsBackWhenNeverCreated(t *testing.T) {
	adapter := &fakeAdapter{}
	f := New("x86_64", "/bin/true", "/bin/true", t.TempDir(), time.Second, func() platform.Adapter { return adapter }, nil)

	if err := f.RemoveResourcesFor(context.Background(), "orphan"); err != nil {
		t.Fatalf("RemoveResourcesFor: %v", err)
	}
	if len(adapter.removed) != 1 || adapter.removed[0] != "orphan" {
		t.Errorf("removed = %v, want [orphan]", adapter.removed)
	}
}

func TestGetBackendDirectoryName(t *testing.T) {
	f := New("x86_64", "/bin/true", "/bin/true", t.TempDir(), time.Second, func() platform.Adapter { return &fakeAdapter{} }, nil)
	if got := f.GetBackendDirectoryName(); got != "qemu" {
		t.Errorf("directory = %q, want qemu", got)
	}
}

func TestNetworksNotImplemented(t *testing.T) {
	f := New("x86_64", "/bin/true", "/bin/true", t.TempDir(), time.Second, func() platform.Adapter { return &fakeAdapter{} }, nil)
	if err := f.Networks(); !errors.Is(err, machine.ErrNotImplementedOnThisBackend) {
		t.Errorf("Networks() = %v, want ErrNotImplementedOnThisBackend", err)
	}
}
