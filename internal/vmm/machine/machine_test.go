package machine

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"qemuhostd/internal/vmmodel"
)

// fakeMonitor records every callback invocation in order, in the shape
// "persist:<state>" / "on_resume" / "on_shutdown" / "on_suspend", for
// asserting the exact monitor call sequences the spec's scenarios name.
type fakeMonitor struct {
	mu       sync.Mutex
	calls    []string
	metadata vmmodel.Metadata
}

func (f *fakeMonitor) PersistStateFor(name string, state vmmodel.State) {
	f.record("persist:" + state.String())
}
func (f *fakeMonitor) RetrieveMetadataFor(name string) (vmmodel.Metadata, error) {
	if f.metadata == nil {
		return vmmodel.Metadata{}, nil
	}
	return f.metadata, nil
}
func (f *fakeMonitor) UpdateMetadataFor(name string, md vmmodel.Metadata) error {
	f.metadata = md
	return nil
}
func (f *fakeMonitor) OnResume(name string)   { f.record("on_resume") }
func (f *fakeMonitor) OnShutdown(name string) { f.record("on_shutdown") }
func (f *fakeMonitor) OnSuspend(name string)  { f.record("on_suspend") }

func (f *fakeMonitor) record(s string) {
	f.mu.Lock()
	f.calls = append(f.calls, s)
	f.mu.Unlock()
}

func (f *fakeMonitor) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// fakePlatform is a no-op capability set: no real tap devices or helper
// processes, a configurable DHCP lease.
type fakePlatform struct {
	ip net.IP
}

func (f *fakePlatform) VMPlatformArgs(ctx context.Context, desc vmmodel.Description, tapName string) ([]string, error) {
	return []string{"-netdev", "tap,id=net0,ifname=" + tapName}, nil
}
func (f *fakePlatform) VMStatePlatformArgs() []string { return nil }
func (f *fakePlatform) GetIPFor(ctx context.Context, mac string) (net.IP, error) {
	return f.ip, nil
}
func (f *fakePlatform) AllocateTap(ctx context.Context, name string) (string, error) {
	return "tap0", nil
}
func (f *fakePlatform) RemoveResourcesFor(ctx context.Context, name string) error { return nil }
func (f *fakePlatform) HealthCheck(ctx context.Context) error                    { return nil }
func (f *fakePlatform) DirectoryName() string                                    { return "qemu" }

// genericFakeQEMU acks qmp_capabilities with an immediate RESUME event,
// acks savevm with a RESUME event (simulating "savevm completes and
// resumes the CPUs"), and exits cleanly on system_powerdown. It logs its
// argv, one line per invocation, to argsLog when argsLog is non-empty.
const genericFakeQEMUBody = `
if [ -n "$1" ] && [ "$1" = "--argslog" ]; then
  log="$2"
  shift 2
  printf '%s\n' "$*" >> "$log"
fi
printf '{"QMP":{"version":{}}}\n'
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\)}$/\1/p')
  case "$line" in
    *system_powerdown*)
      printf '{"return":{},"id":%s}\n' "$id"
      exit 0
      ;;
    *savevm*)
      printf '{"return":"","id":%s}\n' "$id"
      printf '{"event":"RESUME","data":{}}\n'
      ;;
    *qmp_capabilities*)
      printf '{"return":{},"id":%s}\n' "$id"
      printf '{"event":"RESUME","data":{}}\n'
      ;;
    *)
      printf '{"return":{},"id":%s}\n' "$id"
      ;;
  esac
done
`

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-qemu")
	content := "#!/bin/sh\n" + body
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func newTestMachine(t *testing.T, qemuBin string, mon *fakeMonitor, desc vmmodel.Description) *Machine {
	t.Helper()
	if mon == nil {
		mon = &fakeMonitor{}
	}
	return New(context.Background(), "test-vm", "x86_64", desc, &fakePlatform{}, mon, qemuBin, "/bin/true", t.TempDir(), 2*time.Second, nil)
}

func TestS1OffAfterCreation(t *testing.T) {
	mon := &fakeMonitor{}
	m := newTestMachine(t, "/bin/true", mon, vmmodel.Description{NumCores: 2, MemSize: 3 * 1024 * 1024})

	if got := m.CurrentState(); got != vmmodel.StateOff {
		t.Fatalf("state = %v, want off", got)
	}
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown from off: %v", err)
	}
	if got := m.CurrentState(); got != vmmodel.StateOff {
		t.Fatalf("state after no-op shutdown = %v, want off", got)
	}
	if calls := mon.snapshot(); len(calls) != 0 {
		t.Errorf("expected no monitor calls for a no-op shutdown, got %v", calls)
	}
}

func TestS2StartShutdownEventSequence(t *testing.T) {
	script := writeScript(t, genericFakeQEMUBody)
	mon := &fakeMonitor{}
	m := newTestMachine(t, script, mon, vmmodel.Description{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.EnsureVMIsRunning(ctx, 3*time.Second); err != nil {
		t.Fatalf("EnsureVMIsRunning: %v", err)
	}
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := m.CurrentState(); got != vmmodel.StateOff {
		t.Fatalf("state after shutdown = %v, want off", got)
	}

	want := []string{
		"persist:starting",
		"on_resume",
		"persist:running",
		"persist:delayed_shutdown",
		"on_shutdown",
		"persist:off",
	}
	got := mon.snapshot()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("monitor call sequence = %v, want %v", got, want)
	}
}

func TestS3SuspendThenResumeUsesLoadVM(t *testing.T) {
	argsLog := filepath.Join(t.TempDir(), "args.log")
	script := writeScript(t, genericFakeQEMUBody)

	wrapper := writeScript(t, "exec \""+script+"\" --argslog \""+argsLog+"\" \"$@\"\n")

	mon := &fakeMonitor{}
	desc := vmmodel.Description{Image: vmmodel.ImageDescription{Path: "/tmp/does-not-matter.qcow2"}}
	m := New(context.Background(), "suspend-vm", "x86_64", desc, &fakePlatform{}, mon, wrapper, "/bin/true", t.TempDir(), 2*time.Second, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := m.EnsureVMIsRunning(ctx, 3*time.Second); err != nil {
		t.Fatalf("EnsureVMIsRunning: %v", err)
	}
	if err := m.Suspend(ctx); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if got := m.CurrentState(); got != vmmodel.StateOff {
		t.Fatalf("state after suspend = %v, want off", got)
	}

	// The RESUME event QEMU emits when savevm completes must never be
	// observable as a transition back through running: no persist:running
	// may appear between the suspending and off persists.
	suspendCalls := mon.snapshot()[3:]
	want := []string{"persist:suspending", "on_suspend", "persist:off"}
	if strings.Join(suspendCalls, ",") != strings.Join(want, ",") {
		t.Errorf("monitor call sequence during suspend = %v, want %v", suspendCalls, want)
	}

	if err := m.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if err := m.EnsureVMIsRunning(ctx, 3*time.Second); err != nil {
		t.Fatalf("EnsureVMIsRunning (resume): %v", err)
	}
	_ = m.Shutdown(ctx)

	data, err := os.ReadFile(argsLog)
	if err != nil {
		t.Fatalf("read argslog: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 logged invocations, got %d: %q", len(lines), lines)
	}
	second := lines[1]
	if !strings.Contains(second, "-loadvm") || !strings.Contains(second, vmmodel.SuspendTag) {
		t.Errorf("second boot argv = %q, want to contain -loadvm suspend", second)
	}
}

func TestS4ShutdownWhileStartingCausesStartFailure(t *testing.T) {
	script := writeScript(t, `
printf '{"QMP":{"version":{}}}\n'
read line
printf '{"return":{},"id":1}\n'
cat >/dev/null
`)
	mon := &fakeMonitor{}
	m := newTestMachine(t, script, mon, vmmodel.Description{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := m.CurrentState(); got != vmmodel.StateStarting {
		t.Fatalf("state after handshake with no RESUME = %v, want starting", got)
	}

	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown while starting: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for m.CurrentState() != vmmodel.StateOff && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := m.CurrentState(); got != vmmodel.StateOff {
		t.Fatalf("state after interrupted start = %v, want off", got)
	}

	err := m.EnsureVMIsRunning(ctx, time.Second)
	var sf *StartFailure
	if !errors.As(err, &sf) {
		t.Fatalf("EnsureVMIsRunning error = %v, want *StartFailure", err)
	}
	if sf.VMName != "test-vm" {
		t.Errorf("StartFailure.VMName = %q, want test-vm", sf.VMName)
	}
	if !strings.Contains(sf.Reason, "shutdown") || !strings.Contains(sf.Reason, "starting") {
		t.Errorf("StartFailure.Reason = %q, want to mention both shutdown and starting", sf.Reason)
	}
}

func TestS5MetadataOverridesArgv(t *testing.T) {
	argsLog := filepath.Join(t.TempDir(), "args.log")
	base := writeScript(t, genericFakeQEMUBody)
	wrapper := writeScript(t, "exec \""+base+"\" --argslog \""+argsLog+"\" \"$@\"\n")

	mon := &fakeMonitor{metadata: vmmodel.Metadata{"arguments": []any{"-hi_there", "-hows_it_going"}}}
	m := newTestMachine(t, wrapper, mon, vmmodel.Description{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_ = m.EnsureVMIsRunning(ctx, 2*time.Second)

	data, err := os.ReadFile(argsLog)
	if err != nil {
		t.Fatalf("read argslog: %v", err)
	}
	line := strings.TrimSpace(string(data))
	if !strings.Contains(line, "-hi_there") || !strings.Contains(line, "-hows_it_going") {
		t.Errorf("argv = %q, want the metadata-supplied arguments", line)
	}
	if strings.Contains(line, "-nographic") {
		t.Errorf("argv = %q, want defaults suppressed when metadata supplies arguments", line)
	}
}

func TestS6VersionStringFallback(t *testing.T) {
	unparsable := writeScript(t, "echo 'Unparsable version string'\nexit 0\n")
	if got := VersionString(context.Background(), unparsable); got != "qemu-unknown" {
		t.Errorf("unparsable stdout: got %q, want qemu-unknown", got)
	}

	failing := writeScript(t, "echo 'QEMU emulator version 2.11.1(whatever)'\nexit 1\n")
	if got := VersionString(context.Background(), failing); got != "qemu-unknown" {
		t.Errorf("nonzero exit: got %q, want qemu-unknown", got)
	}

	ok := writeScript(t, "printf 'QEMU emulator version 2.11.1(v2.11.1-dirty)\\nCopyright blah\\n'\nexit 0\n")
	if got := VersionString(context.Background(), ok); got != "qemu-2.11.1" {
		t.Errorf("parsable stdout: got %q, want qemu-2.11.1", got)
	}
}

func TestUpdateCPUsGrowOnlyInvariant(t *testing.T) {
	m := newTestMachine(t, "/bin/true", nil, vmmodel.Description{NumCores: 2})

	if err := m.UpdateCPUs(1); err == nil {
		t.Error("shrinking cpu count should be rejected")
	}
	if err := m.UpdateCPUs(2); err != nil {
		t.Errorf("no-op update should succeed, got %v", err)
	}
	if err := m.UpdateCPUs(4); err != nil {
		t.Errorf("growing cpu count should succeed, got %v", err)
	}
	if got := m.Specs().NumCores; got != 4 {
		t.Errorf("NumCores = %d, want 4", got)
	}
}

func TestResizeMemoryGrowOnlyInvariant(t *testing.T) {
	m := newTestMachine(t, "/bin/true", nil, vmmodel.Description{MemSize: vmmodel.MemorySize(1024 * 1024 * 1024)})

	smaller, _ := vmmodel.ParseMemorySize("512M")
	if err := m.ResizeMemory(smaller); err == nil {
		t.Error("shrinking memory should be rejected")
	}
	bigger, _ := vmmodel.ParseMemorySize("2G")
	if err := m.ResizeMemory(bigger); err != nil {
		t.Errorf("growing memory should succeed, got %v", err)
	}
}

func TestManagementIPv4UnknownSentinel(t *testing.T) {
	m := newTestMachine(t, "/bin/true", nil, vmmodel.Description{})
	ip, err := m.ManagementIPv4(context.Background())
	if err != nil {
		t.Fatalf("ManagementIPv4: %v", err)
	}
	if ip != vmmodel.UnknownIP {
		t.Errorf("ip = %q, want UNKNOWN sentinel when no lease exists", ip)
	}
}

// TestSSHHostnameTimesOutAndSetsUnknown covers spec invariant 8:
// ssh_hostname(t) with no lease throws after roughly t (plus polling
// slack) and leaves the machine in the unknown state, mirroring
// ssh_hostname_timeout_throws_and_sets_unknown_state in the original
// test_qemu_backend.cpp.
func TestSSHHostnameTimesOutAndSetsUnknown(t *testing.T) {
	m := newTestMachine(t, "/bin/true", nil, vmmodel.Description{})

	const timeout = 300 * time.Millisecond
	start := time.Now()
	_, err := m.SSHHostname(context.Background(), timeout)
	elapsed := time.Since(start)

	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("err = %v, want *TimeoutError", err)
	}
	if timeoutErr.Operation != "ssh_hostname" {
		t.Errorf("Operation = %q, want ssh_hostname", timeoutErr.Operation)
	}
	if elapsed < timeout {
		t.Errorf("returned before the requested timeout elapsed: %v < %v", elapsed, timeout)
	}
	if slack := elapsed - timeout; slack > time.Second {
		t.Errorf("returned %v after the requested timeout, want small slack", slack)
	}
	if got := m.CurrentState(); got != vmmodel.StateUnknown {
		t.Errorf("state after ssh_hostname timeout = %v, want unknown", got)
	}
}

func TestNetworksNotImplemented(t *testing.T) {
	m := newTestMachine(t, "/bin/true", nil, vmmodel.Description{})
	if err := m.Networks(); !errors.Is(err, ErrNotImplementedOnThisBackend) {
		t.Errorf("Networks() = %v, want ErrNotImplementedOnThisBackend", err)
	}
}
