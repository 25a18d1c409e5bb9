// Package machine implements the authoritative per-VM lifecycle state
// machine: it owns one supervised qemu-system-<arch> process and its QMP
// session, and serializes every operation against a single VM through a
// per-instance mutex and condition variable.
package machine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"qemuhostd/internal/vmm/platform"
	"qemuhostd/internal/vmm/proc"
	"qemuhostd/internal/vmm/qmp"
	"qemuhostd/internal/vmmodel"
)

// DefaultQMPTimeout is the documented upper bound for QMP command replies,
// per the "exact QMP timeout is unspecified in source" open question.
const DefaultQMPTimeout = 30 * time.Second

// Monitor is the status-monitor contract the state machine calls back
// into. Defined here (rather than imported from internal/vmm/monitor) so
// the concrete SQLite-backed monitor can depend on this package's types
// without creating an import cycle.
type Monitor interface {
	PersistStateFor(name string, state vmmodel.State)
	RetrieveMetadataFor(name string) (vmmodel.Metadata, error)
	UpdateMetadataFor(name string, md vmmodel.Metadata) error
	OnResume(name string)
	OnShutdown(name string)
	OnSuspend(name string)
}

// StartFailure is returned when a VM does not reach running, including
// the shutdown-while-starting race of spec §4.D.
type StartFailure struct {
	VMName string
	Reason string
}

func (e *StartFailure) Error() string {
	return fmt.Sprintf("start failure for %s: %s", e.VMName, e.Reason)
}

// ErrNotImplementedOnThisBackend is returned by Networks; the QEMU backend
// does not support the libvirt-style network listing operation.
var ErrNotImplementedOnThisBackend = errors.New("not implemented on this backend")

// TimeoutError marks an explicit-deadline operation that did not complete
// in time (ssh_hostname, ensure_vm_is_running).
type TimeoutError struct {
	Operation string
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("timeout: %s", e.Operation) }

// InvalidSettingError reports a rejected update_cpus/resize_memory/resize_disk.
type InvalidSettingError struct {
	Key, Value, Reason string
}

func (e *InvalidSettingError) Error() string {
	return fmt.Sprintf("invalid setting %s=%s: %s", e.Key, e.Value, e.Reason)
}

// Machine is one VM's lifecycle state machine.
type Machine struct {
	name       string
	arch       string
	qemuBin    string
	qemuImgBin string
	dataDir    string
	qmpTimeout time.Duration

	platform platform.Adapter
	monitor  Monitor
	logger   *slog.Logger

	mu   sync.Mutex
	cond *sync.Cond

	desc          vmmodel.Description
	specs         vmmodel.Specs
	hasSuspendTag bool

	sup        *proc.Supervisor
	session    *qmp.Session
	lastStderr []byte

	// savevmResumed is closed by the RESUME event handler once savevm
	// completes during Suspend, waking Suspend to kill the process. It
	// is not routed through setState: the observable state must go
	// suspending -> off with no path back through running (spec §4.D).
	savevmResumed chan struct{}
}

// New constructs a Machine for desc, computing its initial state by
// probing the image for the suspend tag via qemu-img.
func New(ctx context.Context, name, arch string, desc vmmodel.Description, plat platform.Adapter, mon Monitor, qemuBin, qemuImgBin, dataDir string, qmpTimeout time.Duration, logger *slog.Logger) *Machine {
	if qmpTimeout <= 0 {
		qmpTimeout = DefaultQMPTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Machine{
		name:       name,
		arch:       arch,
		qemuBin:    qemuBin,
		qemuImgBin: qemuImgBin,
		dataDir:    dataDir,
		qmpTimeout: qmpTimeout,
		platform:   plat,
		monitor:    mon,
		logger:     logger.With("vm", name),
		desc:       desc,
		specs: vmmodel.Specs{
			NumCores:        desc.NumCores,
			MemSize:         desc.MemSize,
			DiskSpace:       desc.DiskSpace,
			DefaultMAC:      desc.DefaultMAC,
			ExtraInterfaces: desc.ExtraInterfaces,
			SSHUsername:     desc.SSHUsername,
			State:           vmmodel.StateOff,
			Mounts:          map[string]string{},
		},
	}
	m.cond = sync.NewCond(&m.mu)

	if md, err := mon.RetrieveMetadataFor(name); err == nil {
		m.specs.Metadata = md
	} else {
		m.specs.Metadata = vmmodel.Metadata{}
	}

	m.hasSuspendTag = probeSuspendTag(ctx, qemuImgBin, desc.Image.Path, logger)
	return m
}

// probeSuspendTag runs `qemu-img snapshot -l <image>` and looks for the
// suspend tag in its text output. Any failure (missing binary, unreadable
// image, parse trouble) is treated as "no suspend tag" and logged, per the
// open question on snapshot-tool failure.
func probeSuspendTag(ctx context.Context, qemuImgBin, imagePath string, logger *slog.Logger) bool {
	if imagePath == "" {
		return false
	}
	out, _, state := proc.CaptureRun(ctx, qemuImgBin, []string{"snapshot", "-l", imagePath}, 10*time.Second)
	if !state.Success() {
		logger.Debug("qemu-img snapshot probe failed, assuming no suspend tag", "error", state.String())
		return false
	}
	return strings.Contains(out, vmmodel.SuspendTag)
}

func (m *Machine) Name() string { return m.name }

// CurrentState is observed only; it never blocks.
func (m *Machine) CurrentState() vmmodel.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.specs.State
}

// setState must be called with mu held. It updates state, persists it
// (per spec, persist_state_for happens under the VM mutex and must not
// call back into the VM), and wakes any waiters.
func (m *Machine) setState(s vmmodel.State) {
	m.specs.State = s
	m.monitor.PersistStateFor(m.name, s)
	m.cond.Broadcast()
}

// waitFor blocks until specs.State is one of want or timeout elapses.
// Caller must hold mu; it is released while waiting and re-acquired on
// return. Returns false on timeout.
func (m *Machine) waitFor(timeout time.Duration, want ...vmmodel.State) bool {
	if containsState(m.specs.State, want) {
		return true
	}

	var timedOut bool
	timer := time.AfterFunc(timeout, func() {
		m.mu.Lock()
		timedOut = true
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer timer.Stop()

	for !containsState(m.specs.State, want) && !timedOut {
		m.cond.Wait()
	}
	return containsState(m.specs.State, want)
}

func containsState(s vmmodel.State, set []vmmodel.State) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

// Start is idempotent if already running/starting; otherwise transitions
// off|suspended -> starting and spawns QEMU.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	switch m.specs.State {
	case vmmodel.StateRunning, vmmodel.StateStarting:
		m.mu.Unlock()
		return nil
	}
	m.setState(vmmodel.StateStarting)
	desc := m.desc
	specs := m.specs
	hasSuspendTag := m.hasSuspendTag
	m.mu.Unlock()

	argv, err := m.assembleArgv(ctx, desc, specs, hasSuspendTag)
	if err != nil {
		m.mu.Lock()
		m.setState(vmmodel.StateOff)
		m.mu.Unlock()
		return &StartFailure{VMName: m.name, Reason: err.Error()}
	}

	sup := proc.New(m.qemuBin, argv, nil)
	session := qmp.NewSession(sup)

	var stderrBuf []byte
	var stderrMu sync.Mutex
	sup.OnStderr(func(chunk []byte) {
		stderrMu.Lock()
		stderrBuf = append(stderrBuf, chunk...)
		stderrMu.Unlock()
	})

	interrupted := make(chan struct{})
	var interruptOnce sync.Once

	session.OnEvent(func(e qmp.Event) {
		switch e.Name {
		case "RESUME":
			m.mu.Lock()
			switch m.specs.State {
			case vmmodel.StateStarting:
				m.monitor.OnResume(m.name)
				m.setState(vmmodel.StateRunning)
			case vmmodel.StateSuspending:
				// savevm has completed and QEMU resumed the CPUs; wake
				// Suspend to kill the process and finalize the
				// transition to off. Observable state stays suspending
				// here — it never bounces back through running.
				if m.savevmResumed != nil {
					close(m.savevmResumed)
					m.savevmResumed = nil
				}
			}
			m.mu.Unlock()
		case "STOP", "POWERDOWN", "SHUTDOWN":
			// handled explicitly by Shutdown/Suspend; observed here only
			// for logging visibility.
			m.logger.Debug("qmp event", "event", e.Name)
		}
	})

	sup.OnFinished(func(state vmmodel.ProcessState) {
		m.mu.Lock()
		wasStarting := m.specs.State == vmmodel.StateStarting
		m.sup = nil
		m.session = nil
		stderrMu.Lock()
		m.lastStderr = append([]byte(nil), stderrBuf...)
		stderrMu.Unlock()
		if wasStarting {
			m.setState(vmmodel.StateOff)
		}
		m.mu.Unlock()
		interruptOnce.Do(func() { close(interrupted) })
	})

	m.mu.Lock()
	m.sup = sup
	m.session = session
	m.mu.Unlock()

	sup.Start()

	hctx, cancel := context.WithTimeout(ctx, m.qmpTimeout)
	defer cancel()
	if err := session.Handshake(hctx); err != nil {
		select {
		case <-interrupted:
		default:
			sup.Kill()
		}
		m.mu.Lock()
		if m.specs.State == vmmodel.StateStarting {
			m.setState(vmmodel.StateOff)
		}
		reason := err.Error()
		m.mu.Unlock()
		return &StartFailure{VMName: m.name, Reason: reason}
	}

	return nil
}

// EnsureVMIsRunning blocks until the state is running or terminal,
// raising a StartFailure with vm_name if the VM went to off while
// starting (including the shutdown-while-starting race).
func (m *Machine) EnsureVMIsRunning(ctx context.Context, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.specs.State == vmmodel.StateRunning {
		return nil
	}
	ok := m.waitFor(timeout, vmmodel.StateRunning, vmmodel.StateOff, vmmodel.StateUnknown)
	if !ok {
		return &TimeoutError{Operation: "ensure_vm_is_running"}
	}
	if m.specs.State != vmmodel.StateRunning {
		reason := fmt.Sprintf("shutdown requested while vm was still starting (state=%s)", m.specs.State)
		if len(m.lastStderr) > 0 {
			reason += ": " + string(m.lastStderr)
		}
		return &StartFailure{VMName: m.name, Reason: reason}
	}
	return nil
}

// Shutdown: no-op from off/suspended. From starting, interrupts the boot.
// From running/unknown, issues system_powerdown and awaits child exit.
func (m *Machine) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	switch m.specs.State {
	case vmmodel.StateOff, vmmodel.StateSuspended:
		m.mu.Unlock()
		return nil
	case vmmodel.StateStarting:
		sup := m.sup
		m.mu.Unlock()
		if sup != nil {
			sup.Kill()
		}
		// The supervisor's OnFinished callback (registered in Start)
		// transitions starting -> off and wakes any EnsureVMIsRunning
		// waiter with a StartFailure; wait for that to land here.
		m.mu.Lock()
		m.waitFor(m.qmpTimeout, vmmodel.StateOff)
		m.mu.Unlock()
		return nil
	}

	// running or unknown
	session := m.session
	sup := m.sup
	m.setState(vmmodel.StateDelayedShutdown)
	m.mu.Unlock()

	if session != nil {
		pctx, cancel := context.WithTimeout(ctx, m.qmpTimeout)
		err := session.SystemPowerdown(pctx)
		cancel()
		if err != nil && sup != nil {
			// channel broken or guest unresponsive: force kill.
			sup.Kill()
		}
	} else if sup != nil {
		sup.Kill()
	}

	if sup != nil {
		sup.WaitForFinished(m.qmpTimeout)
	}

	m.mu.Lock()
	m.monitor.OnShutdown(m.name)
	m.setState(vmmodel.StateOff)
	m.mu.Unlock()
	return nil
}

// Suspend issues savevm suspend, awaits RESUME, kills the process, and
// leaves state off with the suspend tag recorded.
func (m *Machine) Suspend(ctx context.Context) error {
	m.mu.Lock()
	if m.specs.State != vmmodel.StateRunning {
		m.mu.Unlock()
		return fmt.Errorf("suspend: vm %s is not running (state=%s)", m.name, m.specs.State)
	}
	session := m.session
	sup := m.sup
	resumed := make(chan struct{})
	m.savevmResumed = resumed
	m.setState(vmmodel.StateSuspending)
	m.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, m.qmpTimeout)
	err := session.SaveVM(sctx, vmmodel.SuspendTag)
	cancel()
	if err != nil {
		m.mu.Lock()
		m.savevmResumed = nil
		m.setState(vmmodel.StateRunning)
		m.mu.Unlock()
		return fmt.Errorf("suspend: savevm failed: %w", err)
	}

	select {
	case <-resumed:
	case <-time.After(m.qmpTimeout):
	}

	if sup != nil {
		sup.Kill()
		sup.WaitForFinished(m.qmpTimeout)
	}

	m.mu.Lock()
	m.hasSuspendTag = true
	m.monitor.OnSuspend(m.name)
	m.setState(vmmodel.StateOff)
	m.mu.Unlock()
	return nil
}

// SSHHostname returns the management IP once reachable, or errors after
// timeout and transitions the state to unknown.
func (m *Machine) SSHHostname(ctx context.Context, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		ip, err := m.ManagementIPv4(ctx)
		if err == nil && ip != vmmodel.UnknownIP {
			return ip, nil
		}
		if time.Now().After(deadline) {
			m.mu.Lock()
			m.setState(vmmodel.StateUnknown)
			m.mu.Unlock()
			return "", &TimeoutError{Operation: "ssh_hostname"}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// ManagementIPv4 returns the current lease or the UNKNOWN sentinel; it
// never errors on absence.
func (m *Machine) ManagementIPv4(ctx context.Context) (string, error) {
	m.mu.Lock()
	mac := m.specs.DefaultMAC
	m.mu.Unlock()

	ip, err := m.platform.GetIPFor(ctx, mac)
	if err != nil || ip == nil {
		return vmmodel.UnknownIP, nil
	}
	return ip.String(), nil
}

// UpdateCPUs applies a grow-only CPU count change; valid only when off.
func (m *Machine) UpdateCPUs(n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.specs.State != vmmodel.StateOff {
		return &InvalidSettingError{Key: "cpus", Value: fmt.Sprint(n), Reason: "vm must be stopped"}
	}
	if n < m.specs.NumCores {
		return &InvalidSettingError{Key: "cpus", Value: fmt.Sprint(n), Reason: "cannot shrink cpu count"}
	}
	if n == m.specs.NumCores {
		return nil
	}
	m.specs.NumCores = n
	m.monitor.PersistStateFor(m.name, m.specs.State)
	return nil
}

// ResizeMemory applies a grow-only memory size change; valid only when off.
func (m *Machine) ResizeMemory(s vmmodel.MemorySize) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.specs.State != vmmodel.StateOff {
		return &InvalidSettingError{Key: "memory", Value: s.HumanReadable(), Reason: "vm must be stopped"}
	}
	if s < m.specs.MemSize {
		return &InvalidSettingError{Key: "memory", Value: s.HumanReadable(), Reason: "cannot shrink memory"}
	}
	m.specs.MemSize = s
	m.monitor.PersistStateFor(m.name, m.specs.State)
	return nil
}

// ResizeDisk applies a grow-only disk size change; valid only when off.
func (m *Machine) ResizeDisk(s vmmodel.MemorySize) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.specs.State != vmmodel.StateOff {
		return &InvalidSettingError{Key: "disk", Value: s.HumanReadable(), Reason: "vm must be stopped"}
	}
	if s < m.specs.DiskSpace {
		return &InvalidSettingError{Key: "disk", Value: s.HumanReadable(), Reason: "cannot shrink disk"}
	}
	m.specs.DiskSpace = s
	m.monitor.PersistStateFor(m.name, m.specs.State)
	return nil
}

// Specs returns a copy of the machine's current live specs.
func (m *Machine) Specs() vmmodel.Specs {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.specs
}

// Networks is not implemented on the QEMU backend.
func (m *Machine) Networks() error { return ErrNotImplementedOnThisBackend }

// assembleArgv builds qemu-system-<arch> argv per the bit-exact contract:
// steps 1-7 are the backend defaults; if metadata carries "arguments",
// those fully replace steps 1-7.
func (m *Machine) assembleArgv(ctx context.Context, desc vmmodel.Description, specs vmmodel.Specs, hasSuspendTag bool) ([]string, error) {
	if args, ok := specs.Metadata.Arguments(); ok {
		return args, nil
	}

	var argv []string

	// 1. base flags
	argv = append(argv, "-nographic", "-serial", "mon:stdio", "-qmp", "stdio", "-chardev", "null,id=char0")
	argv = append(argv, accelFlags()...)

	// 2. machine type
	if mt, ok := specs.Metadata.MachineType(); ok && mt != "" {
		argv = append(argv, "-machine", mt)
	} else {
		argv = append(argv, "-machine", defaultMachineType(m.arch))
	}

	// 3. cpu + nic
	argv = append(argv, "-cpu", "host")
	tapName, err := m.platform.AllocateTap(ctx, m.name)
	if err != nil {
		return nil, fmt.Errorf("allocate tap: %w", err)
	}
	nicArgs, err := m.platform.VMPlatformArgs(ctx, desc, tapName)
	if err != nil {
		return nil, fmt.Errorf("platform args: %w", err)
	}
	argv = append(argv, nicArgs...)

	// 4. drive
	argv = append(argv, "-drive", fmt.Sprintf("file=%s,if=virtio,format=qcow2,discard=unmap", desc.Image.Path))

	// 5. cdrom, unless resuming from a suspended snapshot
	if !hasSuspendTag && desc.CloudInitISO != "" {
		argv = append(argv, "-cdrom", desc.CloudInitISO)
	}

	// 6. loadvm
	if hasSuspendTag {
		argv = append(argv, "-loadvm", vmmodel.SuspendTag)
	}

	// 7. remaining platform argv (e.g. -dump-vmstate probing flags)
	argv = append(argv, m.platform.VMStatePlatformArgs()...)

	return argv, nil
}

func accelFlags() []string {
	return []string{"-accel", "kvm:tcg"}
}

func defaultMachineType(arch string) string {
	switch arch {
	case "aarch64", "arm64":
		return "virt"
	default:
		return "pc"
	}
}

var versionPattern = regexp.MustCompile(`QEMU emulator version (\d+\.\d+(?:\.\d+)?)`)

// VersionString runs `qemu-system-<arch> --version` and returns
// "qemu-<x.y.z>" on a successful parse, "qemu-unknown" otherwise.
func VersionString(ctx context.Context, qemuBin string) string {
	out, _, state := proc.CaptureRun(ctx, qemuBin, []string{"--version"}, 10*time.Second)
	if !state.Success() {
		return "qemu-unknown"
	}
	lines := strings.SplitN(out, "\n", 2)
	if len(lines) == 0 {
		return "qemu-unknown"
	}
	m := versionPattern.FindStringSubmatch(lines[0])
	if m == nil {
		return "qemu-unknown"
	}
	return "qemu-" + m[1]
}
