// Package settings implements the instance settings handler: validated,
// live resize of a stopped VM's CPU count, memory, and disk, addressed by
// dotted keys of the form "local.<instance>.<cpus|memory|disk>".
package settings

import (
	"fmt"
	"regexp"
	"strconv"
	"sync"

	"qemuhostd/internal/vmmodel"
)

const (
	opObtain = "cannot obtain instance settings"
	opModify = "cannot update instance settings"

	settingsRoot = "local"
	cpusSuffix   = "cpus"
	memSuffix    = "memory"
	diskSuffix   = "disk"
)

var keyPattern = regexp.MustCompile(`^` + settingsRoot + `\.(.+)\.(` + cpusSuffix + `|` + memSuffix + `|` + diskSuffix + `)$`)

// Instance is the subset of internal/vmm/machine.Machine the settings
// handler needs: enough to read live specs and apply a grow-only resize.
// A narrow interface here keeps this package free of a dependency on the
// machine package's process-supervision internals.
type Instance interface {
	Specs() vmmodel.Specs
	UpdateCPUs(n int) error
	ResizeMemory(size vmmodel.MemorySize) error
	ResizeDisk(size vmmodel.MemorySize) error
}

// UnrecognizedSettingError is returned for a key that doesn't match the
// local.<instance>.<property> shape.
type UnrecognizedSettingError struct {
	Key string
}

func (e *UnrecognizedSettingError) Error() string {
	return fmt.Sprintf("unrecognized settings key %q", e.Key)
}

// InstanceSettingsError mirrors the reason/instance/detail shape the
// original settings exceptions carried, so a CLI-facing caller can render
// a consistent "cannot ...; instance: X; reason: Y" message.
type InstanceSettingsError struct {
	Op, Instance, Detail string
}

func (e *InstanceSettingsError) Error() string {
	return fmt.Sprintf("%s; instance: %s; reason: %s", e.Op, e.Instance, e.Detail)
}

// InvalidSettingError is returned when a value fails to parse or violates
// the grow-only invariant.
type InvalidSettingError struct {
	Key, Value, Reason string
}

func (e *InvalidSettingError) Error() string {
	return fmt.Sprintf("invalid setting %s=%q: %s", e.Key, e.Value, e.Reason)
}

// Handler owns the live instance registry backing settings reads/writes.
// Unlike the original, which threaded references to daemon-owned maps
// through the constructor, this Handler owns its bookkeeping outright:
// Go has no analog to C++'s long-lived map references, and centralizing
// the registry here keeps Track/Untrack/SetPreparing as the single
// mutation surface the agent runtime calls as VMs come and go.
type Handler struct {
	mu        sync.RWMutex
	instances map[string]Instance
	deleted   map[string]struct{}
	preparing map[string]struct{}
	persister func()
}

// NewHandler builds an empty Handler. persister is invoked once, after
// the in-memory update, on every successful Set; it is the caller's hook
// for flushing specs to durable storage. A nil persister is a valid no-op.
func NewHandler(persister func()) *Handler {
	if persister == nil {
		persister = func() {}
	}
	return &Handler{
		instances: make(map[string]Instance),
		deleted:   make(map[string]struct{}),
		preparing: make(map[string]struct{}),
		persister: persister,
	}
}

// Track registers name as a live, settable instance.
func (h *Handler) Track(name string, inst Instance) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.instances[name] = inst
	delete(h.deleted, name)
}

// Untrack removes name from the live set and marks it deleted, so a
// subsequent Set/Get reports "instance is deleted" rather than "no such
// instance".
func (h *Handler) Untrack(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.instances, name)
	h.deleted[name] = struct{}{}
}

// SetPreparing marks name as (not) currently being prepared; a settings
// write against a preparing instance is always rejected.
func (h *Handler) SetPreparing(name string, preparing bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if preparing {
		h.preparing[name] = struct{}{}
	} else {
		delete(h.preparing, name)
	}
}

// Keys returns the generic key patterns this handler recognizes, with a
// placeholder instance name (an exhaustive list would bloat help text).
func Keys() []string {
	const placeholder = "<instance-name>"
	return []string{
		fmt.Sprintf("%s.%s.%s", settingsRoot, placeholder, cpusSuffix),
		fmt.Sprintf("%s.%s.%s", settingsRoot, placeholder, memSuffix),
		fmt.Sprintf("%s.%s.%s", settingsRoot, placeholder, diskSuffix),
	}
}

// Get returns the current value of key. Reads are unrestricted: they
// don't consult the preparing set and succeed even against a stopped or
// starting instance.
func (h *Handler) Get(key string) (string, error) {
	instanceName, property, err := parseKey(key)
	if err != nil {
		return "", err
	}

	inst, err := h.lookup(instanceName, opObtain)
	if err != nil {
		return "", err
	}

	specs := inst.Specs()
	switch property {
	case cpusSuffix:
		return strconv.Itoa(specs.NumCores), nil
	case memSuffix:
		return strconv.FormatInt(specs.MemSize.InBytes(), 10) + " bytes", nil
	default: // diskSuffix
		return strconv.FormatInt(specs.DiskSpace.InBytes(), 10) + " bytes", nil
	}
}

// Set validates and applies a settings write, then invokes the persister
// on success.
func (h *Handler) Set(key, val string) error {
	instanceName, property, err := parseKey(key)
	if err != nil {
		return err
	}

	h.mu.RLock()
	_, preparing := h.preparing[instanceName]
	h.mu.RUnlock()
	if preparing {
		return &InstanceSettingsError{Op: opModify, Instance: instanceName, Detail: "instance is being prepared"}
	}

	inst, err := h.lookup(instanceName, opModify)
	if err != nil {
		return err
	}

	switch property {
	case cpusSuffix:
		n, convErr := strconv.Atoi(val)
		if convErr != nil || n < 1 {
			return &InvalidSettingError{Key: key, Value: val, Reason: "need a positive decimal integer"}
		}
		if err := inst.UpdateCPUs(n); err != nil {
			return settingsErrorFor(instanceName, key, val, err)
		}
	case memSuffix:
		size, parseErr := vmmodel.ParseMemorySize(val)
		if parseErr != nil {
			return &InvalidSettingError{Key: key, Value: val, Reason: parseErr.Error()}
		}
		if err := inst.ResizeMemory(size); err != nil {
			return settingsErrorFor(instanceName, key, val, err)
		}
	default: // diskSuffix
		size, parseErr := vmmodel.ParseMemorySize(val)
		if parseErr != nil {
			return &InvalidSettingError{Key: key, Value: val, Reason: parseErr.Error()}
		}
		if err := inst.ResizeDisk(size); err != nil {
			return settingsErrorFor(instanceName, key, val, err)
		}
	}

	h.persister()
	return nil
}

func (h *Handler) lookup(name, op string) (Instance, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if inst, ok := h.instances[name]; ok {
		return inst, nil
	}
	detail := "no such instance"
	if _, deleted := h.deleted[name]; deleted {
		detail = "instance is deleted"
	}
	return nil, &InstanceSettingsError{Op: op, Instance: name, Detail: detail}
}

func parseKey(key string) (instance, property string, err error) {
	m := keyPattern.FindStringSubmatch(key)
	if m == nil {
		return "", "", &UnrecognizedSettingError{Key: key}
	}
	return m[1], m[2], nil
}

// settingsErrorFor turns a machine-level grow-only/state error into the
// settings package's own error shape, so callers only ever match against
// this package's error types.
func settingsErrorFor(instanceName, key, val string, err error) error {
	return &InvalidSettingError{Key: key, Value: val, Reason: err.Error()}
}
