// Package agent wires configuration, the sync client, the status
// monitor, the platform adapter, the VM factory, and the instance
// settings handler into a runnable daemon, and drives its signal-based
// graceful shutdown.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"qemuhostd/internal/config"
	"qemuhostd/internal/settings"
	"qemuhostd/internal/syncclient"
	"qemuhostd/internal/vmm/factory"
	"qemuhostd/internal/vmm/machine"
	"qemuhostd/internal/vmm/monitor"
	"qemuhostd/internal/vmm/platform"
	"qemuhostd/internal/vmmodel"
)

type Agent struct {
	cfg    config.Config
	logger *slog.Logger

	monitor    *monitor.SQLiteMonitor
	syncClient *syncclient.Client
	factory    *factory.Factory
	settings   *settings.Handler

	health          *HealthStatus
	metrics         *Metrics
	metricsRegistry *prometheus.Registry

	mu       sync.Mutex
	machines map[string]*machine.Machine
}

// New builds an Agent from cfg without starting anything, so a caller
// can inspect construction errors (bad db path, unsupported sync mode)
// before committing to Run's signal handling.
func New(cfg config.Config, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = BuildLogger(cfg)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}

	sc, err := syncclient.NewFromConfig(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("build sync client: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "qemuhostd.db")
	mon, err := monitor.Open(dbPath, sc, logger)
	if err != nil {
		return nil, fmt.Errorf("open status monitor: %w", err)
	}

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	health := NewHealthStatus()

	sockDir := filepath.Join(cfg.DataDir, "network")
	pf := func() platform.Adapter {
		return platform.NewLinuxAdapter(cfg.QEMUBinPath, cfg.QEMUImgBinPath, cfg.NetworkHelperBin, sockDir)
	}
	f := factory.New(cfg.Arch, cfg.QEMUBinPath, cfg.QEMUImgBinPath, cfg.DataDir, cfg.QMPTimeout, pf, logger)

	a := &Agent{
		cfg:             cfg,
		logger:          logger,
		monitor:         mon,
		syncClient:      sc,
		factory:         f,
		health:          health,
		metrics:         metrics,
		metricsRegistry: reg,
		machines:        make(map[string]*machine.Machine),
	}
	a.settings = settings.NewHandler(func() { a.logger.Debug("instance settings persisted") })
	return a, nil
}

// observingMonitor decorates the SQLite monitor so every persisted
// transition also drives the Prometheus counter and the health
// snapshot's last-transition timestamp, without machine.Machine knowing
// metrics exist at all.
type observingMonitor struct {
	*monitor.SQLiteMonitor
	health  *HealthStatus
	metrics *Metrics
}

func (o *observingMonitor) PersistStateFor(name string, state vmmodel.State) {
	o.SQLiteMonitor.PersistStateFor(name, state)
	o.metrics.ObserveTransition(state.String())
	o.health.MarkTransition(time.Now().UTC())
}

var _ machine.Monitor = (*observingMonitor)(nil)

// CreateVirtualMachine builds and tracks a Machine for name/desc, wiring
// it into both the settings handler and the metrics-observing monitor.
func (a *Agent) CreateVirtualMachine(ctx context.Context, name string, desc vmmodel.Description) *machine.Machine {
	mon := &observingMonitor{SQLiteMonitor: a.monitor, health: a.health, metrics: a.metrics}
	m := a.factory.CreateVirtualMachine(ctx, name, desc, mon)

	a.mu.Lock()
	a.machines[name] = m
	count := len(a.machines)
	a.mu.Unlock()

	a.settings.Track(name, m)
	a.metrics.SetTrackedVMCount(count)
	a.health.SetTrackedVMCount(count)
	return m
}

// RemoveVirtualMachine untracks name and releases its platform resources.
func (a *Agent) RemoveVirtualMachine(ctx context.Context, name string) error {
	a.mu.Lock()
	delete(a.machines, name)
	count := len(a.machines)
	a.mu.Unlock()

	a.settings.Untrack(name)
	a.metrics.SetTrackedVMCount(count)
	a.health.SetTrackedVMCount(count)
	return a.factory.RemoveResourcesFor(ctx, name)
}

// Machine looks up a tracked VM by name for a CLI-facing RPC layer.
func (a *Agent) Machine(name string) (*machine.Machine, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.machines[name]
	return m, ok
}

// Settings exposes the instance settings handler for a CLI-facing RPC
// layer to delegate to.
func (a *Agent) Settings() *settings.Handler { return a.settings }

func BuildLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	hOpts := &slog.HandlerOptions{Level: level}
	if cfg.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stdout, hOpts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, hOpts))
}
