package agent

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// Run starts the daemon and blocks until ctx is canceled or a shutdown
// signal arrives, then drives a two-stage graceful shutdown: cancel the
// run context and wait up to cfg.ShutdownGracePeriod, forcing immediate
// shutdown on a second signal or on timeout. Existing VM processes are
// left running; qemuhostd only stops watching them, per the daemon's
// crash-only supervision model.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("starting qemuhostd", "node_id", a.cfg.NodeID, "arch", a.cfg.Arch)
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- a.run(runCtx)
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case runErr = <-runErrCh:
		// agent terminated by itself: startup error, runtime error, or parent ctx canceled
	case sig := <-sigCh:
		a.logger.Info("shutdown signal received, starting graceful shutdown", "signal", sig.String(), "timeout", a.cfg.ShutdownGracePeriod)
		cancelRun()

		graceTimer := time.NewTimer(a.cfg.ShutdownGracePeriod)
		defer graceTimer.Stop()

		select {
		case runErr = <-runErrCh:
			// graceful stop completed in time
		case sig2 := <-sigCh:
			a.logger.Warn("second signal received, forcing immediate shutdown", "signal", sig2.String())
			runErr = context.Canceled
		case <-graceTimer.C:
			a.logger.Warn("graceful shutdown timeout reached, forcing shutdown", "timeout", a.cfg.ShutdownGracePeriod)
			runErr = context.DeadlineExceeded
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), a.cfg.ShutdownGracePeriod)
	defer cancelShutdown()
	a.shutdown(shutdownCtx)

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return runErr
	}
	a.logger.Info("qemuhostd stopped")
	return nil
}

func (a *Agent) run(ctx context.Context) error {
	if err := a.factory.HypervisorHealthCheck(ctx); err != nil {
		a.logger.Warn("initial hypervisor health check failed", "error", err)
		a.health.SetBackendHealthy(false)
	} else {
		a.health.SetBackendHealthy(true)
	}
	a.health.SetSyncConnected(true)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.runHealthLoop(gctx)
	})
	g.Go(func() error {
		return a.runProbeListener(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *Agent) runHealthLoop(ctx context.Context) error {
	t := time.NewTicker(a.cfg.HealthCheckInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := a.factory.HypervisorHealthCheck(ctx); err != nil {
				a.logger.Warn("hypervisor health check failed", "error", err)
				a.health.SetBackendHealthy(false)
			} else {
				a.health.SetBackendHealthy(true)
			}
			a.logHealth("tick")
		}
	}
}

func (a *Agent) logHealth(status string) {
	a.logger.Log(context.Background(), slog.LevelDebug, "agent health", "status", status, "snapshot", a.health.Snapshot())
}

// shutdown closes the sync client (which first sends every event still
// queued, each send bounded by the client's own send timeout; ctx is not
// consulted) and the status monitor. It does not touch any running VM
// process: qemuhostd exiting is not a request to stop VMs.
func (a *Agent) shutdown(ctx context.Context) {
	if err := a.syncClient.Close(); err != nil {
		a.logger.Warn("sync client close failed", "error", err)
	}
	a.health.SetSyncConnected(false)

	if err := a.monitor.Close(); err != nil {
		a.logger.Warn("status monitor close failed", "error", err)
	}
}
