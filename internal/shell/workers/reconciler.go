// Package workers contains background workers for the control plane.
package workers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pressmux/pressmux/internal/core/site"
	"github.com/pressmux/pressmux/internal/core/stack"
	"github.com/pressmux/pressmux/internal/shell/engine"
	"github.com/pressmux/pressmux/internal/shell/store"
)

// sweepPageSize bounds how many rows one sweep loads per status.
const sweepPageSize = 1000

// ReconcilerConfig configures the reconciler worker.
type ReconcilerConfig struct {
	// Interval is the time between reconcile sweeps. Zero disables
	// the worker.
	Interval time.Duration

	// StuckAge is how long a site may sit in provisioning before the
	// sweep reports it. Default: 15 minutes.
	StuckAge time.Duration
}

// DefaultReconcilerConfig returns the default configuration.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Interval: 60 * time.Second,
		StuckAge: 15 * time.Minute,
	}
}

// StackInspector reads the observed container state of site stacks.
type StackInspector interface {
	Inspect(ctx context.Context, siteName string) (*engine.StackStatus, error)
}

// Reconciler periodically compares the registry against observed
// container state. Running sites whose web container crashed are
// flagged as errored, cleanly exited or dismantled stacks become
// stopped, and stopped sites whose stack is back up return to running.
// It never starts or stops containers itself.
type Reconciler struct {
	store  store.Store
	stacks StackInspector
	config ReconcilerConfig
	logger *slog.Logger

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReconciler creates a new reconciler worker. A zero Interval is
// kept as-is and disables Start.
func NewReconciler(s store.Store, stacks StackInspector, config ReconcilerConfig, logger *slog.Logger) *Reconciler {
	if config.StuckAge == 0 {
		config.StuckAge = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Reconciler{
		store:  s,
		stacks: stacks,
		config: config,
		logger: logger.With("component", "reconciler"),
	}
}

// Start begins the reconciler background goroutine.
func (r *Reconciler) Start() {
	if r.config.Interval <= 0 {
		r.logger.Info("reconciler disabled")
		return
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())

	r.wg.Add(1)
	go r.run()

	r.logger.Info("reconciler started",
		"interval", r.config.Interval,
		"stuck_age", r.config.StuckAge,
	)
}

// Stop gracefully stops the reconciler. It waits for an in-progress
// sweep to complete.
func (r *Reconciler) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.wg.Wait()
	r.logger.Info("reconciler stopped")
}

// run is the main loop that sweeps periodically.
func (r *Reconciler) run() {
	defer r.wg.Done()

	// Run immediately on start
	r.runCycle()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.runCycle()
		}
	}
}

func (r *Reconciler) runCycle() {
	ctx, cancel := context.WithTimeout(r.ctx, r.config.Interval)
	defer cancel()

	r.Sweep(ctx)
}

// Sweep executes a single reconcile pass. It is exported for
// on-demand runs after configuration changes.
func (r *Reconciler) Sweep(ctx context.Context) {
	r.sweepRunning(ctx)
	r.sweepStopped(ctx)
	r.reportStuckProvisioning(ctx)
}

// =============================================================================
// Sweep Passes
// =============================================================================

func (r *Reconciler) sweepRunning(ctx context.Context) {
	sites, err := r.store.ListSitesByStatus(ctx, site.StatusRunning, store.ListOptions{Limit: sweepPageSize})
	if err != nil {
		r.logger.Error("failed to list running sites", "error", err)
		return
	}

	for i := range sites {
		r.reconcileRunning(ctx, &sites[i])
	}
}

// reconcileRunning checks one running site. The web container is the
// deciding signal; the db container only produces a warning while web
// is still up.
func (r *Reconciler) reconcileRunning(ctx context.Context, s *site.Site) {
	logger := r.logger.With("site", s.Name)

	status, err := r.stacks.Inspect(ctx, s.Name)
	if err != nil {
		logger.Error("failed to inspect stack", "error", err)
		return
	}

	web := status.Service(stack.WebServiceName)
	switch {
	case web == nil:
		// Stack dismantled outside the control plane.
		r.transitionTo(ctx, s, site.StatusStopped)
		logger.Warn("web container gone, marking site stopped")

	case web.Status == engine.ContainerStatusRunning:
		if db := status.Service(stack.DBServiceName); db != nil && db.Status != engine.ContainerStatusRunning {
			logger.Warn("db container not running under a running site",
				"db_status", db.Status,
				"db_exit_code", db.ExitCode,
			)
		}

	case web.Status == engine.ContainerStatusExited && web.ExitCode == 0:
		r.transitionTo(ctx, s, site.StatusStopped)
		logger.Info("web container exited cleanly, marking site stopped")

	default:
		r.markCrashed(ctx, s, web)
		logger.Warn("web container died, marking site errored",
			"web_status", web.Status,
			"exit_code", web.ExitCode,
		)
	}
}

func (r *Reconciler) sweepStopped(ctx context.Context) {
	sites, err := r.store.ListSitesByStatus(ctx, site.StatusStopped, store.ListOptions{Limit: sweepPageSize})
	if err != nil {
		r.logger.Error("failed to list stopped sites", "error", err)
		return
	}

	for i := range sites {
		s := &sites[i]
		logger := r.logger.With("site", s.Name)

		status, err := r.stacks.Inspect(ctx, s.Name)
		if err != nil {
			logger.Error("failed to inspect stack", "error", err)
			continue
		}

		if status.AllRunning() {
			r.transitionTo(ctx, s, site.StatusRunning)
			logger.Info("stack came back, marking site running")
		}
	}
}

// reportStuckProvisioning flags provisioning rows older than the
// configured age. No transition happens; a slow create may still be
// in flight and the row stays owned by the lifecycle controller.
func (r *Reconciler) reportStuckProvisioning(ctx context.Context) {
	sites, err := r.store.ListSitesByStatus(ctx, site.StatusProvisioning, store.ListOptions{Limit: sweepPageSize})
	if err != nil {
		r.logger.Error("failed to list provisioning sites", "error", err)
		return
	}

	for i := range sites {
		s := &sites[i]
		if age := time.Since(s.UpdatedAt); age > r.config.StuckAge {
			r.logger.Warn("site stuck in provisioning",
				"site", s.Name,
				"age", age.Round(time.Second),
			)
		}
	}
}

// =============================================================================
// Row Updates
// =============================================================================

func (r *Reconciler) transitionTo(ctx context.Context, s *site.Site, target site.Status) {
	if err := s.Transition(target); err != nil {
		r.logger.Error("invalid reconcile transition", "site", s.Name, "error", err)
		return
	}
	if err := r.store.UpdateSite(ctx, s); err != nil {
		r.logger.Error("failed to update site", "site", s.Name, "error", err)
	}
}

func (r *Reconciler) markCrashed(ctx context.Context, s *site.Site, web *engine.ServiceState) {
	msg := fmt.Sprintf("web container %s (exit code %d)", web.Status, web.ExitCode)
	if err := s.TransitionToError(msg); err != nil {
		r.logger.Error("invalid reconcile transition", "site", s.Name, "error", err)
		return
	}
	if err := r.store.UpdateSite(ctx, s); err != nil {
		r.logger.Error("failed to update site", "site", s.Name, "error", err)
	}
}
