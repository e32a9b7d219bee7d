package geofence

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/trilliondigital/near-me-sub005/internal/logging"
)

// MonitoredLister reports which regions the provider is actually monitoring.
type MonitoredLister interface {
	MonitoredRegionIDs(ctx context.Context) (map[string]struct{}, error)
}

// ReconcileResult summarises one reconciliation pass
type ReconcileResult struct {
	Expected     int      `json:"expected"`
	Reported     int      `json:"reported"`
	Reregistered []string `json:"reregistered"`
}

// Reconciler restores geofences the OS dropped while the app was away.
// The provider is trusted for presence only; the registry decides intent.
type Reconciler struct {
	registry *Registry
	lister   MonitoredLister
	group    singleflight.Group
	logger   *logging.Logger
}

// NewReconciler creates a reconciler
func NewReconciler(registry *Registry, lister MonitoredLister, logger *logging.Logger) *Reconciler {
	if logger == nil {
		logger = logging.WithField("component", "reconciler")
	}
	return &Reconciler{
		registry: registry,
		lister:   lister,
		logger:   logger,
	}
}

// Reconcile diffs the registry against the provider and re-registers what is
// missing. Concurrent calls share one pass.
func (r *Reconciler) Reconcile(ctx context.Context) (ReconcileResult, error) {
	v, err, shared := r.group.Do("reconcile", func() (interface{}, error) {
		return r.reconcile(ctx)
	})
	if err != nil {
		return ReconcileResult{}, err
	}
	if shared {
		r.logger.Debug("Joined in-flight reconciliation")
	}
	return v.(ReconcileResult), nil
}

func (r *Reconciler) reconcile(ctx context.Context) (ReconcileResult, error) {
	monitored, err := r.lister.MonitoredRegionIDs(ctx)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("list monitored regions: %w", err)
	}

	result := ReconcileResult{
		Expected: r.registry.Size(),
		Reported: len(monitored),
	}
	result.Reregistered = r.registry.Reconcile(ctx, monitored)

	if len(result.Reregistered) > 0 {
		r.logger.Info("Reconciled: %d expected, %d reported, %d re-registered",
			result.Expected, result.Reported, len(result.Reregistered))
	}
	return result, nil
}
