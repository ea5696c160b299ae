package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"hat_reputation/pkg/config"
	"hat_reputation/pkg/engine"
	"hat_reputation/pkg/ledger"
)

// Maintenance task IDs.
const (
	TaskDisputeSweep    = "dispute_sweep"
	TaskRegistryRefresh = "registry_refresh"
	TaskDetectorSweep   = "detector_sweep"
	TaskEdgeSync        = "edge_sync"
	TaskPeerDiscovery   = "peer_discovery"
)

type DisputeSweeper interface {
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

type RegistryRefresher interface {
	Refresh(ctx context.Context) error
}

type ManipulationSweeper interface {
	SweepManipulation(ctx context.Context) (*engine.SweepReport, error)
}

type WalletRefresher interface {
	Refresh(ctx context.Context) error
}

type EdgeSyncer interface {
	SyncConfirmed(ctx context.Context, l ledger.Ledger) (int, error)
}

type PeerDiscoverer interface {
	DiscoverPeers(ctx context.Context) (int, error)
}

// Jobs are the collaborators the maintenance tasks drive. Nil members are
// not scheduled.
type Jobs struct {
	Disputes DisputeSweeper
	Registry RegistryRefresher
	Sweeper  ManipulationSweeper
	Wallets  WalletRefresher
	Graph    EdgeSyncer
	Ledger   ledger.Ledger
	Peers    PeerDiscoverer
}

// RegisterMaintenance schedules every job that has a collaborator.
func (s *Scheduler) RegisterMaintenance(cfg config.SchedConfig, jobs Jobs) error {
	logger := s.logger
	var tasks []*Task

	if jobs.Disputes != nil {
		tasks = append(tasks, &Task{
			ID:       TaskDisputeSweep,
			Name:     "Resolve disputes past their deadline",
			Schedule: cfg.DisputeSweep,
			ExecutionFn: func(ctx context.Context) error {
				n, err := jobs.Disputes.SweepExpired(ctx, time.Now())
				if n > 0 {
					logger.Info("Expired disputes resolved", zap.Int("count", n))
				}
				return err
			},
		})
	}

	if jobs.Registry != nil {
		tasks = append(tasks, &Task{
			ID:          TaskRegistryRefresh,
			Name:        "Re-evaluate validator eligibility",
			Schedule:    cfg.RegistryRefresh,
			MaxRetries:  cfg.RetryAttempts,
			ExecutionFn: jobs.Registry.Refresh,
		})
	}

	if jobs.Sweeper != nil {
		tasks = append(tasks, &Task{
			ID:       TaskDetectorSweep,
			Name:     "Run manipulation detectors",
			Schedule: cfg.DetectorSweep,
			ExecutionFn: func(ctx context.Context) error {
				if jobs.Wallets != nil {
					if err := jobs.Wallets.Refresh(ctx); err != nil {
						return fmt.Errorf("refreshing wallet clusters: %w", err)
					}
				}
				report, err := jobs.Sweeper.SweepManipulation(ctx)
				if err != nil {
					return err
				}
				if len(report.Suspicious) > 0 {
					logger.Warn("Suspicious accounts flagged", zap.Int("count", len(report.Suspicious)))
				}
				return nil
			},
		})
	}

	if jobs.Graph != nil && jobs.Ledger != nil {
		tasks = append(tasks, &Task{
			ID:         TaskEdgeSync,
			Name:       "Ingest confirmed on-chain edges",
			Schedule:   cfg.EdgeSync,
			MaxRetries: cfg.RetryAttempts,
			ExecutionFn: func(ctx context.Context) error {
				n, err := jobs.Graph.SyncConfirmed(ctx, jobs.Ledger)
				if n > 0 {
					logger.Debug("Confirmed edges ingested", zap.Int("count", n))
				}
				return err
			},
		})
	}

	if jobs.Peers != nil {
		tasks = append(tasks, &Task{
			ID:       TaskPeerDiscovery,
			Name:     "Discover validator peers",
			Schedule: cfg.RegistryRefresh,
			ExecutionFn: func(ctx context.Context) error {
				_, err := jobs.Peers.DiscoverPeers(ctx)
				return err
			},
		})
	}

	for _, task := range tasks {
		if err := s.ScheduleTask(task); err != nil {
			return fmt.Errorf("registering %s: %w", task.ID, err)
		}
	}
	return nil
}
