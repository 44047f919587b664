package oauth

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/semaphore"

	"github.com/relaydesk/agentd/pkg/config"
)

// SchedulerStats counts refresh outcomes across sweeps.
type SchedulerStats struct {
	Sweeps           int64 `json:"sweeps"`
	Refreshed        int64 `json:"refreshed"`
	Skipped          int64 `json:"skipped"`
	TransientFailed  int64 `json:"transient_failed"`
	TerminalFailed   int64 `json:"terminal_failed"`
	LastSweepAtUnix  int64 `json:"last_sweep_at_unix"`
	LastSweepScanned int64 `json:"last_sweep_scanned"`
}

// Scheduler proactively refreshes expiring connections so interactive
// requests rarely pay the refresh latency.
type Scheduler struct {
	manager *Manager
	pool    *pgxpool.Pool
	cfg     config.OAuthConfig
	logger  *slog.Logger

	sweeps           atomic.Int64
	refreshed        atomic.Int64
	skipped          atomic.Int64
	transientFailed  atomic.Int64
	terminalFailed   atomic.Int64
	lastSweepAt      atomic.Int64
	lastSweepScanned atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a Scheduler sharing the manager's in-flight set.
func NewScheduler(manager *Manager, pool *pgxpool.Pool, cfg config.OAuthConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		manager: manager,
		pool:    pool,
		cfg:     cfg,
		logger:  logger.With("component", "oauth_scheduler"),
	}
}

// Start launches the background sweep loop.
func (s *Scheduler) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Refresh scheduler started",
		"interval", s.cfg.SweepInterval,
		"batch_size", s.cfg.SweepBatchSize,
		"concurrency", s.cfg.SweepConcurrency)
}

// Stop signals the loop to exit and waits for in-flight refreshes to finish.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Refresh scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.jitteredInterval()):
			s.sweep(ctx)
		}
	}
}

// jitteredInterval spreads sweeps so replicas don't hammer providers in sync.
func (s *Scheduler) jitteredInterval() time.Duration {
	interval := s.cfg.SweepInterval
	if s.cfg.Jitter <= 0 {
		return interval
	}
	offset := time.Duration(rand.Int64N(int64(2*s.cfg.Jitter))) - s.cfg.Jitter
	if interval+offset < time.Second {
		return time.Second
	}
	return interval + offset
}

// sweep refreshes up to SweepBatchSize expiring connections with a
// concurrency cap. Connections already in flight elsewhere are skipped.
func (s *Scheduler) sweep(ctx context.Context) {
	s.sweeps.Add(1)
	s.lastSweepAt.Store(time.Now().Unix())

	ids, err := s.expiringConnectionIDs(ctx)
	if err != nil {
		s.logger.Error("Sweep query failed", "error", err)
		return
	}
	s.lastSweepScanned.Store(int64(len(ids)))
	if len(ids) == 0 {
		return
	}

	sem := semaphore.NewWeighted(int64(s.cfg.SweepConcurrency))
	var wg sync.WaitGroup
	for _, id := range ids {
		if s.manager.Inflight().Has(id) {
			s.skipped.Add(1)
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break // cancelled
		}
		wg.Add(1)
		go func(connID string) {
			defer wg.Done()
			defer sem.Release(1)
			s.refreshOne(ctx, connID)
		}(id)
	}
	wg.Wait()
}

func (s *Scheduler) refreshOne(ctx context.Context, connID string) {
	outcome, err := s.manager.RefreshConnectionByID(ctx, connID)
	if err != nil {
		s.logger.Error("Scheduled refresh errored", "connection_id", connID, "error", err)
		return
	}
	switch outcome {
	case RefreshSucceeded:
		s.refreshed.Add(1)
	case RefreshSkipped:
		s.skipped.Add(1)
	case RefreshFailedTransient:
		s.transientFailed.Add(1)
	case RefreshFailedTerminal:
		s.terminalFailed.Add(1)
	}
}

// expiringConnectionIDs lists refresh-capable connections expiring within
// twice the refresh window, oldest expiry first.
func (s *Scheduler) expiringConnectionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text FROM provider_connections
		WHERE revoked_at IS NULL
		  AND supports_refresh
		  AND NOT needs_reauth
		  AND access_token_expires_at IS NOT NULL
		  AND access_token_expires_at <= now() + make_interval(secs => $1)
		ORDER BY access_token_expires_at
		LIMIT $2`,
		(2 * s.cfg.RefreshWindow).Seconds(), s.cfg.SweepBatchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Stats returns a snapshot of refresh outcome counters.
func (s *Scheduler) Stats() SchedulerStats {
	return SchedulerStats{
		Sweeps:           s.sweeps.Load(),
		Refreshed:        s.refreshed.Load(),
		Skipped:          s.skipped.Load(),
		TransientFailed:  s.transientFailed.Load(),
		TerminalFailed:   s.terminalFailed.Load(),
		LastSweepAtUnix:  s.lastSweepAt.Load(),
		LastSweepScanned: s.lastSweepScanned.Load(),
	}
}
