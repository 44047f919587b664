// Package cleanup provides data retention and cleanup services.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaydesk/agentd/pkg/cache"
	"github.com/relaydesk/agentd/pkg/oauth"
	"github.com/relaydesk/agentd/pkg/services"
)

// Options tunes the cleanup loop. Zero values take defaults.
type Options struct {
	Interval  time.Duration // default 5m
	BatchSize int           // rows per table per pass, default 500
}

// Service periodically removes expired rows:
//   - device sessions past either expiry
//   - thread share tokens past their expiry
//   - consumed or expired OAuth states
//   - expired cache entries
//
// All operations are idempotent and safe to run from multiple pods.
type Service struct {
	opts    Options
	devices *services.DeviceService
	threads *services.ThreadService
	oauth   *oauth.Manager
	cache   *cache.Store
	logger  *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service. Any dependency may be nil; its pass
// is skipped.
func NewService(opts Options, devices *services.DeviceService, threads *services.ThreadService, oauthMgr *oauth.Manager, cacheStore *cache.Store, logger *slog.Logger) *Service {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		opts:    opts,
		devices: devices,
		threads: threads,
		oauth:   oauthMgr,
		cache:   cacheStore,
		logger:  logger.With("component", "cleanup"),
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Cleanup service started",
		"interval", s.opts.Interval,
		"batch_size", s.opts.BatchSize)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.RunAll(ctx)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunAll(ctx)
		}
	}
}

// RunAll executes one cleanup pass across every table.
func (s *Service) RunAll(ctx context.Context) {
	if s.devices != nil {
		s.reportPass(ctx, "device_sessions", s.devices.CleanupExpired)
	}
	if s.threads != nil {
		s.reportPass(ctx, "share_tokens", s.threads.CleanupExpiredShareTokens)
	}
	if s.oauth != nil {
		s.reportPass(ctx, "oauth_states", s.oauth.CleanupExpiredStates)
	}
	if s.cache != nil {
		s.reportPass(ctx, "agent_cache", s.cache.CleanupExpired)
	}
}

func (s *Service) reportPass(ctx context.Context, target string, pass func(context.Context, int) (int64, error)) {
	count, err := pass(ctx, s.opts.BatchSize)
	if err != nil {
		s.logger.Error("Cleanup pass failed", "target", target, "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Cleanup pass removed rows", "target", target, "count", count)
	}
}
