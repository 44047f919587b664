package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/relaydesk/agentd/pkg/config"
	"github.com/relaydesk/agentd/pkg/services"
)

// Router overall health states.
const (
	HealthStatusHealthy   = "healthy"
	HealthStatusDegraded  = "degraded"
	HealthStatusUnhealthy = "unhealthy"
)

// HealthStatus captures the health check result for a single MCP server.
type HealthStatus struct {
	ServerID            string     `json:"server_id"`
	Healthy             bool       `json:"healthy"`
	LastPing            time.Time  `json:"last_ping"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LatencyMS           int64      `json:"latency_ms"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Error               string     `json:"error,omitempty"`
	ToolCount           int        `json:"tool_count"`
}

// HealthSummary aggregates per-server statuses for the health endpoint.
type HealthSummary struct {
	Status       string                   `json:"status"`
	HealthyCount int                      `json:"healthy_count"`
	TotalCount   int                      `json:"total_count"`
	AvgLatencyMS int64                    `json:"avg_latency_ms"`
	Servers      map[string]*HealthStatus `json:"servers"`
}

// HealthMonitor periodically checks MCP server health.
// Runs a background goroutine that probes each server with ListTools.
type HealthMonitor struct {
	client         *Client
	registry       *config.MCPServerRegistry
	warningService *services.SystemWarningsService

	checkInterval time.Duration
	pingTimeout   time.Duration
	jitter        time.Duration

	// Current status per server
	statuses   map[string]*HealthStatus
	statusesMu sync.RWMutex

	cancel context.CancelFunc
	done   chan struct{}
	logger *slog.Logger
}

// NewHealthMonitor creates a health monitor probing over the shared client.
func NewHealthMonitor(client *Client, registry *config.MCPServerRegistry, warningService *services.SystemWarningsService, logger *slog.Logger) *HealthMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthMonitor{
		client:         client,
		registry:       registry,
		warningService: warningService,
		checkInterval:  MCPHealthInterval,
		pingTimeout:    MCPHealthPingTimeout,
		jitter:         MCPHealthJitter,
		statuses:       make(map[string]*HealthStatus),
		logger:         logger.With("component", "mcp_health"),
	}
}

// Start launches the background health check loop.
// Calling Start on an already-running monitor is a no-op.
func (m *HealthMonitor) Start(ctx context.Context) {
	if m.cancel != nil {
		return // already started
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go m.loop(ctx)
}

// Stop gracefully shuts down the health monitor.
// After Stop returns, Start may be called again.
func (m *HealthMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.done != nil {
		<-m.done
	}

	// Clear stale health data so a subsequent Start begins with a clean slate.
	m.statusesMu.Lock()
	m.statuses = make(map[string]*HealthStatus)
	m.statusesMu.Unlock()

	m.cancel = nil
	m.done = nil
}

func (m *HealthMonitor) loop(ctx context.Context) {
	defer close(m.done)

	// Run first check immediately
	m.checkAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.jitteredInterval()):
			m.checkAll(ctx)
		}
	}
}

// jitteredInterval spreads probes so replicas don't ping servers in sync.
func (m *HealthMonitor) jitteredInterval() time.Duration {
	if m.jitter <= 0 {
		return m.checkInterval
	}
	return m.checkInterval + time.Duration(rand.Int64N(int64(m.jitter)))
}

func (m *HealthMonitor) checkAll(ctx context.Context) {
	for _, serverID := range m.registry.ServerIDs() {
		m.checkServer(ctx, serverID)
	}
}

func (m *HealthMonitor) checkServer(ctx context.Context, serverID string) {
	checkCtx, checkCancel := context.WithTimeout(ctx, m.pingTimeout)
	defer checkCancel()

	start := time.Now()
	tools, err := m.client.ListTools(checkCtx, serverID)
	latency := time.Since(start)

	if err != nil {
		m.logger.Debug("Health check failed, attempting reinitialize",
			"server", serverID, "error", err)

		// Try to reinitialize the session with a bounded context
		reconCtx, reconCancel := context.WithTimeout(ctx, m.pingTimeout)
		defer reconCancel()

		if reinitErr := m.client.recreateSession(reconCtx, serverID); reinitErr != nil {
			m.recordFailure(serverID, latency, fmt.Sprintf("health check failed: %s", err.Error()), err)
			return
		}

		// Retry after reinit with a fresh timeout context
		retryCtx, retryCancel := context.WithTimeout(ctx, m.pingTimeout)
		defer retryCancel()

		start = time.Now()
		tools, err = m.client.ListTools(retryCtx, serverID)
		latency = time.Since(start)
		if err != nil {
			m.recordFailure(serverID, latency, fmt.Sprintf("health check failed after reinit: %s", err.Error()), err)
			return
		}
	}

	m.recordSuccess(serverID, latency, len(tools))

	// Clear any existing warning
	if m.warningService != nil {
		m.warningService.ClearBySource(services.WarningCategoryMCPHealth, serverID)
	}
}

func (m *HealthMonitor) recordSuccess(serverID string, latency time.Duration, toolCount int) {
	now := time.Now()
	m.statusesMu.Lock()
	defer m.statusesMu.Unlock()
	m.statuses[serverID] = &HealthStatus{
		ServerID:    serverID,
		Healthy:     true,
		LastPing:    now,
		LastSuccess: &now,
		LatencyMS:   latency.Milliseconds(),
		ToolCount:   toolCount,
	}
}

func (m *HealthMonitor) recordFailure(serverID string, latency time.Duration, msg string, err error) {
	m.statusesMu.Lock()
	prev := m.statuses[serverID]
	status := &HealthStatus{
		ServerID:            serverID,
		Healthy:             false,
		LastPing:            time.Now(),
		LatencyMS:           latency.Milliseconds(),
		ConsecutiveFailures: 1,
		Error:               msg,
	}
	if prev != nil {
		status.LastSuccess = prev.LastSuccess
		if !prev.Healthy {
			status.ConsecutiveFailures = prev.ConsecutiveFailures + 1
		}
	}
	m.statuses[serverID] = status
	m.statusesMu.Unlock()

	if m.warningService != nil {
		m.warningService.AddWarning(
			services.WarningCategoryMCPHealth,
			fmt.Sprintf("MCP server %q is unhealthy", serverID),
			err.Error(), serverID)
	}
}

// GetStatuses returns the current health status of all monitored servers.
func (m *HealthMonitor) GetStatuses() map[string]*HealthStatus {
	m.statusesMu.RLock()
	defer m.statusesMu.RUnlock()
	result := make(map[string]*HealthStatus, len(m.statuses))
	for k, v := range m.statuses {
		cp := *v
		result[k] = &cp
	}
	return result
}

// IsHealthy reports whether a specific server is currently healthy.
func (m *HealthMonitor) IsHealthy(serverID string) bool {
	m.statusesMu.RLock()
	defer m.statusesMu.RUnlock()
	status, exists := m.statuses[serverID]
	return exists && status.Healthy
}

// Summary aggregates the per-server snapshots. Overall status is healthy
// when every server is healthy, degraded when some are, unhealthy when none
// are. A registry with no servers reports healthy.
func (m *HealthMonitor) Summary() *HealthSummary {
	statuses := m.GetStatuses()
	summary := &HealthSummary{
		TotalCount: m.registry.Len(),
		Servers:    statuses,
	}

	var latencySum int64
	for _, s := range statuses {
		if s.Healthy {
			summary.HealthyCount++
			latencySum += s.LatencyMS
		}
	}
	if summary.HealthyCount > 0 {
		summary.AvgLatencyMS = latencySum / int64(summary.HealthyCount)
	}

	switch {
	case summary.TotalCount == 0 || summary.HealthyCount == summary.TotalCount:
		summary.Status = HealthStatusHealthy
	case summary.HealthyCount > 0:
		summary.Status = HealthStatusDegraded
	default:
		summary.Status = HealthStatusUnhealthy
	}
	return summary
}
