package database

import (
	"context"
	"time"
)

// HealthInfo summarises database connectivity for health endpoints.
type HealthInfo struct {
	Reachable bool          `json:"reachable"`
	Latency   time.Duration `json:"latency_ms"`
	TotalConn int32         `json:"total_conns"`
	IdleConn  int32         `json:"idle_conns"`
}

// Health pings the database and returns pool statistics.
func (c *Client) Health(ctx context.Context) (HealthInfo, error) {
	start := time.Now()
	err := c.pool.Ping(ctx)
	stat := c.pool.Stat()
	info := HealthInfo{
		Reachable: err == nil,
		Latency:   time.Since(start),
		TotalConn: stat.TotalConns(),
		IdleConn:  stat.IdleConns(),
	}
	return info, err
}
