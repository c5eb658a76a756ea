package monitoring

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check for the event sink
func (h *HealthChecker) AddRedisCheck(client redis.UniversalClient, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, timeout)
}

// AddMonitoringCheck reports ready while the orchestrator scheduler runs
func (h *HealthChecker) AddMonitoringCheck(isMonitoring func() bool) {
	h.AddCheck("monitoring", func(ctx context.Context) (bool, error) {
		if !isMonitoring() {
			return false, errors.New("performance monitoring is not running")
		}
		return true, nil
	}, 0)
}
