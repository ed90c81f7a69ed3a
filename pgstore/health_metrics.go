package pgstore

import (
	"context"
	"fmt"
	"time"

	gp51 "github.com/JohnPlummer/jp-go-gp51"
)

// HealthMetrics is a gp51.HealthMetricRecorder backed by gp51_health_metrics.
type HealthMetrics struct {
	db Querier
}

// NewHealthMetrics creates a health metric store.
func NewHealthMetrics(db Querier) *HealthMetrics {
	return &HealthMetrics{db: db}
}

const insertHealthMetric = `
INSERT INTO gp51_health_metrics (id, checked_at, latency_ms, success, status, error_details)
VALUES ($1, $2, $3, $4, $5, $6)`

// RecordHealthMetric implements gp51.HealthMetricRecorder.
func (h *HealthMetrics) RecordHealthMetric(ctx context.Context, m gp51.HealthMetric) error {
	_, err := h.db.Exec(ctx, insertHealthMetric,
		m.ID, m.Timestamp, m.Latency.Milliseconds(), m.Success, string(m.Status), nullable(m.ErrorDetails))
	if err != nil {
		return fmt.Errorf("insert health metric %s: %w", m.ID, err)
	}
	return nil
}

const selectRecentHealthMetrics = `
SELECT id, checked_at, latency_ms, success, status, COALESCE(error_details, '')
FROM gp51_health_metrics
ORDER BY checked_at DESC
LIMIT $1`

// Recent returns up to limit metrics, newest first.
func (h *HealthMetrics) Recent(ctx context.Context, limit int) ([]gp51.HealthMetric, error) {
	rows, err := h.db.Query(ctx, selectRecentHealthMetrics, limit)
	if err != nil {
		return nil, fmt.Errorf("query health metrics: %w", err)
	}
	defer rows.Close()

	var metrics []gp51.HealthMetric
	for rows.Next() {
		var (
			m         gp51.HealthMetric
			latencyMs int64
			status    string
		)
		if err := rows.Scan(&m.ID, &m.Timestamp, &latencyMs, &m.Success, &status, &m.ErrorDetails); err != nil {
			return nil, fmt.Errorf("scan health metric: %w", err)
		}
		m.Latency = time.Duration(latencyMs) * time.Millisecond
		m.Status = gp51.ConnectionStatus(status)
		metrics = append(metrics, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate health metrics: %w", err)
	}
	return metrics, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
