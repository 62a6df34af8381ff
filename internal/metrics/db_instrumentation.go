package metrics

import (
	"database/sql"
	"time"
)

// MeasureDBQuery wraps a database operation with timing instrumentation.
// Usage:
//
//	defer metrics.MeasureDBQuery(m, "insert_payment", "postgres")()
func MeasureDBQuery(m *Metrics, operation, backend string) func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		m.ObserveDBQuery(operation, backend, time.Since(start))
	}
}

// RecordDBQuery records a database query duration directly (when timing is already captured).
func RecordDBQuery(m *Metrics, operation, backend string, duration time.Duration) {
	m.ObserveDBQuery(operation, backend, duration)
}

// TrackDBConnections samples the pool's open connection count on an interval
// until stop is closed.
func TrackDBConnections(m *Metrics, db *sql.DB, interval time.Duration, stop <-chan struct{}) {
	if m == nil || db == nil {
		return
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.DBConnectionsActive.Set(float64(db.Stats().OpenConnections))
			case <-stop:
				return
			}
		}
	}()
}
