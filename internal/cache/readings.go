package cache

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const selectReadingSQL = `
	SELECT id, device_id, timestamp, temperature, humidity, setpoint_temp,
		setpoint_humidity, heater_on, fan_on, drying_active
	FROM cached_readings`

// ListReadings returns the most recent readings of a device, newest first.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - deviceID: Unique device identifier
//   - limit: Maximum readings to return (default 100, max 1000)
func (c *Cache) ListReadings(ctx context.Context, deviceID string, limit int) ([]CachedReading, error) {
	if deviceID == "" {
		return nil, ErrInvalidDeviceID
	}
	if limit <= 0 {
		limit = defaultReadingsLimit
	}
	if limit > maxReadingsLimit {
		limit = maxReadingsLimit
	}

	rows, err := c.db.QueryContext(ctx,
		selectReadingSQL+` WHERE device_id = ? ORDER BY timestamp DESC LIMIT ?`,
		deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying readings: %w", err)
	}
	return scanReadings(rows, limit)
}

// ListReadingsInRange returns the readings of a device with start <= ts <= end,
// oldest first.
func (c *Cache) ListReadingsInRange(ctx context.Context, deviceID string, start, end time.Time) ([]CachedReading, error) {
	if deviceID == "" {
		return nil, ErrInvalidDeviceID
	}
	if end.Before(start) {
		return nil, ErrInvalidRange
	}

	rows, err := c.db.QueryContext(ctx,
		selectReadingSQL+` WHERE device_id = ? AND timestamp BETWEEN ? AND ? ORDER BY timestamp ASC`,
		deviceID, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("querying readings: %w", err)
	}
	return scanReadings(rows, 0)
}

func scanReadings(rows *sql.Rows, capacity int) ([]CachedReading, error) {
	defer rows.Close()

	out := make([]CachedReading, 0, capacity)
	for rows.Next() {
		var r CachedReading
		err := rows.Scan(
			&r.ID, &r.DeviceID, &r.Timestamp, &r.Temperature, &r.Humidity, &r.SetpointTemp,
			&r.SetpointHumidity, &r.HeaterOn, &r.FanOn, &r.DryingActive,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning reading: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating readings: %w", err)
	}
	return out, nil
}

// PruneReadingsOlderThan deletes readings with a timestamp before cutoff,
// except that the newest reading of each device is always kept.
//
// It is a single statement, so it is atomic with respect to concurrent
// inserts.
//
// Returns:
//   - int64: Number of rows deleted
//   - error: nil on success, otherwise the underlying database error
func (c *Cache) PruneReadingsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := c.db.ExecContext(ctx, `
		DELETE FROM cached_readings
		WHERE timestamp < ?
		  AND timestamp < (
			SELECT MAX(newest.timestamp) FROM cached_readings AS newest
			WHERE newest.device_id = cached_readings.device_id
		  )`,
		cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting readings: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return rowsAffected, nil
}

// RunRetention prunes readings older than retention every interval until
// ctx is cancelled. Failures are logged and retried on the next tick.
func (c *Cache) RunRetention(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 || interval <= 0 {
		return
	}

	prune := func() {
		cutoff := c.now().Add(-retention)
		n, err := c.PruneReadingsOlderThan(ctx, cutoff)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Error("cache retention failed", "error", err)
			}
			return
		}
		if n > 0 {
			c.logger.Info("cache retention pruned readings", "deleted", n, "cutoff", cutoff.UTC())
		}
	}

	prune()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
