package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/dryerlink-core/internal/device"
)

const (
	defaultReadingsLimit = 100
	maxReadingsLimit     = 1000
)

// Summary is the cached projection of a device plus the local favourite flag.
type Summary struct {
	DeviceID         string  `json:"device_id"`
	Name             string  `json:"name"`
	Temperature      float64 `json:"temperature"`
	Humidity         float64 `json:"humidity"`
	SetpointTemp     float64 `json:"setpoint_temp"`
	SetpointHumidity float64 `json:"setpoint_humidity"`
	DryingActive     bool    `json:"drying_active"`
	HeaterOn         bool    `json:"heater_on"`
	FanOn            bool    `json:"fan_on"`
	Online           bool    `json:"online"`
	PairedTo         string  `json:"paired_to"`
	FirmwareVersion  string  `json:"firmware_version"`
	ErrorMessage     string  `json:"error_message,omitempty"`

	// LastUpdate is the device-reported update time in epoch milliseconds.
	LastUpdate int64 `json:"last_update"`

	IsFavorite bool      `json:"is_favorite"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CachedReading is a stored reading with its local row id.
type CachedReading struct {
	ID       int64  `json:"id"`
	DeviceID string `json:"device_id"`
	device.Reading
}

// Logger is the logging interface used by the cache.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Cache stores device summaries and readings in SQLite.
//
// It is safe for concurrent use; SQLite serialises writers and the
// database handle is shared.
type Cache struct {
	db     *sql.DB
	now    func() time.Time
	logger Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the clock used for updated_at and retention cutoffs.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the cache logger.
func WithLogger(l Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a cache over an open, migrated database.
func New(db *sql.DB, opts ...Option) *Cache {
	c := &Cache{
		db:     db,
		now:    time.Now,
		logger: noopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const upsertSummarySQL = `
	INSERT INTO cached_devices (
		device_id, name, temperature, humidity, setpoint_temp, setpoint_humidity,
		drying_active, heater_on, fan_on, online, paired_to, firmware_version,
		error_message, last_update, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(device_id) DO UPDATE SET
		name = excluded.name,
		temperature = excluded.temperature,
		humidity = excluded.humidity,
		setpoint_temp = excluded.setpoint_temp,
		setpoint_humidity = excluded.setpoint_humidity,
		drying_active = excluded.drying_active,
		heater_on = excluded.heater_on,
		fan_on = excluded.fan_on,
		online = excluded.online,
		paired_to = excluded.paired_to,
		firmware_version = excluded.firmware_version,
		error_message = excluded.error_message,
		last_update = excluded.last_update,
		updated_at = excluded.updated_at`

const upsertReadingSQL = `
	INSERT INTO cached_readings (
		device_id, timestamp, temperature, humidity, setpoint_temp,
		setpoint_humidity, heater_on, fan_on, drying_active
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(device_id, timestamp) DO UPDATE SET
		temperature = excluded.temperature,
		humidity = excluded.humidity,
		setpoint_temp = excluded.setpoint_temp,
		setpoint_humidity = excluded.setpoint_humidity,
		heater_on = excluded.heater_on,
		fan_on = excluded.fan_on,
		drying_active = excluded.drying_active`

// UpsertDeviceSummary inserts or refreshes the summary for d.
// The favourite flag of an existing row is preserved.
func (c *Cache) UpsertDeviceSummary(ctx context.Context, d device.Device) error {
	if d.ID == "" {
		return ErrInvalidDeviceID
	}
	return c.upsertSummary(ctx, c.db, d)
}

func (c *Cache) upsertSummary(ctx context.Context, ex execer, d device.Device) error {
	s := d.Status
	_, err := ex.ExecContext(ctx, upsertSummarySQL,
		d.ID,
		d.Info.Name,
		s.Temperature,
		s.Humidity,
		s.SetpointTemp,
		s.SetpointHumidity,
		s.DryingActive,
		s.HeaterOn,
		s.FanOn,
		s.Online(),
		d.Info.PairedTo,
		d.Info.FirmwareVersion,
		s.ErrorMessage,
		s.LastUpdate,
		c.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upserting device summary: %w", err)
	}
	return nil
}

// UpsertReading stores r for deviceID. Re-applying a reading with the same
// timestamp updates it in place.
func (c *Cache) UpsertReading(ctx context.Context, deviceID string, r device.Reading) error {
	if deviceID == "" {
		return ErrInvalidDeviceID
	}
	return upsertReading(ctx, c.db, deviceID, r)
}

// UpsertReadings stores a batch of readings in one transaction.
func (c *Cache) UpsertReadings(ctx context.Context, deviceID string, readings []device.Reading) error {
	if deviceID == "" {
		return ErrInvalidDeviceID
	}
	if len(readings) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	for _, r := range readings {
		if err := upsertReading(ctx, tx, deviceID, r); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing readings: %w", err)
	}
	return nil
}

func upsertReading(ctx context.Context, ex execer, deviceID string, r device.Reading) error {
	_, err := ex.ExecContext(ctx, upsertReadingSQL,
		deviceID,
		r.Timestamp,
		r.Temperature,
		r.Humidity,
		r.SetpointTemp,
		r.SetpointHumidity,
		r.HeaterOn,
		r.FanOn,
		r.DryingActive,
	)
	if err != nil {
		return fmt.Errorf("upserting reading: %w", err)
	}
	return nil
}

// RecordSnapshot stores the reading taken from a device snapshot and then
// the device summary, atomically. A reading without a timestamp (the device
// has never reported) is skipped and only the summary is written.
func (c *Cache) RecordSnapshot(ctx context.Context, d device.Device, r device.Reading) error {
	if d.ID == "" {
		return ErrInvalidDeviceID
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if r.Timestamp > 0 {
		if err := upsertReading(ctx, tx, d.ID, r); err != nil {
			return err
		}
	}
	if err := c.upsertSummary(ctx, tx, d); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing snapshot: %w", err)
	}
	return nil
}

const selectSummarySQL = `
	SELECT device_id, name, temperature, humidity, setpoint_temp, setpoint_humidity,
		drying_active, heater_on, fan_on, online, paired_to, firmware_version,
		error_message, last_update, is_favorite, updated_at
	FROM cached_devices`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSummary(row rowScanner) (Summary, error) {
	var (
		s         Summary
		updatedAt string
	)
	err := row.Scan(
		&s.DeviceID, &s.Name, &s.Temperature, &s.Humidity, &s.SetpointTemp, &s.SetpointHumidity,
		&s.DryingActive, &s.HeaterOn, &s.FanOn, &s.Online, &s.PairedTo, &s.FirmwareVersion,
		&s.ErrorMessage, &s.LastUpdate, &s.IsFavorite, &updatedAt,
	)
	if err != nil {
		return Summary{}, err
	}
	s.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return Summary{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return s, nil
}

// ListDevices returns every cached device, favourites first, then the most
// recently updated.
func (c *Cache) ListDevices(ctx context.Context) ([]Summary, error) {
	rows, err := c.db.QueryContext(ctx,
		selectSummarySQL+` ORDER BY is_favorite DESC, last_update DESC, device_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return out, nil
}

// GetDevice returns the cached summary for id.
func (c *Cache) GetDevice(ctx context.Context, id string) (*Summary, error) {
	s, err := scanSummary(c.db.QueryRowContext(ctx, selectSummarySQL+` WHERE device_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying device: %w", err)
	}
	return &s, nil
}

// SetFavorite sets the local favourite flag.
func (c *Cache) SetFavorite(ctx context.Context, id string, favorite bool) error {
	result, err := c.db.ExecContext(ctx,
		"UPDATE cached_devices SET is_favorite = ? WHERE device_id = ?", favorite, id)
	if err != nil {
		return fmt.Errorf("updating favourite: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// DeleteDevice removes the summary and all readings of a device.
func (c *Cache) DeleteDevice(ctx context.Context, id string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if _, err := tx.ExecContext(ctx, "DELETE FROM cached_readings WHERE device_id = ?", id); err != nil {
		return fmt.Errorf("deleting readings: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM cached_devices WHERE device_id = ?", id); err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}
	return nil
}
