// Package command writes device commands into the remote tree.
//
// Commands are fire-and-forget: SendCommand overwrites devices/{id}/commands
// with a new record and returns as soon as the write is accepted. The
// firmware sets processed=true once it has applied a command; nothing here
// waits for that.
package command

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/dryerlink-core/internal/device"
	"github.com/nerrad567/dryerlink-core/internal/remote"
)

// Logger is the logging interface used by the channel.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}
func (noopLogger) Warn(string, ...any) {}

// Channel issues commands to devices through a remote store.
type Channel struct {
	store       remote.Store
	now         func() time.Time
	logger      Logger
	boundsCheck bool
}

// Option configures a Channel.
type Option func(*Channel)

// WithClock overrides the clock used for command timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Channel) { c.now = now }
}

// WithLogger sets the channel logger.
func WithLogger(l Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithBoundsCheck makes SET_TEMP and SET_HUMIDITY values checked against
// the device's settings node before the write. Devices without settings
// are checked against the default bounds.
func WithBoundsCheck() Option {
	return func(c *Channel) { c.boundsCheck = true }
}

// New creates a command channel over store.
func New(store remote.Store, opts ...Option) *Channel {
	c := &Channel{
		store:  store,
		now:    time.Now,
		logger: noopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendCommand writes a command record for deviceID, replacing any command
// the device has not yet picked up.
//
// Parameters:
//   - ctx: Context for cancellation of the remote write
//   - deviceID: Target device
//   - action: One of device.ValidActions
//   - value: Setpoint for SET_TEMP / SET_HUMIDITY, ignored otherwise
//
// Returns:
//   - error: nil once the remote store accepted the write, or:
//   - device.ErrInvalidID / device.ErrInvalidAction on bad input
//   - device.ErrValueOutOfRange when bounds checking is enabled
//   - the remote store error if the write failed
func (c *Channel) SendCommand(ctx context.Context, deviceID string, action device.Action, value float64) error {
	if err := device.ValidateID(deviceID); err != nil {
		return err
	}
	if err := device.ValidateAction(action); err != nil {
		return err
	}
	if !action.TakesValue() {
		value = 0
	}

	if c.boundsCheck && action.TakesValue() {
		settings, err := c.settings(ctx, deviceID)
		if err != nil {
			return err
		}
		if err := device.ValidateSetpoint(action, value, settings); err != nil {
			return err
		}
	}

	cmd := device.Command{
		Action:    action,
		Value:     value,
		Timestamp: c.now().UnixMilli(),
		Processed: false,
	}
	if err := c.store.Set(ctx, remote.CommandsPath(deviceID), device.EncodeCommand(cmd)); err != nil {
		return fmt.Errorf("sending %s to %s: %w", action, deviceID, err)
	}

	c.logger.Info("command sent", "device_id", deviceID, "action", string(action), "value", value)
	return nil
}

// Start begins a drying cycle.
func (c *Channel) Start(ctx context.Context, deviceID string) error {
	return c.SendCommand(ctx, deviceID, device.ActionStart, 0)
}

// Stop ends the current drying cycle.
func (c *Channel) Stop(ctx context.Context, deviceID string) error {
	return c.SendCommand(ctx, deviceID, device.ActionStop, 0)
}

// SetTemperature sets the temperature setpoint in °C.
func (c *Channel) SetTemperature(ctx context.Context, deviceID string, celsius float64) error {
	return c.SendCommand(ctx, deviceID, device.ActionSetTemp, celsius)
}

// SetHumidity sets the humidity setpoint in percent.
func (c *Channel) SetHumidity(ctx context.Context, deviceID string, percent float64) error {
	return c.SendCommand(ctx, deviceID, device.ActionSetHumidity, percent)
}

// RenameDevice writes a new display name to deviceInfo/deviceName.
// Surrounding whitespace is trimmed.
func (c *Channel) RenameDevice(ctx context.Context, deviceID, name string) error {
	if err := device.ValidateID(deviceID); err != nil {
		return err
	}
	if err := device.ValidateName(name); err != nil {
		return err
	}
	name = strings.TrimSpace(name)

	if err := c.store.Set(ctx, remote.DeviceNamePath(deviceID), name); err != nil {
		return fmt.Errorf("renaming %s: %w", deviceID, err)
	}
	c.logger.Info("device renamed", "device_id", deviceID, "name", name)
	return nil
}

func (c *Channel) settings(ctx context.Context, deviceID string) (device.Settings, error) {
	snap, err := c.store.Get(ctx, remote.SettingsPath(deviceID))
	if err != nil {
		return device.Settings{}, fmt.Errorf("reading settings of %s: %w", deviceID, err)
	}
	return device.TranslateSettings(snap), nil
}
