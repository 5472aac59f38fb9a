package command

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nerrad567/dryerlink-core/internal/device"
	"github.com/nerrad567/dryerlink-core/internal/remote"
	"github.com/nerrad567/dryerlink-core/internal/remote/memtree"
)

var fixedNow = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func setupChannel(t *testing.T, opts ...Option) (*Channel, *memtree.Tree) {
	t.Helper()
	tree := memtree.New()
	t.Cleanup(tree.Close)
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return New(tree, opts...), tree
}

func readCommand(t *testing.T, tree *memtree.Tree, deviceID string) device.Command {
	t.Helper()
	snap, err := tree.Get(context.Background(), remote.CommandsPath(deviceID))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !snap.Exists() {
		t.Fatal("no command written")
	}
	return device.TranslateCommand(snap)
}

func TestSendCommand(t *testing.T) {
	ctx := context.Background()
	ch, tree := setupChannel(t)

	if err := ch.SetTemperature(ctx, "d1", 45); err != nil {
		t.Fatalf("SetTemperature() error = %v", err)
	}

	want := device.Command{
		Action:    device.ActionSetTemp,
		Value:     45,
		Timestamp: fixedNow.UnixMilli(),
		Processed: false,
	}
	if diff := cmp.Diff(want, readCommand(t, tree, "d1")); diff != "" {
		t.Errorf("command mismatch (-want +got):\n%s", diff)
	}

	snap, _ := tree.Get(ctx, remote.CommandsPath("d1"))
	if snap.HasChild("command") {
		t.Error("legacy \"command\" key must not be written")
	}
}

func TestSendCommandOverwritesPending(t *testing.T) {
	ctx := context.Background()
	ch, tree := setupChannel(t)

	if err := ch.SetHumidity(ctx, "d1", 15); err != nil {
		t.Fatalf("SetHumidity() error = %v", err)
	}
	if err := ch.Stop(ctx, "d1"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	got := readCommand(t, tree, "d1")
	if got.Action != device.ActionStop {
		t.Errorf("Action = %q, want STOP", got.Action)
	}
	if got.Value != 0 {
		t.Errorf("Value = %v, want 0 for STOP", got.Value)
	}
}

func TestSendCommandValidation(t *testing.T) {
	tests := []struct {
		name     string
		deviceID string
		action   device.Action
		value    float64
		wantErr  error
	}{
		{"empty device", "", device.ActionStart, 0, device.ErrInvalidID},
		{"path in device id", "a/b", device.ActionStart, 0, device.ErrInvalidID},
		{"unknown action", "d1", device.Action("EXPLODE"), 0, device.ErrInvalidAction},
		{"lowercase action", "d1", device.Action("start"), 0, device.ErrInvalidAction},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch, tree := setupChannel(t)
			err := ch.SendCommand(context.Background(), tt.deviceID, tt.action, tt.value)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("SendCommand() error = %v, want %v", err, tt.wantErr)
			}
			if data := tree.Export(); len(data) != 0 {
				t.Errorf("tree written on invalid command: %v", data)
			}
		})
	}
}

func TestSendCommandBoundsCheck(t *testing.T) {
	ctx := context.Background()
	ch, tree := setupChannel(t, WithBoundsCheck())

	if err := tree.Set(ctx, remote.SettingsPath("d1"), map[string]any{"maxTemp": 60.0, "minTemp": 35.0}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	tests := []struct {
		name    string
		action  device.Action
		value   float64
		wantErr bool
	}{
		{"temp in range", device.ActionSetTemp, 50, false},
		{"temp at max", device.ActionSetTemp, 60, false},
		{"temp above device max", device.ActionSetTemp, 70, true},
		{"temp below device min", device.ActionSetTemp, 30, true},
		{"humidity uses defaults", device.ActionSetHumidity, 55, true},
		{"start ignores bounds", device.ActionStart, 999, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ch.SendCommand(ctx, "d1", tt.action, tt.value)
			if tt.wantErr {
				if !errors.Is(err, device.ErrValueOutOfRange) {
					t.Fatalf("SendCommand() error = %v, want ErrValueOutOfRange", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("SendCommand() error = %v", err)
			}
		})
	}
}

func TestSendCommandWithoutBoundsCheck(t *testing.T) {
	ch, _ := setupChannel(t)
	if err := ch.SetTemperature(context.Background(), "d1", 500); err != nil {
		t.Fatalf("SetTemperature() error = %v", err)
	}
}

func TestSendCommandStoreFailure(t *testing.T) {
	ch, tree := setupChannel(t)
	tree.Close()

	err := ch.Start(context.Background(), "d1")
	if !errors.Is(err, remote.ErrDisconnected) {
		t.Fatalf("Start() error = %v, want ErrDisconnected", err)
	}
}

func TestRenameDevice(t *testing.T) {
	ctx := context.Background()
	ch, tree := setupChannel(t)

	if err := ch.RenameDevice(ctx, "d1", "  Shed dryer  "); err != nil {
		t.Fatalf("RenameDevice() error = %v", err)
	}
	snap, _ := tree.Get(ctx, remote.DeviceNamePath("d1"))
	if got := snap.String(""); got != "Shed dryer" {
		t.Errorf("deviceName = %q, want %q", got, "Shed dryer")
	}

	long := make([]rune, device.MaxNameLength+1)
	for i := range long {
		long[i] = 'x'
	}
	if err := ch.RenameDevice(ctx, "d1", string(long)); !errors.Is(err, device.ErrInvalidName) {
		t.Errorf("RenameDevice(long) error = %v, want ErrInvalidName", err)
	}
	if err := ch.RenameDevice(ctx, "d1", "   "); !errors.Is(err, device.ErrInvalidName) {
		t.Errorf("RenameDevice(blank) error = %v, want ErrInvalidName", err)
	}
}
