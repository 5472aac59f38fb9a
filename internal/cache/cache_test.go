package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/dryerlink-core/internal/device"
	"github.com/nerrad567/dryerlink-core/internal/infrastructure/database"
	"github.com/nerrad567/dryerlink-core/migrations"
)

var testNow = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

// setupCache creates an in-memory database with the cache schema applied.
func setupCache(t *testing.T) *Cache {
	t.Helper()

	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{Path: database.MemoryPath, BusyTimeout: 1})
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() {
		db.Close() //nolint:errcheck // Test cleanup
	})
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("migrating: %v", err)
	}

	return New(db.DB, WithClock(func() time.Time { return testNow }))
}

func testDevice(id string, lastUpdate int64) device.Device {
	return device.Device{
		ID:   id,
		Info: device.Info{Name: "Dryer " + id, FirmwareVersion: "1.0.0"},
		Status: device.Status{
			Temperature:      35,
			Humidity:         22,
			SetpointTemp:     40,
			SetpointHumidity: 20,
			DryingActive:     true,
			HeaterOn:         true,
			WiFiConnected:    true,
			RemoteConnected:  true,
			LastUpdate:       lastUpdate,
		},
		Settings: device.DefaultSettings(),
	}
}

func reading(ts int64) device.Reading {
	return device.Reading{Temperature: 30, Humidity: 20, SetpointTemp: 40, SetpointHumidity: 20, Timestamp: ts}
}

func TestUpsertDeviceSummaryPreservesFavorite(t *testing.T) {
	c := setupCache(t)
	ctx := context.Background()

	d := testDevice("A", 1000)
	if err := c.UpsertDeviceSummary(ctx, d); err != nil {
		t.Fatalf("UpsertDeviceSummary() error = %v", err)
	}
	if err := c.SetFavorite(ctx, "A", true); err != nil {
		t.Fatalf("SetFavorite() error = %v", err)
	}

	d.Status.Temperature = 41
	d.Status.LastUpdate = 2000
	if err := c.UpsertDeviceSummary(ctx, d); err != nil {
		t.Fatalf("second UpsertDeviceSummary() error = %v", err)
	}

	got, err := c.GetDevice(ctx, "A")
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if !got.IsFavorite {
		t.Error("sync overwrote the favourite flag")
	}
	if got.Temperature != 41 || got.LastUpdate != 2000 {
		t.Errorf("summary not refreshed: %+v", got)
	}
	if !got.Online || !got.DryingActive || !got.HeaterOn || got.FanOn {
		t.Errorf("flags = %+v", got)
	}
	if !got.UpdatedAt.Equal(testNow) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, testNow)
	}

	devices, _ := c.ListDevices(ctx)
	if len(devices) != 1 {
		t.Errorf("ListDevices() = %d rows, want 1", len(devices))
	}
}

func TestListDevicesOrdering(t *testing.T) {
	c := setupCache(t)
	ctx := context.Background()

	for id, lastUpdate := range map[string]int64{"old": 100, "new": 300, "mid": 200, "fav": 50} {
		if err := c.UpsertDeviceSummary(ctx, testDevice(id, lastUpdate)); err != nil {
			t.Fatalf("UpsertDeviceSummary(%s) error = %v", id, err)
		}
	}
	if err := c.SetFavorite(ctx, "fav", true); err != nil {
		t.Fatalf("SetFavorite() error = %v", err)
	}

	devices, err := c.ListDevices(ctx)
	if err != nil {
		t.Fatalf("ListDevices() error = %v", err)
	}
	var ids []string
	for _, d := range devices {
		ids = append(ids, d.DeviceID)
	}
	want := []string{"fav", "new", "mid", "old"}
	for i := range want {
		if i >= len(ids) || ids[i] != want[i] {
			t.Fatalf("order = %v, want %v", ids, want)
		}
	}
}

func TestGetDeviceAndSetFavoriteNotFound(t *testing.T) {
	c := setupCache(t)
	ctx := context.Background()

	if _, err := c.GetDevice(ctx, "missing"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("GetDevice() error = %v, want ErrDeviceNotFound", err)
	}
	if err := c.SetFavorite(ctx, "missing", true); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("SetFavorite() error = %v, want ErrDeviceNotFound", err)
	}
	if err := c.UpsertDeviceSummary(ctx, device.Device{}); !errors.Is(err, ErrInvalidDeviceID) {
		t.Errorf("UpsertDeviceSummary(empty id) error = %v", err)
	}
}

func TestListReadingsNewestFirst(t *testing.T) {
	c := setupCache(t)
	ctx := context.Background()

	for ts := int64(1); ts <= 5; ts++ {
		if err := c.UpsertReading(ctx, "A", reading(ts*1000)); err != nil {
			t.Fatalf("UpsertReading() error = %v", err)
		}
	}

	got, err := c.ListReadings(ctx, "A", 3)
	if err != nil {
		t.Fatalf("ListReadings() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []int64{5000, 4000, 3000} {
		if got[i].Timestamp != want {
			t.Errorf("got[%d].Timestamp = %d, want %d", i, got[i].Timestamp, want)
		}
	}
}

func TestUpsertReadingIsIdempotent(t *testing.T) {
	c := setupCache(t)
	ctx := context.Background()

	r := reading(1000)
	for i := 0; i < 3; i++ {
		if err := c.UpsertReading(ctx, "A", r); err != nil {
			t.Fatalf("UpsertReading() error = %v", err)
		}
	}
	r.Temperature = 33
	if err := c.UpsertReadings(ctx, "A", []device.Reading{r}); err != nil {
		t.Fatalf("UpsertReadings() error = %v", err)
	}

	got, _ := c.ListReadings(ctx, "A", 0)
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].Temperature != 33 {
		t.Errorf("Temperature = %v, want corrected 33", got[0].Temperature)
	}
}

func TestListReadingsInRange(t *testing.T) {
	c := setupCache(t)
	ctx := context.Background()

	base := testNow.Add(-time.Hour)
	for i := 0; i < 6; i++ {
		_ = c.UpsertReading(ctx, "A", reading(base.Add(time.Duration(i)*10*time.Minute).UnixMilli()))
	}
	_ = c.UpsertReading(ctx, "B", reading(base.Add(20*time.Minute).UnixMilli()))

	got, err := c.ListReadingsInRange(ctx, "A", base.Add(10*time.Minute), base.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("ListReadingsInRange() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3 (inclusive bounds)", len(got))
	}
	if got[0].Timestamp > got[2].Timestamp {
		t.Error("range results should be oldest first")
	}

	if _, err := c.ListReadingsInRange(ctx, "A", testNow, base); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("reversed range error = %v, want ErrInvalidRange", err)
	}
}

func TestRecordSnapshot(t *testing.T) {
	c := setupCache(t)
	ctx := context.Background()

	d := testDevice("A", 5000)
	if err := c.RecordSnapshot(ctx, d, d.Status.Reading()); err != nil {
		t.Fatalf("RecordSnapshot() error = %v", err)
	}

	summary, err := c.GetDevice(ctx, "A")
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	readings, _ := c.ListReadings(ctx, "A", 1)
	if len(readings) != 1 || readings[0].Timestamp < summary.LastUpdate {
		t.Errorf("summary last_update %d is newer than newest reading %v", summary.LastUpdate, readings)
	}

	// A device that never reported only gets a summary.
	if err := c.RecordSnapshot(ctx, testDevice("B", 0), device.Reading{}); err != nil {
		t.Fatalf("RecordSnapshot(no reading) error = %v", err)
	}
	if got, _ := c.ListReadings(ctx, "B", 0); len(got) != 0 {
		t.Errorf("readings for B = %d, want 0", len(got))
	}
}

func TestPruneKeepsNewestReading(t *testing.T) {
	c := setupCache(t)
	ctx := context.Background()

	old := testNow.Add(-48 * time.Hour)
	for i := 0; i < 3; i++ {
		_ = c.UpsertReading(ctx, "stale", reading(old.Add(time.Duration(i)*time.Minute).UnixMilli()))
	}
	_ = c.UpsertReading(ctx, "fresh", reading(old.UnixMilli()))
	_ = c.UpsertReading(ctx, "fresh", reading(testNow.UnixMilli()))

	// Cutoff is after every reading of "stale", as happens under clock skew.
	deleted, err := c.PruneReadingsOlderThan(ctx, testNow.Add(time.Hour))
	if err != nil {
		t.Fatalf("PruneReadingsOlderThan() error = %v", err)
	}
	if deleted != 3 {
		t.Errorf("deleted = %d, want 3", deleted)
	}

	stale, _ := c.ListReadings(ctx, "stale", 0)
	if len(stale) != 1 || stale[0].Timestamp != old.Add(2*time.Minute).UnixMilli() {
		t.Errorf("stale device should keep exactly its newest reading, got %+v", stale)
	}
	fresh, _ := c.ListReadings(ctx, "fresh", 0)
	if len(fresh) != 1 || fresh[0].Timestamp != testNow.UnixMilli() {
		t.Errorf("fresh device should keep its newest reading, got %+v", fresh)
	}
}

func TestPruneRemovesOnlyOlderThanCutoff(t *testing.T) {
	c := setupCache(t)
	ctx := context.Background()

	cutoff := testNow.Add(-24 * time.Hour)
	_ = c.UpsertReading(ctx, "A", reading(cutoff.Add(-time.Second).UnixMilli()))
	_ = c.UpsertReading(ctx, "A", reading(cutoff.UnixMilli()))
	_ = c.UpsertReading(ctx, "A", reading(testNow.UnixMilli()))

	deleted, err := c.PruneReadingsOlderThan(ctx, cutoff)
	if err != nil {
		t.Fatalf("PruneReadingsOlderThan() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1 (reading at the cutoff is kept)", deleted)
	}
}

func TestConcurrentWritesAndPrune(t *testing.T) {
	c := setupCache(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, id := range []string{"A", "B", "C"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for ts := int64(1); ts <= 20; ts++ {
				d := testDevice(id, ts)
				if err := c.RecordSnapshot(ctx, d, d.Status.Reading()); err != nil {
					t.Errorf("RecordSnapshot(%s) error = %v", id, err)
					return
				}
			}
		}(id)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			if _, err := c.PruneReadingsOlderThan(ctx, testNow); err != nil {
				t.Errorf("PruneReadingsOlderThan() error = %v", err)
				return
			}
		}
	}()
	wg.Wait()

	for _, id := range []string{"A", "B", "C"} {
		got, _ := c.ListReadings(ctx, id, 1)
		if len(got) != 1 || got[0].Timestamp != 20 {
			t.Errorf("newest reading of %s = %+v, want timestamp 20", id, got)
		}
	}
}

func TestDeleteDevice(t *testing.T) {
	c := setupCache(t)
	ctx := context.Background()

	d := testDevice("A", 1000)
	_ = c.RecordSnapshot(ctx, d, d.Status.Reading())
	if err := c.DeleteDevice(ctx, "A"); err != nil {
		t.Fatalf("DeleteDevice() error = %v", err)
	}
	if _, err := c.GetDevice(ctx, "A"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("GetDevice() after delete error = %v", err)
	}
	if got, _ := c.ListReadings(ctx, "A", 0); len(got) != 0 {
		t.Errorf("readings after delete = %d, want 0", len(got))
	}
}

func TestRunRetentionStopsOnCancel(t *testing.T) {
	c := setupCache(t)
	ctx, cancel := context.WithCancel(context.Background())

	_ = c.UpsertReading(context.Background(), "A", reading(testNow.Add(-72*time.Hour).UnixMilli()))
	_ = c.UpsertReading(context.Background(), "A", reading(testNow.UnixMilli()))

	done := make(chan struct{})
	go func() {
		c.RunRetention(ctx, 24*time.Hour, time.Hour)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		got, _ := c.ListReadings(context.Background(), "A", 0)
		if len(got) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("initial retention pass did not run")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunRetention did not return after cancel")
	}
}
