package device

import (
	"fmt"
	"strconv"

	"github.com/nerrad567/dryerlink-core/internal/remote"
)

// millisPerSecond scales history keys (epoch seconds) to the millisecond
// timestamps used everywhere else.
const millisPerSecond = 1000

// Field maps one canonical field to exactly one remote key with a default.
// The tables below are the only place firmware field names appear.
type Field[T any] struct {
	// Remote is the key below the record node in the tree.
	Remote string

	// Canonical is the Go field name, for documentation and tests.
	Canonical string

	// Default is used when the key is missing or has the wrong type.
	Default any

	read  func(dst *T, src remote.Snapshot)
	write func(src *T) any
}

func floatField[T any](key, canonical string, def float64, p func(*T) *float64) Field[T] {
	return Field[T]{
		Remote: key, Canonical: canonical, Default: def,
		read:  func(dst *T, src remote.Snapshot) { *p(dst) = src.Float(def) },
		write: func(src *T) any { return *p(src) },
	}
}

func boolField[T any](key, canonical string, def bool, p func(*T) *bool) Field[T] {
	return Field[T]{
		Remote: key, Canonical: canonical, Default: def,
		read:  func(dst *T, src remote.Snapshot) { *p(dst) = src.Bool(def) },
		write: func(src *T) any { return *p(src) },
	}
}

func int64Field[T any](key, canonical string, def int64, p func(*T) *int64) Field[T] {
	return Field[T]{
		Remote: key, Canonical: canonical, Default: def,
		read:  func(dst *T, src remote.Snapshot) { *p(dst) = src.Int64(def) },
		write: func(src *T) any { return *p(src) },
	}
}

func stringField[T any](key, canonical, def string, p func(*T) *string) Field[T] {
	return Field[T]{
		Remote: key, Canonical: canonical, Default: def,
		read:  func(dst *T, src remote.Snapshot) { *p(dst) = src.String(def) },
		write: func(src *T) any { return *p(src) },
	}
}

// StatusFields maps devices/{id}/current. The firmware publishes a single
// "online" flag which feeds both connectivity fields.
var StatusFields = []Field[Status]{
	floatField("temperature", "Temperature", 0, func(s *Status) *float64 { return &s.Temperature }),
	floatField("humidity", "Humidity", 0, func(s *Status) *float64 { return &s.Humidity }),
	floatField("setpointTemp", "SetpointTemp", DefaultSetpointTemp, func(s *Status) *float64 { return &s.SetpointTemp }),
	floatField("setpointHumidity", "SetpointHumidity", DefaultSetpointHumidity, func(s *Status) *float64 { return &s.SetpointHumidity }),
	boolField("dryingActive", "DryingActive", false, func(s *Status) *bool { return &s.DryingActive }),
	boolField("relay1Status", "HeaterOn", false, func(s *Status) *bool { return &s.HeaterOn }),
	boolField("relay2Status", "FanOn", false, func(s *Status) *bool { return &s.FanOn }),
	boolField("online", "WiFiConnected", false, func(s *Status) *bool { return &s.WiFiConnected }),
	boolField("online", "RemoteConnected", false, func(s *Status) *bool { return &s.RemoteConnected }),
	int64Field("lastUpdate", "LastUpdate", 0, func(s *Status) *int64 { return &s.LastUpdate }),
	stringField("errorMessage", "ErrorMessage", "", func(s *Status) *string { return &s.ErrorMessage }),
}

// ReadingFields maps one entry of devices/{id}/history.
var ReadingFields = []Field[Reading]{
	floatField("temperature", "Temperature", 0, func(r *Reading) *float64 { return &r.Temperature }),
	floatField("humidity", "Humidity", 0, func(r *Reading) *float64 { return &r.Humidity }),
	floatField("setpointTemp", "SetpointTemp", DefaultSetpointTemp, func(r *Reading) *float64 { return &r.SetpointTemp }),
	floatField("setpointHumidity", "SetpointHumidity", DefaultSetpointHumidity, func(r *Reading) *float64 { return &r.SetpointHumidity }),
	boolField("relay1Status", "HeaterOn", false, func(r *Reading) *bool { return &r.HeaterOn }),
	boolField("relay2Status", "FanOn", false, func(r *Reading) *bool { return &r.FanOn }),
	boolField("dryingActive", "DryingActive", false, func(r *Reading) *bool { return &r.DryingActive }),
	int64Field("timestamp", "Timestamp", 0, func(r *Reading) *int64 { return &r.Timestamp }),
}

// InfoFields maps devices/{id}/deviceInfo.
var InfoFields = []Field[Info]{
	stringField("macAddress", "MACAddress", "", func(i *Info) *string { return &i.MACAddress }),
	stringField("deviceName", "Name", DefaultName, func(i *Info) *string { return &i.Name }),
	stringField("firmwareVersion", "FirmwareVersion", "", func(i *Info) *string { return &i.FirmwareVersion }),
	stringField("hardwareVersion", "HardwareVersion", "", func(i *Info) *string { return &i.HardwareVersion }),
	int64Field("lastBoot", "LastBoot", 0, func(i *Info) *int64 { return &i.LastBoot }),
	stringField("pairedTo", "PairedTo", "", func(i *Info) *string { return &i.PairedTo }),
	stringField("pairingCode", "PairingCode", "", func(i *Info) *string { return &i.PairingCode }),
	int64Field("pairingCodeExpiry", "PairingCodeExpiry", 0, func(i *Info) *int64 { return &i.PairingCodeExpiry }),
}

// SettingsFields maps devices/{id}/settings.
var SettingsFields = []Field[Settings]{
	boolField("autoStop", "AutoStop", DefaultAutoStop, func(s *Settings) *bool { return &s.AutoStop }),
	floatField("maxTemp", "MaxTemp", DefaultMaxTemp, func(s *Settings) *float64 { return &s.MaxTemp }),
	floatField("minTemp", "MinTemp", DefaultMinTemp, func(s *Settings) *float64 { return &s.MinTemp }),
	floatField("maxHumidity", "MaxHumidity", DefaultMaxHumidity, func(s *Settings) *float64 { return &s.MaxHumidity }),
	floatField("minHumidity", "MinHumidity", DefaultMinHumidity, func(s *Settings) *float64 { return &s.MinHumidity }),
	stringField("tempUnit", "TempUnit", DefaultTempUnit, func(s *Settings) *string { return &s.TempUnit }),
}

// CommandFields maps devices/{id}/commands. The firmware reads "action",
// so that is the only key written or read for the verb.
var CommandFields = []Field[Command]{
	{
		Remote: "action", Canonical: "Action", Default: "",
		read:  func(dst *Command, src remote.Snapshot) { dst.Action = Action(src.String("")) },
		write: func(src *Command) any { return string(src.Action) },
	},
	floatField("value", "Value", 0, func(c *Command) *float64 { return &c.Value }),
	int64Field("timestamp", "Timestamp", 0, func(c *Command) *int64 { return &c.Timestamp }),
	boolField("processed", "Processed", false, func(c *Command) *bool { return &c.Processed }),
}

func translate[T any](snap remote.Snapshot, fields []Field[T]) T {
	var out T
	for _, f := range fields {
		f.read(&out, snap.Child(f.Remote))
	}
	return out
}

// encode writes fields back under their remote keys. When two canonical
// fields share a key the first one wins.
func encode[T any](v T, fields []Field[T]) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if _, dup := out[f.Remote]; dup {
			continue
		}
		out[f.Remote] = f.write(&v)
	}
	return out
}

// TranslateStatus converts a current snapshot. Missing or wrongly typed
// fields take their defaults; unknown fields are ignored.
func TranslateStatus(snap remote.Snapshot) Status {
	return translate(snap, StatusFields)
}

// TranslateReading converts one history entry without timestamp fallback.
func TranslateReading(snap remote.Snapshot) Reading {
	return translate(snap, ReadingFields)
}

// TranslateInfo converts a deviceInfo snapshot.
func TranslateInfo(snap remote.Snapshot) Info {
	return translate(snap, InfoFields)
}

// TranslateSettings converts a settings snapshot.
func TranslateSettings(snap remote.Snapshot) Settings {
	return translate(snap, SettingsFields)
}

// TranslateCommand converts a commands snapshot.
func TranslateCommand(snap remote.Snapshot) Command {
	return translate(snap, CommandFields)
}

// TranslateDevice converts the full devices/{id} subtree.
func TranslateDevice(id string, snap remote.Snapshot) Device {
	return Device{
		ID:       id,
		Info:     TranslateInfo(snap.Child(remote.NodeDeviceInfo)),
		Status:   TranslateStatus(snap.Child(remote.NodeCurrent)),
		Settings: TranslateSettings(snap.Child(remote.NodeSettings)),
		Command:  TranslateCommand(snap.Child(remote.NodeCommands)),
	}
}

// ReadingFromHistory converts the history entry stored under key.
//
// The timestamp comes from the entry's own timestamp field or, failing
// that, from the key read as epoch seconds. Entries that are not objects
// or have neither are ErrMalformedRecord.
func ReadingFromHistory(key string, snap remote.Snapshot) (Reading, error) {
	if !snap.IsObject() {
		return Reading{}, fmt.Errorf("%w: history entry %q is not an object", ErrMalformedRecord, key)
	}

	r := TranslateReading(snap)
	if r.Timestamp > 0 {
		return r, nil
	}

	secs, err := strconv.ParseInt(key, 10, 64)
	if err != nil || secs <= 0 {
		return Reading{}, fmt.Errorf("%w: history entry %q has no timestamp", ErrMalformedRecord, key)
	}
	r.Timestamp = secs * millisPerSecond
	return r, nil
}

// EncodeStatus is the reverse of TranslateStatus, used by device simulators.
func EncodeStatus(s Status) map[string]any {
	return encode(s, StatusFields)
}

// EncodeReading is the reverse of TranslateReading.
func EncodeReading(r Reading) map[string]any {
	return encode(r, ReadingFields)
}

// EncodeInfo is the reverse of TranslateInfo.
func EncodeInfo(i Info) map[string]any {
	return encode(i, InfoFields)
}

// EncodeSettings is the reverse of TranslateSettings.
func EncodeSettings(s Settings) map[string]any {
	return encode(s, SettingsFields)
}

// EncodeCommand builds the record written to devices/{id}/commands.
func EncodeCommand(c Command) map[string]any {
	return encode(c, CommandFields)
}
