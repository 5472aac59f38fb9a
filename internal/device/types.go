package device

import "time"

// Default values for fields the firmware has not (yet) published.
const (
	DefaultName             = "Rice Dryer"
	DefaultSetpointTemp     = 40.0
	DefaultSetpointHumidity = 20.0
	DefaultAutoStop         = true
	DefaultMaxTemp          = 80.0
	DefaultMinTemp          = 30.0
	DefaultMaxHumidity      = 50.0
	DefaultMinHumidity      = 10.0
	DefaultTempUnit         = "C"
)

// Device is the canonical view of one drying appliance.
//
// The remote tree owns this data; dryerlink only ever holds projections of
// it. ID is assigned by the device (derived from its MAC address) and never
// changes.
type Device struct {
	ID       string   `json:"id"`
	Info     Info     `json:"info"`
	Status   Status   `json:"status"`
	Settings Settings `json:"settings"`
	Command  Command  `json:"command"`
}

// Info is the identity and ownership block (deviceInfo in the tree).
type Info struct {
	MACAddress      string `json:"mac_address"`
	Name            string `json:"name"`
	FirmwareVersion string `json:"firmware_version"`
	HardwareVersion string `json:"hardware_version"`

	// LastBoot is milliseconds since the Unix epoch.
	LastBoot int64 `json:"last_boot"`

	// PairedTo is the owning user id; empty when unpaired.
	PairedTo string `json:"paired_to"`

	PairingCode string `json:"pairing_code,omitempty"`

	// PairingCodeExpiry is milliseconds since the Unix epoch; zero means none.
	PairingCodeExpiry int64 `json:"pairing_code_expiry,omitempty"`
}

// IsPaired reports whether the device has an owner.
func (i Info) IsPaired() bool {
	return i.PairedTo != ""
}

// Status is the live telemetry block (current in the tree).
type Status struct {
	Temperature      float64 `json:"temperature"`
	Humidity         float64 `json:"humidity"`
	SetpointTemp     float64 `json:"setpoint_temp"`
	SetpointHumidity float64 `json:"setpoint_humidity"`
	DryingActive     bool    `json:"drying_active"`
	HeaterOn         bool    `json:"heater_on"`
	FanOn            bool    `json:"fan_on"`
	WiFiConnected    bool    `json:"wifi_connected"`
	RemoteConnected  bool    `json:"remote_connected"`

	// LastUpdate is milliseconds since the Unix epoch as reported by the device.
	LastUpdate int64 `json:"last_update"`

	ErrorMessage string `json:"error_message,omitempty"`
}

// Online reports whether the device is currently connected.
func (s Status) Online() bool {
	return s.WiFiConnected && s.RemoteConnected
}

// Reading derives a telemetry sample from the live status, stamped with
// the status update time.
func (s Status) Reading() Reading {
	return Reading{
		Temperature:      s.Temperature,
		Humidity:         s.Humidity,
		SetpointTemp:     s.SetpointTemp,
		SetpointHumidity: s.SetpointHumidity,
		HeaterOn:         s.HeaterOn,
		FanOn:            s.FanOn,
		DryingActive:     s.DryingActive,
		Timestamp:        s.LastUpdate,
	}
}

// Settings are the operating bounds of a device.
type Settings struct {
	AutoStop    bool    `json:"auto_stop"`
	MaxTemp     float64 `json:"max_temp"`
	MinTemp     float64 `json:"min_temp"`
	MaxHumidity float64 `json:"max_humidity"`
	MinHumidity float64 `json:"min_humidity"`
	TempUnit    string  `json:"temp_unit"`
}

// DefaultSettings returns the settings a device ships with.
func DefaultSettings() Settings {
	return Settings{
		AutoStop:    DefaultAutoStop,
		MaxTemp:     DefaultMaxTemp,
		MinTemp:     DefaultMinTemp,
		MaxHumidity: DefaultMaxHumidity,
		MinHumidity: DefaultMinHumidity,
		TempUnit:    DefaultTempUnit,
	}
}

// Reading is one telemetry sample.
type Reading struct {
	Temperature      float64 `json:"temperature"`
	Humidity         float64 `json:"humidity"`
	SetpointTemp     float64 `json:"setpoint_temp"`
	SetpointHumidity float64 `json:"setpoint_humidity"`
	HeaterOn         bool    `json:"heater_on"`
	FanOn            bool    `json:"fan_on"`
	DryingActive     bool    `json:"drying_active"`

	// Timestamp is milliseconds since the Unix epoch.
	Timestamp int64 `json:"timestamp"`
}

// Time returns the reading timestamp as a time.Time in UTC.
func (r Reading) Time() time.Time {
	return time.UnixMilli(r.Timestamp).UTC()
}

// Action is a command verb understood by the device firmware.
type Action string

// Known actions.
const (
	ActionStart       Action = "START"
	ActionStop        Action = "STOP"
	ActionSetTemp     Action = "SET_TEMP"
	ActionSetHumidity Action = "SET_HUMIDITY"
)

// ValidActions lists every action the firmware accepts.
var ValidActions = []Action{ActionStart, ActionStop, ActionSetTemp, ActionSetHumidity}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	_, ok := validActions[a]
	return ok
}

// TakesValue reports whether the action carries a numeric value.
func (a Action) TakesValue() bool {
	return a == ActionSetTemp || a == ActionSetHumidity
}

// Command is the intent record written to devices/{id}/commands.
type Command struct {
	Action Action  `json:"action"`
	Value  float64 `json:"value"`

	// Timestamp is milliseconds since the Unix epoch when the command was issued.
	Timestamp int64 `json:"timestamp"`

	// Processed is set by the firmware once applied. Clients always write false.
	Processed bool `json:"processed"`
}
