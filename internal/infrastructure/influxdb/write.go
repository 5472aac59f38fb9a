package influxdb

import (
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/dryerlink-core/internal/device"
)

// MeasurementReadings is the measurement device readings are written to.
const MeasurementReadings = "dryer_readings"

// WriteReading records one device reading. The write is non-blocking;
// readings without a timestamp are ignored.
func (c *Client) WriteReading(deviceID string, r device.Reading) {
	if !c.IsConnected() || r.Timestamp <= 0 {
		return
	}
	c.writeAPI.WritePoint(readingPoint(deviceID, r))
}

func readingPoint(deviceID string, r device.Reading) *write.Point {
	return write.NewPoint(
		MeasurementReadings,
		map[string]string{
			"device_id": deviceID,
		},
		map[string]any{
			"temperature":       r.Temperature,
			"humidity":          r.Humidity,
			"setpoint_temp":     r.SetpointTemp,
			"setpoint_humidity": r.SetpointHumidity,
			"heater_on":         r.HeaterOn,
			"fan_on":            r.FanOn,
			"drying_active":     r.DryingActive,
		},
		r.Time(),
	)
}
