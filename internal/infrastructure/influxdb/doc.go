// Package influxdb mirrors device readings to InfluxDB.
//
// The Client implements watch.ReadingSink: every new reading seen on a
// device watch becomes one dryer_readings point, stamped with the reading's
// own timestamp. Writes are batched by the non-blocking write API
// (batch_size, flush_interval) and failures are reported through the
// SetOnError callback.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	watcher := watch.New(store, watch.WithReadingSink(client))
package influxdb
