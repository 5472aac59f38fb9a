// Package config handles loading and validating dryerlink configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (DRYERLINK_*)
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Broker passwords, InfluxDB tokens and the JWT secret should be set via
//     environment variables rather than committed to the config file
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/dryerlink.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Client.Name)
package config
