// Package config loads OpenStream runtime configuration. It exposes a
// Default() baseline, a viper-backed Load for yaml/json/toml files with an
// OPENSTREAM_* environment overlay, and Validate, which reports every
// problem at once.
//
// Example:
//
//	cfg, err := config.Load("/etc/openstream.yaml")
//	if err != nil {
//	    return err
//	}
//	// OPENSTREAM_GROUPS_MAX_DELIVERIES=20 overrides groups.max_deliveries.
//	rt, err := runtime.Open(runtime.Options{Config: cfg})
package config
