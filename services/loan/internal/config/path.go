package config

import "os"

// ConfigPath is the config file used when LOAN_CONFIG is unset.
var ConfigPath = "config.yaml"

func init() {
	if v := os.Getenv("LOAN_CONFIG"); v != "" {
		ConfigPath = v
	}
}
