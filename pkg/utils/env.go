package utils

import "os"

// EnvOrDefault returns the value of the environment variable identified by
// key, used by config.LoadFromEnv to pick the RELAY_ENV overlay, or the
// provided fallback if the variable is unset or empty.
func EnvOrDefault(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
