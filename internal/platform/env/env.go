// Package env reads configuration from the process environment with
// typed fallbacks. Parse failures are returned, not defaulted, so a
// malformed variable is caught at startup rather than masked.
package env

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

func String(key string, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func Duration(key string, def time.Duration) (time.Duration, error) {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", key, err)
		}
		return d, nil
	}
	return def, nil
}

// Minutes reads a whole-minute count. Used for TTL knobs that the wire
// contract expresses in minutes rather than as a free-form duration.
func Minutes(key string, def int) (time.Duration, error) {
	m, err := Int(key, def)
	if err != nil {
		return 0, err
	}
	if m <= 0 {
		return 0, fmt.Errorf("parse %s: minutes must be positive, got %d", key, m)
	}
	return time.Duration(m) * time.Minute, nil
}

func Bool(key string, def bool) (bool, error) {
	if v, ok := os.LookupEnv(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("parse %s: %w", key, err)
		}
		return b, nil
	}
	return def, nil
}

func Int(key string, def int) (int, error) {
	if v, ok := os.LookupEnv(key); ok {
		i, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", key, err)
		}
		return i, nil
	}
	return def, nil
}
