// Package config reads service configuration from environment variables, with an
// optional YAML file (CONFIG_FILE) providing values that the environment does not set.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// fileValues holds the flattened keys of the YAML file, e.g. "redis_addr"
var fileValues = map[string]string{}

// LoadFile reads a YAML file and makes its values available as fallbacks for the
// GetEnv family. Nested keys are joined with underscores and matched against the
// environment variable name lowercased ("REDIS_ADDR" <- redis: {addr: ...}).
func LoadFile(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	values := make(map[string]string)
	flatten("", raw, values)
	fileValues = values
	return nil
}

func flatten(prefix string, in map[string]interface{}, out map[string]string) {
	for k, v := range in {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "_" + key
		}
		switch val := v.(type) {
		case map[string]interface{}:
			flatten(key, val, out)
		case nil:
		default:
			out[key] = fmt.Sprint(val)
		}
	}
}

func lookup(key string) (string, bool) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v, true
	}
	v, ok := fileValues[strings.ToLower(key)]
	return v, ok
}

// GetEnv returns the value of key, or defaultValue when unset
func GetEnv(key, defaultValue string) string {
	if v, ok := lookup(key); ok {
		return v
	}
	return defaultValue
}

// GetEnvInt returns key parsed as an int, or defaultValue when unset or invalid
func GetEnvInt(key string, defaultValue int) int {
	v, ok := lookup(key)
	if !ok {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

// GetEnvBool returns key parsed as a bool, or defaultValue when unset or invalid
func GetEnvBool(key string, defaultValue bool) bool {
	v, ok := lookup(key)
	if !ok {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

// GetEnvDuration returns key parsed with time.ParseDuration, or defaultValue
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	v, ok := lookup(key)
	if !ok {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return d
}

// GetEnvDecimal returns key parsed as a decimal amount, or defaultValue
func GetEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	v, ok := lookup(key)
	if !ok {
		return defaultValue
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return defaultValue
	}
	return d
}
