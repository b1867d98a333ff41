// Package config loads service configuration from the process environment.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
)

// ParseEnv loads configuration from environment variables. A variable set
// to the empty string counts as unset, so tag defaults still apply.
func ParseEnv(target any) error {
	if err := env.ParseWithOptions(target, env.Options{Environment: environ()}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// environ is the process environment without empty entries.
func environ() map[string]string {
	vars := make(map[string]string)
	for _, entry := range os.Environ() {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || value == "" {
			continue
		}
		vars[key] = value
	}
	return vars
}
