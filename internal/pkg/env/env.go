// Package env loads process configuration from the environment.
package env

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Get returns the value of the environment variable or the default if not set.
func Get(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding variables that are already set. Missing files
// are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Parse fills target (a pointer to a struct with `env` tags) from the environment.
func Parse(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// ParseFrom is like Parse but reads from the given map instead of the process environment.
func ParseFrom(target any, environment map[string]string) error {
	if err := env.ParseWithOptions(target, env.Options{Environment: environment}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
