// Package util holds small helpers shared across telemetryd packages.
package util

import (
	"cmp"
	"os"
)

// GetEnvOrDefault returns the environment variable value if set, otherwise
// the default value.
func GetEnvOrDefault(env, def string) string {
	return cmp.Or(os.Getenv(env), def)
}
