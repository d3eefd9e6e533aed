//go:build !windows

package main

import (
	"fmt"
	"log/slog"
)

// runService is Windows-only. Elsewhere the flag logs and fails.
func runService(configPath string, logger *slog.Logger) error {
	logger.Error("Service mode is only available on Windows")
	return fmt.Errorf("service mode is not supported on this platform")
}
