package btrfs

import (
	"log/slog"
)

// Manager provides btrfs filesystem operations. Reads go through ioctls,
// mutations shell out to the btrfs CLI.
type Manager struct {
	logger *slog.Logger
}

// New creates a new btrfs manager
func New(logger *slog.Logger) *Manager {
	return &Manager{
		logger: logger.With("component", "btrfs"),
	}
}
