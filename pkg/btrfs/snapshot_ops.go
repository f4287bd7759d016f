package btrfs

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	libbtrfs "github.com/dennwc/btrfs"
)

// CreateReadonlySnapshot creates a read-only snapshot of the subvolume at
// sourcePath under snapshotPath on the same filesystem.
func (m *Manager) CreateReadonlySnapshot(sourcePath, snapshotPath string) error {
	cmd := exec.Command("btrfs", "subvolume", "snapshot", "-r", sourcePath, snapshotPath)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		m.logger.Error("snapshot creation failed",
			"source", sourcePath, "snapshot", snapshotPath,
			"output", strings.TrimSpace(out.String()), "error", err)
		return fmt.Errorf("btrfs subvolume snapshot failed: %w", err)
	}

	m.logger.Debug("created read-only snapshot", "source", sourcePath, "snapshot", snapshotPath)
	return nil
}

// DeleteSubvolume deletes a subvolume. Received subvolumes arrive read-only,
// so the ro property is cleared first.
func (m *Manager) DeleteSubvolume(path string) error {
	exec.Command("btrfs", "property", "set", path, "ro", "false").Run()

	cmd := exec.Command("btrfs", "subvolume", "delete", path)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		m.logger.Warn("subvolume delete failed",
			"subvolume", path, "output", strings.TrimSpace(out.String()), "error", err)
		return fmt.Errorf("btrfs subvolume delete failed: %w", err)
	}

	m.logger.Debug("deleted subvolume", "subvolume", path)
	return nil
}

// SetWritable clears the read-only property on a subvolume.
func (m *Manager) SetWritable(path string) error {
	cmd := exec.Command("btrfs", "property", "set", path, "ro", "false")
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		m.logger.Warn("failed to clear read-only property",
			"subvolume", path, "output", strings.TrimSpace(out.String()), "error", err)
		return fmt.Errorf("btrfs property set failed: %w", err)
	}
	return nil
}

// GrowFilesystem resizes the filesystem at mountPoint to fill its device.
func (m *Manager) GrowFilesystem(mountPoint string) error {
	cmd := exec.Command("btrfs", "filesystem", "resize", "max", mountPoint)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		m.logger.Error("filesystem resize failed",
			"mount", mountPoint, "output", strings.TrimSpace(out.String()), "error", err)
		return fmt.Errorf("btrfs filesystem resize failed: %w", err)
	}

	m.logger.Info("filesystem grown to device size", "mount", mountPoint)
	return nil
}

// PathExists reports whether path exists and is a directory.
func (m *Manager) PathExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// SubvolumeExists reports whether path exists and is a btrfs subvolume.
func (m *Manager) SubvolumeExists(path string) (bool, error) {
	ok, err := libbtrfs.IsSubVolume(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("check subvolume %s: %w", path, err)
	}
	return ok, nil
}

// Rename moves a subvolume to a new path on the same filesystem.
func (m *Manager) Rename(oldPath, newPath string) error {
	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("rename subvolume: %w", err)
	}
	return nil
}

// ToolVersion verifies the btrfs CLI is available and returns its version.
func ToolVersion() (string, error) {
	if _, err := exec.LookPath("btrfs"); err != nil {
		return "", fmt.Errorf("the btrfs tool is not available: %w", err)
	}

	output, err := exec.Command("btrfs", "version").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("the btrfs tool is not working properly: %w", err)
	}

	return strings.TrimSpace(string(output)), nil
}
