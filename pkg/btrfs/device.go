package btrfs

import (
	"fmt"
	"strconv"

	"golang.org/x/sys/unix"
)

type DeviceStats struct {
	DevicePath       string
	DeviceID         string
	TotalBytes       int64
	UsedBytes        int64
	FreeBytes        int64
	WriteErrors      int64
	ReadErrors       int64
	FlushErrors      int64
	CorruptionErrors int64
	GenerationErrors int64
}

// GetDeviceStats gets device statistics for a filesystem using ioctl and sysfs
func (m *Manager) GetDeviceStats(path string) ([]*DeviceStats, error) {
	// Get filesystem info and device info in one call
	fsInfo, deviceInfos, err := GetFilesystemAndDeviceInfo(path)
	if err != nil {
		return nil, fmt.Errorf("get filesystem/device info: %w", err)
	}

	// Get error stats via sysfs
	errorStats, err := GetDeviceErrorStats(fsInfo.UUID)
	if err != nil {
		m.logger.Warn("failed to get device error stats from sysfs", "error", err)
	}

	var devices []*DeviceStats
	var totalBytes, usedBytes int64

	for _, devInfo := range deviceInfos {
		dev := &DeviceStats{
			DevicePath: devInfo.Path,
			DeviceID:   strconv.FormatUint(devInfo.DevID, 10),
			TotalBytes: int64(devInfo.TotalBytes),
			UsedBytes:  int64(devInfo.BytesUsed),
			FreeBytes:  int64(devInfo.TotalBytes - devInfo.BytesUsed),
		}

		// Merge error stats if available
		if errorStats != nil {
			if errStat, ok := errorStats[devInfo.DevID]; ok {
				dev.WriteErrors = errStat.WriteErrors
				dev.ReadErrors = errStat.ReadErrors
				dev.FlushErrors = errStat.FlushErrors
				dev.CorruptionErrors = errStat.CorruptionErrors
				dev.GenerationErrors = errStat.GenerationErrors
			}
		}

		devices = append(devices, dev)
		totalBytes += dev.TotalBytes
		usedBytes += dev.UsedBytes
	}

	// Add a "total" entry if we have multiple devices
	if len(devices) > 1 {
		devices = append([]*DeviceStats{{
			DevicePath: "total",
			DeviceID:   "0",
			TotalBytes: totalBytes,
			UsedBytes:  usedBytes,
			FreeBytes:  totalBytes - usedBytes,
		}}, devices...)
	}

	return devices, nil
}

// ErrorCount returns the sum of all error counters for the device.
func (d *DeviceStats) ErrorCount() int64 {
	return d.WriteErrors + d.ReadErrors + d.FlushErrors + d.CorruptionErrors + d.GenerationErrors
}

// FreeSpace returns the bytes available for writes on the filesystem
// containing path, from statfs.
func FreeSpace(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return st.Bavail * uint64(st.Bsize), nil
}
