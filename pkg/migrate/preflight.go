package migrate

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/elee1766/btmigrate/pkg/btrfs"
)

// Preflight validates the environment before a run touches anything.
// Conditions that would make the run misbehave are fatal; conditions that
// are merely suspicious are logged as warnings and the run proceeds.
func Preflight(mgr *btrfs.Manager, logger *slog.Logger, source, dest string) error {
	version, err := btrfs.ToolVersion()
	if err != nil {
		return err
	}
	logger.Debug("btrfs tool present", "version", version)

	if uid := os.Geteuid(); uid != 0 {
		return fmt.Errorf("subvolume operations require root, running as uid %d", uid)
	}

	srcInfo, err := btrfs.GetFilesystemInfo(source)
	if err != nil {
		return fmt.Errorf("source %s: %w", source, err)
	}
	dstInfo, err := btrfs.GetFilesystemInfo(dest)
	if err != nil {
		return fmt.Errorf("destination %s: %w", dest, err)
	}

	// Migrating a filesystem into itself would snapshot and receive on
	// the same pool, then rename over the live subvolumes.
	if srcInfo.UUID == dstInfo.UUID {
		return fmt.Errorf("source and destination are the same filesystem (%s)", srcInfo.UUID)
	}

	warnOnSpace(logger, source, dest)
	warnOnDeviceErrors(mgr, logger, dest)

	return nil
}

// warnOnSpace compares source usage against destination free space. Send
// streams do not map one-to-one onto allocated bytes, so a tight fit is a
// warning rather than an abort.
func warnOnSpace(logger *slog.Logger, source, dest string) {
	_, devices, err := btrfs.GetFilesystemAndDeviceInfo(source)
	if err != nil {
		logger.Warn("could not determine source usage", "error", err)
		return
	}
	var used uint64
	for _, dev := range devices {
		used += dev.BytesUsed
	}

	free, err := btrfs.FreeSpace(dest)
	if err != nil {
		logger.Warn("could not determine destination free space", "error", err)
		return
	}

	if free < used {
		logger.Warn("destination may be too small for source data",
			"source_used", humanize.IBytes(used),
			"destination_free", humanize.IBytes(free))
	}
}

// warnOnDeviceErrors surfaces destination device error counters so an
// operator does not migrate onto a dying drive without noticing.
func warnOnDeviceErrors(mgr *btrfs.Manager, logger *slog.Logger, dest string) {
	devices, err := mgr.GetDeviceStats(dest)
	if err != nil {
		logger.Warn("could not read destination device stats", "error", err)
		return
	}
	for _, dev := range devices {
		if dev.DevicePath == "total" {
			continue
		}
		if n := dev.ErrorCount(); n > 0 {
			logger.Warn("destination device reports errors",
				"device", dev.DevicePath, "errors", n)
		}
	}
}
