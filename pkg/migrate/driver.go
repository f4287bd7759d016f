package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"
)

// VolumeOps is the filesystem surface the driver needs. *btrfs.Manager
// implements it; tests substitute a fake.
type VolumeOps interface {
	PathExists(path string) bool
	CreateReadonlySnapshot(sourcePath, snapshotPath string) error
	Transfer(ctx context.Context, snapshotPath, destMount string) (int64, error)
	SubvolumeExists(path string) (bool, error)
	Rename(oldPath, newPath string) error
	DeleteSubvolume(path string) error
	SetWritable(path string) error
}

// Options adjust driver behavior.
type Options struct {
	// KeepReadonly leaves received subvolumes read-only instead of
	// clearing the ro property after the rename.
	KeepReadonly bool

	// Now supplies timestamps for snapshot names and durations. Defaults
	// to time.Now.
	Now func() time.Time
}

// Driver executes a migration plan, one subvolume at a time. A failure on
// one subvolume never stops the run; it is recorded and the driver moves
// on to the next entry.
type Driver struct {
	ops    VolumeOps
	logger *slog.Logger
	opts   Options
}

func NewDriver(ops VolumeOps, logger *slog.Logger, opts Options) *Driver {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Driver{
		ops:    ops,
		logger: logger.With("component", "driver"),
		opts:   opts,
	}
}

// SnapshotName derives the transfer snapshot name for a subvolume at ts.
// The unix timestamp keeps names from separate runs distinct; within one
// run the same subvolume is only snapshotted once.
func SnapshotName(name string, ts time.Time) string {
	return fmt.Sprintf("%s_snapshot_%d", name, ts.Unix())
}

// Run executes the plan against the source and destination mounts and
// returns the summary. Entries are processed strictly in plan order.
func (d *Driver) Run(ctx context.Context, plan *Plan, source, dest string) *RunSummary {
	summary := &RunSummary{
		Source:      source,
		Destination: dest,
		StartedAt:   d.opts.Now(),
	}

	for _, entry := range plan.Entries {
		if entry.Action == ActionSkip {
			d.logger.Info("skipping subvolume", "subvolume", entry.Name, "reason", entry.Reason)
			summary.Results = append(summary.Results, Result{
				Name:    entry.Name,
				Outcome: Skipped,
				Reason:  entry.Reason,
			})
			continue
		}
		summary.Results = append(summary.Results, d.migrateOne(ctx, entry.Name, source, dest))
	}

	summary.FinishedAt = d.opts.Now()
	return summary
}

// migrateOne moves a single subvolume: snapshot the source read-only, send
// the snapshot into the destination, verify it arrived, rename it to the
// original name, then drop the transfer snapshot.
func (d *Driver) migrateOne(ctx context.Context, name, source, dest string) Result {
	started := d.opts.Now()
	res := Result{Name: name}
	logger := d.logger.With("subvolume", name)

	fail := func(reason string) Result {
		res.Outcome = Failed
		res.Reason = reason
		res.Duration = d.opts.Now().Sub(started)
		return res
	}

	sourcePath := filepath.Join(source, name)
	if !d.ops.PathExists(sourcePath) {
		logger.Error("source path missing", "path", sourcePath)
		return fail(ReasonSourceMissing)
	}

	snapName := SnapshotName(name, started)
	snapPath := filepath.Join(source, snapName)
	if err := d.ops.CreateReadonlySnapshot(sourcePath, snapPath); err != nil {
		logger.Error("snapshot creation failed", "snapshot", snapPath, "error", err)
		return fail(ReasonSnapshotFailed)
	}

	sent, err := d.ops.Transfer(ctx, snapPath, dest)
	res.BytesSent = sent
	if err != nil {
		logger.Error("transfer failed", "snapshot", snapPath, "error", err)
		d.cleanup(snapPath)
		return fail(ReasonTransferFailed)
	}

	// receive materializes the stream under dest with the snapshot's
	// basename, not the final subvolume name.
	receivedPath := filepath.Join(dest, filepath.Base(snapName))
	ok, err := d.ops.SubvolumeExists(receivedPath)
	if err != nil {
		logger.Error("could not verify received subvolume", "path", receivedPath, "error", err)
		d.cleanup(snapPath)
		return fail(ReasonReceivedMissing)
	}
	if !ok {
		logger.Error("received subvolume missing after transfer", "path", receivedPath)
		d.cleanup(snapPath)
		return fail(ReasonReceivedMissing)
	}

	finalPath := filepath.Join(dest, name)
	if err := d.ops.Rename(receivedPath, finalPath); err != nil {
		logger.Error("rename failed", "from", receivedPath, "to", finalPath, "error", err)
		d.cleanup(receivedPath)
		d.cleanup(snapPath)
		return fail(ReasonRenameFailed)
	}

	if !d.opts.KeepReadonly {
		if err := d.ops.SetWritable(finalPath); err != nil {
			logger.Warn("could not clear read-only property", "path", finalPath, "error", err)
		}
	}

	d.cleanup(snapPath)

	res.Outcome = Migrated
	res.Duration = d.opts.Now().Sub(started)
	logger.Info("subvolume migrated", "bytes", res.BytesSent, "duration", res.Duration.String())
	return res
}

// cleanup deletes a transient subvolume. Cleanup is advisory: a failure
// leaves a stray subvolume behind and a warning in the log, nothing more.
func (d *Driver) cleanup(path string) {
	if err := d.ops.DeleteSubvolume(path); err != nil {
		d.logger.Warn("cleanup failed, stray subvolume left behind", "path", path, "error", err)
	}
}
