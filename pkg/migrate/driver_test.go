package migrate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

const fixedTime = 1700000000

// fakeOps implements VolumeOps in memory and records every call.
type fakeOps struct {
	existing map[string]bool // paths PathExists sees
	subvols  map[string]bool // paths SubvolumeExists sees

	snapshotErr map[string]error // keyed by source path
	transferErr map[string]error // keyed by snapshot path
	renameErr   map[string]error // keyed by old path
	deleteErr   map[string]error // keyed by path
	writableErr map[string]error // keyed by final path
	vanish      map[string]bool  // snapshot paths whose transfer leaves nothing behind

	existsCalls int
	snapshots   []string
	transfers   []string
	renames     [][2]string
	deletes     []string
	writable    []string
}

func newFakeOps(sourcePaths ...string) *fakeOps {
	f := &fakeOps{
		existing:    map[string]bool{},
		subvols:     map[string]bool{},
		snapshotErr: map[string]error{},
		transferErr: map[string]error{},
		renameErr:   map[string]error{},
		deleteErr:   map[string]error{},
		writableErr: map[string]error{},
		vanish:      map[string]bool{},
	}
	for _, p := range sourcePaths {
		f.existing[p] = true
	}
	return f
}

func (f *fakeOps) PathExists(path string) bool {
	f.existsCalls++
	return f.existing[path]
}

func (f *fakeOps) CreateReadonlySnapshot(sourcePath, snapshotPath string) error {
	if err := f.snapshotErr[sourcePath]; err != nil {
		return err
	}
	f.snapshots = append(f.snapshots, snapshotPath)
	f.existing[snapshotPath] = true
	return nil
}

func (f *fakeOps) Transfer(ctx context.Context, snapshotPath, destMount string) (int64, error) {
	if err := f.transferErr[snapshotPath]; err != nil {
		return 0, err
	}
	f.transfers = append(f.transfers, snapshotPath)
	if !f.vanish[snapshotPath] {
		f.subvols[filepath.Join(destMount, filepath.Base(snapshotPath))] = true
	}
	return 4096, nil
}

func (f *fakeOps) SubvolumeExists(path string) (bool, error) {
	return f.subvols[path], nil
}

func (f *fakeOps) Rename(oldPath, newPath string) error {
	if err := f.renameErr[oldPath]; err != nil {
		return err
	}
	if f.subvols[newPath] {
		return fmt.Errorf("rename %s %s: directory not empty", oldPath, newPath)
	}
	f.renames = append(f.renames, [2]string{oldPath, newPath})
	delete(f.subvols, oldPath)
	f.subvols[newPath] = true
	return nil
}

func (f *fakeOps) DeleteSubvolume(path string) error {
	if err := f.deleteErr[path]; err != nil {
		return err
	}
	f.deletes = append(f.deletes, path)
	delete(f.existing, path)
	delete(f.subvols, path)
	return nil
}

func (f *fakeOps) SetWritable(path string) error {
	if err := f.writableErr[path]; err != nil {
		return err
	}
	f.writable = append(f.writable, path)
	return nil
}

func testDriver(ops VolumeOps, opts Options) *Driver {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Unix(fixedTime, 0) }
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewDriver(ops, logger, opts)
}

func mustPlan(t *testing.T, names []string) *Plan {
	t.Helper()
	plan, err := BuildPlan(names, SkipPolicy{})
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}
	return plan
}

func snapPathAt(mount, name string, ts int64) string {
	return filepath.Join(mount, SnapshotName(name, time.Unix(ts, 0)))
}

func TestSnapshotName(t *testing.T) {
	got := SnapshotName("@home", time.Unix(1700000000, 0))
	if got != "@home_snapshot_1700000000" {
		t.Errorf("SnapshotName() = %q, want %q", got, "@home_snapshot_1700000000")
	}
}

func TestDriverHappyPath(t *testing.T) {
	ops := newFakeOps("/src/@", "/src/@home", "/src/@var")
	driver := testDriver(ops, Options{})
	plan := mustPlan(t, []string{"@", "@home", "@swap", "@snapshots", "@var"})

	summary := driver.Run(context.Background(), plan, "/src", "/dst")

	if got := summary.Total(); got != 5 {
		t.Errorf("Total() = %d, want 5", got)
	}
	if got := summary.Migrated(); got != 3 {
		t.Errorf("Migrated() = %d, want 3", got)
	}
	if got := summary.Skipped(); got != 2 {
		t.Errorf("Skipped() = %d, want 2", got)
	}
	if got := summary.Failed(); got != 0 {
		t.Errorf("Failed() = %d, want 0", got)
	}
	if !summary.Ok() {
		t.Error("expected Ok() for a run without failures")
	}
	if got := summary.BytesSent(); got != 3*4096 {
		t.Errorf("BytesSent() = %d, want %d", got, 3*4096)
	}

	// Results come back in plan order
	wantOrder := []string{"@", "@home", "@swap", "@snapshots", "@var"}
	for i, r := range summary.Results {
		if r.Name != wantOrder[i] {
			t.Errorf("result %d = %q, want %q", i, r.Name, wantOrder[i])
		}
	}

	// Migrated subvolumes sit at their original names on the destination
	for _, name := range []string{"@", "@home", "@var"} {
		if !ops.subvols[filepath.Join("/dst", name)] {
			t.Errorf("destination missing %s after run", name)
		}
	}

	// Transfer snapshots were cleaned up from the source
	for _, name := range []string{"@", "@home", "@var"} {
		snap := snapPathAt("/src", name, fixedTime)
		if ops.existing[snap] {
			t.Errorf("source snapshot %s left behind", snap)
		}
	}

	// Received subvolumes were made writable after the rename
	if len(ops.writable) != 3 {
		t.Errorf("expected 3 writable calls, got %d", len(ops.writable))
	}
}

func TestDriverSkipTouchesNothing(t *testing.T) {
	ops := newFakeOps("/src/@swap")
	driver := testDriver(ops, Options{})
	plan := mustPlan(t, []string{"@swap", "@snapshots"})

	summary := driver.Run(context.Background(), plan, "/src", "/dst")

	if got := summary.Skipped(); got != 2 {
		t.Fatalf("Skipped() = %d, want 2", got)
	}
	for _, r := range summary.Results {
		if r.Reason == "" {
			t.Errorf("%s skipped without a reason", r.Name)
		}
	}
	if ops.existsCalls != 0 || len(ops.snapshots) != 0 || len(ops.transfers) != 0 || len(ops.deletes) != 0 {
		t.Error("skipped entries must not touch the filesystem")
	}
}

func TestDriverSourceMissing(t *testing.T) {
	ops := newFakeOps("/src/@")
	driver := testDriver(ops, Options{})
	plan := mustPlan(t, []string{"@", "@gone"})

	summary := driver.Run(context.Background(), plan, "/src", "/dst")

	if got := summary.Migrated(); got != 1 {
		t.Errorf("Migrated() = %d, want 1", got)
	}
	if got := summary.Failed(); got != 1 {
		t.Errorf("Failed() = %d, want 1", got)
	}

	r := summary.Results[1]
	if r.Outcome != Failed || r.Reason != ReasonSourceMissing {
		t.Errorf("got outcome %s reason %q, want %s %q", r.Outcome, r.Reason, Failed, ReasonSourceMissing)
	}
	if len(ops.snapshots) != 1 {
		t.Errorf("expected 1 snapshot (for @ only), got %d", len(ops.snapshots))
	}
}

func TestDriverSnapshotFailureIsolated(t *testing.T) {
	ops := newFakeOps("/src/@", "/src/@home", "/src/@var")
	ops.snapshotErr["/src/@home"] = errors.New("read-only filesystem")
	driver := testDriver(ops, Options{})
	plan := mustPlan(t, []string{"@", "@home", "@var"})

	summary := driver.Run(context.Background(), plan, "/src", "/dst")

	// One failure must not stop the remaining subvolumes
	if got := summary.Migrated(); got != 2 {
		t.Errorf("Migrated() = %d, want 2", got)
	}
	if got := summary.Failed(); got != 1 {
		t.Errorf("Failed() = %d, want 1", got)
	}
	if summary.Ok() {
		t.Error("Ok() must be false when a subvolume failed")
	}

	r := summary.Results[1]
	if r.Outcome != Failed || r.Reason != ReasonSnapshotFailed {
		t.Errorf("got outcome %s reason %q, want %s %q", r.Outcome, r.Reason, Failed, ReasonSnapshotFailed)
	}

	// Nothing was created for @home, so nothing should be deleted for it
	snap := snapPathAt("/src", "@home", fixedTime)
	for _, d := range ops.deletes {
		if d == snap {
			t.Errorf("cleanup deleted %s, but the snapshot was never created", snap)
		}
	}
}

func TestDriverTransferFailureCleansSnapshot(t *testing.T) {
	ops := newFakeOps("/src/@home")
	snap := snapPathAt("/src", "@home", fixedTime)
	ops.transferErr[snap] = errors.New("broken pipe")
	driver := testDriver(ops, Options{})
	plan := mustPlan(t, []string{"@home"})

	summary := driver.Run(context.Background(), plan, "/src", "/dst")

	r := summary.Results[0]
	if r.Outcome != Failed || r.Reason != ReasonTransferFailed {
		t.Errorf("got outcome %s reason %q, want %s %q", r.Outcome, r.Reason, Failed, ReasonTransferFailed)
	}
	if len(ops.deletes) != 1 || ops.deletes[0] != snap {
		t.Errorf("deletes = %v, want [%s]", ops.deletes, snap)
	}
	if got := summary.Total(); got != summary.Migrated()+summary.Failed()+summary.Skipped() {
		t.Errorf("count mismatch: total %d != %d+%d+%d", got, summary.Migrated(), summary.Failed(), summary.Skipped())
	}
}

func TestDriverReceivedMissing(t *testing.T) {
	ops := newFakeOps("/src/@home")
	snap := snapPathAt("/src", "@home", fixedTime)
	ops.vanish[snap] = true
	driver := testDriver(ops, Options{})
	plan := mustPlan(t, []string{"@home"})

	summary := driver.Run(context.Background(), plan, "/src", "/dst")

	r := summary.Results[0]
	if r.Outcome != Failed || r.Reason != ReasonReceivedMissing {
		t.Errorf("got outcome %s reason %q, want %s %q", r.Outcome, r.Reason, Failed, ReasonReceivedMissing)
	}
	if len(ops.renames) != 0 {
		t.Error("rename must not run when the received subvolume is missing")
	}
	if len(ops.deletes) != 1 || ops.deletes[0] != snap {
		t.Errorf("deletes = %v, want exactly [%s]", ops.deletes, snap)
	}
}

func TestDriverRenameFailureCleansBoth(t *testing.T) {
	ops := newFakeOps("/src/@home")
	snap := snapPathAt("/src", "@home", fixedTime)
	received := filepath.Join("/dst", filepath.Base(snap))
	ops.renameErr[received] = errors.New("permission denied")
	driver := testDriver(ops, Options{})
	plan := mustPlan(t, []string{"@home"})

	summary := driver.Run(context.Background(), plan, "/src", "/dst")

	r := summary.Results[0]
	if r.Outcome != Failed || r.Reason != ReasonRenameFailed {
		t.Errorf("got outcome %s reason %q, want %s %q", r.Outcome, r.Reason, Failed, ReasonRenameFailed)
	}

	// Both the received copy and the source snapshot get cleaned up
	want := []string{received, snap}
	if len(ops.deletes) != len(want) {
		t.Fatalf("deletes = %v, want %v", ops.deletes, want)
	}
	for i, d := range ops.deletes {
		if d != want[i] {
			t.Errorf("delete %d = %s, want %s", i, d, want[i])
		}
	}
}

func TestDriverCleanupFailureStillMigrated(t *testing.T) {
	ops := newFakeOps("/src/@home")
	snap := snapPathAt("/src", "@home", fixedTime)
	ops.deleteErr[snap] = errors.New("device busy")
	driver := testDriver(ops, Options{})
	plan := mustPlan(t, []string{"@home"})

	summary := driver.Run(context.Background(), plan, "/src", "/dst")

	r := summary.Results[0]
	if r.Outcome != Migrated {
		t.Errorf("outcome = %s, want %s; a failed cleanup must not fail the subvolume", r.Outcome, Migrated)
	}
	if r.Reason != "" {
		t.Errorf("unexpected reason %q on migrated result", r.Reason)
	}
	if !summary.Ok() {
		t.Error("Ok() must hold when only cleanup failed")
	}
}

func TestDriverWritableFailureStillMigrated(t *testing.T) {
	ops := newFakeOps("/src/@home")
	ops.writableErr["/dst/@home"] = errors.New("property set failed")
	driver := testDriver(ops, Options{})
	plan := mustPlan(t, []string{"@home"})

	summary := driver.Run(context.Background(), plan, "/src", "/dst")

	r := summary.Results[0]
	if r.Outcome != Migrated {
		t.Errorf("outcome = %s, want %s; a failed ro clear must not fail the subvolume", r.Outcome, Migrated)
	}
	if r.Reason != "" {
		t.Errorf("unexpected reason %q on migrated result", r.Reason)
	}
	if !summary.Ok() {
		t.Error("Ok() must hold when only the ro clear failed")
	}

	// The run still finishes the job: snapshot cleaned up, subvolume in place
	snap := snapPathAt("/src", "@home", fixedTime)
	if ops.existing[snap] {
		t.Errorf("source snapshot %s left behind", snap)
	}
	if !ops.subvols["/dst/@home"] {
		t.Error("destination missing /dst/@home after run")
	}
}

func TestDriverSecondRunCollides(t *testing.T) {
	ops := newFakeOps("/src/@home")
	plan := mustPlan(t, []string{"@home"})

	first := testDriver(ops, Options{})
	if s := first.Run(context.Background(), plan, "/src", "/dst"); !s.Ok() {
		t.Fatalf("first run failed: %+v", s.Results)
	}

	// A later run snapshots at a new timestamp, but the destination name is
	// already taken by the first run's result.
	second := testDriver(ops, Options{
		Now: func() time.Time { return time.Unix(fixedTime+3600, 0) },
	})
	summary := second.Run(context.Background(), plan, "/src", "/dst")

	r := summary.Results[0]
	if r.Outcome != Failed || r.Reason != ReasonRenameFailed {
		t.Errorf("got outcome %s reason %q, want %s %q", r.Outcome, r.Reason, Failed, ReasonRenameFailed)
	}

	// The first run's subvolume is untouched
	if !ops.subvols["/dst/@home"] {
		t.Error("existing destination subvolume must survive the collision")
	}
}

func TestDriverKeepReadonly(t *testing.T) {
	ops := newFakeOps("/src/@home")
	driver := testDriver(ops, Options{KeepReadonly: true})
	plan := mustPlan(t, []string{"@home"})

	summary := driver.Run(context.Background(), plan, "/src", "/dst")

	if got := summary.Migrated(); got != 1 {
		t.Fatalf("Migrated() = %d, want 1", got)
	}
	if len(ops.writable) != 0 {
		t.Errorf("writable calls = %v, want none with KeepReadonly", ops.writable)
	}
}
