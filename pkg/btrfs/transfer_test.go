package btrfs

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// installFakeBtrfs puts a btrfs stand-in first on PATH. The script decides
// behavior from the subcommand, so one binary serves both ends of the pipe.
func installFakeBtrfs(t *testing.T, script string) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "btrfs"), []byte(script), 0755); err != nil {
		t.Fatalf("write fake btrfs: %v", err)
	}
	t.Setenv("PATH", dir+":"+os.Getenv("PATH"))
}

func quietManager() *Manager {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestTransferStreamsBytes(t *testing.T) {
	payload := "btrfs send stream payload"
	installFakeBtrfs(t, `#!/bin/sh
case "$1" in
send) printf '`+payload+`' ;;
receive) cat >/dev/null ;;
esac
`)

	written, err := quietManager().Transfer(context.Background(), "/src/@_snapshot_1", "/dst")
	if err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	if want := int64(len(payload)); written != want {
		t.Errorf("Transfer wrote %d bytes, want %d", written, want)
	}
}

func TestTransferReceiverDiesMidStream(t *testing.T) {
	// Send produces far more than a pipe buffer holds; receive takes one
	// block and dies. Transfer must surface the receive failure instead of
	// waiting on a sender that can no longer make progress.
	installFakeBtrfs(t, `#!/bin/sh
case "$1" in
send) dd if=/dev/zero bs=65536 count=128 2>/dev/null ;;
receive) dd of=/dev/null bs=4096 count=1 2>/dev/null; exit 1 ;;
esac
`)

	done := make(chan error, 1)
	go func() {
		_, err := quietManager().Transfer(context.Background(), "/src/@_snapshot_1", "/dst")
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error when the receiver dies mid-stream")
		}
		if !strings.Contains(err.Error(), "receive") {
			t.Errorf("Transfer error = %v, want a receive failure", err)
		}
	case <-time.After(time.Minute):
		t.Fatal("Transfer did not return after the receiver died")
	}
}

func TestTransferSendFails(t *testing.T) {
	installFakeBtrfs(t, `#!/bin/sh
case "$1" in
send) echo "ERROR: cannot open snapshot" >&2; exit 1 ;;
receive) cat >/dev/null ;;
esac
`)

	_, err := quietManager().Transfer(context.Background(), "/src/@_snapshot_1", "/dst")
	if err == nil {
		t.Fatal("expected an error when send fails")
	}
	if !strings.Contains(err.Error(), "send") {
		t.Errorf("Transfer error = %v, want a send failure", err)
	}
}
