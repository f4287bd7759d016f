package btrfs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// Transfer streams a read-only snapshot to another btrfs filesystem via
// btrfs send piped into btrfs receive. The received subvolume materializes
// under destMount with the snapshot's base name. Returns the number of
// stream bytes that crossed the pipe.
func (m *Manager) Transfer(ctx context.Context, snapshotPath, destMount string) (int64, error) {
	sendCmd := exec.CommandContext(ctx, "btrfs", "send", snapshotPath)
	recvCmd := exec.CommandContext(ctx, "btrfs", "receive", "-e", destMount)

	sendOut, err := sendCmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("send stdout pipe: %w", err)
	}
	var sendStderr bytes.Buffer
	sendCmd.Stderr = &sendStderr

	recvIn, err := recvCmd.StdinPipe()
	if err != nil {
		return 0, fmt.Errorf("receive stdin pipe: %w", err)
	}
	var recvStderr bytes.Buffer
	recvCmd.Stderr = &recvStderr

	if err := recvCmd.Start(); err != nil {
		return 0, fmt.Errorf("start btrfs receive: %w", err)
	}
	if err := sendCmd.Start(); err != nil {
		recvIn.Close()
		recvCmd.Wait()
		return 0, fmt.Errorf("start btrfs send: %w", err)
	}

	m.logger.Info("transfer started", "snapshot", snapshotPath, "destination", destMount)

	written, copyErr := io.Copy(recvIn, sendOut)
	recvIn.Close()
	if copyErr != nil {
		// A dead receiver leaves send blocked writing into a pipe
		// nobody drains; close the read side so send exits and Wait
		// can return.
		sendOut.Close()
	}

	sendErr := sendCmd.Wait()
	recvErr := recvCmd.Wait()

	// Receive failing is the usual root cause (destination full, name
	// collision); a dead receiver also kills send and the copy with EPIPE.
	if recvErr != nil {
		m.logger.Error("btrfs receive failed",
			"destination", destMount,
			"stderr", strings.TrimSpace(recvStderr.String()), "error", recvErr)
		return written, fmt.Errorf("btrfs receive failed: %w", recvErr)
	}
	if sendErr != nil {
		m.logger.Error("btrfs send failed",
			"snapshot", snapshotPath,
			"stderr", strings.TrimSpace(sendStderr.String()), "error", sendErr)
		return written, fmt.Errorf("btrfs send failed: %w", sendErr)
	}
	if copyErr != nil {
		return written, fmt.Errorf("send stream copy: %w", copyErr)
	}

	m.logger.Info("transfer complete", "snapshot", snapshotPath, "bytes", written)
	return written, nil
}
