package migrate

import "errors"

// ErrNoSubvolumes is returned when the source enumeration comes back empty.
// An empty listing almost always means the source is not the filesystem the
// operator thinks it is, so the run aborts before any mutation.
var ErrNoSubvolumes = errors.New("no subvolumes found on source filesystem")

// Failure reasons recorded on Failed results.
const (
	ReasonSourceMissing   = "source path missing"
	ReasonSnapshotFailed  = "snapshot creation failed"
	ReasonTransferFailed  = "transfer failed"
	ReasonReceivedMissing = "received subvolume missing"
	ReasonRenameFailed    = "rename failed"
)
