package btrfs

import (
	"fmt"
	"time"
)

type SubvolumeInfo struct {
	ID         int64
	Gen        int64
	TopLevel   int64
	Path       string
	IsReadonly bool
	CreatedAt  time.Time
}

// ListSubvolumes lists all subvolumes for a filesystem using ioctl.
// The returned slice is in root-ID (creation) order.
func (m *Manager) ListSubvolumes(mountPoint string) ([]*SubvolumeInfo, error) {
	ioctlData, err := ListSubvolumesIoctl(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("failed to list subvolumes via ioctl: %w", err)
	}

	var subvolumes []*SubvolumeInfo
	for _, data := range ioctlData {
		subvolumes = append(subvolumes, &SubvolumeInfo{
			ID:         int64(data.ID),
			Gen:        int64(data.Generation),
			TopLevel:   int64(data.ParentID),
			Path:       data.Path,
			IsReadonly: data.IsReadonly(),
			CreatedAt:  data.OTime,
		})
	}

	return subvolumes, nil
}
