package btrfs

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"
	"unsafe"

	"github.com/dennwc/ioctl"
)

// btrfs ioctl magic number
const btrfsIoctlMagic = 0x94

// Tree IDs
const (
	RootTreeObjectID = 1
)

// Item key types
const (
	RootItemKey    = 132
	RootBackrefKey = 144
)

// Special object IDs
const (
	FirstFreeObjectID = 256
)

// Root flags
const (
	RootSubvolReadonly = 1 << 0
)

// Search key structure size
const searchKeySize = 104

// Buffer size for search results
const searchBufSize = 4096 - searchKeySize

// btrfsIoctlSearchKey is the search parameters
type btrfsIoctlSearchKey struct {
	TreeID      uint64
	MinObjectID uint64
	MaxObjectID uint64
	MinOffset   uint64
	MaxOffset   uint64
	MinTransID  uint64
	MaxTransID  uint64
	MinType     uint32
	MaxType     uint32
	NrItems     uint32
	_unused     uint32
	_unused1    uint64
	_unused2    uint64
	_unused3    uint64
	_unused4    uint64
}

// btrfsIoctlSearchArgs is the full search ioctl args
type btrfsIoctlSearchArgs struct {
	Key btrfsIoctlSearchKey
	Buf [searchBufSize]byte
}

// btrfsSearchHeader is the header for each search result item
type btrfsSearchHeader struct {
	TransID  uint64
	ObjectID uint64
	Offset   uint64
	Type     uint32
	Len      uint32
}

// SearchResult holds a single search result
type SearchResult struct {
	Header btrfsSearchHeader
	Data   []byte
}

var ioctlTreeSearch = ioctl.IOWR(btrfsIoctlMagic, 17, unsafe.Sizeof(btrfsIoctlSearchArgs{}))

// btrfsIoctlFsInfoArgs is the structure for BTRFS_IOC_FS_INFO
type btrfsIoctlFsInfoArgs struct {
	MaxID          uint64
	NumDevices     uint64
	FSID           [16]byte
	NodeSize       uint32
	SectorSize     uint32
	CloneAlignment uint32
	CsumType       uint16
	CsumSize       uint16
	Flags          uint64
	Generation     uint64
	MetadataUUID   [16]byte
	Reserved       [944]byte
}

var ioctlFsInfo = ioctl.IOR(btrfsIoctlMagic, 31, unsafe.Sizeof(btrfsIoctlFsInfoArgs{}))

// BTRFS_DEVICE_PATH_NAME_MAX from kernel headers
const devicePathNameMax = 1024

// btrfsIoctlDevInfoArgs for BTRFS_IOC_DEV_INFO
type btrfsIoctlDevInfoArgs struct {
	DevID      uint64
	UUID       [16]byte
	BytesUsed  uint64
	TotalBytes uint64
	FSID       [16]byte
	Unused     [377]uint64
	Path       [devicePathNameMax]byte
}

var ioctlDevInfo = ioctl.IOWR(btrfsIoctlMagic, 30, unsafe.Sizeof(btrfsIoctlDevInfoArgs{}))

// DeviceInfoIoctl contains device info from ioctl
type DeviceInfoIoctl struct {
	DevID      uint64
	UUID       string
	BytesUsed  uint64
	TotalBytes uint64
	Path       string
}

// FilesystemInfo contains basic filesystem info from ioctl
type FilesystemInfo struct {
	UUID         string
	MetadataUUID string
	NumDevices   uint64
	NodeSize     uint32
	SectorSize   uint32
	Generation   uint64
}

// GetFilesystemInfo gets filesystem info via ioctl - returns an error if path is not a btrfs filesystem
func GetFilesystemInfo(path string) (*FilesystemInfo, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open path: %w", err)
	}
	defer f.Close()

	var args btrfsIoctlFsInfoArgs
	if err := ioctl.Do(f, ioctlFsInfo, &args); err != nil {
		return nil, fmt.Errorf("not a btrfs filesystem: %w", err)
	}

	info := &FilesystemInfo{
		UUID:       formatUUID(args.FSID),
		NumDevices: args.NumDevices,
		NodeSize:   args.NodeSize,
		SectorSize: args.SectorSize,
		Generation: args.Generation,
	}

	// Only include metadata UUID if it's different from FSID
	if !isZeroUUID(args.MetadataUUID) && args.MetadataUUID != args.FSID {
		info.MetadataUUID = formatUUID(args.MetadataUUID)
	}

	return info, nil
}

// GetFilesystemAndDeviceInfo gets both filesystem info and device info in a single file open
func GetFilesystemAndDeviceInfo(path string) (*FilesystemInfo, []*DeviceInfoIoctl, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("open path: %w", err)
	}
	defer f.Close()

	// Get filesystem info
	var fsArgs btrfsIoctlFsInfoArgs
	if err := ioctl.Do(f, ioctlFsInfo, &fsArgs); err != nil {
		return nil, nil, fmt.Errorf("FS_INFO ioctl: %w", err)
	}

	fsInfo := &FilesystemInfo{
		UUID:       formatUUID(fsArgs.FSID),
		NumDevices: fsArgs.NumDevices,
		NodeSize:   fsArgs.NodeSize,
		SectorSize: fsArgs.SectorSize,
		Generation: fsArgs.Generation,
	}
	if !isZeroUUID(fsArgs.MetadataUUID) && fsArgs.MetadataUUID != fsArgs.FSID {
		fsInfo.MetadataUUID = formatUUID(fsArgs.MetadataUUID)
	}

	// Get device info using the same file handle and fsArgs
	var devices []*DeviceInfoIoctl
	for devID := uint64(1); devID <= fsArgs.MaxID; devID++ {
		var args btrfsIoctlDevInfoArgs
		args.DevID = devID

		if err := ioctl.Do(f, ioctlDevInfo, &args); err != nil {
			continue // Device ID doesn't exist
		}

		pathLen := 0
		for i, b := range args.Path {
			if b == 0 {
				pathLen = i
				break
			}
		}

		devices = append(devices, &DeviceInfoIoctl{
			DevID:      args.DevID,
			UUID:       formatUUID(args.UUID),
			BytesUsed:  args.BytesUsed,
			TotalBytes: args.TotalBytes,
			Path:       string(args.Path[:pathLen]),
		})

		if uint64(len(devices)) >= fsArgs.NumDevices {
			break
		}
	}

	return fsInfo, devices, nil
}

// SubvolumeIoctl contains subvolume info fetched via ioctl
type SubvolumeIoctl struct {
	ID           uint64
	ParentID     uint64 // From the key offset field
	Generation   uint64
	Flags        uint64
	UUID         [16]byte
	ParentUUID   [16]byte
	ReceivedUUID [16]byte
	CTime        time.Time
	OTime        time.Time // Creation time
	Path         string    // Resolved path relative to filesystem root
}

// IsReadonly returns true if the subvolume is read-only
func (s *SubvolumeIoctl) IsReadonly() bool {
	return s.Flags&RootSubvolReadonly != 0
}

func isZeroUUID(uuid [16]byte) bool {
	for _, b := range uuid {
		if b != 0 {
			return false
		}
	}
	return true
}

func formatUUID(uuid [16]byte) string {
	return fmt.Sprintf("%08x-%04x-%04x-%04x-%012x",
		binary.BigEndian.Uint32(uuid[0:4]),
		binary.BigEndian.Uint16(uuid[4:6]),
		binary.BigEndian.Uint16(uuid[6:8]),
		binary.BigEndian.Uint16(uuid[8:10]),
		uuid[10:16])
}

// ListSubvolumesIoctl lists all subvolumes using the tree search ioctl.
// The result is in root-ID order, which is creation order and therefore
// stable for a given filesystem.
func ListSubvolumesIoctl(fsPath string) ([]SubvolumeIoctl, error) {
	f, err := os.OpenFile(fsPath, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open filesystem: %w", err)
	}
	defer f.Close()

	subvolumes, err := listSubvolumesFromFile(f)
	if err != nil {
		return nil, err
	}

	// Resolve paths for each subvolume using ROOT_BACKREF entries
	pathMap, err := getSubvolumePaths(f)
	if err != nil {
		// Paths are optional, continue without them
		return subvolumes, nil
	}

	for i := range subvolumes {
		if path, ok := pathMap[subvolumes[i].ID]; ok {
			subvolumes[i].Path = path
		}
	}

	return subvolumes, nil
}

// getSubvolumePaths builds a map of subvolume ID to path using ROOT_BACKREF entries
func getSubvolumePaths(f *os.File) (map[uint64]string, error) {
	// Search for ROOT_BACKREF entries which contain the name and parent info
	results, err := treeSearch(f, RootTreeObjectID, FirstFreeObjectID, ^uint64(0), RootBackrefKey, RootBackrefKey, 0, ^uint64(0))
	if err != nil {
		return nil, fmt.Errorf("tree search for backrefs: %w", err)
	}

	// Build parent->name mapping
	type backref struct {
		parentID uint64
		name     string
	}
	backrefs := make(map[uint64]backref)

	for _, r := range results {
		if r.Header.Type != RootBackrefKey || len(r.Data) < 18 {
			continue
		}

		// ROOT_BACKREF structure:
		// dirid (8 bytes) - directory inode in parent subvolume
		// sequence (8 bytes)
		// name_len (2 bytes)
		// name (variable)
		nameLen := binary.LittleEndian.Uint16(r.Data[16:18])
		if len(r.Data) < 18+int(nameLen) {
			continue
		}
		name := string(r.Data[18 : 18+nameLen])

		backrefs[r.Header.ObjectID] = backref{
			parentID: r.Header.Offset,
			name:     name,
		}
	}

	// Build full paths by walking up the tree
	pathMap := make(map[uint64]string)
	pathMap[5] = "/" // Top-level subvolume

	// Helper to resolve full path
	var resolvePath func(id uint64, visited map[uint64]bool) string
	resolvePath = func(id uint64, visited map[uint64]bool) string {
		if id == 5 {
			return ""
		}
		if path, ok := pathMap[id]; ok {
			return path
		}
		if visited[id] {
			return "" // Cycle detection
		}
		visited[id] = true

		br, ok := backrefs[id]
		if !ok {
			return ""
		}

		parentPath := resolvePath(br.parentID, visited)
		if parentPath == "" {
			return br.name
		}
		return parentPath + "/" + br.name
	}

	for id := range backrefs {
		visited := make(map[uint64]bool)
		pathMap[id] = resolvePath(id, visited)
	}

	return pathMap, nil
}

func listSubvolumesFromFile(f *os.File) ([]SubvolumeIoctl, error) {
	// Search the root tree for ROOT_ITEM entries. User subvolumes start at
	// object ID 256; the FS_TREE root (ID 5) is not a migration candidate.
	results, err := treeSearch(f, RootTreeObjectID, FirstFreeObjectID, ^uint64(0), RootItemKey, RootItemKey, 0, ^uint64(0))
	if err != nil {
		return nil, fmt.Errorf("tree search: %w", err)
	}

	var subvolumes []SubvolumeIoctl
	for _, r := range results {
		if r.Header.Type != RootItemKey {
			continue
		}

		subvol, err := parseRootItem(r.Header.ObjectID, r.Header.Offset, r.Data)
		if err != nil {
			continue // Skip malformed entries
		}

		subvolumes = append(subvolumes, *subvol)
	}

	return subvolumes, nil
}

// parseRootItem parses a ROOT_ITEM from the raw data
// Structure offsets based on btrfs on-disk format:
// 0-159: inode_item (160 bytes)
// 160: generation (8)
// 168: root_dirid (8)
// 176: bytenr (8)
// 184: byte_limit (8)
// 192: bytes_used (8)
// 200: last_snapshot (8)
// 208: flags (8)
// 216: refs (4)
// 220: drop_progress (17)
// 237: drop_level (1)
// 238: level (1)
// 239: generation_v2 (8) - only in newer format
// 247: uuid (16)
// 263: parent_uuid (16)
// 279: received_uuid (16)
// 295: ctransid (8)
// 303: otransid (8)
// 311: stransid (8)
// 319: rtransid (8)
// 327: ctime (12)
// 339: otime (12)
// 351: stime (12)
// 363: rtime (12)
func parseRootItem(objectID, offset uint64, data []byte) (*SubvolumeIoctl, error) {
	// Minimum size check - old format was smaller
	if len(data) < 239 {
		return nil, fmt.Errorf("root item too small: %d bytes", len(data))
	}

	subvol := &SubvolumeIoctl{
		ID:         objectID,
		ParentID:   offset,
		Generation: binary.LittleEndian.Uint64(data[160:168]),
		Flags:      binary.LittleEndian.Uint64(data[208:216]),
	}

	// Check if we have the extended format with UUIDs and times
	if len(data) >= 375 {
		copy(subvol.UUID[:], data[247:263])
		copy(subvol.ParentUUID[:], data[263:279])
		copy(subvol.ReceivedUUID[:], data[279:295])

		subvol.CTime = parseTimespec(data[327:339])
		subvol.OTime = parseTimespec(data[339:351])
	}

	return subvol, nil
}

// parseTimespec parses a btrfs_timespec (12 bytes: 8 byte seconds + 4 byte nsec)
func parseTimespec(data []byte) time.Time {
	if len(data) < 12 {
		return time.Time{}
	}
	sec := int64(binary.LittleEndian.Uint64(data[0:8]))
	nsec := int64(binary.LittleEndian.Uint32(data[8:12]))

	// Check for zero/invalid times
	if sec <= 0 {
		return time.Time{}
	}

	return time.Unix(sec, nsec)
}

// treeSearch performs a tree search ioctl
func treeSearch(f *os.File, treeID uint64, minObjID, maxObjID uint64, minType, maxType uint32, minOffset, maxOffset uint64) ([]SearchResult, error) {
	var results []SearchResult

	args := btrfsIoctlSearchArgs{
		Key: btrfsIoctlSearchKey{
			TreeID:      treeID,
			MinObjectID: minObjID,
			MaxObjectID: maxObjID,
			MinOffset:   minOffset,
			MaxOffset:   maxOffset,
			MinTransID:  0,
			MaxTransID:  ^uint64(0),
			MinType:     minType,
			MaxType:     maxType,
			NrItems:     4096,
		},
	}

	for {
		err := ioctl.Do(f, ioctlTreeSearch, &args)
		if err != nil {
			return nil, fmt.Errorf("tree search ioctl: %w", err)
		}

		if args.Key.NrItems == 0 {
			break
		}

		// Parse results from buffer
		offset := 0
		var lastHdr btrfsSearchHeader
		gotItems := false
		for i := uint32(0); i < args.Key.NrItems; i++ {
			if offset+int(unsafe.Sizeof(btrfsSearchHeader{})) > len(args.Buf) {
				break
			}

			// Read header
			hdr := btrfsSearchHeader{
				TransID:  binary.LittleEndian.Uint64(args.Buf[offset:]),
				ObjectID: binary.LittleEndian.Uint64(args.Buf[offset+8:]),
				Offset:   binary.LittleEndian.Uint64(args.Buf[offset+16:]),
				Type:     binary.LittleEndian.Uint32(args.Buf[offset+24:]),
				Len:      binary.LittleEndian.Uint32(args.Buf[offset+28:]),
			}
			offset += 32 // sizeof header

			// Read item data
			if offset+int(hdr.Len) > len(args.Buf) {
				break
			}

			// Only copy data for matching types
			if hdr.Type >= minType && hdr.Type <= maxType {
				data := make([]byte, hdr.Len)
				copy(data, args.Buf[offset:offset+int(hdr.Len)])
				results = append(results, SearchResult{
					Header: hdr,
					Data:   data,
				})
			}
			offset += int(hdr.Len)

			lastHdr = hdr
			gotItems = true
		}

		if !gotItems {
			break
		}

		// Update search key for next iteration
		if lastHdr.Offset == ^uint64(0) {
			if lastHdr.Type == maxType {
				if lastHdr.ObjectID == maxObjID {
					break
				}
				args.Key.MinObjectID = lastHdr.ObjectID + 1
				args.Key.MinType = minType
			} else {
				args.Key.MinType = lastHdr.Type + 1
			}
			args.Key.MinOffset = 0
		} else {
			args.Key.MinObjectID = lastHdr.ObjectID
			args.Key.MinType = lastHdr.Type
			args.Key.MinOffset = lastHdr.Offset + 1
		}
		args.Key.NrItems = 4096
	}

	return results, nil
}
