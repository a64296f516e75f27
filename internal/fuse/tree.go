package fuse

import (
	"context"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/objectfs/mapperfs/internal/device"
	"github.com/objectfs/mapperfs/pkg/attr"
	"github.com/objectfs/mapperfs/pkg/errors"
	"github.com/objectfs/mapperfs/pkg/utils"
)

// AttrDir is the per-device directory holding the attribute files, as in
// /sys/block/dm-0/dm.
const AttrDir = "dm"

// attrFileSize is the size reported for every attribute file. Content is
// generated on read, so like sysfs a page size is reported.
const attrFileSize = 4096

// DeviceLister enumerates published devices.
type DeviceLister interface {
	Handles() []string
}

// NodeKind classifies a path in the tree.
type NodeKind int

const (
	KindRoot NodeKind = iota
	KindDevice
	KindAttrDir
	KindAttr
)

// Node is a resolved path.
type Node struct {
	Kind   NodeKind
	Handle string
	Attr   string
	Mode   uint32 // permission bits of an attribute
}

// FilesystemStats represents filesystem operation statistics
type FilesystemStats struct {
	Lookups      int64 `json:"lookups"`
	Reads        int64 `json:"reads"`
	Writes       int64 `json:"writes"`
	BytesRead    int64 `json:"bytes_read"`
	BytesWritten int64 `json:"bytes_written"`
	Errors       int64 `json:"errors"`
}

// Tree is the transport-independent view of the attribute filesystem:
//
//	/<handle>/dm/<attribute>
//
// Both FUSE frontends translate their callbacks into Tree calls.
type Tree struct {
	devices    DeviceLister
	dispatcher *attr.Dispatcher[string, *device.Device]
	logger     *utils.StructuredLogger
	started    time.Time

	lookups      atomic.Int64
	reads        atomic.Int64
	writes       atomic.Int64
	bytesRead    atomic.Int64
	bytesWritten atomic.Int64
	errors       atomic.Int64
}

// NewTree builds a tree over the given devices and dispatcher.
func NewTree(devices DeviceLister, dispatcher *attr.Dispatcher[string, *device.Device], logger *utils.StructuredLogger) *Tree {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Tree{
		devices:    devices,
		dispatcher: dispatcher,
		logger:     logger.WithComponent("fuse"),
		started:    time.Now(),
	}
}

// Devices lists device directory names.
func (t *Tree) Devices() []string {
	return t.devices.Handles()
}

// HasDevice reports whether handle is currently published.
func (t *Tree) HasDevice(handle string) bool {
	for _, h := range t.devices.Handles() {
		if h == handle {
			return true
		}
	}
	return false
}

// Attributes lists the attribute files in table order.
func (t *Tree) Attributes() []attr.Descriptor[*device.Device] {
	return t.dispatcher.Table().Descriptors()
}

// AttrMode returns the permission bits of the named attribute.
func (t *Tree) AttrMode(name string) (uint32, bool) {
	d, ok := t.dispatcher.Table().Lookup(name)
	if !ok {
		return 0, false
	}
	return d.Mode(), true
}

// Started returns the time used for every node's timestamps.
func (t *Tree) Started() time.Time { return t.started }

// Resolve maps a slash-separated path to a node.
func (t *Tree) Resolve(path string) (Node, syscall.Errno) {
	t.lookups.Add(1)

	path = strings.Trim(path, "/")
	if path == "" {
		return Node{Kind: KindRoot}, 0
	}
	parts := strings.Split(path, "/")
	if !t.HasDevice(parts[0]) {
		return Node{}, syscall.ENOENT
	}
	n := Node{Kind: KindDevice, Handle: parts[0]}
	if len(parts) == 1 {
		return n, 0
	}
	if parts[1] != AttrDir {
		return Node{}, syscall.ENOENT
	}
	n.Kind = KindAttrDir
	if len(parts) == 2 {
		return n, 0
	}
	if len(parts) > 3 {
		return Node{}, syscall.ENOENT
	}
	mode, ok := t.AttrMode(parts[2])
	if !ok {
		return Node{}, syscall.ENOENT
	}
	n.Kind = KindAttr
	n.Attr = parts[2]
	n.Mode = mode
	return n, 0
}

// Read runs the attribute's show callback and returns its full content.
func (t *Tree) Read(ctx context.Context, handle, name string) ([]byte, syscall.Errno) {
	t.reads.Add(1)
	out, err := t.dispatcher.Read(ctx, handle, name)
	if err != nil {
		return nil, t.fail("read", handle, name, err)
	}
	t.bytesRead.Add(int64(len(out)))
	return []byte(out), 0
}

// Write runs the attribute's store callback and returns the consumed length.
func (t *Tree) Write(ctx context.Context, handle, name string, data []byte) (uint32, syscall.Errno) {
	t.writes.Add(1)
	n, err := t.dispatcher.Write(ctx, handle, name, data)
	if err != nil {
		return 0, t.fail("write", handle, name, err)
	}
	t.bytesWritten.Add(int64(n))
	return safeIntToUint32(n), 0
}

func (t *Tree) fail(op, handle, name string, err error) syscall.Errno {
	t.errors.Add(1)
	errno := errors.Errno(err)
	t.logger.Debug("attribute "+op+" failed", map[string]interface{}{
		"handle":    handle,
		"attribute": name,
		"errno":     errno.Error(),
		"error":     err,
	})
	return errno
}

// GetStats returns current filesystem statistics
func (t *Tree) GetStats() *FilesystemStats {
	return &FilesystemStats{
		Lookups:      t.lookups.Load(),
		Reads:        t.reads.Load(),
		Writes:       t.writes.Load(),
		BytesRead:    t.bytesRead.Load(),
		BytesWritten: t.bytesWritten.Load(),
		Errors:       t.errors.Load(),
	}
}

// sliceAt returns the part of content a read of size bytes at off sees.
func sliceAt(content []byte, off int64, size int) []byte {
	if off < 0 || off >= int64(len(content)) {
		return nil
	}
	end := off + int64(size)
	if end > int64(len(content)) {
		end = int64(len(content))
	}
	return content[off:end]
}

// safeIntToUint32 safely converts int to uint32, preventing overflow
func safeIntToUint32(i int) uint32 {
	if i < 0 {
		return 0
	}
	if uint64(i) > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(i)
}
