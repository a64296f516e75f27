package fuse

import (
	"context"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// safeInt64ToUint64 safely converts int64 to uint64, preventing negative values
func safeInt64ToUint64(i int64) uint64 {
	if i < 0 {
		return 0
	}
	return uint64(i)
}

// FileSystem serves a Tree through go-fuse.
type FileSystem struct {
	tree   *Tree
	config *MountConfig
}

// NewFileSystem creates a go-fuse filesystem over tree.
func NewFileSystem(tree *Tree, config *MountConfig) *FileSystem {
	if config == nil {
		config = DefaultMountConfig()
	}
	return &FileSystem{tree: tree, config: config}
}

// Root returns the root inode
func (fsys *FileSystem) Root() fs.InodeEmbedder {
	return &rootNode{fsys: fsys}
}

// GetStats returns current filesystem statistics
func (fsys *FileSystem) GetStats() *FilesystemStats {
	return fsys.tree.GetStats()
}

func (fsys *FileSystem) fillDir(out *fuse.Attr) {
	out.Mode = fuse.S_IFDIR | fsys.config.DirMode
	out.Nlink = 2
	fsys.fillOwner(out)
}

func (fsys *FileSystem) fillAttr(out *fuse.Attr, mode uint32) {
	out.Mode = fuse.S_IFREG | mode
	out.Nlink = 1
	out.Size = attrFileSize
	fsys.fillOwner(out)
}

func (fsys *FileSystem) fillOwner(out *fuse.Attr) {
	out.Uid = fsys.config.UID
	out.Gid = fsys.config.GID
	t := safeInt64ToUint64(fsys.tree.Started().Unix())
	out.Mtime = t
	out.Atime = t
	out.Ctime = t
}

// rootNode lists one directory per device.
type rootNode struct {
	fs.Inode
	fsys *FileSystem
}

var (
	_ fs.NodeLookuper  = (*rootNode)(nil)
	_ fs.NodeReaddirer = (*rootNode)(nil)
	_ fs.NodeGetattrer = (*rootNode)(nil)
)

// Lookup looks up a device directory
func (n *rootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	node, errno := n.fsys.tree.Resolve(name)
	if errno != 0 {
		return nil, errno
	}
	n.fsys.fillDir(&out.Attr)
	child := &deviceNode{fsys: n.fsys, handle: node.Handle}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFDIR}), 0
}

// Readdir lists devices
func (n *rootNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	handles := n.fsys.tree.Devices()
	entries := make([]fuse.DirEntry, 0, len(handles))
	for _, h := range handles {
		entries = append(entries, fuse.DirEntry{Name: h, Mode: fuse.S_IFDIR})
	}
	return fs.NewListDirStream(entries), 0
}

// Getattr reports the root directory
func (n *rootNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	n.fsys.fillDir(&out.Attr)
	return 0
}

// deviceNode is /<handle>; it holds the attribute directory.
type deviceNode struct {
	fs.Inode
	fsys   *FileSystem
	handle string
}

var (
	_ fs.NodeLookuper  = (*deviceNode)(nil)
	_ fs.NodeReaddirer = (*deviceNode)(nil)
	_ fs.NodeGetattrer = (*deviceNode)(nil)
)

func (n *deviceNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if _, errno := n.fsys.tree.Resolve(n.handle + "/" + name); errno != 0 {
		return nil, errno
	}
	n.fsys.fillDir(&out.Attr)
	child := &attrDirNode{fsys: n.fsys, handle: n.handle}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFDIR}), 0
}

func (n *deviceNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	if !n.fsys.tree.HasDevice(n.handle) {
		return nil, syscall.ENOENT
	}
	return fs.NewListDirStream([]fuse.DirEntry{{Name: AttrDir, Mode: fuse.S_IFDIR}}), 0
}

func (n *deviceNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	n.fsys.fillDir(&out.Attr)
	return 0
}

// attrDirNode is /<handle>/dm.
type attrDirNode struct {
	fs.Inode
	fsys   *FileSystem
	handle string
}

var (
	_ fs.NodeLookuper  = (*attrDirNode)(nil)
	_ fs.NodeReaddirer = (*attrDirNode)(nil)
	_ fs.NodeGetattrer = (*attrDirNode)(nil)
)

func (n *attrDirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	node, errno := n.fsys.tree.Resolve(n.handle + "/" + AttrDir + "/" + name)
	if errno != 0 {
		return nil, errno
	}
	n.fsys.fillAttr(&out.Attr, node.Mode)
	child := &attrNode{fsys: n.fsys, handle: n.handle, name: node.Attr, mode: node.Mode}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFREG}), 0
}

func (n *attrDirNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	descs := n.fsys.tree.Attributes()
	entries := make([]fuse.DirEntry, 0, len(descs))
	for _, d := range descs {
		entries = append(entries, fuse.DirEntry{Name: d.Name, Mode: fuse.S_IFREG})
	}
	return fs.NewListDirStream(entries), 0
}

func (n *attrDirNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	n.fsys.fillDir(&out.Attr)
	return 0
}

// attrNode is one attribute file.
type attrNode struct {
	fs.Inode
	fsys   *FileSystem
	handle string
	name   string
	mode   uint32
}

var (
	_ fs.NodeOpener    = (*attrNode)(nil)
	_ fs.NodeGetattrer = (*attrNode)(nil)
	_ fs.NodeSetattrer = (*attrNode)(nil)
)

// Open returns a handle that buffers the attribute content on first read.
func (n *attrNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return &attrHandle{tree: n.fsys.tree, handle: n.handle, name: n.name}, fuse.FOPEN_DIRECT_IO, 0
}

func (n *attrNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	n.fsys.fillAttr(&out.Attr, n.mode)
	return 0
}

// Setattr accepts the truncation that precedes a shell redirect.
func (n *attrNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	n.fsys.fillAttr(&out.Attr, n.mode)
	return 0
}

// attrHandle is an open attribute file. Content is produced by one show call
// and then served from the buffer so that reads at increasing offsets see a
// consistent snapshot.
type attrHandle struct {
	tree   *Tree
	handle string
	name   string

	mu      sync.Mutex
	content []byte
	loaded  bool
}

var (
	_ fs.FileReader = (*attrHandle)(nil)
	_ fs.FileWriter = (*attrHandle)(nil)
)

func (h *attrHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, errno := h.read(ctx, off, len(dest))
	if errno != 0 {
		return nil, errno
	}
	return fuse.ReadResultData(data), 0
}

func (h *attrHandle) read(ctx context.Context, off int64, size int) ([]byte, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// a read from the start refreshes the snapshot
	if !h.loaded || off == 0 {
		content, errno := h.tree.Read(ctx, h.handle, h.name)
		if errno != 0 {
			return nil, errno
		}
		h.content = content
		h.loaded = true
	}
	return sliceAt(h.content, off, size), 0
}

// Write hands each write to the attribute's store callback.
func (h *attrHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	return h.tree.Write(ctx, h.handle, h.name, data)
}

// MountConfig contains mount-specific configuration
type MountConfig struct {
	MountPoint   string        `yaml:"mount_point"`
	Backend      string        `yaml:"backend"`
	FSName       string        `yaml:"fsname"`
	AllowOther   bool          `yaml:"allow_other"`
	Debug        bool          `yaml:"debug"`
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
	UID          uint32        `yaml:"uid"`
	GID          uint32        `yaml:"gid"`
	DirMode      uint32        `yaml:"dir_mode"`
}

// Mount backends.
const (
	BackendGoFuse  = "gofuse"
	BackendCgoFuse = "cgofuse"
)

// DefaultMountConfig returns mount defaults owned by the current user.
func DefaultMountConfig() *MountConfig {
	return &MountConfig{
		Backend:      BackendGoFuse,
		FSName:       "mapperfs",
		AttrTimeout:  time.Second,
		EntryTimeout: time.Second,
		UID:          safeIntToUint32(syscall.Getuid()),
		GID:          safeIntToUint32(syscall.Getgid()),
		DirMode:      0755,
	}
}
