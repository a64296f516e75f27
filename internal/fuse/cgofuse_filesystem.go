//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"
	"sync"
	"syscall"
	"time"

	"github.com/winfsp/cgofuse/fuse"

	"github.com/objectfs/mapperfs/pkg/errors"
	"github.com/objectfs/mapperfs/pkg/utils"
)

// CgoFuseFS serves a Tree through cgofuse for macOS and Windows.
type CgoFuseFS struct {
	fuse.FileSystemBase

	tree   *Tree
	config *MountConfig
	logger *utils.StructuredLogger

	mu         sync.Mutex
	open       map[uint64]*openAttr
	nextHandle uint64
	host       *fuse.FileSystemHost
	mounted    bool
}

// openAttr buffers the content of an open attribute file.
type openAttr struct {
	handle  string
	name    string
	content []byte
	loaded  bool
}

// NewCgoFuseFS creates a new cgofuse-based filesystem
func NewCgoFuseFS(tree *Tree, config *MountConfig, logger *utils.StructuredLogger) *CgoFuseFS {
	if config == nil {
		config = DefaultMountConfig()
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &CgoFuseFS{
		tree:       tree,
		config:     config,
		logger:     logger.WithComponent("cgofuse"),
		open:       make(map[uint64]*openAttr),
		nextHandle: 1,
	}
}

// Mount mounts the filesystem
func (c *CgoFuseFS) Mount(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mounted {
		return mountError("filesystem already mounted", nil, c.config.MountPoint)
	}

	c.host = fuse.NewFileSystemHost(c)
	options := []string{"-o", "fsname=" + c.config.FSName}
	if c.config.AllowOther {
		options = append(options, "-o", "allow_other")
	}
	if c.config.Debug {
		options = append(options, "-d")
	}

	host := c.host
	go func() {
		if !host.Mount(c.config.MountPoint, options) {
			c.logger.Error("mount failed", map[string]interface{}{"mountpoint": c.config.MountPoint})
		}
		c.mu.Lock()
		c.mounted = false
		c.mu.Unlock()
	}()

	// host.Mount blocks while serving; give it a moment to establish
	time.Sleep(100 * time.Millisecond)

	c.mounted = true
	c.logger.Info("filesystem mounted", map[string]interface{}{
		"mountpoint": c.config.MountPoint,
		"backend":    BackendCgoFuse,
	})
	return nil
}

// Unmount unmounts the filesystem
func (c *CgoFuseFS) Unmount() error {
	c.mu.Lock()
	host := c.host
	mounted := c.mounted
	c.mu.Unlock()

	if !mounted || host == nil {
		return errors.NewError(errors.ErrCodeUnmountFailed, "filesystem not mounted").
			WithComponent("cgofuse").
			WithContext("mountpoint", c.config.MountPoint)
	}
	if !host.Unmount() {
		return errors.NewError(errors.ErrCodeUnmountFailed, "unmount failed").
			WithComponent("cgofuse").
			WithContext("mountpoint", c.config.MountPoint)
	}

	c.mu.Lock()
	c.mounted = false
	c.mu.Unlock()
	c.logger.Info("filesystem unmounted", map[string]interface{}{"mountpoint": c.config.MountPoint})
	return nil
}

// IsMounted returns whether the filesystem is mounted
func (c *CgoFuseFS) IsMounted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mounted
}

// GetStats returns filesystem statistics
func (c *CgoFuseFS) GetStats() *FilesystemStats {
	return c.tree.GetStats()
}

// Getattr gets file attributes
func (c *CgoFuseFS) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	node, errno := c.tree.Resolve(path)
	if errno != 0 {
		return -cgoErrno(errno)
	}
	if node.Kind == KindAttr {
		c.fillAttr(stat, node.Mode)
	} else {
		c.fillDir(stat)
	}
	return 0
}

// Open opens an attribute file
func (c *CgoFuseFS) Open(path string, flags int) (int, uint64) {
	node, errno := c.tree.Resolve(path)
	if errno != 0 {
		return -cgoErrno(errno), ^uint64(0)
	}
	if node.Kind != KindAttr {
		return -fuse.EISDIR, ^uint64(0)
	}

	c.mu.Lock()
	fh := c.nextHandle
	c.nextHandle++
	c.open[fh] = &openAttr{handle: node.Handle, name: node.Attr}
	c.mu.Unlock()
	return 0, fh
}

// Read reads from an attribute file
func (c *CgoFuseFS) Read(path string, buff []byte, ofst int64, fh uint64) int {
	f := c.lookup(path, fh)
	if f == nil {
		return -fuse.ENOENT
	}

	if !f.loaded || ofst == 0 {
		content, errno := c.tree.Read(context.Background(), f.handle, f.name)
		if errno != 0 {
			return -cgoErrno(errno)
		}
		c.mu.Lock()
		f.content = content
		f.loaded = true
		c.mu.Unlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return copy(buff, sliceAt(f.content, ofst, len(buff)))
}

// Write writes to an attribute file
func (c *CgoFuseFS) Write(path string, buff []byte, ofst int64, fh uint64) int {
	f := c.lookup(path, fh)
	if f == nil {
		return -fuse.ENOENT
	}
	n, errno := c.tree.Write(context.Background(), f.handle, f.name, buff)
	if errno != 0 {
		return -cgoErrno(errno)
	}
	return int(n)
}

// Truncate accepts the truncation that precedes a shell redirect.
func (c *CgoFuseFS) Truncate(path string, size int64, fh uint64) int {
	node, errno := c.tree.Resolve(path)
	if errno != 0 {
		return -cgoErrno(errno)
	}
	if node.Kind != KindAttr {
		return -fuse.EISDIR
	}
	return 0
}

// Release closes a file
func (c *CgoFuseFS) Release(path string, fh uint64) int {
	c.mu.Lock()
	delete(c.open, fh)
	c.mu.Unlock()
	return 0
}

// Readdir reads directory contents
func (c *CgoFuseFS) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	node, errno := c.tree.Resolve(path)
	if errno != 0 {
		return -cgoErrno(errno)
	}

	fill(".", nil, 0)
	fill("..", nil, 0)

	switch node.Kind {
	case KindRoot:
		for _, h := range c.tree.Devices() {
			stat := &fuse.Stat_t{}
			c.fillDir(stat)
			if !fill(h, stat, 0) {
				break
			}
		}
	case KindDevice:
		stat := &fuse.Stat_t{}
		c.fillDir(stat)
		fill(AttrDir, stat, 0)
	case KindAttrDir:
		for _, d := range c.tree.Attributes() {
			stat := &fuse.Stat_t{}
			c.fillAttr(stat, d.Mode())
			if !fill(d.Name, stat, 0) {
				break
			}
		}
	default:
		return -fuse.ENOTDIR
	}
	return 0
}

func (c *CgoFuseFS) lookup(path string, fh uint64) *openAttr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.open[fh]; ok {
		return f
	}
	// some hosts call Read without a prior Open
	node, errno := c.tree.Resolve(path)
	if errno != 0 || node.Kind != KindAttr {
		return nil
	}
	return &openAttr{handle: node.Handle, name: node.Attr}
}

func (c *CgoFuseFS) fillDir(stat *fuse.Stat_t) {
	stat.Mode = fuse.S_IFDIR | c.config.DirMode
	stat.Nlink = 2
	c.fillOwner(stat)
}

func (c *CgoFuseFS) fillAttr(stat *fuse.Stat_t, mode uint32) {
	stat.Mode = fuse.S_IFREG | mode
	stat.Nlink = 1
	stat.Size = attrFileSize
	c.fillOwner(stat)
}

func (c *CgoFuseFS) fillOwner(stat *fuse.Stat_t) {
	stat.Uid = c.config.UID
	stat.Gid = c.config.GID
	ts := fuse.NewTimespec(c.tree.Started())
	stat.Mtim = ts
	stat.Atim = ts
	stat.Ctim = ts
}

// cgoErrno converts a POSIX errno to the host platform's value.
func cgoErrno(e syscall.Errno) int {
	switch e {
	case syscall.ENOENT:
		return fuse.ENOENT
	case syscall.EINVAL:
		return fuse.EINVAL
	case syscall.EBUSY:
		return fuse.EBUSY
	case syscall.EAGAIN:
		return fuse.EAGAIN
	case syscall.EACCES:
		return fuse.EACCES
	default:
		return fuse.EIO
	}
}
