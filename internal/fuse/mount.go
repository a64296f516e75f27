package fuse

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/objectfs/mapperfs/pkg/errors"
	"github.com/objectfs/mapperfs/pkg/utils"
)

// MountManager manages go-fuse mount operations
type MountManager struct {
	filesystem *FileSystem
	config     *MountConfig
	logger     *utils.StructuredLogger

	mu      sync.Mutex
	server  *fuse.Server
	mounted bool
}

// NewMountManager creates a new mount manager
func NewMountManager(filesystem *FileSystem, config *MountConfig, logger *utils.StructuredLogger) *MountManager {
	if config == nil {
		config = filesystem.config
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &MountManager{
		filesystem: filesystem,
		config:     config,
		logger:     logger.WithComponent("mount"),
	}
}

// Mount mounts the filesystem at the configured mount point and serves it in
// the background.
func (m *MountManager) Mount(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mounted {
		return mountError("filesystem is already mounted", nil, m.config.MountPoint)
	}
	if err := validateMountPoint(m.config.MountPoint, m.logger); err != nil {
		return mountError("invalid mount point", err, m.config.MountPoint)
	}

	server, err := fs.Mount(m.config.MountPoint, m.filesystem.Root(), m.buildFUSEOptions())
	if err != nil {
		return mountError("failed to mount filesystem", err, m.config.MountPoint)
	}
	m.server = server
	m.mounted = true

	m.logger.Info("filesystem mounted", map[string]interface{}{
		"mountpoint": m.config.MountPoint,
		"backend":    BackendGoFuse,
	})

	go func() {
		server.Wait()
		m.mu.Lock()
		if m.server == server {
			m.mounted = false
		}
		m.mu.Unlock()
		m.logger.Info("fuse server stopped", nil)
	}()

	return nil
}

// Unmount unmounts the filesystem
func (m *MountManager) Unmount() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.mounted || m.server == nil {
		return errors.NewError(errors.ErrCodeUnmountFailed, "filesystem is not mounted").
			WithComponent("fuse").
			WithContext("mountpoint", m.config.MountPoint)
	}

	if err := m.server.Unmount(); err != nil {
		m.logger.Warn("normal unmount failed, trying lazy unmount", map[string]interface{}{"error": err})
		if forceErr := forceUnmount(m.config.MountPoint); forceErr != nil {
			return errors.Wrap(errors.ErrCodeUnmountFailed, "unmount failed", err).
				WithComponent("fuse").
				WithContext("mountpoint", m.config.MountPoint).
				WithDetail("force_error", forceErr.Error())
		}
	}

	m.mounted = false
	m.server = nil
	m.logger.Info("filesystem unmounted", map[string]interface{}{"mountpoint": m.config.MountPoint})
	return nil
}

// IsMounted returns whether the filesystem is mounted
func (m *MountManager) IsMounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted
}

// GetMountPoint returns the current mount point
func (m *MountManager) GetMountPoint() string {
	return m.config.MountPoint
}

// Wait blocks until the server stops.
func (m *MountManager) Wait() {
	m.mu.Lock()
	server := m.server
	m.mu.Unlock()
	if server != nil {
		server.Wait()
	}
}

// GetStats returns filesystem statistics
func (m *MountManager) GetStats() *FilesystemStats {
	return m.filesystem.GetStats()
}

func (m *MountManager) buildFUSEOptions() *fs.Options {
	attrTimeout := m.config.AttrTimeout
	entryTimeout := m.config.EntryTimeout
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:       m.config.FSName,
			FsName:     m.config.FSName,
			Debug:      m.config.Debug,
			AllowOther: m.config.AllowOther,
		},
		AttrTimeout:  &attrTimeout,
		EntryTimeout: &entryTimeout,
		UID:          m.config.UID,
		GID:          m.config.GID,
	}
	if m.config.FSName != "" {
		opts.Options = append(opts.Options, fmt.Sprintf("subtype=%s", m.config.FSName))
	}
	return opts
}

func validateMountPoint(mountPoint string, logger *utils.StructuredLogger) error {
	if mountPoint == "" {
		return fmt.Errorf("mount point cannot be empty")
	}

	info, err := os.Stat(mountPoint)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("mount point does not exist: %s", mountPoint)
		}
		return fmt.Errorf("cannot access mount point: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount point is not a directory: %s", mountPoint)
	}

	entries, err := os.ReadDir(mountPoint)
	if err != nil {
		return fmt.Errorf("cannot read mount point directory: %w", err)
	}
	if len(entries) > 0 {
		logger.Warn("mount point is not empty", map[string]interface{}{"mountpoint": mountPoint})
	}

	if isAlreadyMounted(mountPoint) {
		return fmt.Errorf("mount point %s is already mounted", mountPoint)
	}
	return nil
}

// isAlreadyMounted looks for mountPoint in /proc/mounts. Where that file is
// unavailable the mount point is assumed free.
func isAlreadyMounted(mountPoint string) bool {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return false
	}
	clean := filepath.Clean(mountPoint)
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == clean {
			return true
		}
	}
	return false
}

func forceUnmount(mountPoint string) error {
	// MNT_DETACH
	return syscall.Unmount(mountPoint, 2)
}

func mountError(msg string, err error, mountPoint string) error {
	e := errors.NewError(errors.ErrCodeMountFailed, msg).
		WithComponent("fuse").
		WithContext("mountpoint", mountPoint)
	if err != nil {
		e = e.WithCause(err)
	}
	return e
}
