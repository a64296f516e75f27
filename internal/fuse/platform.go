//go:build !cgofuse
// +build !cgofuse

package fuse

import (
	"context"

	"github.com/objectfs/mapperfs/pkg/errors"
	"github.com/objectfs/mapperfs/pkg/utils"
)

// PlatformFileSystem is a mountable frontend for a Tree.
type PlatformFileSystem interface {
	Mount(ctx context.Context) error
	Unmount() error
	IsMounted() bool
	GetStats() *FilesystemStats
}

// NewPlatformMountManager creates the mount manager for config.Backend.
// Builds without the cgofuse tag only support go-fuse.
func NewPlatformMountManager(tree *Tree, config *MountConfig, logger *utils.StructuredLogger) (PlatformFileSystem, error) {
	if config == nil {
		config = DefaultMountConfig()
	}
	switch config.Backend {
	case "", BackendGoFuse:
		return NewMountManager(NewFileSystem(tree, config), config, logger), nil
	default:
		return nil, errors.NewError(errors.ErrCodeMountFailed, "unsupported mount backend").
			WithComponent("fuse").
			WithContext("backend", config.Backend).
			WithDetail("hint", "rebuild with -tags cgofuse")
	}
}
