/*
Package fuse exposes device attributes as a sysfs-style filesystem.

Every published device appears as a directory holding one attribute
directory, and every attribute in the device table appears as a file:

	/<mountpoint>
	├── dm-0
	│   └── dm
	│       ├── name                 (0444)
	│       ├── uuid                 (0444)
	│       ├── suspended            (0444)
	│       ├── io_latency_us        (0444)
	│       ├── io_latency_ms        (0444)
	│       ├── io_latency_s         (0444)
	│       └── io_latency_reset     (0200)
	└── dm-1
	    └── dm
	        └── ...

Reading a file runs the attribute's show callback; writing runs its store
callback. Both go through the attribute dispatcher, so a device removed while a
file is open fails with EINVAL instead of touching freed state.

# Platform Support

The Tree type holds the path resolution and dispatch logic. Two frontends
translate kernel callbacks into Tree calls:

Default Build (go-fuse):
- Target: Linux
- Implementation: github.com/hanwen/go-fuse/v2
- Entry point: NewFileSystem + NewMountManager

CGO Build (cgofuse):
- Target: macOS, Windows
- Implementation: github.com/winfsp/cgofuse
- Entry point: NewCgoFuseFS

Build Selection:

	go build ./...                 // go-fuse
	go build -tags cgofuse ./...   // cgofuse

NewPlatformMountManager picks the frontend for the running build.

# Read Semantics

Attribute files report a size of 4096 and are opened with direct I/O. An open
file buffers the output of one show call; a read at offset zero refreshes the
buffer, later offsets are served from it. Every write call is dispatched
independently, matching sysfs store semantics.

# Error Mapping

Dispatcher errors are converted with errors.Errno:

	NotFound                  -> ENOENT
	InvalidHandle, bad input  -> EINVAL
	Unsupported, IO           -> EIO

# Usage Example

	tree := fuse.NewTree(registry, dispatcher, logger)
	mgr, err := fuse.NewPlatformMountManager(tree, &fuse.MountConfig{
		MountPoint: "/run/mapperfs",
		FSName:     "mapperfs",
	}, logger)
	if err != nil {
		return err
	}
	if err := mgr.Mount(ctx); err != nil {
		return err
	}
	defer mgr.Unmount()
*/
package fuse
