// Package vfuse exposes a read-only FUSE view of an open VaFs image,
// grounded in the teacher's internal/fuse package (which wraps
// github.com/jacobsa/fuse around internal/squashfs): the same inode
// table / lazy-lookup shape, with each FUSE inode ID mapped to a node
// that records its parent inode, its name, and its VaFs Stat.
package vfuse

import (
	"context"
	"log"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/vafs-project/vafs/internal/vimage"
)

// never marks FUSE cache entries as eternally valid: a VaFs image is
// immutable for the lifetime of the mount, so the kernel can cache
// everything indefinitely (mirrors the teacher's "never" rationale for
// its own immutable package store).
var never = time.Now().Add(365 * 24 * time.Hour)

type node struct {
	id     fuseops.InodeID
	parent fuseops.InodeID
	name   string
	stat   vimage.Stat

	dir    *vimage.DirHandle // populated for TypeDirectory
	target string            // populated for TypeSymlink, lazily
}

type fuseFS struct {
	fuseutil.NotImplementedFileSystem

	image *vimage.Image

	mu      sync.Mutex
	nodes   map[fuseops.InodeID]*node
	nextID  fuseops.InodeID
	byChild map[fuseops.InodeID]map[string]fuseops.InodeID
}

func newFuseFS(image *vimage.Image) *fuseFS {
	root := &node{id: fuseops.RootInodeID, stat: vimage.Stat{Type: vimage.TypeDirectory, Permissions: 0755}, dir: image.Root()}
	return &fuseFS{
		image:   image,
		nodes:   map[fuseops.InodeID]*node{fuseops.RootInodeID: root},
		nextID:  fuseops.RootInodeID + 1,
		byChild: make(map[fuseops.InodeID]map[string]fuseops.InodeID),
	}
}

// Mount mounts image read-only at mountpoint, returning a join function
// that blocks until the filesystem is unmounted.
func Mount(ctx context.Context, image *vimage.Image, mountpoint string) (join func(context.Context) error, err error) {
	fs := newFuseFS(image)
	server := fuseutil.NewFileSystemServer(fs)
	cfg := &fuse.MountConfig{
		ReadOnly:    true,
		ErrorLogger: log.New(os.Stderr, "vfuse: ", 0),
	}
	mfs, err := fuse.Mount(mountpoint, server, cfg)
	if err != nil {
		return nil, err
	}
	return mfs.Join, nil
}

func attrsOf(stat vimage.Stat) fuseops.InodeAttributes {
	mode := os.FileMode(stat.Permissions)
	switch stat.Type {
	case vimage.TypeDirectory:
		mode |= os.ModeDir
	case vimage.TypeSymlink:
		mode |= os.ModeSymlink
	}
	now := time.Now()
	return fuseops.InodeAttributes{
		Size:  stat.Size,
		Nlink: 1,
		Mode:  mode,
		Atime: now,
		Mtime: now,
		Ctime: now,
	}
}

func (fs *fuseFS) allocateChild(parent fuseops.InodeID, name string, stat vimage.Stat) fuseops.InodeID {
	if children, ok := fs.byChild[parent]; ok {
		if id, ok := children[name]; ok {
			return id
		}
	}
	id := fs.nextID
	fs.nextID++
	fs.nodes[id] = &node{id: id, parent: parent, name: name, stat: stat}
	if fs.byChild[parent] == nil {
		fs.byChild[parent] = make(map[string]fuseops.InodeID)
	}
	fs.byChild[parent][name] = id
	return id
}

func (fs *fuseFS) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	op.BlockSize = 4096
	op.Blocks = 1
	op.IoSize = 65536
	return nil
}

func (fs *fuseFS) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent, ok := fs.nodes[op.Parent]
	if !ok || parent.dir == nil {
		return syscall.ENOTDIR
	}
	stat, err := parent.dir.Stat(op.Name)
	if vimage.KindOf(err) == vimage.NoSuchEntry {
		return syscall.ENOENT
	}
	if err != nil {
		return syscall.EIO
	}

	id := fs.allocateChild(op.Parent, op.Name, stat)
	op.Entry.Child = id
	op.Entry.Attributes = attrsOf(stat)
	op.Entry.AttributesExpiration = never
	op.Entry.EntryExpiration = never
	return nil
}

func (fs *fuseFS) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, ok := fs.nodes[op.Inode]
	if !ok {
		return syscall.ENOENT
	}
	op.Attributes = attrsOf(n.stat)
	op.AttributesExpiration = never
	return nil
}

func (fs *fuseFS) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, ok := fs.nodes[op.Inode]
	if !ok || n.stat.Type != vimage.TypeDirectory {
		return syscall.ENOTDIR
	}
	if n.dir == nil {
		dir, err := fs.reopenDir(n)
		if err != nil {
			return syscall.EIO
		}
		n.dir = dir
	}
	return nil
}

// reopenDir reconstructs n's *vimage.DirHandle by resolving it anew from
// its parent, needed because node entries below root are only allocated
// lazily by LookUpInode and don't carry a live DirHandle until opened.
func (fs *fuseFS) reopenDir(n *node) (*vimage.DirHandle, error) {
	if n.id == fuseops.RootInodeID {
		return fs.image.Root(), nil
	}
	parent, ok := fs.nodes[n.parent]
	if !ok || parent.dir == nil {
		return nil, syscall.EIO
	}
	return parent.dir.OpenDirectory(n.name)
}

func (fs *fuseFS) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	fs.mu.Lock()
	n, ok := fs.nodes[op.Inode]
	fs.mu.Unlock()
	if !ok || n.dir == nil {
		return syscall.ENOTDIR
	}
	names, err := n.dir.Entries()
	if err != nil {
		return syscall.EIO
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	var dirents []fuseutil.Dirent
	offset := fuseops.DirOffset(1)
	for _, name := range names {
		stat, err := n.dir.Stat(name)
		if err != nil {
			continue
		}
		id := fs.allocateChild(op.Inode, name, stat)
		dirents = append(dirents, fuseutil.Dirent{
			Offset: offset,
			Inode:  id,
			Name:   name,
			Type:   direntType(stat.Type),
		})
		offset++
	}

	if op.Offset > fuseops.DirOffset(len(dirents)) {
		return nil
	}
	var written int
	for _, de := range dirents[op.Offset:] {
		n := fuseutil.WriteDirent(op.Dst[written:], de)
		if n == 0 {
			break
		}
		written += n
	}
	op.BytesRead = written
	return nil
}

func direntType(t vimage.FileType) fuseutil.DirentType {
	switch t {
	case vimage.TypeDirectory:
		return fuseutil.DT_Directory
	case vimage.TypeSymlink:
		return fuseutil.DT_Link
	default:
		return fuseutil.DT_File
	}
}

func (fs *fuseFS) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, ok := fs.nodes[op.Inode]
	if !ok || n.stat.Type != vimage.TypeFile {
		return syscall.EISDIR
	}
	return nil
}

func (fs *fuseFS) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	fs.mu.Lock()
	n, ok := fs.nodes[op.Inode]
	fs.mu.Unlock()
	if !ok || n.stat.Type != vimage.TypeFile {
		return syscall.EISDIR
	}
	parent, ok := fs.nodes[n.parent]
	if !ok || parent.dir == nil {
		return syscall.EIO
	}
	fh, err := parent.dir.OpenFile(n.name)
	if err != nil {
		return syscall.EIO
	}
	if err := fh.Seek(uint64(op.Offset)); err != nil {
		return syscall.EIO
	}
	nread, err := fh.Read(op.Dst)
	op.BytesRead = nread
	if vimage.KindOf(err) == vimage.EndOfStream {
		return nil
	}
	return err
}

func (fs *fuseFS) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	fs.mu.Lock()
	n, ok := fs.nodes[op.Inode]
	fs.mu.Unlock()
	if !ok || n.stat.Type != vimage.TypeSymlink {
		return syscall.EINVAL
	}
	if n.target != "" {
		op.Target = n.target
		return nil
	}
	parent, ok := fs.nodes[n.parent]
	if !ok || parent.dir == nil {
		return syscall.EIO
	}
	target, err := parent.dir.ReadSymlink(n.name)
	if err != nil {
		return syscall.EIO
	}
	fs.mu.Lock()
	n.target = target
	fs.mu.Unlock()
	op.Target = target
	return nil
}
