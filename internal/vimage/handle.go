package vimage

import (
	"golang.org/x/xerrors"
)

// FileType is the discriminant returned by Stat (spec.md §4.4 "path_stat").
type FileType uint16

const (
	TypeFile FileType = iota + 1
	TypeDirectory
	TypeSymlink
)

// Stat is the result of path_stat / directory enumeration: enough to
// render `ls -l`-style output without opening the entry.
type Stat struct {
	Type        FileType
	Size        uint64 // valid for TypeFile only
	Permissions uint32
}

// DirHandle is an open directory: a thin, stateless wrapper around a
// *directory that exposes the per-entry operations of spec.md §4.5.
type DirHandle struct {
	img *Image
	dir *directory
}

// Entries returns the directory's children in on-disk order (spec.md
// §4.5 "directory_read_entries": "no sort is performed; callers that want
// a particular order must sort client-side").
func (h *DirHandle) Entries() ([]string, error) {
	if err := h.dir.load(); err != nil {
		return nil, err
	}
	names := make([]string, len(h.dir.children))
	for i, c := range h.dir.children {
		names[i] = c.name
	}
	return names, nil
}

func (h *DirHandle) lookup(op, name string) (*child, error) {
	if err := validateName(op, name); err != nil {
		return nil, err
	}
	c, err := h.dir.findChild(name)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, errf(NoSuchEntry, op, name, nil)
	}
	return c, nil
}

// OpenFile opens the File-kind child named name directly under h,
// without any path walking (spec.md §4.5).
func (h *DirHandle) OpenFile(name string) (*FileHandle, error) {
	c, err := h.lookup("directory_open_file", name)
	if err != nil {
		return nil, err
	}
	if c.kind != descFile {
		return nil, errf(InvalidArgument, "directory_open_file", name, xerrors.New("not a file"))
	}
	return newReadFileHandle(h.img, c), nil
}

// OpenDirectory opens the Directory-kind child named name directly under
// h, without any path walking.
func (h *DirHandle) OpenDirectory(name string) (*DirHandle, error) {
	c, err := h.lookup("directory_open_directory", name)
	if err != nil {
		return nil, err
	}
	if c.kind != descDir {
		return nil, errf(InvalidArgument, "directory_open_directory", name, xerrors.New("not a directory"))
	}
	sub, err := h.dir.openSubdir(c)
	if err != nil {
		return nil, err
	}
	return &DirHandle{img: h.img, dir: sub}, nil
}

// ReadSymlink returns the raw, unresolved target of the Symlink-kind
// child named name directly under h.
func (h *DirHandle) ReadSymlink(name string) (string, error) {
	c, err := h.lookup("directory_read_symlink", name)
	if err != nil {
		return "", err
	}
	if c.kind != descSymlink {
		return "", errf(InvalidArgument, "directory_read_symlink", name, xerrors.New("not a symlink"))
	}
	return c.target, nil
}

// Stat returns the metadata of the child named name directly under h,
// without resolving symlinks.
func (h *DirHandle) Stat(name string) (Stat, error) {
	c, err := h.lookup("directory_stat", name)
	if err != nil {
		return Stat{}, err
	}
	return statChild(c), nil
}

func statChild(c *child) Stat {
	switch c.kind {
	case descFile:
		return Stat{Type: TypeFile, Size: uint64(c.fileLength), Permissions: c.perm}
	case descDir:
		return Stat{Type: TypeDirectory, Permissions: c.perm}
	case descSymlink:
		return Stat{Type: TypeSymlink, Permissions: 0777}
	default:
		return Stat{}
	}
}

// CreateFile starts a new File entry under h, returning a handle that
// accepts sequential Write calls. h's image must be writable.
func (h *DirHandle) CreateFile(name string, perm uint32) (*FileHandle, error) {
	if !h.img.writable {
		return nil, errf(PermissionDenied, "directory_create_file", name, nil)
	}
	if err := validateName("directory_create_file", name); err != nil {
		return nil, err
	}
	if existing, _ := h.dir.findChild(name); existing != nil {
		return nil, errf(AlreadyExists, "directory_create_file", name, nil)
	}
	blockIndex, blockOffset := h.img.dataStream.currentPosition()
	c := &child{
		kind:            descFile,
		name:            name,
		perm:            perm,
		dataBlockIndex:  blockIndex,
		dataBlockOffset: blockOffset,
	}
	h.dir.children = append(h.dir.children, c)
	h.img.overview.Files++
	return newWriteFileHandle(h.img, c), nil
}

// CreateDirectory creates a new, empty Directory entry under h.
func (h *DirHandle) CreateDirectory(name string, perm uint32) (*DirHandle, error) {
	if !h.img.writable {
		return nil, errf(PermissionDenied, "directory_create_directory", name, nil)
	}
	if err := validateName("directory_create_directory", name); err != nil {
		return nil, err
	}
	if existing, _ := h.dir.findChild(name); existing != nil {
		return nil, errf(AlreadyExists, "directory_create_directory", name, nil)
	}
	sub := newWriteDirectory(h.img, h.dir, name, perm)
	c := &child{kind: descDir, name: name, perm: perm, subdir: sub}
	h.dir.children = append(h.dir.children, c)
	h.img.overview.Directories++
	return &DirHandle{img: h.img, dir: sub}, nil
}

// CreateSymlink creates a new Symlink entry under h with the given raw
// target string (not validated against the tree; spec.md §4.6 "a symlink
// may name a target that does not exist").
func (h *DirHandle) CreateSymlink(name, target string) error {
	if !h.img.writable {
		return errf(PermissionDenied, "directory_create_symlink", name, nil)
	}
	if err := validateName("directory_create_symlink", name); err != nil {
		return err
	}
	if err := validateTarget("directory_create_symlink", target); err != nil {
		return err
	}
	if existing, _ := h.dir.findChild(name); existing != nil {
		return errf(AlreadyExists, "directory_create_symlink", name, nil)
	}
	h.dir.children = append(h.dir.children, &child{kind: descSymlink, name: name, target: target})
	h.img.overview.Symlinks++
	return nil
}

// FileHandle is an open file, positioned either for writing (append-only,
// produced by CreateFile) or reading (produced by OpenFile).
type FileHandle struct {
	img      *Image
	c        *child
	writable bool

	// read-side logical cursor, maintained independently of the
	// underlying blockStream's own cursor so that multiple FileHandles
	// can interleave reads against one shared data stream (each Read
	// call re-seeks before reading).
	pos uint64
}

func newWriteFileHandle(img *Image, c *child) *FileHandle {
	return &FileHandle{img: img, c: c, writable: true}
}

func newReadFileHandle(img *Image, c *child) *FileHandle {
	return &FileHandle{img: img, c: c}
}

// Write appends p to the file. Writes must be sequential and the handle
// must not have been used for reading (spec.md §4.5 "file_write":
// "append-only; the file's length is the total of all bytes written").
func (h *FileHandle) Write(p []byte) (int, error) {
	if !h.writable {
		return 0, errf(PermissionDenied, "file_write", h.c.name, nil)
	}
	stream := h.img.dataStream
	if !stream.dev.TryLock() {
		return 0, errf(WouldBlock, "file_write", h.c.name, nil)
	}
	defer stream.dev.Unlock()
	if h.c.fileLength == 0 {
		// The file's data starts wherever the stream is at its first write.
		h.c.dataBlockIndex, h.c.dataBlockOffset = stream.currentPosition()
	}
	n, err := stream.append(p)
	h.c.fileLength += uint32(n)
	h.img.overview.TotalUncompressedBytes += uint64(n)
	return n, err
}

// Read fills p starting at the handle's current logical position,
// advancing it by the number of bytes read.
func (h *FileHandle) Read(p []byte) (int, error) {
	if h.writable {
		return 0, errf(PermissionDenied, "file_read", h.c.name, nil)
	}
	if h.pos >= uint64(h.c.fileLength) {
		return 0, errf(EndOfStream, "file_read", h.c.name, nil)
	}
	remaining := uint64(h.c.fileLength) - h.pos
	if uint64(len(p)) > remaining {
		p = p[:remaining]
	}
	stream := h.img.dataStream
	if !stream.dev.TryLock() {
		return 0, errf(WouldBlock, "file_read", h.c.name, nil)
	}
	defer stream.dev.Unlock()

	absolute := uint64(h.c.dataBlockIndex)*uint64(stream.blockSize) + uint64(h.c.dataBlockOffset) + h.pos
	blockIndex := uint32(absolute / uint64(stream.blockSize))
	blockOffset := uint32(absolute % uint64(stream.blockSize))
	if err := stream.seek(blockIndex, blockOffset); err != nil {
		return 0, err
	}

	total, err := stream.read(p)
	if err != nil && !(KindOf(err) == EndOfStream && total > 0) {
		return total, err
	}
	h.pos += uint64(total)
	return total, nil
}

// Seek repositions the handle's logical read cursor. Valid only in read
// mode (spec.md §4.5 "seek is valid only in read mode").
func (h *FileHandle) Seek(offset uint64) error {
	if h.writable {
		return errf(PermissionDenied, "file_seek", h.c.name, nil)
	}
	if offset > uint64(h.c.fileLength) {
		return errf(InvalidArgument, "file_seek", h.c.name, nil)
	}
	h.pos = offset
	return nil
}

// Size returns the file's total length in bytes.
func (h *FileHandle) Size() uint64 { return uint64(h.c.fileLength) }

// Stat returns the handle's own metadata.
func (h *FileHandle) Stat() Stat { return statChild(h.c) }
