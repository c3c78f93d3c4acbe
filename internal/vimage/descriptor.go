package vimage

import (
	"bytes"
	"encoding/binary"
	"unicode/utf8"

	"golang.org/x/xerrors"
)

// child is a single entry in a directory's listing: a tagged union of
// File, Directory, or Symlink payloads (spec.md §9: "discriminated
// directory-entry union ... model as a sum type with three variants").
type child struct {
	kind uint16
	name string
	perm uint32

	// File
	fileLength      uint32
	dataBlockIndex  uint32
	dataBlockOffset uint32

	// Directory
	descBlockIndex  uint32
	descBlockOffset uint32
	subdir          *directory // write-side: eager. read-side: lazily attached on first open.

	// Symlink
	target string
}

// directory is an owning, non-intrusive vector of tagged children (spec.md
// §9: source's intrusive linked lists "replace with an owning vector of
// tagged children per directory, indexed by position"). The same type
// serves both the write-side in-memory tree (children accumulate directly
// as create_* calls happen) and the read-side lazily-loaded tree (loaded
// flips to true on first enumeration or lookup).
type directory struct {
	img    *Image
	parent *directory
	name   string
	perm   uint32

	children []*child
	loaded   bool // always true for a write-side (in-memory-only) directory

	// Position in the descriptor stream once flushed (write-side) or as
	// supplied by the parent record / header root_descriptor (read-side).
	descBlockIndex  uint32
	descBlockOffset uint32
}

func newWriteDirectory(img *Image, parent *directory, name string, perm uint32) *directory {
	return &directory{img: img, parent: parent, name: name, perm: perm, loaded: true}
}

// directoryFlush performs the post-order traversal of spec.md §4.3: every
// child directory is flushed first (so its descBlockIndex/Offset is
// known), then d's own listing is emitted as {count} followed by each
// child's length-prefixed record.
func directoryFlush(stream *blockStream, d *directory) (blockIndex uint32, blockOffset uint32, err error) {
	for _, c := range d.children {
		if c.kind == descDir {
			c.descBlockIndex, c.descBlockOffset, err = directoryFlush(stream, c.subdir)
			if err != nil {
				return 0, 0, err
			}
		}
	}

	blockIndex, blockOffset = stream.currentPosition()

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, dirCountPrefix{Count: uint32(len(d.children))})
	for _, c := range d.children {
		rec, err := encodeChildRecord(c)
		if err != nil {
			return 0, 0, err
		}
		buf.Write(rec)
	}
	if _, err := stream.append(buf.Bytes()); err != nil {
		return 0, 0, err
	}
	return blockIndex, blockOffset, nil
}

func encodeChildRecord(c *child) ([]byte, error) {
	var buf bytes.Buffer
	switch c.kind {
	case descFile:
		total := descRecordHeaderSize + descFileBodySize + len(c.name)
		if total > 1<<16-1 {
			return nil, errf(InvalidArgument, "descriptor_encode", c.name, xerrors.New("record too large"))
		}
		binary.Write(&buf, binary.LittleEndian, descRecordHeader{Type: descFile, Length: uint16(total)})
		binary.Write(&buf, binary.LittleEndian, descFileBody{
			DataBlockIndex:  c.dataBlockIndex,
			DataBlockOffset: c.dataBlockOffset,
			FileLength:      c.fileLength,
			Permissions:     c.perm,
		})
		buf.WriteString(c.name)

	case descDir:
		total := descRecordHeaderSize + descDirBodySize + len(c.name)
		if total > 1<<16-1 {
			return nil, errf(InvalidArgument, "descriptor_encode", c.name, xerrors.New("record too large"))
		}
		binary.Write(&buf, binary.LittleEndian, descRecordHeader{Type: descDir, Length: uint16(total)})
		binary.Write(&buf, binary.LittleEndian, descDirBody{
			DescBlockIndex:  c.descBlockIndex,
			DescBlockOffset: c.descBlockOffset,
			Permissions:     c.perm,
		})
		buf.WriteString(c.name)

	case descSymlink:
		total := descRecordHeaderSize + descSymlinkBodySize + len(c.name) + len(c.target)
		if total > 1<<16-1 {
			return nil, errf(InvalidArgument, "descriptor_encode", c.name, xerrors.New("record too large"))
		}
		binary.Write(&buf, binary.LittleEndian, descRecordHeader{Type: descSymlink, Length: uint16(total)})
		binary.Write(&buf, binary.LittleEndian, descSymlinkBody{
			NameLength:   uint16(len(c.name)),
			TargetLength: uint16(len(c.target)),
		})
		buf.WriteString(c.name)
		buf.WriteString(c.target)

	default:
		return nil, errf(InvalidArgument, "descriptor_encode", c.name, xerrors.New("unknown descriptor kind"))
	}
	return buf.Bytes(), nil
}

// load transitions d from Open to Loaded, reading its listing from the
// descriptor stream under the stream's lock (spec.md §4.3).
func (d *directory) load() error {
	if d.loaded {
		return nil
	}
	stream := d.img.descStream
	if !stream.dev.TryLock() {
		return errf(WouldBlock, "directory_load", d.name, nil)
	}
	defer stream.dev.Unlock()

	if err := stream.seek(d.descBlockIndex, d.descBlockOffset); err != nil {
		return errf(IOIntegrity, "directory_load", d.name, err)
	}
	var prefix dirCountPrefix
	prefixBuf := make([]byte, 4)
	if _, err := stream.read(prefixBuf); err != nil {
		return errf(IOIntegrity, "directory_load", d.name, err)
	}
	if err := binary.Read(bytes.NewReader(prefixBuf), binary.LittleEndian, &prefix); err != nil {
		return errf(IOIntegrity, "directory_load", d.name, err)
	}

	children := make([]*child, 0, prefix.Count)
	for i := uint32(0); i < prefix.Count; i++ {
		c, err := decodeChildRecord(stream)
		if err != nil {
			return err
		}
		c.subdir = nil
		children = append(children, c)
	}
	d.children = children
	d.loaded = true
	return nil
}

func decodeChildRecord(stream *blockStream) (*child, error) {
	hdrBuf := make([]byte, descRecordHeaderSize)
	if _, err := stream.read(hdrBuf); err != nil {
		return nil, errf(IOIntegrity, "descriptor_decode", "", err)
	}
	var hdr descRecordHeader
	if err := binary.Read(bytes.NewReader(hdrBuf), binary.LittleEndian, &hdr); err != nil {
		return nil, errf(IOIntegrity, "descriptor_decode", "", err)
	}
	if hdr.Length < descRecordHeaderSize {
		return nil, errf(IOIntegrity, "descriptor_decode", "", xerrors.New("record length too small"))
	}
	body := make([]byte, int(hdr.Length)-descRecordHeaderSize)
	if len(body) > 0 {
		if _, err := stream.read(body); err != nil {
			return nil, errf(IOIntegrity, "descriptor_decode", "", err)
		}
	}

	switch hdr.Type {
	case descFile:
		if len(body) < descFileBodySize {
			return nil, errf(IOIntegrity, "descriptor_decode", "", xerrors.New("truncated file record"))
		}
		var fb descFileBody
		binary.Read(bytes.NewReader(body[:descFileBodySize]), binary.LittleEndian, &fb)
		name := string(body[descFileBodySize:])
		if len(name) > maxNameLen {
			return nil, errf(NameTooLong, "descriptor_decode", name, nil)
		}
		return &child{
			kind:            descFile,
			name:            name,
			perm:            fb.Permissions,
			fileLength:      fb.FileLength,
			dataBlockIndex:  fb.DataBlockIndex,
			dataBlockOffset: fb.DataBlockOffset,
		}, nil

	case descDir:
		if len(body) < descDirBodySize {
			return nil, errf(IOIntegrity, "descriptor_decode", "", xerrors.New("truncated directory record"))
		}
		var db descDirBody
		binary.Read(bytes.NewReader(body[:descDirBodySize]), binary.LittleEndian, &db)
		name := string(body[descDirBodySize:])
		if len(name) > maxNameLen {
			return nil, errf(NameTooLong, "descriptor_decode", name, nil)
		}
		return &child{
			kind:            descDir,
			name:            name,
			perm:            db.Permissions,
			descBlockIndex:  db.DescBlockIndex,
			descBlockOffset: db.DescBlockOffset,
		}, nil

	case descSymlink:
		if len(body) < descSymlinkBodySize {
			return nil, errf(IOIntegrity, "descriptor_decode", "", xerrors.New("truncated symlink record"))
		}
		var sb descSymlinkBody
		binary.Read(bytes.NewReader(body[:descSymlinkBodySize]), binary.LittleEndian, &sb)
		rest := body[descSymlinkBodySize:]
		if int(sb.NameLength)+int(sb.TargetLength) > len(rest) {
			return nil, errf(IOIntegrity, "descriptor_decode", "", xerrors.New("truncated symlink strings"))
		}
		name := string(rest[:sb.NameLength])
		target := string(rest[sb.NameLength : sb.NameLength+sb.TargetLength])
		if len(name) > maxNameLen {
			return nil, errf(NameTooLong, "descriptor_decode", name, nil)
		}
		if len(target) > maxTargetLen {
			return nil, errf(NameTooLong, "descriptor_decode", name, nil)
		}
		return &child{kind: descSymlink, name: name, target: target}, nil

	default:
		return nil, errf(IOIntegrity, "descriptor_decode", "", xerrors.New("unknown descriptor type"))
	}
}

// findChild returns the child named name, ensuring d is loaded first.
func (d *directory) findChild(name string) (*child, error) {
	if err := d.load(); err != nil {
		return nil, err
	}
	for _, c := range d.children {
		if c.name == name {
			return c, nil
		}
	}
	return nil, nil
}

// openSubdir returns (creating it lazily on the read side if necessary)
// the *directory for a Directory-kind child.
func (d *directory) openSubdir(c *child) (*directory, error) {
	if c.subdir != nil {
		return c.subdir, nil
	}
	c.subdir = &directory{
		img:             d.img,
		parent:          d,
		name:            c.name,
		perm:            c.perm,
		descBlockIndex:  c.descBlockIndex,
		descBlockOffset: c.descBlockOffset,
	}
	return c.subdir, nil
}

func validateName(op, name string) error {
	if name == "" {
		return errf(InvalidArgument, op, name, xerrors.New("empty name"))
	}
	if len(name) > maxNameLen {
		return errf(NameTooLong, op, name, nil)
	}
	for i := 0; i < len(name); i++ {
		if name[i] == '/' {
			return errf(InvalidArgument, op, name, xerrors.New("name contains '/'"))
		}
	}
	if !utf8.ValidString(name) {
		return errf(InvalidArgument, op, name, xerrors.New("name is not valid UTF-8"))
	}
	return nil
}

func validateTarget(op, target string) error {
	if len(target) > maxTargetLen {
		return errf(NameTooLong, op, target, nil)
	}
	if !utf8.ValidString(target) {
		return errf(InvalidArgument, op, target, xerrors.New("target is not valid UTF-8"))
	}
	return nil
}
