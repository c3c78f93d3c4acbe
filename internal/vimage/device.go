package vimage

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/orcaman/writerseeker"
	"golang.org/x/xerrors"
)

// device is the stream device abstraction of spec.md §4.1: a uniform
// seek/read/write/close surface with a single-owner try-lock, backed by a
// file, an in-memory buffer, or caller-supplied callbacks.
//
// read must never return a short read except at end-of-stream; write must
// succeed fully or fail. Both properties are enforced here so that
// blockStream never has to special-case its underlying device.
type device interface {
	Seek(offset int64, whence int) (int64, error)
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	TryLock() bool
	Unlock()
}

// readFull drives r until buf is full or r reports true end-of-stream
// (io.EOF with zero bytes read on the final call), turning any other
// short read into an IOIntegrity error, per spec.md's "short_read" device
// contract.
func readFull(r io.Reader, buf []byte) (int, error) {
	n, err := io.ReadFull(r, buf)
	if err == io.ErrUnexpectedEOF {
		return n, errf(IOIntegrity, "device_read", "", xerrors.New("truncated read"))
	}
	return n, err
}

// fileDevice is the file-backed stream device. Two fileDevices can share
// the same *os.File (see Region): they use ReadAt/WriteAt, which are safe
// for concurrent use from multiple goroutines regardless of the file's
// shared OS cursor, so descriptor-stream and data-stream devices derived
// from the same open file never race each other even though the spec
// models them as "distinct devices" (spec.md §5).
type fileDevice struct {
	mu       sync.Mutex
	file     *os.File
	base     int64 // absolute file offset this device's position 0 maps to
	pos      int64 // current logical position, relative to base
	readOnly bool
	owner    bool // Close() closes file iff owner
}

func newFileDevice(f *os.File, readOnly, owner bool) *fileDevice {
	return &fileDevice{file: f, readOnly: readOnly, owner: owner}
}

// Region returns a new device sharing the same underlying file but
// addressing bytes starting at absolute offset base, with its own
// independent lock.
func (d *fileDevice) Region(base int64) *fileDevice {
	return &fileDevice{file: d.file, base: base, readOnly: d.readOnly}
}

func (d *fileDevice) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		d.pos = offset
	case io.SeekCurrent:
		d.pos += offset
	case io.SeekEnd:
		fi, err := d.file.Stat()
		if err != nil {
			return 0, err
		}
		d.pos = fi.Size() - d.base + offset
	default:
		return 0, errf(InvalidArgument, "seek", "", xerrors.New("bad whence"))
	}
	if d.pos < 0 {
		return 0, errf(InvalidArgument, "seek", "", xerrors.New("negative position"))
	}
	return d.pos, nil
}

func (d *fileDevice) Read(p []byte) (int, error) {
	n, err := d.file.ReadAt(p, d.base+d.pos)
	d.pos += int64(n)
	if err == io.EOF {
		if n > 0 {
			return n, nil
		}
		return 0, errf(EndOfStream, "device_read", "", nil)
	}
	if err != nil {
		return n, err
	}
	if n < len(p) {
		return n, errf(IOIntegrity, "device_read", "", xerrors.New("truncated read"))
	}
	return n, nil
}

func (d *fileDevice) Write(p []byte) (int, error) {
	if d.readOnly {
		return 0, errf(PermissionDenied, "device_write", "", nil)
	}
	n, err := d.file.WriteAt(p, d.base+d.pos)
	d.pos += int64(n)
	if err != nil {
		return n, err
	}
	if n < len(p) {
		return n, errf(IOIntegrity, "device_write", "", xerrors.New("short write"))
	}
	return n, nil
}

func (d *fileDevice) Close() error {
	if !d.owner {
		return nil
	}
	return d.file.Close()
}

func (d *fileDevice) TryLock() bool { return d.mu.TryLock() }
func (d *fileDevice) Unlock()       { d.mu.Unlock() }

// memDevice is the temporary, memory-backed stream device used to build
// the descriptor and data streams during Create (spec.md §4.6 step 3): a
// write+seek-only device that grows geometrically, built on top of
// writerseeker.WriterSeeker (which already implements exactly that
// growth policy). Once the writer is done and the first Read is issued
// (at Close-time, when the finished stream's bytes are copied into the
// primary device), the device latches into read mode over a snapshot of
// its buffer; no further writes are permitted past that point, matching
// the single write-then-read-once lifecycle these temporary streams
// actually have.
type memDevice struct {
	mu     sync.Mutex
	ws     *writerseeker.WriterSeeker
	reader *bytes.Reader
}

func newMemDevice() *memDevice {
	return &memDevice{ws: &writerseeker.WriterSeeker{}}
}

func (d *memDevice) Seek(offset int64, whence int) (int64, error) {
	if d.reader != nil {
		return d.reader.Seek(offset, whence)
	}
	return d.ws.Seek(offset, whence)
}

func (d *memDevice) Read(p []byte) (int, error) {
	if d.reader == nil {
		pos, err := d.ws.Seek(0, io.SeekCurrent)
		if err != nil {
			return 0, err
		}
		br, err := d.ws.BytesReader()
		if err != nil {
			return 0, err
		}
		if _, err := br.Seek(pos, io.SeekStart); err != nil {
			return 0, err
		}
		d.reader = br
	}
	n, err := readFull(d.reader, p)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		if n > 0 {
			return n, nil
		}
		return 0, errf(EndOfStream, "device_read", "", nil)
	}
	return n, err
}

func (d *memDevice) Write(p []byte) (int, error) {
	if d.reader != nil {
		return 0, errf(PermissionDenied, "device_write", "", xerrors.New("temporary device already switched to read mode"))
	}
	return d.ws.Write(p)
}

func (d *memDevice) Close() error { return nil }

func (d *memDevice) TryLock() bool { return d.mu.TryLock() }
func (d *memDevice) Unlock()       { d.mu.Unlock() }

// size returns the number of bytes written so far, for computing the
// final image layout without switching the device into read mode.
func (d *memDevice) size() int64 {
	cur, _ := d.ws.Seek(0, io.SeekCurrent)
	end, _ := d.ws.Seek(0, io.SeekEnd)
	d.ws.Seek(cur, io.SeekStart)
	return end
}

// bytesDevice is the read-only device backing open_memory(buf): a
// borrowed slice that is never grown, matching spec.md's "borrowed
// buffers are not grown".
type bytesDevice struct {
	mu sync.Mutex
	r  *bytes.Reader
}

func newBytesDevice(buf []byte) *bytesDevice {
	return &bytesDevice{r: bytes.NewReader(buf)}
}

func (d *bytesDevice) Seek(offset int64, whence int) (int64, error) {
	return d.r.Seek(offset, whence)
}

func (d *bytesDevice) Read(p []byte) (int, error) {
	n, err := readFull(d.r, p)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		if n > 0 {
			return n, nil
		}
		return 0, errf(EndOfStream, "device_read", "", nil)
	}
	return n, err
}

func (d *bytesDevice) Write(p []byte) (int, error) {
	return 0, errf(PermissionDenied, "device_write", "", nil)
}

func (d *bytesDevice) Close() error { return nil }

func (d *bytesDevice) TryLock() bool { return d.mu.TryLock() }
func (d *bytesDevice) Unlock()       { d.mu.Unlock() }

// bytesSubDevice is a read-only window into a shared borrowed slice,
// starting at an absolute offset, with its own independent lock -- the
// open_memory analogue of fileDevice.Region.
type bytesSubDevice struct {
	mu sync.Mutex
	r  *bytes.Reader
}

func newBytesSubDevice(buf []byte, base int64) *bytesSubDevice {
	return &bytesSubDevice{r: bytes.NewReader(buf[base:])}
}

func (d *bytesSubDevice) Seek(offset int64, whence int) (int64, error) {
	return d.r.Seek(offset, whence)
}
func (d *bytesSubDevice) Read(p []byte) (int, error) {
	n, err := readFull(d.r, p)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		if n > 0 {
			return n, nil
		}
		return 0, errf(EndOfStream, "device_read", "", nil)
	}
	return n, err
}
func (d *bytesSubDevice) Write(p []byte) (int, error) { return 0, errf(PermissionDenied, "device_write", "", nil) }
func (d *bytesSubDevice) Close() error                { return nil }
func (d *bytesSubDevice) TryLock() bool               { return d.mu.TryLock() }
func (d *bytesSubDevice) Unlock()                     { d.mu.Unlock() }

// DeviceOps is the caller-supplied callback table for create_ops/open_ops
// (spec.md §4.1 "operations-backed"). Seek follows io.Seeker's whence
// convention.
type DeviceOps struct {
	Seek  func(offset int64, whence int) (int64, error)
	Read  func(p []byte) (int, error)
	Write func(p []byte) (int, error)
	Close func() error
}

// opsDevice adapts caller callbacks to the device interface. Region
// offsets every Seek/ReadAt-style request by base; because the callbacks
// are opaque, true cross-region concurrency safety when two opsDevices
// share one underlying resource is the caller's responsibility (see
// DESIGN.md) -- the engine itself never holds two stream locks at once
// (spec.md §5), so a caller whose callbacks serialize internally is safe.
type opsDevice struct {
	mu   sync.Mutex
	ops  DeviceOps
	base int64
}

func newOpsDevice(ops DeviceOps) *opsDevice {
	return &opsDevice{ops: ops}
}

func (d *opsDevice) Region(base int64) *opsDevice {
	return &opsDevice{ops: d.ops, base: base}
}

func (d *opsDevice) Seek(offset int64, whence int) (int64, error) {
	if whence == io.SeekStart {
		offset += d.base
	}
	pos, err := d.ops.Seek(offset, whence)
	return pos - d.base, err
}

func (d *opsDevice) Read(p []byte) (int, error) {
	n, err := d.ops.Read(p)
	if err == io.EOF {
		if n > 0 {
			return n, nil
		}
		return 0, errf(EndOfStream, "device_read", "", nil)
	}
	if err == nil && n < len(p) {
		return n, errf(IOIntegrity, "device_read", "", xerrors.New("truncated read"))
	}
	return n, err
}

func (d *opsDevice) Write(p []byte) (int, error) {
	n, err := d.ops.Write(p)
	if err == nil && n < len(p) {
		return n, errf(IOIntegrity, "device_write", "", xerrors.New("short write"))
	}
	return n, err
}

func (d *opsDevice) Close() error {
	if d.ops.Close == nil {
		return nil
	}
	return d.ops.Close()
}

func (d *opsDevice) TryLock() bool { return d.mu.TryLock() }
func (d *opsDevice) Unlock()       { d.mu.Unlock() }

// deviceCopy transfers the full remaining content of src (from its
// current position to end-of-stream) to dst, using a 1 MiB bounce buffer,
// per spec.md §4.1.
func deviceCopy(dst, src device) (int64, error) {
	buf := make([]byte, 1024*1024)
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err != nil {
			if KindOf(err) == EndOfStream {
				return total, nil
			}
			return total, err
		}
	}
}
