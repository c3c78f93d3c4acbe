package vimage

import (
	"bytes"
	"encoding/binary"

	"golang.org/x/xerrors"
)

// blockStream is the read/write codec of spec.md §4.2, layered over a
// single device. One instance exists per logical stream (descriptor,
// data).
type blockStream struct {
	dev       device
	blockSize uint32
	filter    FilterOps
	hasFilter bool
	writable  bool
	finished  bool

	// write-side state
	staging    []byte
	stageOff   int
	blockIndex uint32
	table      []blockTableEntry
	writeCur   int64 // bytes written to dev so far, stream-relative

	// read-side state
	cache    *blockCache
	rtable   []blockTableEntry
	curBlock int64 // index of the block currently loaded into staging; -1 if none
	curLen   int   // decoded length of the currently loaded block
	blockPos int    // logical cursor within staging
}

// newWriteBlockStream prepares dev (freshly positioned at its own origin)
// to receive a new block stream. It reserves the stream header but does
// not write it until finish().
func newWriteBlockStream(dev device, blockSize uint32, filter FilterOps, hasFilter bool) (*blockStream, error) {
	if blockSize < minBlockSize || blockSize > maxBlockSize {
		return nil, errf(InvalidArgument, "block_stream_create", "", xerrors.New("block size out of range"))
	}
	placeholder := make([]byte, streamHeaderSize)
	if _, err := dev.Write(placeholder); err != nil {
		return nil, err
	}
	return &blockStream{
		dev:       dev,
		blockSize: blockSize,
		filter:    filter,
		hasFilter: hasFilter,
		writable:  true,
		staging:   make([]byte, blockSize),
		writeCur:  streamHeaderSize,
		curBlock:  -1,
	}, nil
}

// openReadBlockStream reads an existing stream header and block table
// from dev (already positioned at the stream's origin). The caller has
// already resolved the image's filter family to concrete ops (or
// determined the image uses no filter).
func openReadBlockStream(dev device, cache *blockCache, ops FilterOps, hasFilter bool) (*blockStream, error) {
	if _, err := dev.Seek(0, 0); err != nil {
		return nil, err
	}
	var hdr streamHeader
	hdrBuf := make([]byte, streamHeaderSize)
	if _, err := dev.Read(hdrBuf); err != nil {
		return nil, err
	}
	if err := binary.Read(bytes.NewReader(hdrBuf), binary.LittleEndian, &hdr); err != nil {
		return nil, errf(IOIntegrity, "block_stream_open", "", err)
	}
	if hdr.Magic != streamMagic {
		return nil, errf(IOIntegrity, "block_stream_open", "", xerrors.New("bad stream magic"))
	}
	if hdr.BlockSize < minBlockSize || hdr.BlockSize > maxBlockSize {
		return nil, errf(IOIntegrity, "block_stream_open", "", xerrors.New("block size out of range"))
	}

	if _, err := dev.Seek(int64(hdr.BlockTableOffset), 0); err != nil {
		return nil, err
	}
	table := make([]blockTableEntry, hdr.BlockCount)
	entryBuf := make([]byte, blockTableEntrySize)
	for i := range table {
		if _, err := dev.Read(entryBuf); err != nil {
			return nil, err
		}
		if err := binary.Read(bytes.NewReader(entryBuf), binary.LittleEndian, &table[i]); err != nil {
			return nil, errf(IOIntegrity, "block_stream_open", "", err)
		}
	}

	return &blockStream{
		dev:       dev,
		blockSize: hdr.BlockSize,
		filter:    ops,
		hasFilter: hasFilter,
		cache:     cache,
		rtable:    table,
		staging:   make([]byte, hdr.BlockSize),
		curBlock:  -1,
	}, nil
}

// append writes p into the stream, flushing full blocks as it goes.
func (b *blockStream) append(p []byte) (int, error) {
	if !b.writable {
		return 0, errf(PermissionDenied, "block_stream_write", "", nil)
	}
	total := 0
	for len(p) > 0 {
		n := copy(b.staging[b.stageOff:], p)
		b.stageOff += n
		p = p[n:]
		total += n
		if b.stageOff == int(b.blockSize) {
			if err := b.flushBlock(); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

// flushBlock emits the current staging buffer (full or, when called from
// finish, partial) as the next block.
func (b *blockStream) flushBlock() error {
	decoded := b.staging[:b.stageOff]
	encoded := decoded
	if b.hasFilter {
		var err error
		encoded, err = b.filter.Encode(decoded)
		if err != nil {
			return errf(InvalidArgument, "block_flush", "", err)
		}
	}
	crc := blockCRC(decoded)
	entry := blockTableEntry{
		LengthOnDisk: uint32(len(encoded)),
		Offset:       uint32(b.writeCur),
		CRC:          crc,
	}
	if _, err := b.dev.Write(encoded); err != nil {
		return err
	}
	b.writeCur += int64(len(encoded))
	b.table = append(b.table, entry)
	b.blockIndex++
	b.stageOff = 0
	return nil
}

// currentPosition returns the index the next byte written will land in,
// and the offset within that (possibly still-filling) block -- used by
// the handle layer to record a file's data_position at the moment the
// first byte is written.
func (b *blockStream) currentPosition() (blockIndex uint32, offset uint32) {
	return b.blockIndex, uint32(b.stageOff)
}

// finish flushes any partial block, writes the block table, and rewrites
// the stream header in place (spec.md §4.2 "finish()").
func (b *blockStream) finish() error {
	if b.finished {
		return errf(InvalidArgument, "block_stream_finish", "", xerrors.New("already finished"))
	}
	if b.stageOff > 0 {
		if err := b.flushBlock(); err != nil {
			return err
		}
	}
	tableOffset := b.writeCur
	var buf bytes.Buffer
	for _, e := range b.table {
		binary.Write(&buf, binary.LittleEndian, e)
	}
	if _, err := b.dev.Write(buf.Bytes()); err != nil {
		return err
	}
	b.writeCur += int64(buf.Len())

	if _, err := b.dev.Seek(0, 0); err != nil {
		return err
	}
	hdr := streamHeader{
		Magic:            streamMagic,
		BlockSize:        b.blockSize,
		BlockTableOffset: uint32(tableOffset),
		BlockCount:       uint32(len(b.table)),
	}
	var hdrBuf bytes.Buffer
	binary.Write(&hdrBuf, binary.LittleEndian, hdr)
	if _, err := b.dev.Write(hdrBuf.Bytes()); err != nil {
		return err
	}
	b.finished = true
	b.writable = false
	return nil
}

// seek loads blockIndex into staging (if not already current) and
// positions the logical cursor at blockOffset within it.
func (b *blockStream) seek(blockIndex uint32, blockOffset uint32) error {
	if int(blockIndex) >= len(b.rtable) {
		return errf(EndOfStream, "block_stream_seek", "", nil)
	}
	if int64(blockIndex) != b.curBlock {
		if err := b.loadBlock(blockIndex); err != nil {
			// loadBlock may already have overwritten staging.
			b.curBlock = -1
			return err
		}
		b.curBlock = int64(blockIndex)
	}
	if int(blockOffset) > b.curLen {
		return errf(EndOfStream, "block_stream_seek", "", nil)
	}
	b.blockPos = int(blockOffset)
	return nil
}

func (b *blockStream) loadBlock(index uint32) error {
	if payload, ok := b.cache.get(index); ok {
		copy(b.staging, payload)
		b.curLen = len(payload)
		return nil
	}
	entry := b.rtable[index]
	if _, err := b.dev.Seek(int64(entry.Offset), 0); err != nil {
		return err
	}
	scratch := make([]byte, entry.LengthOnDisk)
	if entry.LengthOnDisk > 0 {
		if _, err := b.dev.Read(scratch); err != nil {
			return err
		}
	}
	var decodedLen int
	if b.hasFilter {
		n, err := b.filter.Decode(scratch, b.staging)
		if err != nil {
			return errf(IOIntegrity, "block_load", "", err)
		}
		decodedLen = n
	} else {
		decodedLen = copy(b.staging, scratch)
	}
	if blockCRC(b.staging[:decodedLen]) != entry.CRC {
		return errf(IOIntegrity, "block_load", "", xerrors.New("crc mismatch"))
	}
	b.curLen = decodedLen
	b.cache.offer(index, b.staging[:decodedLen])
	return nil
}

// read copies from the current block, crossing block boundaries as
// needed, until buf is full or the stream runs out of blocks.
func (b *blockStream) read(buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		if b.curBlock < 0 {
			return total, errf(EndOfStream, "block_stream_read", "", nil)
		}
		if b.blockPos >= b.curLen {
			next := uint32(b.curBlock) + 1
			if int(next) >= len(b.rtable) {
				return total, errf(EndOfStream, "block_stream_read", "", nil)
			}
			if err := b.seek(next, 0); err != nil {
				return total, err
			}
			continue
		}
		n := copy(buf[total:], b.staging[b.blockPos:b.curLen])
		b.blockPos += n
		total += n
	}
	return total, nil
}
