package vimage

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"golang.org/x/xerrors"
)

// Config configures a newly created image (spec.md §4.6 "create") or an
// opened one. Architecture, DataBlockSize, Filter, and FilterOps apply
// only to Create/CreateOps; CacheCapacity applies only to
// OpenFile/OpenMemory/OpenOps, where it sizes the descriptor and data
// stream block caches independently (spec.md §4.2 "Block cache",
// testable property 3: identical results whether capacity is 0 or any
// positive number).
type Config struct {
	Architecture  Architecture
	DataBlockSize uint32 // 0 -> defaultDataBlockSize
	CacheCapacity int    // 0 -> defaultCacheCapacity; negative disables caching

	// Filter, if non-zero, is the filter family both the descriptor and
	// data streams are encoded with. FilterOps must be supplied whenever
	// Filter is non-zero; the core never ships a concrete filter.
	Filter    FilterFamily
	FilterOps FilterOps
}

// Image is a single open VaFs image, either writable (just created, not
// yet closed) or read-only (opened from an existing image). It is not
// safe for concurrent use by multiple goroutines beyond what the
// per-stream try-locks already arbitrate (spec.md §5).
type Image struct {
	dev      device
	writable bool
	closed   bool

	arch Architecture

	registry     *FeatureRegistry // read-side only
	filterFamily FilterFamily
	filterOps    FilterOps
	hasFilter    bool

	cache      *blockCache
	descStream *blockStream
	dataStream *blockStream
	root       *directory

	overview overviewPayload
	features []Feature // persistent records, read-side; also accumulated write-side via FeatureAdd
}

// Create opens path for writing and truncates any existing content,
// matching spec.md §4.6 step 1 "Open the stream device for writing".
func Create(path string, cfg Config) (*Image, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errf(InvalidArgument, "create", path, err)
	}
	img, err := createCommon(newFileDevice(f, false, true), cfg)
	if err != nil {
		f.Close()
		return nil, err
	}
	return img, nil
}

// CreateOps opens ops for writing, for embedders that do not expose a
// plain *os.File (e.g. writing directly into a pipe or a custom sink).
func CreateOps(ops DeviceOps, cfg Config) (*Image, error) {
	return createCommon(newOpsDevice(ops), cfg)
}

func createCommon(dev device, cfg Config) (*Image, error) {
	if cfg.DataBlockSize == 0 {
		cfg.DataBlockSize = defaultDataBlockSize
	}
	if cfg.DataBlockSize < minBlockSize || cfg.DataBlockSize > maxBlockSize {
		return nil, errf(InvalidArgument, "create", "", xerrors.New("data block size out of range"))
	}
	if cfg.Filter != FilterNone && (cfg.FilterOps.Encode == nil || cfg.FilterOps.Decode == nil) {
		return nil, errf(InvalidArgument, "create", "", xerrors.New("filter family set without filter ops"))
	}

	// Step 2: reserve header space.
	if _, err := dev.Write(make([]byte, headerSize)); err != nil {
		return nil, err
	}

	// Step 3: descriptor and data block streams as temporary, memory-backed
	// devices, so content emission never seeks back into the primary
	// device.
	descStream, err := newWriteBlockStream(newMemDevice(), descriptorBlockSize, cfg.FilterOps, cfg.Filter != FilterNone)
	if err != nil {
		return nil, err
	}
	dataStream, err := newWriteBlockStream(newMemDevice(), cfg.DataBlockSize, cfg.FilterOps, cfg.Filter != FilterNone)
	if err != nil {
		return nil, err
	}

	img := &Image{
		dev:          dev,
		writable:     true,
		arch:         cfg.Architecture,
		filterFamily: cfg.Filter,
		filterOps:    cfg.FilterOps,
		hasFilter:    cfg.Filter != FilterNone,
		descStream:   descStream,
		dataStream:   dataStream,
	}
	// Step 4: Overview feature installed zeroed; its final values are
	// computed and written at Close.
	img.overview = overviewPayload{}
	// Step 5: in-memory root directory, permissions 0777.
	img.root = newWriteDirectory(img, nil, "", 0777)
	return img, nil
}

// Root returns a handle to the image's root directory.
func (img *Image) Root() *DirHandle {
	return &DirHandle{img: img, dir: img.root}
}

// OpenDirectory resolves path, following any symlinks encountered
// (including one named by the final component), and returns a handle to
// the directory it names.
func (img *Image) OpenDirectory(path string) (*DirHandle, error) {
	r, err := walk(img, "directory_open", path, true)
	if err != nil {
		return nil, err
	}
	if r.Dir == nil {
		return nil, errf(NotADirectory, "directory_open", path, nil)
	}
	return &DirHandle{img: img, dir: r.Dir}, nil
}

// OpenFile resolves path, following symlinks, and returns a read handle
// to the file it names.
func (img *Image) OpenFile(path string) (*FileHandle, error) {
	if img.writable {
		return nil, errf(PermissionDenied, "file_open", path, nil)
	}
	r, err := walk(img, "file_open", path, true)
	if err != nil {
		return nil, err
	}
	if r.File == nil {
		return nil, errf(IsADirectory, "file_open", path, nil)
	}
	return newReadFileHandle(img, r.File), nil
}

// SymlinkHandle is the handle returned by symlink_open: the symlink named
// by the final path component, not followed.
type SymlinkHandle struct {
	target string
}

// Target returns the symlink's raw, unresolved target string.
func (h *SymlinkHandle) Target() string { return h.target }

// OpenSymlink resolves every component of path except the last as a
// normal, symlink-following walk, then returns the last component
// itself, which must be a symlink.
func (img *Image) OpenSymlink(path string) (*SymlinkHandle, error) {
	r, err := walk(img, "symlink_open", path, false)
	if err != nil {
		return nil, err
	}
	if r.Symlink == nil {
		return nil, errf(InvalidArgument, "symlink_open", path, xerrors.New("not a symlink"))
	}
	return &SymlinkHandle{target: r.Symlink.target}, nil
}

// PathStat resolves path, following symlinks, and returns its type, size,
// and permissions. The root directory always reports permissions 0755
// regardless of the 0777 it is actually created and stored with (spec.md
// §4.4/§8 S5: "path_stat(\"/\") returns {mode = directory|0755 ...}").
func (img *Image) PathStat(path string) (Stat, error) {
	r, err := walk(img, "path_stat", path, true)
	if err != nil {
		return Stat{}, err
	}
	switch {
	case r.Dir != nil:
		perm := r.Dir.perm
		if r.Dir == img.root {
			perm = 0755
		}
		return Stat{Type: TypeDirectory, Permissions: perm}, nil
	case r.File != nil:
		return statChild(r.File), nil
	default:
		return statChild(r.Symlink), nil
	}
}

// FeatureAdd appends f to the (write-side) feature table. Duplicate GUIDs
// fail already_exists.
func (img *Image) FeatureAdd(f Feature) error {
	if !img.writable {
		return errf(PermissionDenied, "feature_add", "", nil)
	}
	for _, existing := range img.features {
		if existing.GUID == f.GUID {
			return errf(AlreadyExists, "feature_add", "", nil)
		}
	}
	img.features = append(img.features, f)
	return nil
}

// FeatureQuery returns the feature record identified by guid, if present.
func (img *Image) FeatureQuery(guid featureGUID) (Feature, bool) {
	for _, f := range img.features {
		if f.GUID == guid {
			return f, true
		}
	}
	return Feature{}, false
}

// Close finalizes a writable image (spec.md §4.6 "close") or releases a
// read-only image's resources.
func (img *Image) Close() error {
	if img.closed {
		return errf(InvalidArgument, "close", "", xerrors.New("already closed"))
	}
	img.closed = true
	if !img.writable {
		return img.dev.Close()
	}
	return img.closeWritable()
}

func (img *Image) closeWritable() error {
	// Step 1: flush the descriptor tree.
	rootIdx, rootOff, err := directoryFlush(img.descStream, img.root)
	if err != nil {
		return err
	}
	// Step 2: finish both block streams.
	if err := img.descStream.finish(); err != nil {
		return err
	}
	if err := img.dataStream.finish(); err != nil {
		return err
	}

	// Build the persistent feature table: Overview, then Filter if set,
	// then any caller-added features.
	allFeatures := make([]Feature, 0, len(img.features)+2)
	allFeatures = append(allFeatures, overviewFeature(img.overview))
	if img.hasFilter {
		allFeatures = append(allFeatures, filterFeature(img.filterFamily))
	}
	allFeatures = append(allFeatures, img.features...)

	var featureBuf bytes.Buffer
	for _, f := range allFeatures {
		total := featureRecordHeaderSize + len(f.Payload)
		binary.Write(&featureBuf, binary.LittleEndian, featureRecordHeader{GUID: f.GUID, Length: uint32(total)})
		featureBuf.Write(f.Payload)
	}

	// Step 3: compute the final layout.
	descSize := img.descStream.dev.(*memDevice).size()
	descriptorBlockOffset := int64(headerSize) + int64(featureBuf.Len())
	dataBlockOffset := descriptorBlockOffset + descSize

	// Step 5 (writing the header first, ahead of the copies, since the
	// header's on-disk position never moves): seek to the image origin and
	// lay down header + feature table.
	if _, err := img.dev.Seek(0, io.SeekStart); err != nil {
		return err
	}
	hdr := header{
		Magic:                 imageMagic,
		Version:               imageVer,
		Architecture:          uint32(img.arch),
		FeatureCount:          uint16(len(allFeatures)),
		DescriptorBlockOffset: uint32(descriptorBlockOffset),
		DataBlockOffset:       uint32(dataBlockOffset),
		RootBlockIndex:        rootIdx,
		RootBlockOffset:       rootOff,
	}
	var hdrBuf bytes.Buffer
	binary.Write(&hdrBuf, binary.LittleEndian, hdr)
	if _, err := img.dev.Write(hdrBuf.Bytes()); err != nil {
		return err
	}
	if _, err := img.dev.Write(featureBuf.Bytes()); err != nil {
		return err
	}

	// Step 4: copy the temporary descriptor device then the temporary data
	// device into the primary device, in that order, immediately following
	// the feature table.
	if _, err := img.descStream.dev.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := deviceCopy(img.dev, img.descStream.dev); err != nil {
		return err
	}
	if _, err := img.dataStream.dev.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := deviceCopy(img.dev, img.dataStream.dev); err != nil {
		return err
	}

	// Step 6.
	return img.dev.Close()
}

// OpenFile opens an existing image file for reading, with caching as
// spec.md §4.2 describes it (cfg.CacheCapacity: 0 -> defaultCacheCapacity;
// negative disables caching).
func OpenFile(path string, registry *FeatureRegistry, cfg Config) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errf(InvalidArgument, "open_file", path, err)
	}
	img, err := openCommon(newFileDevice(f, true, true), registry, cfg, func(base int64) device {
		return newFileDevice(f, true, false).Region(base)
	})
	if err != nil {
		f.Close()
		return nil, err
	}
	return img, nil
}

// OpenMemory opens an existing image borrowed from buf, which must remain
// valid and unmodified for the lifetime of the returned Image.
func OpenMemory(buf []byte, registry *FeatureRegistry, cfg Config) (*Image, error) {
	return openCommon(newBytesDevice(buf), registry, cfg, func(base int64) device {
		return newBytesSubDevice(buf, base)
	})
}

// OpenOps opens an existing image backed by caller-supplied callbacks.
func OpenOps(ops DeviceOps, registry *FeatureRegistry, cfg Config) (*Image, error) {
	dev := newOpsDevice(ops)
	return openCommon(dev, registry, cfg, func(base int64) device {
		return dev.Region(base)
	})
}

// openCommon implements spec.md §4.6 "open". region constructs an
// independently-lockable device over the same underlying resource,
// addressing bytes relative to base -- used so the descriptor and data
// streams never contend with each other's try-lock (spec.md §5).
func openCommon(dev device, registry *FeatureRegistry, cfg Config, region func(base int64) device) (*Image, error) {
	hdrBuf := make([]byte, headerSize)
	if _, err := dev.Read(hdrBuf); err != nil {
		dev.Close()
		return nil, err
	}
	var hdr header
	if err := binary.Read(bytes.NewReader(hdrBuf), binary.LittleEndian, &hdr); err != nil {
		dev.Close()
		return nil, errf(IOIntegrity, "open", "", err)
	}
	if hdr.Magic != imageMagic {
		dev.Close()
		return nil, errf(IOIntegrity, "open", "", xerrors.New("bad image magic"))
	}
	if hdr.Version != imageVer {
		dev.Close()
		return nil, errf(IOIntegrity, "open", "", xerrors.New("unsupported image version"))
	}
	if hdr.DescriptorBlockOffset < headerSize || hdr.DataBlockOffset < hdr.DescriptorBlockOffset {
		dev.Close()
		return nil, errf(IOIntegrity, "open", "", xerrors.New("offsets out of range"))
	}

	// Step 2: read the feature table.
	featureTableLen := int(hdr.DescriptorBlockOffset) - headerSize
	featureBuf := make([]byte, featureTableLen)
	if featureTableLen > 0 {
		if _, err := dev.Read(featureBuf); err != nil {
			dev.Close()
			return nil, err
		}
	}
	features, overview, filterFamily, hasFilter, err := parseFeatureTable(featureBuf, int(hdr.FeatureCount))
	if err != nil {
		dev.Close()
		return nil, err
	}

	var filterOps FilterOps
	if hasFilter {
		filterOps, err = resolveFilter(registry, filterFamily)
		if err != nil {
			dev.Close()
			return nil, err
		}
	}

	cacheCapacity := cfg.CacheCapacity
	if cacheCapacity == 0 {
		cacheCapacity = defaultCacheCapacity
	}
	cache := newBlockCache(cacheCapacity)

	// Step 3: read-only descriptor and data block streams at the
	// header-indicated offsets. Each gets its own cache and its own
	// independently-lockable device region (spec.md §5: "distinct
	// devices").
	descDev := region(int64(hdr.DescriptorBlockOffset))
	descStream, err := openReadBlockStream(descDev, cache, filterOps, hasFilter)
	if err != nil {
		dev.Close()
		return nil, err
	}
	dataDev := region(int64(hdr.DataBlockOffset))
	dataCache := newBlockCache(cacheCapacity)
	dataStream, err := openReadBlockStream(dataDev, dataCache, filterOps, hasFilter)
	if err != nil {
		dev.Close()
		return nil, err
	}

	img := &Image{
		dev:          dev,
		writable:     false,
		arch:         Architecture(hdr.Architecture),
		registry:     registry,
		filterFamily: filterFamily,
		filterOps:    filterOps,
		hasFilter:    hasFilter,
		cache:        cache,
		descStream:   descStream,
		dataStream:   dataStream,
		overview:     overview,
		features:     features,
	}
	// Step 4: open the root directory reader using root_descriptor.
	img.root = &directory{
		img:             img,
		name:            "",
		descBlockIndex:  hdr.RootBlockIndex,
		descBlockOffset: hdr.RootBlockOffset,
	}
	return img, nil
}

func resolveFilter(registry *FeatureRegistry, family FilterFamily) (FilterOps, error) {
	ops, ok := registry.filterFor(family)
	if !ok {
		return FilterOps{}, errf(UnsupportedFilter, "open", "", xerrors.New("no callbacks registered for filter family"))
	}
	return ops, nil
}

func parseFeatureTable(buf []byte, count int) ([]Feature, overviewPayload, FilterFamily, bool, error) {
	var (
		features     []Feature
		overview     overviewPayload
		filterFamily FilterFamily
		hasFilter    bool
	)
	r := bytes.NewReader(buf)
	for i := 0; i < count; i++ {
		var fh featureRecordHeader
		if err := binary.Read(r, binary.LittleEndian, &fh); err != nil {
			return nil, overview, 0, false, errf(IOIntegrity, "open", "", err)
		}
		payloadLen := int(fh.Length) - featureRecordHeaderSize
		if payloadLen < 0 {
			return nil, overview, 0, false, errf(IOIntegrity, "open", "", xerrors.New("bad feature record length"))
		}
		payload := make([]byte, payloadLen)
		if payloadLen > 0 {
			if _, err := io.ReadFull(r, payload); err != nil {
				return nil, overview, 0, false, errf(IOIntegrity, "open", "", err)
			}
		}
		f := Feature{GUID: fh.GUID, Payload: payload}
		features = append(features, f)
		switch fh.GUID {
		case overviewGUID:
			ov, err := decodeOverview(payload)
			if err != nil {
				return nil, overview, 0, false, err
			}
			overview = ov
		case filterGUID:
			fam, err := decodeFilterFamily(payload)
			if err != nil {
				return nil, overview, 0, false, err
			}
			filterFamily = fam
			hasFilter = fam != FilterNone
		}
	}
	return features, overview, filterFamily, hasFilter, nil
}
