package vimage_test

import (
	"bytes"
	"flag"
	"fmt"
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/vafs-project/vafs/internal/filters"
	"github.com/vafs-project/vafs/internal/vimage"
)

// vafsImagePath, when set, stores every image this file builds at the
// given path instead of a throwaway temp file, for manual inspection
// (e.g. with a hex editor or vafs-extract).
var vafsImagePath = flag.String("vafs_image_path", "", "Store the VaFs test image in the specified path for manual inspection")

// imagePath returns the path a test should build its image at: the
// -vafs_image_path flag if set, otherwise name under dir.
func imagePath(dir, name string) string {
	if *vafsImagePath != "" {
		return *vafsImagePath
	}
	return filepath.Join(dir, name)
}

// buildSample creates an image exercising directories, files, and
// symlinks at multiple depths, closes it, and returns its path.
func buildSample(t *testing.T, dir string, cfg vimage.Config) string {
	t.Helper()
	path := imagePath(dir, "sample.vafs")
	img, err := vimage.Create(path, cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	root := img.Root()
	etc, err := root.CreateDirectory("etc", 0755)
	if err != nil {
		t.Fatalf("CreateDirectory(etc): %v", err)
	}
	fh, err := etc.CreateFile("hostname", 0644)
	if err != nil {
		t.Fatalf("CreateFile(hostname): %v", err)
	}
	if _, err := fh.Write([]byte("vafs-test\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	bin, err := root.CreateDirectory("bin", 0755)
	if err != nil {
		t.Fatalf("CreateDirectory(bin): %v", err)
	}
	big, err := bin.CreateFile("big", 0755)
	if err != nil {
		t.Fatalf("CreateFile(big): %v", err)
	}
	payload := make([]byte, 200*1024)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	if _, err := big.Write(payload); err != nil {
		t.Fatalf("Write(big): %v", err)
	}

	if err := root.CreateSymlink("hostname", "etc/hostname"); err != nil {
		t.Fatalf("CreateSymlink: %v", err)
	}
	if err := bin.CreateSymlink("sh", "big"); err != nil {
		t.Fatalf("CreateSymlink(sh): %v", err)
	}

	if err := img.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

func TestRoundTripUncompressed(t *testing.T) {
	t.Parallel()
	dir, err := ioutil.TempDir("", "vafs-image-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	path := buildSample(t, dir, vimage.Config{Architecture: vimage.ArchX64})

	img, err := vimage.OpenFile(path, nil, vimage.Config{})
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer img.Close()

	fh, err := img.OpenFile("/etc/hostname")
	if err != nil {
		t.Fatalf("OpenFile(/etc/hostname): %v", err)
	}
	got := make([]byte, 64)
	n, err := fh.Read(got)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if want := "vafs-test\n"; string(got[:n]) != want {
		t.Errorf("hostname content = %q, want %q", got[:n], want)
	}

	big, err := img.OpenFile("/bin/big")
	if err != nil {
		t.Fatalf("OpenFile(/bin/big): %v", err)
	}
	var total []byte
	buf := make([]byte, 4096)
	for {
		n, err := big.Read(buf)
		total = append(total, buf[:n]...)
		if vimage.KindOf(err) == vimage.EndOfStream {
			break
		}
		if err != nil {
			t.Fatalf("Read(big): %v", err)
		}
	}
	if len(total) != 200*1024 {
		t.Fatalf("big file length = %d, want %d", len(total), 200*1024)
	}
	for i, b := range total {
		if want := byte(i % 251); b != want {
			t.Fatalf("big[%d] = %d, want %d", i, b, want)
		}
	}
}

func TestSymlinkFollowedOnOpen(t *testing.T) {
	t.Parallel()
	dir, err := ioutil.TempDir("", "vafs-image-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	path := buildSample(t, dir, vimage.Config{Architecture: vimage.ArchX64})
	img, err := vimage.OpenFile(path, nil, vimage.Config{})
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer img.Close()

	// /hostname -> etc/hostname: file_open must follow the link.
	fh, err := img.OpenFile("/hostname")
	if err != nil {
		t.Fatalf("OpenFile(/hostname) through symlink: %v", err)
	}
	buf := make([]byte, 64)
	n, err := fh.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got, want := string(buf[:n]), "vafs-test\n"; got != want {
		t.Errorf("content via symlink = %q, want %q", got, want)
	}

	// symlink_open must return the link itself, unresolved.
	sh, err := img.OpenSymlink("/bin/sh")
	if err != nil {
		t.Fatalf("OpenSymlink(/bin/sh): %v", err)
	}
	if got, want := sh.Target(), "big"; got != want {
		t.Errorf("Target() = %q, want %q", got, want)
	}
}

func TestPathStatRootPermissions(t *testing.T) {
	t.Parallel()
	dir, err := ioutil.TempDir("", "vafs-image-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	path := buildSample(t, dir, vimage.Config{Architecture: vimage.ArchX64})
	img, err := vimage.OpenFile(path, nil, vimage.Config{})
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer img.Close()

	stat, err := img.PathStat("/")
	if err != nil {
		t.Fatalf("PathStat(/): %v", err)
	}
	if stat.Permissions != 0755 {
		t.Errorf("root permissions = %o, want 0755", stat.Permissions)
	}

	etcStat, err := img.PathStat("/etc")
	if err != nil {
		t.Fatalf("PathStat(/etc): %v", err)
	}
	if etcStat.Permissions != 0755 {
		t.Errorf("etc permissions = %o, want 0755", etcStat.Permissions)
	}
}

// symlinkChain creates n symlinks named prefix+"0" .. prefix+"(n-1)", each
// pointing to the next, with the last pointing to target.
func symlinkChain(t *testing.T, root *vimage.DirHandle, prefix string, n int, target string) {
	t.Helper()
	for i := 0; i < n; i++ {
		next := target
		if i < n-1 {
			next = fmt.Sprintf("%s%d", prefix, i+1)
		}
		if err := root.CreateSymlink(fmt.Sprintf("%s%d", prefix, i), next); err != nil {
			t.Fatalf("CreateSymlink(%s%d): %v", prefix, i, err)
		}
	}
}

// TestSymlinkRedirectionBoundary exercises spec.md §8 S6's exact boundary:
// a chain of exactly 40 symlinks resolves, a chain of exactly 41 fails
// too_many_links.
func TestSymlinkRedirectionBoundary(t *testing.T) {
	t.Parallel()
	dir, err := ioutil.TempDir("", "vafs-image-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	path := imagePath(dir, "boundary.vafs")
	img, err := vimage.Create(path, vimage.Config{Architecture: vimage.ArchX64})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	root := img.Root()
	fh, err := root.CreateFile("target", 0644)
	if err != nil {
		t.Fatalf("CreateFile(target): %v", err)
	}
	if _, err := fh.Write([]byte("ok\n")); err != nil {
		t.Fatalf("Write(target): %v", err)
	}
	symlinkChain(t, root, "ok", 40, "target")
	symlinkChain(t, root, "over", 41, "target")
	if err := img.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := vimage.OpenFile(path, nil, vimage.Config{})
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer r.Close()

	fh2, err := r.OpenFile("/ok0")
	if err != nil {
		t.Fatalf("OpenFile(/ok0) through 40-step chain: %v", err)
	}
	buf := make([]byte, 64)
	n, err := fh2.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got, want := string(buf[:n]), "ok\n"; got != want {
		t.Errorf("content via 40-step chain = %q, want %q", got, want)
	}

	if _, err := r.OpenFile("/over0"); vimage.KindOf(err) != vimage.TooManyLinks {
		t.Fatalf("OpenFile(/over0) through 41-step chain: err = %v, want Kind=TooManyLinks", err)
	}
}

func TestRoundTripCompressed(t *testing.T) {
	t.Parallel()
	dir, err := ioutil.TempDir("", "vafs-image-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	family, ops := filters.Zstd(3)
	path := buildSample(t, dir, vimage.Config{
		Architecture: vimage.ArchX64,
		Filter:       family,
		FilterOps:    ops,
	})

	registry := vimage.NewFeatureRegistry()
	registry.RegisterFilter(filters.Zstd(3))
	img, err := vimage.OpenFile(path, registry, vimage.Config{})
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer img.Close()

	fh, err := img.OpenFile("/etc/hostname")
	if err != nil {
		t.Fatalf("OpenFile(/etc/hostname): %v", err)
	}
	got := make([]byte, 64)
	n, err := fh.Read(got)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if diff := cmp.Diff("vafs-test\n", string(got[:n])); diff != "" {
		t.Errorf("content mismatch (-want +got):\n%s", diff)
	}
}

// TestUnsupportedFilterOnOpen covers spec.md §8 S3's unsupported_filter
// half: an image written with a filter family cannot be opened at all
// (OpenFile fails with UnsupportedFilter) against a registry that never
// registered that family, and opens normally once the family is registered.
func TestUnsupportedFilterOnOpen(t *testing.T) {
	t.Parallel()
	dir, err := ioutil.TempDir("", "vafs-image-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	family, ops := filters.Zstd(3)
	path := imagePath(dir, "unsupported.vafs")
	img, err := vimage.Create(path, vimage.Config{
		Architecture: vimage.ArchX64,
		Filter:       family,
		FilterOps:    ops,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	fh, err := img.Root().CreateFile("f", 0644)
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if _, err := fh.Write(bytes.Repeat([]byte{0}, 200*1024)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := img.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// No registry at all: opening should fail outright, since the stored
	// filter family can never be resolved.
	if _, err := vimage.OpenFile(path, nil, vimage.Config{}); vimage.KindOf(err) != vimage.UnsupportedFilter {
		t.Fatalf("OpenFile with nil registry: err = %v, want Kind=UnsupportedFilter", err)
	}

	// A registry that simply never registered this family behaves the
	// same way.
	empty := vimage.NewFeatureRegistry()
	if _, err := vimage.OpenFile(path, empty, vimage.Config{}); vimage.KindOf(err) != vimage.UnsupportedFilter {
		t.Fatalf("OpenFile with empty registry: err = %v, want Kind=UnsupportedFilter", err)
	}

	// With the family registered, the image opens and reads normally.
	registry := vimage.NewFeatureRegistry()
	registry.RegisterFilter(filters.Zstd(3))
	r, err := vimage.OpenFile(path, registry, vimage.Config{})
	if err != nil {
		t.Fatalf("OpenFile with matching registry: %v", err)
	}
	defer r.Close()
	if _, err := r.OpenFile("/f"); err != nil {
		t.Fatalf("OpenFile(/f): %v", err)
	}
}

// TestCRCCorruptionIsolatedToOneBlock covers spec.md §8 S4: corrupting one
// block's encoded payload on disk fails only reads of that block; its
// neighbors in the same stream remain readable.
func TestCRCCorruptionIsolatedToOneBlock(t *testing.T) {
	t.Parallel()
	dir, err := ioutil.TempDir("", "vafs-image-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	const blockSize = 8 * 1024 // minBlockSize
	path := imagePath(dir, "crc.vafs")
	img, err := vimage.Create(path, vimage.Config{
		Architecture:  vimage.ArchX64,
		DataBlockSize: blockSize,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	content := make([]byte, 3*blockSize)
	rand.New(rand.NewSource(1)).Read(content)
	fh, err := img.Root().CreateFile("big", 0644)
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if _, err := fh.Write(content); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := img.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := ioutil.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	marker := content[blockSize : blockSize+64]
	idx := bytes.Index(raw, marker)
	if idx < 0 {
		t.Fatal("second block's content not found verbatim on disk")
	}
	raw[idx] ^= 0xff
	if err := ioutil.WriteFile(path, raw, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	r, err := vimage.OpenFile(path, nil, vimage.Config{})
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer r.Close()

	readBlock := func(i int) ([]byte, error) {
		fh, err := r.OpenFile("/big")
		if err != nil {
			t.Fatalf("OpenFile(/big): %v", err)
		}
		if err := fh.Seek(uint64(i * blockSize)); err != nil {
			t.Fatalf("Seek: %v", err)
		}
		buf := make([]byte, blockSize)
		n, err := fh.Read(buf)
		return buf[:n], err
	}

	got0, err := readBlock(0)
	if err != nil {
		t.Fatalf("read block 0: %v", err)
	}
	if !bytes.Equal(got0, content[0:blockSize]) {
		t.Errorf("block 0 content mismatch")
	}

	if _, err := readBlock(1); vimage.KindOf(err) != vimage.IOIntegrity {
		t.Fatalf("read block 1 (corrupted): err = %v, want Kind=IOIntegrity", err)
	}

	got2, err := readBlock(2)
	if err != nil {
		t.Fatalf("read block 2: %v", err)
	}
	if !bytes.Equal(got2, content[2*blockSize:3*blockSize]) {
		t.Errorf("block 2 content mismatch")
	}
}

// TestEmptyImage covers spec.md §8 S5: an image with no files, no
// directories, and no symlinks still opens and reports an empty root.
func TestEmptyImage(t *testing.T) {
	t.Parallel()
	dir, err := ioutil.TempDir("", "vafs-image-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	path := imagePath(dir, "empty.vafs")
	img, err := vimage.Create(path, vimage.Config{Architecture: vimage.ArchX64})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := img.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := vimage.OpenFile(path, nil, vimage.Config{})
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer r.Close()

	stat, err := r.PathStat("/")
	if err != nil {
		t.Fatalf("PathStat(/): %v", err)
	}
	if stat.Type != vimage.TypeDirectory || stat.Permissions != 0755 {
		t.Errorf("PathStat(/) = %+v, want directory|0755", stat)
	}

	entries, err := r.Root().Entries()
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("root entries = %v, want none", entries)
	}
}

// TestCloseIsIdempotent covers spec.md §8 testable property 7: closing
// twice fails the second call with invalid_argument and does not corrupt
// the image already written to disk.
func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	dir, err := ioutil.TempDir("", "vafs-image-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	path := buildSample(t, dir, vimage.Config{Architecture: vimage.ArchX64})

	img, err := vimage.OpenFile(path, nil, vimage.Config{})
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if err := img.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := img.Close(); vimage.KindOf(err) != vimage.InvalidArgument {
		t.Fatalf("second Close: err = %v, want Kind=InvalidArgument", err)
	}

	// The image on disk must still be intact and independently openable.
	r, err := vimage.OpenFile(path, nil, vimage.Config{})
	if err != nil {
		t.Fatalf("reopen after double Close: %v", err)
	}
	defer r.Close()
	if _, err := r.OpenFile("/etc/hostname"); err != nil {
		t.Fatalf("OpenFile(/etc/hostname) after double Close: %v", err)
	}
}

// TestZeroLengthFile covers the zero-length-file boundary: write then
// read returns zero bytes, file_length = 0.
func TestZeroLengthFile(t *testing.T) {
	t.Parallel()
	dir, err := ioutil.TempDir("", "vafs-image-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	path := imagePath(dir, "zero.vafs")
	img, err := vimage.Create(path, vimage.Config{Architecture: vimage.ArchX64})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	wh, err := img.Root().CreateFile("empty", 0644)
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if wh.Size() != 0 {
		t.Errorf("Size() before any write = %d, want 0", wh.Size())
	}
	if err := img.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := vimage.OpenFile(path, nil, vimage.Config{})
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer r.Close()

	stat, err := r.PathStat("/empty")
	if err != nil {
		t.Fatalf("PathStat(/empty): %v", err)
	}
	if stat.Size != 0 {
		t.Errorf("PathStat(/empty).Size = %d, want 0", stat.Size)
	}

	fh, err := r.OpenFile("/empty")
	if err != nil {
		t.Fatalf("OpenFile(/empty): %v", err)
	}
	if fh.Size() != 0 {
		t.Errorf("Size() = %d, want 0", fh.Size())
	}
	buf := make([]byte, 16)
	n, err := fh.Read(buf)
	if n != 0 || vimage.KindOf(err) != vimage.EndOfStream {
		t.Fatalf("Read on zero-length file = (%d, %v), want (0, EndOfStream)", n, err)
	}
}

// TestBlockBoundarySizes covers sizes around the block boundary (0, 1,
// block_size-1, block_size, block_size+1, 2*block_size): at each one the
// reopened file reports the written Size and its content round-trips
// exactly. The number of blocks written is not inspected.
func TestBlockBoundarySizes(t *testing.T) {
	t.Parallel()
	const blockSize = 8 * 1024 // minBlockSize

	sizes := []int{0, 1, blockSize - 1, blockSize, blockSize + 1, 2 * blockSize}
	for _, size := range sizes {
		size := size
		t.Run(fmt.Sprintf("size=%d", size), func(t *testing.T) {
			t.Parallel()
			dir, err := ioutil.TempDir("", "vafs-image-test")
			if err != nil {
				t.Fatal(err)
			}
			defer os.RemoveAll(dir)

			path := imagePath(dir, fmt.Sprintf("boundary-%d.vafs", size))
			img, err := vimage.Create(path, vimage.Config{
				Architecture:  vimage.ArchX64,
				DataBlockSize: blockSize,
			})
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			content := make([]byte, size)
			rand.New(rand.NewSource(int64(size) + 1)).Read(content)
			fh, err := img.Root().CreateFile("f", 0644)
			if err != nil {
				t.Fatalf("CreateFile: %v", err)
			}
			if _, err := fh.Write(content); err != nil {
				t.Fatalf("Write: %v", err)
			}
			if err := img.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			r, err := vimage.OpenFile(path, nil, vimage.Config{})
			if err != nil {
				t.Fatalf("OpenFile: %v", err)
			}
			defer r.Close()

			rh, err := r.OpenFile("/f")
			if err != nil {
				t.Fatalf("OpenFile(/f): %v", err)
			}
			if rh.Size() != uint64(size) {
				t.Fatalf("Size() = %d, want %d", rh.Size(), size)
			}
			var got []byte
			buf := make([]byte, 4096)
			for {
				n, err := rh.Read(buf)
				got = append(got, buf[:n]...)
				if vimage.KindOf(err) == vimage.EndOfStream {
					break
				}
				if err != nil {
					t.Fatalf("Read: %v", err)
				}
				if n == 0 {
					break
				}
			}
			if !bytes.Equal(got, content) {
				t.Fatalf("round-trip mismatch at size %d: got %d bytes, want %d", size, len(got), len(content))
			}
		})
	}
}
