package vafs

import (
	"github.com/vafs-project/vafs/internal/filters"
	"github.com/vafs-project/vafs/internal/vimage"
)

// StandardRegistry returns a *vimage.FeatureRegistry with every filter
// family internal/filters knows how to decode already registered, so
// cmd/vafs-extract and cmd/vafs-mount can open an image regardless of
// which compression vafs-archive picked.
func StandardRegistry() *vimage.FeatureRegistry {
	r := vimage.NewFeatureRegistry()

	zlibFamily, zlibOps := filters.Zlib()
	r.RegisterFilter(zlibFamily, zlibOps)

	// The encoder level only affects filters.Zstd's Encode closure; a
	// registry built for opening images never calls it, only Decode.
	zstdFamily, zstdOps := filters.Zstd(0)
	r.RegisterFilter(zstdFamily, zstdOps)

	gzipFamily, gzipOps := filters.Gzip()
	r.RegisterFilter(gzipFamily, gzipOps)

	return r
}
