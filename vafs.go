// Package vafs is the root package of the VaFs toolchain: the small set
// of conveniences every cmd/vafs-* front-end shares (architecture
// parsing, an interruptible context). The image format itself lives in
// internal/vimage; this package never touches the wire format directly.
package vafs

import "github.com/vafs-project/vafs/internal/vimage"

// Architecture re-exports vimage's header architecture enum so CLI code
// never has to import internal/vimage just to parse a --arch flag.
type Architecture = vimage.Architecture

const (
	ArchUnknown = vimage.ArchUnknown
	ArchX86     = vimage.ArchX86
	ArchX64     = vimage.ArchX64
	ArchARM     = vimage.ArchARM
	ArchARM64   = vimage.ArchARM64
	ArchRISCV32 = vimage.ArchRISCV32
	ArchRISCV64 = vimage.ArchRISCV64
	ArchAll     = vimage.ArchAll
)

// Architectures lists the CLI spellings accepted by --arch, in the order
// they should be presented in usage text.
var Architectures = []string{"i386", "amd64", "arm", "arm64", "rv32", "rv64"}

// ParseArchitecture maps a --arch flag value to the header enum.
func ParseArchitecture(s string) (Architecture, bool) {
	return vimage.ParseArchitecture(s)
}
