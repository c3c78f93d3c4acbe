// Package vimage implements the VaFs on-disk image engine: the
// block-structured, read-mostly archive format used to carry an init-time
// root filesystem as a single container file.
//
// The engine is layered, each layer depending only on those below it:
//
//	stream device    -- seek/read/write/close over a file, memory buffer,
//	                     or caller-supplied callbacks, one exclusive
//	                     try-lock per device
//	block stream     -- fixed-block-size codec over a device: block table,
//	                     per-block CRC, optional filter, block cache
//	descriptor tree  -- directories, files, symlinks as length-prefixed
//	                     records spread across descriptor-stream blocks
//	path resolver    -- tokenizes paths, walks the tree, resolves
//	                     symlinks with loop-safe canonicalization
//	handles          -- typed views (file, directory, symlink) exposing
//	                     open/read/write/seek/readdir/readlink/stat
//	image assembly   -- header, feature table, two-stream layout,
//	                     create/open lifecycle, finalization
//
// An image is write-only while it is being assembled and becomes
// read-only the moment Close returns. The package never mutates a closed
// image and never retries I/O; every error surfaces to the caller, and
// those the package detects itself are tagged with a Kind from the
// taxonomy in errors.go.
package vimage
