// Package hostfs walks a host directory tree into the flat entry list the
// archiver feeds into vimage, and supplies a platform shim for the two
// primitives that differ between POSIX and Windows: lstat and readlink.
package hostfs

import (
	"bufio"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/xerrors"
)

// Kind discriminates the entries Walk produces.
type Kind int

const (
	KindFile Kind = iota + 1
	KindDirectory
	KindSymlink
)

// Entry is one host filesystem object discovered by Walk, named relative
// to the walk root with forward slashes regardless of host OS.
type Entry struct {
	RelPath string
	Kind    Kind
	Target  string // populated for KindSymlink
	Mode    os.FileMode
}

// Walk walks root, producing one Entry per regular file, directory, and
// symlink. Device files, FIFOs, and sockets are skipped with a logged
// diagnostic: VaFs archives a subset of file types, matching the
// teacher's own SquashFS writer, which likewise only supports a subset.
// Entries named by a .vafsignore glob at the walk root (one pattern per
// line, matched against RelPath) are skipped silently.
func Walk(root string) ([]Entry, error) {
	ignore, err := loadIgnore(root)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if matchesIgnore(ignore, rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := platformLstat(path)
		if err != nil {
			return err
		}

		switch {
		case info.Mode&os.ModeSymlink != 0:
			target, err := platformReadlink(path)
			if err != nil {
				return err
			}
			entries = append(entries, Entry{RelPath: rel, Kind: KindSymlink, Target: target, Mode: info.Mode})
		case info.Mode.IsDir():
			entries = append(entries, Entry{RelPath: rel, Kind: KindDirectory, Mode: info.Mode})
		case info.Mode.IsRegular():
			entries = append(entries, Entry{RelPath: rel, Kind: KindFile, Mode: info.Mode})
		default:
			log.Printf("hostfs: skipping %s: unsupported file type %v", rel, info.Mode)
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("hostfs: walk %s: %w", root, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].RelPath < entries[j].RelPath })
	return entries, nil
}

func loadIgnore(root string) ([]string, error) {
	f, err := os.Open(filepath.Join(root, ".vafsignore"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var patterns []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns, sc.Err()
}

func matchesIgnore(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, rel); ok {
			return true
		}
	}
	return false
}
