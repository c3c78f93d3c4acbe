package hostfs_test

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/vafs-project/vafs/internal/hostfs"
)

func TestWalk(t *testing.T) {
	root, err := ioutil.TempDir("", "hostfs-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(root)

	if err := os.MkdirAll(filepath.Join(root, "etc"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := ioutil.WriteFile(filepath.Join(root, "etc", "hostname"), []byte("box\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("hostname", filepath.Join(root, "etc", "hostname.link")); err != nil {
		t.Fatal(err)
	}

	entries, err := hostfs.Walk(root)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}

	byPath := make(map[string]hostfs.Entry)
	for _, e := range entries {
		byPath[e.RelPath] = e
	}

	dir, ok := byPath["etc"]
	if !ok || dir.Kind != hostfs.KindDirectory {
		t.Errorf("etc entry = %+v, ok=%v, want a directory", dir, ok)
	}
	file, ok := byPath["etc/hostname"]
	if !ok || file.Kind != hostfs.KindFile {
		t.Errorf("etc/hostname entry = %+v, ok=%v, want a file", file, ok)
	}
	link, ok := byPath["etc/hostname.link"]
	if !ok || link.Kind != hostfs.KindSymlink || link.Target != "hostname" {
		t.Errorf("etc/hostname.link entry = %+v, ok=%v, want symlink -> hostname", link, ok)
	}
}

func TestWalkHonorsIgnoreFile(t *testing.T) {
	root, err := ioutil.TempDir("", "hostfs-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(root)

	if err := ioutil.WriteFile(filepath.Join(root, ".vafsignore"), []byte("*.log\nbuild\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := ioutil.WriteFile(filepath.Join(root, "keep.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := ioutil.WriteFile(filepath.Join(root, "debug.log"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "build", "obj"), 0755); err != nil {
		t.Fatal(err)
	}

	entries, err := hostfs.Walk(root)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	for _, e := range entries {
		if e.RelPath == "debug.log" {
			t.Errorf("debug.log should have been ignored")
		}
		if e.RelPath == "build" || e.RelPath == "build/obj" {
			t.Errorf("%s should have been ignored (entire subtree)", e.RelPath)
		}
	}

	var sawKeep bool
	for _, e := range entries {
		if e.RelPath == "keep.txt" {
			sawKeep = true
		}
	}
	if !sawKeep {
		t.Errorf("keep.txt missing from walk results")
	}
}
