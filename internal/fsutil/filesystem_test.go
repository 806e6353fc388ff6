package fsutil

import (
	"errors"
	"io/fs"
	"path/filepath"
	"testing"
)

func exerciseFileSystem(t *testing.T, fsys FileSystem, root string) {
	t.Helper()

	dir := filepath.Join(root, "cal", "imgs")
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if !fsys.Exists(dir) {
		t.Fatalf("directory %s should exist", dir)
	}

	for _, name := range []string{"2.png", "1.png", "notes.txt"} {
		if err := fsys.WriteFile(filepath.Join(dir, name), []byte(name), 0o644); err != nil {
			t.Fatalf("WriteFile(%s): %v", name, err)
		}
	}

	data, err := fsys.ReadFile(filepath.Join(dir, "1.png"))
	if err != nil || string(data) != "1.png" {
		t.Fatalf("ReadFile = %q, %v", data, err)
	}

	matches, err := fsys.Glob(filepath.Join(dir, "*.png"))
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	if len(matches) != 2 || filepath.Base(matches[0]) != "1.png" || filepath.Base(matches[1]) != "2.png" {
		t.Errorf("Glob = %v, want sorted [1.png 2.png]", matches)
	}

	if err := fsys.RemoveAll(filepath.Join(root, "cal")); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	if fsys.Exists(filepath.Join(dir, "1.png")) {
		t.Error("file should be gone after RemoveAll")
	}
	if _, err := fsys.ReadFile(filepath.Join(dir, "1.png")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("ReadFile after RemoveAll err = %v, want ErrNotExist", err)
	}
}

func TestOSFileSystem(t *testing.T) {
	exerciseFileSystem(t, OSFileSystem{}, t.TempDir())
}

func TestMemoryFileSystem(t *testing.T) {
	exerciseFileSystem(t, NewMemoryFileSystem(), "/data")
}

func TestMemoryFileSystem_ImpliedDirsAndBadPattern(t *testing.T) {
	m := NewMemoryFileSystem()
	if err := m.WriteFile("/data/calibrations/cam_dev-video0_1280x720_cal_data.json", []byte("{}"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if !m.Exists("/data/calibrations") || !m.Exists("/data") {
		t.Error("parents of a written file should exist")
	}
	if _, err := m.Glob("/data/[calibrations"); err == nil {
		t.Error("Glob with a malformed pattern should fail")
	}
}

func TestOSFileSystem_WriteFileReplaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "layout.json")
	fsys := OSFileSystem{}
	for _, body := range []string{`{"tags":[]}`, `{"tags":[{"ID":1}]}`} {
		if err := fsys.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		got, err := fsys.ReadFile(path)
		if err != nil || string(got) != body {
			t.Fatalf("ReadFile = %q, %v; want %q", got, err, body)
		}
	}
	leftovers, err := filepath.Glob(filepath.Join(dir, ".layout.json.*"))
	if err != nil || len(leftovers) != 0 {
		t.Errorf("temporary files left behind: %v (%v)", leftovers, err)
	}
}
