package security

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestWithin(t *testing.T) {
	tmpDir := t.TempDir()
	dataDir := filepath.Join(tmpDir, "data")
	outside := filepath.Join(tmpDir, "outside")
	for _, dir := range []string{filepath.Join(dataDir, "calibrations"), outside} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}
	calFile := filepath.Join(dataDir, "calibrations", "cam_dev-video0_1280x720_cal_data.json")
	if err := os.WriteFile(calFile, []byte("{}"), 0644); err != nil {
		t.Fatalf("write calibration: %v", err)
	}
	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("secret"), 0644); err != nil {
		t.Fatalf("write secret: %v", err)
	}
	link := filepath.Join(dataDir, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{name: "relative file", path: "calibrations/cam_dev-video0_1280x720_cal_data.json"},
		{name: "absolute file", path: calFile},
		{name: "missing nested file", path: "calibrations/cam_dev-video2_imgs/1.png"},
		{name: "root itself", path: "."},
		{name: "dot dot", path: "../outside/secret.txt", wantErr: true},
		{name: "deep dot dot", path: "../../../etc/passwd", wantErr: true},
		{name: "absolute outside", path: "/etc/passwd", wantErr: true},
		{name: "through symlink", path: "escape/secret.txt", wantErr: true},
		{name: "symlink itself", path: "escape", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Within(dataDir, tt.path)
			if tt.wantErr {
				if !errors.Is(err, ErrOutsideRoot) {
					t.Fatalf("Within(%q) error = %v, want ErrOutsideRoot", tt.path, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Within(%q) error = %v", tt.path, err)
			}
			if !filepath.IsAbs(got) {
				t.Errorf("Within(%q) = %q, want an absolute path", tt.path, got)
			}
		})
	}
}

func TestWithin_MissingRoot(t *testing.T) {
	_, err := Within(filepath.Join(t.TempDir(), "nope"), "file.txt")
	if err == nil || errors.Is(err, ErrOutsideRoot) {
		t.Fatalf("Within with missing root error = %v, want a resolve error", err)
	}
}
