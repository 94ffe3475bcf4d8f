package staging

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAreaLifecycle(t *testing.T) {
	mgr, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	area, err := mgr.Create()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if filepath.Dir(area.Path()) != mgr.Root() {
		t.Fatalf("area %s not under root %s", area.Path(), mgr.Root())
	}

	if err := area.Write("b.pdf", []byte("second")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := area.Write("nested/dir/a.pdf", []byte("first")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := area.Write("b.pdf", []byte("replaced")); err != nil {
		t.Fatalf("write: %v", err)
	}

	files, err := area.ReadAll()
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(files) != 2 || files[0].Title != "a.pdf" || files[1].Title != "b.pdf" {
		t.Fatalf("unexpected files: %+v", files)
	}
	if string(files[1].Data) != "replaced" {
		t.Fatalf("later write should win, got %q", files[1].Data)
	}

	if err := area.Cleanup(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(area.Path()); !os.IsNotExist(err) {
		t.Fatalf("staging area still exists")
	}
	if err := area.Cleanup(); err != nil {
		t.Fatalf("second cleanup: %v", err)
	}
}

func TestAreasAreDistinct(t *testing.T) {
	mgr, _ := NewManager(t.TempDir())
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		area, err := mgr.Create()
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if seen[area.Path()] {
			t.Fatalf("duplicate staging dir %s", area.Path())
		}
		seen[area.Path()] = true
	}
}

func TestSafeName(t *testing.T) {
	valid := map[string]string{
		"a.pdf":          "a.pdf",
		"docs/a.pdf":     "a.pdf",
		`C:\docs\a.pdf`:  "a.pdf",
		"  report.pdf  ": "report.pdf",
	}
	for in, want := range valid {
		got, err := SafeName(in)
		if err != nil || got != want {
			t.Fatalf("SafeName(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	for _, in := range []string{"", "..", "../etc/passwd", "a/../../b.pdf", ".hidden", "dir/", "/"} {
		if _, err := SafeName(in); !errors.Is(err, ErrInvalidTitle) {
			t.Fatalf("SafeName(%q) expected ErrInvalidTitle, got %v", in, err)
		}
	}
}
