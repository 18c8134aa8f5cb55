package fsutil

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestListFrames(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.fits", "a.FIT", "night/c.fts", ".tmp.fits", "notes.txt"} {
		touch(t, filepath.Join(dir, name))
	}
	got, err := ListFrames(dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{
		filepath.Join(dir, "a.FIT"),
		filepath.Join(dir, "b.fits"),
		filepath.Join(dir, "night", "c.fts"),
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	single, err := ListFrames(want[1])
	if err != nil || len(single) != 1 {
		t.Fatalf("single file: %v %v", single, err)
	}
}

func TestMatchFrame(t *testing.T) {
	if !MatchFrame("", "/x/obj_001.fits") {
		t.Fatal("empty pattern should match frames")
	}
	if !MatchFrame("obj_*.fits", "/x/obj_001.fits") {
		t.Fatal("pattern should match")
	}
	if MatchFrame("obj_*.fits", "/x/flat_001.fits") {
		t.Fatal("pattern should not match")
	}
	if MatchFrame("*", "/x/obj_001.png") {
		t.Fatal("non-FITS files never match")
	}
}
