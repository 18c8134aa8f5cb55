package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var frameExts = map[string]struct{}{
	".fits": {},
	".fit":  {},
	".fts":  {},
}

// ListFrames returns the FITS files under root in lexical order. Hidden
// files, such as partially written temporaries, are skipped.
func ListFrames(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		if IsFrameFile(root) {
			return []string{root}, nil
		}
		return nil, nil
	}
	var files []string
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if IsFrameFile(path) {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// IsFrameFile reports whether path names a visible FITS file.
func IsFrameFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	_, ok := frameExts[strings.ToLower(filepath.Ext(base))]
	return ok
}

// MatchFrame reports whether path is a FITS file whose base name matches
// the glob pattern. An empty pattern matches every frame.
func MatchFrame(pattern, path string) bool {
	if !IsFrameFile(path) {
		return false
	}
	if pattern == "" {
		return true
	}
	ok, err := filepath.Match(pattern, filepath.Base(path))
	return err == nil && ok
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
