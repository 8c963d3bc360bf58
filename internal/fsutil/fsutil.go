package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var tiffExts = map[string]struct{}{
	".tif":  {},
	".tiff": {},
}

// IsTIFF checks the file extension only.
func IsTIFF(path string) bool {
	_, ok := tiffExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// ListFrames returns the TIFF files directly inside dir in lexical order,
// which is the frame order of a stack directory. Subdirectories are not
// descended into.
func ListFrames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if IsTIFF(e.Name()) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// ResolveStack expands a stack location: a directory yields its frames, a
// single TIFF file yields itself.
func ResolveStack(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		if !IsTIFF(path) {
			return nil, fmt.Errorf("%s: not a TIFF file", path)
		}
		return []string{path}, nil
	}
	files, err := ListFrames(path)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%s: no TIFF frames found", path)
	}
	return files, nil
}

// ExpandUser replaces a leading ~ with the home directory.
func ExpandUser(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path[1:], string(filepath.Separator)))
}
