package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// decodable tile formats; anything else in the directory is ignored
var imageExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".tif":  {},
	".tiff": {},
	".bmp":  {},
}

// extensions only ImageMagick can read
var magickExts = map[string]struct{}{
	".dng":  {},
	".nef":  {},
	".cr2":  {},
	".webp": {},
	".jp2":  {},
	".pgm":  {},
	".ppm":  {},
}

// ListImages returns the tile image files directly inside dir, sorted.
// When withMagick is set, formats only ImageMagick decodes are included.
func ListImages(dir string, withMagick bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if IsImageFile(p) || (withMagick && NeedsMagick(p)) {
			files = append(files, p)
		}
	}
	sort.Strings(files)
	return files, nil
}

// IsImageFile checks if a file is a natively decodable image.
func IsImageFile(path string) bool {
	_, ok := imageExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// NeedsMagick checks if a file can only be decoded through ImageMagick.
func NeedsMagick(path string) bool {
	_, ok := magickExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Stem returns the file name without directory and extension.
func Stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
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
