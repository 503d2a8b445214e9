package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Kind classifies a solver input file by extension.
type Kind int

const (
	KindUnknown Kind = iota
	// KindImage is a raster ImageMagick can decode.
	KindImage
	// KindStarList is a CSV of pre-extracted x, y, flux|mag rows.
	KindStarList
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindStarList:
		return "starlist"
	default:
		return "unknown"
	}
}

var imageExts = map[string]struct{}{
	".fits": {},
	".fit":  {},
	".fts":  {},
	".png":  {},
	".jpg":  {},
	".jpeg": {},
	".tif":  {},
	".tiff": {},
	".pgm":  {},
}

var starListExts = map[string]struct{}{
	".csv": {},
	".xy":  {},
}

// Classify returns the input kind for path.
func Classify(path string) Kind {
	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := imageExts[ext]; ok {
		return KindImage
	}
	if _, ok := starListExts[ext]; ok {
		return KindStarList
	}
	return KindUnknown
}

// IsImageFile checks if a file is any supported image format.
func IsImageFile(path string) bool { return Classify(path) == KindImage }

// IsStarList checks if a file looks like a star list.
func IsStarList(path string) bool { return Classify(path) == KindStarList }

// ListInputs returns all solvable files under root in lexical order.
// Hidden files and directories are skipped.
func ListInputs(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if Classify(path) != KindUnknown {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
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

// SidecarPath returns the path next to input with its extension replaced
// by suffix, e.g. frame.fits -> frame.wcs.json.
func SidecarPath(input, suffix string) string {
	return strings.TrimSuffix(input, filepath.Ext(input)) + suffix
}
