package catalog

import (
	"io"

	"platesolver/internal/errors"
)

// Open returns a Source for the catalog at path. File formats are loaded
// into memory; SQLite databases are queried per cone. The returned closer
// releases any database handle.
func Open(path string, format Format) (Source, io.Closer, error) {
	if path == "" {
		return nil, nil, errors.WithHint(errors.Inputf("no catalog configured"),
			"set catalog.path in the config file or pass --catalog")
	}
	if format == "" {
		format = DetectFormat(path)
	}
	if format == FormatSQLite {
		src, err := OpenSQLite(path)
		if err != nil {
			return nil, nil, err
		}
		return src, src, nil
	}
	stars, err := ReadFile(path, format)
	if err != nil {
		return nil, nil, err
	}
	src, err := NewMemorySource(stars)
	if err != nil {
		return nil, nil, err
	}
	return src, nopCloser{}, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
