package catalog

import (
	"bufio"
	"encoding/binary"
	"encoding/csv"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"platesolver/internal/errors"
	"platesolver/internal/sky"
)

// Format names a catalog file layout.
type Format string

const (
	FormatHYG    Format = "hyg"
	FormatGaia   Format = "gaia"
	FormatCSV    Format = "csv"
	FormatSQLite Format = "sqlite"
)

// DetectFormat guesses the format from the file extension.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".bin":
		return FormatGaia
	case ".sqlite", ".sqlite3":
		return FormatSQLite
	}
	if strings.Contains(strings.ToLower(filepath.Base(path)), "hyg") {
		return FormatHYG
	}
	return FormatCSV
}

// ReadHYG parses the compact HYG CSV: id, hip, ra (hours), dec (degrees),
// mag, with a header row.
func ReadHYG(r io.Reader) ([]Star, error) {
	return readCSV(r, true)
}

// ReadCSV parses id, ra, dec, mag rows with RA in degrees. A header row is
// optional.
func ReadCSV(r io.Reader) ([]Star, error) {
	return readCSV(r, false)
}

func readCSV(r io.Reader, hyg bool) ([]Star, error) {
	cr := csv.NewReader(bufio.NewReader(r))
	cr.TrimLeadingSpace = true
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	want := 4
	if hyg {
		want = 5
	}
	var stars []Star
	line := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(errors.Mark(err, errors.ErrInput), "read catalog csv")
		}
		line++
		if len(rec) < want {
			return nil, errors.Inputf("catalog line %d: want %d columns, got %d", line, want, len(rec))
		}
		if line == 1 {
			if _, err := strconv.ParseFloat(strings.TrimSpace(rec[want-1]), 64); err != nil {
				continue
			}
		}
		var (
			id         int64
			ra, dec, m float64
		)
		id, err = strconv.ParseInt(strings.TrimSpace(rec[0]), 10, 64)
		if err != nil {
			return nil, errors.Inputf("catalog line %d: bad id %q", line, rec[0])
		}
		cols := rec[1:]
		if hyg {
			cols = rec[2:]
		}
		vals := [3]*float64{&ra, &dec, &m}
		for i, dst := range vals {
			v, err := strconv.ParseFloat(strings.TrimSpace(cols[i]), 64)
			if err != nil {
				return nil, errors.Inputf("catalog line %d: bad value %q", line, cols[i])
			}
			*dst = v
		}
		if hyg {
			ra = sky.HoursToDegrees(ra)
		}
		s := Star{ID: id, RA: sky.NormalizeRA(ra), Dec: dec, Mag: m}
		if err := validate(s); err != nil {
			return nil, err
		}
		stars = append(stars, s)
	}
	SortByMag(stars)
	return stars, nil
}

const (
	gaiaHeaders    = 3
	gaiaHeaderSize = 1 + 255
	gaiaRecordSize = 28
)

// ReadGaiaBinary parses the compact Gaia binary catalog: three header
// strings, each a length byte followed by 255 bytes, then little-endian
// records of u64 source id, f64 ra (degrees), f64 dec (degrees) and f32
// magnitude. It returns the headers and the stars, brightest first.
func ReadGaiaBinary(r io.Reader) ([]string, []Star, error) {
	br := bufio.NewReader(r)
	headers := make([]string, 0, gaiaHeaders)
	var hdr [gaiaHeaderSize]byte
	for i := 0; i < gaiaHeaders; i++ {
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			return nil, nil, errors.Wrapf(errors.Mark(err, errors.ErrInput), "read gaia header %d", i)
		}
		headers = append(headers, string(hdr[1:1+int(hdr[0])]))
	}

	var stars []Star
	var rec [gaiaRecordSize]byte
	for {
		_, err := io.ReadFull(br, rec[:])
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			return nil, nil, errors.Inputf("gaia catalog truncated after %d records", len(stars))
		}
		if err != nil {
			return nil, nil, errors.Wrap(err, "read gaia record")
		}
		s := Star{
			ID:  int64(binary.LittleEndian.Uint64(rec[0:8])),
			RA:  math.Float64frombits(binary.LittleEndian.Uint64(rec[8:16])),
			Dec: math.Float64frombits(binary.LittleEndian.Uint64(rec[16:24])),
			Mag: float64(math.Float32frombits(binary.LittleEndian.Uint32(rec[24:28]))),
		}
		if err := validate(s); err != nil {
			return nil, nil, err
		}
		s.RA = sky.NormalizeRA(s.RA)
		stars = append(stars, s)
	}
	SortByMag(stars)
	return headers, stars, nil
}

// WriteGaiaBinary writes stars in the layout ReadGaiaBinary expects.
func WriteGaiaBinary(w io.Writer, headers []string, stars []Star) error {
	bw := bufio.NewWriter(w)
	for i := 0; i < gaiaHeaders; i++ {
		var hdr [gaiaHeaderSize]byte
		if i < len(headers) {
			n := copy(hdr[1:], headers[i])
			hdr[0] = byte(n)
		}
		if _, err := bw.Write(hdr[:]); err != nil {
			return err
		}
	}
	var rec [gaiaRecordSize]byte
	for _, s := range stars {
		binary.LittleEndian.PutUint64(rec[0:8], uint64(s.ID))
		binary.LittleEndian.PutUint64(rec[8:16], math.Float64bits(s.RA))
		binary.LittleEndian.PutUint64(rec[16:24], math.Float64bits(s.Dec))
		binary.LittleEndian.PutUint32(rec[24:28], math.Float32bits(float32(s.Mag)))
		if _, err := bw.Write(rec[:]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadFile loads a catalog file into memory.
func ReadFile(path string, format Format) ([]Star, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open catalog %s", path)
	}
	defer f.Close()

	switch format {
	case FormatHYG:
		return ReadHYG(f)
	case FormatCSV:
		return ReadCSV(f)
	case FormatGaia:
		_, stars, err := ReadGaiaBinary(f)
		return stars, err
	default:
		return nil, errors.Inputf("catalog format %q cannot be read into memory", format)
	}
}
