package extract

import (
	"encoding/csv"
	"io"
	"math"
	"strconv"
	"strings"

	"platesolver/internal/errors"
)

// ReadStarList parses a CSV list of pre-extracted stars with columns
// x, y and either flux or mag (instrumental magnitude). A header row is
// optional; without one the third column is taken as flux. The result is
// sorted brightest first.
func ReadStarList(r io.Reader) ([]Star, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.Comment = '#'
	cr.FieldsPerRecord = -1

	var stars []Star
	magnitudes := false
	line := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(errors.Mark(err, errors.ErrInput), "read star list")
		}
		line++
		if len(rec) < 3 {
			return nil, errors.Inputf("star list line %d: want 3 columns, got %d", line, len(rec))
		}
		if line == 1 {
			if _, err := strconv.ParseFloat(strings.TrimSpace(rec[0]), 64); err != nil {
				col := strings.ToLower(strings.TrimSpace(rec[2]))
				magnitudes = strings.HasPrefix(col, "mag")
				continue
			}
		}
		var v [3]float64
		for i := range v {
			v[i], err = strconv.ParseFloat(strings.TrimSpace(rec[i]), 64)
			if err != nil || math.IsNaN(v[i]) || math.IsInf(v[i], 0) {
				return nil, errors.Inputf("star list line %d: bad value %q", line, rec[i])
			}
		}
		flux := v[2]
		if magnitudes {
			flux = math.Pow(10, -0.4*v[2])
		}
		if flux < 0 {
			return nil, errors.Inputf("star list line %d: negative flux", line)
		}
		stars = append(stars, Star{X: v[0], Y: v[1], Flux: flux})
	}
	SortByFlux(stars)
	return stars, nil
}

// WriteStarList writes stars as x,y,flux CSV with a header row.
func WriteStarList(w io.Writer, stars []Star) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"x", "y", "flux"}); err != nil {
		return err
	}
	for _, s := range stars {
		rec := []string{
			strconv.FormatFloat(s.X, 'f', 3, 64),
			strconv.FormatFloat(s.Y, 'f', 3, 64),
			strconv.FormatFloat(s.Flux, 'g', 6, 64),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
