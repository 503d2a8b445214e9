// Package catalog provides reference stars to the solver. The solver only
// sees the Source interface; the readers in this package turn catalog
// files and databases into sources.
package catalog

import (
	"context"
	"sort"

	"platesolver/internal/errors"
	"platesolver/internal/sky"
)

// Star is a reference star. RA and Dec are in degrees.
type Star struct {
	ID  int64   `json:"id"`
	RA  float64 `json:"ra"`
	Dec float64 `json:"dec"`
	Mag float64 `json:"mag"`
}

// Coord returns the star position.
func (s Star) Coord() sky.Coord { return sky.Coord{RA: s.RA, Dec: s.Dec} }

// Cone is a circular sky region.
type Cone struct {
	Center    sky.Coord `json:"center"`
	RadiusDeg float64   `json:"radius_deg"`
}

// Contains reports whether c lies inside the cone.
func (c Cone) Contains(p sky.Coord) bool {
	return sky.Separation(c.Center, p) <= c.RadiusDeg
}

// Source enumerates catalog stars inside a cone no fainter than maxMag,
// brightest first.
type Source interface {
	Stars(ctx context.Context, cone Cone, maxMag float64) ([]Star, error)
}

// SortByMag orders stars brightest first, ties by ID.
func SortByMag(stars []Star) {
	sort.SliceStable(stars, func(i, j int) bool {
		if stars[i].Mag != stars[j].Mag {
			return stars[i].Mag < stars[j].Mag
		}
		return stars[i].ID < stars[j].ID
	})
}

// validate rejects stars with impossible coordinates.
func validate(s Star) error {
	if s.Dec < -90 || s.Dec > 90 || s.RA != s.RA || s.Dec != s.Dec || s.Mag != s.Mag {
		return errors.Inputf("catalog star %d has invalid position ra=%g dec=%g", s.ID, s.RA, s.Dec)
	}
	return nil
}

// MemorySource serves stars held in memory.
type MemorySource struct {
	stars []Star
}

// NewMemorySource copies stars into a source. Invalid stars are an input
// error.
func NewMemorySource(stars []Star) (*MemorySource, error) {
	out := make([]Star, len(stars))
	for i, s := range stars {
		if err := validate(s); err != nil {
			return nil, err
		}
		s.RA = sky.NormalizeRA(s.RA)
		out[i] = s
	}
	SortByMag(out)
	return &MemorySource{stars: out}, nil
}

// Len is the number of stars held.
func (m *MemorySource) Len() int { return len(m.stars) }

// All returns every star, brightest first.
func (m *MemorySource) All() []Star { return append([]Star(nil), m.stars...) }

// Stars implements Source.
func (m *MemorySource) Stars(ctx context.Context, cone Cone, maxMag float64) ([]Star, error) {
	if cone.RadiusDeg <= 0 {
		return nil, errors.Inputf("cone radius %g", cone.RadiusDeg)
	}
	var out []Star
	for i, s := range m.stars {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if s.Mag > maxMag {
			// sorted by magnitude
			break
		}
		if cone.Contains(s.Coord()) {
			out = append(out, s)
		}
	}
	return out, nil
}
