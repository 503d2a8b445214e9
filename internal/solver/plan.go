package solver

import (
	"math"

	"platesolver/internal/sky"
)

// Region is one sky cone searched by an attempt.
type Region struct {
	Center    sky.Coord `json:"center"`
	RadiusDeg float64   `json:"radius_deg"`
}

// attempt is one (region, magnitude limit) unit of work. Index is its
// position in the deterministic attempt order.
type attempt struct {
	Index    int
	Region   Region
	MagLimit float64
}

// regions lists the cone centres to search. With a pointing hint they are
// the hint itself followed by rings of step spacing out to its radius,
// nearest first. Without one the whole sky is tiled in declination bands.
func regions(p *Pointing, step float64) []sky.Coord {
	if p != nil {
		center := sky.Coord{RA: sky.NormalizeRA(p.RA), Dec: p.Dec}
		out := []sky.Coord{center}
		if p.RadiusDeg <= 0 || step <= 0 {
			return out
		}
		// the last ring sits on the radius itself
		rings := int(math.Ceil(p.RadiusDeg/step - 1e-9))
		for k := 1; k <= rings; k++ {
			dist := math.Min(float64(k)*step, p.RadiusDeg)
			n := int(math.Ceil(2 * math.Pi * float64(k)))
			for j := 0; j < n; j++ {
				out = append(out, sky.Offset(center, 360*float64(j)/float64(n), dist))
			}
		}
		return out
	}

	bands := int(math.Ceil(180 / step))
	h := 180 / float64(bands)
	var out []sky.Coord
	for i := 0; i < bands; i++ {
		dec := -90 + h*(float64(i)+0.5)
		n := max(1, int(math.Ceil(360*math.Cos(dec*math.Pi/180)/h)))
		for j := 0; j < n; j++ {
			out = append(out, sky.Coord{RA: 360 * (float64(j) + 0.5) / float64(n), Dec: dec})
		}
	}
	return out
}

// plan expands regions and the magnitude ladder into the attempt order:
// region-major, magnitude-minor.
func plan(centers []sky.Coord, radius float64, ladder []float64) []attempt {
	out := make([]attempt, 0, len(centers)*len(ladder))
	for _, c := range centers {
		for _, mag := range ladder {
			out = append(out, attempt{
				Index:    len(out),
				Region:   Region{Center: c, RadiusDeg: radius},
				MagLimit: mag,
			})
		}
	}
	return out
}
