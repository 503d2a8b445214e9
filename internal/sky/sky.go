// Package sky converts between equatorial coordinates and the gnomonic
// tangent plane. All angles are in degrees.
package sky

import (
	"math"

	"platesolver/internal/geom"
)

const (
	deg = math.Pi / 180
	rad = 180 / math.Pi
)

// Coord is a right ascension / declination pair in degrees.
type Coord struct {
	RA  float64 `json:"ra"`
	Dec float64 `json:"dec"`
}

// HoursToDegrees converts right ascension in hours to degrees.
func HoursToDegrees(h float64) float64 { return h * 15 }

// NormalizeRA folds ra into [0, 360).
func NormalizeRA(ra float64) float64 { return geom.NormalizeDeg(ra) }

// Separation is the great-circle distance between a and b.
func Separation(a, b Coord) float64 {
	sd1, cd1 := math.Sincos(a.Dec * deg)
	sd2, cd2 := math.Sincos(b.Dec * deg)
	sdr, cdr := math.Sincos((b.RA - a.RA) * deg)
	num := math.Hypot(cd2*sdr, cd1*sd2-sd1*cd2*cdr)
	den := sd1*sd2 + cd1*cd2*cdr
	return math.Atan2(num, den) * rad
}

// Project maps c onto the tangent plane touching the sphere at center.
// X (xi) grows toward increasing RA, Y (eta) toward north. ok is false for
// points on or beyond the horizon of center.
func Project(center, c Coord) (p geom.Point, ok bool) {
	sd0, cd0 := math.Sincos(center.Dec * deg)
	sd, cd := math.Sincos(c.Dec * deg)
	sa, ca := math.Sincos((c.RA - center.RA) * deg)
	cosc := sd0*sd + cd0*cd*ca
	if cosc <= 0 {
		return geom.Point{}, false
	}
	xi := cd * sa / cosc
	eta := (cd0*sd - sd0*cd*ca) / cosc
	return geom.Point{X: xi * rad, Y: eta * rad}, true
}

// Deproject is the inverse of Project.
func Deproject(center Coord, p geom.Point) Coord {
	xi, eta := p.X*deg, p.Y*deg
	sd0, cd0 := math.Sincos(center.Dec * deg)
	den := cd0 - eta*sd0
	ra := center.RA + math.Atan2(xi, den)*rad
	dec := math.Atan2(sd0+eta*cd0, math.Hypot(xi, den)) * rad
	return Coord{RA: NormalizeRA(ra), Dec: dec}
}

// Offset returns the point reached by travelling dist degrees from c along
// the great circle with the given bearing (0 = north, 90 = east).
func Offset(c Coord, bearingDeg, dist float64) Coord {
	sd, cd := math.Sincos(c.Dec * deg)
	sr, cr := math.Sincos(dist * deg)
	sb, cb := math.Sincos(bearingDeg * deg)
	dec := math.Asin(sd*cr + cd*sr*cb)
	ra := c.RA*deg + math.Atan2(sb*sr*cd, cr-sd*math.Sin(dec))
	return Coord{RA: NormalizeRA(ra * rad), Dec: dec * rad}
}
