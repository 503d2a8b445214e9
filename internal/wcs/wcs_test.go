package wcs

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"platesolver/internal/errors"
	"platesolver/internal/geom"
	"platesolver/internal/sky"
	"platesolver/internal/synth"
)

func pairs(f synth.Field, n int, seed int64) ([]geom.Point, []sky.Coord) {
	r := rand.New(rand.NewSource(seed))
	px := make([]geom.Point, n)
	st := make([]sky.Coord, n)
	for i := range px {
		px[i] = geom.Point{X: r.Float64() * float64(f.Width), Y: r.Float64() * float64(f.Height)}
		st[i] = f.PixelToSky(px[i])
	}
	return px, st
}

func TestFitRecoversGeometry(t *testing.T) {
	f := synth.Field{
		Center:      sky.Coord{RA: 83.8, Dec: -5.4},
		ScaleArcsec: 1.5,
		RotationDeg: 17,
		Width:       1024,
		Height:      1024,
	}
	px, st := pairs(f, 40, 1)
	// start from a tangent point well away from the image centre
	w, err := Fit(px, st, sky.Offset(f.Center, 30, 0.3), f.Width, f.Height, 1)
	require.NoError(t, err)

	assert.Equal(t, geom.Point{X: 512, Y: 512}, w.CRPix)
	assert.Less(t, sky.Separation(f.Center, w.CRVal)*3600, 1e-2)
	assert.InDelta(t, 1.5, w.ScaleArcsec(), 1e-4)
	assert.InDelta(t, 0, geom.AngleDiffDeg(17, w.RotationDeg()), 0.01)
	assert.Equal(t, 1, w.Parity())
	assert.Nil(t, w.Distortion)

	for i := range px {
		got := w.PixelToSky(px[i])
		assert.Less(t, sky.Separation(got, st[i])*3600, 0.01)
		back, ok := w.SkyToPixel(st[i])
		require.True(t, ok)
		assert.InDelta(t, px[i].X, back.X, 0.01)
		assert.InDelta(t, px[i].Y, back.Y, 0.01)
	}
}

func TestFitOffCentreReference(t *testing.T) {
	// the field's own tangent point is off the image centre, so the fitted
	// CD picks up meridian convergence and only positions are compared
	f := synth.Field{
		Center:      sky.Coord{RA: 83.8, Dec: -5.4},
		ScaleArcsec: 1.5,
		RotationDeg: 17,
		Width:       1024,
		Height:      1024,
		Reference:   geom.Point{X: 300, Y: 700},
	}
	px, st := pairs(f, 40, 1)
	w, err := Fit(px, st, f.Center, f.Width, f.Height, 1)
	require.NoError(t, err)

	assert.Equal(t, geom.Point{X: 512, Y: 512}, w.CRPix)
	assert.Less(t, sky.Separation(f.PixelToSky(w.CRPix), w.CRVal)*3600, 1e-2)
	assert.InDelta(t, 1.5, w.ScaleArcsec(), 1e-3)
	assert.InDelta(t, 0, geom.AngleDiffDeg(17, w.RotationDeg()), 0.05)
	for i := range px {
		assert.Less(t, sky.Separation(w.PixelToSky(px[i]), st[i])*3600, 0.05)
	}
}

func TestFitMirrored(t *testing.T) {
	f := synth.Field{Center: sky.Coord{RA: 200, Dec: 60}, ScaleArcsec: 3, RotationDeg: 250, Parity: -1, Width: 800, Height: 600}
	px, st := pairs(f, 20, 2)
	w, err := Fit(px, st, f.Center, f.Width, f.Height, 1)
	require.NoError(t, err)
	assert.Equal(t, -1, w.Parity())
	assert.InDelta(t, 3, w.ScaleArcsec(), 1e-3)
}

func TestFitQuadraticAndSIP(t *testing.T) {
	w0 := &WCS{
		CRPix:      geom.Point{X: 400, Y: 300},
		CRVal:      sky.Coord{RA: 10, Dec: 20},
		CD:         [2][2]float64{{-2e-4, 1e-5}, {1e-5, 2e-4}},
		Distortion: &Distortion{X: [3]float64{2e-10, 0, -1e-10}, Y: [3]float64{0, 3e-10, 0}},
		Width:      800,
		Height:     600,
	}
	r := rand.New(rand.NewSource(3))
	var px []geom.Point
	var st []sky.Coord
	for i := 0; i < 60; i++ {
		p := geom.Point{X: r.Float64() * 800, Y: r.Float64() * 600}
		px = append(px, p)
		st = append(st, w0.PixelToSky(p))
	}
	w, err := Fit(px, st, w0.CRVal, 800, 600, 2)
	require.NoError(t, err)
	require.NotNil(t, w.Distortion)
	assert.InDelta(t, 2e-10, w.Distortion.X[0], 1e-12)
	assert.InDelta(t, 3e-10, w.Distortion.Y[1], 1e-12)

	for _, p := range px[:10] {
		back, ok := w.SkyToPixel(w.PixelToSky(p))
		require.True(t, ok)
		assert.InDelta(t, p.X, back.X, 1e-6)
		assert.InDelta(t, p.Y, back.Y, 1e-6)
	}

	keys := map[string]Card{}
	for _, c := range w.FITSHeader() {
		keys[c.Key] = c
		assert.Len(t, c.String(), 80)
	}
	assert.Equal(t, "RA---TAN-SIP", keys["CTYPE1"].Value)
	assert.Equal(t, 401.0, keys["CRPIX1"].Value)
	assert.Contains(t, keys, "A_2_0")
	assert.Contains(t, keys, "B_1_1")
}

func TestFitErrors(t *testing.T) {
	_, err := Fit([]geom.Point{{}}, nil, sky.Coord{}, 10, 10, 1)
	assert.Error(t, err)

	_, err = Fit(nil, nil, sky.Coord{}, 0, 10, 1)
	assert.True(t, errors.Is(err, errors.ErrInput))

	// a star on the far side of the sky cannot be projected
	px := []geom.Point{{X: 0, Y: 0}, {X: 1, Y: 5}, {X: 2, Y: 2}}
	st := []sky.Coord{{RA: 1, Dec: 1}, {RA: 181, Dec: -1}, {RA: 1.002, Dec: 1.002}}
	_, err = Fit(px, st, st[0], 10, 10, 1)
	assert.Error(t, err)
}

func TestCardString(t *testing.T) {
	s := Card{"CTYPE1", "RA---TAN", "gnomonic projection"}.String()
	assert.True(t, strings.HasPrefix(s, "CTYPE1  = 'RA---TAN'"))
	assert.Contains(t, s, "/ gnomonic projection")

	s = Card{Key: "IMAGEW", Value: 1024}.String()
	assert.Equal(t, "IMAGEW  =                 1024", strings.TrimRight(s, " "))
}
