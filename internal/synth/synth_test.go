package synth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"platesolver/internal/geom"
	"platesolver/internal/sky"
)

func TestTruthMapsReferenceToCenter(t *testing.T) {
	f := Field{Center: sky.Coord{RA: 83.8, Dec: -5.4}, ScaleArcsec: 1.5, RotationDeg: 17, Width: 1024, Height: 1024}
	p := f.Truth().Apply(geom.Point{X: 512, Y: 512})
	assert.InDelta(t, 0, p.X, 1e-12)
	assert.InDelta(t, 0, p.Y, 1e-12)
	assert.InDelta(t, 1.5/3600, f.Truth().Scale(), 1e-15)
	assert.InDelta(t, 17, f.Truth().RotationDeg(), 1e-9)

	c := f.PixelToSky(geom.Point{X: 100, Y: 900})
	back, ok := f.SkyToPixel(c)
	require.True(t, ok)
	assert.InDelta(t, 100, back.X, 1e-6)
	assert.InDelta(t, 900, back.Y, 1e-6)
}

func TestCatalogSplitsInsideAndOutside(t *testing.T) {
	f := Field{Center: sky.Coord{RA: 10, Dec: 40}, ScaleArcsec: 1.5, RotationDeg: 17, Width: 1024, Height: 1024, Margin: 8, Seed: 3}
	cat := f.Catalog(50, 100, 2)
	require.Len(t, cat, 150)
	stars := f.Stars(cat)
	assert.Len(t, stars, 50)
	for i := 1; i < len(stars); i++ {
		assert.GreaterOrEqual(t, stars[i-1].Flux, stars[i].Flux)
	}
}

func TestRender(t *testing.T) {
	f := Field{Center: sky.Coord{RA: 10, Dec: 40}, ScaleArcsec: 2, Width: 64, Height: 48, Margin: 10, Seed: 4}
	stars := f.Stars(f.Catalog(3, 0, 1))
	im := f.Render(stars, 1.2, 100, 0, 1000)
	require.NoError(t, im.Validate())
	brightest := stars[0]
	v := im.At(int(brightest.X+0.5), int(brightest.Y+0.5))
	assert.Greater(t, v, 500.0)
	assert.Equal(t, 100.0, im.At(0, 0))
}
