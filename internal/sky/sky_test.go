package sky

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"platesolver/internal/geom"
)

func TestProjectRoundTrip(t *testing.T) {
	centers := []Coord{{10, 20}, {359.9, -45}, {180, 89.5}, {0, 0}}
	for _, c := range centers {
		for _, off := range []geom.Point{{0, 0}, {0.3, -0.2}, {-1.1, 0.7}} {
			s := Deproject(c, off)
			p, ok := Project(c, s)
			require.True(t, ok)
			assert.InDelta(t, off.X, p.X, 1e-9)
			assert.InDelta(t, off.Y, p.Y, 1e-9)
		}
	}
}

func TestProjectOrientation(t *testing.T) {
	c := Coord{RA: 100, Dec: 10}
	p, ok := Project(c, Coord{RA: 100.1, Dec: 10})
	require.True(t, ok)
	assert.Greater(t, p.X, 0.0)
	p, ok = Project(c, Coord{RA: 100, Dec: 10.1})
	require.True(t, ok)
	assert.InDelta(t, 0.1, p.Y, 1e-6)

	_, ok = Project(c, Coord{RA: 280, Dec: -10})
	assert.False(t, ok)
}

func TestSeparation(t *testing.T) {
	assert.InDelta(t, 90, Separation(Coord{0, 0}, Coord{90, 0}), 1e-12)
	assert.InDelta(t, 180, Separation(Coord{0, 45}, Coord{180, -45}), 1e-9)
	assert.InDelta(t, 1, Separation(Coord{20, 30}, Coord{20, 31}), 1e-12)
	// Betelgeuse to Rigel, about 18.6 degrees
	assert.InDelta(t, 18.6, Separation(Coord{88.7929, 7.4071}, Coord{78.6345, -8.2016}), 0.05)
}

func TestOffset(t *testing.T) {
	c := Coord{RA: 45, Dec: 30}
	for _, b := range []float64{0, 45, 90, 200} {
		o := Offset(c, b, 2.5)
		assert.InDelta(t, 2.5, Separation(c, o), 1e-9)
	}
	n := Offset(c, 0, 1)
	assert.InDelta(t, 31, n.Dec, 1e-9)
	assert.InDelta(t, 45, n.RA, 1e-9)
}

func TestHoursToDegrees(t *testing.T) {
	assert.Equal(t, 90.0, HoursToDegrees(6))
	assert.InDelta(t, 350, NormalizeRA(-10), 1e-12)
}
