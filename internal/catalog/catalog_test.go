package catalog

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"platesolver/internal/errors"
	"platesolver/internal/sky"
)

var sample = []Star{
	{ID: 1, RA: 10.0, Dec: 20.0, Mag: 5.5},
	{ID: 2, RA: 10.5, Dec: 20.2, Mag: 3.1},
	{ID: 3, RA: 11.0, Dec: 19.5, Mag: 9.0},
	{ID: 4, RA: 40.0, Dec: -5.0, Mag: 2.0},
	{ID: 5, RA: 359.9, Dec: 20.0, Mag: 4.0},
}

func TestMemorySourceCone(t *testing.T) {
	src, err := NewMemorySource(sample)
	require.NoError(t, err)

	got, err := src.Stars(context.Background(), Cone{Center: sky.Coord{RA: 10.3, Dec: 20}, RadiusDeg: 1}, 8)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].ID)
	assert.Equal(t, int64(1), got[1].ID)

	// wraps through RA 0
	got, err = src.Stars(context.Background(), Cone{Center: sky.Coord{RA: 0.2, Dec: 20}, RadiusDeg: 0.5}, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(5), got[0].ID)

	_, err = src.Stars(context.Background(), Cone{}, 10)
	assert.True(t, errors.Is(err, errors.ErrInput))
}

func TestMemorySourceRejectsBadStars(t *testing.T) {
	_, err := NewMemorySource([]Star{{ID: 9, RA: 1, Dec: 95, Mag: 1}})
	assert.True(t, errors.Is(err, errors.ErrInput))
}

func TestReadHYG(t *testing.T) {
	in := "id,hip,ra,dec,mag\n" +
		"7,100,6.0,-16.7,-1.44\n" +
		"8,101,5.9,7.4,0.45\n"
	stars, err := ReadHYG(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, stars, 2)
	assert.Equal(t, int64(7), stars[0].ID)
	assert.InDelta(t, 90.0, stars[0].RA, 1e-12)
	assert.InDelta(t, 88.5, stars[1].RA, 1e-12)

	_, err = ReadHYG(strings.NewReader("id,hip,ra,dec,mag\n1,2,x,3,4\n"))
	assert.True(t, errors.Is(err, errors.ErrInput))
}

func TestReadCSVWithoutHeader(t *testing.T) {
	stars, err := ReadCSV(strings.NewReader("1, 10.5, 20, 6\n2, -1, 0, 5\n"))
	require.NoError(t, err)
	require.Len(t, stars, 2)
	assert.Equal(t, int64(2), stars[0].ID)
	assert.InDelta(t, 359, stars[0].RA, 1e-12)
}

func TestGaiaBinaryRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteGaiaBinary(&buf, []string{"mini gaia", "dr2", "v1"}, sample))
	assert.Equal(t, 3*256+len(sample)*28, buf.Len())

	headers, stars, err := ReadGaiaBinary(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, []string{"mini gaia", "dr2", "v1"}, headers)
	require.Len(t, stars, len(sample))
	assert.Equal(t, int64(4), stars[0].ID)
	assert.InDelta(t, 2.0, stars[0].Mag, 1e-6)

	truncated := buf.Bytes()[:buf.Len()-5]
	_, _, err = ReadGaiaBinary(bytes.NewReader(truncated))
	assert.True(t, errors.Is(err, errors.ErrInput))

	_, _, err = ReadGaiaBinary(bytes.NewReader(buf.Bytes()[:100]))
	assert.True(t, errors.Is(err, errors.ErrInput))
}

func TestSQLiteSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.sqlite")
	src, err := OpenSQLite(path)
	require.NoError(t, err)
	defer src.Close()

	ctx := context.Background()
	n, err := src.Import(ctx, sample)
	require.NoError(t, err)
	assert.Equal(t, len(sample), n)

	count, err := src.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(sample), count)

	got, err := src.Stars(ctx, Cone{Center: sky.Coord{RA: 10.3, Dec: 20}, RadiusDeg: 1}, 8)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].ID)

	// re-import replaces rather than duplicates
	_, err = src.Import(ctx, sample[:2])
	require.NoError(t, err)
	count, err = src.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(sample), count)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stars.csv")
	require.NoError(t, os.WriteFile(path, []byte("id,ra,dec,mag\n1,10,20,5\n"), 0o644))

	src, closer, err := Open(path, "")
	require.NoError(t, err)
	defer closer.Close()
	got, err := src.Stars(context.Background(), Cone{Center: sky.Coord{RA: 10, Dec: 20}, RadiusDeg: 0.1}, 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	_, _, err = Open("", "")
	assert.True(t, errors.Is(err, errors.ErrInput))

	assert.Equal(t, FormatGaia, DetectFormat("mini-gaia-dr2.db"))
	assert.Equal(t, FormatHYG, DetectFormat("hygfull-compact.csv"))
	assert.Equal(t, FormatSQLite, DetectFormat("cat.sqlite"))
}
