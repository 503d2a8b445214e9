// Package index builds the per-region catalog quad index queried by the
// matcher. An Index is immutable once built and safe for concurrent reads.
package index

import (
	"context"
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"

	"platesolver/internal/catalog"
	"platesolver/internal/geom"
	"platesolver/internal/quad"
	"platesolver/internal/sky"
)

// Index holds catalog stars projected onto the tangent plane at Center
// (degrees) and their quads keyed by code.
type Index struct {
	Center sky.Coord
	Stars  []catalog.Star
	Points []geom.Point
	Quads  []quad.Quad

	tree *kdtree.Tree
	grid *geom.Grid
}

// Build projects stars about center and indexes their quads. Stars on the
// far side of the tangent point are dropped.
func Build(ctx context.Context, stars []catalog.Star, center sky.Coord, cfg quad.Config) (*Index, error) {
	ix := &Index{Center: center}
	for _, s := range stars {
		p, ok := sky.Project(center, s.Coord())
		if !ok {
			continue
		}
		ix.Stars = append(ix.Stars, s)
		ix.Points = append(ix.Points, p)
	}

	b := quad.NewBuilder(cfg)
	n := 0
	for q := range b.All(ix.Points) {
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		ix.Quads = append(ix.Quads, q)
		n++
	}

	if len(ix.Quads) > 0 {
		entries := make(codes, len(ix.Quads))
		for i, q := range ix.Quads {
			entries[i] = entry{code: q.Code, id: i}
		}
		ix.tree = kdtree.New(entries, false)
	}
	ix.grid = geom.NewGrid(ix.Points, 0)
	return ix, nil
}

// Len is the number of indexed quads.
func (ix *Index) Len() int { return len(ix.Quads) }

// Query returns the indices into Quads of every quad whose code lies within
// tol of code, in ascending order, or nil when none does.
func (ix *Index) Query(code quad.Code, tol float64) []int {
	if ix.tree == nil || tol < 0 {
		return nil
	}
	keep := kdtree.NewDistKeeper(tol * tol)
	ix.tree.NearestSet(keep, entry{code: code, id: -1})
	var out []int
	for _, h := range keep.Heap {
		if h.Comparable == nil {
			continue
		}
		out = append(out, h.Comparable.(entry).id)
	}
	sort.Ints(out)
	return out
}

// Nearest returns the catalog star closest to p within r degrees on the
// tangent plane, skipping those skip excludes.
func (ix *Index) Nearest(p geom.Point, r float64, skip func(int) bool) (int, float64, bool) {
	return ix.grid.Nearest(p, r, skip)
}

// Grid exposes the spatial index over Points.
func (ix *Index) Grid() *geom.Grid { return ix.grid }

// entry is a kd-tree element: a quad code and its position in Quads.
type entry struct {
	code quad.Code
	id   int
}

func (e entry) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return e.code[d] - c.(entry).code[d]
}

func (e entry) Dims() int { return len(e.code) }

// Distance is the squared Euclidean distance, matching the keeper bound.
func (e entry) Distance(c kdtree.Comparable) float64 {
	return e.code.Dist2(c.(entry).code)
}

type codes []entry

func (c codes) Index(i int) kdtree.Comparable { return c[i] }
func (c codes) Len() int                      { return len(c) }
func (c codes) Slice(start, end int) kdtree.Interface {
	return c[start:end]
}

func (c codes) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(plane{codes: c, dim: d}, kdtree.MedianOfMedians(plane{codes: c, dim: d}))
}

// plane orders entries along one dimension for pivot selection.
type plane struct {
	codes
	dim kdtree.Dim
}

func (p plane) Less(i, j int) bool { return p.codes[i].code[p.dim] < p.codes[j].code[p.dim] }
func (p plane) Swap(i, j int)      { p.codes[i], p.codes[j] = p.codes[j], p.codes[i] }
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	return plane{codes: p.codes[start:end], dim: p.dim}
}
