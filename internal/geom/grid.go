package geom

import (
	"math"
	"sort"
)

// Grid is a uniform-cell spatial hash over a fixed slice of points. Queries
// return indices into that slice.
type Grid struct {
	CellSize float64
	Cells    map[int64][]int

	pts                    []Point
	minX, maxX, minY, maxY int64
}

// NewGrid indexes pts with the given cell size. A non-positive size picks
// one from the point density.
func NewGrid(pts []Point, cellSize float64) *Grid {
	if cellSize <= 0 {
		cellSize = AutoCellSize(pts, 2)
	}
	g := &Grid{
		CellSize: cellSize,
		Cells:    make(map[int64][]int, len(pts)),
		pts:      pts,
		minX:     math.MaxInt64, minY: math.MaxInt64,
		maxX:     math.MinInt64, maxY: math.MinInt64,
	}
	for i, p := range pts {
		cx, cy := g.cell(p)
		g.minX, g.maxX = min(g.minX, cx), max(g.maxX, cx)
		g.minY, g.maxY = min(g.minY, cy), max(g.maxY, cy)
		id := cellID(cx, cy)
		g.Cells[id] = append(g.Cells[id], i)
	}
	return g
}

// AutoCellSize picks a cell side so that a cell holds about perCell points
// of the bounding box.
func AutoCellSize(pts []Point, perCell float64) float64 {
	if len(pts) < 2 {
		return 1
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range pts {
		minX, maxX = math.Min(minX, p.X), math.Max(maxX, p.X)
		minY, maxY = math.Min(minY, p.Y), math.Max(maxY, p.Y)
	}
	w, h := maxX-minX, maxY-minY
	area := w * h
	if area <= 0 {
		area = math.Max(w, h) * math.Max(w, h)
	}
	if area <= 0 {
		return 1
	}
	return math.Sqrt(area * perCell / float64(len(pts)))
}

// Len is the number of indexed points.
func (g *Grid) Len() int { return len(g.pts) }

// Point returns the indexed point i.
func (g *Grid) Point(i int) Point { return g.pts[i] }

func (g *Grid) cell(p Point) (int64, int64) {
	return int64(math.Floor(p.X / g.CellSize)), int64(math.Floor(p.Y / g.CellSize))
}

// cellID pairs signed cell coordinates: zigzag to non-negative, then
// Szudzik's pairing.
func cellID(cx, cy int64) int64 {
	var a, b int64
	if cx >= 0 {
		a = 2 * cx
	} else {
		a = -2*cx - 1
	}
	if cy >= 0 {
		b = 2 * cy
	} else {
		b = -2*cy - 1
	}
	if a >= b {
		return a*a + a + b
	}
	return a + b*b
}

// Within returns the indices of all points within r of p, in index order.
func (g *Grid) Within(p Point, r float64) []int {
	if len(g.pts) == 0 || r < 0 {
		return nil
	}
	r2 := r * r
	x0, y0 := g.cell(Point{p.X - r, p.Y - r})
	x1, y1 := g.cell(Point{p.X + r, p.Y + r})
	x0, y0 = max(x0, g.minX), max(y0, g.minY)
	x1, y1 = min(x1, g.maxX), min(y1, g.maxY)
	var out []int
	for cx := x0; cx <= x1; cx++ {
		for cy := y0; cy <= y1; cy++ {
			for _, i := range g.Cells[cellID(cx, cy)] {
				if g.pts[i].Dist2(p) <= r2 {
					out = append(out, i)
				}
			}
		}
	}
	sort.Ints(out)
	return out
}

// Nearest returns the closest point to p within r that skip does not
// exclude. Ties go to the lower index.
func (g *Grid) Nearest(p Point, r float64, skip func(int) bool) (int, float64, bool) {
	best, bestD2 := -1, math.Inf(1)
	for _, i := range g.Within(p, r) {
		if skip != nil && skip(i) {
			continue
		}
		if d2 := g.pts[i].Dist2(p); d2 < bestD2 {
			best, bestD2 = i, d2
		}
	}
	if best < 0 {
		return -1, 0, false
	}
	return best, math.Sqrt(bestD2), true
}

// KNearest returns up to k indices of the points closest to point i,
// excluding i itself, nearest first. It searches outward ring by ring and
// stops once no unvisited cell can hold anything closer.
func (g *Grid) KNearest(i, k int) []int {
	if k <= 0 || len(g.pts) < 2 {
		return nil
	}
	p := g.pts[i]
	cx, cy := g.cell(p)
	type cand struct {
		idx int
		d2  float64
	}
	var found []cand
	span := max(g.maxX-g.minX, g.maxY-g.minY) + 1
	for ring := int64(0); ring <= span; ring++ {
		for dx := -ring; dx <= ring; dx++ {
			for dy := -ring; dy <= ring; dy++ {
				if max(abs64(dx), abs64(dy)) != ring {
					continue
				}
				for _, j := range g.Cells[cellID(cx+dx, cy+dy)] {
					if j != i {
						found = append(found, cand{j, g.pts[j].Dist2(p)})
					}
				}
			}
		}
		if len(found) >= k {
			sort.Slice(found, func(a, b int) bool {
				if found[a].d2 != found[b].d2 {
					return found[a].d2 < found[b].d2
				}
				return found[a].idx < found[b].idx
			})
			reach := float64(ring) * g.CellSize
			if found[k-1].d2 <= reach*reach {
				break
			}
		}
	}
	sort.Slice(found, func(a, b int) bool {
		if found[a].d2 != found[b].d2 {
			return found[a].d2 < found[b].d2
		}
		return found[a].idx < found[b].idx
	})
	if len(found) > k {
		found = found[:k]
	}
	out := make([]int, len(found))
	for j, c := range found {
		out[j] = c.idx
	}
	return out
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
