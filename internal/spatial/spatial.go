// Package spatial provides radius queries over sky positions via a kd-tree
// on cos(dec)-scaled coordinates, so Euclidean distances in the index
// approximate angular distances.
package spatial

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"

	"srcfind/pkg/skymap"
)

// point is a kd-tree element carrying its source index.
type point struct {
	kdtree.Point
	id int
}

func (p point) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(point)
	return p.Point[d] - q.Point[d]
}
func (p point) Dims() int { return len(p.Point) }
func (p point) Distance(c kdtree.Comparable) float64 {
	q := c.(point)
	return p.Point.Distance(q.Point)
}

type points []point

func (p points) Index(i int) kdtree.Comparable         { return p[i] }
func (p points) Len() int                              { return len(p) }
func (p points) Pivot(d kdtree.Dim) int                { return plane{points: p, Dim: d}.Pivot() }
func (p points) Slice(start, end int) kdtree.Interface { return p[start:end] }

type plane struct {
	points
	kdtree.Dim
}

func (p plane) Less(i, j int) bool { return p.points[i].Point[p.Dim] < p.points[j].Point[p.Dim] }
func (p plane) Pivot() int         { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	p.points = p.points[start:end]
	return p
}
func (p plane) Swap(i, j int) {
	p.points[i], p.points[j] = p.points[j], p.points[i]
}

// Index answers radius queries over a fixed set of sky positions.
type Index struct {
	tree *kdtree.Tree
}

func scale(c skymap.Coord, raShift float64) kdtree.Point {
	ra := skymap.Rewind(c.RA) + raShift
	return kdtree.Point{c.Dec, ra * math.Cos(c.Dec)}
}

// NewIndex builds an index over pos. With wrapRA, duplicates shifted by
// +-2pi in RA are added so separations across the wrap seam are honored.
func NewIndex(pos []skymap.Coord, wrapRA bool) *Index {
	shifts := []float64{0}
	if wrapRA {
		shifts = []float64{0, -2 * math.Pi, 2 * math.Pi}
	}
	pts := make(points, 0, len(pos)*len(shifts))
	for i, c := range pos {
		for _, s := range shifts {
			pts = append(pts, point{Point: scale(c, s), id: i})
		}
	}
	return &Index{tree: kdtree.New(pts, false)}
}

// Within returns the sorted indices of all positions within radius r of c,
// including c itself if it is indexed.
func (ix *Index) Within(c skymap.Coord, r float64) []int {
	keep := kdtree.NewDistKeeper(r * r)
	ix.tree.NearestSet(keep, point{Point: scale(c, 0), id: -1})
	seen := map[int]bool{}
	for _, cd := range keep.Heap {
		if cd.Comparable == nil {
			continue
		}
		seen[cd.Comparable.(point).id] = true
	}
	out := make([]int, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}
