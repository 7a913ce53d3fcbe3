// Package fit solves for the amplitudes of point sources at known positions
// by building and solving the matched-filter normal equations, using a
// correlation-length partition of the sources to keep the covariance
// computation tractable.
package fit

import (
	"math"

	"srcfind/internal/spatial"
	"srcfind/pkg/skymap"
)

// CorrLen computes the correlation length of a harmonic-space kernel: the
// largest angular distance at which the kernel's real-space correlation
// function still exceeds tol relative to its peak.
func CorrLen(kernel *skymap.Map, tol float64) float64 {
	corr := kernel.AsFMap().IFFT2()
	corr.Scale(1 / corr.Data[0])
	refY, refX := corr.Ny/2, corr.Nx/2
	ref := corr.PosAt(refY, refX)
	corrlen := 0.0
	for y := 0; y < corr.Ny; y++ {
		// The correlation function sits at (0,0); recenter offsets on the
		// reference pixel before measuring distances.
		dy := y
		if dy > corr.Ny/2 {
			dy -= corr.Ny
		}
		for x := 0; x < corr.Nx; x++ {
			if math.Abs(corr.Get(y, x)) <= tol {
				continue
			}
			dx := x
			if dx > corr.Nx/2 {
				dx -= corr.Nx
			}
			pos := corr.PosAt(refY+dy, refX+dx)
			if r := skymap.AngDist(pos, ref); r > corrlen {
				corrlen = r
			}
		}
	}
	return corrlen
}

// GroupIndependent partitions sources into groups with no pairwise overlap
// within corrlen, and returns each source's correlated-neighbor set (all
// other sources within corrlen, symmetric, independent of the grouping).
func GroupIndependent(pos []skymap.Coord, corrlen float64) (groups [][]int, neighbors [][]int) {
	n := len(pos)
	neighbors = make([][]int, n)
	if n == 0 {
		return nil, neighbors
	}
	index := spatial.NewIndex(pos, true)
	for i, c := range pos {
		for _, id := range index.Within(c, corrlen) {
			if id != i {
				neighbors[i] = append(neighbors[i], id)
			}
		}
	}
	// Greedy covering: grow a group by repeatedly taking a candidate and
	// discarding everything correlated with it. Not minimal, but within a
	// group no two members overlap.
	assigned := make([]bool, n)
	for remaining := n; remaining > 0; {
		var group []int
		candidate := make([]bool, n)
		for i := range candidate {
			candidate[i] = !assigned[i]
		}
		for i := 0; i < n; i++ {
			if !candidate[i] {
				continue
			}
			candidate[i] = false
			for _, nb := range neighbors[i] {
				candidate[nb] = false
			}
			group = append(group, i)
		}
		for _, i := range group {
			assigned[i] = true
		}
		remaining -= len(group)
		groups = append(groups, group)
	}
	return groups, neighbors
}
