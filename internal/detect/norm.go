package detect

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"srcfind/pkg/skymap"
)

// safeMean estimates the mean of arr robustly: the median over bsize-chunk
// means, which shrugs off a few wild outliers without the bias of a plain
// median on skewed data.
func safeMean(arr []float64, bsize int) float64 {
	nblock := len(arr) / bsize
	if nblock <= 1 {
		return stat.Mean(arr, nil)
	}
	means := make([]float64, 0, nblock+1)
	for b := 0; b < nblock; b++ {
		means = append(means, stat.Mean(arr[b*bsize:(b+1)*bsize], nil))
	}
	means = append(means, stat.Mean(arr[(nblock-1)*bsize:], nil))
	sort.Float64s(means)
	return stat.Quantile(0.5, stat.Empirical, means, nil)
}

// normMap builds the per-tile noise normalization: the map is partitioned
// into bsize blocks, each block gets a robust RMS of its nonzero samples,
// and that value is broadcast back to the whole block. Blocks without
// samples keep a normalization of one.
func normMap(snmap *skymap.Map, bsize int) *skymap.Map {
	norm := skymap.New(snmap.Ny, snmap.Nx, snmap.WCS).Fill(1)
	nby := snmap.Ny / bsize
	nbx := snmap.Nx / bsize
	if nby < 1 {
		nby = 1
	}
	if nbx < 1 {
		nbx = 1
	}
	var vals []float64
	for by := 0; by < nby; by++ {
		y1 := by * bsize
		y2 := y1 + bsize
		if by == nby-1 {
			y2 = snmap.Ny
		}
		for bx := 0; bx < nbx; bx++ {
			x1 := bx * bsize
			x2 := x1 + bsize
			if bx == nbx-1 {
				x2 = snmap.Nx
			}
			vals = vals[:0]
			for y := y1; y < y2; y++ {
				for x := x1; x < x2; x++ {
					if v := snmap.Get(y, x); v != 0 {
						vals = append(vals, v*v)
					}
				}
			}
			if len(vals) == 0 {
				continue
			}
			std := math.Sqrt(safeMean(vals, 100))
			for y := y1; y < y2; y++ {
				for x := x1; x < x2; x++ {
					norm.Set(y, x, std)
				}
			}
		}
	}
	return norm
}
