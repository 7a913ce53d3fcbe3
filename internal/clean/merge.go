package clean

import (
	"math"
	"sort"

	"srcfind/internal/spatial"
	"srcfind/pkg/catalog"
	"srcfind/pkg/skymap"
)

// MergeDuplicates combines catalog entries closer than rlim into single
// entries. Members whose peak amplitude falls more than alim below the
// group maximum are treated as contaminated fits and excluded from the
// combination, but still count as consumed. Positions and amplitudes are
// inverse-variance weighted means; the uncertainty of the merged entry is
// the smallest among the contributors.
func MergeDuplicates(cat catalog.Catalog, rlim, alim float64) catalog.Catalog {
	if len(cat) < 2 {
		return cat
	}
	n := len(cat)
	ncomp := cat.NComp()
	pos := make([]skymap.Coord, n)
	for i, e := range cat {
		pos[i] = skymap.Coord{Dec: e.Dec, RA: skymap.Rewind(e.RA)}
	}
	index := spatial.NewIndex(pos, false)
	done := make([]bool, n)
	var out catalog.Catalog
	for i := range cat {
		if done[i] {
			continue
		}
		var group []int
		for _, gi := range index.Within(pos[i], rlim) {
			if !done[gi] {
				group = append(group, gi)
			}
		}
		if len(group) == 0 {
			continue
		}
		if len(group) == 1 {
			done[group[0]] = true
			out = append(out, cat[group[0]].Clone())
			continue
		}
		maxAmp := 0.0
		for _, gi := range group {
			if a := math.Abs(cat[gi].Amp[0]); a > maxAmp {
				maxAmp = a
			}
		}
		var good []int
		for _, gi := range group {
			if a := math.Abs(cat[gi].Amp[0]); !math.IsNaN(a) && a >= maxAmp*(1-alim) {
				good = append(good, gi)
			}
		}
		for _, gi := range group {
			done[gi] = true
		}
		if len(good) == 0 {
			continue
		}
		out = append(out, mergeGroup(cat, good, ncomp))
	}
	return out
}

func mergeGroup(cat catalog.Catalog, group []int, ncomp int) catalog.Entry {
	merged := catalog.NewEntry(ncomp)
	var wsum, ra, dec, npix float64
	amp := make([]float64, ncomp)
	flux := make([]float64, ncomp)
	for _, gi := range group {
		e := cat[gi]
		w := 1 / (e.DAmp[0] * e.DAmp[0])
		if math.IsNaN(w) || math.IsInf(w, 0) {
			w = 0
		}
		wsum += w
		ra += w * skymap.Rewind(e.RA)
		dec += w * e.Dec
		npix += w * e.NPix
		for c := 0; c < ncomp; c++ {
			amp[c] += w * e.Amp[c]
			flux[c] += w * e.Flux[c]
		}
	}
	if wsum == 0 {
		// All uncertainties degenerate, fall back to the first member.
		merged = cat[group[0]].Clone()
		return merged
	}
	merged.RA = ra / wsum
	merged.Dec = dec / wsum
	merged.NPix = npix / wsum
	for c := 0; c < ncomp; c++ {
		merged.Amp[c] = amp[c] / wsum
		merged.Flux[c] = flux[c] / wsum
		merged.DAmp[c] = math.Inf(1)
		merged.DFlux[c] = math.Inf(1)
	}
	for _, gi := range group {
		e := cat[gi]
		for c := 0; c < ncomp; c++ {
			if e.DAmp[c] < merged.DAmp[c] {
				merged.DAmp[c] = e.DAmp[c]
			}
			if e.DFlux[c] < merged.DFlux[c] {
				merged.DFlux[c] = e.DFlux[c]
			}
		}
	}
	status := make([]int, 0, len(group))
	for _, gi := range group {
		status = append(status, cat[gi].Status)
	}
	sort.Ints(status)
	merged.Status = status[len(status)/2]
	return merged
}
