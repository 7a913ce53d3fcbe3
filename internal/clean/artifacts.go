// Package clean post-processes a detection catalog: it removes spurious
// entries chained off bright sources and merges near-duplicate detections.
package clean

import (
	"math"
	"sort"

	"srcfind/internal/detect"
	"srcfind/internal/spatial"
	"srcfind/pkg/catalog"
	"srcfind/pkg/skymap"
)

// ArtifactOptions configures artifact detection. The defaults are tuned for
// scan-synchronous mapping artifacts; the radii scale with the instrument.
type ArtifactOptions struct {
	VLim    float64 // significance ratio below which entries can join a chain
	MaxRad  float64 // search radius around a strong source
	JumpRad float64 // maximum link length when growing a chain
	GMax    int     // give up on neighborhoods more crowded than this
	MaxIt   int     // chain growth iteration bound
	CoreLim float64 // significance ratio marking core artifacts
	CoreRad float64 // radius for core artifacts
}

// DefaultArtifactOptions returns the artifact detection defaults.
func DefaultArtifactOptions() ArtifactOptions {
	return ArtifactOptions{
		VLim:    0.005,
		MaxRad:  80 * skymap.Arcmin,
		JumpRad: 7 * skymap.Arcmin,
		GMax:    1000,
		MaxIt:   100,
		CoreLim: 0.05,
		CoreRad: 2 * skymap.Arcmin,
	}
}

// FindArtifacts locates catalog entries that are artifacts of bright
// sources. Core artifacts sit within CoreRad of the source and come from
// beam or centroid errors in the fit; chain artifacts are grown by repeated
// jumps of at most JumpRad between already-tagged entries, the footprint of
// scan-correlated structure. Strong sources are processed in decreasing
// significance so an artifact that is itself strong is only consumed once.
// Returns, per owning source index, the list of absorbed entry indices.
func FindArtifacts(cat catalog.Catalog, opts ArtifactOptions) (owners []int, artifacts [][]int) {
	if len(cat) == 0 {
		return nil, nil
	}
	n := len(cat)
	sn := make([]float64, n)
	pos := make([]skymap.Coord, n)
	for i, e := range cat {
		sn[i] = e.SN()
		pos[i] = e.Pos()
	}
	var strong []int
	for i, v := range sn {
		if v > 1/opts.CoreLim {
			strong = append(strong, i)
		}
	}
	if len(strong) == 0 {
		return nil, nil
	}
	index := spatial.NewIndex(pos, false)
	sort.SliceStable(strong, func(a, b int) bool { return sn[strong[a]] > sn[strong[b]] })
	done := map[int]bool{}
	for _, si := range strong {
		if done[si] {
			continue
		}
		group := index.Within(pos[si], opts.MaxRad)
		tagged := map[int]bool{si: true}
		var chain []int
		for _, gi := range group {
			if gi != si && sn[gi] < sn[si]*opts.CoreLim &&
				skymap.AngDist(pos[gi], pos[si]) < opts.CoreRad {
				tagged[gi] = true
			}
			// Chains only absorb clearly weaker entries, so real nearby
			// sources are not thrown away.
			if gi != si && sn[gi] < sn[si]*opts.VLim {
				chain = append(chain, gi)
			}
		}
		// A very crowded neighborhood is something else going on, not a
		// linear artifact chain.
		if len(chain) > 0 && len(chain) < opts.GMax {
			for it := 0; it < opts.MaxIt; it++ {
				grew := false
				for _, ci := range chain {
					if tagged[ci] {
						continue
					}
					for ti := range tagged {
						if skymap.AngDist(pos[ci], pos[ti]) < opts.JumpRad {
							tagged[ci] = true
							grew = true
							break
						}
					}
				}
				if !grew {
					break
				}
			}
		}
		delete(tagged, si)
		if len(tagged) == 0 {
			continue
		}
		arts := make([]int, 0, len(tagged))
		for ti := range tagged {
			done[ti] = true
			arts = append(arts, ti)
		}
		sort.Ints(arts)
		owners = append(owners, si)
		artifacts = append(artifacts, arts)
	}
	return owners, artifacts
}

// PruneArtifacts removes detected artifacts from a finder result: the
// catalog shrinks and the model and residual maps are rebuilt, while the
// signal-to-noise diagnostic maps are left as they were.
func PruneArtifacts(res *detect.Result, opts ArtifactOptions) *detect.Result {
	_, artifacts := FindArtifacts(res.Cat, opts)
	if len(artifacts) == 0 {
		return res
	}
	bad := map[int]bool{}
	for _, arts := range artifacts {
		for _, i := range arts {
			bad[i] = true
		}
	}
	out := *res
	out.Cat = res.Cat.Drop(bad)
	pix := make([]skymap.Pix, len(out.Cat))
	amps := make([]float64, len(out.Cat))
	for i, e := range out.Cat {
		pix[i] = res.Map.WCS.SkyToPix(e.Pos())
		amps[i] = e.Amp[0]
	}
	out.Model = detect.CalcModel(res.Map.Ny, res.Map.Nx, res.Map.WCS, pix, res.BeamThumb, amps)
	out.Resid = res.Map.Clone().Sub(out.Model)
	return &out
}

// PruneNearBright keeps only the most significant entry within rlim of any
// source whose flux significance exceeds limBright.
func PruneNearBright(cat catalog.Catalog, limBright, rlim float64) catalog.Catalog {
	if len(cat) == 0 {
		return cat
	}
	n := len(cat)
	snr := make([]float64, n)
	pos := make([]skymap.Coord, n)
	for i, e := range cat {
		if len(e.Flux) > 0 && e.DFlux[0] != 0 {
			snr[i] = math.Abs(e.Flux[0] / e.DFlux[0])
		}
		pos[i] = skymap.Coord{Dec: e.Dec, RA: skymap.Rewind(e.RA)}
	}
	index := spatial.NewIndex(pos, false)
	rejected := make(map[int]bool)
	for i := range cat {
		if snr[i] <= limBright {
			continue
		}
		group := index.Within(pos[i], rlim)
		best, bestSN := -1, math.Inf(-1)
		for _, gi := range group {
			if snr[gi] > bestSN {
				best, bestSN = gi, snr[gi]
			}
		}
		for _, gi := range group {
			if gi != best {
				rejected[gi] = true
			}
		}
	}
	return cat.Drop(rejected)
}
