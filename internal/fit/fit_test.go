package fit

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"srcfind/internal/beam"
	"srcfind/internal/detect"
	"srcfind/pkg/skymap"
)

func testWCS() skymap.WCS {
	return skymap.WCS{DDec: 0.5 * skymap.Arcmin, DRA: -0.5 * skymap.Arcmin}
}

func TestCorrLen(t *testing.T) {
	t.Run("DeltaCorrelation", func(t *testing.T) {
		// A flat kernel transforms to a delta: zero correlation length.
		flat := skymap.New(64, 64, testWCS()).Fill(1)
		assert.Equal(t, 0.0, CorrLen(flat, 1e-4))
	})

	t.Run("GrowsWithBeam", func(t *testing.T) {
		narrow := beam.Gaussian(1).Transform2D(128, 128, testWCS())
		wide := beam.Gaussian(3).Transform2D(128, 128, testWCS())
		ln := CorrLen(narrow, 1e-3)
		lw := CorrLen(wide, 1e-3)
		assert.Positive(t, ln)
		assert.Greater(t, lw, ln)
		// A unit-peak gaussian of 3' FWHM drops below 1e-3 within ~10'.
		assert.Less(t, lw, 15*skymap.Arcmin)
	})
}

func TestGroupIndependent(t *testing.T) {
	mkpos := func(raArcmin ...float64) []skymap.Coord {
		out := make([]skymap.Coord, len(raArcmin))
		for i, ra := range raArcmin {
			out[i] = skymap.Coord{Dec: 0, RA: ra * skymap.Arcmin}
		}
		return out
	}

	t.Run("Empty", func(t *testing.T) {
		groups, neighbors := GroupIndependent(nil, skymap.Arcmin)
		assert.Empty(t, groups)
		assert.Empty(t, neighbors)
	})

	t.Run("AllIsolated", func(t *testing.T) {
		pos := mkpos(0, 100, 200)
		groups, neighbors := GroupIndependent(pos, 10*skymap.Arcmin)
		require.Len(t, groups, 1)
		assert.ElementsMatch(t, []int{0, 1, 2}, groups[0])
		for _, nb := range neighbors {
			assert.Empty(t, nb)
		}
	})

	t.Run("ChainSplits", func(t *testing.T) {
		// 0-1-2-3 spaced 1' with corrlen 1.5': adjacent pairs correlate.
		pos := mkpos(0, 1, 2, 3)
		groups, neighbors := GroupIndependent(pos, 1.5*skymap.Arcmin)

		assert.ElementsMatch(t, []int{1}, neighbors[0])
		assert.ElementsMatch(t, []int{0, 2}, neighbors[1])
		assert.ElementsMatch(t, []int{1, 3}, neighbors[2])
		assert.ElementsMatch(t, []int{2}, neighbors[3])

		// Every source appears in exactly one group and no group holds a
		// correlated pair.
		seen := map[int]int{}
		for _, g := range groups {
			for _, i := range g {
				seen[i]++
				for _, j := range g {
					if i != j {
						assert.Greater(t, skymap.AngDist(pos[i], pos[j]), 1.5*skymap.Arcmin)
					}
				}
			}
		}
		for i := range pos {
			assert.Equal(t, 1, seen[i])
		}
	})

	t.Run("RAWrapNeighbors", func(t *testing.T) {
		pos := []skymap.Coord{
			{Dec: 0, RA: math.Pi - 0.5*skymap.Arcmin},
			{Dec: 0, RA: -math.Pi + 0.5*skymap.Arcmin},
		}
		_, neighbors := GroupIndependent(pos, 2*skymap.Arcmin)
		assert.ElementsMatch(t, []int{1}, neighbors[0])
		assert.ElementsMatch(t, []int{0}, neighbors[1])
	})
}

func TestBuildPrior(t *testing.T) {
	p := BuildPrior([]float64{1000, 500}, []float64{10, 0}, 0.1, 1e-10)
	// Uncertainty and variability add in quadrature.
	assert.InDelta(t, 1/(10.0*10+100.0*100), p.IVar[0], 1e-15)
	assert.Equal(t, 1e-10, p.IVar[1])
	assert.Equal(t, 1000.0, p.Amp[0])
}

func TestStampDotProjectsOwnFootprint(t *testing.T) {
	wcs := testWCS()
	m := skymap.New(16, 16, wcs)
	// Bright patch under the stamp footprint, a decoy at the map corner.
	for y := 6; y < 9; y++ {
		for x := 6; x < 9; x++ {
			m.Set(y, x, 5)
		}
	}
	m.Set(0, 0, 1000)
	sm := skymap.New(3, 3, wcs).Fill(1)
	st := stamp{y0: 6, x0: 6, m: sm}
	// Against the full map the stamp reads its own pixels, not the corner.
	assert.InDelta(t, 45.0, st.dot(m, 0, 0), 1e-12)
	// Against a box already extracted at the stamp's corner the offsets
	// cancel and the same pixels are read.
	sub := m.ExtractBox(6, 6, 3, 3, false)
	assert.InDelta(t, 45.0, st.dot(sub, 6, 6), 1e-12)
}

func fitScene(t *testing.T, pixPos []skymap.Pix, amps []float64, noiseUK float64) (*skymap.Map, *skymap.Map, []skymap.Coord, beam.Beam) {
	t.Helper()
	ny, nx := 256, 256
	wcs := testWCS()
	bm := beam.Gaussian(1.4)
	tmpl := bm.Transform2D(ny, nx, wcs).AsFMap().IFFT2().Thumb(128, false)
	tmpl.Scale(1 / tmpl.Max())

	rng := rand.New(rand.NewSource(17))
	imap := skymap.New(ny, nx, wcs)
	for i := range imap.Data {
		imap.Data[i] = noiseUK * rng.NormFloat64()
	}
	imap.Add(detect.CalcModel(ny, nx, wcs, pixPos, tmpl, amps))
	idiv := skymap.New(ny, nx, wcs).Fill(1 / (noiseUK * noiseUK))

	pos := make([]skymap.Coord, len(pixPos))
	for i, p := range pixPos {
		pos[i] = wcs.PixToSky(p)
	}
	return imap, idiv, pos, bm
}

func TestAmplitudesSingleSource(t *testing.T) {
	imap, idiv, pos, bm := fitScene(t, []skymap.Pix{{Y: 128, X: 128}}, []float64{1000}, 5)
	opts := DefaultOptions()
	opts.Workers = 2
	res, err := Amplitudes(imap, idiv, pos, bm, nil, opts)
	require.NoError(t, err)
	require.Equal(t, []int{0}, res.Inds)
	assert.InDelta(t, 1000, res.Amp[0], 100)
	damp := res.DAmp()
	assert.Positive(t, damp[0])
	assert.Less(t, damp[0], 100.0)
	// The local model amplitude agrees with the solved one for an isolated
	// source.
	assert.InDelta(t, res.Amp[0], res.LocalAmp[0], 0.05*math.Abs(res.Amp[0]))
}

func TestAmplitudesBlendedPair(t *testing.T) {
	// Two sources 3 pixels apart: heavily correlated, solved jointly.
	imap, idiv, pos, bm := fitScene(t,
		[]skymap.Pix{{Y: 128, X: 126}, {Y: 128, X: 129}},
		[]float64{800, 400}, 5)
	opts := DefaultOptions()
	res, err := Amplitudes(imap, idiv, pos, bm, nil, opts)
	require.NoError(t, err)
	require.Equal(t, []int{0, 1}, res.Inds)
	assert.InDelta(t, 800, res.Amp[0], 160)
	assert.InDelta(t, 400, res.Amp[1], 160)
	// The off-diagonal inverse covariance records the blend.
	assert.NotZero(t, res.ICov.At(0, 1))
	assert.InDelta(t, res.ICov.At(0, 1), res.ICov.At(1, 0), 1e-9)
}

func TestAmplitudesMarginPrune(t *testing.T) {
	imap, idiv, pos, bm := fitScene(t,
		[]skymap.Pix{{Y: 128, X: 128}, {Y: 5, X: 5}},
		[]float64{1000, 1000}, 5)
	res, err := Amplitudes(imap, idiv, pos, bm, nil, DefaultOptions())
	require.NoError(t, err)
	// The edge source fell inside the apodization margin.
	assert.Equal(t, []int{0}, res.Inds)
	assert.Len(t, res.Amp, 1)
}

func TestAmplitudesMarginPruneIdempotent(t *testing.T) {
	// Refitting only the survivors of a margin-pruned fit must keep them
	// all: the edge rejection is a fixed point after one application.
	imap, idiv, pos, bm := fitScene(t,
		[]skymap.Pix{{Y: 128, X: 128}, {Y: 40, X: 200}, {Y: 5, X: 5}},
		[]float64{1000, 600, 1000}, 5)
	opts := DefaultOptions()
	res, err := Amplitudes(imap, idiv, pos, bm, nil, opts)
	require.NoError(t, err)
	require.NotEmpty(t, res.Inds)

	survivors := make([]skymap.Coord, len(res.Inds))
	for i, src := range res.Inds {
		survivors[i] = pos[src]
	}
	res2, err := Amplitudes(imap, idiv, survivors, bm, nil, opts)
	require.NoError(t, err)
	inds2 := make([]int, len(survivors))
	for i := range inds2 {
		inds2[i] = i
	}
	assert.Equal(t, inds2, res2.Inds)
}

func TestAmplitudesAllOutside(t *testing.T) {
	imap, idiv, _, bm := fitScene(t, []skymap.Pix{{Y: 128, X: 128}}, []float64{1000}, 5)
	pos := []skymap.Coord{imap.WCS.PixToSky(skymap.Pix{Y: 1, X: 1})}
	res, err := Amplitudes(imap, idiv, pos, bm, nil, DefaultOptions())
	require.NoError(t, err)
	assert.Empty(t, res.Inds)
	assert.Empty(t, res.Amp)
}

func TestAmplitudesPriorPulls(t *testing.T) {
	imap, idiv, pos, bm := fitScene(t, []skymap.Pix{{Y: 128, X: 128}}, []float64{1000}, 5)
	// An extremely tight prior at a different amplitude dominates the data.
	prior := &Prior{Amp: []float64{500}, IVar: []float64{1e12}}
	res, err := Amplitudes(imap, idiv, pos, bm, prior, DefaultOptions())
	require.NoError(t, err)
	require.Len(t, res.Amp, 1)
	assert.InDelta(t, 500, res.Amp[0], 1)
}
