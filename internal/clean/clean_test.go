package clean

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"srcfind/internal/detect"
	"srcfind/pkg/catalog"
	"srcfind/pkg/skymap"
)

// entry builds a 1-component catalog entry at (decArcmin, raArcmin) with the
// given amplitude and uncertainty in uK.
func entry(decArcmin, raArcmin, amp, damp float64) catalog.Entry {
	e := catalog.NewEntry(1)
	e.Dec = decArcmin * skymap.Arcmin
	e.RA = raArcmin * skymap.Arcmin
	e.Amp[0] = amp
	e.DAmp[0] = damp
	e.Flux[0] = amp * 1e-4
	e.DFlux[0] = damp * 1e-4
	return e
}

func TestFindArtifactsCore(t *testing.T) {
	opts := DefaultArtifactOptions()
	cat := catalog.Catalog{
		entry(0, 0, 10000, 100),  // strong, SN 100
		entry(0.5, 0.5, 200, 100), // SN 2 within the core radius
		entry(0, 30, 900, 100),    // SN 9, far away and too strong for a chain
	}
	owners, artifacts := FindArtifacts(cat, opts)
	require.Len(t, owners, 1)
	assert.Equal(t, 0, owners[0])
	assert.Equal(t, []int{1}, artifacts[0])
}

func TestFindArtifactsChain(t *testing.T) {
	opts := DefaultArtifactOptions()
	// A strong source with a trail of weak entries spaced within JumpRad;
	// the chain grows link by link even though the tail is far from the
	// source itself.
	cat := catalog.Catalog{
		entry(0, 0, 100000, 100), // SN 1000
		entry(0, 5, 300, 100),    // SN 3 < 1000*VLim
		entry(0, 11, 300, 100),
		entry(0, 17, 300, 100),
		entry(0, 60, 300, 100), // beyond JumpRad of any link: not absorbed
	}
	owners, artifacts := FindArtifacts(cat, opts)
	require.Len(t, owners, 1)
	assert.Equal(t, 0, owners[0])
	assert.Equal(t, []int{1, 2, 3}, artifacts[0])
}

func TestFindArtifactsRespectsVLim(t *testing.T) {
	opts := DefaultArtifactOptions()
	cat := catalog.Catalog{
		entry(0, 0, 10000, 100), // SN 100
		entry(0, 5, 300, 100),   // SN 3 > 100*VLim: a real neighbor
	}
	owners, artifacts := FindArtifacts(cat, opts)
	assert.Empty(t, owners)
	assert.Empty(t, artifacts)
}

func TestFindArtifactsNoStrong(t *testing.T) {
	cat := catalog.Catalog{entry(0, 0, 500, 100), entry(0, 5, 300, 100)}
	owners, artifacts := FindArtifacts(cat, DefaultArtifactOptions())
	assert.Empty(t, owners)
	assert.Empty(t, artifacts)
	owners, artifacts = FindArtifacts(nil, DefaultArtifactOptions())
	assert.Empty(t, owners)
	assert.Empty(t, artifacts)
}

func TestFindArtifactsStrongConsumedOnce(t *testing.T) {
	opts := DefaultArtifactOptions()
	// Two strong sources share a weak entry between them; the stronger one
	// claims it and the weaker finds nothing left.
	cat := catalog.Catalog{
		entry(0, 0, 200000, 100), // SN 2000
		entry(0, 20, 100000, 100), // SN 1000
		entry(0, 5, 300, 100),
	}
	owners, artifacts := FindArtifacts(cat, opts)
	require.Len(t, owners, 1)
	assert.Equal(t, 0, owners[0])
	assert.Equal(t, []int{2}, artifacts[0])
}

func TestPruneArtifactsRebuildsModel(t *testing.T) {
	wcs := skymap.WCS{DDec: 0.5 * skymap.Arcmin, DRA: -0.5 * skymap.Arcmin}
	thumb := skymap.New(16, 16, wcs)
	thumb.Set(8, 8, 1)

	strong := entry(10, -10, 100000, 100)
	art := entry(10, -10.5, 200, 100)
	res := &detect.Result{
		Cat:       catalog.Catalog{strong, art},
		Map:       skymap.New(64, 64, wcs),
		BeamThumb: thumb,
	}
	out := PruneArtifacts(res, DefaultArtifactOptions())
	require.Len(t, out.Cat, 1)
	assert.Equal(t, strong.Amp[0], out.Cat[0].Amp[0])
	// The rebuilt model holds only the surviving source.
	assert.InDelta(t, strong.Amp[0], out.Model.Sum(), 1e-6)
	require.NotNil(t, out.Resid)
	// The input result is untouched.
	assert.Len(t, res.Cat, 2)
}

func TestMergeDuplicates(t *testing.T) {
	t.Run("IdempotentOnCleanCatalog", func(t *testing.T) {
		cat := catalog.Catalog{
			entry(0, 0, 1000, 10),
			entry(0, 30, 500, 10),
			entry(30, 0, -200, 10),
		}
		out := MergeDuplicates(cat, skymap.Arcmin, 0.25)
		require.Len(t, out, 3)
		for i := range cat {
			assert.Equal(t, cat[i], out[i])
		}
	})

	t.Run("MergesPair", func(t *testing.T) {
		cat := catalog.Catalog{
			entry(0, 0, 1000, 10),
			entry(0, 0.3, 1100, 20),
			entry(0, 30, 500, 10),
		}
		cat[0].NPix = 8
		cat[1].NPix = 12
		out := MergeDuplicates(cat, skymap.Arcmin, 0.25)
		require.Len(t, out, 2)
		m := out[0]
		// Inverse-variance weighted mean favors the tighter entry.
		w1, w2 := 1/100.0, 1/400.0
		want := (1000*w1 + 1100*w2) / (w1 + w2)
		assert.InDelta(t, want, m.Amp[0], 1e-9)
		assert.Greater(t, m.RA, 0.0)
		assert.Less(t, m.RA, 0.3*skymap.Arcmin)
		// NPix averages like the other fields rather than summing, so a
		// merged pair does not report a doubled footprint.
		assert.InDelta(t, (8*w1+12*w2)/(w1+w2), m.NPix, 1e-9)
		// Merged uncertainty is the best contributor's.
		assert.Equal(t, 10.0, m.DAmp[0])
		assert.Equal(t, 500.0, out[1].Amp[0])
	})

	t.Run("OutvotedMemberStillConsumed", func(t *testing.T) {
		cat := catalog.Catalog{
			entry(0, 0, 1000, 10),
			entry(0, 0.3, 100, 10), // below the amplitude gate
		}
		out := MergeDuplicates(cat, skymap.Arcmin, 0.25)
		require.Len(t, out, 1)
		assert.InDelta(t, 1000, out[0].Amp[0], 1e-9)
	})
}

func TestPruneNearBright(t *testing.T) {
	bright := entry(0, 0, 0, 0)
	bright.Flux[0] = 10
	bright.DFlux[0] = 0.01 // flux SN 1000
	faint := entry(0, 1, 0, 0)
	faint.Flux[0] = 0.05
	faint.DFlux[0] = 0.01
	far := entry(0, 30, 0, 0)
	far.Flux[0] = 0.05
	far.DFlux[0] = 0.01

	out := PruneNearBright(catalog.Catalog{bright, faint, far}, 100, 2*skymap.Arcmin)
	require.Len(t, out, 2)
	assert.Equal(t, 10.0, out[0].Flux[0])
	assert.Equal(t, 30*skymap.Arcmin, out[1].RA)
}
