package beam

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"srcfind/pkg/skymap"
)

func TestGaussianTransform(t *testing.T) {
	b := Gaussian(1.4)
	assert.Equal(t, 1.0, b[0])
	// Monotone decreasing and effectively zero at the top of the range.
	for l := 1; l < len(b); l++ {
		require.LessOrEqual(t, b[l], b[l-1])
	}
	assert.Less(t, b[len(b)-1], 1e-10)
	// Half power at l = sqrt(2 ln 2)/sigma.
	sigma := 1.4 * skymap.Arcmin * skymap.FWHM
	lHalf := math.Sqrt(2*math.Ln2) / sigma
	assert.InDelta(t, 0.5, b.Eval(lHalf), 1e-3)
}

func TestParse(t *testing.T) {
	t.Run("Number", func(t *testing.T) {
		b, err := Parse("1.4")
		require.NoError(t, err)
		assert.Len(t, b, defaultLMax)
	})

	t.Run("File", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "beam.txt")
		require.NoError(t, os.WriteFile(path, []byte("# l b_l\n0 1.0\n1 0.9\n2 0.5\n"), 0o644))
		b, err := Parse(path)
		require.NoError(t, err)
		require.Len(t, b, 3)
		assert.Equal(t, 0.9, b[1])
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := Parse("/nonexistent/beam.txt")
		assert.Error(t, err)
	})

	t.Run("BadColumns", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "beam.txt")
		require.NoError(t, os.WriteFile(path, []byte("justone\n"), 0o644))
		_, err := Parse(path)
		assert.Error(t, err)
	})
}

func TestEvalClamps(t *testing.T) {
	b := Beam{1, 0.5, 0.25}
	assert.Equal(t, 1.0, b.Eval(-3))
	assert.Equal(t, 0.25, b.Eval(100))
	assert.InDelta(t, 0.75, b.Eval(0.5), 1e-12)
}

func TestTransform2DPeakAtZero(t *testing.T) {
	b := Gaussian(2)
	wcs := skymap.WCS{DDec: skymap.Arcmin, DRA: -skymap.Arcmin}
	m := b.Transform2D(32, 32, wcs)
	assert.Equal(t, 1.0, m.Get(0, 0))
	for _, v := range m.Data {
		assert.LessOrEqual(t, v, 1.0)
		assert.GreaterOrEqual(t, v, 0.0)
	}
}

func TestProfileMatchesGaussian(t *testing.T) {
	fwhm := 5.0
	b := Gaussian(fwhm)
	p := b.ToProfile(2001, 30*skymap.Arcmin, 1e-7)

	require.Equal(t, 30*skymap.Arcmin, p.Rmax())
	assert.InDelta(t, 1.0, p.Eval(0), 1e-6)
	// A Gaussian beam transform gives a Gaussian real-space profile of the
	// same width, to excellent accuracy at these scales.
	sigma := fwhm * skymap.Arcmin * skymap.FWHM
	for _, r := range []float64{1, 3, 6} {
		rx := r * skymap.Arcmin
		want := math.Exp(-0.5 * rx * rx / (sigma * sigma))
		assert.InDelta(t, want, p.Eval(rx), 2e-3, "r=%v arcmin", r)
	}
	// Outside the table the profile is zero.
	assert.Equal(t, 0.0, p.Eval(p.Rmax()+skymap.Arcmin))
}

func TestProfileRadius(t *testing.T) {
	p := Profile{
		R: []float64{0, 1, 2, 3},
		B: []float64{1, 0.1, 0.01, 0.001},
	}
	assert.Equal(t, 2.0, p.Radius(0.005))
	assert.Equal(t, 0.0, p.Radius(2))
}

func TestAreasAgree(t *testing.T) {
	fwhm := 3.0
	b := Gaussian(fwhm)
	sigma := fwhm * skymap.Arcmin * skymap.FWHM
	analytic := 2 * math.Pi * sigma * sigma

	p := b.ToProfile(4001, 30*skymap.Arcmin, 1e-7)
	assert.InDelta(t, analytic, ProfileArea(p), analytic*1e-2)

	wcs := skymap.WCS{DDec: 0.5 * skymap.Arcmin, DRA: -0.5 * skymap.Arcmin}
	m := b.Transform2D(256, 256, wcs)
	assert.InDelta(t, analytic, TransformArea(m), analytic*5e-2)
}

func TestFluxFactor(t *testing.T) {
	area := 2 * math.Pi * math.Pow(1.4*skymap.Arcmin*skymap.FWHM, 2)
	f150 := FluxFactor(area, 150)
	assert.Positive(t, f150)
	// Larger beams collect more flux per unit temperature.
	assert.Greater(t, FluxFactor(2*area, 150), f150)
	// The conversion factor grows with frequency below the blackbody peak.
	assert.Greater(t, FluxFactor(area, 220), f150)
}
