// Package noise estimates a smoothed 2D noise power spectrum from a residual
// map and builds the matched filter used by the detection and fitting code.
package noise

import (
	"math"
	"math/rand"

	"srcfind/pkg/skymap"
)

// Measure estimates the 2D noise power spectrum of a residual map. The outer
// margin pixels are masked, the remainder is cosine-tapered over apod pixels,
// and the squared FFT magnitude is corrected for the window's power bias and
// smoothed isotropically to a resolution of psRes in l.
func Measure(noiseMap *skymap.Map, margin, apod int, psRes float64) *skymap.Map {
	window := skymap.ApodWindow(noiseMap.Ny, noiseMap.Nx, margin, apod, noiseMap.WCS)
	wm := noiseMap.Clone().Mul(window)
	f := wm.FFT2()
	ps := skymap.New(wm.Ny, wm.Nx, wm.WCS)
	for i, v := range f.Data {
		re, im := real(v), imag(v)
		ps.Data[i] = re*re + im*im
	}
	w2 := 0.0
	for _, v := range window.Data {
		w2 += v * v
	}
	w2 /= float64(window.Npix())
	ps.Scale(1 / (float64(ps.Npix()) * w2))
	// Plain gaussian smoothing: slightly biased for steep red spectra, but
	// avoids ringing.
	return SmoothGauss(ps, psRes)
}

// SmoothGauss smooths a 2D power spectrum to the target resolution in l with
// a separable gaussian convolution in the spectrum's own Fourier domain.
func SmoothGauss(ps *skymap.Map, lsigma float64) *skymap.Map {
	ly, lx := ps.LAxes()
	sigmaPixY := math.Abs(lsigma / ly[1])
	sigmaPixX := math.Abs(lsigma / lx[1])
	f := ps.FFT2()
	ky := fftFreqScaled(ps.Ny, sigmaPixY)
	kx := fftFreqScaled(ps.Nx, sigmaPixX)
	for y := 0; y < ps.Ny; y++ {
		for x := 0; x < ps.Nx; x++ {
			kr2 := ky[y]*ky[y] + kx[x]*kx[x]
			f.Data[y*ps.Nx+x] *= complex(math.Exp(-0.5*kr2), 0)
		}
	}
	return f.IFFT2()
}

func fftFreqScaled(n int, scale float64) []float64 {
	f := make([]float64, n)
	for i := range f {
		k := i
		if i > n/2 || (n%2 == 0 && i == n/2) {
			k = i - n
		}
		f[i] = float64(k) / float64(n) * scale
	}
	return f
}

// FlattenHighL replaces the power above lcut with the mean power in the
// (0.9*lcut, lcut) band. A guard against spurious low power at high l from
// upstream processing; policy is the caller's, not a default.
func FlattenHighL(ps *skymap.Map, lcut float64) *skymap.Map {
	out := ps.Clone()
	lmap := ps.ModLMap()
	ref, n := 0.0, 0
	for i, l := range lmap.Data {
		if l < lcut && l > 0.9*lcut {
			ref += ps.Data[i]
			n++
		}
	}
	if n == 0 {
		return out
	}
	ref /= float64(n)
	for i, l := range lmap.Data {
		if l > lcut {
			out.Data[i] = ref
		}
	}
	return out
}

// BuildFilter constructs the matched filter F = B/P, normalized so that
// convolving the unit-peak real-space beam template with F again yields a
// unit-peak template. Without this normalization, subtracted models would not
// match detected amplitudes.
func BuildFilter(ps, beam2d *skymap.Map) *skymap.Map {
	filter := beam2d.Clone()
	for i, p := range ps.Data {
		filter.Data[i] /= p
	}
	m := beam2d.AsFMap().IFFT2()
	m.Scale(1 / m.Data[0])
	norm := m.FFT2().MulReal(filter).IFFT2().Data[0]
	filter.Scale(1 / norm)
	return filter
}

// SimInitial generates a deterministic noise realization matching the weight
// map's white-noise level, with a 1/f-like spectrum below lknee. It seeds the
// first fitting pass, before any measured residual exists. The seed is
// explicit so repeated runs are reproducible.
func SimInitial(div *skymap.Map, lknee, alpha float64, seed int64) *skymap.Map {
	rng := rand.New(rand.NewSource(seed))
	m := skymap.New(div.Ny, div.Nx, div.WCS)
	for i := range m.Data {
		m.Data[i] = rng.NormFloat64()
	}
	lmap := m.ModLMap()
	f := m.FFT2()
	for i, l := range lmap.Data {
		if i == 0 {
			f.Data[0] = 0
			continue
		}
		prof := 1 + math.Pow((l+0.5)/lknee, alpha)
		f.Data[i] *= complex(prof, 0)
	}
	m = f.IFFT2()
	for i, d := range div.Data {
		if d > 0 {
			m.Data[i] /= math.Sqrt(d)
		}
	}
	return m
}
