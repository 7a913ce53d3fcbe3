package skymap

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// FMap is the harmonic-space counterpart of Map: a complex grid with the same
// shape and pixelization as the map it was transformed from.
type FMap struct {
	Ny, Nx int
	WCS    WCS
	Data   []complex128
}

// Clone returns a deep copy of f.
func (f *FMap) Clone() *FMap {
	o := &FMap{Ny: f.Ny, Nx: f.Nx, WCS: f.WCS, Data: make([]complex128, len(f.Data))}
	copy(o.Data, f.Data)
	return o
}

// MulReal multiplies f elementwise by a real harmonic-space grid in place.
func (f *FMap) MulReal(m *Map) *FMap {
	for i, v := range m.Data {
		f.Data[i] *= complex(v, 0)
	}
	return f
}

// AsFMap reinterprets a real harmonic-space grid as a complex one.
func (m *Map) AsFMap() *FMap {
	f := &FMap{Ny: m.Ny, Nx: m.Nx, WCS: m.WCS, Data: make([]complex128, len(m.Data))}
	for i, v := range m.Data {
		f.Data[i] = complex(v, 0)
	}
	return f
}

// Plans are pooled per transform length. CmplxFFT holds scratch state, so a
// plan must not be shared between goroutines.
var planPools sync.Map // int -> *sync.Pool

func getPlan(n int) *fourier.CmplxFFT {
	v, ok := planPools.Load(n)
	if !ok {
		v, _ = planPools.LoadOrStore(n, &sync.Pool{
			New: func() any { return fourier.NewCmplxFFT(n) },
		})
	}
	return v.(*sync.Pool).Get().(*fourier.CmplxFFT)
}

func putPlan(n int, p *fourier.CmplxFFT) {
	if v, ok := planPools.Load(n); ok {
		v.(*sync.Pool).Put(p)
	}
}

// FFT2 computes the unnormalized forward 2D DFT of the map.
func (m *Map) FFT2() *FMap {
	f := &FMap{Ny: m.Ny, Nx: m.Nx, WCS: m.WCS, Data: make([]complex128, m.Ny*m.Nx)}
	for i, v := range m.Data {
		f.Data[i] = complex(v, 0)
	}
	fft2(f.Data, m.Ny, m.Nx, false)
	return f
}

// IFFT2 computes the inverse 2D DFT scaled by 1/Npix and returns the real
// part, so that m.FFT2().IFFT2() reproduces m.
func (f *FMap) IFFT2() *Map {
	buf := make([]complex128, len(f.Data))
	copy(buf, f.Data)
	fft2(buf, f.Ny, f.Nx, true)
	m := New(f.Ny, f.Nx, f.WCS)
	norm := 1 / float64(f.Ny*f.Nx)
	for i, v := range buf {
		m.Data[i] = real(v) * norm
	}
	return m
}

// fft2 transforms data in place: rows first, then columns.
func fft2(data []complex128, ny, nx int, inverse bool) {
	rowPlan := getPlan(nx)
	defer putPlan(nx, rowPlan)
	row := make([]complex128, nx)
	for y := 0; y < ny; y++ {
		copy(row, data[y*nx:(y+1)*nx])
		out := data[y*nx : (y+1)*nx]
		if inverse {
			rowPlan.Sequence(out, row)
		} else {
			rowPlan.Coefficients(out, row)
		}
	}
	colPlan := getPlan(ny)
	defer putPlan(ny, colPlan)
	col := make([]complex128, ny)
	out := make([]complex128, ny)
	for x := 0; x < nx; x++ {
		for y := 0; y < ny; y++ {
			col[y] = data[y*nx+x]
		}
		if inverse {
			colPlan.Sequence(out, col)
		} else {
			colPlan.Coefficients(out, col)
		}
		for y := 0; y < ny; y++ {
			data[y*nx+x] = out[y]
		}
	}
}

// fftFreq returns FFT sample frequencies in cycles per unit of d, matching
// the usual [0..n/2, -n/2..-1]/(n*d) layout.
func fftFreq(n int, d float64) []float64 {
	f := make([]float64, n)
	for i := range f {
		k := i
		if i > n/2 || (n%2 == 0 && i == n/2) {
			k = i - n
		}
		f[i] = float64(k) / (float64(n) * d)
	}
	return f
}

// LAxes returns the angular multipole coordinate along each FFT axis.
func (m *Map) LAxes() (ly, lx []float64) {
	dy, dx := m.Pixshape()
	ly = fftFreq(m.Ny, dy)
	lx = fftFreq(m.Nx, dx)
	for i := range ly {
		ly[i] *= 2 * math.Pi
	}
	for i := range lx {
		lx[i] *= 2 * math.Pi
	}
	return ly, lx
}

// ModLMap returns a harmonic-space grid holding |l| for every FFT cell.
func (m *Map) ModLMap() *Map {
	ly, lx := m.LAxes()
	o := New(m.Ny, m.Nx, m.WCS)
	for y := 0; y < m.Ny; y++ {
		for x := 0; x < m.Nx; x++ {
			o.Data[y*m.Nx+x] = math.Hypot(ly[y], lx[x])
		}
	}
	return o
}

// ModRMap returns the angular distance of every pixel from ref.
func (m *Map) ModRMap(ref Coord) *Map {
	o := New(m.Ny, m.Nx, m.WCS)
	for y := 0; y < m.Ny; y++ {
		for x := 0; x < m.Nx; x++ {
			o.Data[y*m.Nx+x] = AngDist(m.PosAt(y, x), ref)
		}
	}
	return o
}

// Shifted returns a copy of the map translated by a possibly fractional
// pixel offset (dy, dx) using a Fourier phase shift, wrapping around the
// grid edges.
func (m *Map) Shifted(dy, dx float64) *Map {
	f := m.FFT2()
	fy := fftFreq(m.Ny, 1)
	fx := fftFreq(m.Nx, 1)
	for y := 0; y < m.Ny; y++ {
		for x := 0; x < m.Nx; x++ {
			ph := -2 * math.Pi * (fy[y]*dy + fx[x]*dx)
			s, c := math.Sincos(ph)
			f.Data[y*m.Nx+x] *= complex(c, s)
		}
	}
	return f.IFFT2()
}

// ApplyPixwin convolves (exp=1) or deconvolves (exp=-1) the square pixel
// window from the map.
func (m *Map) ApplyPixwin(exp int) *Map {
	f := m.FFT2()
	fy := fftFreq(m.Ny, 1)
	fx := fftFreq(m.Nx, 1)
	wy := make([]float64, m.Ny)
	wx := make([]float64, m.Nx)
	for i, v := range fy {
		wy[i] = math.Pow(sinc(v), float64(exp))
	}
	for i, v := range fx {
		wx[i] = math.Pow(sinc(v), float64(exp))
	}
	for y := 0; y < m.Ny; y++ {
		for x := 0; x < m.Nx; x++ {
			f.Data[y*m.Nx+x] *= complex(wy[y]*wx[x], 0)
		}
	}
	return f.IFFT2()
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	return math.Sin(math.Pi*x) / (math.Pi * x)
}
