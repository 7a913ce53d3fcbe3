// Package skymap provides a flat 2D sky map: a row-major float64 grid tied to
// a plate-carree (CAR) pixelization, with the harmonic-space and interpolation
// operations the source-finding code needs.
package skymap

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Angle unit constants, in radians.
const (
	Degree = math.Pi / 180
	Arcmin = Degree / 60
	Arcsec = Arcmin / 60
)

// FWHM is the conversion factor from a Gaussian FWHM to its standard deviation.
const FWHM = 1 / 2.3548200450309493

// WCS describes a plate-carree pixelization: the sky coordinates of pixel
// (0,0) and the per-pixel steps along each axis, all in radians. DRA is
// typically negative (RA increases leftwards).
type WCS struct {
	Dec0, RA0 float64
	DDec, DRA float64
}

// Coord is a sky position in radians.
type Coord struct {
	Dec, RA float64
}

// Pix is a fractional pixel position, row-major (y, x).
type Pix struct {
	Y, X float64
}

// PixToSky converts a fractional pixel position to sky coordinates.
func (w WCS) PixToSky(p Pix) Coord {
	return Coord{Dec: w.Dec0 + p.Y*w.DDec, RA: w.RA0 + p.X*w.DRA}
}

// SkyToPix converts a sky position to a fractional pixel position.
func (w WCS) SkyToPix(c Coord) Pix {
	return Pix{Y: (c.Dec - w.Dec0) / w.DDec, X: (c.RA - w.RA0) / w.DRA}
}

// Map is a 2D grid of float64 samples with an associated pixelization.
type Map struct {
	Ny, Nx int
	WCS    WCS
	Data   []float64
}

// New returns a zero-initialized map with the given shape and pixelization.
func New(ny, nx int, wcs WCS) *Map {
	return &Map{Ny: ny, Nx: nx, WCS: wcs, Data: make([]float64, ny*nx)}
}

// Clone returns a deep copy of m.
func (m *Map) Clone() *Map {
	o := New(m.Ny, m.Nx, m.WCS)
	copy(o.Data, m.Data)
	return o
}

// Npix returns the number of pixels in the map.
func (m *Map) Npix() int { return m.Ny * m.Nx }

// Get returns the sample at integer pixel (y, x).
func (m *Map) Get(y, x int) float64 { return m.Data[y*m.Nx+x] }

// Set assigns the sample at integer pixel (y, x).
func (m *Map) Set(y, x int, v float64) { m.Data[y*m.Nx+x] = v }

// Pixshape returns the absolute pixel extent (dy, dx) in radians.
func (m *Map) Pixshape() (float64, float64) {
	return math.Abs(m.WCS.DDec), math.Abs(m.WCS.DRA)
}

// Pixsize returns the flat-sky pixel area in steradians.
func (m *Map) Pixsize() float64 {
	dy, dx := m.Pixshape()
	return dy * dx
}

// Fill sets every sample to v and returns m.
func (m *Map) Fill(v float64) *Map {
	for i := range m.Data {
		m.Data[i] = v
	}
	return m
}

// Mul multiplies m elementwise by o in place. The shapes must match.
func (m *Map) Mul(o *Map) *Map {
	for i, v := range o.Data {
		m.Data[i] *= v
	}
	return m
}

// Scale multiplies every sample by s in place.
func (m *Map) Scale(s float64) *Map {
	for i := range m.Data {
		m.Data[i] *= s
	}
	return m
}

// Add adds o elementwise in place. The shapes must match.
func (m *Map) Add(o *Map) *Map {
	for i, v := range o.Data {
		m.Data[i] += v
	}
	return m
}

// Div divides m elementwise by o in place. The shapes must match.
func (m *Map) Div(o *Map) *Map {
	for i, v := range o.Data {
		m.Data[i] /= v
	}
	return m
}

// Sub subtracts o elementwise in place. The shapes must match.
func (m *Map) Sub(o *Map) *Map {
	for i, v := range o.Data {
		m.Data[i] -= v
	}
	return m
}

// Sum returns the sum of all samples.
func (m *Map) Sum() float64 {
	return floats.Sum(m.Data)
}

// Max returns the maximum sample value, or -Inf for an empty map.
func (m *Map) Max() float64 {
	best := math.Inf(-1)
	for _, v := range m.Data {
		if v > best {
			best = v
		}
	}
	return best
}

// At evaluates the map at a fractional pixel position by bilinear
// interpolation. Positions outside the grid clamp to the edge.
func (m *Map) At(y, x float64) float64 {
	y = clamp(y, 0, float64(m.Ny-1))
	x = clamp(x, 0, float64(m.Nx-1))
	y0 := int(math.Floor(y))
	x0 := int(math.Floor(x))
	if y0 > m.Ny-2 {
		y0 = m.Ny - 2
	}
	if x0 > m.Nx-2 {
		x0 = m.Nx - 2
	}
	if m.Ny == 1 {
		y0 = 0
	}
	if m.Nx == 1 {
		x0 = 0
	}
	y1, x1 := y0, x0
	if y0 < m.Ny-1 {
		y1 = y0 + 1
	}
	if x0 < m.Nx-1 {
		x1 = x0 + 1
	}
	fy := y - float64(y0)
	fx := x - float64(x0)
	v00 := m.Get(y0, x0)
	v01 := m.Get(y0, x1)
	v10 := m.Get(y1, x0)
	v11 := m.Get(y1, x1)
	return v00*(1-fy)*(1-fx) + v01*(1-fy)*fx + v10*fy*(1-fx) + v11*fy*fx
}

// AtNearest evaluates the map at the nearest integer pixel.
func (m *Map) AtNearest(y, x float64) float64 {
	iy := int(math.Round(clamp(y, 0, float64(m.Ny-1))))
	ix := int(math.Round(clamp(x, 0, float64(m.Nx-1))))
	return m.Get(iy, ix)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Apod returns a copy of m multiplied by a cosine taper that falls to zero
// over n pixels at each edge.
func (m *Map) Apod(n int) *Map {
	o := m.Clone()
	if n <= 0 {
		return o
	}
	ty := apodProfile(m.Ny, n)
	tx := apodProfile(m.Nx, n)
	for y := 0; y < m.Ny; y++ {
		for x := 0; x < m.Nx; x++ {
			o.Data[y*m.Nx+x] *= ty[y] * tx[x]
		}
	}
	return o
}

// ApodWindow builds the window used for spectrum estimation: zero within
// margin pixels of the edge, then a cosine ramp over apod pixels, then one.
func ApodWindow(ny, nx, margin, apod int, wcs WCS) *Map {
	w := New(ny, nx, wcs)
	ty := marginProfile(ny, margin, apod)
	tx := marginProfile(nx, margin, apod)
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			w.Data[y*nx+x] = ty[y] * tx[x]
		}
	}
	return w
}

func apodProfile(n, width int) []float64 {
	p := make([]float64, n)
	for i := range p {
		d := math.Min(float64(i), float64(n-1-i))
		if d >= float64(width) {
			p[i] = 1
		} else {
			p[i] = 0.5 * (1 - math.Cos(math.Pi*d/float64(width)))
		}
	}
	return p
}

func marginProfile(n, margin, apod int) []float64 {
	p := make([]float64, n)
	for i := range p {
		d := math.Min(float64(i), float64(n-1-i)) - float64(margin)
		switch {
		case d < 0:
			p[i] = 0
		case d >= float64(apod):
			p[i] = 1
		default:
			p[i] = 0.5 * (1 - math.Cos(math.Pi*d/float64(apod)))
		}
	}
	return p
}

// ExtractBox copies an ny x nx sub-map whose top-left corner is at pixel
// (y0, x0). With wrap, out-of-range pixels wrap around the torus; otherwise
// they read as zero. The result keeps a consistent WCS for its offset.
func (m *Map) ExtractBox(y0, x0, ny, nx int, wrap bool) *Map {
	wcs := m.WCS
	wcs.Dec0 += float64(y0) * wcs.DDec
	wcs.RA0 += float64(x0) * wcs.DRA
	o := New(ny, nx, wcs)
	for y := 0; y < ny; y++ {
		sy := y0 + y
		if wrap {
			sy = mod(sy, m.Ny)
		} else if sy < 0 || sy >= m.Ny {
			continue
		}
		for x := 0; x < nx; x++ {
			sx := x0 + x
			if wrap {
				sx = mod(sx, m.Nx)
			} else if sx < 0 || sx >= m.Nx {
				continue
			}
			o.Data[y*nx+x] = m.Data[sy*m.Nx+sx]
		}
	}
	return o
}

// InsertAdd adds sub into m with its top-left corner at pixel (y0, x0).
// With wrap, out-of-range samples wrap around the torus; otherwise they are
// dropped.
func (m *Map) InsertAdd(sub *Map, y0, x0 int, wrap bool) {
	for y := 0; y < sub.Ny; y++ {
		dy := y0 + y
		if wrap {
			dy = mod(dy, m.Ny)
		} else if dy < 0 || dy >= m.Ny {
			continue
		}
		for x := 0; x < sub.Nx; x++ {
			dx := x0 + x
			if wrap {
				dx = mod(dx, m.Nx)
			} else if dx < 0 || dx >= m.Nx {
				continue
			}
			m.Data[dy*m.Nx+dx] += sub.Data[y*sub.Nx+x]
		}
	}
}

// InsertAt adds sub into m using the sub-map's own WCS to find its pixel
// offset within m.
func (m *Map) InsertAt(sub *Map) {
	p := m.WCS.SkyToPix(Coord{Dec: sub.WCS.Dec0, RA: sub.WCS.RA0})
	m.InsertAdd(sub, int(math.Round(p.Y)), int(math.Round(p.X)), false)
}

func mod(a, n int) int {
	a %= n
	if a < 0 {
		a += n
	}
	return a
}

// Thumb extracts a size x size thumbnail of a kernel map whose peak sits at
// pixel (0,0), recentering the peak at (size/2, size/2) with wraparound.
// With normalize the map is first divided by its (0,0) value.
func (m *Map) Thumb(size int, normalize bool) *Map {
	if size > m.Ny {
		size = m.Ny
	}
	if size > m.Nx {
		size = m.Nx
	}
	o := New(size, size, m.WCS)
	norm := 1.0
	if normalize {
		norm = m.Data[0]
	}
	for y := 0; y < size; y++ {
		sy := mod(y-size/2, m.Ny)
		for x := 0; x < size; x++ {
			sx := mod(x-size/2, m.Nx)
			o.Data[y*size+x] = m.Data[sy*m.Nx+sx] / norm
		}
	}
	return o
}

// AngDist returns the angular distance between two sky positions in radians.
func AngDist(a, b Coord) float64 {
	// Vincenty form, stable at all separations.
	dra := a.RA - b.RA
	sd1, cd1 := math.Sincos(a.Dec)
	sd2, cd2 := math.Sincos(b.Dec)
	sdr, cdr := math.Sincos(dra)
	y := math.Hypot(cd2*sdr, cd1*sd2-sd1*cd2*cdr)
	x := sd1*sd2 + cd1*cd2*cdr
	return math.Atan2(y, x)
}

// Rewind maps an angle into (-pi, pi] around zero.
func Rewind(a float64) float64 {
	a = math.Mod(a, 2*math.Pi)
	if a > math.Pi {
		a -= 2 * math.Pi
	} else if a <= -math.Pi {
		a += 2 * math.Pi
	}
	return a
}

// NeighborhoodBox returns the integer pixel box (y0, x0, ny, nx) covering all
// pixels within an angular radius rad of pos.
func (m *Map) NeighborhoodBox(pos Coord, rad float64) (y0, x0, ny, nx int) {
	p := m.WCS.SkyToPix(pos)
	dy, dx := m.Pixshape()
	cosDec := math.Cos(pos.Dec)
	if cosDec < 0.1 {
		cosDec = 0.1
	}
	ry := rad / dy
	rx := rad / (dx * cosDec)
	y0 = int(math.Floor(p.Y - ry))
	x0 = int(math.Floor(p.X - rx))
	y1 := int(math.Ceil(p.Y + ry))
	x1 := int(math.Ceil(p.X + rx))
	return y0, x0, y1 - y0 + 1, x1 - x0 + 1
}

// PosAt returns the sky position of integer pixel (y, x).
func (m *Map) PosAt(y, x int) Coord {
	return m.WCS.PixToSky(Pix{Y: float64(y), X: float64(x)})
}

// SameShape reports whether two maps have identical dimensions.
func SameShape(a, b *Map) error {
	if a.Ny != b.Ny || a.Nx != b.Nx {
		return fmt.Errorf("shape mismatch: %dx%d vs %dx%d", a.Ny, a.Nx, b.Ny, b.Nx)
	}
	return nil
}
