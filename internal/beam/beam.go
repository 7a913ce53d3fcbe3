// Package beam handles the instrument beam: its harmonic transform, its
// real-space radial profile, and the solid-angle / flux conversions derived
// from it.
package beam

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"srcfind/pkg/skymap"
)

// Physical constants (SI) for the blackbody flux conversion.
const (
	planckH   = 6.62607015e-34
	boltzmann = 1.380649e-23
	lightC    = 2.99792458e8
	tCMB      = 2.725
)

// defaultLMax is the multipole range used when synthesizing a Gaussian beam.
const defaultLMax = 40000

// Beam is a harmonic-space beam transform b_l sampled at integer multipoles
// starting from l=0.
type Beam []float64

// Gaussian returns the transform of a Gaussian beam with the given FWHM in
// arcminutes.
func Gaussian(fwhmArcmin float64) Beam {
	sigma := fwhmArcmin * skymap.Arcmin * skymap.FWHM
	b := make(Beam, defaultLMax)
	for l := range b {
		x := float64(l) * sigma
		b[l] = math.Exp(-0.5 * x * x)
	}
	return b
}

// Parse interprets a beam specification: a bare number is a Gaussian FWHM in
// arcminutes, anything else is the path of a two-column (l, b_l) text file.
func Parse(spec string) (Beam, error) {
	if fwhm, err := strconv.ParseFloat(spec, 64); err == nil {
		return Gaussian(fwhm), nil
	}
	f, err := os.Open(spec)
	if err != nil {
		return nil, fmt.Errorf("read beam %q: %w", spec, err)
	}
	defer f.Close()
	var b Beam
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("beam %q: expected two columns, got %q", spec, line)
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("beam %q: %w", spec, err)
		}
		b = append(b, v)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("beam %q: empty", spec)
	}
	return b, nil
}

// Eval interpolates the transform at a fractional multipole, clamping to the
// table's ends.
func (b Beam) Eval(l float64) float64 {
	if l <= 0 {
		return b[0]
	}
	if l >= float64(len(b)-1) {
		return b[len(b)-1]
	}
	i := int(l)
	f := l - float64(i)
	return b[i]*(1-f) + b[i+1]*f
}

// Transform2D interpolates the beam transform onto a map's 2D |l| grid.
func (b Beam) Transform2D(ny, nx int, wcs skymap.WCS) *skymap.Map {
	tmpl := skymap.New(ny, nx, wcs)
	lmap := tmpl.ModLMap()
	for i, l := range lmap.Data {
		tmpl.Data[i] = b.Eval(l)
	}
	return tmpl
}

// TransformArea computes the beam solid angle in steradians from a 2D
// harmonic-space beam grid.
func TransformArea(beam2d *skymap.Map) float64 {
	mean := beam2d.Sum() / float64(beam2d.Npix())
	return beam2d.Data[0] / mean * beam2d.Pixsize()
}

// Profile is a real-space radial beam profile on [0, Rmax], sampled evenly.
type Profile struct {
	R []float64
	B []float64
}

// Rmax returns the profile's outer radius.
func (p Profile) Rmax() float64 { return p.R[len(p.R)-1] }

// Eval interpolates the profile at radius r; beyond Rmax it is zero.
func (p Profile) Eval(r float64) float64 {
	if r < 0 || r > p.Rmax() {
		return 0
	}
	step := p.R[1] - p.R[0]
	fi := r / step
	i := int(fi)
	if i >= len(p.B)-1 {
		return p.B[len(p.B)-1]
	}
	f := fi - float64(i)
	return p.B[i]*(1-f) + p.B[i+1]*f
}

// Radius returns the largest radius at which the profile still exceeds lim.
func (p Profile) Radius(lim float64) float64 {
	for i := len(p.B) - 1; i >= 0; i-- {
		if p.B[i] > lim {
			return p.R[i]
		}
	}
	return p.R[0]
}

// ToProfile converts the harmonic transform to a unit-peak radial profile.
// With rmax zero, a coarse full-sky scan picks the radius where the profile
// falls below tol.
func (b Beam) ToProfile(nsamp int, rmax, tol float64) Profile {
	if nsamp <= 1 {
		nsamp = 10001
	}
	if rmax == 0 {
		coarse := b.transformToProfile(linspace(0, math.Pi, nsamp))
		imax := 0
		for i, v := range coarse {
			if v > tol {
				imax = i
			}
		}
		if imax < nsamp-1 {
			imax++
		}
		rmax = float64(imax) / float64(nsamp-1) * math.Pi
	}
	r := linspace(0, rmax, nsamp)
	return Profile{R: r, B: b.transformToProfile(r)}
}

// transformToProfile evaluates sum_l (2l+1)/(4pi) b_l P_l(cos r) over all
// sample radii at once via the Legendre recurrence, normalized to unit peak
// at r=0.
func (b Beam) transformToProfile(r []float64) []float64 {
	n := len(r)
	cosr := make([]float64, n)
	for i, v := range r {
		cosr[i] = math.Cos(v)
	}
	p0 := make([]float64, n) // P_{l-1}
	p1 := make([]float64, n) // P_l
	out := make([]float64, n)
	for i := range p0 {
		p0[i] = 1
		p1[i] = cosr[i]
	}
	norm := 0.0
	for l, bl := range b {
		norm += float64(2*l+1) * bl
	}
	for l, bl := range b {
		w := float64(2*l+1) * bl / norm
		switch l {
		case 0:
			for i := range out {
				out[i] += w * p0[i]
			}
		case 1:
			for i := range out {
				out[i] += w * p1[i]
			}
		default:
			// advance the recurrence to P_l and accumulate
			a := float64(2*l-1) / float64(l)
			c := float64(l-1) / float64(l)
			for i := range out {
				pl := a*cosr[i]*p1[i] - c*p0[i]
				p0[i], p1[i] = p1[i], pl
				out[i] += w * pl
			}
		}
	}
	return out
}

// ProfileArea integrates the profile's solid angle, Simpson's rule over
// 2*pi*r*b(r).
func ProfileArea(p Profile) float64 {
	n := len(p.R)
	if n < 3 {
		return 0
	}
	h := p.R[1] - p.R[0]
	f := func(i int) float64 { return 2 * math.Pi * p.R[i] * p.B[i] }
	sum := 0.0
	// Simpson over even segment count; trapezoid for a trailing odd segment.
	m := n - 1
	if m%2 == 1 {
		sum += 0.5 * h * (f(m-1) + f(m))
		m--
	}
	for i := 0; i < m; i += 2 {
		sum += h / 3 * (f(i) + 4*f(i+1) + f(i+2))
	}
	return sum
}

// FluxFactor returns the Jy-per-microkelvin conversion for a beam solid angle
// in steradians at the given frequency in GHz, from the derivative of the
// blackbody spectrum around the CMB temperature.
func FluxFactor(beamArea, freqGHz float64) float64 {
	nu := freqGHz * 1e9
	x := planckH * nu / (boltzmann * tCMB)
	ex := math.Expm1(x)
	dBdT := 2 * planckH * nu * nu * nu / (lightC * lightC) * x * math.Exp(x) / (ex * ex) / tCMB
	// 1e26 converts W/m^2/Hz to Jy, 1e-6 converts K to uK.
	return dBdT * beamArea * 1e26 * 1e-6
}

func linspace(lo, hi float64, n int) []float64 {
	out := make([]float64, n)
	step := (hi - lo) / float64(n-1)
	for i := range out {
		out[i] = lo + float64(i)*step
	}
	return out
}
