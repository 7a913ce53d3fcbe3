// Package region splits a map into rectangular work regions and merges
// per-region results back into full-map products.
package region

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"srcfind/pkg/skymap"
)

// Region is a half-open pixel rectangle [Y0,Y1) x [X0,X1). Regions may
// extend beyond the parent map; extraction handles the overhang.
type Region struct {
	Y0, X0, Y1, X1 int
}

// Ny returns the region height in pixels.
func (r Region) Ny() int { return r.Y1 - r.Y0 }

// Nx returns the region width in pixels.
func (r Region) Nx() int { return r.X1 - r.X0 }

// Contains reports whether the fractional pixel position falls inside the
// region.
func (r Region) Contains(p skymap.Pix) bool {
	return p.Y >= float64(r.Y0) && p.Y < float64(r.Y1) &&
		p.X >= float64(r.X0) && p.X < float64(r.X1)
}

const defaultTile = 480

// Parse interprets a region specification against an ny x nx map:
//
//	full                     the whole map as one region
//	tile[:h[:w]]             a grid of h x w tiles (default 480)
//	box:dec1:ra1:dec2:ra2    one box given in degrees
//	<path>                   text file with one "dec1 ra1 dec2 ra2" box
//	                         per line, in degrees
//
// Anything else is an error.
func Parse(spec string, ny, nx int, wcs skymap.WCS) ([]Region, error) {
	if spec == "" {
		spec = "full"
	}
	toks := strings.Split(spec, ":")
	switch toks[0] {
	case "full":
		return []Region{{0, 0, ny, nx}}, nil
	case "tile":
		th, tw := defaultTile, defaultTile
		var err error
		if len(toks) > 1 {
			if th, err = strconv.Atoi(toks[1]); err != nil {
				return nil, fmt.Errorf("tile size %q: %w", toks[1], err)
			}
			tw = th
		}
		if len(toks) > 2 {
			if tw, err = strconv.Atoi(toks[2]); err != nil {
				return nil, fmt.Errorf("tile size %q: %w", toks[2], err)
			}
		}
		if th <= 0 || tw <= 0 {
			return nil, fmt.Errorf("non-positive tile size %dx%d", th, tw)
		}
		var regs []Region
		for y := 0; y < ny; y += th {
			for x := 0; x < nx; x += tw {
				regs = append(regs, Region{y, x, y + th, x + tw})
			}
		}
		return regs, nil
	case "box":
		if len(toks) != 5 {
			return nil, fmt.Errorf("box region wants box:dec1:ra1:dec2:ra2, got %q", spec)
		}
		vals := make([]float64, 4)
		for i, t := range toks[1:] {
			v, err := strconv.ParseFloat(t, 64)
			if err != nil {
				return nil, fmt.Errorf("box coordinate %q: %w", t, err)
			}
			vals[i] = v * skymap.Degree
		}
		return []Region{boxToRegion(vals, wcs)}, nil
	}
	if _, err := os.Stat(spec); err == nil {
		return parseBoxFile(spec, wcs)
	}
	return nil, fmt.Errorf("unrecognized region %q", spec)
}

// boxToRegion converts {dec1, ra1, dec2, ra2} in radians to a pixel region.
func boxToRegion(b []float64, wcs skymap.WCS) Region {
	p1 := wcs.SkyToPix(skymap.Coord{Dec: b[0], RA: b[1]})
	p2 := wcs.SkyToPix(skymap.Coord{Dec: b[2], RA: b[3]})
	y0, y1 := int(math.Round(p1.Y)), int(math.Round(p2.Y))
	x0, x1 := int(math.Round(p1.X)), int(math.Round(p2.X))
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	return Region{y0, x0, y1, x1}
}

func parseBoxFile(path string, wcs skymap.WCS) ([]Region, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open region file: %w", err)
	}
	defer f.Close()
	var regs []Region
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) < 4 {
			return nil, fmt.Errorf("%s:%d: want dec1 ra1 dec2 ra2", path, line)
		}
		vals := make([]float64, 4)
		for i := 0; i < 4; i++ {
			v, err := strconv.ParseFloat(fields[i], 64)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: %w", path, line, err)
			}
			vals[i] = v * skymap.Degree
		}
		regs = append(regs, boxToRegion(vals, wcs))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read region file: %w", err)
	}
	if len(regs) == 0 {
		return nil, fmt.Errorf("region file %s: no boxes", path)
	}
	return regs, nil
}

// Pad grows the region by pad pixels on every side.
func Pad(r Region, pad int) Region {
	return Region{r.Y0 - pad, r.X0 - pad, r.Y1 + pad, r.X1 + pad}
}

// PadFFT grows each dimension to the next FFT-friendly length, keeping the
// top-left corner fixed.
func PadFFT(r Region) Region {
	r.Y1 = r.Y0 + GoodSize(r.Ny())
	r.X1 = r.X0 + GoodSize(r.Nx())
	return r
}

// GoodSize returns the smallest length >= n whose prime factors are all
// 2, 3, 5 or 7, which the FFT handles efficiently.
func GoodSize(n int) int {
	if n <= 1 {
		return 1
	}
	for {
		m := n
		for _, p := range []int{2, 3, 5, 7} {
			for m%p == 0 {
				m /= p
			}
		}
		if m == 1 {
			return n
		}
		n++
	}
}
