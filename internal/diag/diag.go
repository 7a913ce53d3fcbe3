// Package diag renders intermediate maps to PNG files for pipeline
// debugging. A nil Dumper disables all output.
package diag

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/image/draw"

	"srcfind/pkg/skymap"
)

// Dumper writes diagnostic images into a directory.
type Dumper struct {
	Dir string
	// MaxDim scales images whose larger side exceeds it. Zero keeps full
	// resolution.
	MaxDim int
}

// New returns a Dumper writing into dir, creating it if needed.
func New(dir string) (*Dumper, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dump dir: %w", err)
	}
	return &Dumper{Dir: dir, MaxDim: 2048}, nil
}

// Gray writes a grayscale rendering of the map, stretched between its 1st
// and 99th percentiles.
func (d *Dumper) Gray(name string, m *skymap.Map) error {
	if d == nil {
		return nil
	}
	lo, hi := percentiles(m.Data, 0.01, 0.99)
	img := image.NewGray(image.Rect(0, 0, m.Nx, m.Ny))
	for y := 0; y < m.Ny; y++ {
		for x := 0; x < m.Nx; x++ {
			img.SetGray(x, y, color.Gray{Y: toByte(m.Get(y, x), lo, hi)})
		}
	}
	return d.write(name, img)
}

// SignMap writes a diverging rendering: blue for negative, red for positive,
// scaled symmetrically around zero. Useful for S/N maps.
func (d *Dumper) SignMap(name string, m *skymap.Map) error {
	if d == nil {
		return nil
	}
	_, hi := percentiles(m.Data, 0, 0.999)
	lim := math.Max(math.Abs(hi), 1e-30)
	img := image.NewRGBA(image.Rect(0, 0, m.Nx, m.Ny))
	for y := 0; y < m.Ny; y++ {
		for x := 0; x < m.Nx; x++ {
			v := m.Get(y, x) / lim
			c := color.RGBA{A: 255}
			if v >= 0 {
				c.R = toByte(v, 0, 1)
			} else {
				c.B = toByte(-v, 0, 1)
			}
			img.SetRGBA(x, y, c)
		}
	}
	return d.write(name, img)
}

func (d *Dumper) write(name string, img image.Image) error {
	b := img.Bounds()
	if d.MaxDim > 0 && (b.Dx() > d.MaxDim || b.Dy() > d.MaxDim) {
		scale := float64(d.MaxDim) / float64(max(b.Dx(), b.Dy()))
		dst := image.NewRGBA(image.Rect(0, 0, int(float64(b.Dx())*scale), int(float64(b.Dy())*scale)))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
		img = dst
	}
	f, err := os.Create(filepath.Join(d.Dir, name+".png"))
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}

func percentiles(data []float64, p1, p2 float64) (lo, hi float64) {
	if len(data) == 0 {
		return 0, 1
	}
	sorted := append([]float64(nil), data...)
	sort.Float64s(sorted)
	pick := func(p float64) float64 {
		i := int(p * float64(len(sorted)-1))
		return sorted[i]
	}
	lo, hi = pick(p1), pick(p2)
	if hi <= lo {
		hi = lo + 1
	}
	return lo, hi
}

func toByte(v, lo, hi float64) uint8 {
	t := (v - lo) / (hi - lo)
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	return uint8(t*254 + 0.5)
}
