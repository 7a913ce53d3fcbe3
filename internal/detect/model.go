package detect

import (
	"math"

	"srcfind/pkg/skymap"
)

// CalcModel renders beam templates at the given fractional pixel positions
// with the given amplitudes, inserting each sub-pixel-shifted copy with
// wraparound. The template must hold its peak at its center.
func CalcModel(ny, nx int, wcs skymap.WCS, pix []skymap.Pix, template *skymap.Map, amps []float64) *skymap.Map {
	model := skymap.New(ny, nx, wcs)
	size := template.Ny
	for i, p := range pix {
		y0 := int(math.Round(p.Y))
		x0 := int(math.Round(p.X))
		stamp := template.Shifted(p.Y-float64(y0), p.X-float64(x0)).Scale(amps[i])
		model.InsertAdd(stamp, y0-size/2, x0-template.Nx/2, true)
	}
	return model
}

// compFit is the measured position and amplitude of one labeled component.
type compFit struct {
	Pix  skymap.Pix
	Amp  float64
	NPix float64
	SN   float64
}

// component accumulates per-label statistics in a single pixel scan.
type component struct {
	sumF, sumFy, sumFx float64
	maxV, minV         float64
	maxY, maxX         int
	minY, minX         int
	npix               int
	maxAbsSN           float64
}

// measureComponents scans the labeled filtered map once and accumulates
// per-component sums, extrema and peak significance.
func measureComponents(fmap, snmap *skymap.Map, labels []int32, nlabel int) []component {
	comps := make([]component, nlabel)
	for i := range comps {
		comps[i].maxV = math.Inf(-1)
		comps[i].minV = math.Inf(1)
	}
	nx := fmap.Nx
	for idx, lab := range labels {
		if lab == 0 {
			continue
		}
		c := &comps[lab-1]
		y, x := idx/nx, idx%nx
		v := fmap.Data[idx]
		c.sumF += v
		c.sumFy += v * float64(y)
		c.sumFx += v * float64(x)
		c.npix++
		if v > c.maxV {
			c.maxV, c.maxY, c.maxX = v, y, x
		}
		if v < c.minV {
			c.minV, c.minY, c.minX = v, y, x
		}
		if sn := math.Abs(snmap.Data[idx]); sn > c.maxAbsSN {
			c.maxAbsSN = sn
		}
	}
	return comps
}

// fitComponent turns accumulated component statistics into a position and
// amplitude. The default is the center of mass; when the extremum amplitude
// exceeds it by more than extendedRatio the component is treated as extended
// or blended and the extremum is used instead, since the center of mass is
// biased low there.
func fitComponent(fmap *skymap.Map, c component, extendedRatio float64) compFit {
	com := skymap.Pix{Y: c.sumFy / c.sumF, X: c.sumFx / c.sumF}
	ampCom := fmap.At(com.Y, com.X)
	extY, extX, ampExt := c.maxY, c.maxX, c.maxV
	if ampCom < 0 {
		extY, extX, ampExt = c.minY, c.minX, c.minV
	}
	fit := compFit{Pix: com, Amp: ampCom, NPix: float64(c.npix), SN: c.maxAbsSN}
	if math.Abs(ampExt) > math.Abs(ampCom)*extendedRatio {
		fit.Pix = skymap.Pix{Y: float64(extY), X: float64(extX)}
		fit.Amp = ampExt
	}
	return fit
}
