// Package detect implements blind matched-filter point source detection on a
// weighted sky map: iterative noise estimation, filtering, thresholding,
// component labeling and per-block fitting and subtraction.
package detect

import (
	"fmt"
	"log/slog"
	"math"

	"srcfind/internal/beam"
	"srcfind/internal/diag"
	"srcfind/internal/mask"
	"srcfind/internal/noise"
	"srcfind/pkg/catalog"
	"srcfind/pkg/skymap"
)

// Options configures the blind source finder.
type Options struct {
	FreqGHz       float64 // observing frequency for the flux conversion
	NComp         int     // catalog component count; only the first is fitted
	Apod          int     // apodization width in pixels
	ApodMargin    int     // reject sources closer than this to the apodized region
	SNMin         float64 // detection floor in sigma
	NPass         int     // noise model re-estimation passes
	SNBlock       float64 // per-block significance cutoff divisor
	NBlock        int     // maximum detection blocks per pass
	PSRes         float64 // noise spectrum smoothing scale in l
	PixWin        bool    // deconvolve the pixel window first
	Kernel        int     // template thumbnail size in pixels
	ExtendedRatio float64 // peak/center-of-mass ratio marking extended sources
	NormBlock     int     // tile size for the local noise normalization
	LKnee         float64 // initial noise realization knee
	Alpha         float64 // initial noise realization spectral slope
	Seed          int64   // seed for the initial noise realization
	Dump          *diag.Dumper
	Log           *slog.Logger
}

// DefaultOptions returns the finder defaults.
func DefaultOptions() Options {
	return Options{
		FreqGHz:       150,
		NComp:         3,
		Apod:          15,
		ApodMargin:    10,
		SNMin:         3.5,
		NPass:         2,
		SNBlock:       2.5,
		NBlock:        10,
		PSRes:         2000,
		PixWin:        true,
		Kernel:        256,
		ExtendedRatio: 1.1,
		NormBlock:     240,
		LKnee:         3000,
		Alpha:         -2,
	}
}

// Result is the output of one full detection run.
type Result struct {
	Cat        catalog.Catalog
	Map        *skymap.Map // apodized input map the catalog refers to
	Model      *skymap.Map // beam templates at the fitted positions
	Resid      *skymap.Map // Map minus Model
	SNMap      *skymap.Map // signal-to-noise map before subtraction
	ResidSNMap *skymap.Map // signal-to-noise map after subtraction
	BeamThumb  *skymap.Map // unit-peak real-space beam template
}

// Find runs the blind source finder on a map and its inverse-variance weight.
// It alternates noise model estimation and block detection: each pass
// re-measures the noise spectrum from the current source-subtracted map, and
// each block within a pass detects and subtracts sources in decreasing order
// of significance so bright sources cannot corrupt the statistics for faint
// ones.
func Find(imap, idiv *skymap.Map, bm beam.Beam, opts Options) (*Result, error) {
	if err := skymap.SameShape(imap, idiv); err != nil {
		return nil, err
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	// Apodize edges and coverage holes before any Fourier operation.
	holes, err := mask.ApodHoles(idiv, float64(opts.Apod))
	if err != nil {
		return nil, fmt.Errorf("apodize holes: %w", err)
	}
	apodMap := skymap.New(imap.Ny, imap.Nx, imap.WCS).Fill(1).Apod(opts.Apod).Mul(holes)
	work := imap.Clone().Mul(apodMap)
	if opts.PixWin {
		work = work.ApplyPixwin(-1)
	}
	// Whitened map and effective weight.
	wmap := work.Clone()
	adiv := idiv.Clone()
	for i := range wmap.Data {
		wmap.Data[i] *= math.Sqrt(idiv.Data[i])
		adiv.Data[i] *= apodMap.Data[i] * apodMap.Data[i]
	}
	beam2d := bm.Transform2D(work.Ny, work.Nx, work.WCS)
	beamArea := beam.TransformArea(beam2d)
	fluxconv := beam.FluxFactor(beamArea, opts.FreqGHz)

	distFromApod, err := mask.EdgeDist(apodMap)
	if err != nil {
		return nil, fmt.Errorf("edge distance: %w", err)
	}

	// No source-free map exists yet, so pass 0 runs against a simulated
	// noise realization; later passes use the measured residual.
	noiseMap := noise.SimInitial(idiv, opts.LKnee, opts.Alpha, opts.Seed)
	var result *Result
	for ipass := 0; ipass < opts.NPass; ipass++ {
		wnoise := noiseMap.Clone()
		for i := range wnoise.Data {
			wnoise.Data[i] *= math.Sqrt(adiv.Data[i])
		}
		ps := noise.Measure(wnoise, opts.Apod, opts.Apod, opts.PSRes)
		filter := noise.BuildFilter(ps, beam2d)
		template := filter.Clone().Mul(beam2d).AsFMap().IFFT2().Thumb(opts.Kernel, true)
		fmap := wmap.FFT2().MulReal(filter).IFFT2()
		fnoise := wnoise.FFT2().MulReal(filter).IFFT2()
		masked := fnoise.Clone()
		for i, a := range apodMap.Data {
			if a < 1 {
				masked.Data[i] = 0
			}
		}
		norm := normMap(masked, opts.NormBlock)
		opts.Dump.Gray(fmt.Sprintf("wnoise_%02d", ipass), wnoise)
		opts.Dump.Gray(fmt.Sprintf("fmap_%02d", ipass), fmap)
		opts.Dump.Gray(fmt.Sprintf("norm_%02d", ipass), norm)

		result = &Result{SNMap: fmap.Clone().Div(norm)}
		var fits []compFit
		// Initial cutoff: the strongest significance anywhere in the
		// valid region. It halves (by SNBlock) every block, so sources
		// are processed in roughly decreasing brightness order without
		// a global sort.
		snLim := 0.0
		for i, v := range result.SNMap.Data {
			if apodMap.Data[i] > 0 {
				if av := math.Abs(v); av > snLim {
					snLim = av
				}
			}
		}
		for iblock := 0; iblock < opts.NBlock; iblock++ {
			snmap := fmap.Clone().Div(norm)
			opts.Dump.SignMap(fmt.Sprintf("snmap_%02d_%02d", ipass, iblock), snmap)
			// Threshold positive and negative excursions separately so
			// adjacent opposite-sign regions do not merge, then label.
			labPos, nPos, err := mask.Label(mask.AtLeast(snmap, opts.SNMin), snmap.Ny, snmap.Nx)
			if err != nil {
				return nil, fmt.Errorf("label pass %d block %d: %w", ipass, iblock, err)
			}
			neg := snmap.Clone().Scale(-1)
			labNeg, nNeg, err := mask.Label(mask.AtLeast(neg, opts.SNMin), snmap.Ny, snmap.Nx)
			if err != nil {
				return nil, fmt.Errorf("label pass %d block %d: %w", ipass, iblock, err)
			}
			nlabel := nPos + nNeg
			if nlabel == 0 {
				break
			}
			labels := labPos
			for i, l := range labNeg {
				if l > 0 {
					labels[i] = l + int32(nPos)
				}
			}
			comps := measureComponents(fmap, snmap, labels, nlabel)
			maxSN := 0.0
			for _, c := range comps {
				if c.maxAbsSN > maxSN {
					maxSN = c.maxAbsSN
				}
			}
			snLim = math.Max(opts.SNMin, math.Min(snLim, maxSN)/opts.SNBlock)
			var kept []compFit
			for _, c := range comps {
				if c.maxAbsSN >= snLim {
					kept = append(kept, fitComponent(fmap, c, opts.ExtendedRatio))
				}
			}
			if len(kept) == 0 {
				break
			}
			pix := make([]skymap.Pix, len(kept))
			amps := make([]float64, len(kept))
			for i, f := range kept {
				pix[i] = f.Pix
				amps[i] = f.Amp
			}
			// Subtract the detected sources from the filtered map so the
			// next block sees a cleaner residual.
			fmap.Sub(CalcModel(fmap.Ny, fmap.Nx, fmap.WCS, pix, template, amps))
			fits = append(fits, kept...)
			log.Debug("detection block done", "pass", ipass+1, "block", iblock+1,
				"detected", len(kept), "snlim", snLim)
			// Once the cutoff reaches the floor we are digging into noise.
			if snLim <= opts.SNMin {
				break
			}
		}

		// Assemble the catalog in physical units.
		cat := make(catalog.Catalog, 0, len(fits))
		for _, f := range fits {
			rms := math.Pow(adiv.AtNearest(f.Pix.Y, f.Pix.X), -0.5)
			pos := work.WCS.PixToSky(f.Pix)
			e := catalog.NewEntry(opts.NComp)
			e.Dec, e.RA = pos.Dec, pos.RA
			e.Amp[0] = f.Amp * rms
			e.DAmp[0] = norm.AtNearest(f.Pix.Y, f.Pix.X) * rms
			for c := 0; c < opts.NComp; c++ {
				e.Flux[c] = e.Amp[c] * fluxconv
				e.DFlux[c] = e.DAmp[c] * fluxconv
			}
			e.NPix = f.NPix
			cat = append(cat, e)
		}
		cat.SortBySN()
		// Sources inside the apodized margin are tainted by the taper;
		// non-finite weights mean no valid data at all.
		good := cat[:0]
		for _, e := range cat {
			p := work.WCS.SkyToPix(e.Pos())
			iy := int(math.Round(p.Y))
			ix := int(math.Round(p.X))
			if iy < 0 || iy >= work.Ny || ix < 0 || ix >= work.Nx {
				continue
			}
			rms := math.Pow(adiv.Get(iy, ix), -0.5)
			if float64(distFromApod[iy*work.Nx+ix]) >= float64(opts.ApodMargin) && !math.IsInf(rms, 0) && !math.IsNaN(rms) {
				good = append(good, e)
			}
		}
		cat = good

		result.ResidSNMap = fmap.Clone().Div(norm)
		beamThumb := beam2d.AsFMap().IFFT2().Thumb(opts.Kernel, false)
		beamThumb.Scale(1 / beamThumb.Max())
		result.BeamThumb = beamThumb
		result.Cat = cat
		result.Map = work
		if len(cat) > 0 {
			pix := make([]skymap.Pix, len(cat))
			amps := make([]float64, len(cat))
			for i, e := range cat {
				pix[i] = work.WCS.SkyToPix(e.Pos())
				amps[i] = e.Amp[0]
			}
			result.Model = CalcModel(work.Ny, work.Nx, work.WCS, pix, beamThumb, amps)
		} else {
			result.Model = skymap.New(work.Ny, work.Nx, work.WCS)
		}
		result.Resid = work.Clone().Sub(result.Model)
		log.Info("detection pass done", "pass", ipass+1, "sources", len(cat))
		// The residual is the next pass's noise estimate.
		noiseMap = result.Resid
	}
	return result, nil
}
