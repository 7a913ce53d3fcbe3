package fit

import (
	"fmt"
	"log/slog"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"srcfind/internal/beam"
	"srcfind/internal/mask"
	"srcfind/internal/noise"
	"srcfind/pkg/skymap"
)

// Options configures the joint amplitude fitter.
type Options struct {
	Apod         int     // apodization width in pixels
	ApodMargin   int     // extra margin excluding sources near the taper
	NPass        int     // noise model re-estimation passes
	IndepTol     float64 // correlation tolerance for the independence length
	PSRes        float64 // noise spectrum smoothing scale in l
	PixWin       bool    // deconvolve the pixel window first
	BeamTol      float64 // beam support cutoff for the per-source stamps
	ProfileTol   float64 // tolerance for the radial profile extent
	ProfileNSamp int     // radial profile sample count
	FlattenLCut  float64 // optional high-l spectrum flattening; 0 disables
	LKnee        float64 // initial noise realization knee
	Alpha        float64 // initial noise realization slope
	Seed         int64   // seed for the initial noise realization
	Workers      int     // concurrent independent groups; 0 means serial
	Log          *slog.Logger
}

// DefaultOptions returns the fitter defaults.
func DefaultOptions() Options {
	return Options{
		Apod:         15,
		ApodMargin:   10,
		NPass:        2,
		IndepTol:     1e-4,
		PSRes:        2000,
		PixWin:       true,
		BeamTol:      1e-4,
		ProfileTol:   1e-7,
		ProfileNSamp: 10001,
		LKnee:        3000,
		Alpha:        -2,
		Workers:      4,
	}
}

// Result holds the solved amplitudes for the surviving sources.
type Result struct {
	// Inds are the indices into the input position list that survived the
	// edge margins; all other fields are aligned with it.
	Inds []int
	Amp  []float64
	// ICov is the symmetrized inverse covariance of the amplitudes.
	ICov *mat.Dense
	// LocalAmp is the model evaluated at each source's own position, for
	// consistency checks against Amp.
	LocalAmp []float64
}

// DAmp returns the diagonal-approximation uncertainties, the inverse square
// roots of the inverse-covariance diagonal.
func (r *Result) DAmp() []float64 {
	out := make([]float64, len(r.Amp))
	for i := range out {
		out[i] = math.Pow(r.ICov.At(i, i), -0.5)
	}
	return out
}

// stamp is a per-source beam template evaluated over its own small pixel box
// in exact world coordinates.
type stamp struct {
	y0, x0 int
	m      *skymap.Map
}

func (s stamp) dot(other *skymap.Map, oy0, ox0 int) float64 {
	sub := other.ExtractBox(s.y0-oy0, s.x0-ox0, s.m.Ny, s.m.Nx, false)
	return floats.Dot(s.m.Data, sub.Data)
}

// weightedConv applies the noise-weighted double convolution
// h * IFFT[ ic * FFT[ h * m ] ].
func weightedConv(m, h, ic *skymap.Map) *skymap.Map {
	return m.Clone().Mul(h).FFT2().MulReal(ic).IFFT2().Mul(h)
}

// Amplitudes jointly fits source amplitudes at fixed sky positions. Each
// source gets an exact beam template evaluated at its own position rather
// than a shifted shared thumbnail, so no flat-sky approximation enters. The
// inverse covariance is built per independent group: all sources in a group
// are convolved at once and each source then takes footprint-restricted dot
// products against its correlated neighbors only.
func Amplitudes(imap, idiv *skymap.Map, pos []skymap.Coord, bm beam.Beam, prior *Prior, opts Options) (*Result, error) {
	if err := skymap.SameShape(imap, idiv); err != nil {
		return nil, err
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	margin := float64(opts.Apod + opts.ApodMargin)
	srcPix := make([]skymap.Pix, len(pos))
	var inds []int
	for i, c := range pos {
		srcPix[i] = imap.WCS.SkyToPix(c)
		p := srcPix[i]
		if p.Y >= margin && p.Y < float64(imap.Ny)-margin &&
			p.X >= margin && p.X < float64(imap.Nx)-margin {
			inds = append(inds, i)
		}
	}
	nsrc := len(inds)
	if nsrc == 0 {
		return &Result{Inds: nil, Amp: nil, ICov: &mat.Dense{}, LocalAmp: nil}, nil
	}
	kept := make([]skymap.Coord, nsrc)
	keptPix := make([]skymap.Pix, nsrc)
	for i, src := range inds {
		kept[i] = pos[src]
		keptPix[i] = srcPix[src]
	}

	holes, err := mask.ApodHoles(idiv, float64(opts.Apod))
	if err != nil {
		return nil, fmt.Errorf("apodize holes: %w", err)
	}
	apodMap := skymap.New(imap.Ny, imap.Nx, imap.WCS).Fill(1).Apod(opts.Apod).Mul(holes)
	work := imap.Clone().Mul(apodMap)
	// Nothing hit means no noise model and nothing to measure.
	weight := 0.0
	for i, d := range idiv.Data {
		weight += d * apodMap.Data[i] * apodMap.Data[i]
	}
	if weight == 0 {
		return &Result{Inds: inds, Amp: make([]float64, nsrc),
			ICov: mat.NewDense(nsrc, nsrc, nil), LocalAmp: make([]float64, nsrc)}, nil
	}
	if opts.PixWin {
		work = work.ApplyPixwin(-1)
	}

	profile := bm.ToProfile(opts.ProfileNSamp, 0, opts.ProfileTol)
	brad := profile.Radius(opts.BeamTol)
	stamps := make([]stamp, nsrc)
	for i, c := range kept {
		y0, x0, ny, nx := work.NeighborhoodBox(c, brad)
		wcs := work.WCS
		wcs.Dec0 += float64(y0) * wcs.DDec
		wcs.RA0 += float64(x0) * wcs.DRA
		sm := skymap.New(ny, nx, wcs)
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				r := skymap.AngDist(sm.PosAt(y, x), c)
				sm.Data[y*nx+x] = profile.Eval(r)
			}
		}
		stamps[i] = stamp{y0: y0, x0: x0, m: sm}
	}

	// Only needed for the correlation length of the matched filter.
	beam2d := bm.Transform2D(work.Ny, work.Nx, work.WCS)
	beam2d.Scale(float64(beam2d.Npix()) / beam2d.Sum())

	// Constant-correlation noise model: the weights enter through H rather
	// than through whitening, which is affordable here because the source
	// positions are known.
	h := skymap.New(work.Ny, work.Nx, work.WCS)
	for i := range h.Data {
		h.Data[i] = math.Sqrt(idiv.Data[i]) * apodMap.Data[i]
	}
	noiseMap := noise.SimInitial(idiv, opts.LKnee, opts.Alpha, opts.Seed)

	var amp, localAmp []float64
	var icov [][]float64
	for ipass := 0; ipass < opts.NPass; ipass++ {
		res := noiseMap.Clone().Mul(h)
		c := noise.Measure(res, opts.Apod, opts.Apod, opts.PSRes)
		if opts.FlattenLCut > 0 {
			c = noise.FlattenHighL(c, opts.FlattenLCut)
		}
		ic := c.Clone()
		for i, v := range c.Data {
			ic.Data[i] = 1 / v
		}
		// Right-hand side: project the noise-weighted map onto each
		// source's footprint.
		nd := weightedConv(work, h, ic)
		rhs := make([]float64, nsrc)
		for i, st := range stamps {
			rhs[i] = st.dot(nd, 0, 0)
		}

		kernel := beam2d.Clone().Mul(beam2d).Mul(ic)
		corrlen := CorrLen(kernel, opts.IndepTol)
		// No part of another source's matched filter may leak into the
		// box extracted around a source: each contributes its own radius
		// and the diagonal worst case adds sqrt(2).
		groups, neighbors := GroupIndependent(kept, corrlen*2*math.Sqrt2)
		cbox := make([][4]int, nsrc)
		for i, c := range kept {
			y0, x0, ny, nx := work.NeighborhoodBox(c, corrlen)
			cbox[i] = [4]int{y0, x0, ny, nx}
		}
		nbs := make([]*skymap.Map, nsrc)
		var eg errgroup.Group
		eg.SetLimit(max(opts.Workers, 1))
		for _, group := range groups {
			group := group
			eg.Go(func() error {
				nb := skymap.New(work.Ny, work.Nx, work.WCS)
				for _, sid := range group {
					nb.InsertAdd(stamps[sid].m, stamps[sid].y0, stamps[sid].x0, false)
				}
				nb = weightedConv(nb, h, ic)
				for _, sid := range group {
					b := cbox[sid]
					nbs[sid] = nb.ExtractBox(b[0], b[1], b[2], b[3], false)
				}
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return nil, err
		}
		icov = make([][]float64, nsrc)
		for sid := range icov {
			icov[sid] = make([]float64, nsrc)
			b := cbox[sid]
			icov[sid][sid] = stamps[sid].dot(nbs[sid], b[0], b[1])
			for _, sid2 := range neighbors[sid] {
				icov[sid][sid2] = stamps[sid2].dot(nbs[sid], b[0], b[1])
			}
		}
		if prior != nil {
			for i, src := range inds {
				rhs[i] += prior.IVar[src] * prior.Amp[src]
				icov[i][i] += prior.IVar[src]
			}
		}
		// The cutoffs above leave the system slightly asymmetric;
		// symmetrize before solving.
		sym := mat.NewDense(nsrc, nsrc, nil)
		for i := 0; i < nsrc; i++ {
			for j := 0; j < nsrc; j++ {
				sym.Set(i, j, 0.5*(icov[i][j]+icov[j][i]))
			}
		}
		var sol mat.VecDense
		if err := sol.SolveVec(sym, mat.NewVecDense(nsrc, rhs)); err != nil {
			return nil, fmt.Errorf("solve amplitudes pass %d: %w", ipass+1, err)
		}
		amp = make([]float64, nsrc)
		for i := range amp {
			amp[i] = sol.AtVec(i)
			icov[i] = sym.RawRowView(i)
		}
		// Subtract the model for a better noise estimate next pass.
		model := skymap.New(work.Ny, work.Nx, work.WCS)
		for i, st := range stamps {
			model.InsertAdd(st.m.Clone().Scale(amp[i]), st.y0, st.x0, false)
		}
		localAmp = make([]float64, nsrc)
		for i, p := range keptPix {
			localAmp[i] = model.At(p.Y, p.X)
		}
		noiseMap = work.Clone().Sub(model)
		log.Debug("fit pass done", "pass", ipass+1, "sources", nsrc,
			"groups", len(groups), "corrlen_arcmin", corrlen/skymap.Arcmin)
	}

	// Prune once more with a widened margin: a source just inside the
	// original margin can have had an excluded neighbor's artifact absorb
	// part of its flux.
	margin += float64(opts.ApodMargin)
	var good []int
	for i, p := range keptPix {
		if p.Y >= margin && p.Y < float64(work.Ny)-margin &&
			p.X >= margin && p.X < float64(work.Nx)-margin {
			good = append(good, i)
		}
	}
	out := &Result{
		Inds:     make([]int, len(good)),
		Amp:      make([]float64, len(good)),
		ICov:     &mat.Dense{},
		LocalAmp: make([]float64, len(good)),
	}
	if len(good) > 0 {
		out.ICov = mat.NewDense(len(good), len(good), nil)
	}
	for i, g := range good {
		out.Inds[i] = inds[g]
		out.Amp[i] = amp[g]
		out.LocalAmp[i] = localAmp[g]
		for j, g2 := range good {
			out.ICov.Set(i, j, icov[g][g2])
		}
	}
	return out, nil
}
