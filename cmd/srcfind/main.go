// Command srcfind runs the matched-filter point source pipeline on a
// simulated sky: it injects beam-shaped sources into a correlated noise
// realization, finds them blindly region by region, and writes the merged
// catalog. With -icat it instead jointly refits amplitudes at the catalog's
// positions.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"srcfind/internal/beam"
	"srcfind/internal/clean"
	"srcfind/internal/detect"
	"srcfind/internal/diag"
	"srcfind/internal/fit"
	"srcfind/internal/noise"
	"srcfind/internal/region"
	"srcfind/internal/version"
	"srcfind/pkg/catalog"
	"srcfind/pkg/skymap"
)

func main() {
	ny := flag.Int("ny", 1024, "Simulated map height in pixels")
	nx := flag.Int("nx", 1024, "Simulated map width in pixels")
	res := flag.Float64("res", 0.5, "Pixel size in arcmin")
	beamSpec := flag.String("beam", "1.4", "Beam: FWHM in arcmin, or a transform file")
	freq := flag.Float64("freq", 150, "Observing frequency in GHz")
	nsrc := flag.Int("nsrc", 100, "Number of injected sources")
	maxAmp := flag.Float64("maxamp", 2000, "Maximum injected amplitude in uK")
	noiseUK := flag.Float64("noise", 20, "White noise level per pixel in uK")
	seed := flag.Int64("seed", 1, "Simulation seed")
	regSpec := flag.String("region", "full", "Region spec: full, tile[:h[:w]], box:dec1:ra1:dec2:ra2, or a box file")
	pad := flag.Int("pad", 60, "Region padding in pixels")
	workers := flag.Int("workers", 4, "Concurrent regions")
	odir := flag.String("odir", "out", "Output directory")
	icat := flag.String("icat", "", "Fit amplitudes at this catalog's positions instead of finding blindly")
	variability := flag.Float64("variability", 0.1, "Fractional amplitude variability assumed by the fit prior")
	dump := flag.Bool("dump", false, "Write intermediate map images")
	verbose := flag.Bool("verbose", false, "Debug logging")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("srcfind", version.String())
		return
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	bm, err := beam.Parse(*beamSpec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Bad beam %q: %v\n", *beamSpec, err)
		os.Exit(1)
	}
	if err := os.MkdirAll(*odir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Cannot create output directory: %v\n", err)
		os.Exit(1)
	}
	var dumper *diag.Dumper
	if *dump {
		if dumper, err = diag.New(filepath.Join(*odir, "dump")); err != nil {
			fmt.Fprintf(os.Stderr, "Cannot create dump directory: %v\n", err)
			os.Exit(1)
		}
	}

	step := *res * skymap.Arcmin
	wcs := skymap.WCS{
		Dec0: -float64(*ny) / 2 * step,
		RA0:  float64(*nx) / 2 * step,
		DDec: step,
		DRA:  -step,
	}
	imap, idiv, truth := simulate(*ny, *nx, wcs, bm, *nsrc, *maxAmp, *noiseUK, *seed)
	if err := catalog.WriteFile(filepath.Join(*odir, "truth.txt"), truth); err != nil {
		fmt.Fprintf(os.Stderr, "Write truth catalog: %v\n", err)
		os.Exit(1)
	}
	log.Info("simulated map", "ny", *ny, "nx", *nx, "sources", len(truth), "noise_uk", *noiseUK)

	if *icat != "" {
		err = runFit(imap, idiv, bm, *icat, *odir, *freq, *variability, *workers, log)
	} else {
		err = runFind(imap, idiv, bm, *regSpec, *odir, *freq, *pad, *workers, dumper, log)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// simulate builds an inverse-variance weight, a matching noise realization
// and nsrc injected beam-shaped sources.
func simulate(ny, nx int, wcs skymap.WCS, bm beam.Beam, nsrc int, maxAmp, noiseUK float64, seed int64) (*skymap.Map, *skymap.Map, catalog.Catalog) {
	idiv := skymap.New(ny, nx, wcs).Fill(1 / (noiseUK * noiseUK))
	tmpl := bm.Transform2D(ny, nx, wcs).AsFMap().IFFT2().Thumb(256, false)
	tmpl.Scale(1 / tmpl.Max())

	rng := rand.New(rand.NewSource(seed))
	margin := 32
	truth := make(catalog.Catalog, 0, nsrc)
	pix := make([]skymap.Pix, 0, nsrc)
	amps := make([]float64, 0, nsrc)
	minAmp := noiseUK * 5
	for i := 0; i < nsrc; i++ {
		p := skymap.Pix{
			Y: float64(margin) + rng.Float64()*float64(ny-2*margin),
			X: float64(margin) + rng.Float64()*float64(nx-2*margin),
		}
		amp := minAmp * math.Exp(rng.Float64()*math.Log(maxAmp/minAmp))
		pix = append(pix, p)
		amps = append(amps, amp)
		pos := wcs.PixToSky(p)
		e := catalog.NewEntry(1)
		e.Dec, e.RA = pos.Dec, pos.RA
		e.Amp[0] = amp
		e.DAmp[0] = noiseUK
		truth = append(truth, e)
	}
	truth.SortBySN()

	// Same correlated spectrum the finder assumes before its first pass.
	imap := noise.SimInitial(idiv, 3000, -2, seed)
	imap.Add(detect.CalcModel(ny, nx, wcs, pix, tmpl, amps))
	return imap, idiv, truth
}

func runFind(imap, idiv *skymap.Map, bm beam.Beam, regSpec, odir string, freq float64, pad, workers int, dumper *diag.Dumper, log *slog.Logger) error {
	regions, err := region.Parse(regSpec, imap.Ny, imap.Nx, imap.WCS)
	if err != nil {
		return fmt.Errorf("parse regions: %w", err)
	}
	log.Info("finding sources", "regions", len(regions), "pad", pad)

	dopts := detect.DefaultOptions()
	dopts.FreqGHz = freq
	dopts.Dump = dumper
	dopts.Log = log
	work := func(_ context.Context, reg, padded region.Region) (*region.Result, error) {
		sub := imap.ExtractBox(padded.Y0, padded.X0, padded.Ny(), padded.Nx(), false)
		sdiv := idiv.ExtractBox(padded.Y0, padded.X0, padded.Ny(), padded.Nx(), false)
		res, err := detect.Find(sub, sdiv, bm, dopts)
		if err != nil {
			return nil, err
		}
		res = clean.PruneArtifacts(res, clean.DefaultArtifactOptions())
		return &region.Result{
			Region: reg,
			Cat:    res.Cat,
			Maps: map[string]*skymap.Map{
				"model": res.Model,
				"resid": res.Resid,
				"snmap": res.SNMap,
			},
		}, nil
	}
	results, err := region.Process(context.Background(), regions, pad, workers, work)
	if err != nil {
		return err
	}

	cat := region.GatherCatalog(results, imap.WCS)
	cat = clean.MergeDuplicates(cat, 1*skymap.Arcmin, 0.25)
	cat = clean.PruneNearBright(cat, 100, 2*skymap.Arcmin)
	cat.SortBySN()
	log.Info("catalog assembled", "sources", len(cat))
	if err := catalog.WriteFile(filepath.Join(odir, "cat.txt"), cat); err != nil {
		return fmt.Errorf("write catalog: %w", err)
	}
	if err := catalog.WriteFile(filepath.Join(odir, "cat.cat"), cat); err != nil {
		return fmt.Errorf("write catalog: %w", err)
	}
	if dumper != nil {
		for _, name := range []string{"model", "resid", "snmap"} {
			merged := region.MergeMaps(results, name, imap.Ny, imap.Nx, imap.WCS, pad)
			dumper.Gray("merged_"+name, merged)
		}
	}
	return nil
}

func runFit(imap, idiv *skymap.Map, bm beam.Beam, icat, odir string, freq, variability float64, workers int, log *slog.Logger) error {
	cat, err := catalog.ReadFile(icat)
	if err != nil {
		return fmt.Errorf("read input catalog: %w", err)
	}
	pos := make([]skymap.Coord, len(cat))
	amps := make([]float64, len(cat))
	damps := make([]float64, len(cat))
	for i, e := range cat {
		pos[i] = e.Pos()
		amps[i] = e.Amp[0]
		damps[i] = e.DAmp[0]
	}
	prior := fit.BuildPrior(amps, damps, variability, 1e-10)
	fopts := fit.DefaultOptions()
	fopts.Workers = workers
	fopts.Log = log
	log.Info("fitting amplitudes", "sources", len(cat))
	res, err := fit.Amplitudes(imap, idiv, pos, bm, prior, fopts)
	if err != nil {
		return err
	}

	beamArea := beam.TransformArea(bm.Transform2D(imap.Ny, imap.Nx, imap.WCS))
	fluxconv := beam.FluxFactor(beamArea, freq)
	dam := res.DAmp()
	out := make(catalog.Catalog, 0, len(res.Inds))
	for i, src := range res.Inds {
		e := cat[src].Clone()
		e.Amp[0] = res.Amp[i]
		e.DAmp[0] = dam[i]
		for c := range e.Flux {
			e.Flux[c] = e.Amp[c] * fluxconv
			e.DFlux[c] = e.DAmp[c] * fluxconv
		}
		out = append(out, e)
	}
	out.SortBySN()
	log.Info("fit done", "kept", len(out), "dropped", len(cat)-len(out))
	if err := catalog.WriteFile(filepath.Join(odir, "fit.txt"), out); err != nil {
		return fmt.Errorf("write fitted catalog: %w", err)
	}
	return catalog.WriteFile(filepath.Join(odir, "fit.cat"), out)
}
