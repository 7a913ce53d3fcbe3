package region

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"srcfind/pkg/catalog"
	"srcfind/pkg/skymap"
)

// Result is the output of processing one region: the catalog of sources
// found there and any named tile maps to merge into full-map products.
type Result struct {
	Region Region // unpadded region owning the catalog entries
	Cat    catalog.Catalog
	Maps   map[string]*skymap.Map
}

// Work processes one region. reg is the unpadded region that owns the
// result; padded is the enlarged region the work should extract and operate
// on, so that sources near the region edge still see their full footprint.
type Work func(ctx context.Context, reg, padded Region) (*Result, error)

// Process runs fn over all regions with up to workers running concurrently
// and returns the results in region order. Each region is padded by pad
// pixels and then rounded up to an FFT-friendly shape before being handed
// to fn. The first failure cancels the remaining work.
func Process(ctx context.Context, regions []Region, pad, workers int, fn Work) ([]*Result, error) {
	results := make([]*Result, len(regions))
	g, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, reg := range regions {
		i, reg := i, reg
		g.Go(func() error {
			res, err := fn(ctx, reg, PadFFT(Pad(reg, pad)))
			if err != nil {
				return fmt.Errorf("region %d [%d:%d,%d:%d]: %w", i, reg.Y0, reg.Y1, reg.X0, reg.X1, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// GatherCatalog concatenates per-region catalogs, keeping each entry only
// in the one unpadded region that owns its position. Sources found in a
// neighboring region's padding are duplicates of that region's own
// detection and are dropped here.
func GatherCatalog(results []*Result, wcs skymap.WCS) catalog.Catalog {
	var cat catalog.Catalog
	for _, res := range results {
		if res == nil {
			continue
		}
		for _, e := range res.Cat {
			if res.Region.Contains(wcs.SkyToPix(e.Pos())) {
				cat = append(cat, e)
			}
		}
	}
	return cat
}

// MergeMaps reduces the named tile map from every result onto the full
// ny x nx geometry. Tiles are weighted by a triangular taper peaking at the
// tile center, so overlapping padding blends smoothly; crop discards that
// many outermost tile pixels first. Pixels covered by no tile are zero.
func MergeMaps(results []*Result, name string, ny, nx int, wcs skymap.WCS, crop int) *skymap.Map {
	omap := skymap.New(ny, nx, wcs)
	odiv := skymap.New(ny, nx, wcs)
	for _, res := range results {
		if res == nil {
			continue
		}
		tile := res.Maps[name]
		if tile == nil {
			continue
		}
		if crop > 0 && tile.Ny > 2*crop && tile.Nx > 2*crop {
			tile = tile.ExtractBox(crop, crop, tile.Ny-2*crop, tile.Nx-2*crop, false)
		}
		w := mergeWeight(tile.Ny, tile.Nx, tile.WCS)
		wv := tile.Clone().Mul(w)
		p := wcs.SkyToPix(skymap.Coord{Dec: tile.WCS.Dec0, RA: tile.WCS.RA0})
		y0 := int(math.Round(p.Y))
		x0 := int(math.Round(p.X))
		// Clip, don't wrap: padded edge tiles overhang the output geometry
		// and their overhang must not land on the opposite edge.
		omap.InsertAdd(wv, y0, x0, false)
		odiv.InsertAdd(w, y0, x0, false)
	}
	for i, d := range odiv.Data {
		if d != 0 {
			omap.Data[i] /= d
		} else {
			omap.Data[i] = 0
		}
	}
	return omap
}

// mergeWeight is a separable triangular taper, maximal at the tile center
// and falling towards the edges without reaching zero.
func mergeWeight(ny, nx int, wcs skymap.WCS) *skymap.Map {
	w := skymap.New(ny, nx, wcs)
	cy := float64(ny-1) / 2
	cx := float64(nx-1) / 2
	wy := make([]float64, ny)
	wx := make([]float64, nx)
	for y := range wy {
		wy[y] = 1 - 2*math.Abs(float64(y)-cy)/float64(ny)
	}
	for x := range wx {
		wx[x] = 1 - 2*math.Abs(float64(x)-cx)/float64(nx)
	}
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			w.Data[y*nx+x] = wy[y] * wx[x]
		}
	}
	return w
}
