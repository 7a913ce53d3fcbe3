// Package catalog holds detected point sources and their serialized forms.
package catalog

import (
	"fmt"
	"sort"

	"srcfind/pkg/skymap"
)

// Entry is one detected or fitted source. The amplitude, uncertainty and flux
// vectors hold one value per Stokes-like component and must have the same
// length for every entry in a catalog.
type Entry struct {
	RA, Dec float64   // radians
	Amp     []float64 // uK
	DAmp    []float64 // uK
	Flux    []float64 // Jy
	DFlux   []float64 // Jy
	NPix    float64   // pixels contributing to the detection
	Status  int       // caller-defined quality bits
}

// SN returns the signal-to-noise ratio of the entry's first component.
func (e Entry) SN() float64 {
	if len(e.Amp) == 0 || len(e.DAmp) == 0 || e.DAmp[0] == 0 {
		return 0
	}
	return e.Amp[0] / e.DAmp[0]
}

// Pos returns the entry's sky position.
func (e Entry) Pos() skymap.Coord { return skymap.Coord{Dec: e.Dec, RA: e.RA} }

// Clone returns a deep copy of the entry.
func (e Entry) Clone() Entry {
	o := e
	o.Amp = append([]float64(nil), e.Amp...)
	o.DAmp = append([]float64(nil), e.DAmp...)
	o.Flux = append([]float64(nil), e.Flux...)
	o.DFlux = append([]float64(nil), e.DFlux...)
	return o
}

// NewEntry returns an entry with ncomp zero-valued components.
func NewEntry(ncomp int) Entry {
	return Entry{
		Amp:   make([]float64, ncomp),
		DAmp:  make([]float64, ncomp),
		Flux:  make([]float64, ncomp),
		DFlux: make([]float64, ncomp),
	}
}

// Catalog is an ordered list of entries. Order has no meaning unless the
// catalog has been explicitly sorted.
type Catalog []Entry

// NComp returns the per-entry component count, or zero for an empty catalog.
func (c Catalog) NComp() int {
	if len(c) == 0 {
		return 0
	}
	return len(c[0].Amp)
}

// Validate checks that every entry carries the same component count.
func (c Catalog) Validate() error {
	n := c.NComp()
	for i, e := range c {
		if len(e.Amp) != n || len(e.DAmp) != n || len(e.Flux) != n || len(e.DFlux) != n {
			return fmt.Errorf("entry %d: component count mismatch (want %d)", i, n)
		}
	}
	return nil
}

// SortBySN orders the catalog by descending signed signal-to-noise, so
// negative detections sort to the end.
func (c Catalog) SortBySN() {
	sort.SliceStable(c, func(i, j int) bool {
		return c[i].SN() > c[j].SN()
	})
}

// Clone returns a deep copy of the catalog.
func (c Catalog) Clone() Catalog {
	o := make(Catalog, len(c))
	for i, e := range c {
		o[i] = e.Clone()
	}
	return o
}

// Select returns a new catalog holding the entries at the given indices.
func (c Catalog) Select(inds []int) Catalog {
	o := make(Catalog, 0, len(inds))
	for _, i := range inds {
		o = append(o, c[i])
	}
	return o
}

// Drop returns a new catalog with the flagged entries removed.
func (c Catalog) Drop(bad map[int]bool) Catalog {
	o := make(Catalog, 0, len(c))
	for i, e := range c {
		if !bad[i] {
			o = append(o, e)
		}
	}
	return o
}
