package spatial

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"srcfind/pkg/skymap"
)

func TestWithin(t *testing.T) {
	pos := []skymap.Coord{
		{Dec: 0, RA: 0},
		{Dec: 0, RA: 1 * skymap.Arcmin},
		{Dec: 0, RA: 10 * skymap.Arcmin},
		{Dec: 5 * skymap.Degree, RA: 0},
	}
	ix := NewIndex(pos, false)

	assert.Equal(t, []int{0, 1}, ix.Within(pos[0], 2*skymap.Arcmin))
	assert.Equal(t, []int{2}, ix.Within(pos[2], 2*skymap.Arcmin))
	assert.Equal(t, []int{0, 1, 2, 3}, ix.Within(pos[0], 6*skymap.Degree))
	assert.Empty(t, ix.Within(skymap.Coord{Dec: -1, RA: 2}, skymap.Arcmin))
}

func TestWithinSelfIncluded(t *testing.T) {
	pos := []skymap.Coord{{Dec: 0.3, RA: -1.2}}
	ix := NewIndex(pos, false)
	assert.Equal(t, []int{0}, ix.Within(pos[0], skymap.Arcsec))
}

func TestWithinHighDecScaling(t *testing.T) {
	// At dec 60 the RA separation shrinks by cos(dec): 2' of RA is only 1'
	// on the sky.
	dec := 60 * skymap.Degree
	pos := []skymap.Coord{
		{Dec: dec, RA: 0},
		{Dec: dec, RA: 2 * skymap.Arcmin},
	}
	ix := NewIndex(pos, false)
	assert.Equal(t, []int{0, 1}, ix.Within(pos[0], 1.1*skymap.Arcmin))
	assert.Equal(t, []int{0}, ix.Within(pos[0], 0.9*skymap.Arcmin))
}

func TestWithinRAWrap(t *testing.T) {
	pos := []skymap.Coord{
		{Dec: 0, RA: math.Pi - 0.5*skymap.Arcmin},
		{Dec: 0, RA: -math.Pi + 0.5*skymap.Arcmin},
	}

	wrapped := NewIndex(pos, true)
	assert.Equal(t, []int{0, 1}, wrapped.Within(pos[0], 2*skymap.Arcmin))

	flat := NewIndex(pos, false)
	assert.Equal(t, []int{0}, flat.Within(pos[0], 2*skymap.Arcmin))
}

func TestWithinDeduplicatesWrapCopies(t *testing.T) {
	pos := []skymap.Coord{{Dec: 0, RA: 0}, {Dec: 0, RA: skymap.Arcmin}}
	ix := NewIndex(pos, true)
	// A huge radius sees every +-2pi copy but each index only once.
	got := ix.Within(pos[0], 7)
	assert.Equal(t, []int{0, 1}, got)
}
