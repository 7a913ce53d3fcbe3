package mask

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"srcfind/pkg/skymap"
)

func TestLabel(t *testing.T) {
	// Two 4-connected components; the diagonal pair at the bottom is NOT
	// connected under 4-connectivity.
	m := []uint8{
		1, 1, 0, 0, 0,
		0, 1, 0, 1, 1,
		0, 0, 0, 0, 0,
		1, 0, 0, 0, 0,
		0, 1, 0, 0, 0,
	}
	labels, n, err := Label(m, 5, 5)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, int32(0), labels[2])
	assert.Equal(t, labels[0], labels[1])
	assert.Equal(t, labels[1], labels[6])
	assert.NotEqual(t, labels[0], labels[8])
	assert.NotEqual(t, labels[3*5+0], labels[4*5+1])
}

func TestLabelEmpty(t *testing.T) {
	labels, n, err := Label(make([]uint8, 16), 4, 4)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	for _, l := range labels {
		assert.Equal(t, int32(0), l)
	}
}

func TestDistTransform(t *testing.T) {
	// A single zero pixel in an otherwise solid mask.
	m := make([]uint8, 25)
	for i := range m {
		m[i] = 1
	}
	m[2*5+2] = 0
	dist, err := DistTransform(m, 5, 5)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, float64(dist[2*5+2]), 1e-6)
	assert.InDelta(t, 1.0, float64(dist[2*5+3]), 1e-3)
	assert.InDelta(t, 2.0, float64(dist[2*5+4]), 1e-3)
}

func TestThresholdMasks(t *testing.T) {
	m := skymap.New(1, 4, skymap.WCS{DDec: 1, DRA: 1})
	copy(m.Data, []float64{-1, 0, 0.5, 2})
	assert.Equal(t, []uint8{0, 0, 1, 1}, Above(m, 0))
	assert.Equal(t, []uint8{0, 1, 1, 1}, AtLeast(m, 0))
	assert.Equal(t, []uint8{0, 0, 0, 1}, AtLeast(m, 2))
}

func TestApodHoles(t *testing.T) {
	div := skymap.New(32, 32, skymap.WCS{DDec: 1, DRA: 1}).Fill(1)
	// Punch a coverage hole.
	for y := 14; y < 18; y++ {
		for x := 14; x < 18; x++ {
			div.Set(y, x, 0)
		}
	}
	apod, err := ApodHoles(div, 5)
	require.NoError(t, err)
	assert.Equal(t, 0.0, apod.Get(15, 15))
	// Far from the hole the taper saturates at one.
	assert.InDelta(t, 1.0, apod.Get(2, 2), 1e-9)
	// The ramp rises monotonically away from the hole.
	assert.Less(t, apod.Get(18, 16), apod.Get(20, 16))
	assert.Less(t, apod.Get(20, 16), apod.Get(23, 16))
}

func TestApodHolesNoHoles(t *testing.T) {
	div := skymap.New(8, 8, skymap.WCS{DDec: 1, DRA: 1}).Fill(2)
	apod, err := ApodHoles(div, 3)
	require.NoError(t, err)
	// With nothing unhit the taper saturates at one.
	assert.InDelta(t, 1.0, apod.Get(4, 4), 1e-9)
}
