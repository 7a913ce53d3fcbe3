// Package mask wraps the OpenCV mask operations the detection code needs:
// connected-component labeling of thresholded maps and Euclidean distance
// transforms for apodization handling.
package mask

import (
	"fmt"
	"math"

	"gocv.io/x/gocv"

	"srcfind/pkg/skymap"
)

// Label labels the 4-connected components of a binary mask. The returned
// label grid uses 0 for background and 1..n for components.
func Label(m []uint8, ny, nx int) ([]int32, int, error) {
	src, err := gocv.NewMatFromBytes(ny, nx, gocv.MatTypeCV8U, m)
	if err != nil {
		return nil, 0, fmt.Errorf("build label input: %w", err)
	}
	defer src.Close()
	labels := gocv.NewMat()
	defer labels.Close()
	n := gocv.ConnectedComponentsWithParams(src, &labels, 4, gocv.MatTypeCV32S)
	data, err := labels.DataPtrInt32()
	if err != nil {
		return nil, 0, fmt.Errorf("read labels: %w", err)
	}
	out := make([]int32, len(data))
	copy(out, data)
	// OpenCV counts the background as component 0.
	return out, n - 1, nil
}

// DistTransform returns, for every pixel, the Euclidean distance in pixels
// to the nearest zero pixel of the mask.
func DistTransform(m []uint8, ny, nx int) ([]float32, error) {
	src, err := gocv.NewMatFromBytes(ny, nx, gocv.MatTypeCV8U, m)
	if err != nil {
		return nil, fmt.Errorf("build distance input: %w", err)
	}
	defer src.Close()
	dst := gocv.NewMat()
	defer dst.Close()
	labels := gocv.NewMat()
	defer labels.Close()
	gocv.DistanceTransform(src, &dst, &labels, gocv.DistL2, gocv.DistanceMaskPrecise, gocv.DistanceLabelCComp)
	data, err := dst.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read distances: %w", err)
	}
	out := make([]float32, len(data))
	copy(out, data)
	return out, nil
}

// Above builds a byte mask of the map pixels strictly greater than thresh.
func Above(m *skymap.Map, thresh float64) []uint8 {
	out := make([]uint8, len(m.Data))
	for i, v := range m.Data {
		if v > thresh {
			out[i] = 1
		}
	}
	return out
}

// AtLeast builds a byte mask of the map pixels greater than or equal to
// thresh.
func AtLeast(m *skymap.Map, thresh float64) []uint8 {
	out := make([]uint8, len(m.Data))
	for i, v := range m.Data {
		if v >= thresh {
			out[i] = 1
		}
	}
	return out
}

// ApodHoles builds a cosine taper that rises from zero at unobserved
// (zero-weight) pixels to one at pixrad pixels away from them, so holes in
// the coverage are apodized like the map edge.
func ApodHoles(div *skymap.Map, pixrad float64) (*skymap.Map, error) {
	dist, err := DistTransform(Above(div, 0), div.Ny, div.Nx)
	if err != nil {
		return nil, err
	}
	out := skymap.New(div.Ny, div.Nx, div.WCS)
	for i, d := range dist {
		x := math.Min(1, float64(d)/pixrad)
		out.Data[i] = 0.5 * (1 - math.Cos(math.Pi*x))
	}
	return out, nil
}

// EdgeDist returns the distance in pixels of every pixel from the region
// where the apodization window is below one, i.e. how deep a pixel sits in
// fully valid territory.
func EdgeDist(apodMap *skymap.Map) ([]float32, error) {
	return DistTransform(AtLeast(apodMap, 1), apodMap.Ny, apodMap.Nx)
}
