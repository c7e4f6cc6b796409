// Package synthetic builds small in-memory instruments for tests: a
// square detector panel on a regular grid, flat monitor spectra and the
// cylindrical pixel shape that goes with them.
package synthetic

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"sansred/pkg/conversions"
	"sansred/pkg/nd"
	"sansred/pkg/normalization"
	"sansred/pkg/sansdata"
)

// Panel describes a square detector panel centered on the beam axis,
// looking back at the sample from its distance along the beam.
type Panel struct {
	// Nx and Ny are the pixel counts along the panel axes.
	Nx, Ny int
	// Pitch is the pixel spacing in meters.
	Pitch float64
	// Distance is the panel's distance from the sample along the beam.
	Distance float64
	// SourceDistance is the source's distance upstream of the sample.
	SourceDistance float64
}

// Positions lays the panel's pixels on a regular grid centered on the
// beam axis.
func (p Panel) Positions() (*nd.Vectors, error) {
	if p.Nx < 1 || p.Ny < 1 {
		return nil, fmt.Errorf("synthetic: the panel needs at least one pixel per axis, found %dx%d", p.Nx, p.Ny)
	}
	vecs := make([]r3.Vec, 0, p.Nx*p.Ny)
	for iy := 0; iy < p.Ny; iy++ {
		y := (float64(iy) - float64(p.Ny-1)/2) * p.Pitch
		for ix := 0; ix < p.Nx; ix++ {
			x := (float64(ix) - float64(p.Nx-1)/2) * p.Pitch
			vecs = append(vecs, r3.Vec{X: x, Y: y, Z: p.Distance})
		}
	}
	return nd.NewVectors([]string{"pixel"}, []int{p.Nx * p.Ny}, vecs)
}

// Detector builds a dense (pixel, tof) detector with the same counts in
// every bin and the panel's geometry attached.
func (p Panel) Detector(counts float64, tofEdges *nd.Array) (*sansdata.DataArray, error) {
	pos, err := p.Positions()
	if err != nil {
		return nil, err
	}
	nbins := tofEdges.Len() - 1
	if nbins < 1 {
		return nil, fmt.Errorf("synthetic: tof edges need at least two values, found %d", tofEdges.Len())
	}
	values := make([]float64, pos.Len()*nbins)
	for i := range values {
		values[i] = counts
	}
	data, err := nd.NewArray([]string{"pixel", conversions.CoordTof}, []int{pos.Len(), nbins}, values, nil)
	if err != nil {
		return nil, err
	}
	return p.attach(sansdata.NewDense(data).WithCoord(conversions.CoordTof, tofEdges), pos), nil
}

// EventDetector builds the event-mode equivalent of Detector: every
// pixel holds one event per tof bin, at the bin midpoint, carrying the
// given weight.
func (p Panel) EventDetector(weight float64, tofEdges *nd.Array) (*sansdata.DataArray, error) {
	pos, err := p.Positions()
	if err != nil {
		return nil, err
	}
	mids, err := tofEdges.Midpoints(conversions.CoordTof)
	if err != nil {
		return nil, err
	}
	n := pos.Len()
	per := mids.Len()
	offsets := make([]int, n+1)
	weights := make([]float64, n*per)
	tofs := make([]float64, n*per)
	for i := 0; i < n; i++ {
		offsets[i+1] = (i + 1) * per
		for j, m := range mids.Values() {
			weights[i*per+j] = weight
			tofs[i*per+j] = m
		}
	}
	binned, err := sansdata.NewBinned([]string{"pixel"}, []int{n}, offsets, &sansdata.EventBuffer{
		Weights: weights,
		Coords:  map[string][]float64{conversions.CoordTof: tofs},
	})
	if err != nil {
		return nil, err
	}
	return p.attach(sansdata.New(binned), pos), nil
}

func (p Panel) attach(da *sansdata.DataArray, pos *nd.Vectors) *sansdata.DataArray {
	return da.
		WithVecCoord(conversions.CoordPosition, pos).
		WithVecCoord(conversions.CoordSamplePosition, nd.ScalarVec(r3.Vec{})).
		WithVecCoord(conversions.CoordSourcePosition, nd.ScalarVec(r3.Vec{Z: -p.SourceDistance}))
}

// Monitor builds a flat dense monitor spectrum at distance z along the
// beam, downstream of the source at the given distance upstream of the
// sample.
func Monitor(counts float64, tofEdges *nd.Array, z, sourceDistance float64) (*sansdata.DataArray, error) {
	nbins := tofEdges.Len() - 1
	if nbins < 1 {
		return nil, fmt.Errorf("synthetic: tof edges need at least two values, found %d", tofEdges.Len())
	}
	values := make([]float64, nbins)
	for i := range values {
		values[i] = counts
	}
	data, err := nd.NewArray([]string{conversions.CoordTof}, []int{nbins}, values, nil)
	if err != nil {
		return nil, err
	}
	return sansdata.NewDense(data).
		WithCoord(conversions.CoordTof, tofEdges).
		WithVecCoord(conversions.CoordPosition, nd.ScalarVec(r3.Vec{Z: z})).
		WithVecCoord(conversions.CoordSourcePosition, nd.ScalarVec(r3.Vec{Z: -sourceDistance})), nil
}

// PixelShape builds a cylindrical pixel description with the axis along
// the beam, so pixels at equal distance subtend equal solid angles.
func PixelShape(radius, length float64) normalization.PixelShape {
	return normalization.PixelShape{
		Face1Edge:   r3.Vec{X: radius},
		Face2Center: r3.Vec{Z: length},
	}
}
