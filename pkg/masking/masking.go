// Package masking attaches named masks to detector data: whole-pixel masks
// loaded from files and coordinate-range masks such as wavelength or beam
// stop regions. Masks only ever exclude data; they are never removed by the
// pipeline.
package masking

import (
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"

	"sansred/pkg/nd"
	"sansred/pkg/sansdata"
)

// DuplicateMaskError reports an attempt to overwrite an existing mask.
type DuplicateMaskError struct {
	Name string
}

func (e *DuplicateMaskError) Error() string {
	return fmt.Sprintf("masking: mask %q already exists and would be overwritten", e.Name)
}

// Apply attaches a named mask, refusing to overwrite an existing one.
func Apply(da *sansdata.DataArray, name string, mask *nd.Bools) (*sansdata.DataArray, error) {
	if da.HasMask(name) {
		return nil, &DuplicateMaskError{Name: name}
	}
	return da.WithMask(name, mask), nil
}

// ApplyAll attaches a set of named masks in sorted name order.
func ApplyAll(da *sansdata.DataArray, masks map[string]*nd.Bools) (*sansdata.DataArray, error) {
	names := make([]string, 0, len(masks))
	for n := range masks {
		names = append(names, n)
	}
	sort.Strings(names)
	out := da
	for _, n := range names {
		var err error
		out, err = Apply(out, n, masks[n])
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// RangeMask describes intervals of a coordinate and whether each interval
// is masked. Edges is a 1-D bin-edge array over Dim with one more entry
// than Masked; values outside the edges are never masked.
type RangeMask struct {
	Dim    string
	Edges  *nd.Array
	Masked []bool
}

// NewRangeMask validates and builds a RangeMask.
func NewRangeMask(dim string, edges *nd.Array, masked []bool) (*RangeMask, error) {
	if edges.NDim() != 1 || edges.Dims()[0] != dim {
		return nil, fmt.Errorf("masking: range edges must be 1-D over %q", dim)
	}
	if edges.Len() != len(masked)+1 {
		return nil, fmt.Errorf("masking: %d edges do not bound %d intervals", edges.Len(), len(masked))
	}
	ev := edges.Values()
	for i := 1; i < len(ev); i++ {
		if ev[i] < ev[i-1] {
			return nil, fmt.Errorf("masking: range edges must be ascending")
		}
	}
	return &RangeMask{Dim: dim, Edges: edges, Masked: masked}, nil
}

// MaskedInterval builds a RangeMask covering the single interval [lo, hi).
func MaskedInterval(dim string, lo, hi float64) *RangeMask {
	m, err := NewRangeMask(dim, nd.FromValues(dim, lo, hi), []bool{true})
	if err != nil {
		panic(err)
	}
	return m
}

// lookup reports whether x falls in a masked interval.
func (m *RangeMask) lookup(x float64) bool {
	ev := m.Edges.Values()
	if x < ev[0] || x >= ev[len(ev)-1] {
		return false
	}
	i := sort.Search(len(ev), func(k int) bool { return ev[k] > x }) - 1
	if i < 0 || i >= len(m.Masked) {
		return false
	}
	return m.Masked[i]
}

// MaskRange masks the coordinate range described by mask under the given
// name, generating a unique name when empty.
//
// Dense data gets a mask over the coordinate's dim: with a bin-edge coord a
// bin is masked when either of its edges falls in a masked interval, with a
// midpoint coord when the value does. Binned data is re-binned so the mask
// edges become cell boundaries (against the existing boundaries when the
// dim is already grouped, otherwise against the event range) and the new
// cells are masked at their midpoints.
func MaskRange(da *sansdata.DataArray, mask *RangeMask, name string) (*sansdata.DataArray, error) {
	if name == "" {
		id := uuid.New()
		name = fmt.Sprintf("%x", [16]byte(id))
	}
	if da.HasMask(name) {
		return nil, &DuplicateMaskError{Name: name}
	}
	dim := mask.Dim
	if c, ok := da.Coord(dim); ok && c.NDim() > 1 {
		return nil, sansdata.Dimensionf(
			"cannot mask a range on data with a multi-dimensional coordinate: found dimensions %v for coordinate %q",
			c.Dims(), dim)
	}
	if _, ok := da.Binned(); ok {
		return maskRangeBinned(da, mask, name)
	}
	return maskRangeDense(da, mask, name)
}

func maskRangeDense(da *sansdata.DataArray, mask *RangeMask, name string) (*sansdata.DataArray, error) {
	dim := mask.Dim
	c, ok := da.Coord(dim)
	if !ok {
		return nil, fmt.Errorf("masking: no coord for dim %q", dim)
	}
	sz, _ := da.Size(dim)
	vals := c.Values()
	out := make([]bool, sz)
	if da.IsEdgeCoord(dim) {
		for i := 0; i < sz; i++ {
			out[i] = mask.lookup(vals[i]) || mask.lookup(vals[i+1])
		}
	} else {
		if c.Len() != sz {
			return nil, sansdata.Dimensionf(
				"coordinate %q must be bin-edges or midpoints matching the data to mask a range", dim)
		}
		for i := 0; i < sz; i++ {
			out[i] = mask.lookup(vals[i])
		}
	}
	bools, err := nd.NewBools([]string{dim}, []int{sz}, out)
	if err != nil {
		return nil, err
	}
	return da.WithMask(name, bools), nil
}

func maskRangeBinned(da *sansdata.DataArray, mask *RangeMask, name string) (*sansdata.DataArray, error) {
	dim := mask.Dim
	var existing []float64
	if da.HasDim(dim) {
		c, ok := da.Coord(dim)
		if !ok {
			return nil, fmt.Errorf("masking: no coord for grouped dim %q", dim)
		}
		if !da.IsEdgeCoord(dim) {
			return nil, sansdata.Dimensionf(
				"coordinate %q must be bin-edges to mask a range, found midpoints", dim)
		}
		existing = c.Values()
	} else {
		b, _ := da.Binned()
		lo, hi, err := b.EventMinMax(dim)
		if err != nil {
			return nil, err
		}
		existing = []float64{lo, math.Nextafter(hi, math.Inf(1))}
	}
	edges := union1d(mask.Edges.Values(), existing)
	edgeArr, err := nd.NewArray([]string{dim}, []int{len(edges)}, edges, nil)
	if err != nil {
		return nil, err
	}
	out, err := da.BinBy(dim, edgeArr)
	if err != nil {
		return nil, err
	}
	maskVals := make([]bool, len(edges)-1)
	for i := range maskVals {
		maskVals[i] = mask.lookup(0.5 * (edges[i] + edges[i+1]))
	}
	bools, err := nd.NewBools([]string{dim}, []int{len(maskVals)}, maskVals)
	if err != nil {
		return nil, err
	}
	return out.WithMask(name, bools), nil
}

// union1d merges two ascending slices into one sorted slice without
// duplicates.
func union1d(a, b []float64) []float64 {
	out := make([]float64, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	sort.Float64s(out)
	dedup := out[:0]
	for i, v := range out {
		if i == 0 || v != out[i-1] {
			dedup = append(dedup, v)
		}
	}
	return dedup
}
