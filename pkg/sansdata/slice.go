package sansdata

import (
	"fmt"
	"sort"

	"sansred/pkg/nd"
)

// SliceDim restricts the array to indices [lo, hi) along the given dim.
// Coordinates spanning the dim are sliced alongside, with bin-edge coords
// keeping one extra entry; metadata without the dim is shared unchanged.
func (da *DataArray) SliceDim(dim string, lo, hi int) (*DataArray, error) {
	var data Data
	switch d := da.data.(type) {
	case *Dense:
		a, err := d.Array.Slice(dim, lo, hi)
		if err != nil {
			return nil, err
		}
		data = &Dense{Array: a}
	case *Binned:
		b, err := d.SliceCells(dim, lo, hi)
		if err != nil {
			return nil, err
		}
		data = b
	}
	out := &DataArray{
		data:      data,
		coords:    make(map[string]*nd.Array, len(da.coords)),
		vecCoords: make(map[string]*nd.Vectors, len(da.vecCoords)),
		masks:     make(map[string]*nd.Bools, len(da.masks)),
	}
	for name, c := range da.coords {
		if !c.HasDim(dim) {
			out.coords[name] = c
			continue
		}
		chi := hi
		if da.IsEdgeCoord(name) {
			chi = hi + 1
		}
		sliced, err := c.Slice(dim, lo, chi)
		if err != nil {
			return nil, err
		}
		out.coords[name] = sliced
	}
	for name, v := range da.vecCoords {
		if !v.HasDim(dim) {
			out.vecCoords[name] = v
			continue
		}
		sliced, err := v.Slice(dim, lo, hi)
		if err != nil {
			return nil, err
		}
		out.vecCoords[name] = sliced
	}
	for name, m := range da.masks {
		if !m.HasDim(dim) {
			out.masks[name] = m
			continue
		}
		sliced, err := m.Slice(dim, lo, hi)
		if err != nil {
			return nil, err
		}
		out.masks[name] = sliced
	}
	return out, nil
}

// IndexDim removes the given dim by selecting index i. A bin-edge coord of
// the dim survives as a size-2 range; midpoint coords of the dim are
// dropped.
func (da *DataArray) IndexDim(dim string, i int) (*DataArray, error) {
	sliced, err := da.SliceDim(dim, i, i+1)
	if err != nil {
		return nil, err
	}
	return sliced.dropLengthOne(dim)
}

func (da *DataArray) dropLengthOne(dim string) (*DataArray, error) {
	var data Data
	switch d := da.data.(type) {
	case *Dense:
		a, err := d.Array.Index(dim, 0)
		if err != nil {
			return nil, err
		}
		data = &Dense{Array: a}
	case *Binned:
		b, err := d.SqueezeDim(dim)
		if err != nil {
			return nil, err
		}
		data = b
	}
	out := &DataArray{
		data:      data,
		coords:    make(map[string]*nd.Array, len(da.coords)),
		vecCoords: make(map[string]*nd.Vectors, len(da.vecCoords)),
		masks:     make(map[string]*nd.Bools, len(da.masks)),
	}
	for name, c := range da.coords {
		if !c.HasDim(dim) {
			out.coords[name] = c
			continue
		}
		if sz, _ := c.Size(dim); sz == 2 && da.IsEdgeCoord(name) {
			// Keep the surrounding bin edges as a range coord.
			out.coords[name] = c
			continue
		}
		if c.NDim() == 1 {
			continue
		}
		dropped, err := c.Index(dim, 0)
		if err != nil {
			return nil, err
		}
		out.coords[name] = dropped
	}
	for name, v := range da.vecCoords {
		if !v.HasDim(dim) {
			out.vecCoords[name] = v
			continue
		}
		dropped, err := v.Index(dim, 0)
		if err != nil {
			return nil, err
		}
		out.vecCoords[name] = dropped
	}
	for name, m := range da.masks {
		if !m.HasDim(dim) {
			out.masks[name] = m
			continue
		}
		dropped, err := m.Index(dim, 0)
		if err != nil {
			return nil, err
		}
		out.masks[name] = dropped
	}
	return out, nil
}

// Squeeze removes every size-1 dim, keeping bin-edge coords of removed dims
// as size-2 ranges.
func (da *DataArray) Squeeze() (*DataArray, error) {
	out := da
	for _, d := range da.Dims() {
		if sz, _ := out.Size(d); sz == 1 {
			var err error
			out, err = out.dropLengthOne(d)
			if err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// SqueezeDim removes a size-1 outer dim from a binned payload.
func (b *Binned) SqueezeDim(dim string) (*Binned, error) {
	di := -1
	for i, d := range b.dims {
		if d == dim {
			di = i
			break
		}
	}
	if di < 0 {
		return nil, fmt.Errorf("sansdata: unknown dim %q", dim)
	}
	if b.shape[di] != 1 {
		return nil, fmt.Errorf("sansdata: cannot squeeze dim %q of size %d", dim, b.shape[di])
	}
	outDims := append([]string(nil), b.dims[:di]...)
	outDims = append(outDims, b.dims[di+1:]...)
	outShape := append([]int(nil), b.shape[:di]...)
	outShape = append(outShape, b.shape[di+1:]...)
	return &Binned{dims: outDims, shape: outShape, offsets: b.offsets, buffer: b.buffer}, nil
}

// LabelSlice restricts the array to the coordinate range [lo, hi) along the
// given dim. With a bin-edge coord the result covers every bin overlapping
// the range; with a midpoint coord it covers the values in [lo, hi). The
// coord must be one-dimensional over dim.
func (da *DataArray) LabelSlice(dim string, lo, hi float64) (*DataArray, error) {
	c, ok := da.coords[dim]
	if !ok {
		return nil, fmt.Errorf("sansdata: no coord for dim %q", dim)
	}
	if c.NDim() != 1 || c.Dims()[0] != dim {
		return nil, Dimensionf("Cannot slice by label on a multi-dimensional coordinate. Found dimensions %v for coordinate %s.", c.Dims(), dim)
	}
	sz, ok := da.Size(dim)
	if !ok {
		return nil, fmt.Errorf("sansdata: data has no dim %q", dim)
	}
	vals := c.Values()
	var i0, i1 int
	if da.IsEdgeCoord(dim) {
		i0 = upperBound(vals, lo) - 1
		if i0 < 0 {
			i0 = 0
		}
		i1 = lowerBound(vals, hi)
	} else {
		i0 = lowerBound(vals, lo)
		i1 = lowerBound(vals, hi)
	}
	if i1 > sz {
		i1 = sz
	}
	if i0 > i1 {
		i0 = i1
	}
	return da.SliceDim(dim, i0, i1)
}

// lowerBound returns the first index whose value is >= x.
func lowerBound(vals []float64, x float64) int {
	return sort.SearchFloat64s(vals, x)
}

// upperBound returns the first index whose value is > x.
func upperBound(vals []float64, x float64) int {
	return sort.Search(len(vals), func(i int) bool { return vals[i] > x })
}
