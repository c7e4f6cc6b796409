package sansdata

import (
	"fmt"

	"sansred/pkg/nd"
)

// ConcatAcross merges the event lists of the named dims into the remaining
// cells. Masks spanning any of the dims exclude their cells' events and are
// consumed; coordinates of the dims are dropped.
func (da *DataArray) ConcatAcross(dims ...string) (*DataArray, error) {
	b, ok := da.Binned()
	if !ok {
		return nil, fmt.Errorf("sansdata: cannot concatenate events of dense data")
	}
	hit, miss := da.masksWithDims(dims)
	skip, err := da.FlatMask(hit...)
	if err != nil {
		return nil, err
	}
	merged, err := b.ConcatAcross(dims, skip)
	if err != nil {
		return nil, err
	}
	out := New(merged)
	for _, name := range da.CoordNames() {
		c := da.coords[name]
		if coordIntersects(c.Dims(), dims) {
			continue
		}
		out = out.WithCoord(name, c)
	}
	for _, name := range da.VecCoordNames() {
		v := da.vecCoords[name]
		if coordIntersects(v.Dims(), dims) {
			continue
		}
		out = out.WithVecCoord(name, v)
	}
	for _, name := range miss {
		out = out.WithMask(name, da.masks[name])
	}
	return out, nil
}

// BinBy regroups events into bins of the named event coordinate, appending
// the edge dim innermost and attaching the edges as its coordinate. An
// existing outer dim of the same name is consumed first, applying its masks.
func (da *DataArray) BinBy(coord string, edges *nd.Array) (*DataArray, error) {
	src := da
	edgeDim := edges.Dims()[0]
	if src.HasDim(edgeDim) {
		var err error
		src, err = src.ConcatAcross(edgeDim)
		if err != nil {
			return nil, err
		}
		src = src.WithoutCoord(edgeDim)
	}
	b, ok := src.Binned()
	if !ok {
		return nil, fmt.Errorf("sansdata: cannot bin dense data by an event coord")
	}
	binned, err := b.BinBy(coord, edges)
	if err != nil {
		return nil, err
	}
	return src.WithData(binned).WithCoord(edgeDim, edges), nil
}

// BinBy2D regroups events by two event coordinates, appending the outer
// then the inner edge dim and attaching both edge coordinates.
func (da *DataArray) BinBy2D(coordOuter string, edgesOuter *nd.Array, coordInner string, edgesInner *nd.Array) (*DataArray, error) {
	b, ok := da.Binned()
	if !ok {
		return nil, fmt.Errorf("sansdata: cannot bin dense data by an event coord")
	}
	binned, err := b.BinBy2D(coordOuter, edgesOuter, coordInner, edgesInner)
	if err != nil {
		return nil, err
	}
	out := da.WithData(binned)
	out = out.WithCoord(edgesOuter.Dims()[0], edgesOuter)
	return out.WithCoord(edgesInner.Dims()[0], edgesInner), nil
}

// Concat joins arrays along the given dim, which must either be absent from
// all inputs, becoming a new outermost dim, or their current outermost dim.
// Coordinates spanning the dim are concatenated; other coordinates are kept
// when they agree across inputs and dropped otherwise, so callers can
// reattach range metadata.
func Concat(list []*DataArray, dim string) (*DataArray, error) {
	if len(list) == 0 {
		return nil, fmt.Errorf("sansdata: concat of no arrays")
	}
	if len(list) == 1 {
		return list[0], nil
	}
	first := list[0]
	var data Data
	if _, ok := first.Dense(); ok {
		arrays := make([]*nd.Array, len(list))
		for i, da := range list {
			a, ok := da.Dense()
			if !ok {
				return nil, fmt.Errorf("sansdata: concat of mixed dense and binned data")
			}
			arrays[i] = a
		}
		joined, err := nd.Concat(arrays, dim)
		if err != nil {
			return nil, err
		}
		data = &Dense{Array: joined}
	} else {
		binned := make([]*Binned, len(list))
		for i, da := range list {
			b, ok := da.Binned()
			if !ok {
				return nil, fmt.Errorf("sansdata: concat of mixed dense and binned data")
			}
			binned[i] = b
		}
		joined, err := concatBinned(binned, dim)
		if err != nil {
			return nil, err
		}
		data = joined
	}
	out := New(data)
	// Coordinates along the concat dim are joined; the rest must agree.
	for _, name := range first.CoordNames() {
		c := first.coords[name]
		if c.HasDim(dim) {
			parts := make([]*nd.Array, len(list))
			for i, da := range list {
				p, ok := da.coords[name]
				if !ok {
					return nil, fmt.Errorf("sansdata: concat input lacks coord %q", name)
				}
				parts[i] = p
			}
			joined, err := nd.Concat(parts, dim)
			if err != nil {
				return nil, err
			}
			out = out.WithCoord(name, joined)
			continue
		}
		same := true
		for _, da := range list[1:] {
			other, ok := da.coords[name]
			if !ok || !nd.SameValues(c, other) {
				same = false
				break
			}
		}
		if same {
			out = out.WithCoord(name, c)
		}
	}
	for _, name := range first.VecCoordNames() {
		out = out.WithVecCoord(name, first.vecCoords[name])
	}
	for _, name := range first.MaskNames() {
		m := first.masks[name]
		if !m.HasDim(dim) {
			out = out.WithMask(name, m)
			continue
		}
		parts := make([]*nd.Bools, len(list))
		for i, da := range list {
			p, ok := da.masks[name]
			if !ok {
				return nil, fmt.Errorf("sansdata: concat input lacks mask %q", name)
			}
			parts[i] = p
		}
		joined, err := nd.ConcatBools(parts, dim)
		if err != nil {
			return nil, err
		}
		out = out.WithMask(name, joined)
	}
	return out, nil
}

func concatBinned(list []*Binned, dim string) (*Binned, error) {
	first := list[0]
	outDims := first.Dims()
	newDim := true
	for i, d := range outDims {
		if d == dim {
			if i != 0 {
				return nil, fmt.Errorf("sansdata: binned concat along %q requires it outermost", dim)
			}
			newDim = false
		}
	}
	if newDim {
		outDims = append([]string{dim}, outDims...)
	}
	total := 0
	cells := 0
	for _, b := range list {
		total += b.NumEvents()
		cells += b.NumCells()
	}
	buf := newBufferLike(first.buffer, total)
	offsets := make([]int, 0, cells+1)
	offsets = append(offsets, 0)
	dst := 0
	for _, b := range list {
		if newDim && (!sameStrings(b.dims, first.dims) || !sameInts(b.shape, first.shape)) {
			return nil, fmt.Errorf("sansdata: concat inputs disagree on dims/shape")
		}
		if !newDim && !sameInts(b.shape[1:], first.shape[1:]) {
			return nil, fmt.Errorf("sansdata: concat inputs disagree on dims/shape")
		}
		for c := 0; c < b.NumCells(); c++ {
			for e := b.offsets[c]; e < b.offsets[c+1]; e++ {
				copyEvent(buf, dst, b.buffer, e)
				dst++
			}
			offsets = append(offsets, dst)
		}
	}
	outShape := first.Shape()
	if newDim {
		outShape = append([]int{len(list)}, outShape...)
	} else {
		n := 0
		for _, b := range list {
			n += b.shape[0]
		}
		outShape[0] = n
	}
	return NewBinned(outDims, outShape, offsets, buf)
}

// Merge combines contributions with identical layout, such as detector
// banks or repeated runs, into one array: dense data adds cell-wise and
// binned data concatenates events cell-wise. Metadata is taken from the
// first input.
func Merge(list []*DataArray) (*DataArray, error) {
	if len(list) == 0 {
		return nil, fmt.Errorf("sansdata: merge of no arrays")
	}
	if len(list) == 1 {
		return list[0], nil
	}
	first := list[0]
	if arr, ok := first.Dense(); ok {
		acc := arr
		for _, da := range list[1:] {
			other, ok := da.Dense()
			if !ok {
				return nil, fmt.Errorf("sansdata: merge of mixed dense and binned data")
			}
			var err error
			acc, err = nd.Add(acc, other)
			if err != nil {
				return nil, err
			}
		}
		return first.WithData(&Dense{Array: acc}), nil
	}
	bin, _ := first.Binned()
	acc := bin
	for _, da := range list[1:] {
		other, ok := da.Binned()
		if !ok {
			return nil, fmt.Errorf("sansdata: merge of mixed dense and binned data")
		}
		var err error
		acc, err = acc.Concatenate(other)
		if err != nil {
			return nil, err
		}
	}
	return first.WithData(acc), nil
}

// ScaleEvents multiplies every event weight by s, keeping variances scaled
// by s squared. Negating a contribution before a cell-wise merge subtracts
// it.
func (da *DataArray) ScaleEvents(s float64) (*DataArray, error) {
	b, ok := da.Binned()
	if !ok {
		return nil, fmt.Errorf("sansdata: data is not binned")
	}
	scaled := b.MapWeights(func(cell int, w, v float64) (float64, float64) {
		return w * s, v * s * s
	}, b.buffer.Variances != nil)
	return da.WithData(scaled), nil
}
