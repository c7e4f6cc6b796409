package sansdata

import (
	"fmt"

	"sansred/pkg/nd"
)

// SumDims reduces the named dims by summation. Masks spanning any of the
// dims are applied, excluding their elements from the sums, and consumed;
// all other masks and metadata survive. Only dense data can be summed;
// binned data is reduced with ConcatAcross instead.
func (da *DataArray) SumDims(dims ...string) (*DataArray, error) {
	arr, ok := da.Dense()
	if !ok {
		return nil, fmt.Errorf("sansdata: cannot sum binned data, concatenate events instead")
	}
	hit, miss := da.masksWithDims(dims)
	skip, err := da.FlatMask(hit...)
	if err != nil {
		return nil, err
	}
	summed, err := nd.SumDimsWhere(arr, dims, skip)
	if err != nil {
		return nil, err
	}
	out := New(&Dense{Array: summed})
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

// Sum reduces every dim to a zero-dimensional array, applying all masks.
func (da *DataArray) Sum() (*DataArray, error) {
	return da.SumDims(da.Dims()...)
}

// Mean reduces every dim to the mean of the unmasked elements.
func (da *DataArray) Mean() (*DataArray, error) {
	arr, ok := da.Dense()
	if !ok {
		return nil, fmt.Errorf("sansdata: cannot take the mean of binned data")
	}
	skip, err := da.FlatMask()
	if err != nil {
		return nil, err
	}
	mean, err := nd.MeanAllWhere(arr, skip)
	if err != nil {
		return nil, err
	}
	return NewDense(mean), nil
}

func coordIntersects(coordDims, dims []string) bool {
	for _, cd := range coordDims {
		for _, d := range dims {
			if cd == d {
				return true
			}
		}
	}
	return false
}

// Hist histograms the array into bins of the named coordinate.
//
// For dense data the dims spanned by the coordinate are consumed, except
// any listed in keep, and the edge dim is appended innermost; masks
// overlapping the consumed dims exclude their elements. For binned data
// the events are histogrammed by their event coordinate and the outer
// dims are kept.
func (da *DataArray) Hist(coord string, edges *nd.Array, keep ...string) (*DataArray, error) {
	if edges.NDim() != 1 {
		return nil, fmt.Errorf("sansdata: histogram edges must be 1-D")
	}
	if _, ok := da.Binned(); ok {
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
		b, _ := src.Binned()
		arr, err := b.HistEvents(coord, edges)
		if err != nil {
			return nil, err
		}
		out := src.WithData(&Dense{Array: arr})
		return out.WithCoord(edgeDim, edges), nil
	}
	return da.histDense(coord, edges, keep)
}

func (da *DataArray) histDense(coord string, edges *nd.Array, keep []string) (*DataArray, error) {
	arr, _ := da.Dense()
	c, ok := da.coords[coord]
	if !ok {
		return nil, fmt.Errorf("sansdata: no coord %q", coord)
	}
	keepSet := make(map[string]bool, len(keep))
	for _, d := range keep {
		keepSet[d] = true
	}
	consumed := make([]string, 0, c.NDim())
	for _, d := range c.Dims() {
		if da.HasDim(d) && !keepSet[d] {
			consumed = append(consumed, d)
		}
	}
	if len(consumed) == 0 {
		return nil, fmt.Errorf("sansdata: coord %q spans no data dims", coord)
	}
	dims := arr.Dims()
	shape := arr.Shape()
	cFull, err := c.BroadcastTo(dims, shape)
	if err != nil {
		return nil, err
	}
	hit, miss := da.masksWithDims(consumed)
	var skipVals []bool
	if len(hit) > 0 {
		skip, err := da.FlatMask(hit...)
		if err != nil {
			return nil, err
		}
		skipVals = skip.Values()
	}
	keptDims := make([]string, 0, len(dims))
	keptShape := make([]int, 0, len(dims))
	for i, d := range dims {
		if !coordIntersects([]string{d}, consumed) {
			keptDims = append(keptDims, d)
			keptShape = append(keptShape, shape[i])
		}
	}
	edgeDim := edges.Dims()[0]
	nbins := edges.Len() - 1
	outDims := append(append([]string(nil), keptDims...), edgeDim)
	outShape := append(append([]int(nil), keptShape...), nbins)
	out := nd.Zeros(outDims, outShape)
	vals := out.Values()
	var vars []float64
	if arr.Variances() != nil {
		vars = make([]float64, len(vals))
	}
	// Stride of each data dim in the kept-cell index, zero for consumed dims.
	keptStride := make([]int, len(dims))
	{
		strideOf := make(map[string]int, len(keptDims))
		acc := 1
		for i := len(keptDims) - 1; i >= 0; i-- {
			strideOf[keptDims[i]] = acc
			acc *= keptShape[i]
		}
		for i, d := range dims {
			keptStride[i] = strideOf[d]
		}
	}
	ev := edges.Values()
	src := arr.Values()
	srcVar := arr.Variances()
	cv := cFull.Values()
	ix := make([]int, len(shape))
	kept := 0
	for flat := range src {
		if skipVals == nil || !skipVals[flat] {
			if bin := binIndex(ev, cv[flat]); bin >= 0 {
				vals[kept*nbins+bin] += src[flat]
				if vars != nil {
					vars[kept*nbins+bin] += srcVar[flat]
				}
			}
		}
		for k := len(ix) - 1; k >= 0; k-- {
			ix[k]++
			kept += keptStride[k]
			if ix[k] < shape[k] {
				break
			}
			ix[k] = 0
			kept -= keptStride[k] * shape[k]
		}
	}
	res := out
	if vars != nil {
		res, err = out.WithVariances(vars)
		if err != nil {
			return nil, err
		}
	}
	outDA := New(&Dense{Array: res})
	for _, name := range da.CoordNames() {
		if name == coord {
			continue
		}
		cc := da.coords[name]
		if coordIntersects(cc.Dims(), consumed) {
			continue
		}
		outDA = outDA.WithCoord(name, cc)
	}
	for _, name := range da.VecCoordNames() {
		v := da.vecCoords[name]
		if coordIntersects(v.Dims(), consumed) {
			continue
		}
		outDA = outDA.WithVecCoord(name, v)
	}
	for _, name := range miss {
		outDA = outDA.WithMask(name, da.masks[name])
	}
	return outDA.WithCoord(edgeDim, edges), nil
}

// Hist2D histograms dense data into a two-dimensional grid spanned by two
// coordinates, consuming the dims both coordinates cover except any listed
// in keep. The outer edge dim is appended before the inner one. Binned
// data is regrouped with BinBy2D instead.
func (da *DataArray) Hist2D(coordOuter string, edgesOuter *nd.Array, coordInner string, edgesInner *nd.Array, keep ...string) (*DataArray, error) {
	arr, ok := da.Dense()
	if !ok {
		return nil, fmt.Errorf("sansdata: cannot histogram binned data in 2-D, bin the events instead")
	}
	co, ok := da.coords[coordOuter]
	if !ok {
		return nil, fmt.Errorf("sansdata: no coord %q", coordOuter)
	}
	ci, ok := da.coords[coordInner]
	if !ok {
		return nil, fmt.Errorf("sansdata: no coord %q", coordInner)
	}
	if edgesOuter.NDim() != 1 || edgesInner.NDim() != 1 {
		return nil, fmt.Errorf("sansdata: histogram edges must be 1-D")
	}
	keepSet := make(map[string]bool, len(keep))
	for _, d := range keep {
		keepSet[d] = true
	}
	var consumed []string
	for _, c := range []*nd.Array{co, ci} {
		for _, d := range c.Dims() {
			if da.HasDim(d) && !keepSet[d] && !coordIntersects([]string{d}, consumed) {
				consumed = append(consumed, d)
			}
		}
	}
	if len(consumed) == 0 {
		return nil, fmt.Errorf("sansdata: coords %q and %q span no data dims", coordOuter, coordInner)
	}
	dims := arr.Dims()
	shape := arr.Shape()
	coFull, err := co.BroadcastTo(dims, shape)
	if err != nil {
		return nil, err
	}
	ciFull, err := ci.BroadcastTo(dims, shape)
	if err != nil {
		return nil, err
	}
	hit, miss := da.masksWithDims(consumed)
	var skipVals []bool
	if len(hit) > 0 {
		skip, err := da.FlatMask(hit...)
		if err != nil {
			return nil, err
		}
		skipVals = skip.Values()
	}
	keptDims := make([]string, 0, len(dims))
	keptShape := make([]int, 0, len(dims))
	for i, d := range dims {
		if !coordIntersects([]string{d}, consumed) {
			keptDims = append(keptDims, d)
			keptShape = append(keptShape, shape[i])
		}
	}
	dimO := edgesOuter.Dims()[0]
	dimI := edgesInner.Dims()[0]
	no := edgesOuter.Len() - 1
	ni := edgesInner.Len() - 1
	outDims := append(append([]string(nil), keptDims...), dimO, dimI)
	outShape := append(append([]int(nil), keptShape...), no, ni)
	out := nd.Zeros(outDims, outShape)
	vals := out.Values()
	var vars []float64
	if arr.Variances() != nil {
		vars = make([]float64, len(vals))
	}
	keptStride := make([]int, len(dims))
	{
		strideOf := make(map[string]int, len(keptDims))
		acc := 1
		for i := len(keptDims) - 1; i >= 0; i-- {
			strideOf[keptDims[i]] = acc
			acc *= keptShape[i]
		}
		for i, d := range dims {
			keptStride[i] = strideOf[d]
		}
	}
	evo := edgesOuter.Values()
	evi := edgesInner.Values()
	src := arr.Values()
	srcVar := arr.Variances()
	cov := coFull.Values()
	civ := ciFull.Values()
	ix := make([]int, len(shape))
	kept := 0
	for flat := range src {
		if skipVals == nil || !skipVals[flat] {
			bo := binIndex(evo, cov[flat])
			bi := binIndex(evi, civ[flat])
			if bo >= 0 && bi >= 0 {
				at := (kept*no+bo)*ni + bi
				vals[at] += src[flat]
				if vars != nil {
					vars[at] += srcVar[flat]
				}
			}
		}
		for k := len(ix) - 1; k >= 0; k-- {
			ix[k]++
			kept += keptStride[k]
			if ix[k] < shape[k] {
				break
			}
			ix[k] = 0
			kept -= keptStride[k] * shape[k]
		}
	}
	res := out
	if vars != nil {
		res, err = out.WithVariances(vars)
		if err != nil {
			return nil, err
		}
	}
	outDA := New(&Dense{Array: res})
	for _, name := range da.CoordNames() {
		if name == coordOuter || name == coordInner {
			continue
		}
		cc := da.coords[name]
		if coordIntersects(cc.Dims(), consumed) {
			continue
		}
		outDA = outDA.WithCoord(name, cc)
	}
	for _, name := range da.VecCoordNames() {
		v := da.vecCoords[name]
		if coordIntersects(v.Dims(), consumed) {
			continue
		}
		outDA = outDA.WithVecCoord(name, v)
	}
	for _, name := range miss {
		outDA = outDA.WithMask(name, da.masks[name])
	}
	return outDA.WithCoord(dimO, edgesOuter).WithCoord(dimI, edgesInner), nil
}

// HistCells flattens a binned payload into a dense array of per-cell summed
// weights, keeping all metadata of the outer dims.
func (da *DataArray) HistCells() (*DataArray, error) {
	b, ok := da.Binned()
	if !ok {
		return nil, fmt.Errorf("sansdata: data is already dense")
	}
	return da.WithData(&Dense{Array: b.SumCells()}), nil
}

// EventCounts returns the per-cell event count with the outer metadata of
// the array.
func (da *DataArray) EventCounts() (*DataArray, error) {
	b, ok := da.Binned()
	if !ok {
		return nil, fmt.Errorf("sansdata: data is not binned")
	}
	return da.WithData(&Dense{Array: b.Counts()}), nil
}
