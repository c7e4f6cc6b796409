package sansdata

import (
	"fmt"
	"sort"

	"sansred/pkg/nd"
)

// EventBuffer holds the flat event table shared by all cells of a Binned
// payload. Weights and per-event coordinates are parallel slices; Variances
// may be nil when the events carry no uncertainties.
type EventBuffer struct {
	Weights   []float64
	Variances []float64
	Coords    map[string][]float64
}

// NumEvents returns the number of events in the buffer.
func (b *EventBuffer) NumEvents() int { return len(b.Weights) }

// CoordNames returns the event coordinate names in sorted order.
func (b *EventBuffer) CoordNames() []string {
	names := make([]string, 0, len(b.Coords))
	for n := range b.Coords {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Binned groups a flat event buffer into cells laid out over named outer
// dims. Offsets holds one more entry than there are cells; cell i owns
// events [Offsets[i], Offsets[i+1]). A zero-dim Binned has a single cell
// spanning the whole buffer.
type Binned struct {
	dims    []string
	shape   []int
	offsets []int
	buffer  *EventBuffer
}

func (b *Binned) isData() {}

// NewBinned builds a binned payload. Offsets must be monotonically
// non-decreasing, start at 0 and end at the buffer length, with one entry
// per cell plus one.
func NewBinned(dims []string, shape []int, offsets []int, buffer *EventBuffer) (*Binned, error) {
	if len(dims) != len(shape) {
		return nil, fmt.Errorf("sansdata: got %d dims but %d shape entries", len(dims), len(shape))
	}
	cells := 1
	for _, s := range shape {
		cells *= s
	}
	if len(offsets) != cells+1 {
		return nil, fmt.Errorf("sansdata: shape %v requires %d offsets, got %d", shape, cells+1, len(offsets))
	}
	if offsets[0] != 0 || offsets[cells] != buffer.NumEvents() {
		return nil, fmt.Errorf("sansdata: offsets must span the buffer of %d events", buffer.NumEvents())
	}
	for i := 1; i < len(offsets); i++ {
		if offsets[i] < offsets[i-1] {
			return nil, fmt.Errorf("sansdata: offsets decrease at cell %d", i-1)
		}
	}
	if buffer.Variances != nil && len(buffer.Variances) != len(buffer.Weights) {
		return nil, fmt.Errorf("sansdata: buffer has %d weights but %d variances", len(buffer.Weights), len(buffer.Variances))
	}
	for name, c := range buffer.Coords {
		if len(c) != len(buffer.Weights) {
			return nil, fmt.Errorf("sansdata: event coord %q has %d entries for %d events", name, len(c), len(buffer.Weights))
		}
	}
	return &Binned{
		dims:    append([]string(nil), dims...),
		shape:   append([]int(nil), shape...),
		offsets: offsets,
		buffer:  buffer,
	}, nil
}

// SingleBin wraps a buffer in a zero-dimensional Binned with one cell.
func SingleBin(buffer *EventBuffer) *Binned {
	return &Binned{offsets: []int{0, buffer.NumEvents()}, buffer: buffer}
}

// Dims returns the outer dimension names.
func (b *Binned) Dims() []string { return append([]string(nil), b.dims...) }

// Shape returns the sizes along the outer dims.
func (b *Binned) Shape() []int { return append([]int(nil), b.shape...) }

// NumCells returns the number of cells.
func (b *Binned) NumCells() int { return len(b.offsets) - 1 }

// NumEvents returns the total number of events.
func (b *Binned) NumEvents() int { return b.buffer.NumEvents() }

// Buffer returns the shared event buffer. Callers must not modify it.
func (b *Binned) Buffer() *EventBuffer { return b.buffer }

// Offsets returns the CSR offsets. Callers must not modify them.
func (b *Binned) Offsets() []int { return b.offsets }

// CellRange returns the buffer range owned by the given flat cell index.
func (b *Binned) CellRange(cell int) (lo, hi int) {
	return b.offsets[cell], b.offsets[cell+1]
}

// Counts returns the per-cell event count as a dense array over the outer
// dims.
func (b *Binned) Counts() *nd.Array {
	out := nd.Zeros(b.Dims(), b.Shape())
	vals := out.Values()
	for i := 0; i < b.NumCells(); i++ {
		vals[i] = float64(b.offsets[i+1] - b.offsets[i])
	}
	return out
}

// SumCells returns the per-cell summed weight as a dense array over the
// outer dims. Variances sum alongside when present.
func (b *Binned) SumCells() *nd.Array {
	out := nd.Zeros(b.Dims(), b.Shape())
	vals := out.Values()
	var vars []float64
	if b.buffer.Variances != nil {
		vars = make([]float64, len(vals))
	}
	for i := 0; i < b.NumCells(); i++ {
		for e := b.offsets[i]; e < b.offsets[i+1]; e++ {
			vals[i] += b.buffer.Weights[e]
			if vars != nil {
				vars[i] += b.buffer.Variances[e]
			}
		}
	}
	if vars == nil {
		return out
	}
	withVar, err := out.WithVariances(vars)
	if err != nil {
		panic(err)
	}
	return withVar
}

// MapWeights returns a Binned sharing offsets and event coords with weights
// and variances transformed per event. The callback receives the flat cell
// index and the event's weight and variance (zero when absent); its second
// return value is kept only when outHasVariances is true.
func (b *Binned) MapWeights(f func(cell int, w, v float64) (float64, float64), outHasVariances bool) *Binned {
	weights := make([]float64, len(b.buffer.Weights))
	var variances []float64
	if outHasVariances {
		variances = make([]float64, len(b.buffer.Weights))
	}
	for cell := 0; cell < b.NumCells(); cell++ {
		for e := b.offsets[cell]; e < b.offsets[cell+1]; e++ {
			var v float64
			if b.buffer.Variances != nil {
				v = b.buffer.Variances[e]
			}
			w, nv := f(cell, b.buffer.Weights[e], v)
			weights[e] = w
			if outHasVariances {
				variances[e] = nv
			}
		}
	}
	return &Binned{
		dims:    b.dims,
		shape:   b.shape,
		offsets: b.offsets,
		buffer: &EventBuffer{
			Weights:   weights,
			Variances: variances,
			Coords:    b.buffer.Coords,
		},
	}
}

// WithEventCoord returns a Binned sharing weights and offsets with an
// event coordinate added or replaced.
func (b *Binned) WithEventCoord(name string, values []float64) (*Binned, error) {
	if len(values) != b.NumEvents() {
		return nil, fmt.Errorf("sansdata: event coord %q has %d entries for %d events", name, len(values), b.NumEvents())
	}
	coords := make(map[string][]float64, len(b.buffer.Coords)+1)
	for n, c := range b.buffer.Coords {
		coords[n] = c
	}
	coords[name] = values
	return &Binned{
		dims:    b.dims,
		shape:   b.shape,
		offsets: b.offsets,
		buffer: &EventBuffer{
			Weights:   b.buffer.Weights,
			Variances: b.buffer.Variances,
			Coords:    coords,
		},
	}, nil
}

// binIndex places x in half-open bins defined by ascending edges,
// returning -1 for values outside [edges[0], edges[n-1]).
func binIndex(edges []float64, x float64) int {
	if x < edges[0] || x >= edges[len(edges)-1] {
		return -1
	}
	// First edge strictly greater than x, minus one.
	i := sort.Search(len(edges), func(k int) bool { return edges[k] > x }) - 1
	if i >= len(edges)-1 {
		return -1
	}
	return i
}

// HistEvents histograms events into bins of the named event coordinate,
// appending the edge dim as the innermost dim of a dense result over the
// outer dims.
func (b *Binned) HistEvents(coord string, edges *nd.Array) (*nd.Array, error) {
	ec, ok := b.buffer.Coords[coord]
	if !ok {
		return nil, fmt.Errorf("sansdata: no event coord %q", coord)
	}
	if edges.NDim() != 1 {
		return nil, fmt.Errorf("sansdata: histogram edges must be 1-D")
	}
	edgeDim := edges.Dims()[0]
	nbins := edges.Len() - 1
	outDims := append(b.Dims(), edgeDim)
	outShape := append(b.Shape(), nbins)
	out := nd.Zeros(outDims, outShape)
	vals := out.Values()
	var vars []float64
	if b.buffer.Variances != nil {
		vars = make([]float64, len(vals))
	}
	ev := edges.Values()
	for cell := 0; cell < b.NumCells(); cell++ {
		for e := b.offsets[cell]; e < b.offsets[cell+1]; e++ {
			bin := binIndex(ev, ec[e])
			if bin < 0 {
				continue
			}
			vals[cell*nbins+bin] += b.buffer.Weights[e]
			if vars != nil {
				vars[cell*nbins+bin] += b.buffer.Variances[e]
			}
		}
	}
	if vars == nil {
		return out, nil
	}
	return out.WithVariances(vars)
}

// BinBy regroups events into sub-bins of the named event coordinate,
// appending the edge dim as a new innermost outer dim. Events outside the
// edges are dropped.
func (b *Binned) BinBy(coord string, edges *nd.Array) (*Binned, error) {
	ec, ok := b.buffer.Coords[coord]
	if !ok {
		return nil, fmt.Errorf("sansdata: no event coord %q", coord)
	}
	if edges.NDim() != 1 {
		return nil, fmt.Errorf("sansdata: bin edges must be 1-D")
	}
	edgeDim := edges.Dims()[0]
	nbins := edges.Len() - 1
	outDims := append(b.Dims(), edgeDim)
	outShape := append(b.Shape(), nbins)
	cells := b.NumCells() * nbins
	counts := make([]int, cells)
	ev := edges.Values()
	for cell := 0; cell < b.NumCells(); cell++ {
		for e := b.offsets[cell]; e < b.offsets[cell+1]; e++ {
			if bin := binIndex(ev, ec[e]); bin >= 0 {
				counts[cell*nbins+bin]++
			}
		}
	}
	offsets := make([]int, cells+1)
	for i, c := range counts {
		offsets[i+1] = offsets[i] + c
	}
	out := newBufferLike(b.buffer, offsets[cells])
	fill := append([]int(nil), offsets[:cells]...)
	for cell := 0; cell < b.NumCells(); cell++ {
		for e := b.offsets[cell]; e < b.offsets[cell+1]; e++ {
			bin := binIndex(ev, ec[e])
			if bin < 0 {
				continue
			}
			dst := fill[cell*nbins+bin]
			fill[cell*nbins+bin]++
			copyEvent(out, dst, b.buffer, e)
		}
	}
	return NewBinned(outDims, outShape, offsets, out)
}

// BinBy2D regroups events by two event coordinates, appending the first
// edge dim then the second as new innermost outer dims.
func (b *Binned) BinBy2D(coordOuter string, edgesOuter *nd.Array, coordInner string, edgesInner *nd.Array) (*Binned, error) {
	co, ok := b.buffer.Coords[coordOuter]
	if !ok {
		return nil, fmt.Errorf("sansdata: no event coord %q", coordOuter)
	}
	ci, ok := b.buffer.Coords[coordInner]
	if !ok {
		return nil, fmt.Errorf("sansdata: no event coord %q", coordInner)
	}
	no := edgesOuter.Len() - 1
	ni := edgesInner.Len() - 1
	outDims := append(b.Dims(), edgesOuter.Dims()[0], edgesInner.Dims()[0])
	outShape := append(b.Shape(), no, ni)
	cells := b.NumCells() * no * ni
	counts := make([]int, cells)
	evo := edgesOuter.Values()
	evi := edgesInner.Values()
	place := func(e int) int {
		bo := binIndex(evo, co[e])
		if bo < 0 {
			return -1
		}
		bi := binIndex(evi, ci[e])
		if bi < 0 {
			return -1
		}
		return bo*ni + bi
	}
	for cell := 0; cell < b.NumCells(); cell++ {
		for e := b.offsets[cell]; e < b.offsets[cell+1]; e++ {
			if p := place(e); p >= 0 {
				counts[cell*no*ni+p]++
			}
		}
	}
	offsets := make([]int, cells+1)
	for i, c := range counts {
		offsets[i+1] = offsets[i] + c
	}
	out := newBufferLike(b.buffer, offsets[cells])
	fill := append([]int(nil), offsets[:cells]...)
	for cell := 0; cell < b.NumCells(); cell++ {
		for e := b.offsets[cell]; e < b.offsets[cell+1]; e++ {
			p := place(e)
			if p < 0 {
				continue
			}
			dst := fill[cell*no*ni+p]
			fill[cell*no*ni+p]++
			copyEvent(out, dst, b.buffer, e)
		}
	}
	return NewBinned(outDims, outShape, offsets, out)
}

// ConcatAcross merges the event lists of the named outer dims into the
// remaining cells, dropping events from cells where skip is true. The skip
// mask may be nil or span any subset of the outer dims. Events keep the
// row-major order of the cells they came from.
func (b *Binned) ConcatAcross(drop []string, skip *nd.Bools) (*Binned, error) {
	for _, d := range drop {
		found := false
		for _, bd := range b.dims {
			if bd == d {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("sansdata: unknown dim %q", d)
		}
	}
	keptDims := make([]string, 0, len(b.dims))
	keptShape := make([]int, 0, len(b.dims))
	for i, d := range b.dims {
		dropped := false
		for _, dd := range drop {
			if dd == d {
				dropped = true
				break
			}
		}
		if !dropped {
			keptDims = append(keptDims, d)
			keptShape = append(keptShape, b.shape[i])
		}
	}
	keptCells := 1
	for _, s := range keptShape {
		keptCells *= s
	}
	// Map each source cell to its kept cell and its skip flag.
	keptOf, skipOf, err := b.cellMaps(keptDims, keptShape, skip)
	if err != nil {
		return nil, err
	}
	counts := make([]int, keptCells)
	for cell := 0; cell < b.NumCells(); cell++ {
		if skipOf != nil && skipOf[cell] {
			continue
		}
		counts[keptOf[cell]] += b.offsets[cell+1] - b.offsets[cell]
	}
	offsets := make([]int, keptCells+1)
	for i, c := range counts {
		offsets[i+1] = offsets[i] + c
	}
	out := newBufferLike(b.buffer, offsets[keptCells])
	fill := append([]int(nil), offsets[:keptCells]...)
	for cell := 0; cell < b.NumCells(); cell++ {
		if skipOf != nil && skipOf[cell] {
			continue
		}
		k := keptOf[cell]
		for e := b.offsets[cell]; e < b.offsets[cell+1]; e++ {
			copyEvent(out, fill[k], b.buffer, e)
			fill[k]++
		}
	}
	return NewBinned(keptDims, keptShape, offsets, out)
}

// cellMaps computes, for every flat source cell, the flat index of its kept
// cell and whether the skip mask excludes it.
func (b *Binned) cellMaps(keptDims []string, keptShape []int, skip *nd.Bools) ([]int, []bool, error) {
	keptStride := make(map[string]int, len(keptDims))
	acc := 1
	for i := len(keptDims) - 1; i >= 0; i-- {
		keptStride[keptDims[i]] = acc
		acc *= keptShape[i]
	}
	var skipFull *nd.Bools
	if skip != nil {
		var err error
		skipFull, err = skip.BroadcastTo(b.Dims(), b.Shape())
		if err != nil {
			return nil, nil, err
		}
	}
	keptOf := make([]int, b.NumCells())
	var skipOf []bool
	if skipFull != nil {
		skipOf = skipFull.Values()
	}
	ix := make([]int, len(b.dims))
	kept := 0
	strideOf := make([]int, len(b.dims))
	for i, d := range b.dims {
		strideOf[i] = keptStride[d]
	}
	for cell := 0; cell < b.NumCells(); cell++ {
		keptOf[cell] = kept
		for k := len(ix) - 1; k >= 0; k-- {
			ix[k]++
			kept += strideOf[k]
			if ix[k] < b.shape[k] {
				break
			}
			ix[k] = 0
			kept -= strideOf[k] * b.shape[k]
		}
	}
	return keptOf, skipOf, nil
}

// Concatenate merges another Binned cell-wise: each result cell holds this
// payload's events followed by the other's. Layouts must match and event
// coords must agree.
func (b *Binned) Concatenate(other *Binned) (*Binned, error) {
	if !sameStrings(b.dims, other.dims) || !sameInts(b.shape, other.shape) {
		return nil, fmt.Errorf("sansdata: concatenate layout mismatch: %v%v vs %v%v", b.dims, b.shape, other.dims, other.shape)
	}
	for _, n := range b.buffer.CoordNames() {
		if _, ok := other.buffer.Coords[n]; !ok {
			return nil, fmt.Errorf("sansdata: concatenate operand lacks event coord %q", n)
		}
	}
	cells := b.NumCells()
	offsets := make([]int, cells+1)
	for i := 0; i < cells; i++ {
		offsets[i+1] = offsets[i] +
			(b.offsets[i+1] - b.offsets[i]) +
			(other.offsets[i+1] - other.offsets[i])
	}
	hasVar := b.buffer.Variances != nil || other.buffer.Variances != nil
	out := &EventBuffer{
		Weights: make([]float64, offsets[cells]),
		Coords:  make(map[string][]float64, len(b.buffer.Coords)),
	}
	if hasVar {
		out.Variances = make([]float64, offsets[cells])
	}
	for n := range b.buffer.Coords {
		out.Coords[n] = make([]float64, offsets[cells])
	}
	dst := 0
	appendRange := func(src *EventBuffer, lo, hi int) {
		for e := lo; e < hi; e++ {
			out.Weights[dst] = src.Weights[e]
			if hasVar && src.Variances != nil {
				out.Variances[dst] = src.Variances[e]
			}
			for n := range out.Coords {
				out.Coords[n][dst] = src.Coords[n][e]
			}
			dst++
		}
	}
	for i := 0; i < cells; i++ {
		appendRange(b.buffer, b.offsets[i], b.offsets[i+1])
		appendRange(other.buffer, other.offsets[i], other.offsets[i+1])
	}
	return NewBinned(b.Dims(), b.Shape(), offsets, out)
}

// SliceCells returns the payload restricted to [lo, hi) along the given
// outer dim. The buffer is rebuilt so only owned events remain.
func (b *Binned) SliceCells(dim string, lo, hi int) (*Binned, error) {
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
	if lo < 0 || hi > b.shape[di] || lo > hi {
		return nil, fmt.Errorf("sansdata: slice [%d:%d] out of range for dim %q of size %d", lo, hi, dim, b.shape[di])
	}
	outShape := b.Shape()
	outShape[di] = hi - lo
	outCells := 1
	for _, s := range outShape {
		outCells *= s
	}
	inner := 1
	for i := di + 1; i < len(b.shape); i++ {
		inner *= b.shape[i]
	}
	outer := 1
	for i := 0; i < di; i++ {
		outer *= b.shape[i]
	}
	srcCells := make([]int, 0, outCells)
	for o := 0; o < outer; o++ {
		base := o * b.shape[di] * inner
		for j := lo; j < hi; j++ {
			for k := 0; k < inner; k++ {
				srcCells = append(srcCells, base+j*inner+k)
			}
		}
	}
	offsets := make([]int, outCells+1)
	for i, c := range srcCells {
		offsets[i+1] = offsets[i] + b.offsets[c+1] - b.offsets[c]
	}
	out := newBufferLike(b.buffer, offsets[outCells])
	dst := 0
	for _, c := range srcCells {
		for e := b.offsets[c]; e < b.offsets[c+1]; e++ {
			copyEvent(out, dst, b.buffer, e)
			dst++
		}
	}
	return NewBinned(b.Dims(), outShape, offsets, out)
}

// EventMinMax returns the smallest and largest value of the named event
// coordinate, or an error when the buffer is empty.
func (b *Binned) EventMinMax(coord string) (min, max float64, err error) {
	c, ok := b.buffer.Coords[coord]
	if !ok {
		return 0, 0, fmt.Errorf("sansdata: no event coord %q", coord)
	}
	if len(c) == 0 {
		return 0, 0, fmt.Errorf("sansdata: no events to take extrema of")
	}
	min, max = c[0], c[0]
	for _, x := range c[1:] {
		if x < min {
			min = x
		}
		if x > max {
			max = x
		}
	}
	return min, max, nil
}

func newBufferLike(src *EventBuffer, n int) *EventBuffer {
	out := &EventBuffer{
		Weights: make([]float64, n),
		Coords:  make(map[string][]float64, len(src.Coords)),
	}
	if src.Variances != nil {
		out.Variances = make([]float64, n)
	}
	for name := range src.Coords {
		out.Coords[name] = make([]float64, n)
	}
	return out
}

func copyEvent(dst *EventBuffer, di int, src *EventBuffer, si int) {
	dst.Weights[di] = src.Weights[si]
	if dst.Variances != nil && src.Variances != nil {
		dst.Variances[di] = src.Variances[si]
	}
	for name, c := range src.Coords {
		dst.Coords[name][di] = c[si]
	}
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sameInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
