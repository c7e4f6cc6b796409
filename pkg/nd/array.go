// Package nd provides small labeled multi-dimensional arrays used throughout
// the reduction pipeline. Arrays carry named dimensions, optional variances
// and use a row-major layout with the last dimension varying fastest.
//
// Arrays are treated as immutable values: operations return new arrays and
// never modify their receivers. The underlying buffers may be shared between
// arrays, so callers must not write through the slices returned by Values
// and Variances.
package nd

import (
	"fmt"
)

// Array is a dense n-dimensional array of float64 values with named
// dimensions and optional variances. A zero-dimensional array holds exactly
// one element.
type Array struct {
	dims      []string
	shape     []int
	values    []float64
	variances []float64
}

// NewArray builds an array from explicit dims, shape and buffers. The
// variances slice may be nil, meaning the data carries no uncertainties.
func NewArray(dims []string, shape []int, values, variances []float64) (*Array, error) {
	if len(dims) != len(shape) {
		return nil, fmt.Errorf("nd: got %d dims but %d shape entries", len(dims), len(shape))
	}
	n := 1
	for i, s := range shape {
		if s < 0 {
			return nil, fmt.Errorf("nd: negative size %d for dim %q", s, dims[i])
		}
		n *= s
	}
	if len(values) != n {
		return nil, fmt.Errorf("nd: shape %v requires %d values, got %d", shape, n, len(values))
	}
	if variances != nil && len(variances) != n {
		return nil, fmt.Errorf("nd: shape %v requires %d variances, got %d", shape, n, len(variances))
	}
	seen := make(map[string]bool, len(dims))
	for _, d := range dims {
		if seen[d] {
			return nil, fmt.Errorf("nd: duplicate dim %q", d)
		}
		seen[d] = true
	}
	return &Array{
		dims:      append([]string(nil), dims...),
		shape:     append([]int(nil), shape...),
		values:    values,
		variances: variances,
	}, nil
}

// Zeros returns an array of the given dims and shape filled with zeros.
// It panics if dims and shape have different lengths.
func Zeros(dims []string, shape []int) *Array {
	a, err := NewArray(dims, shape, make([]float64, volume(shape)), nil)
	if err != nil {
		panic(err)
	}
	return a
}

// Ones returns an array filled with ones.
func Ones(dims []string, shape []int) *Array {
	return Full(dims, shape, 1.0)
}

// Full returns an array filled with the given value.
func Full(dims []string, shape []int, value float64) *Array {
	a := Zeros(dims, shape)
	for i := range a.values {
		a.values[i] = value
	}
	return a
}

// Scalar returns a zero-dimensional array holding a single value.
func Scalar(value float64) *Array {
	return &Array{values: []float64{value}}
}

// ScalarWithVariance returns a zero-dimensional array with a variance.
func ScalarWithVariance(value, variance float64) *Array {
	return &Array{values: []float64{value}, variances: []float64{variance}}
}

// Linspace returns a 1-D array of num evenly spaced values from start to stop
// inclusive. It is typically used to build bin edges.
func Linspace(dim string, start, stop float64, num int) *Array {
	if num < 2 {
		panic(fmt.Sprintf("nd: linspace needs at least 2 points, got %d", num))
	}
	values := make([]float64, num)
	step := (stop - start) / float64(num-1)
	for i := range values {
		values[i] = start + float64(i)*step
	}
	values[num-1] = stop
	a, _ := NewArray([]string{dim}, []int{num}, values, nil)
	return a
}

// FromValues returns a 1-D array over dim holding the given values.
func FromValues(dim string, values ...float64) *Array {
	a, err := NewArray([]string{dim}, []int{len(values)}, append([]float64(nil), values...), nil)
	if err != nil {
		panic(err)
	}
	return a
}

func volume(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

// Dims returns a copy of the dimension names, outermost first.
func (a *Array) Dims() []string { return append([]string(nil), a.dims...) }

// Shape returns a copy of the sizes along each dimension.
func (a *Array) Shape() []int { return append([]int(nil), a.shape...) }

// NDim returns the number of dimensions.
func (a *Array) NDim() int { return len(a.dims) }

// Len returns the total number of elements.
func (a *Array) Len() int { return len(a.values) }

// Size returns the size along the named dimension.
func (a *Array) Size(dim string) (int, bool) {
	if i := a.dimIndex(dim); i >= 0 {
		return a.shape[i], true
	}
	return 0, false
}

// HasDim reports whether the array has the named dimension.
func (a *Array) HasDim(dim string) bool { return a.dimIndex(dim) >= 0 }

func (a *Array) dimIndex(dim string) int {
	for i, d := range a.dims {
		if d == dim {
			return i
		}
	}
	return -1
}

// Values exposes the underlying value buffer. Callers must not modify it.
func (a *Array) Values() []float64 { return a.values }

// Variances exposes the underlying variance buffer, or nil. Callers must not
// modify it.
func (a *Array) Variances() []float64 { return a.variances }

// HasVariances reports whether the array carries variances.
func (a *Array) HasVariances() bool { return a.variances != nil }

func (a *Array) strides() []int {
	st := make([]int, len(a.shape))
	acc := 1
	for i := len(a.shape) - 1; i >= 0; i-- {
		st[i] = acc
		acc *= a.shape[i]
	}
	return st
}

// At returns the value at the given multi-index.
func (a *Array) At(ix ...int) float64 {
	return a.values[a.flatIndex(ix)]
}

// VarAt returns the variance at the given multi-index. The array must carry
// variances.
func (a *Array) VarAt(ix ...int) float64 {
	return a.variances[a.flatIndex(ix)]
}

func (a *Array) flatIndex(ix []int) int {
	if len(ix) != len(a.shape) {
		panic(fmt.Sprintf("nd: index rank %d does not match array rank %d", len(ix), len(a.shape)))
	}
	st := a.strides()
	flat := 0
	for i, k := range ix {
		if k < 0 || k >= a.shape[i] {
			panic(fmt.Sprintf("nd: index %d out of range for dim %q of size %d", k, a.dims[i], a.shape[i]))
		}
		flat += k * st[i]
	}
	return flat
}

// Copy returns a deep copy of the array.
func (a *Array) Copy() *Array {
	out := &Array{
		dims:   append([]string(nil), a.dims...),
		shape:  append([]int(nil), a.shape...),
		values: append([]float64(nil), a.values...),
	}
	if a.variances != nil {
		out.variances = append([]float64(nil), a.variances...)
	}
	return out
}

// WithoutVariances returns an array sharing the value buffer but carrying no
// variances.
func (a *Array) WithoutVariances() *Array {
	if a.variances == nil {
		return a
	}
	return &Array{dims: a.dims, shape: a.shape, values: a.values}
}

// WithVariances returns an array sharing the value buffer with the given
// variances attached.
func (a *Array) WithVariances(variances []float64) (*Array, error) {
	if len(variances) != len(a.values) {
		return nil, fmt.Errorf("nd: got %d variances for %d values", len(variances), len(a.values))
	}
	return &Array{dims: a.dims, shape: a.shape, values: a.values, variances: variances}, nil
}

// Rename returns the array with a dimension renamed, sharing buffers.
func (a *Array) Rename(old, new string) *Array {
	if a.dimIndex(old) < 0 {
		return a
	}
	dims := a.Dims()
	for i, d := range dims {
		if d == old {
			dims[i] = new
		}
	}
	return &Array{dims: dims, shape: a.shape, values: a.values, variances: a.variances}
}

// Transpose returns the array with its dimensions in the given order. The
// order must be a permutation of the array's dims.
func (a *Array) Transpose(order ...string) (*Array, error) {
	if len(order) != len(a.dims) {
		return nil, fmt.Errorf("nd: transpose order %v does not match dims %v", order, a.dims)
	}
	perm := make([]int, len(order))
	for i, d := range order {
		j := a.dimIndex(d)
		if j < 0 {
			return nil, fmt.Errorf("nd: transpose order contains unknown dim %q", d)
		}
		perm[i] = j
	}
	outShape := make([]int, len(order))
	for i, j := range perm {
		outShape[i] = a.shape[j]
	}
	out := Zeros(order, outShape)
	if a.variances != nil {
		out.variances = make([]float64, len(a.values))
	}
	srcStrides := a.strides()
	// Walk the output in order, advancing the source index with an odometer.
	ix := make([]int, len(order))
	src := 0
	for dst := range out.values {
		out.values[dst] = a.values[src]
		if a.variances != nil {
			out.variances[dst] = a.variances[src]
		}
		for k := len(ix) - 1; k >= 0; k-- {
			ix[k]++
			src += srcStrides[perm[k]]
			if ix[k] < outShape[k] {
				break
			}
			ix[k] = 0
			src -= outShape[k] * srcStrides[perm[k]]
		}
	}
	return out, nil
}

// MoveToEnd returns the array transposed so the given dims appear last, in
// the given order, with all other dims keeping their relative order.
func (a *Array) MoveToEnd(last ...string) (*Array, error) {
	order := make([]string, 0, len(a.dims))
	for _, d := range a.dims {
		if !contains(last, d) {
			order = append(order, d)
		}
	}
	for _, d := range last {
		if a.dimIndex(d) < 0 {
			return nil, fmt.Errorf("nd: unknown dim %q", d)
		}
		order = append(order, d)
	}
	return a.Transpose(order...)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Flatten merges the given dims, which must be contiguous and in order, into
// a single dim named to. The value buffers are shared with the receiver.
func (a *Array) Flatten(dims []string, to string) (*Array, error) {
	if len(dims) == 0 {
		return nil, fmt.Errorf("nd: flatten needs at least one dim")
	}
	start := a.dimIndex(dims[0])
	if start < 0 {
		return nil, fmt.Errorf("nd: unknown dim %q", dims[0])
	}
	for i, d := range dims {
		if start+i >= len(a.dims) || a.dims[start+i] != d {
			return nil, fmt.Errorf("nd: dims %v are not contiguous in %v", dims, a.dims)
		}
	}
	merged := 1
	for i := 0; i < len(dims); i++ {
		merged *= a.shape[start+i]
	}
	outDims := append([]string(nil), a.dims[:start]...)
	outDims = append(outDims, to)
	outDims = append(outDims, a.dims[start+len(dims):]...)
	outShape := append([]int(nil), a.shape[:start]...)
	outShape = append(outShape, merged)
	outShape = append(outShape, a.shape[start+len(dims):]...)
	return &Array{dims: outDims, shape: outShape, values: a.values, variances: a.variances}, nil
}

// FlattenAll merges all dims into a single dim named to.
func (a *Array) FlattenAll(to string) *Array {
	if len(a.dims) == 0 {
		return &Array{dims: []string{to}, shape: []int{1}, values: a.values, variances: a.variances}
	}
	out, err := a.Flatten(a.Dims(), to)
	if err != nil {
		panic(err)
	}
	return out
}

// Slice returns a copy restricted to indices [lo, hi) along the given dim.
func (a *Array) Slice(dim string, lo, hi int) (*Array, error) {
	di := a.dimIndex(dim)
	if di < 0 {
		return nil, fmt.Errorf("nd: unknown dim %q", dim)
	}
	if lo < 0 || hi > a.shape[di] || lo > hi {
		return nil, fmt.Errorf("nd: slice [%d:%d] out of range for dim %q of size %d", lo, hi, dim, a.shape[di])
	}
	outShape := a.Shape()
	outShape[di] = hi - lo
	out := Zeros(a.Dims(), outShape)
	if a.variances != nil {
		out.variances = make([]float64, len(out.values))
	}
	srcStrides := a.strides()
	ix := make([]int, len(outShape))
	src := lo * srcStrides[di]
	for dst := range out.values {
		out.values[dst] = a.values[src]
		if a.variances != nil {
			out.variances[dst] = a.variances[src]
		}
		for k := len(ix) - 1; k >= 0; k-- {
			ix[k]++
			src += srcStrides[k]
			if ix[k] < outShape[k] {
				break
			}
			ix[k] = 0
			src -= outShape[k] * srcStrides[k]
		}
	}
	return out, nil
}

// Index returns a copy with the given dim removed by selecting index i.
func (a *Array) Index(dim string, i int) (*Array, error) {
	s, err := a.Slice(dim, i, i+1)
	if err != nil {
		return nil, err
	}
	return s.drop(dim), nil
}

func (a *Array) drop(dim string) *Array {
	di := a.dimIndex(dim)
	if di < 0 || a.shape[di] != 1 {
		panic(fmt.Sprintf("nd: cannot drop dim %q", dim))
	}
	outDims := append([]string(nil), a.dims[:di]...)
	outDims = append(outDims, a.dims[di+1:]...)
	outShape := append([]int(nil), a.shape[:di]...)
	outShape = append(outShape, a.shape[di+1:]...)
	return &Array{dims: outDims, shape: outShape, values: a.values, variances: a.variances}
}

// Squeeze returns the array with all size-1 dims removed.
func (a *Array) Squeeze() *Array {
	out := a
	for _, d := range a.Dims() {
		if s, _ := out.Size(d); s == 1 {
			out = out.drop(d)
		}
	}
	return out
}

// Midpoints returns the midpoints of adjacent values along the given dim,
// shrinking it by one. It converts a bin-edge coordinate to bin centers.
func (a *Array) Midpoints(dim string) (*Array, error) {
	di := a.dimIndex(dim)
	if di < 0 {
		return nil, fmt.Errorf("nd: unknown dim %q", dim)
	}
	if a.shape[di] < 2 {
		return nil, fmt.Errorf("nd: need at least 2 points along %q for midpoints", dim)
	}
	lo, err := a.Slice(dim, 0, a.shape[di]-1)
	if err != nil {
		return nil, err
	}
	hi, err := a.Slice(dim, 1, a.shape[di])
	if err != nil {
		return nil, err
	}
	out := lo
	for i := range out.values {
		out.values[i] = 0.5 * (out.values[i] + hi.values[i])
	}
	if out.variances != nil {
		for i := range out.variances {
			out.variances[i] = 0.25 * (out.variances[i] + hi.variances[i])
		}
	}
	return out, nil
}

// SelectAlong returns a copy keeping only the positions of dim where keep is
// true. The keep slice must match the size of dim.
func (a *Array) SelectAlong(dim string, keep []bool) (*Array, error) {
	di := a.dimIndex(dim)
	if di < 0 {
		return nil, fmt.Errorf("nd: unknown dim %q", dim)
	}
	if len(keep) != a.shape[di] {
		return nil, fmt.Errorf("nd: selection length %d does not match dim %q of size %d", len(keep), dim, a.shape[di])
	}
	n := 0
	for _, k := range keep {
		if k {
			n++
		}
	}
	parts := make([]*Array, 0, n)
	for i, k := range keep {
		if !k {
			continue
		}
		s, err := a.Slice(dim, i, i+1)
		if err != nil {
			return nil, err
		}
		parts = append(parts, s)
	}
	if len(parts) == 0 {
		outShape := a.Shape()
		outShape[di] = 0
		out := Zeros(a.Dims(), outShape)
		if a.variances != nil {
			out.variances = []float64{}
		}
		return out, nil
	}
	return Concat(parts, dim)
}

// Concat joins arrays along the given dim. If the dim is present in the
// inputs they are joined along it; otherwise a new outermost dim is added
// with one entry per input. All inputs must agree on the remaining dims and
// either all or none may carry variances.
func Concat(arrays []*Array, dim string) (*Array, error) {
	if len(arrays) == 0 {
		return nil, fmt.Errorf("nd: concat of no arrays")
	}
	first := arrays[0]
	hasVar := first.variances != nil
	for _, a := range arrays[1:] {
		if (a.variances != nil) != hasVar {
			return nil, fmt.Errorf("nd: concat of arrays with mixed variances")
		}
	}
	if first.dimIndex(dim) < 0 {
		// New outermost dim: stack the flat buffers.
		outDims := append([]string{dim}, first.dims...)
		outShape := append([]int{len(arrays)}, first.shape...)
		values := make([]float64, 0, len(arrays)*len(first.values))
		var variances []float64
		if hasVar {
			variances = make([]float64, 0, len(arrays)*len(first.values))
		}
		for _, a := range arrays {
			if !sameDims(a.dims, first.dims) || !sameShape(a.shape, first.shape) {
				return nil, fmt.Errorf("nd: concat inputs disagree on dims/shape")
			}
			values = append(values, a.values...)
			if hasVar {
				variances = append(variances, a.variances...)
			}
		}
		return NewArray(outDims, outShape, values, variances)
	}
	// Existing dim: move it to the front, stack, and restore the order.
	order := append([]string{dim}, removeDim(first.dims, dim)...)
	total := 0
	parts := make([]*Array, len(arrays))
	for i, a := range arrays {
		t, err := a.Transpose(order...)
		if err != nil {
			return nil, err
		}
		parts[i] = t
		sz, _ := a.Size(dim)
		total += sz
	}
	outShape := append([]int{total}, parts[0].shape[1:]...)
	values := make([]float64, 0, volume(outShape))
	var variances []float64
	if hasVar {
		variances = make([]float64, 0, volume(outShape))
	}
	for _, p := range parts {
		if !sameShape(p.shape[1:], parts[0].shape[1:]) {
			return nil, fmt.Errorf("nd: concat inputs disagree on dims/shape")
		}
		values = append(values, p.values...)
		if hasVar {
			variances = append(variances, p.variances...)
		}
	}
	out, err := NewArray(order, outShape, values, variances)
	if err != nil {
		return nil, err
	}
	return out.Transpose(first.dims...)
}

func removeDim(dims []string, dim string) []string {
	out := make([]string, 0, len(dims))
	for _, d := range dims {
		if d != dim {
			out = append(out, d)
		}
	}
	return out
}

func sameDims(a, b []string) bool {
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

func sameShape(a, b []int) bool {
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

// SameValues reports whether two arrays have identical dims, shape, values
// and variances.
func SameValues(a, b *Array) bool {
	if !sameDims(a.dims, b.dims) || !sameShape(a.shape, b.shape) {
		return false
	}
	if (a.variances != nil) != (b.variances != nil) {
		return false
	}
	for i := range a.values {
		if a.values[i] != b.values[i] {
			return false
		}
	}
	if a.variances != nil {
		for i := range a.variances {
			if a.variances[i] != b.variances[i] {
				return false
			}
		}
	}
	return true
}
