package nd

import (
	"fmt"
)

// Bools is a dense n-dimensional boolean array with named dimensions, used
// for masks. True marks an element as masked. Like Array, Bools values are
// immutable once built and buffers may be shared.
type Bools struct {
	dims   []string
	shape  []int
	values []bool
}

// NewBools builds a boolean array from explicit dims, shape and buffer.
func NewBools(dims []string, shape []int, values []bool) (*Bools, error) {
	if len(dims) != len(shape) {
		return nil, fmt.Errorf("nd: got %d dims but %d shape entries", len(dims), len(shape))
	}
	if len(values) != volume(shape) {
		return nil, fmt.Errorf("nd: shape %v requires %d values, got %d", shape, volume(shape), len(values))
	}
	seen := make(map[string]bool, len(dims))
	for _, d := range dims {
		if seen[d] {
			return nil, fmt.Errorf("nd: duplicate dim %q", d)
		}
		seen[d] = true
	}
	return &Bools{
		dims:   append([]string(nil), dims...),
		shape:  append([]int(nil), shape...),
		values: values,
	}, nil
}

// FalseMask returns an all-false boolean array of the given layout.
func FalseMask(dims []string, shape []int) *Bools {
	b, err := NewBools(dims, shape, make([]bool, volume(shape)))
	if err != nil {
		panic(err)
	}
	return b
}

// ScalarBool returns a zero-dimensional boolean array.
func ScalarBool(v bool) *Bools {
	return &Bools{values: []bool{v}}
}

// Dims returns a copy of the dimension names.
func (b *Bools) Dims() []string { return append([]string(nil), b.dims...) }

// Shape returns a copy of the sizes along each dimension.
func (b *Bools) Shape() []int { return append([]int(nil), b.shape...) }

// NDim returns the number of dimensions.
func (b *Bools) NDim() int { return len(b.dims) }

// Len returns the total number of elements.
func (b *Bools) Len() int { return len(b.values) }

// Size returns the size along the named dimension.
func (b *Bools) Size(dim string) (int, bool) {
	if i := b.dimIndex(dim); i >= 0 {
		return b.shape[i], true
	}
	return 0, false
}

// HasDim reports whether the array has the named dimension.
func (b *Bools) HasDim(dim string) bool { return b.dimIndex(dim) >= 0 }

func (b *Bools) dimIndex(dim string) int {
	for i, d := range b.dims {
		if d == dim {
			return i
		}
	}
	return -1
}

// Values exposes the underlying buffer. Callers must not modify it.
func (b *Bools) Values() []bool { return b.values }

// At returns the value at the given multi-index.
func (b *Bools) At(ix ...int) bool {
	if len(ix) != len(b.shape) {
		panic(fmt.Sprintf("nd: index rank %d does not match array rank %d", len(ix), len(b.shape)))
	}
	st := b.strides()
	flat := 0
	for i, k := range ix {
		flat += k * st[i]
	}
	return b.values[flat]
}

func (b *Bools) strides() []int {
	st := make([]int, len(b.shape))
	acc := 1
	for i := len(b.shape) - 1; i >= 0; i-- {
		st[i] = acc
		acc *= b.shape[i]
	}
	return st
}

func (b *Bools) stridesFor(outDims []string, outShape []int) ([]int, error) {
	st := b.strides()
	out := make([]int, len(outDims))
	for i, d := range outDims {
		j := b.dimIndex(d)
		if j < 0 {
			out[i] = 0
			continue
		}
		if b.shape[j] != outShape[i] {
			return nil, fmt.Errorf("nd: size mismatch for dim %q: %d vs %d", d, b.shape[j], outShape[i])
		}
		out[i] = st[j]
	}
	return out, nil
}

// Rename returns the mask with a dimension renamed, sharing the buffer.
func (b *Bools) Rename(old, new string) *Bools {
	if b.dimIndex(old) < 0 {
		return b
	}
	dims := b.Dims()
	for i, d := range dims {
		if d == old {
			dims[i] = new
		}
	}
	return &Bools{dims: dims, shape: b.shape, values: b.values}
}

// Copy returns a deep copy.
func (b *Bools) Copy() *Bools {
	return &Bools{
		dims:   append([]string(nil), b.dims...),
		shape:  append([]int(nil), b.shape...),
		values: append([]bool(nil), b.values...),
	}
}

// Any reports whether any element is true.
func (b *Bools) Any() bool {
	for _, v := range b.values {
		if v {
			return true
		}
	}
	return false
}

// CountTrue returns the number of true elements.
func (b *Bools) CountTrue() int {
	n := 0
	for _, v := range b.values {
		if v {
			n++
		}
	}
	return n
}

// Not returns the elementwise negation.
func (b *Bools) Not() *Bools {
	out := b.Copy()
	for i := range out.values {
		out.values[i] = !out.values[i]
	}
	return out
}

// Or returns the elementwise disjunction of two boolean arrays with
// broadcasting, following the same union layout as Array operations.
func Or(a, b *Bools) (*Bools, error) {
	outDims := a.Dims()
	outShape := a.Shape()
	for i, d := range b.dims {
		j := a.dimIndex(d)
		if j < 0 {
			outDims = append(outDims, d)
			outShape = append(outShape, b.shape[i])
			continue
		}
		if a.shape[j] != b.shape[i] {
			return nil, fmt.Errorf("nd: size mismatch for dim %q: %d vs %d", d, a.shape[j], b.shape[i])
		}
	}
	sa, err := a.stridesFor(outDims, outShape)
	if err != nil {
		return nil, err
	}
	sb, err := b.stridesFor(outDims, outShape)
	if err != nil {
		return nil, err
	}
	out := FalseMask(outDims, outShape)
	ix := make([]int, len(outShape))
	ia, ib := 0, 0
	for dst := range out.values {
		out.values[dst] = a.values[ia] || b.values[ib]
		for k := len(ix) - 1; k >= 0; k-- {
			ix[k]++
			ia += sa[k]
			ib += sb[k]
			if ix[k] < outShape[k] {
				break
			}
			ix[k] = 0
			ia -= sa[k] * outShape[k]
			ib -= sb[k] * outShape[k]
		}
	}
	return out, nil
}

// BroadcastTo expands the mask to the given layout, repeating values along
// new dims.
func (b *Bools) BroadcastTo(dims []string, shape []int) (*Bools, error) {
	for _, d := range b.dims {
		if !contains(dims, d) {
			return nil, fmt.Errorf("nd: broadcast target %v lacks existing dim %q", dims, d)
		}
	}
	sb, err := b.stridesFor(dims, shape)
	if err != nil {
		return nil, err
	}
	out := FalseMask(dims, shape)
	ix := make([]int, len(shape))
	src := 0
	for dst := range out.values {
		out.values[dst] = b.values[src]
		for k := len(ix) - 1; k >= 0; k-- {
			ix[k]++
			src += sb[k]
			if ix[k] < shape[k] {
				break
			}
			ix[k] = 0
			src -= sb[k] * shape[k]
		}
	}
	return out, nil
}

// Transpose returns the mask with dims in the given order.
func (b *Bools) Transpose(order ...string) (*Bools, error) {
	if len(order) != len(b.dims) {
		return nil, fmt.Errorf("nd: transpose order %v does not match dims %v", order, b.dims)
	}
	outShape := make([]int, len(order))
	for i, d := range order {
		j := b.dimIndex(d)
		if j < 0 {
			return nil, fmt.Errorf("nd: transpose order contains unknown dim %q", d)
		}
		outShape[i] = b.shape[j]
	}
	return b.BroadcastTo(order, outShape)
}

// MoveToEnd transposes so the given dims appear last in the given order.
func (b *Bools) MoveToEnd(last ...string) (*Bools, error) {
	order := make([]string, 0, len(b.dims))
	for _, d := range b.dims {
		if !contains(last, d) {
			order = append(order, d)
		}
	}
	for _, d := range last {
		if b.dimIndex(d) < 0 {
			return nil, fmt.Errorf("nd: unknown dim %q", d)
		}
		order = append(order, d)
	}
	return b.Transpose(order...)
}

// Slice returns a copy restricted to [lo, hi) along the given dim.
func (b *Bools) Slice(dim string, lo, hi int) (*Bools, error) {
	di := b.dimIndex(dim)
	if di < 0 {
		return nil, fmt.Errorf("nd: unknown dim %q", dim)
	}
	if lo < 0 || hi > b.shape[di] || lo > hi {
		return nil, fmt.Errorf("nd: slice [%d:%d] out of range for dim %q of size %d", lo, hi, dim, b.shape[di])
	}
	outShape := b.Shape()
	outShape[di] = hi - lo
	out := FalseMask(b.Dims(), outShape)
	srcStrides := b.strides()
	ix := make([]int, len(outShape))
	src := lo * srcStrides[di]
	for dst := range out.values {
		out.values[dst] = b.values[src]
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
func (b *Bools) Index(dim string, i int) (*Bools, error) {
	s, err := b.Slice(dim, i, i+1)
	if err != nil {
		return nil, err
	}
	di := s.dimIndex(dim)
	outDims := append([]string(nil), s.dims[:di]...)
	outDims = append(outDims, s.dims[di+1:]...)
	outShape := append([]int(nil), s.shape[:di]...)
	outShape = append(outShape, s.shape[di+1:]...)
	return &Bools{dims: outDims, shape: outShape, values: s.values}, nil
}

// Flatten merges contiguous dims into a single dim named to, sharing the
// underlying buffer.
func (b *Bools) Flatten(dims []string, to string) (*Bools, error) {
	if len(dims) == 0 {
		return nil, fmt.Errorf("nd: flatten needs at least one dim")
	}
	start := b.dimIndex(dims[0])
	if start < 0 {
		return nil, fmt.Errorf("nd: unknown dim %q", dims[0])
	}
	for i, d := range dims {
		if start+i >= len(b.dims) || b.dims[start+i] != d {
			return nil, fmt.Errorf("nd: dims %v are not contiguous in %v", dims, b.dims)
		}
	}
	merged := 1
	for i := 0; i < len(dims); i++ {
		merged *= b.shape[start+i]
	}
	outDims := append([]string(nil), b.dims[:start]...)
	outDims = append(outDims, to)
	outDims = append(outDims, b.dims[start+len(dims):]...)
	outShape := append([]int(nil), b.shape[:start]...)
	outShape = append(outShape, merged)
	outShape = append(outShape, b.shape[start+len(dims):]...)
	return &Bools{dims: outDims, shape: outShape, values: b.values}, nil
}

// FlattenAll merges all dims into a single dim named to.
func (b *Bools) FlattenAll(to string) *Bools {
	if len(b.dims) == 0 {
		return &Bools{dims: []string{to}, shape: []int{1}, values: b.values}
	}
	out, err := b.Flatten(b.Dims(), to)
	if err != nil {
		panic(err)
	}
	return out
}

// SelectAlong returns a copy keeping only positions of dim where keep is
// true.
func (b *Bools) SelectAlong(dim string, keep []bool) (*Bools, error) {
	di := b.dimIndex(dim)
	if di < 0 {
		return nil, fmt.Errorf("nd: unknown dim %q", dim)
	}
	if len(keep) != b.shape[di] {
		return nil, fmt.Errorf("nd: selection length %d does not match dim %q of size %d", len(keep), dim, b.shape[di])
	}
	parts := make([]*Bools, 0)
	for i, k := range keep {
		if !k {
			continue
		}
		s, err := b.Slice(dim, i, i+1)
		if err != nil {
			return nil, err
		}
		parts = append(parts, s)
	}
	if len(parts) == 0 {
		outShape := b.Shape()
		outShape[di] = 0
		return FalseMask(b.Dims(), outShape), nil
	}
	return ConcatBools(parts, dim)
}

// ConcatBools joins boolean arrays along the given dim, adding it as a new
// outermost dim when absent.
func ConcatBools(list []*Bools, dim string) (*Bools, error) {
	if len(list) == 0 {
		return nil, fmt.Errorf("nd: concat of no arrays")
	}
	first := list[0]
	if first.dimIndex(dim) < 0 {
		outDims := append([]string{dim}, first.dims...)
		outShape := append([]int{len(list)}, first.shape...)
		values := make([]bool, 0, len(list)*len(first.values))
		for _, b := range list {
			if !sameDims(b.dims, first.dims) || !sameShape(b.shape, first.shape) {
				return nil, fmt.Errorf("nd: concat inputs disagree on dims/shape")
			}
			values = append(values, b.values...)
		}
		return NewBools(outDims, outShape, values)
	}
	order := append([]string{dim}, removeDim(first.dims, dim)...)
	total := 0
	parts := make([]*Bools, len(list))
	for i, b := range list {
		t, err := b.Transpose(order...)
		if err != nil {
			return nil, err
		}
		parts[i] = t
		sz, _ := b.Size(dim)
		total += sz
	}
	outShape := append([]int{total}, parts[0].shape[1:]...)
	values := make([]bool, 0, volume(outShape))
	for _, p := range parts {
		if !sameShape(p.shape[1:], parts[0].shape[1:]) {
			return nil, fmt.Errorf("nd: concat inputs disagree on dims/shape")
		}
		values = append(values, p.values...)
	}
	out, err := NewBools(order, outShape, values)
	if err != nil {
		return nil, err
	}
	return out.Transpose(first.dims...)
}
