package nd

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// Vectors is a dense n-dimensional array of 3-vectors with named dimensions,
// used for pixel positions and beam geometry.
type Vectors struct {
	dims   []string
	shape  []int
	values []r3.Vec
}

// NewVectors builds a vector array from explicit dims, shape and buffer.
func NewVectors(dims []string, shape []int, values []r3.Vec) (*Vectors, error) {
	if len(dims) != len(shape) {
		return nil, fmt.Errorf("nd: got %d dims but %d shape entries", len(dims), len(shape))
	}
	if len(values) != volume(shape) {
		return nil, fmt.Errorf("nd: shape %v requires %d values, got %d", shape, volume(shape), len(values))
	}
	return &Vectors{
		dims:   append([]string(nil), dims...),
		shape:  append([]int(nil), shape...),
		values: values,
	}, nil
}

// ScalarVec returns a zero-dimensional vector array.
func ScalarVec(v r3.Vec) *Vectors {
	return &Vectors{values: []r3.Vec{v}}
}

// Dims returns a copy of the dimension names.
func (v *Vectors) Dims() []string { return append([]string(nil), v.dims...) }

// Shape returns a copy of the sizes along each dimension.
func (v *Vectors) Shape() []int { return append([]int(nil), v.shape...) }

// NDim returns the number of dimensions.
func (v *Vectors) NDim() int { return len(v.dims) }

// Len returns the total number of elements.
func (v *Vectors) Len() int { return len(v.values) }

// Size returns the size along the named dimension.
func (v *Vectors) Size(dim string) (int, bool) {
	if i := v.dimIndex(dim); i >= 0 {
		return v.shape[i], true
	}
	return 0, false
}

// HasDim reports whether the array has the named dimension.
func (v *Vectors) HasDim(dim string) bool { return v.dimIndex(dim) >= 0 }

func (v *Vectors) dimIndex(dim string) int {
	for i, d := range v.dims {
		if d == dim {
			return i
		}
	}
	return -1
}

// Values exposes the underlying buffer. Callers must not modify it.
func (v *Vectors) Values() []r3.Vec { return v.values }

// At returns the vector at the given multi-index.
func (v *Vectors) At(ix ...int) r3.Vec {
	if len(ix) != len(v.shape) {
		panic(fmt.Sprintf("nd: index rank %d does not match array rank %d", len(ix), len(v.shape)))
	}
	st := make([]int, len(v.shape))
	acc := 1
	for i := len(v.shape) - 1; i >= 0; i-- {
		st[i] = acc
		acc *= v.shape[i]
	}
	flat := 0
	for i, k := range ix {
		flat += k * st[i]
	}
	return v.values[flat]
}

// Rename returns the array with a dimension renamed, sharing the buffer.
func (v *Vectors) Rename(old, new string) *Vectors {
	if v.dimIndex(old) < 0 {
		return v
	}
	dims := v.Dims()
	for i, d := range dims {
		if d == old {
			dims[i] = new
		}
	}
	return &Vectors{dims: dims, shape: v.shape, values: v.values}
}

// Copy returns a deep copy.
func (v *Vectors) Copy() *Vectors {
	return &Vectors{
		dims:   append([]string(nil), v.dims...),
		shape:  append([]int(nil), v.shape...),
		values: append([]r3.Vec(nil), v.values...),
	}
}

// AddVec returns the array with the fixed vector added to every element.
func (v *Vectors) AddVec(w r3.Vec) *Vectors {
	out := v.Copy()
	for i := range out.values {
		out.values[i] = r3.Add(out.values[i], w)
	}
	return out
}

// SubVec returns the array with the fixed vector subtracted from every
// element.
func (v *Vectors) SubVec(w r3.Vec) *Vectors {
	return v.AddVec(r3.Scale(-1, w))
}

// Norm returns the elementwise Euclidean norm as an Array.
func (v *Vectors) Norm() *Array {
	out := Zeros(v.Dims(), v.Shape())
	for i, w := range v.values {
		out.values[i] = r3.Norm(w)
	}
	return out
}

// Dot returns the elementwise dot product with a fixed vector as an Array.
func (v *Vectors) Dot(w r3.Vec) *Array {
	out := Zeros(v.Dims(), v.Shape())
	for i, u := range v.values {
		out.values[i] = r3.Dot(u, w)
	}
	return out
}

// Slice returns a copy restricted to [lo, hi) along the given dim. Vector
// coordinates only ever span a single dim in this package, so slicing along
// the outermost dim reduces to a buffer slice; the general case walks the
// layout.
func (v *Vectors) Slice(dim string, lo, hi int) (*Vectors, error) {
	di := v.dimIndex(dim)
	if di < 0 {
		return nil, fmt.Errorf("nd: unknown dim %q", dim)
	}
	if lo < 0 || hi > v.shape[di] || lo > hi {
		return nil, fmt.Errorf("nd: slice [%d:%d] out of range for dim %q of size %d", lo, hi, dim, v.shape[di])
	}
	inner := 1
	for i := di + 1; i < len(v.shape); i++ {
		inner *= v.shape[i]
	}
	outer := 1
	for i := 0; i < di; i++ {
		outer *= v.shape[i]
	}
	outShape := v.Shape()
	outShape[di] = hi - lo
	values := make([]r3.Vec, 0, volume(outShape))
	for o := 0; o < outer; o++ {
		base := o * v.shape[di] * inner
		values = append(values, v.values[base+lo*inner:base+hi*inner]...)
	}
	return NewVectors(v.Dims(), outShape, values)
}

// Index returns a copy with the given dim removed by selecting index i.
func (v *Vectors) Index(dim string, i int) (*Vectors, error) {
	s, err := v.Slice(dim, i, i+1)
	if err != nil {
		return nil, err
	}
	di := s.dimIndex(dim)
	outDims := append([]string(nil), s.dims[:di]...)
	outDims = append(outDims, s.dims[di+1:]...)
	outShape := append([]int(nil), s.shape[:di]...)
	outShape = append(outShape, s.shape[di+1:]...)
	return &Vectors{dims: outDims, shape: outShape, values: s.values}, nil
}

// Flatten merges contiguous dims into a single dim named to, sharing the
// underlying buffer.
func (v *Vectors) Flatten(dims []string, to string) (*Vectors, error) {
	if len(dims) == 0 {
		return nil, fmt.Errorf("nd: flatten needs at least one dim")
	}
	start := v.dimIndex(dims[0])
	if start < 0 {
		return nil, fmt.Errorf("nd: unknown dim %q", dims[0])
	}
	for i, d := range dims {
		if start+i >= len(v.dims) || v.dims[start+i] != d {
			return nil, fmt.Errorf("nd: dims %v are not contiguous in %v", dims, v.dims)
		}
	}
	merged := 1
	for i := 0; i < len(dims); i++ {
		merged *= v.shape[start+i]
	}
	outDims := append([]string(nil), v.dims[:start]...)
	outDims = append(outDims, to)
	outDims = append(outDims, v.dims[start+len(dims):]...)
	outShape := append([]int(nil), v.shape[:start]...)
	outShape = append(outShape, merged)
	outShape = append(outShape, v.shape[start+len(dims):]...)
	return &Vectors{dims: outDims, shape: outShape, values: v.values}, nil
}

// FlattenAll merges all dims into a single dim named to.
func (v *Vectors) FlattenAll(to string) *Vectors {
	if len(v.dims) == 0 {
		return &Vectors{dims: []string{to}, shape: []int{1}, values: v.values}
	}
	out, err := v.Flatten(v.Dims(), to)
	if err != nil {
		panic(err)
	}
	return out
}

// SelectAlong returns a copy keeping only positions of dim where keep is
// true.
func (v *Vectors) SelectAlong(dim string, keep []bool) (*Vectors, error) {
	di := v.dimIndex(dim)
	if di < 0 {
		return nil, fmt.Errorf("nd: unknown dim %q", dim)
	}
	if len(keep) != v.shape[di] {
		return nil, fmt.Errorf("nd: selection length %d does not match dim %q of size %d", len(keep), dim, v.shape[di])
	}
	parts := make([]*Vectors, 0)
	for i, k := range keep {
		if !k {
			continue
		}
		s, err := v.Slice(dim, i, i+1)
		if err != nil {
			return nil, err
		}
		parts = append(parts, s)
	}
	if len(parts) == 0 {
		outShape := v.Shape()
		outShape[di] = 0
		return NewVectors(v.Dims(), outShape, nil)
	}
	return ConcatVectors(parts, dim)
}

// ConcatVectors joins vector arrays along an existing dim, which must be the
// outermost dim of every input.
func ConcatVectors(list []*Vectors, dim string) (*Vectors, error) {
	if len(list) == 0 {
		return nil, fmt.Errorf("nd: concat of no arrays")
	}
	first := list[0]
	if first.dimIndex(dim) != 0 {
		return nil, fmt.Errorf("nd: vector concat requires %q as the outermost dim", dim)
	}
	total := 0
	values := make([]r3.Vec, 0)
	for _, v := range list {
		if !sameDims(v.dims, first.dims) || !sameShape(v.shape[1:], first.shape[1:]) {
			return nil, fmt.Errorf("nd: concat inputs disagree on dims/shape")
		}
		values = append(values, v.values...)
		total += v.shape[0]
	}
	outShape := append([]int{total}, first.shape[1:]...)
	return NewVectors(first.Dims(), outShape, values)
}
