// Package sansdata provides the labeled data container used by the
// reduction pipeline: a DataArray couples detector data with coordinates,
// pixel positions and named masks.
//
// The data payload is one of two representations. Dense data is a plain
// value grid; Binned data keeps ragged per-pixel event lists grouped by the
// outer dims. Operations accept either where meaningful and return errors
// where only one representation is supported.
//
// DataArrays follow copy-on-write semantics: deriving a new array copies
// only the metadata map being changed, while data buffers are shared.
// The contained arrays must therefore never be mutated in place.
package sansdata

import (
	"fmt"
	"sort"

	"sansred/pkg/nd"
)

// DimensionError reports data whose dimensionality does not fit an
// operation, such as masking a range on a multi-dimensional coordinate.
type DimensionError struct {
	Msg string
}

func (e *DimensionError) Error() string { return e.Msg }

// Dimensionf builds a DimensionError from a format string.
func Dimensionf(format string, args ...any) *DimensionError {
	return &DimensionError{Msg: fmt.Sprintf(format, args...)}
}

// Data is the payload of a DataArray: either *Dense or *Binned.
type Data interface {
	// Dims returns the (outer) dimension names of the payload.
	Dims() []string
	// Shape returns the sizes along Dims.
	Shape() []int
	isData()
}

// Dense is a plain value grid payload.
type Dense struct {
	Array *nd.Array
}

func (d *Dense) isData() {}

// Dims returns the dimension names of the grid.
func (d *Dense) Dims() []string { return d.Array.Dims() }

// Shape returns the sizes along Dims.
func (d *Dense) Shape() []int { return d.Array.Shape() }

// DataArray is a data payload with named coordinates, vector coordinates
// and masks. Coordinates span a subset of the data dims; a 1-D coordinate
// with one extra entry along its dim holds bin edges. Masks are boolean
// arrays over a subset of the data dims where true marks excluded elements.
type DataArray struct {
	data      Data
	coords    map[string]*nd.Array
	vecCoords map[string]*nd.Vectors
	masks     map[string]*nd.Bools
}

// New wraps a payload in a DataArray without metadata.
func New(data Data) *DataArray {
	return &DataArray{data: data}
}

// NewDense wraps a dense array in a DataArray.
func NewDense(a *nd.Array) *DataArray {
	return New(&Dense{Array: a})
}

// Data returns the payload.
func (da *DataArray) Data() Data { return da.data }

// Dense returns the dense payload, or false for binned data.
func (da *DataArray) Dense() (*nd.Array, bool) {
	if d, ok := da.data.(*Dense); ok {
		return d.Array, true
	}
	return nil, false
}

// Binned returns the binned payload, or false for dense data.
func (da *DataArray) Binned() (*Binned, bool) {
	b, ok := da.data.(*Binned)
	return b, ok
}

// IsBinned reports whether the payload holds event lists.
func (da *DataArray) IsBinned() bool {
	_, ok := da.data.(*Binned)
	return ok
}

// Dims returns the (outer) dimension names.
func (da *DataArray) Dims() []string { return da.data.Dims() }

// Shape returns the sizes along Dims.
func (da *DataArray) Shape() []int { return da.data.Shape() }

// HasDim reports whether the payload has the named dim.
func (da *DataArray) HasDim(dim string) bool {
	for _, d := range da.data.Dims() {
		if d == dim {
			return true
		}
	}
	return false
}

// Size returns the size along the named dim.
func (da *DataArray) Size(dim string) (int, bool) {
	dims := da.data.Dims()
	shape := da.data.Shape()
	for i, d := range dims {
		if d == dim {
			return shape[i], true
		}
	}
	return 0, false
}

// Sizes returns a dim-to-size map.
func (da *DataArray) Sizes() map[string]int {
	out := make(map[string]int, len(da.data.Dims()))
	shape := da.data.Shape()
	for i, d := range da.data.Dims() {
		out[d] = shape[i]
	}
	return out
}

func (da *DataArray) shallow() *DataArray {
	return &DataArray{data: da.data, coords: da.coords, vecCoords: da.vecCoords, masks: da.masks}
}

func copyArrayMap(m map[string]*nd.Array) map[string]*nd.Array {
	out := make(map[string]*nd.Array, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyVecMap(m map[string]*nd.Vectors) map[string]*nd.Vectors {
	out := make(map[string]*nd.Vectors, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyBoolMap(m map[string]*nd.Bools) map[string]*nd.Bools {
	out := make(map[string]*nd.Bools, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// checkLayout panics unless the given dims/shape fit the data layout. When
// edges is true a coord may carry one extra entry along a dim (bin edges),
// and may keep a size-2 range along a dim the data no longer has, as left
// behind by indexing out a dim with an edge coord. Metadata attachment with
// a wrong layout is a programming error.
func (da *DataArray) checkLayout(name string, dims []string, shape []int, edges bool) {
	for i, d := range dims {
		sz, ok := da.Size(d)
		if !ok {
			if edges && shape[i] == 2 {
				continue
			}
			panic(fmt.Sprintf("sansdata: %q has dim %q not present in data dims %v", name, d, da.Dims()))
		}
		if shape[i] == sz {
			continue
		}
		if edges && shape[i] == sz+1 {
			continue
		}
		panic(fmt.Sprintf("sansdata: %q has size %d along %q, data has %d", name, shape[i], d, sz))
	}
}

// WithData returns a DataArray with the payload replaced and all metadata
// shared.
func (da *DataArray) WithData(data Data) *DataArray {
	out := da.shallow()
	out.data = data
	return out
}

// WithCoord returns a DataArray with the named coordinate set. The
// coordinate's dims must be data dims; a 1-D coordinate may hold bin edges.
func (da *DataArray) WithCoord(name string, c *nd.Array) *DataArray {
	da.checkLayout(name, c.Dims(), c.Shape(), true)
	out := da.shallow()
	out.coords = copyArrayMap(da.coords)
	out.coords[name] = c
	return out
}

// WithVecCoord returns a DataArray with the named vector coordinate set.
func (da *DataArray) WithVecCoord(name string, v *nd.Vectors) *DataArray {
	da.checkLayout(name, v.Dims(), v.Shape(), false)
	out := da.shallow()
	out.vecCoords = copyVecMap(da.vecCoords)
	out.vecCoords[name] = v
	return out
}

// WithMask returns a DataArray with the named mask set, replacing any mask
// of the same name. Callers needing overwrite protection must check HasMask
// first.
func (da *DataArray) WithMask(name string, m *nd.Bools) *DataArray {
	da.checkLayout(name, m.Dims(), m.Shape(), false)
	out := da.shallow()
	out.masks = copyBoolMap(da.masks)
	out.masks[name] = m
	return out
}

// WithoutCoord returns a DataArray with the named coordinate removed.
func (da *DataArray) WithoutCoord(name string) *DataArray {
	if _, ok := da.coords[name]; !ok {
		return da
	}
	out := da.shallow()
	out.coords = copyArrayMap(da.coords)
	delete(out.coords, name)
	return out
}

// WithoutMask returns a DataArray with the named mask removed.
func (da *DataArray) WithoutMask(name string) *DataArray {
	if _, ok := da.masks[name]; !ok {
		return da
	}
	out := da.shallow()
	out.masks = copyBoolMap(da.masks)
	delete(out.masks, name)
	return out
}

// DropCoords returns a DataArray with the named coordinates removed,
// ignoring names that are absent.
func (da *DataArray) DropCoords(names ...string) *DataArray {
	out := da
	for _, n := range names {
		out = out.WithoutCoord(n)
	}
	return out
}

// Coord returns the named coordinate.
func (da *DataArray) Coord(name string) (*nd.Array, bool) {
	c, ok := da.coords[name]
	return c, ok
}

// VecCoord returns the named vector coordinate.
func (da *DataArray) VecCoord(name string) (*nd.Vectors, bool) {
	v, ok := da.vecCoords[name]
	return v, ok
}

// Mask returns the named mask.
func (da *DataArray) Mask(name string) (*nd.Bools, bool) {
	m, ok := da.masks[name]
	return m, ok
}

// HasCoord reports whether the named coordinate exists.
func (da *DataArray) HasCoord(name string) bool {
	_, ok := da.coords[name]
	return ok
}

// HasVecCoord reports whether the named vector coordinate exists.
func (da *DataArray) HasVecCoord(name string) bool {
	_, ok := da.vecCoords[name]
	return ok
}

// HasMask reports whether the named mask exists.
func (da *DataArray) HasMask(name string) bool {
	_, ok := da.masks[name]
	return ok
}

// CoordNames returns the coordinate names in sorted order.
func (da *DataArray) CoordNames() []string {
	return sortedKeysArr(da.coords)
}

// VecCoordNames returns the vector coordinate names in sorted order.
func (da *DataArray) VecCoordNames() []string {
	names := make([]string, 0, len(da.vecCoords))
	for n := range da.vecCoords {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// MaskNames returns the mask names in sorted order.
func (da *DataArray) MaskNames() []string {
	names := make([]string, 0, len(da.masks))
	for n := range da.masks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func sortedKeysArr(m map[string]*nd.Array) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// IsEdgeCoord reports whether the named coordinate holds bin edges: a 1-D
// coordinate with one more entry than the data size along its dim.
func (da *DataArray) IsEdgeCoord(name string) bool {
	c, ok := da.coords[name]
	if !ok || c.NDim() != 1 {
		return false
	}
	dim := c.Dims()[0]
	sz, ok := da.Size(dim)
	if !ok {
		return false
	}
	return c.Len() == sz+1
}

// RenameDim renames a dimension throughout the array: in the payload and
// in every coordinate, vector coordinate and mask that spans it.
func (da *DataArray) RenameDim(old, new string) *DataArray {
	var data Data
	switch d := da.data.(type) {
	case *Dense:
		data = &Dense{Array: d.Array.Rename(old, new)}
	case *Binned:
		dims := d.Dims()
		for i, dd := range dims {
			if dd == old {
				dims[i] = new
			}
		}
		data = &Binned{dims: dims, shape: d.shape, offsets: d.offsets, buffer: d.buffer}
	}
	out := &DataArray{
		data:      data,
		coords:    make(map[string]*nd.Array, len(da.coords)),
		vecCoords: make(map[string]*nd.Vectors, len(da.vecCoords)),
		masks:     make(map[string]*nd.Bools, len(da.masks)),
	}
	for name, c := range da.coords {
		out.coords[name] = c.Rename(old, new)
	}
	for name, v := range da.vecCoords {
		out.vecCoords[name] = v.Rename(old, new)
	}
	for name, m := range da.masks {
		out.masks[name] = m.Rename(old, new)
	}
	return out
}

// Copy returns a DataArray with freshly copied metadata maps. Buffers are
// still shared; use it before a sequence of With calls to detach from the
// source.
func (da *DataArray) Copy() *DataArray {
	return &DataArray{
		data:      da.data,
		coords:    copyArrayMap(da.coords),
		vecCoords: copyVecMap(da.vecCoords),
		masks:     copyBoolMap(da.masks),
	}
}

// FlatMask combines the named masks, broadcast onto the data layout, or
// returns nil when none of the given masks exist. Passing no names combines
// every mask whose dims are data dims.
func (da *DataArray) FlatMask(names ...string) (*nd.Bools, error) {
	if names == nil {
		names = da.MaskNames()
	}
	var combined *nd.Bools
	for _, n := range names {
		m, ok := da.masks[n]
		if !ok {
			continue
		}
		if combined == nil {
			combined = m
			continue
		}
		var err error
		combined, err = nd.Or(combined, m)
		if err != nil {
			return nil, err
		}
	}
	if combined == nil {
		return nil, nil
	}
	return combined.BroadcastTo(da.Dims(), da.Shape())
}

// masksWithDim partitions mask names into those spanning any of the given
// dims and the rest.
func (da *DataArray) masksWithDims(dims []string) (hit, miss []string) {
	for _, n := range da.MaskNames() {
		m := da.masks[n]
		overlap := false
		for _, d := range dims {
			if m.HasDim(d) {
				overlap = true
				break
			}
		}
		if overlap {
			hit = append(hit, n)
		} else {
			miss = append(miss, n)
		}
	}
	return hit, miss
}
