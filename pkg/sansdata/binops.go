package sansdata

import (
	"fmt"

	"sansred/pkg/nd"
)

// binaryMetadata attaches the merged metadata of a binary operation to a
// result payload: the union of coords, which must agree where shared, and
// the union of masks, with same-named masks combined by disjunction.
func binaryMetadata(left, right *DataArray, data Data) (*DataArray, error) {
	out := New(data)
	for _, name := range left.CoordNames() {
		out = out.WithCoord(name, left.coords[name])
	}
	for _, name := range right.CoordNames() {
		c := right.coords[name]
		if lc, ok := left.coords[name]; ok {
			if !nd.SameValues(lc, c) {
				return nil, fmt.Errorf("sansdata: coord %q differs between operands", name)
			}
			continue
		}
		out = out.WithCoord(name, c)
	}
	for _, name := range left.VecCoordNames() {
		out = out.WithVecCoord(name, left.vecCoords[name])
	}
	for _, name := range right.VecCoordNames() {
		if !out.HasVecCoord(name) {
			out = out.WithVecCoord(name, right.vecCoords[name])
		}
	}
	for _, name := range left.MaskNames() {
		out = out.WithMask(name, left.masks[name])
	}
	for _, name := range right.MaskNames() {
		m := right.masks[name]
		if lm, ok := left.masks[name]; ok {
			merged, err := nd.Or(lm, m)
			if err != nil {
				return nil, err
			}
			out = out.WithMask(name, merged)
			continue
		}
		out = out.WithMask(name, m)
	}
	return out, nil
}

func dense2(a, b *DataArray, op func(x, y *nd.Array) (*nd.Array, error)) (*DataArray, error) {
	x, ok := a.Dense()
	if !ok {
		return nil, fmt.Errorf("sansdata: left operand is not dense")
	}
	y, ok := b.Dense()
	if !ok {
		return nil, fmt.Errorf("sansdata: right operand is not dense")
	}
	res, err := op(x, y)
	if err != nil {
		return nil, err
	}
	return binaryMetadata(a, b, &Dense{Array: res})
}

// Divide returns a / b for dense operands with broadcasting.
func Divide(a, b *DataArray) (*DataArray, error) { return dense2(a, b, nd.Div) }

// Multiply returns a * b for dense operands with broadcasting.
func Multiply(a, b *DataArray) (*DataArray, error) { return dense2(a, b, nd.Mul) }

// Subtract returns a - b for dense operands with broadcasting.
func Subtract(a, b *DataArray) (*DataArray, error) { return dense2(a, b, nd.Sub) }

// Add returns a + b for dense operands with broadcasting.
func Add(a, b *DataArray) (*DataArray, error) { return dense2(a, b, nd.Add) }

// Scale returns the array multiplied by a plain scalar.
func (da *DataArray) Scale(s float64) (*DataArray, error) {
	if arr, ok := da.Dense(); ok {
		return da.WithData(&Dense{Array: nd.Scale(arr, s)}), nil
	}
	return da.ScaleEvents(s)
}

// DivideEvents divides every event weight of a binned numerator by the
// denominator value of its cell, with the denominator broadcast over the
// outer dims. Event variances follow the quotient rule against the cell's
// denominator variance.
func DivideEvents(num, den *DataArray) (*DataArray, error) {
	b, ok := num.Binned()
	if !ok {
		return nil, fmt.Errorf("sansdata: numerator is not binned")
	}
	d, ok := den.Dense()
	if !ok {
		return nil, fmt.Errorf("sansdata: denominator is not dense")
	}
	full, err := d.BroadcastTo(b.Dims(), b.Shape())
	if err != nil {
		return nil, err
	}
	dv := full.Values()
	dvar := full.Variances()
	outVar := b.Buffer().Variances != nil || dvar != nil
	divided := b.MapWeights(func(cell int, w, v float64) (float64, float64) {
		dval := dv[cell]
		out := w / dval
		if !outVar {
			return out, 0
		}
		variance := v / (dval * dval)
		if dvar != nil {
			variance += w * w * dvar[cell] / (dval * dval * dval * dval)
		}
		return out, variance
	}, outVar)
	return binaryMetadata(num, den, divided)
}
