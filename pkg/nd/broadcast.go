package nd

import (
	"fmt"
	"math"
)

// unionLayout computes the result layout of a binary operation: the dims of a
// in order, followed by the dims of b that a lacks. Shared dims must agree on
// size.
func unionLayout(a, b *Array) ([]string, []int, error) {
	dims := a.Dims()
	shape := a.Shape()
	for i, d := range b.dims {
		j := a.dimIndex(d)
		if j < 0 {
			dims = append(dims, d)
			shape = append(shape, b.shape[i])
			continue
		}
		if a.shape[j] != b.shape[i] {
			return nil, nil, fmt.Errorf("nd: size mismatch for dim %q: %d vs %d", d, a.shape[j], b.shape[i])
		}
	}
	return dims, shape, nil
}

// stridesFor maps an operand onto a result layout: for each result dim the
// operand's stride, or 0 where the operand lacks the dim and its single
// value is repeated.
func stridesFor(a *Array, outDims []string, outShape []int) ([]int, error) {
	st := a.strides()
	out := make([]int, len(outDims))
	for i, d := range outDims {
		j := a.dimIndex(d)
		if j < 0 {
			out[i] = 0
			continue
		}
		if a.shape[j] != outShape[i] {
			return nil, fmt.Errorf("nd: size mismatch for dim %q: %d vs %d", d, a.shape[j], outShape[i])
		}
		out[i] = st[j]
	}
	return out, nil
}

// valueFn combines two values. varianceFn propagates variances given both
// values and both variances; missing variances enter as zero.
type valueFn func(av, bv float64) float64
type varianceFn func(av, avar, bv, bvar float64) float64

func apply2(a, b *Array, f valueFn, g varianceFn) (*Array, error) {
	outDims, outShape, err := unionLayout(a, b)
	if err != nil {
		return nil, err
	}
	sa, err := stridesFor(a, outDims, outShape)
	if err != nil {
		return nil, err
	}
	sb, err := stridesFor(b, outDims, outShape)
	if err != nil {
		return nil, err
	}
	out := Zeros(outDims, outShape)
	withVar := g != nil && (a.variances != nil || b.variances != nil)
	if withVar {
		out.variances = make([]float64, len(out.values))
	}
	ix := make([]int, len(outShape))
	ia, ib := 0, 0
	for dst := range out.values {
		av, bv := a.values[ia], b.values[ib]
		out.values[dst] = f(av, bv)
		if withVar {
			var avar, bvar float64
			if a.variances != nil {
				avar = a.variances[ia]
			}
			if b.variances != nil {
				bvar = b.variances[ib]
			}
			out.variances[dst] = g(av, avar, bv, bvar)
		}
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

// Add returns a + b with broadcasting and variance propagation.
func Add(a, b *Array) (*Array, error) {
	return apply2(a, b,
		func(av, bv float64) float64 { return av + bv },
		func(av, avar, bv, bvar float64) float64 { return avar + bvar })
}

// Sub returns a - b with broadcasting and variance propagation.
func Sub(a, b *Array) (*Array, error) {
	return apply2(a, b,
		func(av, bv float64) float64 { return av - bv },
		func(av, avar, bv, bvar float64) float64 { return avar + bvar })
}

// Mul returns a * b with broadcasting and variance propagation.
func Mul(a, b *Array) (*Array, error) {
	return apply2(a, b,
		func(av, bv float64) float64 { return av * bv },
		func(av, avar, bv, bvar float64) float64 { return bv*bv*avar + av*av*bvar })
}

// Div returns a / b with broadcasting and variance propagation.
func Div(a, b *Array) (*Array, error) {
	return apply2(a, b,
		func(av, bv float64) float64 { return av / bv },
		func(av, avar, bv, bvar float64) float64 {
			return avar/(bv*bv) + av*av*bvar/(bv*bv*bv*bv)
		})
}

// Scale returns a * s for a plain scalar factor.
func Scale(a *Array, s float64) *Array {
	out := a.Copy()
	for i := range out.values {
		out.values[i] *= s
	}
	if out.variances != nil {
		for i := range out.variances {
			out.variances[i] *= s * s
		}
	}
	return out
}

// Neg returns -a.
func Neg(a *Array) *Array { return Scale(a, -1) }

// Sqrt returns the elementwise square root with first-order variance
// propagation: var(sqrt(x)) = var(x)/(4x).
func Sqrt(a *Array) *Array {
	out := a.Copy()
	for i := range out.values {
		out.values[i] = math.Sqrt(out.values[i])
	}
	if out.variances != nil {
		for i := range out.variances {
			if v := a.values[i]; v > 0 {
				out.variances[i] = a.variances[i] / (4 * v)
			} else {
				out.variances[i] = 0
			}
		}
	}
	return out
}

// BroadcastTo returns the array expanded to the given dims and shape. Dims
// already present must match in size; new dims repeat the existing values.
func (a *Array) BroadcastTo(dims []string, shape []int) (*Array, error) {
	if len(dims) != len(shape) {
		return nil, fmt.Errorf("nd: got %d dims but %d shape entries", len(dims), len(shape))
	}
	for _, d := range a.dims {
		if !contains(dims, d) {
			return nil, fmt.Errorf("nd: broadcast target %v lacks existing dim %q", dims, d)
		}
	}
	sa, err := stridesFor(a, dims, shape)
	if err != nil {
		return nil, err
	}
	out := Zeros(dims, shape)
	if a.variances != nil {
		out.variances = make([]float64, len(out.values))
	}
	ix := make([]int, len(shape))
	src := 0
	for dst := range out.values {
		out.values[dst] = a.values[src]
		if a.variances != nil {
			out.variances[dst] = a.variances[src]
		}
		for k := len(ix) - 1; k >= 0; k-- {
			ix[k]++
			src += sa[k]
			if ix[k] < shape[k] {
				break
			}
			ix[k] = 0
			src -= sa[k] * shape[k]
		}
	}
	return out, nil
}
