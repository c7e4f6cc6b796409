package nd

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Sum reduces the named dim by summation. Variances add.
func (a *Array) Sum(dim string) (*Array, error) {
	return SumDimsWhere(a, []string{dim}, nil)
}

// SumDims reduces all named dims by summation.
func (a *Array) SumDims(dims []string) (*Array, error) {
	return SumDimsWhere(a, dims, nil)
}

// SumAll reduces every dim, returning a zero-dimensional array.
func (a *Array) SumAll() *Array {
	out, err := SumDimsWhere(a, a.Dims(), nil)
	if err != nil {
		panic(err)
	}
	return out
}

// SumDimsWhere reduces the named dims by summation, skipping elements where
// skip is true. The skip mask may be nil and may span any subset of a's dims.
func SumDimsWhere(a *Array, dims []string, skip *Bools) (*Array, error) {
	for _, d := range dims {
		if !a.HasDim(d) {
			return nil, fmt.Errorf("nd: unknown dim %q", d)
		}
	}
	keepDims := make([]string, 0, len(a.dims))
	keepShape := make([]int, 0, len(a.dims))
	for i, d := range a.dims {
		if !contains(dims, d) {
			keepDims = append(keepDims, d)
			keepShape = append(keepShape, a.shape[i])
		}
	}
	out := Zeros(keepDims, keepShape)
	if a.variances != nil {
		out.variances = make([]float64, len(out.values))
	}
	// Map the output and the mask onto a's layout.
	outStrides, err := stridesFor(out, a.dims, a.shape)
	if err != nil {
		return nil, err
	}
	var skipStrides []int
	if skip != nil {
		skipStrides, err = skip.stridesFor(a.dims, a.shape)
		if err != nil {
			return nil, err
		}
	}
	ix := make([]int, len(a.shape))
	dst, msk := 0, 0
	for src := range a.values {
		if skip == nil || !skip.values[msk] {
			out.values[dst] += a.values[src]
			if a.variances != nil {
				out.variances[dst] += a.variances[src]
			}
		}
		for k := len(ix) - 1; k >= 0; k-- {
			ix[k]++
			dst += outStrides[k]
			if skip != nil {
				msk += skipStrides[k]
			}
			if ix[k] < a.shape[k] {
				break
			}
			ix[k] = 0
			dst -= outStrides[k] * a.shape[k]
			if skip != nil {
				msk -= skipStrides[k] * a.shape[k]
			}
		}
	}
	return out, nil
}

// MeanAllWhere reduces every dim to the mean of the elements where skip is
// false, returning a zero-dimensional array. The variance of the mean is the
// summed variance divided by the square of the count.
func MeanAllWhere(a *Array, skip *Bools) (*Array, error) {
	var skipStrides []int
	var err error
	if skip != nil {
		skipStrides, err = skip.stridesFor(a.dims, a.shape)
		if err != nil {
			return nil, err
		}
	}
	var sum, sumVar float64
	n := 0
	ix := make([]int, len(a.shape))
	msk := 0
	for src := range a.values {
		if skip == nil || !skip.values[msk] {
			sum += a.values[src]
			if a.variances != nil {
				sumVar += a.variances[src]
			}
			n++
		}
		for k := len(ix) - 1; k >= 0; k-- {
			ix[k]++
			if skip != nil {
				msk += skipStrides[k]
			}
			if ix[k] < a.shape[k] {
				break
			}
			ix[k] = 0
			if skip != nil {
				msk -= skipStrides[k] * a.shape[k]
			}
		}
	}
	if n == 0 {
		return nil, fmt.Errorf("nd: mean of fully masked array")
	}
	out := Scalar(sum / float64(n))
	if a.variances != nil {
		out.variances = []float64{sumVar / float64(n*n)}
	}
	return out, nil
}

// Rebin redistributes counts along the given dim from oldEdges onto
// newEdges, splitting bin contents in proportion to the overlap. Both edge
// arrays must be ascending 1-D arrays over dim, and a must have
// len(oldEdges)-1 entries along dim. Variances split with the same fraction,
// matching counting statistics.
func Rebin(a *Array, dim string, oldEdges, newEdges *Array) (*Array, error) {
	if oldEdges.NDim() != 1 || newEdges.NDim() != 1 {
		return nil, fmt.Errorf("nd: rebin edges must be 1-D")
	}
	nOld := oldEdges.Len() - 1
	nNew := newEdges.Len() - 1
	if sz, ok := a.Size(dim); !ok || sz != nOld {
		return nil, fmt.Errorf("nd: rebin dim %q must have %d bins", dim, nOld)
	}
	moved, err := a.MoveToEnd(dim)
	if err != nil {
		return nil, err
	}
	outShape := moved.Shape()
	outShape[len(outShape)-1] = nNew
	out := Zeros(moved.Dims(), outShape)
	if a.variances != nil {
		out.variances = make([]float64, len(out.values))
	}
	old := oldEdges.Values()
	next := newEdges.Values()
	rows := moved.Len() / nOld
	for r := 0; r < rows; r++ {
		src := moved.values[r*nOld : (r+1)*nOld]
		dst := out.values[r*nNew : (r+1)*nNew]
		var srcVar, dstVar []float64
		if a.variances != nil {
			srcVar = moved.variances[r*nOld : (r+1)*nOld]
			dstVar = out.variances[r*nNew : (r+1)*nNew]
		}
		for i := 0; i < nOld; i++ {
			lo, hi := old[i], old[i+1]
			width := hi - lo
			if width <= 0 {
				continue
			}
			for j := 0; j < nNew; j++ {
				a0, a1 := next[j], next[j+1]
				if a1 <= lo || a0 >= hi {
					continue
				}
				ol := lo
				if a0 > ol {
					ol = a0
				}
				oh := hi
				if a1 < oh {
					oh = a1
				}
				frac := (oh - ol) / width
				dst[j] += frac * src[i]
				if srcVar != nil {
					dstVar[j] += frac * srcVar[i]
				}
			}
		}
	}
	return out.Transpose(a.Dims()...)
}

// MinValue returns the smallest value in the array.
func (a *Array) MinValue() float64 { return floats.Min(a.values) }

// MaxValue returns the largest value in the array.
func (a *Array) MaxValue() float64 { return floats.Max(a.values) }
