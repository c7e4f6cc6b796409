// Package uncertainty implements the policies for broadcasting data with
// variances against a larger template. Repeating a value with an
// uncertainty introduces correlations that plain Gaussian propagation then
// underestimates, so such broadcasts must either drop the variances,
// inflate them by an upper bound, or be rejected.
package uncertainty

import (
	"fmt"

	"sansred/pkg/sansdata"
)

// Mode selects how variances are treated when data is broadcast to dims it
// does not have.
type Mode int

const (
	// Drop removes the variances of broadcast data.
	Drop Mode = iota
	// UpperBound scales the variances by the number of repetitions,
	// overestimating the uncertainty of anything derived from them.
	UpperBound
	// Fail rejects the broadcast of data carrying variances.
	Fail
)

// String returns the configuration spelling of the mode.
func (m Mode) String() string {
	switch m {
	case Drop:
		return "drop"
	case UpperBound:
		return "upper_bound"
	case Fail:
		return "fail"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode converts a configuration string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "drop":
		return Drop, nil
	case "upper_bound":
		return UpperBound, nil
	case "fail":
		return Fail, nil
	}
	return Fail, fmt.Errorf("uncertainty: unknown broadcast mode %q, expected drop, upper_bound or fail", s)
}

// BroadcastError reports a rejected broadcast of data with variances.
type BroadcastError struct {
	Dims []string
}

func (e *BroadcastError) Error() string {
	return fmt.Sprintf("uncertainty: cannot broadcast data with variances to dims %v; "+
		"repeated values share one uncertainty and their variances would no longer be independent", e.Dims)
}

// newDims returns the template dims missing from the data.
func newDims(data, template *sansdata.DataArray) []string {
	var out []string
	for _, d := range template.Dims() {
		if !data.HasDim(d) {
			out = append(out, d)
		}
	}
	return out
}

// Broadcast applies the mode to dense data broadcast against a dense
// template. Data without variances, or already spanning every template dim,
// is returned unchanged. Under UpperBound the result takes the template's
// dims followed by the data's remaining dims, and the variances are scaled
// by the number of unmasked template elements per shared-dim volume.
func Broadcast(data, template *sansdata.DataArray, mode Mode) (*sansdata.DataArray, error) {
	arr, ok := data.Dense()
	if !ok {
		return nil, fmt.Errorf("uncertainty: broadcast data must be dense")
	}
	missing := newDims(data, template)
	if arr.Variances() == nil || len(missing) == 0 {
		return data, nil
	}
	switch mode {
	case Fail:
		return nil, &BroadcastError{Dims: missing}
	case Drop:
		return data.WithData(&sansdata.Dense{Array: arr.WithoutVariances()}), nil
	}
	// Upper bound: count the template elements each data element is
	// repeated into. Masked template elements do not consume the value, so
	// they do not count; dims shared with the data do not repeat.
	tDims := template.Dims()
	tShape := template.Shape()
	total := 1
	for _, s := range tShape {
		total *= s
	}
	unmasked := total
	if flat, err := template.FlatMask(); err != nil {
		return nil, err
	} else if flat != nil {
		unmasked = total - flat.CountTrue()
	}
	shared := 1
	for i, d := range tDims {
		if data.HasDim(d) {
			shared *= tShape[i]
		}
	}
	factor := float64(unmasked) / float64(shared)
	outDims := append([]string(nil), tDims...)
	outShape := append([]int(nil), tShape...)
	for i, d := range arr.Dims() {
		if !template.HasDim(d) {
			outDims = append(outDims, d)
			outShape = append(outShape, arr.Shape()[i])
		}
	}
	expanded, err := arr.BroadcastTo(outDims, outShape)
	if err != nil {
		return nil, err
	}
	scaledVars := make([]float64, len(expanded.Values()))
	for i, v := range expanded.Variances() {
		scaledVars[i] = v * factor
	}
	scaled, err := expanded.WithVariances(scaledVars)
	if err != nil {
		return nil, err
	}
	return data.WithData(&sansdata.Dense{Array: scaled}), nil
}

// BroadcastToEvents applies the mode to dense data divided into the events
// of a binned template. Under UpperBound each cell's variance is scaled by
// the cell's event count, since every event repeats the cell's value.
func BroadcastToEvents(data, template *sansdata.DataArray, mode Mode) (*sansdata.DataArray, error) {
	arr, ok := data.Dense()
	if !ok {
		return nil, fmt.Errorf("uncertainty: broadcast data must be dense")
	}
	b, ok := template.Binned()
	if !ok {
		return nil, fmt.Errorf("uncertainty: event broadcast template must be binned")
	}
	if arr.Variances() == nil {
		return data, nil
	}
	switch mode {
	case Fail:
		return nil, &BroadcastError{Dims: []string{"event"}}
	case Drop:
		return data.WithData(&sansdata.Dense{Array: arr.WithoutVariances()}), nil
	}
	counts := b.Counts()
	expanded, err := arr.BroadcastTo(b.Dims(), b.Shape())
	if err != nil {
		return nil, err
	}
	countVals := counts.Values()
	scaledVars := make([]float64, len(expanded.Values()))
	for i, v := range expanded.Variances() {
		scaledVars[i] = v * countVals[i]
	}
	scaled, err := expanded.WithVariances(scaledVars)
	if err != nil {
		return nil, err
	}
	return data.WithData(&sansdata.Dense{Array: scaled}), nil
}

// Dropped strips variances unconditionally, used where a correction factor
// must not contribute to the uncertainty budget.
func Dropped(data *sansdata.DataArray) *sansdata.DataArray {
	arr, ok := data.Dense()
	if !ok || arr.Variances() == nil {
		return data
	}
	return data.WithData(&sansdata.Dense{Array: arr.WithoutVariances()})
}
