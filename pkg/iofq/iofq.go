// Package iofq reduces calibrated detector data to scattering intensity
// as a function of momentum transfer: monitor preprocessing, direct-beam
// resampling, the reduction into Q or Qx/Qy bins with optional wavelength
// bands, and background subtraction.
package iofq

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/interp"

	"sansred/pkg/conversions"
	"sansred/pkg/masking"
	"sansred/pkg/nd"
	"sansred/pkg/sansdata"
	"sansred/pkg/uncertainty"
)

// PreprocessMonitor converts a raw monitor spectrum to the reduction's
// wavelength bins and subtracts a flat background estimated from the
// counts outside nonBackground, a two-value wavelength interval bounding
// the usable beam. A nil interval skips the background estimate. The
// background is a broadcast scalar, so its variances pass through the
// uncertainty mode.
func PreprocessMonitor[R sansdata.RunKind, M sansdata.MonitorKind](
	monitor sansdata.Monitor[R, M],
	bins *nd.Array,
	nonBackground *nd.Array,
	mode uncertainty.Mode,
) (sansdata.Monitor[R, M], error) {
	var zero sansdata.Monitor[R, M]
	da := monitor.DataArray
	var background *sansdata.DataArray

	estimate := func(src *sansdata.DataArray) error {
		if nonBackground == nil {
			return nil
		}
		if nonBackground.Len() != 2 {
			return fmt.Errorf("iofq: the non-background range needs exactly two bounds, found %d", nonBackground.Len())
		}
		lo, hi := nonBackground.Values()[0], nonBackground.Values()[1]
		masked, err := masking.MaskRange(src, masking.MaskedInterval(conversions.CoordWavelength, lo, hi), "signal")
		if err != nil {
			return fmt.Errorf("iofq: masking the signal range: %w", err)
		}
		background, err = masked.Mean()
		if err != nil {
			return fmt.Errorf("iofq: estimating monitor background: %w", err)
		}
		return nil
	}

	var counts *sansdata.DataArray
	var err error
	if da.IsBinned() {
		// Event monitors are histogrammed first; the flat background is
		// then estimated from the histogram.
		counts, err = da.Hist(conversions.CoordWavelength, bins)
		if err != nil {
			return zero, fmt.Errorf("iofq: histogramming monitor: %w", err)
		}
		if err := estimate(counts); err != nil {
			return zero, err
		}
	} else {
		if err := estimate(da); err != nil {
			return zero, err
		}
		counts, err = rebinDense(da, bins)
		if err != nil {
			return zero, fmt.Errorf("iofq: rebinning monitor: %w", err)
		}
	}
	if background != nil {
		bg, err := uncertainty.Broadcast(background, counts, mode)
		if err != nil {
			return zero, fmt.Errorf("iofq: broadcasting monitor background: %w", err)
		}
		counts, err = sansdata.Subtract(counts, bg)
		if err != nil {
			return zero, fmt.Errorf("iofq: subtracting monitor background: %w", err)
		}
	}
	return sansdata.TagMonitor[R, M](counts), nil
}

// rebinDense redistributes dense counts onto new bin edges of the edge
// array's dim.
func rebinDense(da *sansdata.DataArray, edges *nd.Array) (*sansdata.DataArray, error) {
	arr, ok := da.Dense()
	if !ok {
		return nil, fmt.Errorf("iofq: cannot rebin binned data")
	}
	dim := edges.Dims()[0]
	old, ok := da.Coord(dim)
	if !ok || !da.IsEdgeCoord(dim) {
		return nil, fmt.Errorf("iofq: rebinning needs a bin-edge coordinate for %q", dim)
	}
	re, err := nd.Rebin(arr, dim, old, edges)
	if err != nil {
		return nil, err
	}
	return da.WithData(&sansdata.Dense{Array: re}).WithCoord(dim, edges), nil
}

// ResampleDirectBeam interpolates a measured direct-beam efficiency onto
// the reduction's wavelength bins, evaluating at bin midpoints and
// extending the boundary slopes outside the measured range. Dims other
// than wavelength, such as a detector layer, are interpolated
// independently. Returns the input unchanged when it is already on the
// requested bins. Interpolation has no meaningful variance propagation,
// so variances are dropped with a warning.
func ResampleDirectBeam(directBeam *sansdata.DataArray, bins *nd.Array, logger *logrus.Logger) (*sansdata.DataArray, error) {
	arr, ok := directBeam.Dense()
	if !ok {
		return nil, fmt.Errorf("iofq: direct beam must be dense")
	}
	dim := bins.Dims()[0]
	coord, ok := directBeam.Coord(dim)
	if !ok {
		return nil, fmt.Errorf("iofq: direct beam has no %q coordinate", dim)
	}
	if coord.NDim() != 1 {
		return nil, fmt.Errorf("iofq: the direct beam's %q coordinate must be one-dimensional, found dims %v", dim, coord.Dims())
	}
	if !arr.HasDim(dim) {
		return nil, fmt.Errorf("iofq: direct beam has no %q dim, found %v", dim, arr.Dims())
	}
	if nd.SameValues(coord, bins) {
		return directBeam, nil
	}
	if arr.Variances() != nil {
		if logger == nil {
			logger = logrus.StandardLogger()
		}
		logger.Warn("interpolating the direct beam onto new wavelength bins; its variances are dropped")
		arr = arr.WithoutVariances()
	}
	xs := coord.Values()
	if directBeam.IsEdgeCoord(dim) {
		m, err := coord.Midpoints(dim)
		if err != nil {
			return nil, err
		}
		xs = m.Values()
	}
	mids, err := bins.Midpoints(dim)
	if err != nil {
		return nil, err
	}

	moved, err := arr.MoveToEnd(dim)
	if err != nil {
		return nil, err
	}
	n := len(xs)
	lanes := moved.Len() / n
	src := moved.Values()
	out := make([]float64, lanes*mids.Len())
	for lane := 0; lane < lanes; lane++ {
		ys := src[lane*n : (lane+1)*n]
		var pl interp.PiecewiseLinear
		if err := pl.Fit(xs, ys); err != nil {
			return nil, fmt.Errorf("iofq: fitting direct beam: %w", err)
		}
		for i, x := range mids.Values() {
			out[lane*mids.Len()+i] = predictExtrapolated(&pl, xs, ys, x)
		}
	}
	outDims := moved.Dims()
	outShape := moved.Shape()
	outShape[len(outShape)-1] = mids.Len()
	re, err := nd.NewArray(outDims, outShape, out, nil)
	if err != nil {
		return nil, err
	}
	re, err = re.Transpose(arr.Dims()...)
	if err != nil {
		return nil, err
	}
	res := sansdata.NewDense(re).WithCoord(dim, bins)
	for _, name := range directBeam.CoordNames() {
		if name == dim {
			continue
		}
		if c, _ := directBeam.Coord(name); !c.HasDim(dim) {
			res = res.WithCoord(name, c)
		}
	}
	return res, nil
}

// predictExtrapolated evaluates the fit inside the sample range and
// extends the boundary segment slopes outside it.
func predictExtrapolated(pl *interp.PiecewiseLinear, xs, ys []float64, x float64) float64 {
	n := len(xs)
	switch {
	case x < xs[0]:
		slope := (ys[1] - ys[0]) / (xs[1] - xs[0])
		return ys[0] + slope*(x-xs[0])
	case x > xs[n-1]:
		slope := (ys[n-1] - ys[n-2]) / (xs[n-1] - xs[n-2])
		return ys[n-1] + slope*(x-xs[n-1])
	}
	return pl.Predict(x)
}

// reduceDims lists the data dims to reduce away: everything except the
// wavelength dim and any dims the caller keeps.
func reduceDims(da *sansdata.DataArray, keep []string) []string {
	keepSet := make(map[string]bool, len(keep)+1)
	keepSet[conversions.CoordWavelength] = true
	for _, d := range keep {
		keepSet[d] = true
	}
	var out []string
	for _, d := range da.Dims() {
		if !keepSet[d] {
			out = append(out, d)
		}
	}
	return out
}

// BinInQ reduces all detector dims into bins of momentum transfer. Event
// data concatenates the per-pixel event lists, excluding masked pixels,
// and regroups by the Q event coordinate; dense data histograms by its Q
// coordinate. Dims listed in dimsToKeep survive the reduction.
func BinInQ(da *sansdata.DataArray, qEdges *nd.Array, dimsToKeep []string) (*sansdata.DataArray, error) {
	if da.IsBinned() {
		src := da
		if reduce := reduceDims(da, dimsToKeep); len(reduce) > 0 {
			var err error
			src, err = src.ConcatAcross(reduce...)
			if err != nil {
				return nil, err
			}
		}
		return src.BinBy(conversions.CoordQ, qEdges)
	}
	return da.Hist(conversions.CoordQ, qEdges, dimsToKeep...)
}

// BinInQxy reduces the detector dims into a two-dimensional grid of the
// detector-plane momentum-transfer components, with Qy outermost.
func BinInQxy(da *sansdata.DataArray, qxEdges, qyEdges *nd.Array, dimsToKeep []string) (*sansdata.DataArray, error) {
	if da.IsBinned() {
		src := da
		if reduce := reduceDims(da, dimsToKeep); len(reduce) > 0 {
			var err error
			src, err = src.ConcatAcross(reduce...)
			if err != nil {
				return nil, err
			}
		}
		return src.BinBy2D(conversions.CoordQy, qyEdges, conversions.CoordQx, qxEdges)
	}
	return da.Hist2D(conversions.CoordQy, qyEdges, conversions.CoordQx, qxEdges, dimsToKeep...)
}

// bandPairs extracts the per-band wavelength bounds from a band table: a
// 1-D pair for a single band or rows of a 2-D table.
func bandPairs(bands *nd.Array) ([][2]float64, error) {
	switch bands.NDim() {
	case 1:
		if bands.Len() != 2 {
			return nil, fmt.Errorf("iofq: a 1-D band table must hold exactly two bounds, found %d", bands.Len())
		}
		return [][2]float64{{bands.Values()[0], bands.Values()[1]}}, nil
	case 2:
		sz, ok := bands.Size(conversions.CoordWavelength)
		if !ok || sz != 2 {
			return nil, fmt.Errorf("iofq: a 2-D band table needs a %s dim of size two", conversions.CoordWavelength)
		}
		b := bands
		dims := bands.Dims()
		if dims[len(dims)-1] != conversions.CoordWavelength {
			var err error
			b, err = bands.MoveToEnd(conversions.CoordWavelength)
			if err != nil {
				return nil, err
			}
		}
		v := b.Values()
		out := make([][2]float64, len(v)/2)
		for i := range out {
			out[i] = [2]float64{v[2*i], v[2*i+1]}
		}
		return out, nil
	}
	return nil, fmt.Errorf("iofq: band table must be one- or two-dimensional, found %d dims", bands.NDim())
}

// flattenBands builds the sorted list of all band bounds, keeping
// duplicates so adjacent bands become zero-width separator bins.
func flattenBands(pairs [][2]float64) *nd.Array {
	vals := make([]float64, 0, 2*len(pairs))
	for _, p := range pairs {
		vals = append(vals, p[0], p[1])
	}
	sort.Float64s(vals)
	return nd.FromValues(conversions.CoordWavelength, vals...)
}

// bandTable rebuilds the (band, bounds) annotation attached to banded
// results.
func bandTable(pairs [][2]float64) (*nd.Array, error) {
	vals := make([]float64, 0, 2*len(pairs))
	for _, p := range pairs {
		vals = append(vals, p[0], p[1])
	}
	return nd.NewArray([]string{"band", conversions.CoordWavelength}, []int{len(pairs), 2}, vals, nil)
}

// reduceBanded slices the data into wavelength bands, applies bin to each
// band and stacks the results along a band dim. A nil band table reduces
// the full range in one go without annotation. Event data is grouped by
// wavelength once so each band selects whole groups.
func reduceBanded(
	da *sansdata.DataArray,
	bands *nd.Array,
	dimsToKeep []string,
	bin func(*sansdata.DataArray) (*sansdata.DataArray, error),
) (*sansdata.DataArray, error) {
	if bands == nil {
		return bin(da)
	}
	pairs, err := bandPairs(bands)
	if err != nil {
		return nil, err
	}
	parts := make([]*sansdata.DataArray, 0, len(pairs))
	if da.IsBinned() {
		src := da
		if reduce := reduceDims(da, dimsToKeep); len(reduce) > 0 {
			src, err = src.ConcatAcross(reduce...)
			if err != nil {
				return nil, err
			}
		}
		grouped, err := src.BinBy(conversions.CoordWavelength, flattenBands(pairs))
		if err != nil {
			return nil, err
		}
		for _, p := range pairs {
			sliced, err := grouped.LabelSlice(conversions.CoordWavelength, p[0], p[1])
			if err != nil {
				return nil, err
			}
			merged, err := sliced.ConcatAcross(conversions.CoordWavelength)
			if err != nil {
				return nil, err
			}
			part, err := bin(merged)
			if err != nil {
				return nil, err
			}
			parts = append(parts, part)
		}
	} else {
		for _, p := range pairs {
			sliced, err := da.LabelSlice(conversions.CoordWavelength, p[0], p[1])
			if err != nil {
				return nil, err
			}
			part, err := bin(sliced)
			if err != nil {
				return nil, err
			}
			parts = append(parts, part)
		}
	}
	if len(parts) == 1 {
		return parts[0].WithCoord(conversions.CoordWavelength,
			nd.FromValues(conversions.CoordWavelength, pairs[0][0], pairs[0][1])), nil
	}
	out, err := sansdata.Concat(parts, "band")
	if err != nil {
		return nil, err
	}
	table, err := bandTable(pairs)
	if err != nil {
		return nil, err
	}
	return out.WithCoord(conversions.CoordWavelength, table), nil
}

// ReduceQ reduces the data to I(Q) bins, optionally split into wavelength
// bands stacked along a band dim. The band bounds are attached as the
// wavelength coordinate of the result.
func ReduceQ(da *sansdata.DataArray, qEdges *nd.Array, bands *nd.Array, dimsToKeep []string) (*sansdata.DataArray, error) {
	return reduceBanded(da, bands, dimsToKeep, func(part *sansdata.DataArray) (*sansdata.DataArray, error) {
		return BinInQ(part, qEdges, dimsToKeep)
	})
}

// ReduceQxy reduces the data to the (Qy, Qx) grid, optionally split into
// wavelength bands.
func ReduceQxy(da *sansdata.DataArray, qxEdges, qyEdges *nd.Array, bands *nd.Array, dimsToKeep []string) (*sansdata.DataArray, error) {
	return reduceBanded(da, bands, dimsToKeep, func(part *sansdata.DataArray) (*sansdata.DataArray, error) {
		return BinInQxy(part, qxEdges, qyEdges, dimsToKeep)
	})
}

// MergeContributions combines detector banks or repeated runs with
// identical layout into one array: dense counts add, event lists
// concatenate cell-wise.
func MergeContributions(contributions ...*sansdata.DataArray) (*sansdata.DataArray, error) {
	return sansdata.Merge(contributions)
}

// SubtractBackground removes the background run's intensity from the
// sample run's. With returnEvents set and both sides in event mode the
// background events are negated and merged so the result stays an event
// list; otherwise both sides are histogrammed and subtracted.
func SubtractBackground(
	sample sansdata.RunData[sansdata.SampleRun],
	background sansdata.RunData[sansdata.BackgroundRun],
	returnEvents bool,
) (*sansdata.DataArray, error) {
	s, b := sample.DataArray, background.DataArray
	if returnEvents && s.IsBinned() && b.IsBinned() {
		neg, err := b.ScaleEvents(-1)
		if err != nil {
			return nil, err
		}
		return sansdata.Merge([]*sansdata.DataArray{s, neg})
	}
	var err error
	if s.IsBinned() {
		s, err = s.HistCells()
		if err != nil {
			return nil, err
		}
	}
	if b.IsBinned() {
		b, err = b.HistCells()
		if err != nil {
			return nil, err
		}
	}
	return sansdata.Subtract(s, b)
}
