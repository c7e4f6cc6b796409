// Package directbeam computes the wavelength-dependent direct-beam
// efficiency of the detector by fixed-point iteration. The scattering
// intensity reduced over the full wavelength range and the intensities
// reduced inside narrower wavelength bands must overlap when the direct
// beam is correct; each iteration scales the function per band by the
// median band-to-full intensity ratio and anchors the absolute level to a
// reference intensity at the lowest momentum-transfer bin.
package directbeam

import (
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"sansred/pkg/conversions"
	"sansred/pkg/iofq"
	"sansred/pkg/nd"
	"sansred/pkg/normalization"
	"sansred/pkg/sansdata"
	"sansred/pkg/uncertainty"
)

// DefaultIterations is the fixed iteration count used when Params leaves
// Iterations at zero.
const DefaultIterations = 5

const bandDim = "band"

// Parts holds one run's reduction parts, already binned in momentum
// transfer but still resolved in wavelength. The solver sums them per
// wavelength band and normalizes inside the iteration loop, which keeps
// the expensive per-pixel reduction outside of it.
type Parts struct {
	// Numerator is the Q-binned detector signal. Event data is
	// histogrammed onto the wavelength bins once up front; dense data
	// must either carry a one-dimensional wavelength coordinate or have a
	// wavelength dim matching the bins.
	Numerator sansdata.Part[sansdata.Numerator]
	// Denominator is the dense normalization term, computed without any
	// direct-beam factor. The solver multiplies the current direct-beam
	// function into it on every iteration.
	Denominator sansdata.Part[sansdata.Denominator]
}

// Params configures the direct-beam solver.
type Params struct {
	// Sample and Background are the reduction parts of the two runs.
	Sample     Parts
	Background Parts
	// WavelengthBins are the bin edges of the wavelength grid the parts
	// live on.
	WavelengthBins *nd.Array
	// Bands defines the wavelength sub-ranges whose intensities are
	// compared against the full range: a 1-D array of edges, one band per
	// adjacent pair, or a 2-D (band, wavelength) table of explicit
	// bounds. At least two bands are needed.
	Bands *nd.Array
	// I0 is the known intensity of the sample at the lowest
	// momentum-transfer bin, anchoring the absolute scale.
	I0 float64
	// Iterations is the number of fixed-point iterations; zero means
	// DefaultIterations.
	Iterations int
	// Tolerance, when positive, stops the iteration early once every
	// value of the direct-beam function changes by less than this
	// fraction between consecutive iterations. Zero keeps the fixed
	// iteration count.
	Tolerance float64
	// Logger receives per-iteration progress. Nil disables logging.
	Logger *logrus.Logger
}

// Iteration is the state captured after one solver iteration.
type Iteration struct {
	// IofQFull is the background-subtracted intensity reduced over the
	// full wavelength range, using the direct-beam function of the
	// previous iteration.
	IofQFull *sansdata.DataArray
	// IofQBands is the same intensity reduced per wavelength band,
	// stacked along a band dim.
	IofQBands *sansdata.DataArray
	// DirectBeam is the direct-beam function on its native band grid
	// after this iteration's update.
	DirectBeam *sansdata.DataArray
}

// Solve iterates the direct-beam function to a fixed point. Each
// iteration reduces the full-range and per-band intensities with the
// current function, multiplies the function per band by the median of
// the valid band-to-full intensity ratios together with the scale
// anchoring the lowest-Q full-range intensity to I0, and rescales the
// denominator parts with the updated function resampled onto the
// wavelength bins. The returned slice holds one entry per iteration so
// convergence can be inspected afterwards.
func Solve(p Params) ([]Iteration, error) {
	if p.Sample.Numerator.DataArray == nil || p.Sample.Denominator.DataArray == nil {
		return nil, fmt.Errorf("directbeam: the sample parts are required")
	}
	if p.Background.Numerator.DataArray == nil || p.Background.Denominator.DataArray == nil {
		return nil, fmt.Errorf("directbeam: the background parts are required")
	}
	if p.WavelengthBins == nil {
		return nil, fmt.Errorf("directbeam: wavelength bins are required")
	}
	if p.WavelengthBins.NDim() != 1 || p.WavelengthBins.Len() < 2 {
		return nil, fmt.Errorf("directbeam: wavelength bins must be a 1-D array of at least two edges")
	}
	if !(p.I0 > 0) || math.IsInf(p.I0, 0) {
		return nil, fmt.Errorf("directbeam: the reference intensity I0 must be positive and finite, found %v", p.I0)
	}
	niter := p.Iterations
	if niter == 0 {
		niter = DefaultIterations
	}
	if niter < 0 {
		return nil, fmt.Errorf("directbeam: the iteration count must be positive, found %d", niter)
	}

	wav := p.WavelengthBins.Values()
	table, err := normalization.ProcessWavelengthBands(p.Bands, wav[0], wav[len(wav)-1])
	if err != nil {
		return nil, err
	}
	pairs, err := normalization.BandBounds(table)
	if err != nil {
		return nil, err
	}
	if len(pairs) < 2 {
		return nil, fmt.Errorf("directbeam: the band table defines a single band, the solver needs at least two")
	}
	fullLo, fullHi := pairs[0][0], pairs[0][1]
	for _, pr := range pairs {
		fullLo = math.Min(fullLo, math.Min(pr[0], pr[1]))
		fullHi = math.Max(fullHi, math.Max(pr[0], pr[1]))
	}

	sampleNum, err := prepareNumerator(p.Sample.Numerator.DataArray, p.WavelengthBins)
	if err != nil {
		return nil, fmt.Errorf("directbeam: sample numerator: %w", err)
	}
	sampleDen0, err := prepareDenominator(p.Sample.Denominator.DataArray, p.WavelengthBins)
	if err != nil {
		return nil, fmt.Errorf("directbeam: sample denominator: %w", err)
	}
	bgNum, err := prepareNumerator(p.Background.Numerator.DataArray, p.WavelengthBins)
	if err != nil {
		return nil, fmt.Errorf("directbeam: background numerator: %w", err)
	}
	bgDen0, err := prepareDenominator(p.Background.Denominator.DataArray, p.WavelengthBins)
	if err != nil {
		return nil, fmt.Errorf("directbeam: background denominator: %w", err)
	}

	mids, err := p.WavelengthBins.Midpoints(conversions.CoordWavelength)
	if err != nil {
		return nil, err
	}

	var function *sansdata.DataArray
	var prev []float64
	sampleDen, bgDen := sampleDen0, bgDen0
	results := make([]Iteration, 0, niter)

	for it := 0; it < niter; it++ {
		full, err := subtractedIofQ(sampleNum, sampleDen, bgNum, bgDen, fullLo, fullHi)
		if err != nil {
			return nil, fmt.Errorf("directbeam: full-range intensity: %w", err)
		}
		full = full.WithCoord(conversions.CoordWavelength,
			nd.FromValues(conversions.CoordWavelength, fullLo, fullHi))

		curves := make([]*sansdata.DataArray, len(pairs))
		for i, pr := range pairs {
			curves[i], err = subtractedIofQ(sampleNum, sampleDen, bgNum, bgDen, pr[0], pr[1])
			if err != nil {
				return nil, fmt.Errorf("directbeam: band %d intensity: %w", i, err)
			}
		}
		banded, err := sansdata.Concat(curves, bandDim)
		if err != nil {
			return nil, fmt.Errorf("directbeam: stacking band intensities: %w", err)
		}
		banded = banded.WithCoord(conversions.CoordWavelength, table)

		if function == nil {
			function, err = flatFunction(banded, pairs)
			if err != nil {
				return nil, err
			}
		}
		correction, err := efficiencyCorrection(full, banded, p.I0)
		if err != nil {
			return nil, err
		}
		function, err = sansdata.Multiply(function, sansdata.NewDense(correction))
		if err != nil {
			return nil, fmt.Errorf("directbeam: applying the efficiency correction: %w", err)
		}

		// The parts were computed without any direct beam, so each
		// iteration rescales the originals rather than the previous
		// iteration's denominators.
		resampled, err := iofq.ResampleDirectBeam(function, p.WavelengthBins, p.Logger)
		if err != nil {
			return nil, fmt.Errorf("directbeam: resampling onto the wavelength bins: %w", err)
		}
		resampled = resampled.WithCoord(conversions.CoordWavelength, mids)
		sampleDen, err = sansdata.Multiply(sampleDen0, resampled)
		if err != nil {
			return nil, fmt.Errorf("directbeam: rescaling the sample denominator: %w", err)
		}
		bgDen, err = sansdata.Multiply(bgDen0, resampled)
		if err != nil {
			return nil, fmt.Errorf("directbeam: rescaling the background denominator: %w", err)
		}

		results = append(results, Iteration{
			IofQFull:   full,
			IofQBands:  banded,
			DirectBeam: function.Copy(),
		})

		vals, _ := function.Dense()
		change := maxRelativeChange(prev, vals.Values())
		if p.Logger != nil {
			p.Logger.WithFields(logrus.Fields{
				"iteration": it + 1,
				"change":    change,
			}).Debug("direct-beam iteration finished")
		}
		if p.Tolerance > 0 && prev != nil && change <= p.Tolerance {
			if p.Logger != nil {
				p.Logger.WithField("iterations", it+1).Info("direct-beam function converged early")
			}
			break
		}
		prev = append(prev[:0], vals.Values()...)
	}
	return results, nil
}

// prepareNumerator brings a Q-binned numerator part onto the wavelength
// bins and strips its variances. Event data is histogrammed; dense data is
// accepted as-is when it carries a sliceable wavelength coordinate, or has
// the bins attached when its wavelength dim matches them.
func prepareNumerator(da *sansdata.DataArray, bins *nd.Array) (*sansdata.DataArray, error) {
	if da.IsBinned() {
		hist, err := da.Hist(conversions.CoordWavelength, bins)
		if err != nil {
			return nil, err
		}
		da = hist
	} else {
		da2, err := ensureWavelengthCoord(da, bins, false)
		if err != nil {
			return nil, err
		}
		da = da2
	}
	if !da.HasDim(conversions.CoordQ) {
		return nil, sansdata.Dimensionf("the numerator must be binned in %s, found dims %v", conversions.CoordQ, da.Dims())
	}
	return uncertainty.Dropped(da), nil
}

// prepareDenominator validates a dense Q-binned denominator part and
// strips its variances. A bin-edge wavelength coordinate is converted to
// midpoints, the form the per-iteration rescaling aligns on.
func prepareDenominator(da *sansdata.DataArray, bins *nd.Array) (*sansdata.DataArray, error) {
	if da.IsBinned() {
		return nil, fmt.Errorf("the denominator cannot be event data")
	}
	da, err := ensureWavelengthCoord(da, bins, true)
	if err != nil {
		return nil, err
	}
	if c, ok := da.Coord(conversions.CoordWavelength); ok && da.IsEdgeCoord(conversions.CoordWavelength) {
		mids, err := c.Midpoints(conversions.CoordWavelength)
		if err != nil {
			return nil, err
		}
		da = da.WithCoord(conversions.CoordWavelength, mids)
	}
	if !da.HasDim(conversions.CoordQ) {
		return nil, sansdata.Dimensionf("the denominator must be binned in %s, found dims %v", conversions.CoordQ, da.Dims())
	}
	return uncertainty.Dropped(da), nil
}

// ensureWavelengthCoord guarantees a one-dimensional wavelength
// coordinate for label slicing, attaching the bin edges or their
// midpoints when the data's wavelength dim matches the bins.
func ensureWavelengthCoord(da *sansdata.DataArray, bins *nd.Array, midpoints bool) (*sansdata.DataArray, error) {
	if c, ok := da.Coord(conversions.CoordWavelength); ok && c.NDim() == 1 {
		return da, nil
	}
	sz, ok := da.Size(conversions.CoordWavelength)
	if !ok {
		return nil, sansdata.Dimensionf("the data has no %s dim, found %v", conversions.CoordWavelength, da.Dims())
	}
	if sz != bins.Len()-1 {
		return nil, sansdata.Dimensionf("the %s dim has %d bins but the wavelength bins define %d",
			conversions.CoordWavelength, sz, bins.Len()-1)
	}
	if midpoints {
		mids, err := bins.Midpoints(conversions.CoordWavelength)
		if err != nil {
			return nil, err
		}
		return da.WithCoord(conversions.CoordWavelength, mids), nil
	}
	return da.WithCoord(conversions.CoordWavelength, bins), nil
}

// subtractedIofQ normalizes the sample and background parts inside one
// wavelength range and subtracts the background intensity.
func subtractedIofQ(sampleNum, sampleDen, bgNum, bgDen *sansdata.DataArray, lo, hi float64) (*sansdata.DataArray, error) {
	sample, err := bandIofQ(sampleNum, sampleDen, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("sample: %w", err)
	}
	background, err := bandIofQ(bgNum, bgDen, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("background: %w", err)
	}
	return sansdata.Subtract(sample, background)
}

// bandIofQ sums one run's parts over a wavelength range and divides.
func bandIofQ(num, den *sansdata.DataArray, lo, hi float64) (*sansdata.DataArray, error) {
	n, err := rangeSum(num, lo, hi)
	if err != nil {
		return nil, err
	}
	d, err := rangeSum(den, lo, hi)
	if err != nil {
		return nil, err
	}
	return normalization.Normalize(
		sansdata.TagPart[sansdata.Numerator](n),
		sansdata.TagPart[sansdata.Denominator](d),
		false, uncertainty.Drop)
}

func rangeSum(da *sansdata.DataArray, lo, hi float64) (*sansdata.DataArray, error) {
	sliced, err := da.LabelSlice(conversions.CoordWavelength, lo, hi)
	if err != nil {
		return nil, err
	}
	return sliced.SumDims(conversions.CoordWavelength)
}

// flatFunction builds the initial uniform direct-beam function: ones over
// the banded intensity's dims, with the band midpoints as its wavelength
// coordinate.
func flatFunction(banded *sansdata.DataArray, pairs [][2]float64) (*sansdata.DataArray, error) {
	arr, ok := banded.Dense()
	if !ok {
		return nil, fmt.Errorf("directbeam: the band intensities must be dense")
	}
	moved, err := arr.MoveToEnd(conversions.CoordQ)
	if err != nil {
		return nil, err
	}
	dims := moved.Dims()
	shape := moved.Shape()
	ones := nd.Ones(renameBand(dims[:len(dims)-1]), shape[:len(shape)-1])
	mids := make([]float64, len(pairs))
	for i, pr := range pairs {
		mids[i] = 0.5 * (pr[0] + pr[1])
	}
	return sansdata.NewDense(ones).
		WithCoord(conversions.CoordWavelength, nd.FromValues(conversions.CoordWavelength, mids...)), nil
}

// efficiencyCorrection computes the per-band factor to apply to the
// direct-beam function: the median of the valid band-to-full intensity
// ratios per band, times the scale matching the lowest-Q full-range
// intensity to the reference I0. Ratios that are not positive and finite
// are excluded from the median.
func efficiencyCorrection(full, banded *sansdata.DataArray, i0 float64) (*nd.Array, error) {
	fArr, ok := full.Dense()
	if !ok {
		return nil, fmt.Errorf("directbeam: the full-range intensity must be dense")
	}
	bArr, ok := banded.Dense()
	if !ok {
		return nil, fmt.Errorf("directbeam: the band intensities must be dense")
	}
	fm, err := fArr.MoveToEnd(conversions.CoordQ)
	if err != nil {
		return nil, err
	}
	bm, err := bArr.MoveToEnd(conversions.CoordQ)
	if err != nil {
		return nil, err
	}
	dims := bm.Dims()
	shape := bm.Shape()
	nq := shape[len(shape)-1]
	if fsz, _ := fm.Size(conversions.CoordQ); fsz != nq {
		return nil, sansdata.Dimensionf("the full-range and band intensities disagree on the %s binning: %d vs %d",
			conversions.CoordQ, fsz, nq)
	}
	fullLanes := fm.Len() / nq
	lanes := bm.Len() / nq
	if fullLanes == 0 || lanes%fullLanes != 0 {
		return nil, sansdata.Dimensionf("the band intensity dims %v do not extend the full-range dims %v",
			bm.Dims(), fm.Dims())
	}

	fvals := fm.Values()
	bvals := bm.Values()
	eff := make([]float64, lanes)
	ratios := make([]float64, 0, nq)
	for lane := 0; lane < lanes; lane++ {
		fbase := (lane % fullLanes) * nq
		bbase := lane * nq
		ratios = ratios[:0]
		for i := 0; i < nq; i++ {
			r := bvals[bbase+i] / fvals[fbase+i]
			if r > 0 && !math.IsInf(r, 1) {
				ratios = append(ratios, r)
			}
		}
		if len(ratios) == 0 {
			return nil, fmt.Errorf("directbeam: no valid band-to-full intensity ratio in band %d", lane/fullLanes)
		}
		scale := fvals[fbase] / i0
		eff[lane] = median(ratios) * scale
	}
	return nd.NewArray(renameBand(dims[:len(dims)-1]), shape[:len(shape)-1], eff, nil)
}

// renameBand maps the band dim to the wavelength dim so the correction
// aligns with the direct-beam function.
func renameBand(dims []string) []string {
	out := make([]string, len(dims))
	for i, d := range dims {
		if d == bandDim {
			out[i] = conversions.CoordWavelength
		} else {
			out[i] = d
		}
	}
	return out
}

// median of the values; the slice is sorted in place.
func median(vals []float64) float64 {
	sort.Float64s(vals)
	n := len(vals)
	if n%2 == 1 {
		return vals[n/2]
	}
	return 0.5 * (vals[n/2-1] + vals[n/2])
}

// maxRelativeChange is the largest per-value change between consecutive
// direct-beam functions, relative to the previous value where nonzero.
func maxRelativeChange(prev, cur []float64) float64 {
	if prev == nil || len(prev) != len(cur) {
		return math.Inf(1)
	}
	change := 0.0
	for i, v := range cur {
		d := math.Abs(v - prev[i])
		if prev[i] != 0 {
			d /= math.Abs(prev[i])
		}
		if d > change {
			change = d
		}
	}
	return change
}
