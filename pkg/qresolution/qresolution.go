// Package qresolution computes the momentum-transfer resolution of a
// pinhole-collimation instrument. The per-pixel width combines the
// Mildner-Carpenter geometric term of the apertures, flight paths and
// detector ring with the wavelength spread of the bin width and the
// moderator emission time; reducing over pixels pools the widths into
// (wavelength, Q) bins and wavelength bands.
package qresolution

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"sansred/pkg/conversions"
	"sansred/pkg/iofq"
	"sansred/pkg/masking"
	"sansred/pkg/nd"
	"sansred/pkg/normalization"
	"sansred/pkg/sansdata"
)

// WavelengthMaskName is the mask ByWavelength attaches for the excluded
// wavelength range.
const WavelengthMaskName = "wavelength_mask"

// moderatorHeaderLines precede the data rows of an ISIS moderator file.
const moderatorHeaderLines = 5

const microsecond = 1e-6

// Params holds the beamline geometry entering the resolution width. All
// lengths are in meters.
type Params struct {
	// DeltaR is the width of the virtual rings the detector is divided
	// into.
	DeltaR float64
	// SampleApertureRadius is the radius of the aperture at the sample,
	// R2 in the Mildner-Carpenter terms.
	SampleApertureRadius float64
	// SourceApertureRadius is the radius of the aperture at the source
	// end of the collimation, R1.
	SourceApertureRadius float64
	// CollimationLength is the source-aperture to sample distance.
	CollimationLength float64
}

func (p Params) validate() error {
	if !(p.DeltaR > 0) {
		return fmt.Errorf("qresolution: the virtual ring width must be positive, found %v", p.DeltaR)
	}
	if !(p.SampleApertureRadius > 0) {
		return fmt.Errorf("qresolution: the sample aperture radius must be positive, found %v", p.SampleApertureRadius)
	}
	if !(p.SourceApertureRadius > 0) {
		return fmt.Errorf("qresolution: the source aperture radius must be positive, found %v", p.SourceApertureRadius)
	}
	if !(p.CollimationLength > 0) {
		return fmt.Errorf("qresolution: the collimation length must be positive, found %v", p.CollimationLength)
	}
	return nil
}

// LoadModeratorSpread parses an ISIS moderator file: five header lines,
// then rows holding the wavelength in angstrom, the moderator
// emission-time spread in microseconds and an ignored error column. The
// spreads are returned on a wavelength point grid, converted to seconds,
// the unit flight times carry everywhere else in the pipeline.
func LoadModeratorSpread(r io.Reader) (*sansdata.DataArray, error) {
	sc := bufio.NewScanner(r)
	var wav, spread []float64
	line := 0
	for sc.Scan() {
		line++
		if line <= moderatorHeaderLines {
			continue
		}
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 2 {
			return nil, fmt.Errorf("qresolution: moderator table line %d: need a wavelength and a time spread, found %d fields", line, len(fields))
		}
		w, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, fmt.Errorf("qresolution: moderator table line %d: %w", line, err)
		}
		t, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("qresolution: moderator table line %d: %w", line, err)
		}
		if len(wav) > 0 && w <= wav[len(wav)-1] {
			return nil, fmt.Errorf("qresolution: moderator table line %d: wavelengths must be ascending", line)
		}
		wav = append(wav, w)
		spread = append(spread, t*microsecond)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("qresolution: reading moderator table: %w", err)
	}
	if len(wav) < 2 {
		return nil, fmt.Errorf("qresolution: moderator table needs at least two rows, found %d", len(wav))
	}
	data, err := nd.NewArray([]string{conversions.CoordWavelength}, []int{len(spread)}, spread, nil)
	if err != nil {
		return nil, err
	}
	return sansdata.NewDense(data).
		WithCoord(conversions.CoordWavelength, nd.FromValues(conversions.CoordWavelength, wav...)), nil
}

// LoadModeratorFile parses an ISIS moderator file by path.
func LoadModeratorFile(path string) (*sansdata.DataArray, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("qresolution: error opening moderator table: %w", err)
	}
	defer f.Close()
	return LoadModeratorSpread(f)
}

// WavelengthSpread converts the moderator's emission-time spread into a
// per-pixel wavelength spread: the spread is interpolated onto the
// wavelength bins and scaled by the time-of-flight to wavelength factor
// over each pixel's total flight path. The result spans the detector
// dims and the wavelength bins, with the bin edges attached.
func WavelengthSpread(spread, detector *sansdata.DataArray, g *conversions.Graph, bins *nd.Array) (*sansdata.DataArray, error) {
	resampled, err := iofq.ResampleDirectBeam(spread, bins, nil)
	if err != nil {
		return nil, fmt.Errorf("qresolution: resampling the moderator spread: %w", err)
	}
	dtof, _ := resampled.Dense()
	withL, err := g.Transform(detector, conversions.CoordLtotal)
	if err != nil {
		return nil, fmt.Errorf("qresolution: deriving the flight path: %w", err)
	}
	ltotal, ok := withL.Coord(conversions.CoordLtotal)
	if !ok {
		return nil, fmt.Errorf("qresolution: the geometry graph produced no %s coordinate", conversions.CoordLtotal)
	}
	perPath, err := nd.Div(nd.Scalar(1), ltotal)
	if err != nil {
		return nil, err
	}
	sigma, err := nd.Mul(perPath, dtof.WithoutVariances())
	if err != nil {
		return nil, fmt.Errorf("qresolution: spreading over the flight paths: %w", err)
	}
	sigma = nd.Scale(sigma, conversions.TofToWavelength)
	return sansdata.NewDense(sigma).WithCoord(conversions.CoordWavelength, bins), nil
}

// ByPixel computes the momentum-transfer resolution width for every
// detector pixel and wavelength bin. The detector term is the dense,
// Q-converted normalization denominator, which fixes the Q values and
// masks without depending on the measured counts. Its data is replaced by
//
//	sigma_Q^2 = (pi^2/3) [3(R1/L1)^2 + 3(R2/L3)^2 + (dR/L2)^2] / lambda^2
//	          + Q^2 (dlambda^2/12 + sigma_mod^2) / lambda^2
//
// where L3 merges the collimation length and the sample-to-pixel
// distance. Coordinates and masks carry over; variances do not, the
// width is a derived quantity.
func ByPixel(detector, sigmaModerator *sansdata.DataArray, g *conversions.Graph, bins *nd.Array, p Params) (*sansdata.DataArray, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	arr, ok := detector.Dense()
	if !ok {
		return nil, fmt.Errorf("qresolution: the detector term must be dense")
	}
	smod, ok := sigmaModerator.Dense()
	if !ok {
		return nil, fmt.Errorf("qresolution: the moderator wavelength spread must be dense")
	}
	if bins == nil || bins.NDim() != 1 || bins.Len() < 2 {
		return nil, fmt.Errorf("qresolution: wavelength bins must be a 1-D array of at least two edges")
	}
	withL, err := g.Transform(detector, conversions.CoordL2)
	if err != nil {
		return nil, fmt.Errorf("qresolution: deriving the secondary flight path: %w", err)
	}
	l2, ok := withL.Coord(conversions.CoordL2)
	if !ok {
		return nil, fmt.Errorf("qresolution: the geometry graph produced no %s coordinate", conversions.CoordL2)
	}
	lam, ok := detector.Coord(conversions.CoordWavelength)
	if !ok {
		return nil, fmt.Errorf("qresolution: the detector term has no %s coordinate", conversions.CoordWavelength)
	}
	if detector.IsEdgeCoord(conversions.CoordWavelength) {
		lam, err = lam.Midpoints(conversions.CoordWavelength)
		if err != nil {
			return nil, err
		}
	}
	q, ok := detector.Coord(conversions.CoordQ)
	if !ok {
		return nil, fmt.Errorf("qresolution: the detector term has no %s coordinate, convert it first", conversions.CoordQ)
	}

	r1lc := p.SourceApertureRadius / p.CollimationLength
	pv := make([]float64, l2.Len())
	for i, d := range l2.Values() {
		l3 := 1 / (1/p.CollimationLength + 1/d)
		r2l3 := p.SampleApertureRadius / l3
		drl2 := p.DeltaR / d
		pv[i] = 3*(r1lc*r1lc+r2l3*r2l3) + drl2*drl2
	}
	pixelTerm, err := nd.NewArray(l2.Dims(), l2.Shape(), pv, nil)
	if err != nil {
		return nil, err
	}

	lam2, err := nd.Mul(lam, lam)
	if err != nil {
		return nil, fmt.Errorf("qresolution: geometric term: %w", err)
	}
	invLambda2, err := nd.Div(nd.Scalar(1), lam2)
	if err != nil {
		return nil, fmt.Errorf("qresolution: geometric term: %w", err)
	}
	geometric, err := nd.Mul(pixelTerm, invLambda2)
	if err != nil {
		return nil, fmt.Errorf("qresolution: geometric term: %w", err)
	}
	geometric = nd.Scale(geometric, math.Pi*math.Pi/3)

	bv := bins.Values()
	dl := make([]float64, len(bv)-1)
	for i := range dl {
		d := bv[i+1] - bv[i]
		dl[i] = d * d / 12
	}
	binTerm, err := nd.NewArray([]string{conversions.CoordWavelength}, []int{len(dl)}, dl, nil)
	if err != nil {
		return nil, err
	}
	smod2, err := nd.Mul(smod.WithoutVariances(), smod.WithoutVariances())
	if err != nil {
		return nil, fmt.Errorf("qresolution: wavelength-spread term: %w", err)
	}
	sigmaLambda2, err := nd.Add(smod2, binTerm)
	if err != nil {
		return nil, fmt.Errorf("qresolution: wavelength-spread term: %w", err)
	}
	q2, err := nd.Mul(q, q)
	if err != nil {
		return nil, fmt.Errorf("qresolution: wavelength-spread term: %w", err)
	}
	moderator, err := nd.Mul(q2, sigmaLambda2)
	if err != nil {
		return nil, fmt.Errorf("qresolution: wavelength-spread term: %w", err)
	}
	moderator, err = nd.Mul(moderator, invLambda2)
	if err != nil {
		return nil, fmt.Errorf("qresolution: wavelength-spread term: %w", err)
	}

	total, err := nd.Add(geometric, moderator)
	if err != nil {
		return nil, fmt.Errorf("qresolution: combining the resolution terms: %w", err)
	}
	total, err = total.BroadcastTo(arr.Dims(), arr.Shape())
	if err != nil {
		return nil, fmt.Errorf("qresolution: combining the resolution terms: %w", err)
	}
	return withL.WithData(&sansdata.Dense{Array: nd.Sqrt(total)}), nil
}

// ByWavelength reduces the per-pixel resolution into momentum-transfer
// bins, keeping the wavelength dim: each (wavelength, Q) cell holds the
// mean width of the unmasked pixels falling into it, NaN where none do.
// Dims listed in dimsToKeep survive the reduction. A non-nil mask is
// attached to the result under WavelengthMaskName, marking wavelength
// rows the band reduction excludes.
func ByWavelength(resolution *sansdata.DataArray, qEdges *nd.Array, dimsToKeep []string, mask *masking.RangeMask) (*sansdata.DataArray, error) {
	sums, counts, err := sumsAndCounts(resolution, qEdges, dimsToKeep)
	if err != nil {
		return nil, err
	}
	out, err := meanOf(sums, counts)
	if err != nil {
		return nil, err
	}
	if mask != nil {
		out, err = masking.MaskRange(out, mask, WavelengthMaskName)
		if err != nil {
			return nil, fmt.Errorf("qresolution: masking the wavelength range: %w", err)
		}
	}
	return out, nil
}

// ReduceBands pools the per-pixel resolution into wavelength bands: each
// band averages the widths of every unmasked pixel and wavelength row
// inside it. The band table follows the same forms as the intensity
// reduction; nil pools the full wavelength range without a band dim.
// Multiple bands stack along a band dim with the bounds attached as the
// wavelength coordinate.
func ReduceBands(resolution *sansdata.DataArray, qEdges, bands *nd.Array, dimsToKeep []string, mask *masking.RangeMask) (*sansdata.DataArray, error) {
	sums, counts, err := sumsAndCounts(resolution, qEdges, dimsToKeep)
	if err != nil {
		return nil, err
	}
	if mask != nil {
		sums, err = masking.MaskRange(sums, mask, WavelengthMaskName)
		if err != nil {
			return nil, fmt.Errorf("qresolution: masking the wavelength range: %w", err)
		}
		counts, err = masking.MaskRange(counts, mask, WavelengthMaskName)
		if err != nil {
			return nil, fmt.Errorf("qresolution: masking the wavelength range: %w", err)
		}
	}
	wc, ok := sums.Coord(conversions.CoordWavelength)
	if !ok {
		return nil, fmt.Errorf("qresolution: the binned resolution lost its %s coordinate", conversions.CoordWavelength)
	}
	wv := wc.Values()

	if bands == nil {
		s, err := sums.SumDims(conversions.CoordWavelength)
		if err != nil {
			return nil, err
		}
		c, err := counts.SumDims(conversions.CoordWavelength)
		if err != nil {
			return nil, err
		}
		part, err := meanOf(s, c)
		if err != nil {
			return nil, err
		}
		return part.WithCoord(conversions.CoordWavelength,
			nd.FromValues(conversions.CoordWavelength, wv[0], wv[len(wv)-1])), nil
	}

	table, err := normalization.ProcessWavelengthBands(bands, wv[0], wv[len(wv)-1])
	if err != nil {
		return nil, err
	}
	pairs, err := normalization.BandBounds(table)
	if err != nil {
		return nil, err
	}
	parts := make([]*sansdata.DataArray, len(pairs))
	for i, pr := range pairs {
		s, err := rangePool(sums, pr[0], pr[1])
		if err != nil {
			return nil, fmt.Errorf("qresolution: band %d: %w", i, err)
		}
		c, err := rangePool(counts, pr[0], pr[1])
		if err != nil {
			return nil, fmt.Errorf("qresolution: band %d: %w", i, err)
		}
		parts[i], err = meanOf(s, c)
		if err != nil {
			return nil, fmt.Errorf("qresolution: band %d: %w", i, err)
		}
	}
	if len(parts) == 1 {
		return parts[0].WithCoord(conversions.CoordWavelength,
			nd.FromValues(conversions.CoordWavelength, pairs[0][0], pairs[0][1])), nil
	}
	out, err := sansdata.Concat(parts, "band")
	if err != nil {
		return nil, fmt.Errorf("qresolution: stacking the band resolutions: %w", err)
	}
	return out.WithCoord(conversions.CoordWavelength, table), nil
}

// sumsAndCounts histograms the per-pixel widths and the bin occupancy
// into momentum-transfer bins, keeping the wavelength dim. The pair is
// the raw material of every pooled mean; masked pixels are excluded from
// both.
func sumsAndCounts(resolution *sansdata.DataArray, qEdges *nd.Array, dimsToKeep []string) (sums, counts *sansdata.DataArray, err error) {
	arr, ok := resolution.Dense()
	if !ok {
		return nil, nil, fmt.Errorf("qresolution: the per-pixel resolution must be dense")
	}
	if !resolution.HasDim(conversions.CoordWavelength) {
		return nil, nil, sansdata.Dimensionf("the per-pixel resolution must keep its %s dim, found %v",
			conversions.CoordWavelength, resolution.Dims())
	}
	if !resolution.HasCoord(conversions.CoordWavelength) {
		return nil, nil, fmt.Errorf("qresolution: the per-pixel resolution has no %s coordinate", conversions.CoordWavelength)
	}
	keep := append(append([]string(nil), dimsToKeep...), conversions.CoordWavelength)
	sums, err = resolution.Hist(conversions.CoordQ, qEdges, keep...)
	if err != nil {
		return nil, nil, fmt.Errorf("qresolution: binning the resolution in %s: %w", conversions.CoordQ, err)
	}
	ones := resolution.WithData(&sansdata.Dense{Array: nd.Ones(arr.Dims(), arr.Shape())})
	counts, err = ones.Hist(conversions.CoordQ, qEdges, keep...)
	if err != nil {
		return nil, nil, fmt.Errorf("qresolution: counting bin occupancy: %w", err)
	}
	return sums, counts, nil
}

// meanOf divides per-cell sums by occupancy, leaving NaN where no pixel
// contributed.
func meanOf(sums, counts *sansdata.DataArray) (*sansdata.DataArray, error) {
	s, _ := sums.Dense()
	c, _ := counts.Dense()
	mean, err := nd.Div(s.WithoutVariances(), c)
	if err != nil {
		return nil, err
	}
	return sums.WithData(&sansdata.Dense{Array: mean}), nil
}

// rangePool sums one wavelength band's rows, applying any wavelength
// mask.
func rangePool(da *sansdata.DataArray, lo, hi float64) (*sansdata.DataArray, error) {
	sliced, err := da.LabelSlice(conversions.CoordWavelength, lo, hi)
	if err != nil {
		return nil, err
	}
	return sliced.SumDims(conversions.CoordWavelength)
}
