// Package normalization assembles the denominator of the scattering ratio:
// per-pixel solid angles, monitor-derived transmission fractions and the
// wavelength-dependent normalization term, and performs the final division
// of counts by the denominator.
package normalization

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"sansred/pkg/conversions"
	"sansred/pkg/nd"
	"sansred/pkg/sansdata"
	"sansred/pkg/uncertainty"
)

// PixelShape describes a cylindrical detector pixel by three vertices: the
// center and one edge point of the near end face, and the center of the
// far end face. Radius and cylinder axis follow from these.
type PixelShape struct {
	// Face1Center is the center of the near end face.
	Face1Center r3.Vec
	// Face1Edge is a point on the rim of the near end face.
	Face1Edge r3.Vec
	// Face2Center is the center of the far end face.
	Face2Center r3.Vec
}

// SolidAngle approximates the solid angle subtended by every cylindrical
// detector pixel as seen from the sample:
//
//	omega = 2 * radius * length * cos(alpha) / distance^2
//
// where alpha is the angle between the pixel axis and the plane normal to
// the line of sight. transform maps shape vertices into the instrument
// frame and may be nil for identity. Masks and coordinates of the input
// whose dimensions fit the pixel layout are carried along.
func SolidAngle(da *sansdata.DataArray, shape PixelShape, transform func(r3.Vec) r3.Vec) (*sansdata.DataArray, error) {
	pos, ok := da.VecCoord(conversions.CoordPosition)
	if !ok {
		return nil, fmt.Errorf("normalization: data has no %s coordinate", conversions.CoordPosition)
	}
	samples, ok := da.VecCoord(conversions.CoordSamplePosition)
	if !ok {
		return nil, fmt.Errorf("normalization: data has no %s coordinate", conversions.CoordSamplePosition)
	}
	if samples.Len() != 1 {
		return nil, fmt.Errorf("normalization: sample_position must be a single vector, found %d", samples.Len())
	}
	sample := samples.Values()[0]

	t := transform
	if t == nil {
		t = func(v r3.Vec) r3.Vec { return v }
	}
	axis := r3.Sub(t(shape.Face2Center), t(shape.Face1Center))
	radius := r3.Norm(r3.Sub(shape.Face1Center, shape.Face1Edge))
	length := r3.Norm(axis)
	if radius == 0 || length == 0 {
		return nil, fmt.Errorf("normalization: degenerate pixel shape, radius %v and length %v", radius, length)
	}

	values := make([]float64, pos.Len())
	for i, p := range pos.Values() {
		pp := r3.Sub(p, sample)
		dist := r3.Norm(pp)
		// cos(alpha) via the complement of the axis projection; rounding
		// can push the squared projection a hair above one.
		proj := r3.Dot(pp, axis) / (dist * length)
		arg := 1 - proj*proj
		if arg < 0 {
			arg = 0
		}
		values[i] = 2 * radius * length * math.Sqrt(arg) / (dist * dist)
	}
	arr, err := nd.NewArray(pos.Dims(), pos.Shape(), values, nil)
	if err != nil {
		return nil, err
	}

	out := sansdata.NewDense(arr)
	for _, name := range da.CoordNames() {
		if c, ok := da.Coord(name); ok && fitsLayout(c.Dims(), arr) {
			out = out.WithCoord(name, c)
		}
	}
	for _, name := range da.VecCoordNames() {
		if v, ok := da.VecCoord(name); ok && fitsLayout(v.Dims(), arr) {
			out = out.WithVecCoord(name, v)
		}
	}
	for _, name := range da.MaskNames() {
		if m, ok := da.Mask(name); ok && fitsLayout(m.Dims(), arr) {
			out = out.WithMask(name, m)
		}
	}
	return out, nil
}

// fitsLayout reports whether every dim is a dim of arr.
func fitsLayout(dims []string, arr *nd.Array) bool {
	for _, d := range dims {
		if !arr.HasDim(d) {
			return false
		}
	}
	return true
}

// TransmissionFraction estimates the fraction of the beam transmitted
// through the sample from the monitor counts of a transmission run and an
// empty-beam run:
//
//	fraction = (sample_transmission / direct_transmission)
//	         * (direct_incident / sample_incident)
//
// The incident-monitor ratio cancels differences in delivered flux between
// the two runs.
func TransmissionFraction(
	sampleIncident sansdata.Monitor[sansdata.TransmissionRun, sansdata.Incident],
	sampleTransmission sansdata.Monitor[sansdata.TransmissionRun, sansdata.Transmission],
	directIncident sansdata.Monitor[sansdata.EmptyBeamRun, sansdata.Incident],
	directTransmission sansdata.Monitor[sansdata.EmptyBeamRun, sansdata.Transmission],
) (*sansdata.DataArray, error) {
	ratio, err := sansdata.Divide(sampleTransmission.DataArray, directTransmission.DataArray)
	if err != nil {
		return nil, fmt.Errorf("normalization: transmission monitor ratio: %w", err)
	}
	flux, err := sansdata.Divide(directIncident.DataArray, sampleIncident.DataArray)
	if err != nil {
		return nil, fmt.Errorf("normalization: incident monitor ratio: %w", err)
	}
	out, err := sansdata.Multiply(ratio, flux)
	if err != nil {
		return nil, fmt.Errorf("normalization: transmission fraction: %w", err)
	}
	return out, nil
}

// NormWavelengthTerm builds the wavelength-dependent part of the
// normalization denominator: incident monitor counts times transmission
// fraction, times the direct-beam efficiency when one is supplied. The
// direct beam must already be resampled onto the monitor's wavelength
// bins. The wavelength coordinate of the result is converted to bin
// midpoints so the term can be histogrammed or looked up per element
// downstream.
func NormWavelengthTerm[R sansdata.RunKind](
	incident sansdata.Monitor[R, sansdata.Incident],
	transmissionFraction *sansdata.DataArray,
	directBeam *sansdata.DataArray,
) (*sansdata.DataArray, error) {
	out := incident.DataArray
	var err error
	if transmissionFraction != nil {
		out, err = sansdata.Multiply(out, transmissionFraction)
		if err != nil {
			return nil, fmt.Errorf("normalization: applying transmission fraction: %w", err)
		}
	}
	if directBeam != nil {
		out, err = sansdata.Multiply(directBeam, out)
		if err != nil {
			return nil, fmt.Errorf("normalization: applying direct beam: %w", err)
		}
	}
	if wav, ok := out.Coord(conversions.CoordWavelength); ok && out.IsEdgeCoord(conversions.CoordWavelength) {
		mid, err := wav.Midpoints(conversions.CoordWavelength)
		if err != nil {
			return nil, err
		}
		out = out.WithCoord(conversions.CoordWavelength, mid)
	}
	return out, nil
}

// Denominator combines the wavelength term with the per-pixel solid angle.
// Broadcasting the wavelength term across pixels repeats the same monitor
// values many times, so its variances pass through the configured
// uncertainty mode first.
func Denominator(wavelengthTerm, solidAngle *sansdata.DataArray, mode uncertainty.Mode) (*sansdata.DataArray, error) {
	term, err := uncertainty.Broadcast(wavelengthTerm, solidAngle, mode)
	if err != nil {
		return nil, fmt.Errorf("normalization: broadcasting wavelength term: %w", err)
	}
	out, err := sansdata.Multiply(solidAngle, term)
	if err != nil {
		return nil, fmt.Errorf("normalization: denominator: %w", err)
	}
	return out, nil
}

// ProcessWavelengthBands normalizes the wavelength-band table. A nil table
// yields a single band covering [wavelengthMin, wavelengthMax]. A 1-D
// table of edges becomes one band per adjacent pair. A 2-D table must
// have a wavelength dimension of size two holding each band's bounds.
func ProcessWavelengthBands(bands *nd.Array, wavelengthMin, wavelengthMax float64) (*nd.Array, error) {
	if bands == nil {
		return nd.FromValues(conversions.CoordWavelength, wavelengthMin, wavelengthMax), nil
	}
	switch bands.NDim() {
	case 1:
		n := bands.Len() - 1
		if n < 1 {
			return nil, fmt.Errorf("normalization: wavelength bands need at least two edges, found %d", bands.Len())
		}
		src := bands.Values()
		vals := make([]float64, 2*n)
		for i := 0; i < n; i++ {
			vals[2*i] = src[i]
			vals[2*i+1] = src[i+1]
		}
		return nd.NewArray([]string{"band", conversions.CoordWavelength}, []int{n, 2}, vals, nil)
	case 2:
		sz, ok := bands.Size(conversions.CoordWavelength)
		if !ok {
			return nil, fmt.Errorf("normalization: 2-D wavelength bands need a %s dimension, found %v",
				conversions.CoordWavelength, bands.Dims())
		}
		if sz != 2 {
			return nil, fmt.Errorf("normalization: wavelength bands must hold two bounds per band, found %d", sz)
		}
		return bands, nil
	}
	return nil, fmt.Errorf("normalization: wavelength bands must be one- or two-dimensional, found %d dims", bands.NDim())
}

// BandBounds lists each band's (start, end) wavelength bounds from a
// processed band table: a 1-D pair for a single band, or the rows of a
// 2-D (band, wavelength) table.
func BandBounds(table *nd.Array) ([][2]float64, error) {
	if table.NDim() == 1 {
		if table.Len() != 2 {
			return nil, fmt.Errorf("normalization: a 1-D band table must hold exactly two bounds, found %d", table.Len())
		}
		v := table.Values()
		return [][2]float64{{v[0], v[1]}}, nil
	}
	b := table
	dims := b.Dims()
	if dims[len(dims)-1] != conversions.CoordWavelength {
		var err error
		b, err = b.MoveToEnd(conversions.CoordWavelength)
		if err != nil {
			return nil, err
		}
	}
	v := b.Values()
	pairs := make([][2]float64, len(v)/2)
	for i := range pairs {
		pairs[i] = [2]float64{v[2*i], v[2*i+1]}
	}
	return pairs, nil
}

// Normalize divides the reduced numerator by the reduced denominator. Both
// must already share the same momentum-transfer binning. With returnEvents
// set and an event-mode numerator the division happens per event; a
// denominator carrying variances is then routed through the uncertainty
// mode because per-event division would introduce correlations between
// events. A dense result histograms event numerators into their bins
// first.
func Normalize(
	num sansdata.Part[sansdata.Numerator],
	den sansdata.Part[sansdata.Denominator],
	returnEvents bool,
	mode uncertainty.Mode,
) (*sansdata.DataArray, error) {
	n, d := num.DataArray, den.DataArray
	if returnEvents && n.IsBinned() {
		if arr, ok := d.Dense(); ok && arr.Variances() != nil {
			switch mode {
			case uncertainty.Fail:
				return nil, fmt.Errorf("normalization: denominator carries variances; dividing events by it requires the drop or upper_bound uncertainty mode")
			case uncertainty.Drop:
				d = uncertainty.Dropped(d)
			case uncertainty.UpperBound:
				var err error
				d, err = uncertainty.BroadcastToEvents(d, n, mode)
				if err != nil {
					return nil, fmt.Errorf("normalization: broadcasting denominator to events: %w", err)
				}
			}
		}
		return sansdata.DivideEvents(n, d)
	}
	if n.IsBinned() {
		var err error
		n, err = n.HistCells()
		if err != nil {
			return nil, fmt.Errorf("normalization: histogramming numerator: %w", err)
		}
	}
	return sansdata.Divide(n, d)
}
