// Package beamcenter locates the beam center on the detector panel.
// A fast estimate takes the intensity-weighted center of mass of the
// counts; a refinement divides the panel into four phi quadrants around a
// candidate center and minimizes the difference between the I(Q) curves
// reduced in each quadrant, which agree only when the center is correct.
package beamcenter

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/spatial/r3"

	"sansred/pkg/conversions"
	"sansred/pkg/iofq"
	"sansred/pkg/nd"
	"sansred/pkg/normalization"
	"sansred/pkg/sansdata"
	"sansred/pkg/uncertainty"
)

// phiEdges cut the panel into four quadrants with a + shape. An X shaped
// cut leaves the north and south wedges of a rectangular panel with far
// fewer pixels than the east and west ones, starving their Q bins.
var phiEdges = [5]float64{-math.Pi, -math.Pi / 2, 0, math.Pi / 2, math.Pi}

// quadrantNames label the phi sectors counterclockwise from phi = -pi.
var quadrantNames = [4]string{"south-west", "south-east", "north-east", "north-west"}

// quadrantMask names the mask that selects one quadrant during the
// refinement.
const quadrantMask = "beam_center_quadrant"

// FromCenterOfMass estimates the beam center as the intensity-weighted
// center of mass of the detector counts, with the component along the
// incident beam removed. Pixels below an intensity cutoff are excluded so
// that a flat background covering the whole panel does not pull the
// center toward the middle; the cutoff starts at a tenth of the mean
// unmasked intensity and doubles while the surviving pixels still touch
// the edges of the unmasked bounding box.
func FromCenterOfMass(da *sansdata.DataArray, g *conversions.Graph) (r3.Vec, error) {
	pos, ok := da.VecCoord(conversions.CoordPosition)
	if !ok {
		return r3.Vec{}, fmt.Errorf("beamcenter: data has no %s coordinate", conversions.CoordPosition)
	}
	work := da
	var err error
	if work.IsBinned() {
		work, err = work.HistCells()
		if err != nil {
			return r3.Vec{}, fmt.Errorf("beamcenter: histogramming events: %w", err)
		}
	}
	posDims := make(map[string]bool)
	for _, d := range pos.Dims() {
		posDims[d] = true
	}
	var sumDims []string
	for _, d := range work.Dims() {
		if !posDims[d] {
			sumDims = append(sumDims, d)
		}
	}
	if len(sumDims) > 0 {
		work, err = work.SumDims(sumDims...)
		if err != nil {
			return r3.Vec{}, fmt.Errorf("beamcenter: summing counts per pixel: %w", err)
		}
	}
	arr, ok := work.Dense()
	if !ok {
		return r3.Vec{}, fmt.Errorf("beamcenter: summed counts are not dense")
	}
	arr, err = arr.Transpose(pos.Dims()...)
	if err != nil {
		return r3.Vec{}, fmt.Errorf("beamcenter: aligning counts with positions: %w", err)
	}
	masked := func(int) bool { return false }
	if flat, err := work.FlatMask(); err != nil {
		return r3.Vec{}, err
	} else if flat != nil {
		flat, err = flat.Transpose(pos.Dims()...)
		if err != nil {
			return r3.Vec{}, err
		}
		mv := flat.Values()
		masked = func(i int) bool { return mv[i] }
	}

	values := arr.Values()
	positions := pos.Values()
	var total float64
	n := 0
	for i, v := range values {
		if masked(i) {
			continue
		}
		total += v
		n++
	}
	if n == 0 {
		return r3.Vec{}, fmt.Errorf("beamcenter: every pixel is masked")
	}
	xmin, xmax, ymin, ymax := xyExtrema(positions, masked)
	cutoff := 0.1 * total / float64(n)
	for touchesExtrema(positions, values, masked, cutoff, xmin, xmax, ymin, ymax) {
		next := cutoff * 2
		if countAbove(values, masked, next) == 0 {
			break
		}
		cutoff = next
	}

	var com r3.Vec
	var weight float64
	for i, v := range values {
		if masked(i) || v < cutoff {
			continue
		}
		com = r3.Add(com, r3.Scale(v, positions[i]))
		weight += v
	}
	if weight == 0 {
		return r3.Vec{}, fmt.Errorf("beamcenter: no pixels above the intensity cutoff")
	}
	com = r3.Scale(1/weight, com)

	withBeam, err := g.Transform(work, conversions.CoordIncidentBeam)
	if err != nil {
		return r3.Vec{}, fmt.Errorf("beamcenter: computing incident beam: %w", err)
	}
	beam, ok := withBeam.VecCoord(conversions.CoordIncidentBeam)
	if !ok || beam.Len() != 1 {
		return r3.Vec{}, fmt.Errorf("beamcenter: incident beam is not a single vector")
	}
	b := beam.Values()[0]
	nhat := r3.Scale(1/r3.Norm(b), b)
	shift := r3.Sub(com, r3.Scale(r3.Dot(com, nhat), nhat))
	return conversions.OffsetsToVector(work, g, shift.X, shift.Y)
}

// xyExtrema returns the bounding box of the unmasked pixel positions in
// the detector plane.
func xyExtrema(positions []r3.Vec, masked func(int) bool) (xmin, xmax, ymin, ymax float64) {
	first := true
	for i, p := range positions {
		if masked(i) {
			continue
		}
		if first {
			xmin, xmax, ymin, ymax = p.X, p.X, p.Y, p.Y
			first = false
			continue
		}
		xmin = math.Min(xmin, p.X)
		xmax = math.Max(xmax, p.X)
		ymin = math.Min(ymin, p.Y)
		ymax = math.Max(ymax, p.Y)
	}
	return xmin, xmax, ymin, ymax
}

// touchesExtrema reports whether any pixel at or above the cutoff sits on
// the bounding box. Positions come from the same array the box was built
// from, so exact comparison is sound.
func touchesExtrema(positions []r3.Vec, values []float64, masked func(int) bool, cutoff, xmin, xmax, ymin, ymax float64) bool {
	for i, p := range positions {
		if masked(i) || values[i] < cutoff {
			continue
		}
		if p.X == xmin || p.X == xmax || p.Y == ymin || p.Y == ymax {
			return true
		}
	}
	return false
}

// countAbove counts unmasked pixels at or above the cutoff.
func countAbove(values []float64, masked func(int) bool, cutoff float64) int {
	n := 0
	for i, v := range values {
		if masked(i) || v < cutoff {
			continue
		}
		n++
	}
	return n
}

// IofQParams configures the I(Q) based beam center refinement.
type IofQParams struct {
	// Detector holds the masked sample detector data with uncalibrated
	// pixel positions.
	Detector *sansdata.DataArray
	// Norm is the wavelength term of the normalization denominator. The
	// direct beam must not be part of it: the direct beam is itself
	// derived from data reduced about the beam center, and a term
	// depending only on wavelength changes all quadrants alike anyway.
	Norm *sansdata.DataArray
	// Graph is the elastic coordinate transformation graph.
	Graph *conversions.Graph
	// QBins are the momentum transfer bin edges for the quadrant curves.
	QBins *nd.Array
	// PixelShape describes the detector pixels for the solid angle.
	PixelShape normalization.PixelShape
	// Transform maps the pixel shape vertices into the lab frame.
	Transform func(r3.Vec) r3.Vec
	// Minimizer selects the refinement method, "Nelder-Mead" by default
	// or "CMA-ES".
	Minimizer string
	// Tolerance terminates the refinement once the cost improves by less
	// than this amount. Zero means 0.1.
	Tolerance float64
	// Diagnostics, when set, receives every candidate offset and its
	// cost as the refinement progresses.
	Diagnostics func(x, y, cost float64)
}

// FromIofQ refines the beam center by minimizing Cost, starting from the
// center of mass. Candidate offsets are confined to the extent of the
// unmasked pixels in the plane normal to the beam; outside that box the
// cost is +Inf.
func FromIofQ(p IofQParams) (r3.Vec, error) {
	if p.Detector == nil || p.Norm == nil || p.Graph == nil || p.QBins == nil {
		return r3.Vec{}, fmt.Errorf("beamcenter: detector data, normalization term, graph and Q bins are all required")
	}
	tol := p.Tolerance
	if tol == 0 {
		tol = 0.1
	}
	var method optimize.Method
	switch p.Minimizer {
	case "", "Nelder-Mead":
		method = &optimize.NelderMead{}
	case "CMA-ES":
		method = &optimize.CmaEsChol{}
	default:
		return r3.Vec{}, fmt.Errorf("beamcenter: unknown minimizer %q, expected Nelder-Mead or CMA-ES", p.Minimizer)
	}

	com, err := FromCenterOfMass(p.Detector, p.Graph)
	if err != nil {
		return r3.Vec{}, fmt.Errorf("beamcenter: initial guess: %w", err)
	}

	withCyl, err := p.Graph.Transform(p.Detector,
		conversions.CoordCylindricalX, conversions.CoordCylindricalY)
	if err != nil {
		return r3.Vec{}, fmt.Errorf("beamcenter: computing pixel extent: %w", err)
	}
	cx, _ := withCyl.Coord(conversions.CoordCylindricalX)
	cy, _ := withCyl.Coord(conversions.CoordCylindricalY)
	xlo, xhi, err := unmaskedRange(withCyl, cx)
	if err != nil {
		return r3.Vec{}, err
	}
	ylo, yhi, err := unmaskedRange(withCyl, cy)
	if err != nil {
		return r3.Vec{}, err
	}

	var evalErr error
	eval := func(v []float64) float64 {
		x, y := v[0], v[1]
		c := math.Inf(1)
		if evalErr == nil && x >= xlo && x <= xhi && y >= ylo && y <= yhi {
			var err error
			c, err = Cost(x, y, &p)
			if err != nil {
				evalErr = err
				c = math.Inf(1)
			}
		}
		if p.Diagnostics != nil {
			p.Diagnostics(x, y, c)
		}
		return c
	}
	settings := &optimize.Settings{
		Converger: &optimize.FunctionConverge{Absolute: tol, Iterations: 10},
	}
	res, err := optimize.Minimize(optimize.Problem{Func: eval}, []float64{com.X, com.Y}, settings, method)
	if evalErr != nil {
		return r3.Vec{}, evalErr
	}
	if err != nil {
		return r3.Vec{}, fmt.Errorf("beamcenter: minimization: %w", err)
	}
	return conversions.OffsetsToVector(p.Detector, p.Graph, res.X[0], res.X[1])
}

// Cost measures how far apart the four quadrant I(Q) curves lie for a
// candidate center at offsets x, y in the plane normal to the beam:
//
//	sum_Q sum_i mean(Q) (I_i(Q) - mean(Q))^2 / sum_Q mean(Q)
//
// with i running over the quadrants. Weighting by the mean keeps noisy
// low-statistics bins from dominating. A non-finite value, typically from
// a Q bin with an empty denominator, becomes +Inf.
func Cost(x, y float64, p *IofQParams) (float64, error) {
	quads, err := iofqInQuadrants(p, x, y)
	if err != nil {
		return 0, err
	}
	var curves [4][]float64
	for q, da := range quads {
		arr, ok := da.Dense()
		if !ok {
			return 0, fmt.Errorf("beamcenter: %s quadrant did not reduce to a dense curve", quadrantNames[q])
		}
		curves[q] = arr.Values()
	}
	var num, den float64
	for i := range curves[0] {
		ref := (curves[0][i] + curves[1][i] + curves[2][i] + curves[3][i]) / 4
		den += ref
		for q := 0; q < 4; q++ {
			d := curves[q][i] - ref
			num += ref * d * d
		}
	}
	cost := num / den
	if math.IsNaN(cost) || math.IsInf(cost, 0) {
		return math.Inf(1), nil
	}
	return cost, nil
}

// iofqInQuadrants reduces I(Q) in the four phi quadrants around the
// candidate center. Pixel positions are recalibrated and phi recomputed
// for every candidate; the quadrants then reduce concurrently.
func iofqInQuadrants(p *IofQParams, x, y float64) ([4]*sansdata.DataArray, error) {
	var out [4]*sansdata.DataArray
	center, err := conversions.OffsetsToVector(p.Detector, p.Graph, x, y)
	if err != nil {
		return out, err
	}
	calibrated, err := conversions.CalibratePositions(p.Detector, center)
	if err != nil {
		return out, err
	}
	phi, err := perPixelPhi(calibrated, p.Graph)
	if err != nil {
		return out, err
	}
	var wg sync.WaitGroup
	var errs [4]error
	for q := 0; q < 4; q++ {
		wg.Add(1)
		go func(q int) {
			defer wg.Done()
			out[q], errs[q] = quadrantIofQ(p, calibrated, phi, q)
		}(q)
	}
	wg.Wait()
	for q, err := range errs {
		if err != nil {
			return out, fmt.Errorf("beamcenter: %s quadrant: %w", quadrantNames[q], err)
		}
	}
	return out, nil
}

// perPixelPhi computes one phi value per pixel from calibrated positions.
// With gravity in the graph phi depends on wavelength, and for event data
// on the event; it is then approximated by its mean. Pixels with no
// events get NaN, which no quadrant selects.
func perPixelPhi(calibrated *sansdata.DataArray, g *conversions.Graph) (*nd.Array, error) {
	withPhi, err := g.Transform(calibrated, conversions.CoordPhi)
	if err != nil {
		return nil, fmt.Errorf("beamcenter: computing phi: %w", err)
	}
	if b, ok := withPhi.Binned(); ok {
		if events, ok := b.Buffer().Coords[conversions.CoordPhi]; ok {
			vals := make([]float64, b.NumCells())
			for cell := range vals {
				lo, hi := b.CellRange(cell)
				if hi == lo {
					vals[cell] = math.NaN()
					continue
				}
				sum := 0.0
				for i := lo; i < hi; i++ {
					sum += events[i]
				}
				vals[cell] = sum / float64(hi-lo)
			}
			return nd.NewArray(b.Dims(), b.Shape(), vals, nil)
		}
	}
	phi, ok := withPhi.Coord(conversions.CoordPhi)
	if !ok {
		return nil, fmt.Errorf("beamcenter: transform produced no %s coordinate", conversions.CoordPhi)
	}
	pos, ok := withPhi.VecCoord(conversions.CoordPosition)
	if !ok {
		return nil, fmt.Errorf("beamcenter: data has no %s coordinate", conversions.CoordPosition)
	}
	posDims := make(map[string]bool)
	for _, d := range pos.Dims() {
		posDims[d] = true
	}
	var extra []string
	n := 1
	for i, d := range phi.Dims() {
		if !posDims[d] {
			extra = append(extra, d)
			n *= phi.Shape()[i]
		}
	}
	if len(extra) == 0 {
		return phi, nil
	}
	summed, err := nd.SumDimsWhere(phi, extra, nil)
	if err != nil {
		return nil, err
	}
	vals := make([]float64, summed.Len())
	for i, v := range summed.Values() {
		vals[i] = v / float64(n)
	}
	return nd.NewArray(summed.Dims(), summed.Shape(), vals, nil)
}

// quadrantIofQ reduces one quadrant to I(Q). The quadrant is selected
// with a mask so that event and dense data take the same path and any
// detector masks stay in effect; the solid angle is recomputed from the
// calibrated positions on every call.
func quadrantIofQ(p *IofQParams, calibrated *sansdata.DataArray, phi *nd.Array, quad int) (*sansdata.DataArray, error) {
	lo, hi := phiEdges[quad], phiEdges[quad+1]
	phiVals := phi.Values()
	outside := make([]bool, len(phiVals))
	for i, v := range phiVals {
		outside[i] = !(v >= lo && v < hi)
	}
	m, err := nd.NewBools(phi.Dims(), phi.Shape(), outside)
	if err != nil {
		return nil, err
	}
	masked := calibrated.WithMask(quadrantMask, m)

	wav, err := conversions.ToWavelength(masked, p.Graph)
	if err != nil {
		return nil, err
	}
	solidAngle, err := normalization.SolidAngle(masked, p.PixelShape, p.Transform)
	if err != nil {
		return nil, err
	}
	den, err := normalization.Denominator(p.Norm, solidAngle, uncertainty.UpperBound)
	if err != nil {
		return nil, err
	}
	qNum, err := conversions.ToQ(wav, p.Graph)
	if err != nil {
		return nil, err
	}
	qDen, err := conversions.ToQ(den, p.Graph)
	if err != nil {
		return nil, err
	}
	bNum, err := iofq.BinInQ(qNum, p.QBins, nil)
	if err != nil {
		return nil, err
	}
	bDen, err := iofq.BinInQ(qDen, p.QBins, nil)
	if err != nil {
		return nil, err
	}
	return normalization.Normalize(
		sansdata.TagPart[sansdata.Numerator](bNum),
		sansdata.TagPart[sansdata.Denominator](bDen),
		false,
		uncertainty.UpperBound,
	)
}

// unmaskedRange returns the extent of a pixel coordinate over unmasked
// pixels. Only masks whose dims the coordinate can resolve take part.
func unmaskedRange(da *sansdata.DataArray, c *nd.Array) (lo, hi float64, err error) {
	var combined *nd.Bools
	for _, name := range da.MaskNames() {
		m, _ := da.Mask(name)
		if !dimsCover(c.Dims(), m.Dims()) {
			continue
		}
		if combined == nil {
			combined = m
			continue
		}
		combined, err = nd.Or(combined, m)
		if err != nil {
			return 0, 0, err
		}
	}
	var skip []bool
	if combined != nil {
		combined, err = combined.BroadcastTo(c.Dims(), c.Shape())
		if err != nil {
			return 0, 0, err
		}
		skip = combined.Values()
	}
	lo, hi = math.Inf(1), math.Inf(-1)
	for i, v := range c.Values() {
		if skip != nil && skip[i] {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if lo > hi {
		return 0, 0, fmt.Errorf("beamcenter: every pixel is masked")
	}
	return lo, hi, nil
}

// dimsCover reports whether every dim in sub also appears in super.
func dimsCover(super, sub []string) bool {
	for _, d := range sub {
		found := false
		for _, s := range super {
			if s == d {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
