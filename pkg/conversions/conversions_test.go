package conversions

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"sansred/pkg/nd"
	"sansred/pkg/sansdata"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

// detectorDense builds a two-pixel histogram with the source 10 m upstream
// of the sample and the detector 1 m downstream.
func detectorDense(t *testing.T) *sansdata.DataArray {
	t.Helper()
	data, err := nd.NewArray([]string{"pixel", "wavelength"}, []int{2, 1}, []float64{1, 1}, nil)
	if err != nil {
		t.Fatalf("NewArray: %v", err)
	}
	positions, err := nd.NewVectors([]string{"pixel"}, []int{2}, []r3.Vec{
		{X: 0.1, Y: 0, Z: 1},
		{X: 0, Y: 0.1, Z: 1},
	})
	if err != nil {
		t.Fatalf("NewVectors: %v", err)
	}
	edges, err := nd.NewArray([]string{"wavelength"}, []int{2}, []float64{1, 3}, nil)
	if err != nil {
		t.Fatalf("NewArray: %v", err)
	}
	return sansdata.NewDense(data).
		WithVecCoord(CoordPosition, positions).
		WithCoord(CoordWavelength, edges).
		WithVecCoord(CoordSamplePosition, nd.ScalarVec(r3.Vec{})).
		WithVecCoord(CoordSourcePosition, nd.ScalarVec(r3.Vec{Z: -10}))
}

// detectorEvents builds a two-pixel event list with per-event times of
// flight, using the same geometry as detectorDense but with both pixels on
// the beam axis offset horizontally.
func detectorEvents(t *testing.T) *sansdata.DataArray {
	t.Helper()
	binned, err := sansdata.NewBinned([]string{"pixel"}, []int{2}, []int{0, 2, 3}, &sansdata.EventBuffer{
		Weights: []float64{1, 1, 1},
		Coords: map[string][]float64{
			CoordTof: {0.005, 0.01, 0.02},
		},
	})
	if err != nil {
		t.Fatalf("NewBinned: %v", err)
	}
	positions, err := nd.NewVectors([]string{"pixel"}, []int{2}, []r3.Vec{
		{X: 0, Y: 0, Z: 1},
		{X: 0, Y: 0, Z: 1},
	})
	if err != nil {
		t.Fatalf("NewVectors: %v", err)
	}
	return sansdata.New(binned).
		WithVecCoord(CoordPosition, positions).
		WithVecCoord(CoordSamplePosition, nd.ScalarVec(r3.Vec{})).
		WithVecCoord(CoordSourcePosition, nd.ScalarVec(r3.Vec{Z: -10}))
}

func TestBeamAlignedUnitVectors(t *testing.T) {
	xhat, yhat, zhat := BeamAlignedUnitVectors(r3.Vec{Z: 5}, GravityVector())
	for _, tc := range []struct {
		name string
		got  r3.Vec
		want r3.Vec
	}{
		{"xhat", xhat, r3.Vec{X: 1}},
		{"yhat", yhat, r3.Vec{Y: 1}},
		{"zhat", zhat, r3.Vec{Z: 1}},
	} {
		if !almostEqual(tc.got.X, tc.want.X, 1e-12) ||
			!almostEqual(tc.got.Y, tc.want.Y, 1e-12) ||
			!almostEqual(tc.got.Z, tc.want.Z, 1e-12) {
			t.Errorf("%s = %v, want %v", tc.name, tc.got, tc.want)
		}
	}
}

func TestMonitorToWavelength(t *testing.T) {
	counts, err := nd.NewArray([]string{"tof"}, []int{2}, []float64{10, 20}, nil)
	if err != nil {
		t.Fatalf("NewArray: %v", err)
	}
	tofEdges, err := nd.NewArray([]string{"tof"}, []int{3}, []float64{0.005, 0.01, 0.015}, nil)
	if err != nil {
		t.Fatalf("NewArray: %v", err)
	}
	monitor := sansdata.NewDense(counts).
		WithCoord(CoordTof, tofEdges).
		WithVecCoord(CoordPosition, nd.ScalarVec(r3.Vec{Z: -5})).
		WithVecCoord(CoordSourcePosition, nd.ScalarVec(r3.Vec{Z: -10}))

	got, err := ToWavelength(monitor, MonitorGraph())
	if err != nil {
		t.Fatalf("ToWavelength: %v", err)
	}
	if !got.HasDim(CoordWavelength) || got.HasDim(CoordTof) {
		t.Fatalf("dims = %v, want tof renamed to wavelength", got.Dims())
	}
	if got.HasCoord(CoordTof) {
		t.Error("tof coordinate should be dropped after the rename")
	}
	wav, ok := got.Coord(CoordWavelength)
	if !ok {
		t.Fatal("missing wavelength coordinate")
	}
	// Ltotal is 5 m, so each edge maps to 3956.034*tof/5 angstrom.
	want := []float64{3.956034, 7.912068, 11.868102}
	for i, w := range want {
		if !almostEqual(wav.Values()[i], w, 1e-9) {
			t.Errorf("wavelength[%d] = %v, want %v", i, wav.Values()[i], w)
		}
	}
	if !got.IsEdgeCoord(CoordWavelength) {
		t.Error("monitor wavelength should stay bin edges")
	}
}

func TestEventToWavelength(t *testing.T) {
	da := detectorEvents(t)
	got, err := ToWavelength(da, ElasticGraph(false))
	if err != nil {
		t.Fatalf("ToWavelength: %v", err)
	}
	binned, ok := got.Binned()
	if !ok {
		t.Fatal("result should stay event mode")
	}
	wav := binned.Buffer().Coords[CoordWavelength]
	if wav == nil {
		t.Fatal("missing wavelength event coordinate")
	}
	// L1 = 10 m, L2 = 1 m, so lambda = 3956.034*tof/11.
	for i, tof := range []float64{0.005, 0.01, 0.02} {
		want := TofToWavelength * tof / 11
		if !almostEqual(wav[i], want, 1e-9) {
			t.Errorf("wavelength[%d] = %v, want %v", i, wav[i], want)
		}
	}
	if _, ok := binned.Buffer().Coords[CoordTof]; !ok {
		t.Error("tof event coordinate should survive the conversion")
	}
}

func TestToQDense(t *testing.T) {
	da := detectorDense(t)
	got, err := ToQ(da, ElasticGraph(false))
	if err != nil {
		t.Fatalf("ToQ: %v", err)
	}
	if got.HasDim(CoordTof) {
		t.Fatalf("unexpected tof dim in %v", got.Dims())
	}
	q, ok := got.Coord(CoordQ)
	if !ok {
		t.Fatal("missing Q coordinate")
	}
	// Pixel 0 sits at (0.1, 0, 1) so two_theta = acos(1/sqrt(1.01)) and
	// the wavelength midpoint is 2 angstrom.
	twoTheta := math.Acos(1 / math.Sqrt(1.01))
	want := 4 * math.Pi * math.Sin(twoTheta/2) / 2
	got0 := q.Values()[0]
	if !almostEqual(got0, want, 1e-9) {
		t.Errorf("Q[pixel 0] = %v, want %v", got0, want)
	}
	if q.Len() != 2 {
		t.Errorf("Q has %d elements, want 2", q.Len())
	}
}

func TestToQxyDense(t *testing.T) {
	da := detectorDense(t)
	got, err := ToQxy(da, ElasticGraph(false))
	if err != nil {
		t.Fatalf("ToQxy: %v", err)
	}
	qx, okx := got.Coord(CoordQx)
	qy, oky := got.Coord(CoordQy)
	if !okx || !oky {
		t.Fatal("missing Qx or Qy coordinate")
	}
	twoTheta := math.Acos(1 / math.Sqrt(1.01))
	q := 4 * math.Pi * math.Sin(twoTheta/2) / 2
	// Pixel 0 lies on the horizontal axis, pixel 1 on the vertical axis.
	cases := []struct {
		name string
		arr  *nd.Array
		ix   int
		want float64
		tol  float64
	}{
		{"Qx pixel0", qx, 0, q, 1e-9},
		{"Qy pixel0", qy, 0, 0, 1e-12},
		{"Qx pixel1", qx, 1, 0, 1e-12},
		{"Qy pixel1", qy, 1, q, 1e-9},
	}
	for _, tc := range cases {
		if !almostEqual(tc.arr.Values()[tc.ix], tc.want, tc.tol) {
			t.Errorf("%s = %v, want %v", tc.name, tc.arr.Values()[tc.ix], tc.want)
		}
	}
}

func TestToQEvents(t *testing.T) {
	da := detectorEvents(t)
	withWav, err := ToWavelength(da, ElasticGraph(false))
	if err != nil {
		t.Fatalf("ToWavelength: %v", err)
	}
	got, err := ToQ(withWav, ElasticGraph(false))
	if err != nil {
		t.Fatalf("ToQ: %v", err)
	}
	binned, ok := got.Binned()
	if !ok {
		t.Fatal("result should stay event mode")
	}
	qs := binned.Buffer().Coords[CoordQ]
	if qs == nil {
		t.Fatal("missing Q event coordinate")
	}
	// Both pixels sit on the beam axis, so two_theta is zero and Q is
	// zero for every event.
	for i, q := range qs {
		if !almostEqual(q, 0, 1e-12) {
			t.Errorf("Q[%d] = %v, want 0", i, q)
		}
	}
}

func TestGravityRaisesScatteringAngle(t *testing.T) {
	da := detectorDense(t)
	flat, err := ElasticGraph(false).Transform(da, CoordTwoTheta)
	if err != nil {
		t.Fatalf("no-gravity transform: %v", err)
	}
	dropped, err := ElasticGraph(true).Transform(da, CoordTwoTheta)
	if err != nil {
		t.Fatalf("gravity transform: %v", err)
	}
	// Pixel 0 sits at y = 0, so folding in the gravity drop strictly
	// increases the apparent scattering angle.
	flatValues, ok := flat.Coord(CoordTwoTheta)
	if !ok {
		t.Fatal("missing two_theta coordinate without gravity")
	}
	flatTheta := flatValues.Values()[0]
	gravValues, ok := dropped.Coord(CoordTwoTheta)
	if !ok {
		t.Fatal("missing two_theta coordinate")
	}
	gravTheta := gravValues.Values()[0]
	if gravTheta <= flatTheta {
		t.Errorf("two_theta with gravity = %v, want greater than %v", gravTheta, flatTheta)
	}
	if gravTheta > flatTheta+1e-3 {
		t.Errorf("gravity correction too large: %v vs %v", gravTheta, flatTheta)
	}
}

func TestGravityAngleMatchesDropFormula(t *testing.T) {
	da := detectorDense(t)
	got, err := ElasticGraph(true).Transform(da, CoordTwoTheta, CoordPhi)
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	theta, okTheta := got.Coord(CoordTwoTheta)
	phi, okPhi := got.Coord(CoordPhi)
	if !okTheta || !okPhi {
		t.Fatal("missing two_theta or phi coordinate")
	}
	// Recompute pixel 0 by hand: x = 0.1, y = 0, L2 = sqrt(1.01),
	// lambda = 2 angstrom.
	l2 := math.Sqrt(1.01)
	lam := 2.0
	wantDrop := StandardGravity * lam * lam * MetersPerAngstrom * MetersPerAngstrom * l2 * l2 /
		(2 * PlanckOverNeutronMass * PlanckOverNeutronMass)
	yp := 0 + wantDrop
	wantTheta := math.Asin(math.Sqrt(0.1*0.1+yp*yp) / l2)
	wantPhi := math.Atan2(yp, 0.1)
	if !almostEqual(theta.Values()[0], wantTheta, 1e-12) {
		t.Errorf("two_theta = %v, want %v", theta.Values()[0], wantTheta)
	}
	if !almostEqual(phi.Values()[0], wantPhi, 1e-12) {
		t.Errorf("phi = %v, want %v", phi.Values()[0], wantPhi)
	}
}

func TestCalibratePositions(t *testing.T) {
	da := detectorDense(t)
	shifted, err := CalibratePositions(da, r3.Vec{X: 0.1, Z: 0})
	if err != nil {
		t.Fatalf("CalibratePositions: %v", err)
	}
	pos, ok := shifted.VecCoord(CoordPosition)
	if !ok {
		t.Fatal("missing position coordinate")
	}
	got := pos.Values()[0]
	if !almostEqual(got.X, 0, 1e-12) || !almostEqual(got.Z, 1, 1e-12) {
		t.Errorf("shifted position = %v, want (0,0,1)", got)
	}
	// The input keeps its original positions.
	origPos, _ := da.VecCoord(CoordPosition)
	orig := origPos.Values()[0]
	if !almostEqual(orig.X, 0.1, 1e-12) {
		t.Errorf("input position mutated to %v", orig)
	}
}

func TestOffsetsToVector(t *testing.T) {
	da := detectorDense(t)
	vec, err := OffsetsToVector(da, ElasticGraph(false), 0.02, -0.03)
	if err != nil {
		t.Fatalf("OffsetsToVector: %v", err)
	}
	if !almostEqual(vec.X, 0.02, 1e-12) || !almostEqual(vec.Y, -0.03, 1e-12) || !almostEqual(vec.Z, 0, 1e-12) {
		t.Errorf("offset vector = %v, want (0.02, -0.03, 0)", vec)
	}
}

func TestTransformMissingQuantity(t *testing.T) {
	data, err := nd.NewArray([]string{"pixel"}, []int{1}, []float64{1}, nil)
	if err != nil {
		t.Fatalf("NewArray: %v", err)
	}
	da := sansdata.NewDense(data)
	if _, err := ElasticGraph(false).Transform(da, CoordQ); err == nil {
		t.Fatal("expected an error for data without geometry coordinates")
	}
}
