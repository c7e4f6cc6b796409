package normalization

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"sansred/pkg/conversions"
	"sansred/pkg/nd"
	"sansred/pkg/sansdata"
	"sansred/pkg/uncertainty"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

// tubeShape is a pixel of radius 4 mm and length 10 mm along x.
func tubeShape() PixelShape {
	return PixelShape{
		Face1Center: r3.Vec{},
		Face1Edge:   r3.Vec{Y: 0.004},
		Face2Center: r3.Vec{X: 0.01},
	}
}

func pixelArray(t *testing.T, positions []r3.Vec) *sansdata.DataArray {
	t.Helper()
	n := len(positions)
	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1
	}
	data, err := nd.NewArray([]string{"pixel"}, []int{n}, ones, nil)
	if err != nil {
		t.Fatalf("NewArray: %v", err)
	}
	pos, err := nd.NewVectors([]string{"pixel"}, []int{n}, positions)
	if err != nil {
		t.Fatalf("NewVectors: %v", err)
	}
	return sansdata.NewDense(data).
		WithVecCoord(conversions.CoordPosition, pos).
		WithVecCoord(conversions.CoordSamplePosition, nd.ScalarVec(r3.Vec{}))
}

func TestSolidAngleInverseSquareLaw(t *testing.T) {
	da := pixelArray(t, []r3.Vec{{Z: 1}, {Z: 2}})
	got, err := SolidAngle(da, tubeShape(), nil)
	if err != nil {
		t.Fatalf("SolidAngle: %v", err)
	}
	arr, ok := got.Dense()
	if !ok {
		t.Fatal("solid angle should be dense")
	}
	// The pixel axis is perpendicular to the line of sight, so
	// omega = 2*R*L/dist^2.
	want := 2 * 0.004 * 0.01
	if !almostEqual(arr.Values()[0], want, 1e-12) {
		t.Errorf("omega at 1 m = %v, want %v", arr.Values()[0], want)
	}
	if !almostEqual(arr.Values()[0]/arr.Values()[1], 4, 1e-9) {
		t.Errorf("omega ratio = %v, want 4 (inverse square law)", arr.Values()[0]/arr.Values()[1])
	}
}

func TestSolidAngleAxisAlignedPixelVanishes(t *testing.T) {
	// A pixel whose axis points straight at the sample presents no area.
	da := pixelArray(t, []r3.Vec{{X: 1}})
	got, err := SolidAngle(da, tubeShape(), nil)
	if err != nil {
		t.Fatalf("SolidAngle: %v", err)
	}
	arr, _ := got.Dense()
	if !almostEqual(arr.Values()[0], 0, 1e-12) {
		t.Errorf("omega = %v, want 0", arr.Values()[0])
	}
}

func TestSolidAngleCarriesPixelMasks(t *testing.T) {
	data, err := nd.NewArray([]string{"pixel", "wavelength"}, []int{2, 2}, []float64{1, 1, 1, 1}, nil)
	if err != nil {
		t.Fatalf("NewArray: %v", err)
	}
	pos, err := nd.NewVectors([]string{"pixel"}, []int{2}, []r3.Vec{{Z: 1}, {Z: 2}})
	if err != nil {
		t.Fatalf("NewVectors: %v", err)
	}
	mask, err := nd.NewBools([]string{"pixel"}, []int{2}, []bool{true, false})
	if err != nil {
		t.Fatalf("NewBools: %v", err)
	}
	da := sansdata.NewDense(data).
		WithVecCoord(conversions.CoordPosition, pos).
		WithVecCoord(conversions.CoordSamplePosition, nd.ScalarVec(r3.Vec{})).
		WithCoord(conversions.CoordWavelength, nd.FromValues("wavelength", 1, 2, 3)).
		WithMask("broken", mask)

	got, err := SolidAngle(da, tubeShape(), nil)
	if err != nil {
		t.Fatalf("SolidAngle: %v", err)
	}
	if !got.HasMask("broken") {
		t.Error("pixel mask should be carried onto the solid angle")
	}
	if got.HasCoord(conversions.CoordWavelength) {
		t.Error("wavelength coordinate does not fit the pixel layout and should be dropped")
	}
	if got.HasDim("wavelength") {
		t.Errorf("solid angle dims = %v, want pixel only", got.Dims())
	}
}

func monitor(t *testing.T, counts []float64) *sansdata.DataArray {
	t.Helper()
	n := len(counts)
	data, err := nd.NewArray([]string{"wavelength"}, []int{n}, counts, append([]float64(nil), counts...))
	if err != nil {
		t.Fatalf("NewArray: %v", err)
	}
	edges := make([]float64, n+1)
	for i := range edges {
		edges[i] = 1 + float64(i)
	}
	ec, err := nd.NewArray([]string{"wavelength"}, []int{n + 1}, edges, nil)
	if err != nil {
		t.Fatalf("NewArray: %v", err)
	}
	return sansdata.NewDense(data).WithCoord(conversions.CoordWavelength, ec)
}

func TestTransmissionFraction(t *testing.T) {
	si := sansdata.TagMonitor[sansdata.TransmissionRun, sansdata.Incident](monitor(t, []float64{1000, 1000}))
	st := sansdata.TagMonitor[sansdata.TransmissionRun, sansdata.Transmission](monitor(t, []float64{800, 600}))
	di := sansdata.TagMonitor[sansdata.EmptyBeamRun, sansdata.Incident](monitor(t, []float64{1000, 1000}))
	dt := sansdata.TagMonitor[sansdata.EmptyBeamRun, sansdata.Transmission](monitor(t, []float64{1000, 1000}))

	got, err := TransmissionFraction(si, st, di, dt)
	if err != nil {
		t.Fatalf("TransmissionFraction: %v", err)
	}
	arr, _ := got.Dense()
	want := []float64{0.8, 0.6}
	for i, w := range want {
		if !almostEqual(arr.Values()[i], w, 1e-12) {
			t.Errorf("fraction[%d] = %v, want %v", i, arr.Values()[i], w)
		}
	}
	if arr.Variances() == nil {
		t.Error("monitor counting statistics should propagate into the fraction")
	}
}

func TestTransmissionFractionIdentity(t *testing.T) {
	m := func() *sansdata.DataArray { return monitor(t, []float64{500, 700}) }
	got, err := TransmissionFraction(
		sansdata.TagMonitor[sansdata.TransmissionRun, sansdata.Incident](m()),
		sansdata.TagMonitor[sansdata.TransmissionRun, sansdata.Transmission](m()),
		sansdata.TagMonitor[sansdata.EmptyBeamRun, sansdata.Incident](m()),
		sansdata.TagMonitor[sansdata.EmptyBeamRun, sansdata.Transmission](m()),
	)
	if err != nil {
		t.Fatalf("TransmissionFraction: %v", err)
	}
	arr, _ := got.Dense()
	for i, v := range arr.Values() {
		if !almostEqual(v, 1, 1e-12) {
			t.Errorf("fraction[%d] = %v, want 1 for identical monitors", i, v)
		}
	}
}

func TestNormWavelengthTerm(t *testing.T) {
	incident := sansdata.TagMonitor[sansdata.SampleRun, sansdata.Incident](monitor(t, []float64{10, 20}))
	edges := nd.FromValues("wavelength", 1, 2, 3)
	frac, err := nd.NewArray([]string{"wavelength"}, []int{2}, []float64{0.5, 0.25}, nil)
	if err != nil {
		t.Fatalf("NewArray: %v", err)
	}
	fraction := sansdata.NewDense(frac).WithCoord(conversions.CoordWavelength, edges)
	direct, err := nd.NewArray([]string{"wavelength"}, []int{2}, []float64{2, 2}, nil)
	if err != nil {
		t.Fatalf("NewArray: %v", err)
	}
	directBeam := sansdata.NewDense(direct).WithCoord(conversions.CoordWavelength, edges)

	got, err := NormWavelengthTerm(incident, fraction, directBeam)
	if err != nil {
		t.Fatalf("NormWavelengthTerm: %v", err)
	}
	out, _ := got.Dense()
	want := []float64{10, 10}
	for i, w := range want {
		if !almostEqual(out.Values()[i], w, 1e-12) {
			t.Errorf("term[%d] = %v, want %v", i, out.Values()[i], w)
		}
	}
	if got.IsEdgeCoord(conversions.CoordWavelength) {
		t.Error("wavelength coordinate should be midpoints after the term is built")
	}
	wav, _ := got.Coord(conversions.CoordWavelength)
	if !almostEqual(wav.Values()[0], 1.5, 1e-12) || !almostEqual(wav.Values()[1], 2.5, 1e-12) {
		t.Errorf("midpoints = %v, want [1.5 2.5]", wav.Values())
	}
}

func TestDenominatorUpperBound(t *testing.T) {
	term, err := nd.NewArray([]string{"wavelength"}, []int{2}, []float64{10, 10}, []float64{1, 1})
	if err != nil {
		t.Fatalf("NewArray: %v", err)
	}
	wavelengthTerm := sansdata.NewDense(term)
	sa, err := nd.NewArray([]string{"pixel"}, []int{3}, []float64{2, 2, 2}, nil)
	if err != nil {
		t.Fatalf("NewArray: %v", err)
	}
	solidAngle := sansdata.NewDense(sa)

	got, err := Denominator(wavelengthTerm, solidAngle, uncertainty.UpperBound)
	if err != nil {
		t.Fatalf("Denominator: %v", err)
	}
	arr, _ := got.Dense()
	if arr.Len() != 6 {
		t.Fatalf("denominator has %d elements, want 6", arr.Len())
	}
	for i := 0; i < arr.Len(); i++ {
		if !almostEqual(arr.Values()[i], 20, 1e-12) {
			t.Errorf("den[%d] = %v, want 20", i, arr.Values()[i])
		}
		// Upper bound scales the term variances by the three pixels it is
		// repeated over, then the solid angle squares in.
		if !almostEqual(arr.Variances()[i], 12, 1e-12) {
			t.Errorf("var[%d] = %v, want 12", i, arr.Variances()[i])
		}
	}
}

func TestProcessWavelengthBands(t *testing.T) {
	t.Run("nil yields one full band", func(t *testing.T) {
		got, err := ProcessWavelengthBands(nil, 2, 12)
		if err != nil {
			t.Fatalf("ProcessWavelengthBands: %v", err)
		}
		if got.NDim() != 1 || got.Len() != 2 {
			t.Fatalf("bands shape = %v, want a single pair", got.Shape())
		}
		if got.Values()[0] != 2 || got.Values()[1] != 12 {
			t.Errorf("bands = %v, want [2 12]", got.Values())
		}
	})
	t.Run("edges become adjacent pairs", func(t *testing.T) {
		edges := nd.FromValues(conversions.CoordWavelength, 1, 2, 4, 8)
		got, err := ProcessWavelengthBands(edges, 1, 8)
		if err != nil {
			t.Fatalf("ProcessWavelengthBands: %v", err)
		}
		if got.NDim() != 2 {
			t.Fatalf("bands ndim = %d, want 2", got.NDim())
		}
		want := []float64{1, 2, 2, 4, 4, 8}
		for i, w := range want {
			if got.Values()[i] != w {
				t.Errorf("bands[%d] = %v, want %v", i, got.Values()[i], w)
			}
		}
	})
	t.Run("two-dimensional table passes through", func(t *testing.T) {
		table, err := nd.NewArray([]string{"band", conversions.CoordWavelength}, []int{2, 2},
			[]float64{1, 3, 3, 8}, nil)
		if err != nil {
			t.Fatalf("NewArray: %v", err)
		}
		got, err := ProcessWavelengthBands(table, 1, 8)
		if err != nil {
			t.Fatalf("ProcessWavelengthBands: %v", err)
		}
		if got != table {
			t.Error("a valid 2-D table should pass through unchanged")
		}
	})
	t.Run("wrong bound count is rejected", func(t *testing.T) {
		table, err := nd.NewArray([]string{"band", conversions.CoordWavelength}, []int{1, 3},
			[]float64{1, 2, 3}, nil)
		if err != nil {
			t.Fatalf("NewArray: %v", err)
		}
		if _, err := ProcessWavelengthBands(table, 1, 3); err == nil {
			t.Fatal("expected an error for three bounds per band")
		}
	})
	t.Run("single edge is rejected", func(t *testing.T) {
		if _, err := ProcessWavelengthBands(nd.FromValues(conversions.CoordWavelength, 1), 1, 2); err == nil {
			t.Fatal("expected an error for a single edge")
		}
	})
}

// reducedPair builds a two-bin event numerator and matching dense
// denominator in momentum-transfer space.
func reducedPair(t *testing.T, denVariances []float64) (sansdata.Part[sansdata.Numerator], sansdata.Part[sansdata.Denominator]) {
	t.Helper()
	binned, err := sansdata.NewBinned([]string{"Q"}, []int{2}, []int{0, 2, 3}, &sansdata.EventBuffer{
		Weights:   []float64{1, 2, 3},
		Variances: []float64{1, 2, 3},
		Coords:    map[string][]float64{"Q": {0.1, 0.2, 0.6}},
	})
	if err != nil {
		t.Fatalf("NewBinned: %v", err)
	}
	qEdges := nd.FromValues("Q", 0, 0.5, 1)
	num := sansdata.New(binned).WithCoord("Q", qEdges)

	den, err := nd.NewArray([]string{"Q"}, []int{2}, []float64{2, 4}, denVariances)
	if err != nil {
		t.Fatalf("NewArray: %v", err)
	}
	denDA := sansdata.NewDense(den).WithCoord("Q", qEdges)
	return sansdata.TagPart[sansdata.Numerator](num), sansdata.TagPart[sansdata.Denominator](denDA)
}

func TestNormalizeEvents(t *testing.T) {
	num, den := reducedPair(t, nil)
	got, err := Normalize(num, den, true, uncertainty.Fail)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	binned, ok := got.Binned()
	if !ok {
		t.Fatal("result should keep events")
	}
	want := []float64{0.5, 1, 0.75}
	for i, w := range want {
		if !almostEqual(binned.Buffer().Weights[i], w, 1e-12) {
			t.Errorf("weight[%d] = %v, want %v", i, binned.Buffer().Weights[i], w)
		}
	}
}

func TestNormalizeTimesDenominatorRecoversNumerator(t *testing.T) {
	num, den := reducedPair(t, nil)
	got, err := Normalize(num, den, false, uncertainty.Fail)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	arr, ok := got.Dense()
	if !ok {
		t.Fatal("result should be dense")
	}
	denArr, _ := den.Dense()
	back, err := nd.Mul(arr, denArr)
	if err != nil {
		t.Fatalf("multiplying the denominator back: %v", err)
	}
	hist, err := num.HistCells()
	if err != nil {
		t.Fatalf("HistCells: %v", err)
	}
	want, _ := hist.Dense()
	for i := range want.Values() {
		if !almostEqual(back.Values()[i], want.Values()[i], 1e-12) {
			t.Errorf("recovered[%d] = %v, want the numerator %v", i, back.Values()[i], want.Values()[i])
		}
	}
}

func TestNormalizeEventsFailMode(t *testing.T) {
	num, den := reducedPair(t, []float64{1, 1})
	if _, err := Normalize(num, den, true, uncertainty.Fail); err == nil {
		t.Fatal("expected an error for a denominator with variances in fail mode")
	}
}

func TestNormalizeEventsDropMode(t *testing.T) {
	num, den := reducedPair(t, []float64{1, 1})
	got, err := Normalize(num, den, true, uncertainty.Drop)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	binned, _ := got.Binned()
	if !almostEqual(binned.Buffer().Weights[0], 0.5, 1e-12) {
		t.Errorf("weight[0] = %v, want 0.5", binned.Buffer().Weights[0])
	}
}

func TestNormalizeDense(t *testing.T) {
	num, den := reducedPair(t, nil)
	got, err := Normalize(num, den, false, uncertainty.Fail)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	arr, ok := got.Dense()
	if !ok {
		t.Fatal("result should be dense")
	}
	// Cell sums are [3, 3]; the denominator is [2, 4].
	want := []float64{1.5, 0.75}
	for i, w := range want {
		if !almostEqual(arr.Values()[i], w, 1e-12) {
			t.Errorf("I[%d] = %v, want %v", i, arr.Values()[i], w)
		}
	}
}
