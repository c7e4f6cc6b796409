package iofq

import (
	"io"
	"math"
	"testing"

	"github.com/sirupsen/logrus"

	"sansred/pkg/conversions"
	"sansred/pkg/nd"
	"sansred/pkg/sansdata"
	"sansred/pkg/uncertainty"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// flatMonitor builds a dense monitor with 100 counts in eleven signal bins
// and 10 counts in the last bin, over wavelength edges 1..13.
func flatMonitor(t *testing.T) sansdata.Monitor[sansdata.SampleRun, sansdata.Incident] {
	t.Helper()
	counts := make([]float64, 12)
	for i := range counts {
		counts[i] = 100
	}
	counts[11] = 10
	variances := append([]float64(nil), counts...)
	data, err := nd.NewArray([]string{"wavelength"}, []int{12}, counts, variances)
	if err != nil {
		t.Fatalf("NewArray: %v", err)
	}
	edges := make([]float64, 13)
	for i := range edges {
		edges[i] = 1 + float64(i)
	}
	ec, err := nd.NewArray([]string{"wavelength"}, []int{13}, edges, nil)
	if err != nil {
		t.Fatalf("NewArray: %v", err)
	}
	da := sansdata.NewDense(data).WithCoord(conversions.CoordWavelength, ec)
	return sansdata.TagMonitor[sansdata.SampleRun, sansdata.Incident](da)
}

func TestPreprocessMonitorSubtractsBackground(t *testing.T) {
	monitor := flatMonitor(t)
	bins, _ := monitor.Coord(conversions.CoordWavelength)
	nonBackground := nd.FromValues(conversions.CoordWavelength, 1, 12)

	got, err := PreprocessMonitor(monitor, bins, nonBackground, uncertainty.Drop)
	if err != nil {
		t.Fatalf("PreprocessMonitor: %v", err)
	}
	arr, ok := got.Dense()
	if !ok {
		t.Fatal("monitor should stay dense")
	}
	// The only bin outside [1, 12) holds 10 counts, so the background
	// estimate is 10 and the signal bins drop from 100 to 90.
	for i := 0; i < 11; i++ {
		if !almostEqual(arr.Values()[i], 90, 1e-12) {
			t.Errorf("counts[%d] = %v, want 90", i, arr.Values()[i])
		}
	}
	if !almostEqual(arr.Values()[11], 0, 1e-12) {
		t.Errorf("counts[11] = %v, want 0", arr.Values()[11])
	}
	// Drop mode strips the background variances, leaving the counting
	// statistics of the monitor itself.
	if !almostEqual(arr.Variances()[0], 100, 1e-12) {
		t.Errorf("var[0] = %v, want 100", arr.Variances()[0])
	}
}

func TestPreprocessMonitorUpperBound(t *testing.T) {
	monitor := flatMonitor(t)
	bins, _ := monitor.Coord(conversions.CoordWavelength)
	nonBackground := nd.FromValues(conversions.CoordWavelength, 1, 12)

	got, err := PreprocessMonitor(monitor, bins, nonBackground, uncertainty.UpperBound)
	if err != nil {
		t.Fatalf("PreprocessMonitor: %v", err)
	}
	arr, _ := got.Dense()
	// The background mean over the single unmasked bin has variance 10;
	// upper-bound broadcasting over twelve bins scales it to 120.
	if !almostEqual(arr.Variances()[0], 220, 1e-12) {
		t.Errorf("var[0] = %v, want 220", arr.Variances()[0])
	}
}

func TestPreprocessMonitorNoBackgroundRange(t *testing.T) {
	monitor := flatMonitor(t)
	bins, _ := monitor.Coord(conversions.CoordWavelength)
	got, err := PreprocessMonitor(monitor, bins, nil, uncertainty.Fail)
	if err != nil {
		t.Fatalf("PreprocessMonitor: %v", err)
	}
	arr, _ := got.Dense()
	if !almostEqual(arr.Values()[0], 100, 1e-12) {
		t.Errorf("counts[0] = %v, want 100 untouched", arr.Values()[0])
	}
}

func TestResampleDirectBeam(t *testing.T) {
	values, err := nd.NewArray([]string{"wavelength"}, []int{3}, []float64{10, 30, 50}, nil)
	if err != nil {
		t.Fatalf("NewArray: %v", err)
	}
	db := sansdata.NewDense(values).
		WithCoord(conversions.CoordWavelength, nd.FromValues("wavelength", 1, 3, 5))

	t.Run("interpolates at midpoints", func(t *testing.T) {
		bins := nd.FromValues("wavelength", 1, 3)
		got, err := ResampleDirectBeam(db, bins, quietLogger())
		if err != nil {
			t.Fatalf("ResampleDirectBeam: %v", err)
		}
		arr, _ := got.Dense()
		// The direct beam is linear in wavelength, value 10 per angstrom,
		// so the midpoint of [1, 3] evaluates to 20.
		if arr.Len() != 1 || !almostEqual(arr.Values()[0], 20, 1e-9) {
			t.Errorf("resampled = %v, want [20]", arr.Values())
		}
		if !got.IsEdgeCoord(conversions.CoordWavelength) {
			t.Error("resampled direct beam should carry the target bin edges")
		}
	})

	t.Run("extrapolates boundary slopes", func(t *testing.T) {
		bins := nd.FromValues("wavelength", 5, 7)
		got, err := ResampleDirectBeam(db, bins, quietLogger())
		if err != nil {
			t.Fatalf("ResampleDirectBeam: %v", err)
		}
		arr, _ := got.Dense()
		if !almostEqual(arr.Values()[0], 60, 1e-9) {
			t.Errorf("extrapolated = %v, want 60", arr.Values()[0])
		}
	})

	t.Run("drops variances with a warning", func(t *testing.T) {
		withVar, err := nd.NewArray([]string{"wavelength"}, []int{3}, []float64{10, 30, 50}, []float64{1, 1, 1})
		if err != nil {
			t.Fatalf("NewArray: %v", err)
		}
		noisy := sansdata.NewDense(withVar).
			WithCoord(conversions.CoordWavelength, nd.FromValues("wavelength", 1, 3, 5))
		got, err := ResampleDirectBeam(noisy, nd.FromValues("wavelength", 1, 3, 5, 7), quietLogger())
		if err != nil {
			t.Fatalf("ResampleDirectBeam: %v", err)
		}
		arr, _ := got.Dense()
		if arr.Variances() != nil {
			t.Error("interpolated direct beam should not carry variances")
		}
	})

	t.Run("identical bins pass through", func(t *testing.T) {
		bins := nd.FromValues("wavelength", 1, 3, 5)
		got, err := ResampleDirectBeam(db, bins, quietLogger())
		if err != nil {
			t.Fatalf("ResampleDirectBeam: %v", err)
		}
		if got != db {
			t.Error("a direct beam already on the target bins should be returned unchanged")
		}
	})

	t.Run("interpolates layers independently", func(t *testing.T) {
		layered, err := nd.NewArray([]string{"layer", "wavelength"}, []int{2, 3},
			[]float64{10, 30, 50, 20, 60, 100}, nil)
		if err != nil {
			t.Fatalf("NewArray: %v", err)
		}
		perLayer := sansdata.NewDense(layered).
			WithCoord(conversions.CoordWavelength, nd.FromValues("wavelength", 1, 3, 5))
		bins := nd.FromValues("wavelength", 1, 3)
		got, err := ResampleDirectBeam(perLayer, bins, quietLogger())
		if err != nil {
			t.Fatalf("ResampleDirectBeam: %v", err)
		}
		arr, _ := got.Dense()
		if dims := arr.Dims(); len(dims) != 2 || dims[0] != "layer" || dims[1] != "wavelength" {
			t.Fatalf("resampled dims = %v", dims)
		}
		if !almostEqual(arr.At(0, 0), 20, 1e-9) || !almostEqual(arr.At(1, 0), 40, 1e-9) {
			t.Errorf("resampled = %v, want [20 40]", arr.Values())
		}
	})
}

// eventPixels builds a one-dim two-pixel event list with wavelength and Q
// event coordinates.
func eventPixels(t *testing.T) *sansdata.DataArray {
	t.Helper()
	binned, err := sansdata.NewBinned([]string{"pixel"}, []int{2}, []int{0, 2, 4}, &sansdata.EventBuffer{
		Weights:   []float64{1, 2, 3, 4},
		Variances: []float64{1, 2, 3, 4},
		Coords: map[string][]float64{
			conversions.CoordWavelength: {1.5, 2.5, 3.5, 4.5},
			conversions.CoordQ:          {0.1, 0.3, 0.1, 0.3},
		},
	})
	if err != nil {
		t.Fatalf("NewBinned: %v", err)
	}
	return sansdata.New(binned)
}

func TestBinInQEventsConservesWeight(t *testing.T) {
	da := eventPixels(t)
	qEdges := nd.FromValues("Q", 0, 0.2, 0.4)
	got, err := BinInQ(da, qEdges, nil)
	if err != nil {
		t.Fatalf("BinInQ: %v", err)
	}
	binned, ok := got.Binned()
	if !ok {
		t.Fatal("event input should produce event output")
	}
	if dims := got.Dims(); len(dims) != 1 || dims[0] != "Q" {
		t.Fatalf("dims = %v, want [Q]", dims)
	}
	sums := binned.SumCells()
	// Q 0.1 events carry weights 1 and 3, Q 0.3 events carry 2 and 4.
	if !almostEqual(sums.Values()[0], 4, 1e-12) || !almostEqual(sums.Values()[1], 6, 1e-12) {
		t.Errorf("per-bin sums = %v, want [4 6]", sums.Values())
	}
}

func TestBinInQExcludesMaskedPixels(t *testing.T) {
	da := eventPixels(t)
	mask, err := nd.NewBools([]string{"pixel"}, []int{2}, []bool{false, true})
	if err != nil {
		t.Fatalf("NewBools: %v", err)
	}
	da = da.WithMask("broken", mask)
	got, err := BinInQ(da, nd.FromValues("Q", 0, 0.2, 0.4), nil)
	if err != nil {
		t.Fatalf("BinInQ: %v", err)
	}
	binned, _ := got.Binned()
	if n := binned.NumEvents(); n != 2 {
		t.Errorf("surviving events = %d, want 2 after masking pixel 1", n)
	}
}

func TestReduceQBandedEvents(t *testing.T) {
	da := eventPixels(t)
	qEdges := nd.FromValues("Q", 0, 0.2, 0.4)
	bands, err := nd.NewArray([]string{"band", "wavelength"}, []int{2, 2}, []float64{1, 3, 3, 5}, nil)
	if err != nil {
		t.Fatalf("NewArray: %v", err)
	}
	got, err := ReduceQ(da, qEdges, bands, nil)
	if err != nil {
		t.Fatalf("ReduceQ: %v", err)
	}
	dims := got.Dims()
	if len(dims) != 2 || dims[0] != "band" || dims[1] != "Q" {
		t.Fatalf("dims = %v, want [band Q]", dims)
	}
	hist, err := got.HistCells()
	if err != nil {
		t.Fatalf("HistCells: %v", err)
	}
	arr, _ := hist.Dense()
	// Band one holds wavelengths below 3 (weights 1 and 2), band two the
	// rest (weights 3 and 4), split by Q into the two bins.
	want := []float64{1, 2, 3, 4}
	for i, w := range want {
		if !almostEqual(arr.Values()[i], w, 1e-12) {
			t.Errorf("I[%d] = %v, want %v", i, arr.Values()[i], w)
		}
	}
	wav, ok := got.Coord(conversions.CoordWavelength)
	if !ok {
		t.Fatal("banded result should carry the band bounds as wavelength coordinate")
	}
	if wav.NDim() != 2 || wav.Len() != 4 {
		t.Errorf("band annotation shape = %v, want (2, 2)", wav.Shape())
	}
}

func TestReduceQSingleBandAnnotation(t *testing.T) {
	da := eventPixels(t)
	got, err := ReduceQ(da, nd.FromValues("Q", 0, 0.2, 0.4), nd.FromValues("wavelength", 1, 5), nil)
	if err != nil {
		t.Fatalf("ReduceQ: %v", err)
	}
	if got.HasDim("band") {
		t.Errorf("single band should not grow a band dim, got %v", got.Dims())
	}
	wav, ok := got.Coord(conversions.CoordWavelength)
	if !ok || wav.Len() != 2 {
		t.Fatal("single band should be annotated with its two bounds")
	}
	if wav.Values()[0] != 1 || wav.Values()[1] != 5 {
		t.Errorf("band bounds = %v, want [1 5]", wav.Values())
	}
}

// densePixels builds a (pixel, wavelength) histogram whose Q coordinate
// depends on both dims.
func densePixels(t *testing.T) *sansdata.DataArray {
	t.Helper()
	data, err := nd.NewArray([]string{"pixel", "wavelength"}, []int{2, 2}, []float64{1, 2, 3, 4}, nil)
	if err != nil {
		t.Fatalf("NewArray: %v", err)
	}
	q, err := nd.NewArray([]string{"pixel", "wavelength"}, []int{2, 2}, []float64{0.1, 0.3, 0.1, 0.3}, nil)
	if err != nil {
		t.Fatalf("NewArray: %v", err)
	}
	return sansdata.NewDense(data).
		WithCoord(conversions.CoordWavelength, nd.FromValues("wavelength", 1, 3, 5)).
		WithCoord(conversions.CoordQ, q)
}

func TestReduceQDenseBanded(t *testing.T) {
	da := densePixels(t)
	bands, err := nd.NewArray([]string{"band", "wavelength"}, []int{2, 2}, []float64{1, 3, 3, 5}, nil)
	if err != nil {
		t.Fatalf("NewArray: %v", err)
	}
	got, err := ReduceQ(da, nd.FromValues("Q", 0, 0.2, 0.4), bands, nil)
	if err != nil {
		t.Fatalf("ReduceQ: %v", err)
	}
	arr, ok := got.Dense()
	if !ok {
		t.Fatal("dense input should produce dense output")
	}
	dims := got.Dims()
	if len(dims) != 2 || dims[0] != "band" || dims[1] != "Q" {
		t.Fatalf("dims = %v, want [band Q]", dims)
	}
	// The first wavelength column has Q = 0.1 and counts 1 and 3; the
	// second has Q = 0.3 and counts 2 and 4.
	want := []float64{4, 0, 0, 6}
	for i, w := range want {
		if !almostEqual(arr.Values()[i], w, 1e-12) {
			t.Errorf("I[%d] = %v, want %v", i, arr.Values()[i], w)
		}
	}
}

func TestReduceQDenseUnbanded(t *testing.T) {
	da := densePixels(t)
	got, err := ReduceQ(da, nd.FromValues("Q", 0, 0.2, 0.4), nil, nil)
	if err != nil {
		t.Fatalf("ReduceQ: %v", err)
	}
	arr, _ := got.Dense()
	if dims := got.Dims(); len(dims) != 1 || dims[0] != "Q" {
		t.Fatalf("dims = %v, want [Q]", dims)
	}
	if !almostEqual(arr.Values()[0], 4, 1e-12) || !almostEqual(arr.Values()[1], 6, 1e-12) {
		t.Errorf("I = %v, want [4 6]", arr.Values())
	}
}

func TestBinInQxyEvents(t *testing.T) {
	binned, err := sansdata.NewBinned([]string{"pixel"}, []int{1}, []int{0, 3}, &sansdata.EventBuffer{
		Weights: []float64{1, 2, 4},
		Coords: map[string][]float64{
			conversions.CoordQx: {-0.1, 0.1, 0.1},
			conversions.CoordQy: {0.1, 0.1, -0.1},
		},
	})
	if err != nil {
		t.Fatalf("NewBinned: %v", err)
	}
	da := sansdata.New(binned)
	got, err := BinInQxy(da, nd.FromValues("Qx", -0.2, 0, 0.2), nd.FromValues("Qy", -0.2, 0, 0.2), nil)
	if err != nil {
		t.Fatalf("BinInQxy: %v", err)
	}
	dims := got.Dims()
	if len(dims) != 2 || dims[0] != "Qy" || dims[1] != "Qx" {
		t.Fatalf("dims = %v, want [Qy Qx]", dims)
	}
	hist, err := got.HistCells()
	if err != nil {
		t.Fatalf("HistCells: %v", err)
	}
	arr, _ := hist.Dense()
	// Grid rows are Qy bins [-0.2,0) and [0,0.2): weight 4 sits at
	// negative Qy positive Qx, weights 1 and 2 in the upper row.
	want := []float64{0, 4, 1, 2}
	for i, w := range want {
		if !almostEqual(arr.Values()[i], w, 1e-12) {
			t.Errorf("I[%d] = %v, want %v", i, arr.Values()[i], w)
		}
	}
}

func TestSubtractBackgroundEvents(t *testing.T) {
	build := func() *sansdata.DataArray {
		binned, err := sansdata.NewBinned([]string{"Q"}, []int{1}, []int{0, 1}, &sansdata.EventBuffer{
			Weights:   []float64{2},
			Variances: []float64{2},
			Coords:    map[string][]float64{"Q": {0.1}},
		})
		if err != nil {
			t.Fatalf("NewBinned: %v", err)
		}
		return sansdata.New(binned)
	}
	got, err := SubtractBackground(
		sansdata.TagRun[sansdata.SampleRun](build()),
		sansdata.TagRun[sansdata.BackgroundRun](build()),
		true,
	)
	if err != nil {
		t.Fatalf("SubtractBackground: %v", err)
	}
	binned, ok := got.Binned()
	if !ok {
		t.Fatal("event subtraction should keep events")
	}
	if n := binned.NumEvents(); n != 2 {
		t.Fatalf("events = %d, want sample plus negated background", n)
	}
	sums := binned.SumCells()
	if !almostEqual(sums.Values()[0], 0, 1e-12) {
		t.Errorf("net intensity = %v, want 0 for identical runs", sums.Values()[0])
	}
	// Variances add even though the values cancel.
	if !almostEqual(sums.Variances()[0], 4, 1e-12) {
		t.Errorf("net variance = %v, want 4", sums.Variances()[0])
	}
}

func TestSubtractBackgroundDense(t *testing.T) {
	mk := func(vals []float64) *sansdata.DataArray {
		arr, err := nd.NewArray([]string{"Q"}, []int{2}, vals, nil)
		if err != nil {
			t.Fatalf("NewArray: %v", err)
		}
		return sansdata.NewDense(arr).WithCoord("Q", nd.FromValues("Q", 0, 0.2, 0.4))
	}
	got, err := SubtractBackground(
		sansdata.TagRun[sansdata.SampleRun](mk([]float64{5, 7})),
		sansdata.TagRun[sansdata.BackgroundRun](mk([]float64{1, 2})),
		false,
	)
	if err != nil {
		t.Fatalf("SubtractBackground: %v", err)
	}
	arr, _ := got.Dense()
	if !almostEqual(arr.Values()[0], 4, 1e-12) || !almostEqual(arr.Values()[1], 5, 1e-12) {
		t.Errorf("difference = %v, want [4 5]", arr.Values())
	}
}

func TestSubtractBackgroundPathsAgree(t *testing.T) {
	qEdges := nd.FromValues("Q", 0, 0.5, 1)
	build := func(offsets []int, weights, qs []float64) *sansdata.DataArray {
		binned, err := sansdata.NewBinned([]string{"Q"}, []int{2}, offsets, &sansdata.EventBuffer{
			Weights:   weights,
			Variances: append([]float64(nil), weights...),
			Coords:    map[string][]float64{"Q": qs},
		})
		if err != nil {
			t.Fatalf("NewBinned: %v", err)
		}
		return sansdata.New(binned).WithCoord("Q", qEdges)
	}
	sample := func() sansdata.RunData[sansdata.SampleRun] {
		return sansdata.TagRun[sansdata.SampleRun](
			build([]int{0, 2, 3}, []float64{1, 2, 3}, []float64{0.1, 0.2, 0.6}))
	}
	background := func() sansdata.RunData[sansdata.BackgroundRun] {
		return sansdata.TagRun[sansdata.BackgroundRun](
			build([]int{0, 1, 3}, []float64{0.5, 1, 0.25}, []float64{0.3, 0.7, 0.8}))
	}
	events, err := SubtractBackground(sample(), background(), true)
	if err != nil {
		t.Fatalf("event-mode subtraction: %v", err)
	}
	viaEvents, err := events.HistCells()
	if err != nil {
		t.Fatalf("HistCells: %v", err)
	}
	dense, err := SubtractBackground(sample(), background(), false)
	if err != nil {
		t.Fatalf("dense subtraction: %v", err)
	}
	got, _ := viaEvents.Dense()
	want, _ := dense.Dense()
	for i := range want.Values() {
		if !almostEqual(got.Values()[i], want.Values()[i], 1e-12) {
			t.Errorf("I[%d] = %v via events, %v via histograms", i, got.Values()[i], want.Values()[i])
		}
		if !almostEqual(got.Variances()[i], want.Variances()[i], 1e-12) {
			t.Errorf("var[%d] = %v via events, %v via histograms", i, got.Variances()[i], want.Variances()[i])
		}
	}
}

func TestMergeContributions(t *testing.T) {
	mk := func(vals []float64) *sansdata.DataArray {
		arr, err := nd.NewArray([]string{"Q"}, []int{2}, vals, nil)
		if err != nil {
			t.Fatalf("NewArray: %v", err)
		}
		return sansdata.NewDense(arr).WithCoord("Q", nd.FromValues("Q", 0, 0.2, 0.4))
	}
	got, err := MergeContributions(mk([]float64{1, 2}), mk([]float64{10, 20}))
	if err != nil {
		t.Fatalf("MergeContributions: %v", err)
	}
	arr, _ := got.Dense()
	if !almostEqual(arr.Values()[0], 11, 1e-12) || !almostEqual(arr.Values()[1], 22, 1e-12) {
		t.Errorf("merged = %v, want [11 22]", arr.Values())
	}
}
