package sansdata

import (
	"testing"

	"sansred/pkg/nd"
)

// twoPixelEvents builds a binned array with two pixels: pixel 0 holds
// events at wavelengths 1.5 and 2.5, pixel 1 a single event at 3.5.
func twoPixelEvents(t *testing.T) *DataArray {
	t.Helper()
	buf := &EventBuffer{
		Weights:   []float64{1, 2, 3},
		Variances: []float64{1, 2, 3},
		Coords:    map[string][]float64{"wavelength": {1.5, 2.5, 3.5}},
	}
	b, err := NewBinned([]string{"pixel"}, []int{2}, []int{0, 2, 3}, buf)
	if err != nil {
		t.Fatalf("NewBinned() error = %v", err)
	}
	return New(b)
}

func TestBinnedValidation(t *testing.T) {
	buf := &EventBuffer{Weights: []float64{1, 2}, Coords: map[string][]float64{}}
	tests := []struct {
		name    string
		offsets []int
	}{
		{"wrong length", []int{0, 2}},
		{"not spanning buffer", []int{0, 1, 1}},
		{"decreasing", []int{0, 2, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewBinned([]string{"pixel"}, []int{2}, tt.offsets, buf); err == nil {
				t.Error("NewBinned() should fail")
			}
		})
	}
}

func TestEventCounts(t *testing.T) {
	da := twoPixelEvents(t)
	counts, err := da.EventCounts()
	if err != nil {
		t.Fatalf("EventCounts() error = %v", err)
	}
	arr, _ := counts.Dense()
	if got := arr.At(0); got != 2 {
		t.Errorf("counts At(0) = %v, want 2", got)
	}
	if got := arr.At(1); got != 1 {
		t.Errorf("counts At(1) = %v, want 1", got)
	}
}

func TestHistEvents(t *testing.T) {
	da := twoPixelEvents(t)
	edges := nd.FromValues("wavelength", 1, 2, 3, 4)
	out, err := da.Hist("wavelength", edges)
	if err != nil {
		t.Fatalf("Hist() error = %v", err)
	}
	arr, ok := out.Dense()
	if !ok {
		t.Fatal("Hist() of binned data should be dense")
	}
	if got := arr.At(0, 0); got != 1 {
		t.Errorf("hist At(0,0) = %v, want 1", got)
	}
	if got := arr.At(0, 1); got != 2 {
		t.Errorf("hist At(0,1) = %v, want 2", got)
	}
	if got := arr.At(1, 2); got != 3 {
		t.Errorf("hist At(1,2) = %v, want 3", got)
	}
	if got := arr.VarAt(0, 1); got != 2 {
		t.Errorf("hist VarAt(0,1) = %v, want 2", got)
	}
}

func TestHistCellsConservesWeight(t *testing.T) {
	da := twoPixelEvents(t)
	out, err := da.HistCells()
	if err != nil {
		t.Fatalf("HistCells() error = %v", err)
	}
	arr, _ := out.Dense()
	if got := arr.At(0); got != 3 {
		t.Errorf("cell sum At(0) = %v, want 3", got)
	}
	if got := arr.At(1); got != 3 {
		t.Errorf("cell sum At(1) = %v, want 3", got)
	}
}

func TestBinByAddsInnerDim(t *testing.T) {
	da := twoPixelEvents(t)
	edges := nd.FromValues("wavelength", 1, 3, 4)
	out, err := da.BinBy("wavelength", edges)
	if err != nil {
		t.Fatalf("BinBy() error = %v", err)
	}
	b, ok := out.Binned()
	if !ok {
		t.Fatal("BinBy() should stay binned")
	}
	dims := b.Dims()
	if len(dims) != 2 || dims[0] != "pixel" || dims[1] != "wavelength" {
		t.Fatalf("BinBy() dims = %v, want [pixel wavelength]", dims)
	}
	// Pixel 0: both events fall in [1,3); pixel 1: one event in [3,4).
	if lo, hi := b.CellRange(0); hi-lo != 2 {
		t.Errorf("cell(0,0) events = %d, want 2", hi-lo)
	}
	if lo, hi := b.CellRange(3); hi-lo != 1 {
		t.Errorf("cell(1,1) events = %d, want 1", hi-lo)
	}
	if !out.IsEdgeCoord("wavelength") {
		t.Error("BinBy() should attach the edges as a coord")
	}
}

func TestConcatAcrossExcludesMaskedCells(t *testing.T) {
	da := twoPixelEvents(t)
	mask, _ := nd.NewBools([]string{"pixel"}, []int{2}, []bool{false, true})
	da = da.WithMask("broken", mask)
	out, err := da.ConcatAcross("pixel")
	if err != nil {
		t.Fatalf("ConcatAcross() error = %v", err)
	}
	b, _ := out.Binned()
	if b.NumCells() != 1 {
		t.Fatalf("ConcatAcross() cells = %d, want 1", b.NumCells())
	}
	if b.NumEvents() != 2 {
		t.Errorf("ConcatAcross() events = %d, want 2 (masked pixel excluded)", b.NumEvents())
	}
	if out.HasMask("broken") {
		t.Error("consumed mask should not survive")
	}
}

func TestConcatenateMergesCells(t *testing.T) {
	a := twoPixelEvents(t)
	b := twoPixelEvents(t)
	merged, err := Merge([]*DataArray{a, b})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	mb, _ := merged.Binned()
	if mb.NumEvents() != 6 {
		t.Errorf("merged events = %d, want 6", mb.NumEvents())
	}
	if lo, hi := mb.CellRange(0); hi-lo != 4 {
		t.Errorf("merged cell 0 events = %d, want 4", hi-lo)
	}
}

func TestScaleEventsNegation(t *testing.T) {
	da := twoPixelEvents(t)
	neg, err := da.ScaleEvents(-1)
	if err != nil {
		t.Fatalf("ScaleEvents() error = %v", err)
	}
	b, _ := neg.Binned()
	if got := b.Buffer().Weights[0]; got != -1 {
		t.Errorf("negated weight = %v, want -1", got)
	}
	if got := b.Buffer().Variances[0]; got != 1 {
		t.Errorf("negated variance = %v, want 1 (variances stay positive)", got)
	}
}

func TestSubtractionViaNegatedMerge(t *testing.T) {
	sample := twoPixelEvents(t)
	background := twoPixelEvents(t)
	neg, err := background.ScaleEvents(-1)
	if err != nil {
		t.Fatalf("ScaleEvents() error = %v", err)
	}
	diff, err := Merge([]*DataArray{sample, neg})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	hist, err := diff.HistCells()
	if err != nil {
		t.Fatalf("HistCells() error = %v", err)
	}
	arr, _ := hist.Dense()
	// Identical sample and background cancel exactly.
	if got := arr.At(0); got != 0 {
		t.Errorf("difference At(0) = %v, want 0", got)
	}
	// Uncertainties accumulate even where values cancel.
	if got := arr.VarAt(0); got != 6 {
		t.Errorf("difference VarAt(0) = %v, want 6", got)
	}
}

func TestDivideEvents(t *testing.T) {
	da := twoPixelEvents(t)
	den, _ := nd.NewArray([]string{"pixel"}, []int{2}, []float64{2, 3}, nil)
	out, err := DivideEvents(da, NewDense(den))
	if err != nil {
		t.Fatalf("DivideEvents() error = %v", err)
	}
	b, _ := out.Binned()
	if got := b.Buffer().Weights[0]; got != 0.5 {
		t.Errorf("divided weight[0] = %v, want 0.5", got)
	}
	if got := b.Buffer().Weights[2]; got != 1 {
		t.Errorf("divided weight[2] = %v, want 1", got)
	}
	if got := b.Buffer().Variances[0]; got != 0.25 {
		t.Errorf("divided variance[0] = %v, want 0.25", got)
	}
}

func TestConcatNewBandDim(t *testing.T) {
	a1, _ := nd.NewArray([]string{"Q"}, []int{2}, []float64{1, 2}, nil)
	a2, _ := nd.NewArray([]string{"Q"}, []int{2}, []float64{3, 4}, nil)
	qEdges := nd.FromValues("Q", 0, 1, 2)
	da1 := NewDense(a1).WithCoord("Q", qEdges).WithCoord("wavelength", nd.FromValues("wavelength", 1, 3))
	da2 := NewDense(a2).WithCoord("Q", qEdges).WithCoord("wavelength", nd.FromValues("wavelength", 3, 5))
	out, err := Concat([]*DataArray{da1, da2}, "band")
	if err != nil {
		t.Fatalf("Concat() error = %v", err)
	}
	if sz, _ := out.Size("band"); sz != 2 {
		t.Fatalf("band size = %d, want 2", sz)
	}
	if _, ok := out.Coord("Q"); !ok {
		t.Error("identical Q edges should be kept")
	}
	if out.HasCoord("wavelength") {
		t.Error("differing wavelength ranges should be dropped for the caller to reattach")
	}
}

func TestSliceCellsRebuildsBuffer(t *testing.T) {
	da := twoPixelEvents(t)
	out, err := da.SliceDim("pixel", 1, 2)
	if err != nil {
		t.Fatalf("SliceDim() error = %v", err)
	}
	b, _ := out.Binned()
	if b.NumEvents() != 1 {
		t.Fatalf("sliced events = %d, want 1", b.NumEvents())
	}
	if got := b.Buffer().Coords["wavelength"][0]; got != 3.5 {
		t.Errorf("sliced event wavelength = %v, want 3.5", got)
	}
}
