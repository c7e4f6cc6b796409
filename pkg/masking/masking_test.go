package masking

import (
	"errors"
	"strings"
	"testing"

	"sansred/pkg/nd"
	"sansred/pkg/sansdata"
)

func TestApplyRefusesDuplicates(t *testing.T) {
	da := sansdata.NewDense(nd.Zeros([]string{"pixel"}, []int{3}))
	mask, _ := nd.NewBools([]string{"pixel"}, []int{3}, []bool{true, false, false})
	out, err := Apply(da, "tube_ends", mask)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	_, err = Apply(out, "tube_ends", mask)
	var dup *DuplicateMaskError
	if !errors.As(err, &dup) {
		t.Fatalf("Apply() error = %v, want DuplicateMaskError", err)
	}
	if dup.Name != "tube_ends" {
		t.Errorf("duplicate name = %q, want tube_ends", dup.Name)
	}
}

func TestSeparateMasksExcludeLikeTheirUnion(t *testing.T) {
	build := func() *sansdata.DataArray {
		arr, _ := nd.NewArray([]string{"pixel"}, []int{4}, []float64{1, 2, 4, 8}, nil)
		return sansdata.NewDense(arr)
	}
	holder, _ := nd.NewBools([]string{"pixel"}, []int{4}, []bool{true, false, false, false})
	edges, _ := nd.NewBools([]string{"pixel"}, []int{4}, []bool{false, true, true, false})

	separate, err := ApplyAll(build(), map[string]*nd.Bools{"holder": holder, "edges": edges})
	if err != nil {
		t.Fatalf("ApplyAll() error = %v", err)
	}
	union, err := nd.Or(holder, edges)
	if err != nil {
		t.Fatalf("Or() error = %v", err)
	}
	combined, err := Apply(build(), "holder_or_edges", union)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	sumSeparate, err := separate.SumDims("pixel")
	if err != nil {
		t.Fatalf("SumDims() error = %v", err)
	}
	sumCombined, err := combined.SumDims("pixel")
	if err != nil {
		t.Fatalf("SumDims() error = %v", err)
	}
	a, _ := sumSeparate.Dense()
	b, _ := sumCombined.Dense()
	// Only the last pixel survives either way.
	if a.Values()[0] != b.Values()[0] || a.Values()[0] != 8 {
		t.Errorf("separate masks sum to %v, their union to %v, want 8 both ways", a.Values()[0], b.Values()[0])
	}
}

func TestMaskRangeDenseEdges(t *testing.T) {
	arr, _ := nd.NewArray([]string{"wavelength"}, []int{4}, []float64{1, 2, 3, 4}, nil)
	da := sansdata.NewDense(arr).
		WithCoord("wavelength", nd.FromValues("wavelength", 1, 2, 3, 4, 5))
	out, err := MaskRange(da, MaskedInterval("wavelength", 2.5, 3.5), "band")
	if err != nil {
		t.Fatalf("MaskRange() error = %v", err)
	}
	m, ok := out.Mask("band")
	if !ok {
		t.Fatal("MaskRange() did not attach the mask")
	}
	// Bins [2,3) and [3,4) both have an edge inside [2.5,3.5).
	want := []bool{false, true, true, false}
	for i, w := range want {
		if got := m.Values()[i]; got != w {
			t.Errorf("mask[%d] = %v, want %v", i, got, w)
		}
	}
}

func TestMaskRangeDenseMidpoints(t *testing.T) {
	arr, _ := nd.NewArray([]string{"wavelength"}, []int{3}, []float64{1, 2, 3}, nil)
	da := sansdata.NewDense(arr).
		WithCoord("wavelength", nd.FromValues("wavelength", 1.5, 2.5, 3.5))
	out, err := MaskRange(da, MaskedInterval("wavelength", 2, 3), "band")
	if err != nil {
		t.Fatalf("MaskRange() error = %v", err)
	}
	m, _ := out.Mask("band")
	want := []bool{false, true, false}
	for i, w := range want {
		if got := m.Values()[i]; got != w {
			t.Errorf("mask[%d] = %v, want %v", i, got, w)
		}
	}
}

func TestMaskRangeGeneratesName(t *testing.T) {
	arr, _ := nd.NewArray([]string{"wavelength"}, []int{2}, []float64{1, 2}, nil)
	da := sansdata.NewDense(arr).
		WithCoord("wavelength", nd.FromValues("wavelength", 1, 2, 3))
	out, err := MaskRange(da, MaskedInterval("wavelength", 1, 2), "")
	if err != nil {
		t.Fatalf("MaskRange() error = %v", err)
	}
	names := out.MaskNames()
	if len(names) != 1 {
		t.Fatalf("mask count = %d, want 1", len(names))
	}
	if len(names[0]) != 32 {
		t.Errorf("generated name %q should be a 32-char hex id", names[0])
	}
}

func TestMaskRangeMultiDimCoordRejected(t *testing.T) {
	arr, _ := nd.NewArray([]string{"pixel", "wavelength"}, []int{2, 2}, []float64{1, 2, 3, 4}, nil)
	coord, _ := nd.NewArray([]string{"pixel", "wavelength"}, []int{2, 2}, []float64{1, 2, 1, 2}, nil)
	da := sansdata.NewDense(arr).WithCoord("wavelength", coord)
	_, err := MaskRange(da, MaskedInterval("wavelength", 1, 2), "bad")
	var dimErr *sansdata.DimensionError
	if !errors.As(err, &dimErr) {
		t.Fatalf("MaskRange() error = %v, want DimensionError", err)
	}
}

func TestMaskRangeBinnedUngroupedDim(t *testing.T) {
	buf := &sansdata.EventBuffer{
		Weights: []float64{1, 1, 1, 1},
		Coords:  map[string][]float64{"wavelength": {1, 4, 6, 9}},
	}
	b, err := sansdata.NewBinned(nil, nil, []int{0, 4}, buf)
	if err != nil {
		t.Fatalf("NewBinned() error = %v", err)
	}
	da := sansdata.New(b)
	out, err := MaskRange(da, MaskedInterval("wavelength", 3, 7), "excluded")
	if err != nil {
		t.Fatalf("MaskRange() error = %v", err)
	}
	if !out.HasDim("wavelength") {
		t.Fatal("binned mask_range should group the events by wavelength")
	}
	m, ok := out.Mask("excluded")
	if !ok {
		t.Fatal("MaskRange() did not attach the mask")
	}
	// New cell boundaries are [1, 3, 7, 9+eps]; the middle cell is masked.
	if m.Len() != 3 {
		t.Fatalf("mask len = %d, want 3", m.Len())
	}
	want := []bool{false, true, false}
	for i, w := range want {
		if got := m.Values()[i]; got != w {
			t.Errorf("mask[%d] = %v, want %v", i, got, w)
		}
	}
	// All events survive the re-binning.
	ob, _ := out.Binned()
	if ob.NumEvents() != 4 {
		t.Errorf("events after re-binning = %d, want 4", ob.NumEvents())
	}
}

func TestMaskRangeBinnedGroupedDim(t *testing.T) {
	buf := &sansdata.EventBuffer{
		Weights: []float64{1, 1, 1},
		Coords:  map[string][]float64{"wavelength": {1.5, 2.5, 3.5}},
	}
	b, err := sansdata.NewBinned([]string{"wavelength"}, []int{2}, []int{0, 2, 3}, buf)
	if err != nil {
		t.Fatalf("NewBinned() error = %v", err)
	}
	da := sansdata.New(b).
		WithCoord("wavelength", nd.FromValues("wavelength", 1, 3, 4))
	out, err := MaskRange(da, MaskedInterval("wavelength", 2, 3), "excluded")
	if err != nil {
		t.Fatalf("MaskRange() error = %v", err)
	}
	c, _ := out.Coord("wavelength")
	// Union of mask edges [2,3] and existing boundaries [1,3,4].
	wantEdges := []float64{1, 2, 3, 4}
	if c.Len() != len(wantEdges) {
		t.Fatalf("edges len = %d, want %d", c.Len(), len(wantEdges))
	}
	for i, w := range wantEdges {
		if got := c.Values()[i]; got != w {
			t.Errorf("edge[%d] = %v, want %v", i, got, w)
		}
	}
	m, _ := out.Mask("excluded")
	want := []bool{false, true, false}
	for i, w := range want {
		if got := m.Values()[i]; got != w {
			t.Errorf("mask[%d] = %v, want %v", i, got, w)
		}
	}
}

func TestReadXMLMask(t *testing.T) {
	const doc = `<?xml version="1.0"?>
<detector-masking>
  <group>
    <detids>1-3, 7</detids>
  </group>
  <group>
    <detids>9-10</detids>
  </group>
</detector-masking>`
	ids, err := ReadXMLMask(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("ReadXMLMask() error = %v", err)
	}
	want := []int{1, 2, 3, 7, 9, 10}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i, w := range want {
		if ids[i] != w {
			t.Errorf("ids[%d] = %d, want %d", i, ids[i], w)
		}
	}
}

func TestReadXMLMaskRejectsBadRange(t *testing.T) {
	const doc = `<detector-masking><group><detids>5-2</detids></group></detector-masking>`
	if _, err := ReadXMLMask(strings.NewReader(doc)); err == nil {
		t.Error("ReadXMLMask() should reject a reversed range")
	}
}

func TestMaskFromIDs(t *testing.T) {
	ids, _ := nd.NewArray([]string{"pixel"}, []int{4}, []float64{100, 101, 102, 103}, nil)
	mask := MaskFromIDs(ids, []int{101, 103})
	want := []bool{false, true, false, true}
	for i, w := range want {
		if got := mask.Values()[i]; got != w {
			t.Errorf("mask[%d] = %v, want %v", i, got, w)
		}
	}
}
