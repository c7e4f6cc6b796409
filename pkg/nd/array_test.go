package nd

import (
	"math"
	"testing"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestNewArrayValidation(t *testing.T) {
	tests := []struct {
		name      string
		dims      []string
		shape     []int
		values    []float64
		variances []float64
		wantErr   bool
	}{
		{
			name:   "valid 2d",
			dims:   []string{"y", "x"},
			shape:  []int{2, 3},
			values: []float64{1, 2, 3, 4, 5, 6},
		},
		{
			name:    "shape mismatch",
			dims:    []string{"x"},
			shape:   []int{4},
			values:  []float64{1, 2, 3},
			wantErr: true,
		},
		{
			name:    "dims shape length mismatch",
			dims:    []string{"y", "x"},
			shape:   []int{6},
			values:  []float64{1, 2, 3, 4, 5, 6},
			wantErr: true,
		},
		{
			name:      "variance length mismatch",
			dims:      []string{"x"},
			shape:     []int{2},
			values:    []float64{1, 2},
			variances: []float64{1},
			wantErr:   true,
		},
		{
			name:    "duplicate dims",
			dims:    []string{"x", "x"},
			shape:   []int{2, 2},
			values:  []float64{1, 2, 3, 4},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewArray(tt.dims, tt.shape, tt.values, tt.variances)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewArray() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAtRowMajorLayout(t *testing.T) {
	a, err := NewArray([]string{"y", "x"}, []int{2, 3}, []float64{1, 2, 3, 4, 5, 6}, nil)
	if err != nil {
		t.Fatalf("NewArray() error = %v", err)
	}
	if got := a.At(0, 2); got != 3 {
		t.Errorf("At(0,2) = %v, want 3", got)
	}
	if got := a.At(1, 0); got != 4 {
		t.Errorf("At(1,0) = %v, want 4", got)
	}
}

func TestTranspose(t *testing.T) {
	a, _ := NewArray([]string{"y", "x"}, []int{2, 3}, []float64{1, 2, 3, 4, 5, 6}, nil)
	tr, err := a.Transpose("x", "y")
	if err != nil {
		t.Fatalf("Transpose() error = %v", err)
	}
	wantDims := []string{"x", "y"}
	for i, d := range tr.Dims() {
		if d != wantDims[i] {
			t.Fatalf("Transpose() dims = %v, want %v", tr.Dims(), wantDims)
		}
	}
	if got := tr.At(2, 1); got != 6 {
		t.Errorf("transposed At(2,1) = %v, want 6", got)
	}
	if got := tr.At(0, 1); got != 4 {
		t.Errorf("transposed At(0,1) = %v, want 4", got)
	}
}

func TestFlattenContiguous(t *testing.T) {
	a, _ := NewArray([]string{"z", "y", "x"}, []int{2, 2, 2},
		[]float64{1, 2, 3, 4, 5, 6, 7, 8}, nil)
	flat, err := a.Flatten([]string{"y", "x"}, "pixel")
	if err != nil {
		t.Fatalf("Flatten() error = %v", err)
	}
	wantDims := []string{"z", "pixel"}
	gotDims := flat.Dims()
	if len(gotDims) != 2 || gotDims[0] != wantDims[0] || gotDims[1] != wantDims[1] {
		t.Fatalf("Flatten() dims = %v, want %v", gotDims, wantDims)
	}
	if got := flat.At(1, 3); got != 8 {
		t.Errorf("flattened At(1,3) = %v, want 8", got)
	}

	if _, err := a.Flatten([]string{"z", "x"}, "bad"); err == nil {
		t.Error("Flatten() of non-contiguous dims should fail")
	}
}

func TestSliceAndIndex(t *testing.T) {
	a, _ := NewArray([]string{"y", "x"}, []int{3, 2}, []float64{1, 2, 3, 4, 5, 6}, nil)
	s, err := a.Slice("y", 1, 3)
	if err != nil {
		t.Fatalf("Slice() error = %v", err)
	}
	if got := s.At(0, 0); got != 3 {
		t.Errorf("sliced At(0,0) = %v, want 3", got)
	}
	row, err := a.Index("y", 2)
	if err != nil {
		t.Fatalf("Index() error = %v", err)
	}
	if row.NDim() != 1 {
		t.Fatalf("Index() ndim = %d, want 1", row.NDim())
	}
	if got := row.At(1); got != 6 {
		t.Errorf("indexed At(1) = %v, want 6", got)
	}
}

func TestMidpoints(t *testing.T) {
	edges := FromValues("wavelength", 1, 2, 4, 8)
	mid, err := edges.Midpoints("wavelength")
	if err != nil {
		t.Fatalf("Midpoints() error = %v", err)
	}
	want := []float64{1.5, 3, 6}
	if mid.Len() != len(want) {
		t.Fatalf("Midpoints() len = %d, want %d", mid.Len(), len(want))
	}
	for i, w := range want {
		if got := mid.Values()[i]; got != w {
			t.Errorf("Midpoints()[%d] = %v, want %v", i, got, w)
		}
	}
}

func TestConcat(t *testing.T) {
	a := FromValues("x", 1, 2)
	b := FromValues("x", 3)

	t.Run("existing dim", func(t *testing.T) {
		out, err := Concat([]*Array{a, b}, "x")
		if err != nil {
			t.Fatalf("Concat() error = %v", err)
		}
		want := []float64{1, 2, 3}
		for i, w := range want {
			if got := out.Values()[i]; got != w {
				t.Errorf("Concat()[%d] = %v, want %v", i, got, w)
			}
		}
	})

	t.Run("new outer dim", func(t *testing.T) {
		c := FromValues("x", 3, 4)
		out, err := Concat([]*Array{a, c}, "band")
		if err != nil {
			t.Fatalf("Concat() error = %v", err)
		}
		gotDims := out.Dims()
		if gotDims[0] != "band" || gotDims[1] != "x" {
			t.Fatalf("Concat() dims = %v, want [band x]", gotDims)
		}
		if got := out.At(1, 0); got != 3 {
			t.Errorf("Concat() At(1,0) = %v, want 3", got)
		}
	})
}

func TestSqueeze(t *testing.T) {
	a, _ := NewArray([]string{"band", "x"}, []int{1, 3}, []float64{1, 2, 3}, nil)
	s := a.Squeeze()
	if s.NDim() != 1 || s.Dims()[0] != "x" {
		t.Errorf("Squeeze() dims = %v, want [x]", s.Dims())
	}
}

func TestSelectAlong(t *testing.T) {
	a, _ := NewArray([]string{"pixel", "x"}, []int{3, 2}, []float64{1, 2, 3, 4, 5, 6}, nil)
	out, err := a.SelectAlong("pixel", []bool{true, false, true})
	if err != nil {
		t.Fatalf("SelectAlong() error = %v", err)
	}
	if sz, _ := out.Size("pixel"); sz != 2 {
		t.Fatalf("SelectAlong() size = %d, want 2", sz)
	}
	if got := out.At(1, 0); got != 5 {
		t.Errorf("SelectAlong() At(1,0) = %v, want 5", got)
	}
}
