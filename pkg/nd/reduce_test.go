package nd

import (
	"testing"
)

func TestSumDim(t *testing.T) {
	a, _ := NewArray([]string{"y", "x"}, []int{2, 3},
		[]float64{1, 2, 3, 4, 5, 6},
		[]float64{1, 1, 1, 2, 2, 2})
	out, err := a.Sum("x")
	if err != nil {
		t.Fatalf("Sum() error = %v", err)
	}
	if got := out.At(0); got != 6 {
		t.Errorf("Sum() At(0) = %v, want 6", got)
	}
	if got := out.At(1); got != 15 {
		t.Errorf("Sum() At(1) = %v, want 15", got)
	}
	if got := out.VarAt(1); got != 6 {
		t.Errorf("Sum() VarAt(1) = %v, want 6", got)
	}
}

func TestSumDimsWhere(t *testing.T) {
	a, _ := NewArray([]string{"y", "x"}, []int{2, 3}, []float64{1, 2, 3, 4, 5, 6}, nil)
	mask, _ := NewBools([]string{"x"}, []int{3}, []bool{false, true, false})
	out, err := SumDimsWhere(a, []string{"x"}, mask)
	if err != nil {
		t.Fatalf("SumDimsWhere() error = %v", err)
	}
	if got := out.At(0); got != 4 {
		t.Errorf("masked sum At(0) = %v, want 4", got)
	}
	if got := out.At(1); got != 10 {
		t.Errorf("masked sum At(1) = %v, want 10", got)
	}
}

func TestMeanAllWhere(t *testing.T) {
	a, _ := NewArray([]string{"x"}, []int{4}, []float64{1, 2, 100, 3}, []float64{1, 1, 1, 1})
	mask, _ := NewBools([]string{"x"}, []int{4}, []bool{false, false, true, false})
	out, err := MeanAllWhere(a, mask)
	if err != nil {
		t.Fatalf("MeanAllWhere() error = %v", err)
	}
	if got := out.Values()[0]; !almostEqual(got, 2, 1e-12) {
		t.Errorf("mean = %v, want 2", got)
	}
	if got := out.Variances()[0]; !almostEqual(got, 3.0/9.0, 1e-12) {
		t.Errorf("variance of mean = %v, want 1/3", got)
	}

	full, _ := NewBools([]string{"x"}, []int{4}, []bool{true, true, true, true})
	if _, err := MeanAllWhere(a, full); err == nil {
		t.Error("MeanAllWhere() of fully masked array should fail")
	}
}

func TestRebin(t *testing.T) {
	old := FromValues("wavelength", 0, 1, 2, 3, 4)
	counts, _ := NewArray([]string{"wavelength"}, []int{4}, []float64{10, 20, 30, 40}, nil)

	t.Run("coarser bins conserve counts", func(t *testing.T) {
		coarse := FromValues("wavelength", 0, 2, 4)
		out, err := Rebin(counts, "wavelength", old, coarse)
		if err != nil {
			t.Fatalf("Rebin() error = %v", err)
		}
		if got := out.At(0); got != 30 {
			t.Errorf("Rebin() At(0) = %v, want 30", got)
		}
		if got := out.At(1); got != 70 {
			t.Errorf("Rebin() At(1) = %v, want 70", got)
		}
	})

	t.Run("partial overlap splits proportionally", func(t *testing.T) {
		halves := FromValues("wavelength", 0.5, 1.5)
		out, err := Rebin(counts, "wavelength", old, halves)
		if err != nil {
			t.Fatalf("Rebin() error = %v", err)
		}
		if got := out.At(0); !almostEqual(got, 15, 1e-12) {
			t.Errorf("Rebin() At(0) = %v, want 15", got)
		}
	})
}

func TestBoolsOrBroadcast(t *testing.T) {
	a, _ := NewBools([]string{"y"}, []int{2}, []bool{true, false})
	b, _ := NewBools([]string{"x"}, []int{2}, []bool{false, true})
	out, err := Or(a, b)
	if err != nil {
		t.Fatalf("Or() error = %v", err)
	}
	if out.CountTrue() != 3 {
		t.Errorf("Or() true count = %d, want 3", out.CountTrue())
	}
	if out.At(1, 0) {
		t.Error("Or() At(1,0) = true, want false")
	}
}
