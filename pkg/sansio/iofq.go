package sansio

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"sansred/pkg/conversions"
	"sansred/pkg/nd"
	"sansred/pkg/sansdata"
)

// WriteIofQ writes a reduced intensity as a plain text table. Binned
// results are histogrammed first and edge coordinates are written as
// bin midpoints. A one-dimensional result becomes one row per bin, a
// banded result one block per band and a two-dimensional grid one row
// per cell. Uncertainties are written as standard deviations.
func WriteIofQ(w io.Writer, da *sansdata.DataArray) error {
	return writeTable(w, da, "I")
}

// WriteResolution writes a pooled momentum-transfer resolution in the
// same layouts as WriteIofQ, with sigmaQ as the value column.
func WriteResolution(w io.Writer, da *sansdata.DataArray) error {
	return writeTable(w, da, "sigmaQ")
}

func writeTable(w io.Writer, da *sansdata.DataArray, label string) error {
	if da.IsBinned() {
		hist, err := da.HistCells()
		if err != nil {
			return err
		}
		da = hist
	}
	arr, ok := da.Dense()
	if !ok {
		return fmt.Errorf("sansio: no dense data to write")
	}
	dims := arr.Dims()
	switch {
	case len(dims) == 1:
		return writeColumns(w, da, label)
	case len(dims) == 2 && da.HasCoord(dims[0]) && da.HasCoord(dims[1]):
		return writeGrid(w, da, label)
	case len(dims) == 2 && da.HasCoord(dims[1]):
		return writeBands(w, da, label)
	case len(dims) == 3 && da.HasCoord(dims[1]) && da.HasCoord(dims[2]):
		return writeBandedGrid(w, da, label)
	}
	return fmt.Errorf("sansio: cannot lay out a table for dims %v", dims)
}

// SaveIofQ writes the reduced intensity to a file, creating the parent
// directory when needed.
func SaveIofQ(da *sansdata.DataArray, path string) error {
	return saveTable(da, path, "I")
}

// SaveResolution writes the resolution table to a file, creating the
// parent directory when needed.
func SaveResolution(da *sansdata.DataArray, path string) error {
	return saveTable(da, path, "sigmaQ")
}

func saveTable(da *sansdata.DataArray, path, label string) error {
	var buf bytes.Buffer
	if err := writeTable(&buf, da, label); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("sansio: error creating output directory: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("sansio: error writing output file: %w", err)
	}
	return nil
}

// midCoord returns the named coordinate as bin midpoints.
func midCoord(da *sansdata.DataArray, name string) (*nd.Array, error) {
	c, ok := da.Coord(name)
	if !ok {
		return nil, fmt.Errorf("sansio: the data has no %q coordinate", name)
	}
	if da.IsEdgeCoord(name) {
		return c.Midpoints(name)
	}
	return c, nil
}

// writeBandNote writes the wavelength range annotation a single-band
// reduction leaves behind as a two-value coordinate.
func writeBandNote(w io.Writer, da *sansdata.DataArray) error {
	c, ok := da.Coord(conversions.CoordWavelength)
	if !ok || da.HasDim(conversions.CoordWavelength) || c.NDim() != 1 || c.Len() != 2 {
		return nil
	}
	_, err := fmt.Fprintf(w, "# wavelength: %.9g to %.9g\n", c.Values()[0], c.Values()[1])
	return err
}

func writeHeader(w io.Writer, label string, variances bool, axes ...string) error {
	cols := strings.Join(axes, " ") + " " + label
	if variances {
		cols += " sigma"
	}
	_, err := fmt.Fprintf(w, "# columns: %s\n", cols)
	return err
}

// bandBounds extracts the per-band wavelength bounds from the band
// table coordinate, or nil when the annotation is absent.
func bandBounds(da *sansdata.DataArray, nbands int) [][2]float64 {
	c, ok := da.Coord(conversions.CoordWavelength)
	if !ok || c.NDim() != 2 {
		return nil
	}
	shape := c.Shape()
	if shape[0] != nbands || shape[1] != 2 {
		return nil
	}
	out := make([][2]float64, nbands)
	for b := 0; b < nbands; b++ {
		out[b] = [2]float64{c.At(b, 0), c.At(b, 1)}
	}
	return out
}

func writeBandHeader(w io.Writer, b int, bounds [][2]float64) error {
	if bounds == nil {
		_, err := fmt.Fprintf(w, "# band %d\n", b)
		return err
	}
	_, err := fmt.Fprintf(w, "# band %d: wavelength %.9g to %.9g\n", b, bounds[b][0], bounds[b][1])
	return err
}

func writeColumns(w io.Writer, da *sansdata.DataArray, label string) error {
	arr, _ := da.Dense()
	dim := arr.Dims()[0]
	x, err := midCoord(da, dim)
	if err != nil {
		return err
	}
	if x.Len() != arr.Len() {
		return fmt.Errorf("sansio: coordinate %q has %d entries for %d bins", dim, x.Len(), arr.Len())
	}
	if err := writeBandNote(w, da); err != nil {
		return err
	}
	if err := writeHeader(w, label, arr.HasVariances(), dim); err != nil {
		return err
	}
	return writeBlock(w, x.Values(), arr.Values(), arr.Variances())
}

func writeBands(w io.Writer, da *sansdata.DataArray, label string) error {
	arr, _ := da.Dense()
	dims, shape := arr.Dims(), arr.Shape()
	x, err := midCoord(da, dims[1])
	if err != nil {
		return err
	}
	if x.Len() != shape[1] {
		return fmt.Errorf("sansio: coordinate %q has %d entries for %d bins", dims[1], x.Len(), shape[1])
	}
	if err := writeHeader(w, label, arr.HasVariances(), dims[1]); err != nil {
		return err
	}
	bounds := bandBounds(da, shape[0])
	vals, variances := arr.Values(), arr.Variances()
	for b := 0; b < shape[0]; b++ {
		if b > 0 {
			if _, err := fmt.Fprintln(w); err != nil {
				return err
			}
		}
		if err := writeBandHeader(w, b, bounds); err != nil {
			return err
		}
		lo, hi := b*shape[1], (b+1)*shape[1]
		var bv []float64
		if variances != nil {
			bv = variances[lo:hi]
		}
		if err := writeBlock(w, x.Values(), vals[lo:hi], bv); err != nil {
			return err
		}
	}
	return nil
}

func writeGrid(w io.Writer, da *sansdata.DataArray, label string) error {
	arr, _ := da.Dense()
	dims, shape := arr.Dims(), arr.Shape()
	x, err := midCoord(da, dims[0])
	if err != nil {
		return err
	}
	y, err := midCoord(da, dims[1])
	if err != nil {
		return err
	}
	if x.Len() != shape[0] || y.Len() != shape[1] {
		return fmt.Errorf("sansio: grid coordinates do not fit shape %v", shape)
	}
	if err := writeBandNote(w, da); err != nil {
		return err
	}
	if err := writeHeader(w, label, arr.HasVariances(), dims[0], dims[1]); err != nil {
		return err
	}
	return writeGridBlock(w, x.Values(), y.Values(), arr.Values(), arr.Variances())
}

func writeBandedGrid(w io.Writer, da *sansdata.DataArray, label string) error {
	arr, _ := da.Dense()
	dims, shape := arr.Dims(), arr.Shape()
	x, err := midCoord(da, dims[1])
	if err != nil {
		return err
	}
	y, err := midCoord(da, dims[2])
	if err != nil {
		return err
	}
	if x.Len() != shape[1] || y.Len() != shape[2] {
		return fmt.Errorf("sansio: grid coordinates do not fit shape %v", shape)
	}
	if err := writeHeader(w, label, arr.HasVariances(), dims[1], dims[2]); err != nil {
		return err
	}
	bounds := bandBounds(da, shape[0])
	vals, variances := arr.Values(), arr.Variances()
	block := shape[1] * shape[2]
	for b := 0; b < shape[0]; b++ {
		if b > 0 {
			if _, err := fmt.Fprintln(w); err != nil {
				return err
			}
		}
		if err := writeBandHeader(w, b, bounds); err != nil {
			return err
		}
		lo, hi := b*block, (b+1)*block
		var bv []float64
		if variances != nil {
			bv = variances[lo:hi]
		}
		if err := writeGridBlock(w, x.Values(), y.Values(), vals[lo:hi], bv); err != nil {
			return err
		}
	}
	return nil
}

func writeBlock(w io.Writer, x, vals, variances []float64) error {
	for i, v := range vals {
		var err error
		if variances != nil {
			_, err = fmt.Fprintf(w, "%.9g\t%.9g\t%.9g\n", x[i], v, math.Sqrt(variances[i]))
		} else {
			_, err = fmt.Fprintf(w, "%.9g\t%.9g\n", x[i], v)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func writeGridBlock(w io.Writer, x, y, vals, variances []float64) error {
	for i := range x {
		for j := range y {
			k := i*len(y) + j
			var err error
			if variances != nil {
				_, err = fmt.Fprintf(w, "%.9g\t%.9g\t%.9g\t%.9g\n", x[i], y[j], vals[k], math.Sqrt(variances[k]))
			} else {
				_, err = fmt.Fprintf(w, "%.9g\t%.9g\t%.9g\n", x[i], y[j], vals[k])
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}
