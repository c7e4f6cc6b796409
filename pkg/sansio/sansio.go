// Package sansio reads measurement runs and auxiliary tables from YAML
// files and writes reduced intensity tables.
//
// A run file carries the detector of one measurement together with its
// beam monitors:
//
//	detector:
//	  positions: [[-0.1, -0.1, 1], [0.1, 0.1, 1]]
//	  sourcePosition: [0, 0, -10]
//	  tofEdges: [0.005, 0.0055, 0.006]
//	  counts: [[3, 4], [5, 6]]
//	monitors:
//	  incident:
//	    position: [0, 0, 0.5]
//	    sourcePosition: [0, 0, -10]
//	    tofEdges: [0.0045, 0.0061]
//	    counts: [100]
//
// Counts may be replaced by per-pixel event lists to keep event
// granularity through the reduction. All distances are in meters and
// times of flight in seconds.
package sansio

import (
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"

	"sansred/pkg/conversions"
	"sansred/pkg/nd"
	"sansred/pkg/sansdata"
)

// DimPixel is the detector dimension run files lay their pixels out on.
const DimPixel = "pixel"

// DetectorIDCoord names the per-pixel detector ID coordinate run files
// attach; XML mask files refer to these IDs.
const DetectorIDCoord = "detector_id"

// RunFile is the on-disk form of one measurement run.
type RunFile struct {
	Detector *DetectorFile `yaml:"detector"`
	Monitors struct {
		Incident     *MonitorFile `yaml:"incident"`
		Transmission *MonitorFile `yaml:"transmission"`
	} `yaml:"monitors"`
}

// DetectorFile holds the detector counts of a run together with the
// instrument geometry they were recorded at.
type DetectorFile struct {
	// Positions are the pixel centers.
	Positions [][]float64 `yaml:"positions"`

	// SamplePosition defaults to the origin when omitted.
	SamplePosition []float64 `yaml:"samplePosition"`
	SourcePosition []float64 `yaml:"sourcePosition"`

	// DetectorIDs name the pixels for mask files. Optional.
	DetectorIDs []int `yaml:"detectorIds"`

	// TofEdges are the time-of-flight bin edges shared by all pixels.
	TofEdges []float64 `yaml:"tofEdges"`

	// Counts holds one row of per-bin counts for each pixel. Mutually
	// exclusive with Events.
	Counts    [][]float64 `yaml:"counts"`
	Variances [][]float64 `yaml:"variances"`

	// Events holds one event list for each pixel instead of Counts.
	Events []EventList `yaml:"events"`
}

// EventList is the event record of one pixel. Weights default to one
// per event when omitted.
type EventList struct {
	Tof       []float64 `yaml:"tof"`
	Weights   []float64 `yaml:"weights"`
	Variances []float64 `yaml:"variances"`
}

// MonitorFile holds one beam monitor histogram.
type MonitorFile struct {
	Position []float64 `yaml:"position"`

	// SamplePosition defaults to the origin when omitted.
	SamplePosition []float64 `yaml:"samplePosition"`
	SourcePosition []float64 `yaml:"sourcePosition"`

	TofEdges  []float64 `yaml:"tofEdges"`
	Counts    []float64 `yaml:"counts"`
	Variances []float64 `yaml:"variances"`
}

// ReadRunFile loads a run file from a YAML file.
func ReadRunFile(path string) (*RunFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sansio: error reading run file: %w", err)
	}
	run := &RunFile{}
	if err := yaml.Unmarshal(data, run); err != nil {
		return nil, fmt.Errorf("sansio: error parsing run file: %w", err)
	}
	return run, nil
}

// DetectorArray builds the detector data of the run.
func (r *RunFile) DetectorArray() (*sansdata.DataArray, error) {
	if r.Detector == nil {
		return nil, fmt.Errorf("sansio: the run file has no detector section")
	}
	return r.Detector.DataArray()
}

// IncidentMonitor builds the incident beam monitor of the run.
func (r *RunFile) IncidentMonitor() (*sansdata.DataArray, error) {
	if r.Monitors.Incident == nil {
		return nil, fmt.Errorf("sansio: the run file has no incident monitor")
	}
	return r.Monitors.Incident.DataArray()
}

// TransmissionMonitor builds the transmission monitor of the run.
func (r *RunFile) TransmissionMonitor() (*sansdata.DataArray, error) {
	if r.Monitors.Transmission == nil {
		return nil, fmt.Errorf("sansio: the run file has no transmission monitor")
	}
	return r.Monitors.Transmission.DataArray()
}

// DataArray builds the detector as a (pixel, tof) histogram or, for
// event lists, as per-pixel binned events. Pixel positions and the
// beamline geometry are attached as vector coordinates.
func (d *DetectorFile) DataArray() (*sansdata.DataArray, error) {
	n := len(d.Positions)
	if n == 0 {
		return nil, fmt.Errorf("sansio: the detector needs at least one pixel position")
	}
	positions := make([]r3.Vec, n)
	for i, p := range d.Positions {
		if len(p) != 3 {
			return nil, fmt.Errorf("sansio: position %d must be an [x, y, z] triple, found %d values", i, len(p))
		}
		positions[i] = vecOf(p)
	}
	if len(d.TofEdges) < 2 {
		return nil, fmt.Errorf("sansio: the detector needs at least two tof edges, found %d", len(d.TofEdges))
	}
	if len(d.SourcePosition) != 3 {
		return nil, fmt.Errorf("sansio: the detector needs a sourcePosition [x, y, z] triple")
	}
	sample, err := optionalVec("samplePosition", d.SamplePosition)
	if err != nil {
		return nil, err
	}

	var da *sansdata.DataArray
	switch {
	case len(d.Counts) > 0 && len(d.Events) > 0:
		return nil, fmt.Errorf("sansio: counts and events are mutually exclusive")
	case len(d.Counts) > 0:
		da, err = d.denseArray(n)
	case len(d.Events) > 0:
		da, err = d.eventArray(n)
	default:
		return nil, fmt.Errorf("sansio: the detector needs either counts or events")
	}
	if err != nil {
		return nil, err
	}

	pos, err := nd.NewVectors([]string{DimPixel}, []int{n}, positions)
	if err != nil {
		return nil, err
	}
	da = da.WithVecCoord(conversions.CoordPosition, pos).
		WithVecCoord(conversions.CoordSamplePosition, nd.ScalarVec(sample)).
		WithVecCoord(conversions.CoordSourcePosition, nd.ScalarVec(vecOf(d.SourcePosition)))

	if len(d.DetectorIDs) > 0 {
		if len(d.DetectorIDs) != n {
			return nil, fmt.Errorf("sansio: found %d detector IDs for %d pixels", len(d.DetectorIDs), n)
		}
		ids := make([]float64, n)
		for i, id := range d.DetectorIDs {
			ids[i] = float64(id)
		}
		arr, err := nd.NewArray([]string{DimPixel}, []int{n}, ids, nil)
		if err != nil {
			return nil, err
		}
		da = da.WithCoord(DetectorIDCoord, arr)
	}
	return da, nil
}

func (d *DetectorFile) denseArray(n int) (*sansdata.DataArray, error) {
	nbins := len(d.TofEdges) - 1
	if len(d.Counts) != n {
		return nil, fmt.Errorf("sansio: found %d count rows for %d pixels", len(d.Counts), n)
	}
	values := make([]float64, 0, n*nbins)
	for i, row := range d.Counts {
		if len(row) != nbins {
			return nil, fmt.Errorf("sansio: count row %d has %d bins, expected %d", i, len(row), nbins)
		}
		values = append(values, row...)
	}
	var variances []float64
	if len(d.Variances) > 0 {
		if len(d.Variances) != n {
			return nil, fmt.Errorf("sansio: found %d variance rows for %d pixels", len(d.Variances), n)
		}
		variances = make([]float64, 0, n*nbins)
		for i, row := range d.Variances {
			if len(row) != nbins {
				return nil, fmt.Errorf("sansio: variance row %d has %d bins, expected %d", i, len(row), nbins)
			}
			variances = append(variances, row...)
		}
	}
	arr, err := nd.NewArray([]string{DimPixel, conversions.CoordTof}, []int{n, nbins}, values, variances)
	if err != nil {
		return nil, err
	}
	return sansdata.NewDense(arr).
		WithCoord(conversions.CoordTof, nd.FromValues(conversions.CoordTof, d.TofEdges...)), nil
}

func (d *DetectorFile) eventArray(n int) (*sansdata.DataArray, error) {
	if len(d.Events) != n {
		return nil, fmt.Errorf("sansio: found %d event lists for %d pixels", len(d.Events), n)
	}
	total := 0
	hasVariances := false
	for _, ev := range d.Events {
		total += len(ev.Tof)
		if len(ev.Variances) > 0 {
			hasVariances = true
		}
	}
	offsets := make([]int, n+1)
	tofs := make([]float64, 0, total)
	weights := make([]float64, 0, total)
	var variances []float64
	if hasVariances {
		variances = make([]float64, 0, total)
	}
	for i, ev := range d.Events {
		if ev.Weights != nil && len(ev.Weights) != len(ev.Tof) {
			return nil, fmt.Errorf("sansio: event list %d has %d weights for %d events", i, len(ev.Weights), len(ev.Tof))
		}
		if hasVariances && len(ev.Variances) != len(ev.Tof) {
			return nil, fmt.Errorf("sansio: event list %d has %d variances for %d events", i, len(ev.Variances), len(ev.Tof))
		}
		tofs = append(tofs, ev.Tof...)
		if ev.Weights != nil {
			weights = append(weights, ev.Weights...)
		} else {
			for range ev.Tof {
				weights = append(weights, 1)
			}
		}
		variances = append(variances, ev.Variances...)
		offsets[i+1] = len(tofs)
	}
	binned, err := sansdata.NewBinned([]string{DimPixel}, []int{n}, offsets, &sansdata.EventBuffer{
		Weights:   weights,
		Variances: variances,
		Coords:    map[string][]float64{conversions.CoordTof: tofs},
	})
	if err != nil {
		return nil, err
	}
	return sansdata.New(binned), nil
}

// DataArray builds the monitor as a one-dimensional tof histogram with
// the monitor and beamline positions attached.
func (m *MonitorFile) DataArray() (*sansdata.DataArray, error) {
	if len(m.Position) != 3 {
		return nil, fmt.Errorf("sansio: the monitor needs a position [x, y, z] triple")
	}
	if len(m.SourcePosition) != 3 {
		return nil, fmt.Errorf("sansio: the monitor needs a sourcePosition [x, y, z] triple")
	}
	sample, err := optionalVec("samplePosition", m.SamplePosition)
	if err != nil {
		return nil, err
	}
	if len(m.TofEdges) < 2 {
		return nil, fmt.Errorf("sansio: the monitor needs at least two tof edges, found %d", len(m.TofEdges))
	}
	nbins := len(m.TofEdges) - 1
	if len(m.Counts) != nbins {
		return nil, fmt.Errorf("sansio: the monitor has %d counts for %d tof bins", len(m.Counts), nbins)
	}
	if m.Variances != nil && len(m.Variances) != nbins {
		return nil, fmt.Errorf("sansio: the monitor has %d variances for %d tof bins", len(m.Variances), nbins)
	}
	arr, err := nd.NewArray([]string{conversions.CoordTof}, []int{nbins},
		append([]float64(nil), m.Counts...), append([]float64(nil), m.Variances...))
	if err != nil {
		return nil, err
	}
	return sansdata.NewDense(arr).
		WithCoord(conversions.CoordTof, nd.FromValues(conversions.CoordTof, m.TofEdges...)).
		WithVecCoord(conversions.CoordPosition, nd.ScalarVec(vecOf(m.Position))).
		WithVecCoord(conversions.CoordSamplePosition, nd.ScalarVec(sample)).
		WithVecCoord(conversions.CoordSourcePosition, nd.ScalarVec(vecOf(m.SourcePosition))), nil
}

// DirectBeamFile is the on-disk form of the direct-beam efficiency
// table: values over wavelength with either bin edges or midpoints.
type DirectBeamFile struct {
	// WavelengthEdges holds one more entry than Values. Mutually
	// exclusive with Wavelengths.
	WavelengthEdges []float64 `yaml:"wavelengthEdges"`

	// Wavelengths are per-value midpoints, as the direct-beam solver
	// writes them.
	Wavelengths []float64 `yaml:"wavelengths"`

	Values    []float64 `yaml:"values"`
	Variances []float64 `yaml:"variances"`
}

// ReadDirectBeam loads a direct-beam table and returns it as a dense
// wavelength histogram, with an edge or midpoint coordinate matching
// the file.
func ReadDirectBeam(path string) (*sansdata.DataArray, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sansio: error reading direct-beam file: %w", err)
	}
	var file DirectBeamFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("sansio: error parsing direct-beam file: %w", err)
	}
	var grid []float64
	switch {
	case len(file.WavelengthEdges) > 0 && len(file.Wavelengths) > 0:
		return nil, fmt.Errorf("sansio: wavelengthEdges and wavelengths are mutually exclusive")
	case len(file.WavelengthEdges) > 0:
		if len(file.WavelengthEdges) < 2 {
			return nil, fmt.Errorf("sansio: the direct beam needs at least two wavelength edges, found %d", len(file.WavelengthEdges))
		}
		if len(file.Values) != len(file.WavelengthEdges)-1 {
			return nil, fmt.Errorf("sansio: the direct beam has %d values for %d wavelength bins",
				len(file.Values), len(file.WavelengthEdges)-1)
		}
		grid = file.WavelengthEdges
	case len(file.Wavelengths) > 0:
		if len(file.Wavelengths) < 2 {
			return nil, fmt.Errorf("sansio: the direct beam needs at least two wavelengths, found %d", len(file.Wavelengths))
		}
		if len(file.Values) != len(file.Wavelengths) {
			return nil, fmt.Errorf("sansio: the direct beam has %d values for %d wavelengths",
				len(file.Values), len(file.Wavelengths))
		}
		grid = file.Wavelengths
	default:
		return nil, fmt.Errorf("sansio: the direct beam needs wavelengthEdges or wavelengths")
	}
	if file.Variances != nil && len(file.Variances) != len(file.Values) {
		return nil, fmt.Errorf("sansio: the direct beam has %d variances for %d values", len(file.Variances), len(file.Values))
	}
	arr, err := nd.NewArray([]string{conversions.CoordWavelength}, []int{len(file.Values)},
		append([]float64(nil), file.Values...), append([]float64(nil), file.Variances...))
	if err != nil {
		return nil, err
	}
	return sansdata.NewDense(arr).
		WithCoord(conversions.CoordWavelength,
			nd.FromValues(conversions.CoordWavelength, grid...)), nil
}

// SaveDirectBeam writes a direct-beam function as a table a later
// reduction can load again. The data must be dense and one-dimensional
// over wavelength.
func SaveDirectBeam(da *sansdata.DataArray, path string) error {
	arr, ok := da.Dense()
	if !ok {
		return fmt.Errorf("sansio: the direct beam must be dense")
	}
	if dims := arr.Dims(); len(dims) != 1 || dims[0] != conversions.CoordWavelength {
		return fmt.Errorf("sansio: the direct beam must be one-dimensional over %s, found dims %v", conversions.CoordWavelength, dims)
	}
	coord, ok := da.Coord(conversions.CoordWavelength)
	if !ok {
		return fmt.Errorf("sansio: the direct beam has no wavelength coordinate")
	}
	file := DirectBeamFile{
		Values:    arr.Values(),
		Variances: arr.Variances(),
	}
	switch {
	case da.IsEdgeCoord(conversions.CoordWavelength):
		file.WavelengthEdges = coord.Values()
	case coord.Len() == arr.Len():
		file.Wavelengths = coord.Values()
	default:
		return fmt.Errorf("sansio: the wavelength coordinate has %d entries for %d values", coord.Len(), arr.Len())
	}
	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("sansio: error marshaling direct-beam table: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("sansio: error creating output directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("sansio: error writing direct-beam file: %w", err)
	}
	return nil
}

func vecOf(v []float64) r3.Vec {
	return r3.Vec{X: v[0], Y: v[1], Z: v[2]}
}

func optionalVec(name string, v []float64) (r3.Vec, error) {
	switch len(v) {
	case 0:
		return r3.Vec{}, nil
	case 3:
		return vecOf(v), nil
	}
	return r3.Vec{}, fmt.Errorf("sansio: %s must be an [x, y, z] triple, found %d values", name, len(v))
}
