package sansdata

// Run kind markers. They carry no data and exist only as type parameters,
// so that detector data from different runs cannot be swapped accidentally.
type (
	// SampleRun marks data recorded with the sample in the beam.
	SampleRun struct{}
	// BackgroundRun marks data recorded without the sample.
	BackgroundRun struct{}
	// TransmissionRun marks the run used to measure the sample transmission.
	TransmissionRun struct{}
	// EmptyBeamRun marks the direct, unobstructed beam run.
	EmptyBeamRun struct{}
)

// RunKind enumerates the run markers.
type RunKind interface {
	SampleRun | BackgroundRun | TransmissionRun | EmptyBeamRun
}

// RunData is a DataArray tagged with the run it came from.
type RunData[K RunKind] struct {
	*DataArray
}

// TagRun tags a DataArray with a run kind.
func TagRun[K RunKind](da *DataArray) RunData[K] {
	return RunData[K]{DataArray: da}
}

// Monitor kind markers.
type (
	// Incident marks a monitor upstream of the sample.
	Incident struct{}
	// Transmission marks a monitor downstream of the sample.
	Transmission struct{}
)

// MonitorKind enumerates the monitor markers.
type MonitorKind interface {
	Incident | Transmission
}

// Monitor is monitor data tagged with its run and position in the beam.
type Monitor[R RunKind, M MonitorKind] struct {
	*DataArray
}

// TagMonitor tags monitor data with a run and monitor kind.
func TagMonitor[R RunKind, M MonitorKind](da *DataArray) Monitor[R, M] {
	return Monitor[R, M]{DataArray: da}
}

// Ratio part markers.
type (
	// Numerator marks the counts entering the intensity ratio.
	Numerator struct{}
	// Denominator marks the normalization term of the intensity ratio.
	Denominator struct{}
)

// RatioPart enumerates the ratio part markers.
type RatioPart interface {
	Numerator | Denominator
}

// Part is a DataArray tagged as one side of the intensity ratio, keeping
// numerators and denominators apart through the banded reduction.
type Part[P RatioPart] struct {
	*DataArray
}

// TagPart tags a DataArray as one side of the intensity ratio.
func TagPart[P RatioPart](da *DataArray) Part[P] {
	return Part[P]{DataArray: da}
}
