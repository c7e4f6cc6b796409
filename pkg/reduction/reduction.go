// Package reduction drives the complete reduction of small-angle
// scattering runs to I(Q): detector masking, beam-center calibration,
// wavelength conversion, monitor preprocessing, normalization and the
// momentum-transfer binning, finishing with background subtraction. The
// beam-center refinement and the direct-beam iteration reuse the same
// stages, so the Reducer exposes them as entry points next to Run.
package reduction

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/spatial/r3"

	"sansred/pkg/beamcenter"
	"sansred/pkg/conversions"
	"sansred/pkg/directbeam"
	"sansred/pkg/iofq"
	"sansred/pkg/masking"
	"sansred/pkg/nd"
	"sansred/pkg/normalization"
	"sansred/pkg/qresolution"
	"sansred/pkg/sansdata"
	"sansred/pkg/uncertainty"
)

const wavelengthMaskName = "wavelength_mask"

// Params is the full configuration surface of a reduction.
type Params struct {
	// WavelengthBins are the bin edges of the common wavelength grid the
	// monitors and the normalization term live on.
	WavelengthBins *nd.Array
	// QBins are the momentum-transfer bin edges of the one-dimensional
	// reduction. Mutually exclusive with QxBins and QyBins.
	QBins *nd.Array
	// QxBins and QyBins select the two-dimensional reduction onto the
	// detector-plane momentum-transfer grid.
	QxBins *nd.Array
	QyBins *nd.Array
	// Bands optionally splits the reduction into wavelength bands: a 1-D
	// array of edges, one band per adjacent pair, or a 2-D
	// (band, wavelength) table of explicit bounds.
	Bands *nd.Array
	// Gravity enables the gravity-drop correction of the scattering
	// angle.
	Gravity bool
	// Mode selects how variances behave when a shared term is broadcast
	// across pixels or events.
	Mode uncertainty.Mode
	// ReturnEvents keeps event granularity through normalization and
	// background subtraction.
	ReturnEvents bool
	// DimsToKeep lists detector dims excluded from the reduction sum,
	// such as a layer dim.
	DimsToKeep []string
	// NonBackgroundRange is the two-value wavelength interval bounding
	// the usable beam; monitor counts outside it estimate a flat
	// background. Nil skips the estimate.
	NonBackgroundRange *nd.Array
	// WavelengthMask excludes a wavelength range from the detector data.
	WavelengthMask *masking.RangeMask
	// DetectorMasks are named pixel masks applied to every detector run.
	DetectorMasks map[string]*nd.Bools
	// BeamCenter shifts all pixel positions so the beam axis sits at the
	// origin of the detector plane. The zero vector leaves positions
	// unchanged; RunWithBeamCenter refines it instead.
	BeamCenter r3.Vec
	// PixelShape describes the cylindrical detector pixels for the solid
	// angle.
	PixelShape normalization.PixelShape
	// LabTransform maps pixel-shape vertices into the instrument frame.
	// Nil means identity.
	LabTransform func(r3.Vec) r3.Vec
	// DirectBeam is the measured detector efficiency over wavelength. It
	// is resampled onto WavelengthBins and multiplied into the
	// denominator. Nil applies no efficiency correction.
	DirectBeam *sansdata.DataArray
	// Resolution holds the collimation geometry of the momentum-transfer
	// resolution estimate. Nil leaves QResolution unavailable.
	Resolution *qresolution.Params
	// ModeratorSpread is the moderator emission-time spread over
	// wavelength, as loaded by qresolution.LoadModeratorSpread. The
	// resolution estimate requires it.
	ModeratorSpread *sansdata.DataArray
	// BeamCenterMinimizer selects the refinement method, "Nelder-Mead"
	// by default or "CMA-ES".
	BeamCenterMinimizer string
	// BeamCenterTolerance terminates the refinement once the quadrant
	// cost improves by less than this amount. Zero means 0.1.
	BeamCenterTolerance float64
	// DirectBeamI0 anchors the direct-beam iteration to the known
	// intensity at the lowest Q bin.
	DirectBeamI0 float64
	// DirectBeamIterations is the iteration count of the direct-beam
	// solver; zero means directbeam.DefaultIterations.
	DirectBeamIterations int
	// DirectBeamTolerance, when positive, stops the solver early once
	// the function changes by less than this fraction per iteration.
	DirectBeamTolerance float64
}

// Monitors holds the two beam monitors of one run.
type Monitors struct {
	Incident     *sansdata.DataArray
	Transmission *sansdata.DataArray
}

// Run bundles one scattering run's detector data with its incident
// monitor.
type Run struct {
	Detector *sansdata.DataArray
	Monitor  *sansdata.DataArray
}

// Runs collects the runs of one reduction. Background is optional; the
// transmission and empty-beam runs together enable the transmission
// correction and are otherwise left out.
type Runs struct {
	Sample     Run
	Background Run
	// Transmission holds the monitors of the sample transmission run.
	Transmission Monitors
	// BackgroundTransmission, when set, replaces Transmission for the
	// background run.
	BackgroundTransmission Monitors
	// EmptyBeam holds the monitors of the unobstructed beam run.
	EmptyBeam Monitors
}

// Result is the outcome of one reduction.
type Result struct {
	// IofQ is the background-subtracted intensity, or the sample
	// intensity when no background run is supplied.
	IofQ *sansdata.DataArray
	// Sample and Background are the per-run intensities.
	Sample     *sansdata.DataArray
	Background *sansdata.DataArray
	// BeamCenter is the center the pixel positions were calibrated with.
	BeamCenter r3.Vec
}

// Reducer executes reductions with a fixed set of parameters. It holds
// no state between calls; the same Reducer can evaluate perturbed inputs
// repeatedly, which is what the beam-center refinement and the
// direct-beam iteration do.
type Reducer struct {
	p       Params
	logger  *logrus.Logger
	elastic *conversions.Graph
	monitor *conversions.Graph
}

// New validates the parameters and builds a Reducer. A nil logger
// silences all diagnostics.
func New(p Params, logger *logrus.Logger) (*Reducer, error) {
	if p.WavelengthBins == nil {
		return nil, fmt.Errorf("reduction: wavelength bins are required")
	}
	if p.WavelengthBins.NDim() != 1 || p.WavelengthBins.Len() < 2 {
		return nil, fmt.Errorf("reduction: wavelength bins must be a 1-D array of at least two edges")
	}
	switch {
	case p.QBins != nil && (p.QxBins != nil || p.QyBins != nil):
		return nil, fmt.Errorf("reduction: Q bins and Qx/Qy bins are mutually exclusive")
	case p.QBins == nil && (p.QxBins == nil) != (p.QyBins == nil):
		return nil, fmt.Errorf("reduction: the two-dimensional reduction needs both Qx and Qy bins")
	case p.QBins == nil && p.QxBins == nil:
		return nil, fmt.Errorf("reduction: either Q bins or Qx and Qy bins are required")
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Reducer{
		p:       p,
		logger:  logger,
		elastic: conversions.ElasticGraph(p.Gravity),
		monitor: conversions.MonitorGraph(),
	}, nil
}

// Run reduces the runs to I(Q) using the configured beam center.
func (r *Reducer) Run(runs Runs) (*Result, error) {
	return r.run(runs, r.p.BeamCenter)
}

// RunWithBeamCenter refines the beam center on the sample run first and
// reduces with the refined center.
func (r *Reducer) RunWithBeamCenter(runs Runs) (*Result, error) {
	center, err := r.FindBeamCenter(runs)
	if err != nil {
		return nil, err
	}
	return r.run(runs, center)
}

func (r *Reducer) run(runs Runs, center r3.Vec) (*Result, error) {
	if runs.Sample.Detector == nil {
		return nil, fmt.Errorf("reduction: a sample detector run is required")
	}
	if runs.Sample.Monitor == nil {
		return nil, fmt.Errorf("reduction: the sample run needs an incident monitor")
	}
	db, err := r.resampleDirectBeam()
	if err != nil {
		return nil, err
	}
	trans, err := r.transmissionFraction(runs.Transmission, runs.EmptyBeam)
	if err != nil {
		return nil, err
	}
	sample, err := reduceRun[sansdata.SampleRun](r, "sample", runs.Sample, trans, db, center)
	if err != nil {
		return nil, fmt.Errorf("reduction: sample run: %w", err)
	}
	res := &Result{IofQ: sample, Sample: sample, BeamCenter: center}
	if runs.Background.Detector == nil {
		return res, nil
	}
	if runs.Background.Monitor == nil {
		return nil, fmt.Errorf("reduction: the background run needs an incident monitor")
	}
	bgTrans := trans
	if runs.BackgroundTransmission.Incident != nil || runs.BackgroundTransmission.Transmission != nil {
		bgTrans, err = r.transmissionFraction(runs.BackgroundTransmission, runs.EmptyBeam)
		if err != nil {
			return nil, err
		}
	}
	background, err := reduceRun[sansdata.BackgroundRun](r, "background", runs.Background, bgTrans, db, center)
	if err != nil {
		return nil, fmt.Errorf("reduction: background run: %w", err)
	}
	out, err := iofq.SubtractBackground(
		sansdata.TagRun[sansdata.SampleRun](sample),
		sansdata.TagRun[sansdata.BackgroundRun](background),
		r.p.ReturnEvents,
	)
	if err != nil {
		return nil, fmt.Errorf("reduction: subtracting background: %w", err)
	}
	r.logger.Info("background subtracted")
	res.IofQ = out
	res.Background = background
	return res, nil
}

// FindBeamCenter refines the beam center of the sample run: the center
// of mass seeds a quadrant-symmetry refinement evaluated against the
// wavelength term of the normalization denominator. The direct beam is
// left out of the term: it derives from data reduced about the center,
// and a purely wavelength-dependent factor moves all quadrants alike.
func (r *Reducer) FindBeamCenter(runs Runs) (r3.Vec, error) {
	if runs.Sample.Detector == nil {
		return r3.Vec{}, fmt.Errorf("reduction: a sample detector run is required")
	}
	if runs.Sample.Monitor == nil {
		return r3.Vec{}, fmt.Errorf("reduction: the sample run needs an incident monitor")
	}
	if r.p.QBins == nil {
		return r3.Vec{}, fmt.Errorf("reduction: the beam-center refinement needs one-dimensional Q bins")
	}
	det, err := masking.ApplyAll(runs.Sample.Detector, r.p.DetectorMasks)
	if err != nil {
		return r3.Vec{}, fmt.Errorf("reduction: applying detector masks: %w", err)
	}
	trans, err := r.transmissionFraction(runs.Transmission, runs.EmptyBeam)
	if err != nil {
		return r3.Vec{}, err
	}
	incident, err := prepMonitor[sansdata.SampleRun, sansdata.Incident](r, runs.Sample.Monitor)
	if err != nil {
		return r3.Vec{}, fmt.Errorf("reduction: %w", err)
	}
	norm, err := normalization.NormWavelengthTerm(incident, trans, nil)
	if err != nil {
		return r3.Vec{}, err
	}
	center, err := beamcenter.FromIofQ(beamcenter.IofQParams{
		Detector:   det,
		Norm:       norm,
		Graph:      r.elastic,
		QBins:      r.p.QBins,
		PixelShape: r.p.PixelShape,
		Transform:  r.p.LabTransform,
		Minimizer:  r.p.BeamCenterMinimizer,
		Tolerance:  r.p.BeamCenterTolerance,
		Diagnostics: func(x, y, cost float64) {
			r.logger.WithFields(logrus.Fields{"x": x, "y": y, "cost": cost}).Debug("beam-center candidate")
		},
	})
	if err != nil {
		return r3.Vec{}, err
	}
	r.logger.WithFields(logrus.Fields{"x": center.X, "y": center.Y}).Info("beam center found")
	return center, nil
}

// SolveDirectBeam stages the Q-binned, wavelength-resolved parts of the
// sample and background runs, computed without any direct-beam factor,
// and iterates the direct-beam function to its fixed point.
func (r *Reducer) SolveDirectBeam(runs Runs) ([]directbeam.Iteration, error) {
	if runs.Sample.Detector == nil || runs.Background.Detector == nil {
		return nil, fmt.Errorf("reduction: the direct-beam iteration needs a sample run and a background run")
	}
	if runs.Sample.Monitor == nil || runs.Background.Monitor == nil {
		return nil, fmt.Errorf("reduction: the direct-beam iteration needs the incident monitors of both runs")
	}
	if r.p.QBins == nil {
		return nil, fmt.Errorf("reduction: the direct-beam iteration needs one-dimensional Q bins")
	}
	trans, err := r.transmissionFraction(runs.Transmission, runs.EmptyBeam)
	if err != nil {
		return nil, err
	}
	bgTrans := trans
	if runs.BackgroundTransmission.Incident != nil || runs.BackgroundTransmission.Transmission != nil {
		bgTrans, err = r.transmissionFraction(runs.BackgroundTransmission, runs.EmptyBeam)
		if err != nil {
			return nil, err
		}
	}
	sample, err := solveParts[sansdata.SampleRun](r, runs.Sample, trans)
	if err != nil {
		return nil, fmt.Errorf("reduction: staging sample parts: %w", err)
	}
	background, err := solveParts[sansdata.BackgroundRun](r, runs.Background, bgTrans)
	if err != nil {
		return nil, fmt.Errorf("reduction: staging background parts: %w", err)
	}
	return directbeam.Solve(directbeam.Params{
		Sample:         sample,
		Background:     background,
		WavelengthBins: r.p.WavelengthBins,
		Bands:          r.p.Bands,
		I0:             r.p.DirectBeamI0,
		Iterations:     r.p.DirectBeamIterations,
		Tolerance:      r.p.DirectBeamTolerance,
		Logger:         r.logger,
	})
}

// QResolution estimates the momentum-transfer resolution of the sample
// run: every pixel and wavelength bin gets the width of the collimation
// geometry and the wavelength spread, pooled into the Q bins and
// wavelength bands of the reduction. The widths are evaluated on the
// normalization denominator, which fixes the Q values and masks without
// depending on the measured counts; the transmission and direct-beam
// factors scale only values and are left out.
func (r *Reducer) QResolution(runs Runs) (*sansdata.DataArray, error) {
	if r.p.Resolution == nil {
		return nil, fmt.Errorf("reduction: the resolution estimate needs the collimation geometry")
	}
	if r.p.ModeratorSpread == nil {
		return nil, fmt.Errorf("reduction: the resolution estimate needs the moderator wavelength spread")
	}
	if runs.Sample.Detector == nil {
		return nil, fmt.Errorf("reduction: a sample detector run is required")
	}
	if runs.Sample.Monitor == nil {
		return nil, fmt.Errorf("reduction: the sample run needs an incident monitor")
	}
	if r.p.QBins == nil {
		return nil, fmt.Errorf("reduction: the resolution estimate needs one-dimensional Q bins")
	}
	det, err := r.prepareDetector(runs.Sample.Detector, r.p.BeamCenter)
	if err != nil {
		return nil, fmt.Errorf("reduction: sample run: %w", err)
	}
	den, err := denominator[sansdata.SampleRun](r, runs.Sample.Monitor, nil, nil, det)
	if err != nil {
		return nil, fmt.Errorf("reduction: sample run: %w", err)
	}
	denQ, err := conversions.ToQ(den, r.elastic)
	if err != nil {
		return nil, fmt.Errorf("reduction: converting the denominator to momentum transfer: %w", err)
	}
	spread, err := qresolution.WavelengthSpread(r.p.ModeratorSpread, denQ, r.elastic, r.p.WavelengthBins)
	if err != nil {
		return nil, err
	}
	perPixel, err := qresolution.ByPixel(denQ, spread, r.elastic, r.p.WavelengthBins, *r.p.Resolution)
	if err != nil {
		return nil, err
	}
	out, err := qresolution.ReduceBands(perPixel, r.p.QBins, r.p.Bands, r.p.DimsToKeep, r.p.WavelengthMask)
	if err != nil {
		return nil, err
	}
	r.logger.Info("momentum-transfer resolution estimated")
	return out, nil
}

// reduceRun reduces one run to I(Q): the detector is masked, calibrated
// and converted, the denominator assembled from the run's incident
// monitor, and both are binned in momentum transfer before normalizing.
func reduceRun[R sansdata.RunKind](r *Reducer, name string, run Run, trans, directBeam *sansdata.DataArray, center r3.Vec) (*sansdata.DataArray, error) {
	det, err := r.prepareDetector(run.Detector, center)
	if err != nil {
		return nil, err
	}
	den, err := denominator[R](r, run.Monitor, trans, directBeam, det)
	if err != nil {
		return nil, err
	}
	numQ, err := r.toQ(det)
	if err != nil {
		return nil, fmt.Errorf("converting the detector to momentum transfer: %w", err)
	}
	denQ, err := r.toQ(den)
	if err != nil {
		return nil, fmt.Errorf("converting the denominator to momentum transfer: %w", err)
	}
	num, err := r.reduce(numQ)
	if err != nil {
		return nil, fmt.Errorf("binning the detector counts: %w", err)
	}
	denRed, err := r.reduce(denQ)
	if err != nil {
		return nil, fmt.Errorf("binning the denominator: %w", err)
	}
	out, err := normalization.Normalize(
		sansdata.TagPart[sansdata.Numerator](num),
		sansdata.TagPart[sansdata.Denominator](denRed),
		r.p.ReturnEvents, r.p.Mode)
	if err != nil {
		return nil, fmt.Errorf("normalizing: %w", err)
	}
	r.logger.WithFields(logrus.Fields{"run": name, "events": out.IsBinned()}).Info("run reduced to I(Q)")
	return out, nil
}

// solveParts bins one run in momentum transfer keeping the wavelength
// resolution the direct-beam solver compares bands on. Dense data keeps
// its wavelength dim; event data keeps per-event wavelengths.
func solveParts[R sansdata.RunKind](r *Reducer, run Run, trans *sansdata.DataArray) (directbeam.Parts, error) {
	var zero directbeam.Parts
	det, err := r.prepareDetector(run.Detector, r.p.BeamCenter)
	if err != nil {
		return zero, err
	}
	den, err := denominator[R](r, run.Monitor, trans, nil, det)
	if err != nil {
		return zero, err
	}
	numQ, err := conversions.ToQ(det, r.elastic)
	if err != nil {
		return zero, fmt.Errorf("converting the detector to momentum transfer: %w", err)
	}
	denQ, err := conversions.ToQ(den, r.elastic)
	if err != nil {
		return zero, fmt.Errorf("converting the denominator to momentum transfer: %w", err)
	}
	keep := append(append([]string(nil), r.p.DimsToKeep...), conversions.CoordWavelength)
	var num *sansdata.DataArray
	if numQ.IsBinned() {
		num, err = iofq.BinInQ(numQ, r.p.QBins, r.p.DimsToKeep)
	} else {
		num, err = iofq.BinInQ(numQ, r.p.QBins, keep)
	}
	if err != nil {
		return zero, fmt.Errorf("binning the detector counts: %w", err)
	}
	denRed, err := iofq.BinInQ(denQ, r.p.QBins, keep)
	if err != nil {
		return zero, fmt.Errorf("binning the denominator: %w", err)
	}
	return directbeam.Parts{
		Numerator:   sansdata.TagPart[sansdata.Numerator](num),
		Denominator: sansdata.TagPart[sansdata.Denominator](denRed),
	}, nil
}

// denominator assembles one run's normalization denominator: the
// preprocessed incident monitor times the transmission fraction and the
// direct beam, multiplied by the per-pixel solid angle.
func denominator[R sansdata.RunKind](r *Reducer, monitor *sansdata.DataArray, trans, directBeam *sansdata.DataArray, det *sansdata.DataArray) (*sansdata.DataArray, error) {
	incident, err := prepMonitor[R, sansdata.Incident](r, monitor)
	if err != nil {
		return nil, err
	}
	term, err := normalization.NormWavelengthTerm(incident, trans, directBeam)
	if err != nil {
		return nil, err
	}
	solid, err := normalization.SolidAngle(det, r.p.PixelShape, r.p.LabTransform)
	if err != nil {
		return nil, fmt.Errorf("computing the solid angle: %w", err)
	}
	return normalization.Denominator(term, solid, r.p.Mode)
}

// prepMonitor converts a raw monitor spectrum to the wavelength grid and
// subtracts its flat background.
func prepMonitor[R sansdata.RunKind, M sansdata.MonitorKind](r *Reducer, monitor *sansdata.DataArray) (sansdata.Monitor[R, M], error) {
	var zero sansdata.Monitor[R, M]
	wav, err := conversions.ToWavelength(monitor, r.monitor)
	if err != nil {
		return zero, fmt.Errorf("converting the monitor to wavelength: %w", err)
	}
	return iofq.PreprocessMonitor(sansdata.TagMonitor[R, M](wav), r.p.WavelengthBins, r.p.NonBackgroundRange, r.p.Mode)
}

// transmissionFraction estimates the transmitted beam fraction from the
// transmission run and empty-beam run monitors. With no transmission run
// configured the correction is skipped.
func (r *Reducer) transmissionFraction(trans, empty Monitors) (*sansdata.DataArray, error) {
	if trans.Incident == nil && trans.Transmission == nil {
		return nil, nil
	}
	if trans.Incident == nil || trans.Transmission == nil || empty.Incident == nil || empty.Transmission == nil {
		return nil, fmt.Errorf("reduction: the transmission estimate needs the incident and transmission monitors of both the transmission run and the empty-beam run")
	}
	si, err := prepMonitor[sansdata.TransmissionRun, sansdata.Incident](r, trans.Incident)
	if err != nil {
		return nil, fmt.Errorf("reduction: transmission run: %w", err)
	}
	st, err := prepMonitor[sansdata.TransmissionRun, sansdata.Transmission](r, trans.Transmission)
	if err != nil {
		return nil, fmt.Errorf("reduction: transmission run: %w", err)
	}
	ei, err := prepMonitor[sansdata.EmptyBeamRun, sansdata.Incident](r, empty.Incident)
	if err != nil {
		return nil, fmt.Errorf("reduction: empty-beam run: %w", err)
	}
	et, err := prepMonitor[sansdata.EmptyBeamRun, sansdata.Transmission](r, empty.Transmission)
	if err != nil {
		return nil, fmt.Errorf("reduction: empty-beam run: %w", err)
	}
	out, err := normalization.TransmissionFraction(si, st, ei, et)
	if err != nil {
		return nil, err
	}
	r.logger.Info("transmission fraction estimated")
	return out, nil
}

// resampleDirectBeam interpolates the configured direct beam onto the
// wavelength bins once, shared by the sample and background runs.
func (r *Reducer) resampleDirectBeam() (*sansdata.DataArray, error) {
	if r.p.DirectBeam == nil {
		return nil, nil
	}
	db, err := iofq.ResampleDirectBeam(r.p.DirectBeam, r.p.WavelengthBins, r.logger)
	if err != nil {
		return nil, fmt.Errorf("reduction: resampling the direct beam: %w", err)
	}
	return db, nil
}

// prepareDetector applies the configured masks, shifts the pixel
// positions onto the beam center and converts to wavelength.
func (r *Reducer) prepareDetector(det *sansdata.DataArray, center r3.Vec) (*sansdata.DataArray, error) {
	out, err := masking.ApplyAll(det, r.p.DetectorMasks)
	if err != nil {
		return nil, fmt.Errorf("applying detector masks: %w", err)
	}
	out, err = conversions.CalibratePositions(out, center)
	if err != nil {
		return nil, fmt.Errorf("calibrating pixel positions: %w", err)
	}
	out, err = conversions.ToWavelength(out, r.elastic)
	if err != nil {
		return nil, fmt.Errorf("converting the detector to wavelength: %w", err)
	}
	if r.p.WavelengthMask != nil {
		out, err = masking.MaskRange(out, r.p.WavelengthMask, wavelengthMaskName)
		if err != nil {
			return nil, fmt.Errorf("masking the wavelength range: %w", err)
		}
	}
	return out, nil
}

func (r *Reducer) toQ(da *sansdata.DataArray) (*sansdata.DataArray, error) {
	if r.p.QBins != nil {
		return conversions.ToQ(da, r.elastic)
	}
	return conversions.ToQxy(da, r.elastic)
}

func (r *Reducer) reduce(da *sansdata.DataArray) (*sansdata.DataArray, error) {
	if r.p.QBins != nil {
		return iofq.ReduceQ(da, r.p.QBins, r.p.Bands, r.p.DimsToKeep)
	}
	return iofq.ReduceQxy(da, r.p.QxBins, r.p.QyBins, r.p.Bands, r.p.DimsToKeep)
}
