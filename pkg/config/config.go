// Package config provides configuration loading and management for sansred.
// It handles loading reduction parameters from YAML files and provides
// default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"

	"sansred/pkg/conversions"
	"sansred/pkg/masking"
	"sansred/pkg/nd"
	"sansred/pkg/normalization"
	"sansred/pkg/qresolution"
	"sansred/pkg/reduction"
	"sansred/pkg/uncertainty"
)

// Config represents the reduction configuration loaded from YAML
type Config struct {
	// Binning parameters
	Binning struct {
		// WavelengthEdges are the bin edges of the common wavelength grid in angstrom
		WavelengthEdges []float64 `yaml:"wavelengthEdges"`

		// QEdges are the momentum-transfer bin edges of the one-dimensional reduction in 1/angstrom
		QEdges []float64 `yaml:"qEdges"`

		// QxEdges and QyEdges select the two-dimensional reduction instead of QEdges
		QxEdges []float64 `yaml:"qxEdges"`
		QyEdges []float64 `yaml:"qyEdges"`

		// BandEdges split the reduction into adjacent wavelength bands
		BandEdges []float64 `yaml:"bandEdges"`

		// Bands are explicit [low, high] wavelength bands, which may overlap
		Bands [][]float64 `yaml:"bands"`

		// DimsToKeep lists detector dimensions excluded from the reduction sum
		DimsToKeep []string `yaml:"dimsToKeep"`
	} `yaml:"binning"`

	// Instrument geometry
	Instrument struct {
		// PixelShape describes the cylindrical detector pixels by three vertices in meters
		PixelShape struct {
			Face1Center []float64 `yaml:"face1Center"`
			Face1Edge   []float64 `yaml:"face1Edge"`
			Face2Center []float64 `yaml:"face2Center"`
		} `yaml:"pixelShape"`

		// BeamCenter shifts all pixel positions so the beam axis sits at the origin
		BeamCenter []float64 `yaml:"beamCenter"`

		// Gravity enables the gravity-drop correction of the scattering angle
		Gravity bool `yaml:"gravity"`
	} `yaml:"instrument"`

	// Correction parameters
	Corrections struct {
		// UncertaintyMode selects how variances behave when a shared term is
		// broadcast: drop, upper_bound or fail. Empty means drop.
		UncertaintyMode string `yaml:"uncertaintyMode"`

		// ReturnEvents keeps event granularity through normalization and subtraction
		ReturnEvents bool `yaml:"returnEvents"`

		// NonBackgroundRange is the [min, max] wavelength interval bounding the
		// usable beam for the monitor background estimate
		NonBackgroundRange []float64 `yaml:"nonBackgroundRange"`

		// WavelengthMask excludes a [min, max] wavelength range from the detector data
		WavelengthMask []float64 `yaml:"wavelengthMask"`

		// MaskFiles are detector-masking XML files applied to every run
		MaskFiles []string `yaml:"maskFiles"`
	} `yaml:"corrections"`

	// Beam-center refinement parameters
	BeamCenter struct {
		// Minimizer selects the refinement method: Nelder-Mead or CMA-ES
		Minimizer string `yaml:"minimizer"`

		// Tolerance terminates the refinement once the quadrant cost improves
		// by less than this amount
		Tolerance float64 `yaml:"tolerance"`
	} `yaml:"beamCenter"`

	// Direct-beam solver parameters
	DirectBeam struct {
		// File is a YAML table with the measured detector efficiency over wavelength
		File string `yaml:"file"`

		// I0 is the known intensity at the lowest momentum-transfer bin
		I0 float64 `yaml:"i0"`

		// Iterations is the fixed-point iteration count
		Iterations int `yaml:"iterations"`

		// Tolerance stops the solver early once the function changes by less
		// than this fraction per iteration
		Tolerance float64 `yaml:"tolerance"`
	} `yaml:"directBeam"`

	// Momentum-transfer resolution parameters
	Resolution struct {
		// DeltaR is the width of the virtual detector rings in meters
		DeltaR float64 `yaml:"deltaR"`

		// SampleApertureRadius is the sample aperture radius in meters
		SampleApertureRadius float64 `yaml:"sampleApertureRadius"`

		// SourceApertureRadius is the source aperture radius in meters
		SourceApertureRadius float64 `yaml:"sourceApertureRadius"`

		// CollimationLength is the source-aperture to sample distance in meters
		CollimationLength float64 `yaml:"collimationLength"`

		// ModeratorFile is an ISIS moderator table with the emission-time
		// spread over wavelength
		ModeratorFile string `yaml:"moderatorFile"`
	} `yaml:"resolution"`

	// Output parameters
	Output struct {
		// File is the path the reduced intensity table is written to
		File string `yaml:"file"`

		// LogLevel controls the logging verbosity: debug, info, warn or error
		LogLevel string `yaml:"logLevel"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default binning parameters
	cfg.Binning.WavelengthEdges = []float64{1.0, 13.0}
	cfg.Binning.QEdges = []float64{0.01, 0.3}

	// Set default instrument parameters
	cfg.Instrument.PixelShape.Face1Edge = []float64{0.004, 0, 0}
	cfg.Instrument.PixelShape.Face2Center = []float64{0, 0, 0.002}

	// Set default correction parameters
	cfg.Corrections.UncertaintyMode = "upper_bound"

	// Set default beam-center parameters
	cfg.BeamCenter.Minimizer = "Nelder-Mead"
	cfg.BeamCenter.Tolerance = 0.1

	// Set default direct-beam parameters
	cfg.DirectBeam.I0 = 1.0
	cfg.DirectBeam.Iterations = 5

	// Set default output parameters
	cfg.Output.File = "iofq.txt"
	cfg.Output.LogLevel = "info"

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// Validate checks the configuration for inconsistent or malformed values
func (cfg *Config) Validate() error {
	b := cfg.Binning
	if len(b.WavelengthEdges) < 2 {
		return fmt.Errorf("config: binning.wavelengthEdges needs at least two values")
	}
	switch {
	case len(b.QEdges) > 0 && (len(b.QxEdges) > 0 || len(b.QyEdges) > 0):
		return fmt.Errorf("config: binning.qEdges and binning.qxEdges/qyEdges are mutually exclusive")
	case len(b.QEdges) == 0 && (len(b.QxEdges) > 0) != (len(b.QyEdges) > 0):
		return fmt.Errorf("config: binning.qxEdges and binning.qyEdges go together")
	case len(b.QEdges) == 0 && len(b.QxEdges) == 0:
		return fmt.Errorf("config: either binning.qEdges or binning.qxEdges and qyEdges are required")
	}
	for name, edges := range map[string][]float64{
		"qEdges":  b.QEdges,
		"qxEdges": b.QxEdges,
		"qyEdges": b.QyEdges,
	} {
		if len(edges) == 1 {
			return fmt.Errorf("config: binning.%s needs at least two values", name)
		}
	}
	if len(b.BandEdges) > 0 && len(b.Bands) > 0 {
		return fmt.Errorf("config: binning.bandEdges and binning.bands are mutually exclusive")
	}
	if len(b.BandEdges) == 1 {
		return fmt.Errorf("config: binning.bandEdges needs at least two values")
	}
	for i, pair := range b.Bands {
		if len(pair) != 2 {
			return fmt.Errorf("config: binning.bands[%d] must be a [low, high] pair, found %d values", i, len(pair))
		}
	}
	if n := len(cfg.Corrections.NonBackgroundRange); n != 0 && n != 2 {
		return fmt.Errorf("config: corrections.nonBackgroundRange must be a [min, max] pair, found %d values", n)
	}
	if n := len(cfg.Corrections.WavelengthMask); n != 0 && n != 2 {
		return fmt.Errorf("config: corrections.wavelengthMask must be a [min, max] pair, found %d values", n)
	}
	if s := cfg.Corrections.UncertaintyMode; s != "" {
		if _, err := uncertainty.ParseMode(s); err != nil {
			return fmt.Errorf("config: corrections.uncertaintyMode: %w", err)
		}
	}
	for name, v := range map[string][]float64{
		"instrument.pixelShape.face1Center": cfg.Instrument.PixelShape.Face1Center,
		"instrument.pixelShape.face1Edge":   cfg.Instrument.PixelShape.Face1Edge,
		"instrument.pixelShape.face2Center": cfg.Instrument.PixelShape.Face2Center,
		"instrument.beamCenter":             cfg.Instrument.BeamCenter,
	} {
		if n := len(v); n != 0 && n != 3 {
			return fmt.Errorf("config: %s must be an [x, y, z] triple, found %d values", name, n)
		}
	}
	if cfg.BeamCenter.Tolerance < 0 {
		return fmt.Errorf("config: beamCenter.tolerance cannot be negative")
	}
	if cfg.DirectBeam.Iterations < 0 {
		return fmt.Errorf("config: directBeam.iterations cannot be negative")
	}
	if cfg.DirectBeam.Tolerance < 0 {
		return fmt.Errorf("config: directBeam.tolerance cannot be negative")
	}
	if cfg.ResolutionConfigured() {
		for name, v := range map[string]float64{
			"resolution.deltaR":               cfg.Resolution.DeltaR,
			"resolution.sampleApertureRadius": cfg.Resolution.SampleApertureRadius,
			"resolution.sourceApertureRadius": cfg.Resolution.SourceApertureRadius,
			"resolution.collimationLength":    cfg.Resolution.CollimationLength,
		} {
			if !(v > 0) {
				return fmt.Errorf("config: %s must be positive, found %v", name, v)
			}
		}
		if cfg.Resolution.ModeratorFile == "" {
			return fmt.Errorf("config: resolution.moderatorFile is required with the resolution geometry")
		}
	}
	return nil
}

// ResolutionConfigured reports whether the resolution section is
// present. The section is all-or-nothing: one set field pulls in the
// rest through Validate.
func (cfg *Config) ResolutionConfigured() bool {
	r := cfg.Resolution
	return r.DeltaR != 0 || r.SampleApertureRadius != 0 || r.SourceApertureRadius != 0 ||
		r.CollimationLength != 0 || r.ModeratorFile != ""
}

// Params converts the configuration into reduction parameters. Detector
// masks, the direct beam and the moderator spread come from their
// files; the caller loads them and attaches them to the returned
// parameters.
func (cfg *Config) Params() (reduction.Params, error) {
	var p reduction.Params
	if err := cfg.Validate(); err != nil {
		return p, err
	}
	p.WavelengthBins = nd.FromValues(conversions.CoordWavelength, cfg.Binning.WavelengthEdges...)
	if len(cfg.Binning.QEdges) > 0 {
		p.QBins = nd.FromValues(conversions.CoordQ, cfg.Binning.QEdges...)
	} else {
		p.QxBins = nd.FromValues(conversions.CoordQx, cfg.Binning.QxEdges...)
		p.QyBins = nd.FromValues(conversions.CoordQy, cfg.Binning.QyEdges...)
	}
	bands, err := cfg.bandTable()
	if err != nil {
		return p, err
	}
	p.Bands = bands
	p.DimsToKeep = append([]string(nil), cfg.Binning.DimsToKeep...)
	p.Gravity = cfg.Instrument.Gravity
	p.PixelShape = normalization.PixelShape{
		Face1Center: vec3(cfg.Instrument.PixelShape.Face1Center),
		Face1Edge:   vec3(cfg.Instrument.PixelShape.Face1Edge),
		Face2Center: vec3(cfg.Instrument.PixelShape.Face2Center),
	}
	p.BeamCenter = vec3(cfg.Instrument.BeamCenter)
	if s := cfg.Corrections.UncertaintyMode; s != "" {
		mode, err := uncertainty.ParseMode(s)
		if err != nil {
			return p, fmt.Errorf("config: corrections.uncertaintyMode: %w", err)
		}
		p.Mode = mode
	}
	p.ReturnEvents = cfg.Corrections.ReturnEvents
	if r := cfg.Corrections.NonBackgroundRange; len(r) == 2 {
		p.NonBackgroundRange = nd.FromValues(conversions.CoordWavelength, r...)
	}
	if m := cfg.Corrections.WavelengthMask; len(m) == 2 {
		p.WavelengthMask = masking.MaskedInterval(conversions.CoordWavelength, m[0], m[1])
	}
	p.BeamCenterMinimizer = cfg.BeamCenter.Minimizer
	p.BeamCenterTolerance = cfg.BeamCenter.Tolerance
	p.DirectBeamI0 = cfg.DirectBeam.I0
	p.DirectBeamIterations = cfg.DirectBeam.Iterations
	p.DirectBeamTolerance = cfg.DirectBeam.Tolerance
	if cfg.ResolutionConfigured() {
		p.Resolution = &qresolution.Params{
			DeltaR:               cfg.Resolution.DeltaR,
			SampleApertureRadius: cfg.Resolution.SampleApertureRadius,
			SourceApertureRadius: cfg.Resolution.SourceApertureRadius,
			CollimationLength:    cfg.Resolution.CollimationLength,
		}
	}
	return p, nil
}

// bandTable builds the wavelength band table from whichever band form the
// configuration carries.
func (cfg *Config) bandTable() (*nd.Array, error) {
	if edges := cfg.Binning.BandEdges; len(edges) > 0 {
		return nd.FromValues(conversions.CoordWavelength, edges...), nil
	}
	if len(cfg.Binning.Bands) == 0 {
		return nil, nil
	}
	flat := make([]float64, 0, 2*len(cfg.Binning.Bands))
	for _, pair := range cfg.Binning.Bands {
		flat = append(flat, pair[0], pair[1])
	}
	return nd.NewArray([]string{"band", conversions.CoordWavelength}, []int{len(cfg.Binning.Bands), 2}, flat, nil)
}

func vec3(v []float64) r3.Vec {
	if len(v) != 3 {
		return r3.Vec{}
	}
	return r3.Vec{X: v[0], Y: v[1], Z: v[2]}
}
