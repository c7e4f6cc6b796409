package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"sansred/pkg/config"
	"sansred/pkg/masking"
	"sansred/pkg/nd"
	"sansred/pkg/qresolution"
	"sansred/pkg/reduction"
	"sansred/pkg/sansio"
)

// loadRuns reads the run files of one reduction. The background,
// transmission and empty-beam files are optional; the sample is not.
func loadRuns(sampleFile, backgroundFile, transmissionFile, bgTransmissionFile, emptyBeamFile string) (reduction.Runs, error) {
	var runs reduction.Runs
	if sampleFile == "" {
		return runs, fmt.Errorf("cli: a sample run file is required")
	}
	sample, err := loadRun(sampleFile)
	if err != nil {
		return runs, err
	}
	runs.Sample = sample
	if backgroundFile != "" {
		runs.Background, err = loadRun(backgroundFile)
		if err != nil {
			return runs, err
		}
	}
	if transmissionFile != "" {
		runs.Transmission, err = loadMonitors(transmissionFile)
		if err != nil {
			return runs, err
		}
	}
	if bgTransmissionFile != "" {
		runs.BackgroundTransmission, err = loadMonitors(bgTransmissionFile)
		if err != nil {
			return runs, err
		}
	}
	if emptyBeamFile != "" {
		runs.EmptyBeam, err = loadMonitors(emptyBeamFile)
		if err != nil {
			return runs, err
		}
	}
	return runs, nil
}

// loadRun reads a detector run with its incident monitor.
func loadRun(path string) (reduction.Run, error) {
	file, err := sansio.ReadRunFile(path)
	if err != nil {
		return reduction.Run{}, err
	}
	det, err := file.DetectorArray()
	if err != nil {
		return reduction.Run{}, fmt.Errorf("%s: %w", path, err)
	}
	mon, err := file.IncidentMonitor()
	if err != nil {
		return reduction.Run{}, fmt.Errorf("%s: %w", path, err)
	}
	return reduction.Run{Detector: det, Monitor: mon}, nil
}

// loadMonitors reads the incident and transmission monitors of a
// transmission or empty-beam run.
func loadMonitors(path string) (reduction.Monitors, error) {
	file, err := sansio.ReadRunFile(path)
	if err != nil {
		return reduction.Monitors{}, err
	}
	incident, err := file.IncidentMonitor()
	if err != nil {
		return reduction.Monitors{}, fmt.Errorf("%s: %w", path, err)
	}
	trans, err := file.TransmissionMonitor()
	if err != nil {
		return reduction.Monitors{}, fmt.Errorf("%s: %w", path, err)
	}
	return reduction.Monitors{Incident: incident, Transmission: trans}, nil
}

// attachAuxiliary loads the configured direct-beam table, moderator
// table and detector mask files into the parameters. Mask files resolve
// their detector IDs against the sample run's detector ID coordinate.
func attachAuxiliary(p *reduction.Params, cfg *config.Config, runs reduction.Runs) error {
	if cfg.DirectBeam.File != "" {
		db, err := sansio.ReadDirectBeam(cfg.DirectBeam.File)
		if err != nil {
			return err
		}
		p.DirectBeam = db
	}
	if cfg.Resolution.ModeratorFile != "" {
		spread, err := qresolution.LoadModeratorFile(cfg.Resolution.ModeratorFile)
		if err != nil {
			return err
		}
		p.ModeratorSpread = spread
	}
	if len(cfg.Corrections.MaskFiles) == 0 {
		return nil
	}
	ids, ok := runs.Sample.Detector.Coord(sansio.DetectorIDCoord)
	if !ok {
		return fmt.Errorf("cli: mask files need detector IDs in the sample run")
	}
	p.DetectorMasks = make(map[string]*nd.Bools, len(cfg.Corrections.MaskFiles))
	for _, f := range cfg.Corrections.MaskFiles {
		masked, err := masking.ReadXMLMaskFile(f)
		if err != nil {
			return err
		}
		name := strings.TrimSuffix(filepath.Base(f), filepath.Ext(f))
		p.DetectorMasks[name] = masking.MaskFromIDs(ids, masked)
	}
	return nil
}
