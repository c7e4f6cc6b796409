// Package cli implements the sansred command line interface.
package cli

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"sansred/pkg/config"
)

// rootOptions holds the flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
}

// New builds the root sansred command.
func New() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "sansred",
		Short: "Reduces small-angle scattering runs to I(Q)",
		Long: `sansred reduces small-angle neutron scattering runs to the scattered
intensity I(Q). Detector counts are converted to wavelength and
momentum transfer, normalized by the monitor-weighted solid angle,
corrected for transmission and detector efficiency, and histogrammed
into Q bins, with an optional background run subtracted.

Runs are YAML files holding a detector and its beam monitors; binning,
corrections and the instrument geometry come from the configuration
file.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "sansred.yaml", "reduction configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log verbosity: debug, info, warning or error (overrides the config)")
	cmd.AddCommand(reduceCmd(opts), beamCenterCmd(opts), directBeamCmd(opts), resolutionCmd(opts), configCmd(opts))
	return cmd
}

// setup loads the configuration and builds the logger shared by the
// reduction commands. The command line log level wins over the
// configured one.
func (o *rootOptions) setup() (*config.Config, *log.Logger, error) {
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	level := cfg.Output.LogLevel
	if o.logLevel != "" {
		level = o.logLevel
	}
	logger := log.New()
	if level != "" {
		lvl, err := log.ParseLevel(level)
		if err != nil {
			return nil, nil, fmt.Errorf("cli: unknown log level %q", level)
		}
		logger.SetLevel(lvl)
	}
	return cfg, logger, nil
}
