package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"sansred/pkg/reduction"
	"sansred/pkg/sansio"
)

func resolutionCmd(opts *rootOptions) *cobra.Command {
	var (
		sampleFile string
		outFile    string
	)
	cmd := &cobra.Command{
		Use:   "resolution",
		Short: "Estimate the Q resolution of a sample run's geometry",
		Long: `Estimate the momentum-transfer resolution of a reduction: the
collimation-geometry width of every pixel, combined with the
wavelength spread of the bin widths and the moderator emission time,
pooled into the configured Q bins and wavelength bands. The resolution
section of the configuration supplies the aperture geometry and the
moderator table; the widths depend on the sample run's layout, not its
counts.`,
		Example: `sansred resolution -c config.yaml --sample sample.yaml -o resolution.txt`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			if !cfg.ResolutionConfigured() {
				return fmt.Errorf("cli: the resolution command needs the resolution section of the configuration")
			}
			p, err := cfg.Params()
			if err != nil {
				return err
			}
			runs, err := loadRuns(sampleFile, "", "", "", "")
			if err != nil {
				return err
			}
			if err := attachAuxiliary(&p, cfg, runs); err != nil {
				return err
			}
			r, err := reduction.New(p, logger)
			if err != nil {
				return err
			}
			res, err := r.QResolution(runs)
			if err != nil {
				return err
			}
			if err := sansio.SaveResolution(res, outFile); err != nil {
				return err
			}
			logger.WithField("file", outFile).Info("wrote the resolution table")
			return nil
		},
	}

	cmd.Flags().StringVar(&sampleFile, "sample", "", "sample run file")
	cmd.Flags().StringVarP(&outFile, "out", "o", "resolution.txt", "resolution table output file")
	cmd.MarkFlagRequired("sample")

	return cmd
}
