package cli

import (
	"github.com/spf13/cobra"

	"sansred/pkg/reduction"
	"sansred/pkg/sansio"
)

func directBeamCmd(opts *rootOptions) *cobra.Command {
	var (
		sampleFile         string
		backgroundFile     string
		transmissionFile   string
		bgTransmissionFile string
		emptyBeamFile      string
		outFile            string
	)
	cmd := &cobra.Command{
		Use:   "direct-beam",
		Short: "Solve the direct-beam function from a sample and background run",
		Long: `Iterate the wavelength-dependent direct-beam function to the point
where every configured wavelength band of the background-subtracted
reduction reproduces the full-range result, anchored to the known
intensity at the lowest Q bin. The solved function is written as a
table a later reduction loads through directBeam.file.`,
		Example: `sansred direct-beam -c config.yaml --sample sample.yaml --background background.yaml -o direct_beam.yaml`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			p, err := cfg.Params()
			if err != nil {
				return err
			}
			runs, err := loadRuns(sampleFile, backgroundFile, transmissionFile, bgTransmissionFile, emptyBeamFile)
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
			iterations, err := r.SolveDirectBeam(runs)
			if err != nil {
				return err
			}
			last := iterations[len(iterations)-1]
			if err := sansio.SaveDirectBeam(last.DirectBeam, outFile); err != nil {
				return err
			}
			logger.WithField("file", outFile).Info("wrote the direct-beam table")
			return nil
		},
	}

	cmd.Flags().StringVar(&sampleFile, "sample", "", "sample run file")
	cmd.Flags().StringVar(&backgroundFile, "background", "", "background run file")
	cmd.Flags().StringVar(&transmissionFile, "transmission", "", "transmission run file with incident and transmission monitors")
	cmd.Flags().StringVar(&bgTransmissionFile, "background-transmission", "", "transmission run file of the background, when it differs from the sample's")
	cmd.Flags().StringVar(&emptyBeamFile, "empty-beam", "", "empty-beam run file with incident and transmission monitors")
	cmd.Flags().StringVarP(&outFile, "out", "o", "direct_beam.yaml", "direct-beam table output file")
	cmd.MarkFlagRequired("sample")
	cmd.MarkFlagRequired("background")

	return cmd
}
