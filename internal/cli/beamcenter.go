package cli

import (
	"github.com/spf13/cobra"

	"sansred/pkg/reduction"
)

func beamCenterCmd(opts *rootOptions) *cobra.Command {
	var (
		sampleFile       string
		transmissionFile string
		emptyBeamFile    string
	)
	cmd := &cobra.Command{
		Use:   "beam-center",
		Short: "Refine the beam center of a sample run",
		Long: `Estimate the beam center of a sample run: the center of mass of the
counts seeds a refinement that balances the reduced intensity of the
four detector quadrants. Enter the result as instrument.beamCenter in
the configuration to reuse it across reductions.`,
		Example: `sansred beam-center -c config.yaml --sample sample.yaml`,
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
			runs, err := loadRuns(sampleFile, "", transmissionFile, "", emptyBeamFile)
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
			center, err := r.FindBeamCenter(runs)
			if err != nil {
				return err
			}
			cmd.Printf("beam center: [%.9g, %.9g, %.9g]\n", center.X, center.Y, center.Z)
			return nil
		},
	}

	cmd.Flags().StringVar(&sampleFile, "sample", "", "sample run file")
	cmd.Flags().StringVar(&transmissionFile, "transmission", "", "transmission run file with incident and transmission monitors")
	cmd.Flags().StringVar(&emptyBeamFile, "empty-beam", "", "empty-beam run file with incident and transmission monitors")
	cmd.MarkFlagRequired("sample")

	return cmd
}
