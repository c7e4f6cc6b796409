package cli

import (
	"github.com/spf13/cobra"

	"sansred/pkg/reduction"
	"sansred/pkg/sansio"
)

func reduceCmd(opts *rootOptions) *cobra.Command {
	var (
		sampleFile         string
		backgroundFile     string
		transmissionFile   string
		bgTransmissionFile string
		emptyBeamFile      string
		outFile            string
		findCenter         bool
	)
	cmd := &cobra.Command{
		Use:   "reduce",
		Short: "Reduce a sample run to I(Q)",
		Long: `Reduce a sample run, and optionally subtract a background run, into an
intensity table. The transmission and empty-beam runs together enable
the transmission correction.`,
		Example: `sansred reduce -c config.yaml --sample sample.yaml --background background.yaml`,
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
			var result *reduction.Result
			if findCenter {
				result, err = r.RunWithBeamCenter(runs)
			} else {
				result, err = r.Run(runs)
			}
			if err != nil {
				return err
			}
			out := outFile
			if out == "" {
				out = cfg.Output.File
			}
			if err := sansio.SaveIofQ(result.IofQ, out); err != nil {
				return err
			}
			logger.WithField("file", out).Info("wrote the reduced intensity")
			return nil
		},
	}

	cmd.Flags().StringVar(&sampleFile, "sample", "", "sample run file")
	cmd.Flags().StringVar(&backgroundFile, "background", "", "background run file")
	cmd.Flags().StringVar(&transmissionFile, "transmission", "", "transmission run file with incident and transmission monitors")
	cmd.Flags().StringVar(&bgTransmissionFile, "background-transmission", "", "transmission run file of the background, when it differs from the sample's")
	cmd.Flags().StringVar(&emptyBeamFile, "empty-beam", "", "empty-beam run file with incident and transmission monitors")
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "output file (defaults to the configured output file)")
	cmd.Flags().BoolVar(&findCenter, "find-beam-center", false, "refine the beam center on the sample run before reducing")
	cmd.MarkFlagRequired("sample")

	return cmd
}
