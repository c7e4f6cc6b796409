package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"sansred/pkg/config"
)

func configCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the reduction configuration",
	}
	cmd.AddCommand(configInitCmd(opts), configCheckCmd(opts))
	return cmd
}

func configInitCmd(opts *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				if _, err := os.Stat(opts.configPath); err == nil {
					return fmt.Errorf("cli: %s exists, pass --force to overwrite", opts.configPath)
				}
			}
			if err := config.CreateDefaultConfigFile(opts.configPath); err != nil {
				return err
			}
			cmd.Printf("wrote %s\n", opts.configPath)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing configuration file")
	return cmd
}

func configCheckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(opts.configPath); err != nil {
				return fmt.Errorf("cli: cannot read %s: %w", opts.configPath, err)
			}
			cfg, err := config.LoadConfig(opts.configPath)
			if err != nil {
				return err
			}
			if _, err := cfg.Params(); err != nil {
				return err
			}
			cmd.Printf("%s is valid\n", opts.configPath)
			return nil
		},
	}
}
