package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"transbook/internal/config"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage transbook configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	var pathFlag string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a sample configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteSample(pathFlag); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", pathFlag)
			return nil
		},
	}
	initCmd.Flags().StringVar(&pathFlag, "path", defaultConfigPath, "Where to write the sample config")

	cmd.AddCommand(initCmd)
	return cmd
}
