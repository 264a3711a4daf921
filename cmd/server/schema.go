package main

import (
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/ucshadow/internal/core"
	"github.com/JonMunkholm/ucshadow/internal/schema"
)

// newSchemaCmd prints the effective entity descriptors as YAML, after any
// descriptor file has been applied. The output is a valid SCHEMA_FILE.
func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the registered entity type descriptors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if _, err := schema.Install(cfg.Schema.File); err != nil {
				return err
			}
			return schema.Write(cmd.OutOrStdout(), core.All())
		},
	}
}
