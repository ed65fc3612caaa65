// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugkit Contributors

package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/plugkit/plugkit/internal/discovery"
)

// NewSchemaCmd creates the schema subcommand, which writes the plugin
// manifest JSON Schema to a file or stdout.
func NewSchemaCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Generate the plugin manifest JSON Schema",
		Long:  `Generate the JSON Schema that plugin.yaml manifests are validated against.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			schema, err := discovery.GenerateSchema()
			if err != nil {
				return err
			}

			if outPath == "" {
				cmd.Println(string(schema))
				return nil
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o750); err != nil {
				return err
			}
			if err := os.WriteFile(outPath, schema, 0o600); err != nil {
				return err
			}
			cmd.Printf("Generated %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outPath, "output", "o", "", "output file (default: stdout)")

	return cmd
}
