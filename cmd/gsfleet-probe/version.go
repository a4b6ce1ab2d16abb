// cmd/gsfleet-probe/version.go
// Implements the `gsfleet-probe version` sub-command, printing build
// metadata injected via pkg/version. Supports --json for machine
// consumption.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Voskan/gsfleet/pkg/version"
)

func newVersionCmd() *cobra.Command {
	var outputJSON bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print gsfleet-probe version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			if outputJSON {
				ver, commit, date := version.Components()
				payload := map[string]string{
					"version": ver,
					"commit":  commit,
					"date":    date,
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(payload)
			}
			fmt.Println(version.String())
			return nil
		},
	}

	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print version information as JSON")
	return cmd
}
