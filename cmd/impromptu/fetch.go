package main

import (
	"fmt"

	"github.com/platinummonkey/impromptu/pkg/pluginkey"
	"github.com/spf13/cobra"
)

func newFetchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <package-id> [version]",
		Short: "Retrieve a package into the package root",
		Long: `Retrieve a package from the configured sources and extract it under the
package root. Without a version the latest release is fetched. Prints the
package directory.

Examples:
  impromptu fetch Calculator.Extension.Additor 1.0.0 --source ./feed
  IMPROMPTU_SOURCES=https://registry.example.com impromptu fetch Calculator.Extension.Additor`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()

			var version *pluginkey.Version
			if len(args) == 2 {
				v, err := pluginkey.ParseVersion(args[1])
				if err != nil {
					return err
				}
				version = &v
			}

			r, err := a.retriever(cmd.Context())
			if err != nil {
				return err
			}
			dir, err := r.Retrieve(cmd.Context(), a.cfg.Packages.Root, args[0], version)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(a.out, dir)
			return err
		},
	}
}
