package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/platinummonkey/impromptu/examples/calculator/abstractions"
	"github.com/platinummonkey/impromptu/pkg/instantiator"
	"github.com/platinummonkey/impromptu/pkg/pluginkey"
	"github.com/spf13/cobra"
)

type inspectedType struct {
	FullName     string     `json:"full_name"`
	Module       string     `json:"module"`
	Export       string     `json:"export"`
	Constructors [][]string `json:"constructors"`
}

type inspectResult struct {
	Dir        string          `json:"dir"`
	Capability string          `json:"capability"`
	Types      []inspectedType `json:"types"`
}

func newInspectCmd(a *app) *cobra.Command {
	var capabilityName string

	cmd := &cobra.Command{
		Use:   "inspect <dir | package-id[@version]>",
		Short: "List the plugin types a package provides",
		Long: `Discover the types implementing a capability in a module directory, a
package directory or a package fetched from the configured sources. Prints
JSON.

Examples:
  impromptu inspect examples/calculator/packages/additor
  impromptu inspect Calculator.Extension.Additor@1.0.0 --source ./feed
  impromptu inspect ./modules --capability Calculator.Abstractions.ICalculator`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			ctx := cmd.Context()

			c, err := lookupCapability(capabilityName)
			if err != nil {
				return err
			}

			dir := args[0]
			if info, err := os.Stat(dir); err != nil || !info.IsDir() {
				id, rawVersion, _ := strings.Cut(args[0], "@")
				var version *pluginkey.Version
				if rawVersion != "" {
					v, err := pluginkey.ParseVersion(rawVersion)
					if err != nil {
						return err
					}
					version = &v
				}
				r, err := a.retriever(ctx)
				if err != nil {
					return err
				}
				if dir, err = r.Retrieve(ctx, a.cfg.Packages.Root, id, version); err != nil {
					return err
				}
			}
			if info, err := os.Stat(filepath.Join(dir, instantiator.ModuleDir)); err == nil && info.IsDir() {
				dir = filepath.Join(dir, instantiator.ModuleDir)
			}

			pkg, err := a.discoverer().Discover(ctx, dir, c)
			if err != nil {
				return err
			}
			defer pkg.Close()

			result := inspectResult{Dir: dir, Capability: c.FullName(), Types: []inspectedType{}}
			for _, t := range pkg.Types {
				it := inspectedType{FullName: t.FullName, Module: t.Module, Export: t.Export, Constructors: [][]string{}}
				for _, ctor := range t.Constructors {
					params := ctor.Params
					if params == nil {
						params = []string{}
					}
					it.Constructors = append(it.Constructors, params)
				}
				result.Types = append(result.Types, it)
			}

			enc := json.NewEncoder(a.out)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}

	cmd.Flags().StringVarP(&capabilityName, "capability", "c", abstractions.Calculator.FullName(), "capability the types must implement, as Module.Name")
	return cmd
}
