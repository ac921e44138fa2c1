package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/platinummonkey/impromptu/pkg/pluginkey"
	"github.com/platinummonkey/impromptu/pkg/registry"
	"github.com/spf13/cobra"
)

func newPackCmd(a *app) *cobra.Command {
	var (
		id      string
		version string
		format  string
		feedDir string
	)

	cmd := &cobra.Command{
		Use:   "pack <dir>",
		Short: "Pack a directory into a package feed",
		Long: `Pack a package directory into an archive named {id}.{version}.{zip|tar.gz}
inside a feed directory. The id and version default to the directory's
impromptu.yaml manifest.

Examples:
  impromptu pack examples/calculator/packages/additor --feed ./feed
  impromptu pack ./build --id Acme.Plugins --version 2.1.0 --format tar.gz --feed ./feed`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			dir := args[0]

			manifest, err := registry.LoadManifestFromDir(dir)
			if err != nil {
				return err
			}
			if manifest != nil {
				if problems := manifest.Validate(); len(problems) > 0 {
					return fmt.Errorf("invalid manifest: %w", errors.Join(problemErrors(problems)...))
				}
				if id == "" {
					id = manifest.ID
				}
				if version == "" {
					version = manifest.Version
				}
			}
			if id == "" || version == "" {
				return errors.New("package id and version are required without a manifest")
			}

			v, err := pluginkey.ParseVersion(version)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(feedDir, 0755); err != nil {
				return err
			}

			feed := registry.NewFileSystemSource(feedDir, a.logger)
			pkg, err := feed.Publish(dir, id, v, registry.ArchiveFormat(format))
			if err != nil {
				return err
			}
			a.logger.WithField("package", pkg.String()).Info("Packed")
			_, err = fmt.Fprintln(a.out, pkg.Location)
			return err
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "package id (default from manifest)")
	cmd.Flags().StringVar(&version, "version", "", "package version (default from manifest)")
	cmd.Flags().StringVar(&format, "format", string(registry.FormatZip), "archive format: zip or tar.gz")
	cmd.Flags().StringVar(&feedDir, "feed", ".", "feed directory to write the archive to")
	return cmd
}

func problemErrors(problems []registry.ManifestError) []error {
	errs := make([]error, len(problems))
	for i, p := range problems {
		errs[i] = p
	}
	return errs
}
