package main

import (
	"fmt"

	"github.com/platinummonkey/impromptu/pkg/async"
	"github.com/platinummonkey/impromptu/pkg/config"
	"github.com/platinummonkey/impromptu/pkg/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	// Demo capability, so `impromptu inspect` works against the calculator packages
	_ "github.com/platinummonkey/impromptu/examples/calculator/abstractions"
)

// rootFlags override the environment configuration
type rootFlags struct {
	root      string
	sources   []string
	isolation string
	logLevel  string
	logFormat string
}

func newRootCmd(versionString string) *cobra.Command {
	a := &app{}
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "impromptu",
		Short: "On-demand plugin packages",
		Long: `impromptu retrieves versioned plugin packages from a registry, discovers the
plugin types inside them and serves package feeds to other hosts.

Configuration comes from IMPROMPTU_* environment variables; flags override them.`,
		Version:       versionString,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd, flags)
		},
	}

	cmd.PersistentFlags().StringVar(&flags.root, "root", "", "package root (default $IMPROMPTU_ROOT or the user cache dir)")
	cmd.PersistentFlags().StringArrayVarP(&flags.sources, "source", "s", nil, "package source, repeatable (feed dir, http(s) URL or s3://bucket/prefix)")
	cmd.PersistentFlags().StringVar(&flags.isolation, "isolation", "", "module inspection isolation: state or worker")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	cmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "log format: text or json")

	cmd.AddCommand(
		newFetchCmd(a),
		newInspectCmd(a),
		newPackCmd(a),
		newServeCmd(a),
		newVersionCmd(versionString),
	)
	return cmd
}

// init loads the configuration, applies flag overrides and builds the logger
func (a *app) init(cmd *cobra.Command, flags *rootFlags) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	if flags.root != "" {
		cfg.Packages.Root = flags.root
	}
	if len(flags.sources) > 0 {
		cfg.Packages.Sources = nil
		for _, raw := range flags.sources {
			spec, err := config.ParseSource(raw)
			if err != nil {
				return err
			}
			cfg.Packages.Sources = append(cfg.Packages.Sources, spec)
		}
	}
	if flags.isolation != "" {
		cfg.Sandbox.Isolation = flags.isolation
	}
	if flags.logLevel != "" {
		cfg.Observability.LogLevel = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Observability.LogFormat = flags.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	logger, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	async.SetLogger(logger)

	a.cfg = cfg
	a.logger = logger
	a.out = cmd.OutOrStdout()
	a.registry = prometheus.NewRegistry()
	if cfg.Observability.MetricsEnabled {
		a.metrics = observability.NewMetrics(a.registry)
	}

	a.telemetry, err = observability.StartTelemetry(cmd.Context(), observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		Insecure:       cfg.Observability.OTelInsecure,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		PackageRoot:    cfg.Packages.Root,
		Isolation:      cfg.Sandbox.Isolation,
		Command:        cmd.Name(),
	}, logger)
	return err
}

func newVersionCmd(versionString string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "impromptu", versionString)
			return err
		},
	}
}
