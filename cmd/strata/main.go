package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ajitpratap0/strata/internal/runner"
	"github.com/ajitpratap0/strata/pkg/connector/registry"

	// Import all available connectors to register them
	_ "github.com/ajitpratap0/strata/pkg/connector/destinations"
	_ "github.com/ajitpratap0/strata/pkg/connector/sources"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "strata",
		Short: "Strata - structured incremental data loading",
		Long: `Strata extracts records from a source, infers and evolves a relational
schema for them, and loads the result into a destination in durable,
resumable load packages. State on disk makes interrupted runs safe to
re-run.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Environment overrides use the STRATA_ prefix; flags win over the
	// environment (STRATA_LOG_LEVEL=debug vs --log-level).
	env := viper.New()
	env.SetEnvPrefix("STRATA")
	env.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	env.AutomaticEnv()

	root.PersistentFlags().String("log-level", "", "Log level override (debug, info, warn, error)")
	root.PersistentFlags().String("log-encoding", "", "Log encoding override (json, console)")
	root.PersistentFlags().String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	_ = env.BindPFlag("log-level", root.PersistentFlags().Lookup("log-level"))
	_ = env.BindPFlag("log-encoding", root.PersistentFlags().Lookup("log-encoding"))
	_ = env.BindPFlag("metrics-addr", root.PersistentFlags().Lookup("metrics-addr"))

	root.AddCommand(
		newRunCmd(env),
		newSchemaCmd(),
		newStateCmd(),
		newPackageCmd(),
		newSourcesCmd(),
		newDestinationsCmd(),
		newVersionCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRunCmd(env *viper.Viper) *cobra.Command {
	var asJSON, failFast bool

	cmd := &cobra.Command{
		Use:   "run <pipeline.yaml>",
		Short: "Run a pipeline to completion",
		Long: `Run a pipeline from its YAML configuration. Interrupted packages left
behind by a previous run are recovered before fresh extraction starts.

Example:
  strata run pipelines/orders.yaml --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := runner.Load(args[0])
			if err != nil {
				return err
			}
			cfg := r.Config()
			if failFast {
				cfg.Normalize.FailFast = true
			}
			if v := env.GetString("log-level"); v != "" {
				cfg.Observability.LogLevel = v
			}
			if v := env.GetString("log-encoding"); v != "" {
				cfg.Observability.LogEncoding = v
			}
			if v := env.GetString("metrics-addr"); v != "" {
				cfg.Observability.MetricsAddr = v
			}

			shutdown, err := r.Bootstrap(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer shutdown()

			info, err := r.Execute(cmd.Context())
			if info != nil {
				if renderErr := runner.Render(cmd.OutOrStdout(), info, asJSON); renderErr != nil && err == nil {
					err = renderErr
				}
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the run report as JSON")
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "Treat schema contract violations as failures instead of quarantining rows")
	return cmd
}

func newSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List available source connectors",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "Available Source Connectors:")
			for _, info := range registry.SourceInfo() {
				fmt.Fprintf(cmd.OutOrStdout(), "  - %-12s %s\n", info.Name, info.Description)
			}
		},
	}
}

func newDestinationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "destinations",
		Short: "List available destination connectors",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "Available Destination Connectors:")
			for _, info := range registry.DestinationInfo() {
				fmt.Fprintf(cmd.OutOrStdout(), "  - %-12s %s\n", info.Name, info.Description)
			}
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Strata v%s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "Go version: %s\n", runtime.Version())
			fmt.Fprintf(cmd.OutOrStdout(), "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
