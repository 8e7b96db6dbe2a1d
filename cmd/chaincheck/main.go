package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/glimte/phasechain"
	"github.com/glimte/phasechain/config"
	"github.com/glimte/phasechain/phase"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "chaincheck",
		Short: "Validate and inspect interceptor chain configuration",
		Long: `chaincheck loads a chain configuration file, assembles the interceptor
chains it declares and reports ordering problems before a service starts.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(out)

	var verbose bool
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	logger := func() *slog.Logger {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}

	validateCmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Check that a configuration assembles into valid chains",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadBus(args[0], logger()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", args[0])
			return nil
		},
	}

	var flowName string
	describeCmd := &cobra.Command{
		Use:   "describe <file>",
		Short: "Print the bus-level chains a configuration assembles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flows := phase.Flows()
			if flowName != "" {
				flow, err := phase.ParseFlow(flowName)
				if err != nil {
					return err
				}
				flows = []phase.Flow{flow}
			}

			bus, err := loadBus(args[0], logger())
			if err != nil {
				return err
			}
			for _, flow := range flows {
				desc, err := bus.Describe(flow)
				if err != nil {
					return fmt.Errorf("failed to describe %s chain: %w", flow, err)
				}
				fmt.Fprint(cmd.OutOrStdout(), desc)
			}
			return nil
		},
	}
	describeCmd.Flags().StringVarP(&flowName, "flow", "f", "", "Only describe this flow (in, out, in-fault, out-fault)")

	watchCmd := &cobra.Command{
		Use:   "watch <file>",
		Short: "Re-validate a configuration every time it changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			// Handle signals
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigChan)
			go func() {
				select {
				case <-sigChan:
					cancel()
				case <-ctx.Done():
				}
			}()

			return watch(ctx, cmd.OutOrStdout(), args[0], logger())
		},
	}

	rootCmd.AddCommand(validateCmd, describeCmd, watchCmd)
	return rootCmd
}

// loadBus builds a throwaway bus from the file at path. Metrics
// interceptors report to a private registry.
func loadBus(path string, logger *slog.Logger) (*phasechain.Bus, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return busFromConfig(cfg, logger)
}

func busFromConfig(cfg *config.Config, logger *slog.Logger) (*phasechain.Bus, error) {
	return phasechain.NewBusFromConfig(cfg,
		phasechain.WithLogger(logger),
		phasechain.WithRegisterer(prometheus.NewRegistry()),
	)
}

func watch(ctx context.Context, out io.Writer, path string, logger *slog.Logger) error {
	if _, err := loadBus(path, logger); err != nil {
		fmt.Fprintf(out, "%s: %v\n", path, err)
	} else {
		fmt.Fprintf(out, "%s: ok\n", path)
	}
	fmt.Fprintln(out, "Watching for changes... Press Ctrl+C to stop")

	return config.Watch(ctx, path, logger, func(cfg *config.Config) {
		if _, err := busFromConfig(cfg, logger); err != nil {
			fmt.Fprintf(out, "%s: %v\n", path, err)
			return
		}
		fmt.Fprintf(out, "%s: ok\n", path)
	})
}
