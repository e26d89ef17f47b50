package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stampedeproject/stampede/internal/stampede"
)

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stampede",
		Short: "stampede stress-tests a Redis deployment with concurrent FSM workloads.",
		Long: `stampede stress-tests a Redis deployment by running randomized FSM workloads
concurrently against it and checking data invariants once all workers have
finished.

Runs are described by suite files, e.g.:

name: smoke
workloads:
  - counter
  - deque
cluster:
  addrs:
    - "127.0.0.1:6379"
execution:
  threadMultiplier: 0.5

Target addresses and the random seed given on the command line override the
suite file, so one suite directory can be pointed at different deployments.`}

	cmd.PersistentFlags().StringSlice("redis", nil, "Target node addresses, primary first. Overrides the suite file.")
	viper.BindPFlag("redis", cmd.PersistentFlags().Lookup("redis"))
	cmd.PersistentFlags().Int64("seed", 0, "Random seed override. 0 keeps the suite file's seed.")
	viper.BindPFlag("seed", cmd.PersistentFlags().Lookup("seed"))

	cmd.AddCommand(
		versionCmd(stampede.New()),
		workloadsCmd(stampede.New()),
		runCmd(stampede.New()),
	)

	return cmd
}

// Print version info and exit.
func versionCmd(app *stampede.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version.",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initParams(cmd, app)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Version()
		},
	}
	return cmd
}

// Print the names of all built-in workload programs and exit.
func workloadsCmd(app *stampede.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workloads",
		Short: "List the built-in workload programs.",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initParams(cmd, app)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.ListWorkloads()
		},
	}
	return cmd
}

// Run workload suites against a target deployment and print per-suite
// results plus a summary on exit.
func runCmd(app *stampede.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run workload suites against a Redis deployment.",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initParams(cmd, app)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			suitesPattern, err := cmd.Flags().GetString("suites")
			if err != nil {
				return err
			}

			suiteFiles, err := filepath.Glob(suitesPattern)
			if err != nil {
				return err
			}

			// Create a context that is cancelled on SIGINT/SIGTERM, so that
			// workers stop and workloads are torn down on ctrl-C.
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			stopSignal := make(chan os.Signal, 1)
			signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				select {
				case <-ctx.Done():
					return
				case <-stopSignal:
					cancel()
				}
			}()

			numSuccesses := 0
			numFailures := 0
			start := time.Now()
			for _, suiteFile := range suiteFiles {
				err := app.RunSuiteFile(ctx, suiteFile)
				if err != nil {
					numFailures++
					fmt.Printf("SUITE FAILED: %s\n", err)
				} else {
					numSuccesses++
					fmt.Print("SUITE SUCCEEDED\n")
				}
			}

			fmt.Printf("\n======= SUMMARY =======\n")
			fmt.Printf("Ran %d suite(s) in %s\n", numSuccesses+numFailures, time.Since(start))
			fmt.Printf("Successes: %d\n", numSuccesses)
			fmt.Printf("Failures: %d\n", numFailures)
			if numFailures > 0 {
				return fmt.Errorf("%d suite(s) failed", numFailures)
			}
			return nil
		},
	}

	cmd.Flags().String("suites", "", "Suite file pattern, e.g., './suites/*.yaml'.")

	return cmd
}

func initParams(cmd *cobra.Command, app *stampede.App) error {
	app.Params.Addrs = viper.GetStringSlice("redis")
	app.Params.Seed = viper.GetInt64("seed")
	return nil
}
