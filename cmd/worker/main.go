// Command pipeline-worker is the Worker Process entry point: the
// coordinator forks one of these per pipeline stage, bound to a shared
// region name and a plugin path via flags, and speaks the frame
// protocol over its inherited stdin/stdout.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/coriolis-run/pipeline-runtime/internal/infrastructure/logging"
	"github.com/coriolis-run/pipeline-runtime/internal/worker"
)

func main() {
	var (
		region     string
		capacity   int
		pluginPath string
		params     string
	)

	root := &cobra.Command{
		Use:   "pipeline-worker",
		Short: "Serve one pipeline stage's plugin over the stdio frame protocol",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.NewWorker()
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			cfg := worker.Config{
				RegionName: region,
				Capacity:   capacity,
				PluginPath: pluginPath,
				Params:     params,
			}
			if err := worker.Run(ctx, os.Stdin, os.Stdout, cfg, log.Logger); err != nil {
				return fmt.Errorf("worker exited: %w", err)
			}
			return nil
		},
	}

	root.Flags().StringVar(&region, "region", "", "shared memory region name")
	root.Flags().IntVar(&capacity, "capacity", 0, "batch capacity the region was sized for")
	root.Flags().StringVar(&pluginPath, "plugin", "", "path to the plugin shared library")
	root.Flags().StringVar(&params, "params", "", "plugin params string")
	root.MarkFlagRequired("region")
	root.MarkFlagRequired("capacity")
	root.MarkFlagRequired("plugin")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
