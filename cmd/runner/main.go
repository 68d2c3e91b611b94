// Command runner is the coordinator entry point: it loads the pipeline
// configuration, starts one Worker Handle per enabled stage under a
// Supervisor, serves the operator admin API, and runs until it
// receives a graceful-stop signal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/coriolis-run/pipeline-runtime/internal/admin"
	"github.com/coriolis-run/pipeline-runtime/internal/executor"
	"github.com/coriolis-run/pipeline-runtime/internal/handle"
	"github.com/coriolis-run/pipeline-runtime/internal/infrastructure/config"
	"github.com/coriolis-run/pipeline-runtime/internal/infrastructure/logging"
	"github.com/coriolis-run/pipeline-runtime/internal/pipeline"
	"github.com/coriolis-run/pipeline-runtime/internal/stageconfig"
	"github.com/coriolis-run/pipeline-runtime/internal/supervisor"
)

const defaultBatchCapacity = 1024

func main() {
	root := &cobra.Command{
		Use:   "runner <node_id> <ip> <port> [seed_ip seed_port]",
		Short: "Run the pipeline coordinator",
		Args:  cobra.RangeArgs(3, 5),
		RunE:  run,
	}
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	nodeID, ip, portStr := args[0], args[1], args[2]
	if _, err := strconv.Atoi(portStr); err != nil {
		return fmt.Errorf("startup error: invalid port %q: %w", portStr, err)
	}
	var seedAddr string
	if len(args) == 5 {
		seedAddr = args[3] + ":" + args[4]
	}

	cfg, err := config.Load()
	if err != nil {
		cfg = config.Default()
	}
	if nodeID != "" {
		cfg.Node.ID = nodeID
	}

	var log *zap.Logger
	if cfg.Logging.Development {
		log = logging.NewDevelopment().Logger
	} else {
		log = logging.NewDefault().Logger
	}
	defer log.Sync()

	log.Info("runner: starting",
		zap.String("node_id", cfg.Node.ID),
		zap.String("listen", ip+":"+portStr),
		zap.String("seed", seedAddr),
	)

	configPath := os.Getenv("PIPELINE_CONFIG_PATH")
	if configPath == "" {
		configPath = "pipeline.conf"
	}
	descs, err := stageconfig.LoadPipelineFile(configPath)
	if err != nil {
		return fmt.Errorf("startup error: %w", err)
	}

	supSpec := stageconfig.DefaultSupervisorSpec()
	if specPath := os.Getenv("PIPELINE_SUPERVISOR_SPEC_PATH"); specPath != "" {
		if s, err := stageconfig.LoadSupervisorSpec(specPath); err == nil {
			supSpec = s
		} else {
			log.Warn("runner: falling back to default supervisor spec", zap.Error(err))
		}
	}

	sup := supervisor.New(supSpec, log)
	exec := executor.New(log)
	stages := make(map[string]*handle.Handle, len(descs))
	runnerStages := make([]pipeline.Stage, 0, len(descs))

	for _, d := range descs {
		if !d.Enabled {
			continue
		}
		h := handle.New(d.Name, d.PluginPath, d.Params, defaultBatchCapacity, log)
		if err := h.Start(); err != nil {
			log.Error("runner: stage failed to start", zap.String("stage", d.Name), zap.Error(err))
			continue
		}
		sup.Add(h)
		stages[d.Name] = h
		runnerStages = append(runnerStages, pipeline.Stage{Name: d.Name, Handle: h, Policy: d.Failover})
	}

	runner := pipeline.New(runnerStages, exec, sup, log)

	go sup.Run()
	defer sup.Stop()

	if cfg.Admin.Enabled {
		adminSrv := admin.New(sup, stages, cfg.Logging.Development, log)
		go func() {
			if err := adminSrv.Run(ip + ":" + cfg.Admin.Port); err != nil {
				log.Error("runner: admin API exited", zap.Error(err))
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := runner.Ingest(ctx, os.Stdin, defaultBatchCapacity); err != nil {
			log.Error("runner: ingestion stopped", zap.Error(err))
		}
	}()

	sig := <-sigChan
	cancel()

	log.Info("runner: shutdown signal received, stopping stages", zap.Stringer("signal", sig))
	sup.Stop()
	for _, h := range stages {
		h.Terminate()
	}

	time.Sleep(100 * time.Millisecond) // let in-flight log writes flush before exit
	log.Sync()

	// A trapped SIGINT/SIGTERM exits with the signal's own number rather
	// than 0, per §6's CLI contract — os.Exit bypasses every deferred
	// call above, so the graceful-stop work above must already be done.
	os.Exit(int(sig.(syscall.Signal)))
	return nil
}
