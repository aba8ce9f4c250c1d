// Command agent is the dispatch-core entry point: it wires every
// collaborator described in the design (orchestration client, process
// invoker, feature flags, notification sink, telemetry, audit ledger, crash
// log archive, etcd liveness registry, Redis job source) into a Dispatcher
// and drives it from the Redis queue until told to stop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	configs "forgeagent/configs"
	"forgeagent/pkg/audit"
	"forgeagent/pkg/dispatch"
	"forgeagent/pkg/flags"
	"forgeagent/pkg/healthz"
	"forgeagent/pkg/ipc"
	"forgeagent/pkg/logger"
	"forgeagent/pkg/logstore"
	"forgeagent/pkg/notify"
	"forgeagent/pkg/orchestration"
	"forgeagent/pkg/process"
	queueredis "forgeagent/pkg/queue/redis"
	"forgeagent/pkg/registry"
	"forgeagent/pkg/telemetry"
)

var (
	flagConfigPath string
	flagOnce       bool
)

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "path to a config file (unused; configuration is environment-driven)")

	runCmd.Flags().BoolVar(&flagOnce, "once", false, "dispatch exactly one job then exit")
	rootCmd.AddCommand(runCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agent",
	Short: "forgeagent dispatch core",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "poll the job queue and dispatch jobs to worker processes",
	RunE:  doRun,
}

func doRun(cmd *cobra.Command, args []string) error {
	cfg := configs.Load()
	log, err := logger.Init(logger.DefaultConfig("forgeagent"))
	if err != nil {
		return fmt.Errorf("agent: init logger: %w", err)
	}
	defer log.Sync()

	log.Info("forgeagent starting", zap.String("agent_id", cfg.AgentID), zap.Bool("once", flagOnce))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ledger, err := audit.NewLedger(postgresConnString(cfg))
	if err != nil {
		log.Warn("audit ledger unavailable, outcomes will not be recorded for operator forensics", zap.Error(err))
	} else {
		defer ledger.Close()
	}

	crashLogs, err := crashLogStore(cfg)
	if err != nil {
		log.Warn("crash log store unavailable, crash stdio will be embedded inline in reports", zap.Error(err))
		crashLogs = nil
	}

	agentRegistry, err := registry.NewAgentRegistry(cfg.EtcdEndpoints, cfg.AgentID, cfg.RegistryTTL)
	if err != nil {
		log.Warn("etcd liveness registry unavailable, agent will not announce itself", zap.Error(err))
	} else {
		defer agentRegistry.Close()
		if err := agentRegistry.Announce(ctx); err != nil {
			log.Warn("failed to announce agent liveness", zap.Error(err))
		}
	}

	telemetryPublisher, err := telemetry.NewPublisher(ctx, telemetry.Config{
		ServiceName:  "forgeagent",
		Environment:  "production",
		Endpoint:     cfg.TelemetryEndpoint,
		Enabled:      cfg.TelemetryEnabled,
		SamplingRate: 1.0,
	}, log)
	if err != nil {
		return fmt.Errorf("agent: init telemetry: %w", err)
	}
	defer telemetryPublisher.Shutdown(context.Background())

	queueSource, err := queueredis.NewSource(queueredis.DefaultConfig(cfg.RedisAddr, cfg.RedisGroup, cfg.RedisConsumer))
	if err != nil {
		return fmt.Errorf("agent: init job source: %w", err)
	}
	defer queueSource.Close()

	invoker := process.NewInvoker(cfg.WorkerBinDir, log)
	deps := dispatch.Dependencies{
		Client:         orchestration.NewHTTPClient(log),
		Pool:           cfg.OrchestrationPool,
		Spawn:          spawnFunc(invoker),
		ChannelTimeout: cfg.ChannelTimeout,
		ExitCodes:      ipc.DefaultExitCodes,
		FeatureFlags:   flags.NewEnvProvider(),
		Notify:         notify.NewSink(log, ledgerOrNil(ledger)),
		Telemetry:      telemetryPublisher,
		CrashLogs:      crashLogs,
		Log:            log,
	}

	healthzServer := healthz.NewServer(healthz.Config{
		Addr: cfg.HealthzAddr,
		Log:  log,
		Deps: []healthz.Dependency{
			{Name: "redis", Check: func() bool { return queueSource != nil }},
			{Name: "postgres", Check: func() bool { return ledger != nil }},
			{Name: "etcd", Check: func() bool { return agentRegistry != nil }},
		},
	})
	go func() {
		if err := healthzServer.Start(); err != nil {
			log.Error("healthz server stopped", zap.Error(err))
		}
	}()
	defer healthzServer.Shutdown(context.Background())

	dispatcher := dispatch.NewDispatcher(ctx, deps)

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	go func() {
		for {
			select {
			case err := <-dispatcher.FatalErrors():
				log.Error("dispatch core hit a protocol violation, stopping", zap.Error(err))
				cancel()
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	pollCtx, stopPolling := context.WithCancel(ctx)
	defer stopPolling()
	go pollQueue(pollCtx, log, queueSource, dispatcher, flagOnce)

	select {
	case <-sigCtx.Done():
		log.Info("shutdown signal received")
		stopPolling()
		dispatcher.Shutdown(dispatch.TerminationAgentShutdown)
	case <-dispatcher.RunOnceComplete():
	case <-ctx.Done():
	}

	return nil
}

// pollQueue is the message-queue long-poll loop described as out-of-scope
// collaborator infrastructure: it is the one piece of the agent that
// actually calls Dispatcher.Run, serializing every call onto this single
// goroutine per the front-end's non-concurrent-use contract.
func pollQueue(ctx context.Context, log *zap.Logger, source *queueredis.Source, dispatcher *dispatch.Dispatcher, once bool) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		token, job, err := source.Next(ctx)
		if err != nil {
			log.Error("job source poll failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}

		dispatcher.Run(*job, once)
		if err := source.Ack(ctx, token); err != nil {
			log.Warn("failed to acknowledge job", zap.Error(err), zap.String("job_id", job.JobID.String()))
		}

		if once {
			return
		}
	}
}

// spawnFunc adapts process.Invoker.Spawn (which returns the concrete
// *process.Handle) to ipc.SpawnFunc's ipc.ProcessHandle return type.
func spawnFunc(invoker *process.Invoker) ipc.SpawnFunc {
	return func(ctx context.Context, outRead, inWrite *os.File, stdio ipc.StdioSink) (ipc.ProcessHandle, error) {
		return invoker.Spawn(ctx, outRead, inWrite, stdio)
	}
}

func postgresConnString(cfg *configs.Config) string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort)
}

func crashLogStore(cfg *configs.Config) (logstore.Store, error) {
	if cfg.S3Bucket == "" {
		return logstore.NewLocalStore(cfg.LocalLogDir)
	}
	return logstore.NewS3Store(logstore.S3Config{
		Bucket:        cfg.S3Bucket,
		Prefix:        cfg.S3Prefix,
		Region:        cfg.S3Region,
		Endpoint:      cfg.S3Endpoint,
		LocalCacheDir: cfg.LocalCacheDir,
	})
}

// ledgerOrNil avoids handing notify.NewSink a typed-nil *audit.Ledger, which
// would satisfy the AuditRecorder interface non-nil and defeat the sink's
// own nil check.
func ledgerOrNil(ledger *audit.Ledger) notify.AuditRecorder {
	if ledger == nil {
		return nil
	}
	return ledger
}
