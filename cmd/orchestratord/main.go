// Command orchestratord runs the control plane's HTTP API: the concurrency
// orchestrator, distributed lock manager, conflict detector, progressive
// deployment engine, verification engine and tamper-evident audit log,
// wired into one process against Postgres, Redis, a Prometheus-compatible
// metrics backend and an in-cluster Kubernetes API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/selfheal/controlplane/internal/config"
	"github.com/selfheal/controlplane/internal/telemetry"
	"github.com/selfheal/controlplane/pkg/auditlog"
	"github.com/selfheal/controlplane/pkg/conflict"
	"github.com/selfheal/controlplane/pkg/depgraph"
	"github.com/selfheal/controlplane/pkg/deployment"
	"github.com/selfheal/controlplane/pkg/deploytarget"
	"github.com/selfheal/controlplane/pkg/healthgate"
	"github.com/selfheal/controlplane/pkg/lockmgr"
	"github.com/selfheal/controlplane/pkg/metricsource"
	"github.com/selfheal/controlplane/pkg/notify"
	"github.com/selfheal/controlplane/pkg/orchestrator"
	"github.com/selfheal/controlplane/pkg/rollback"
	"github.com/selfheal/controlplane/pkg/safety"
	"github.com/selfheal/controlplane/pkg/safetyartifact"
	"github.com/selfheal/controlplane/pkg/verify"
)

func main() {
	configPath := flag.String("config", "/etc/orchestratord/config.yaml", "path to the startup config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := telemetry.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	audit, err := buildAuditLog(cfg, logger)
	if err != nil {
		return fmt.Errorf("build audit log: %w", err)
	}

	lockBackend, err := buildLockBackend(cfg)
	if err != nil {
		return fmt.Errorf("build lock backend: %w", err)
	}
	locks := lockmgr.New(lockBackend, audit,
		lockmgr.WithLogger(logger),
		lockmgr.WithDefaultTTL(cfg.Locks.DefaultTTL),
		lockmgr.WithDefaultWaitTimeout(cfg.Locks.DefaultWait),
		lockmgr.WithPollInterval(cfg.Locks.PollInterval),
	)

	target, err := buildDeployTarget(cfg, logger)
	if err != nil {
		return fmt.Errorf("build deploy target: %w", err)
	}

	metricsBackend, err := metricsource.NewPrometheusBackend(cfg.MetricsBackend.URL, cfg.MetricsBackend.Timeout,
		metricsource.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build metrics backend: %w", err)
	}
	querySource := &promQuerySource{backend: metricsBackend}

	gate := healthgate.New(querySource, healthgate.DefaultThresholds)
	canary := deployment.NewController(target, gate, deployment.WithCtrlLogger(logger))
	verifier := verify.New(querySource)

	deployExec := orchestrator.NewDeployExecutor(target, canary, verifier, audit,
		orchestrator.WithDeployLogger(logger),
		orchestrator.WithStageConfig(deployment.StageConfig{
			Stages:       cfg.Canary.Stages,
			WaitPerStage: cfg.Canary.StageWait,
			MaxFailures:  cfg.Canary.MaxFailures,
		}),
	)

	rollbackCfg := rollback.DefaultConfig
	rollbackCfg.CriticalBlastRadiusPct = cfg.Rollback.CriticalBlastRadiusPct
	if len(cfg.Criticality) > 0 {
		rollbackCfg.ServiceCriticality = cfg.Criticality
	}
	rollbackDecider := rollback.New(rollbackCfg)
	rollbackExec := rollback.NewExecutor(rollback.WithAudit(audit), rollback.WithExecLogger(logger))
	rollbackExecCfg := rollback.DefaultExecConfig
	rollbackExecCfg.GradualStagePause = cfg.Rollback.GradualStageWait
	rollbackAdapter := orchestrator.NewRollbackAdapter(deployExec, target, rollbackDecider, rollbackExec, rollbackExecCfg)

	artifactStore, err := safetyartifact.NewFileStore(cfg.Locks.FileLockDir + "/safety-artifacts")
	if err != nil {
		return fmt.Errorf("build safety artifact store: %w", err)
	}
	checker, err := safety.NewChecker(ctx, nil, nil, artifactStore, audit, safety.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build safety checker: %w", err)
	}

	notifier := buildNotifier(cfg, logger)

	detector := conflict.New(depgraph.New(), cfg.ResourceGroups)

	orch := orchestrator.New(locks, detector, checker, notifier, audit,
		orchestrator.WithLogger(logger),
		orchestrator.WithExecutor(conflict.OpDeploy, deployExec),
		orchestrator.WithRollbackHook(conflict.OpDeploy, rollbackAdapter),
	)

	a := &api{orch: orch, locks: locks, audit: audit, logger: logger}
	router := newRouter(a)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildAuditLog prefers Postgres; an empty DSN falls back to an in-memory
// store (dev/test only, no durability across restarts).
func buildAuditLog(cfg *config.Config, logger logr.Logger) (*auditlog.Log, error) {
	if cfg.Database.DSN == "" {
		return auditlog.New(auditlog.NewMemoryStore(), auditlog.WithLogger(logger)), nil
	}
	store, err := auditlog.NewPostgresStore(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	return auditlog.New(store, auditlog.WithLogger(logger)), nil
}

func buildLockBackend(cfg *config.Config) (lockmgr.Backend, error) {
	switch cfg.Locks.Backend {
	case "file":
		return lockmgr.NewFileBackend(cfg.Locks.FileLockDir)
	default:
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		return lockmgr.NewRedisBackend(client), nil
	}
}

// buildDeployTarget prefers an in-cluster Kubernetes client; it falls back
// to a logging-only dry-run target when no in-cluster config is reachable
// or cfg.DryRun is set, so the process still starts on a laptop or in CI.
func buildDeployTarget(cfg *config.Config, logger logr.Logger) (deploytarget.DeploymentTarget, error) {
	if cfg.DryRun {
		return &dryRunTarget{logger: logger}, nil
	}
	k8sConfig, err := rest.InClusterConfig()
	if err != nil {
		logger.Info("no in-cluster config reachable, falling back to dry-run deploy target", "error", err.Error())
		return &dryRunTarget{logger: logger}, nil
	}
	clientset, err := kubernetes.NewForConfig(k8sConfig)
	if err != nil {
		return nil, fmt.Errorf("build kubernetes client: %w", err)
	}
	return deploytarget.New(clientset, cfg.Kubernetes.Namespace, deploytarget.WithLogger(logger)), nil
}

func buildNotifier(cfg *config.Config, logger logr.Logger) *notify.Notifier {
	var sinks []notify.Sink
	if cfg.Notifications.SlackToken != "" && len(cfg.Notifications.DefaultChannels) > 0 {
		sinks = append(sinks, notify.NewSlackSink(cfg.Notifications.SlackToken, cfg.Notifications.DefaultChannels[0],
			notify.WithSlackLogger(logger)))
	}
	return notify.New(sinks)
}
