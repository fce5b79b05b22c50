package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/anyclaude/gateway/internal/admin"
	"github.com/anyclaude/gateway/internal/anthropictest"
	"github.com/anyclaude/gateway/internal/breaker"
	"github.com/anyclaude/gateway/internal/cachemonitor"
	"github.com/anyclaude/gateway/internal/cluster"
	"github.com/anyclaude/gateway/internal/config"
	"github.com/anyclaude/gateway/internal/contextwindow"
	"github.com/anyclaude/gateway/internal/metrics"
	"github.com/anyclaude/gateway/internal/openaiclient"
	"github.com/anyclaude/gateway/internal/proxyhandler"
	"github.com/anyclaude/gateway/internal/ratelimit"
	"github.com/anyclaude/gateway/internal/toolbridge"
)

const defaultConfigName = "config.json"

// defaultConfigPath mirrors the teacher's profile.DefaultConfigPath in
// shape ("$HOME/.<app>/<file>"), trimmed since per-profile config
// switching is out of this gateway's scope (spec §1 "configuration file
// loading" is an external collaborator; we only need one default path).
func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigName
	}
	return filepath.Join(home, ".anyclaude", defaultConfigName)
}

// serveOptions bundles the serve subcommand's resolved flags.
type serveOptions struct {
	ConfigPath string
	Debug      bool
	Mode       string
	CheckSetup bool
	TestModel  string
}

// runServe mirrors the teacher's runServe (cmd/nexus/handlers_serve.go):
// debug-conditional slog reconfiguration, structured startup logging,
// signal.NotifyContext for graceful shutdown, and a 30s-bounded shutdown
// context (spec §6, §4.11).
func runServe(ctx context.Context, opts serveOptions) error {
	if opts.Debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	file, err := config.LoadFile(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg := config.Resolve(file, opts.Mode, os.Getenv)
	if !cfg.Mode.IsValid() {
		return fmt.Errorf("invalid mode %q: must be one of %v", cfg.Mode, config.ValidModes())
	}
	if opts.Debug {
		cfg.Debug = true
	}

	slog.Info("starting anyclaude-gateway", "version", version, "commit", commit, "mode", cfg.Mode, "config", opts.ConfigPath, "debug", cfg.Debug)

	backendCfg := cfg.Backends[string(cfg.Mode)]

	if opts.CheckSetup || opts.TestModel != "" {
		return runSetupCheck(ctx, cfg, backendCfg, opts)
	}

	srv, err := newServer(cfg, backendCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.run(ctx) }()

	slog.Info("anyclaude-gateway started", "addr", srv.addr, "admin_addr", srv.adminAddr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	slog.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	slog.Info("anyclaude-gateway stopped gracefully")
	return nil
}

// runSetupCheck backs --check-setup/--test-model (spec §6 "CLI surface").
func runSetupCheck(ctx context.Context, cfg *config.Config, backendCfg config.BackendConfig, opts serveOptions) error {
	checkOpts := anthropictest.Options{
		APIKey:  backendCfg.APIKey,
		BaseURL: backendCfg.BaseURL,
		Model:   backendCfg.Model,
	}

	if opts.TestModel != "" {
		checkOpts.Model = opts.TestModel
		result, err := anthropictest.TestModel(ctx, checkOpts)
		if err != nil {
			return err
		}
		slog.Info("model check succeeded", "model", result.Model, "request_id", result.RequestID, "latency", result.Latency)
		return nil
	}

	result, err := anthropictest.CheckSetup(ctx, checkOpts)
	if err != nil {
		return err
	}
	slog.Info("setup check succeeded", "model", result.Model, "request_id", result.RequestID, "latency", result.Latency)
	return nil
}

// server bundles the proxy listener and the admin listener this process
// runs (spec §4.10 admin endpoints served separately from the proxy
// surface, per the teacher's grpc_addr/http_addr split in
// handlers_serve.go).
type server struct {
	proxy     *http.Server
	admin     *http.Server
	addr      string
	adminAddr string
	router    *cluster.Router
	cacheMon  *cachemonitor.Monitor
	stopCache func()
}

const defaultProxyAddr = ":8090"
const defaultAdminAddr = ":8091"

func newServer(cfg *config.Config, backendCfg config.BackendConfig) (*server, error) {
	obs := metrics.New()

	globalBreaker := breaker.New(breaker.DefaultConfig())
	globalBreaker.SetMetrics(obs, "global")

	cacheMon := cachemonitor.New(cachemonitor.DefaultConfig())

	skillsDir := filepath.Join(filepath.Dir(defaultConfigPath()), "skills")
	skillStore, err := toolbridge.NewDiskStore(skillsDir)
	if err != nil {
		return nil, err
	}
	bridge := toolbridge.New(skillStore, true)

	handler := &proxyhandler.Handler{
		Config:    cfg,
		Estimator: contextwindow.New(),
		Bridge:    bridge,
		Breaker:   globalBreaker,
		CacheMon:  cacheMon,
		RateLimiter: ratelimit.NewMultiLimiter(struct {
			Limiter *ratelimit.Limiter
			KeyFunc func(ratelimit.CompositeKey) string
		}{
			Limiter: ratelimit.NewLimiter(60, 1),
			KeyFunc: ratelimit.SessionOrIPKey,
		}),
		Logger: slog.Default(),
	}

	var router *cluster.Router
	var readyChecker admin.ReadyChecker = admin.BreakerReadyChecker{Breaker: globalBreaker}

	if cfg.Mode == config.ModeCluster {
		router, err = buildClusterRouter(backendCfg, obs)
		if err != nil {
			return nil, err
		}
		handler.Router = router
		handler.NodeBackend = func(url string) proxyhandler.BackendCaller {
			return openaiclient.New(openaiclient.Config{BaseURL: url})
		}
		readyChecker = admin.ClusterReadyChecker{Router: router}
	} else if cfg.Mode != config.ModeAnthropic {
		handler.Backend = openaiclient.New(openaiclient.Config{
			BaseURL:     backendCfg.BaseURL,
			APIKey:      backendCfg.APIKey,
			CachePrompt: cfg.Mode == config.ModeLocal,
		})
	}

	stopCache := cacheMon.RunPeriodicPersist(5*time.Minute, func(err error) {
		slog.Warn("cache monitor persist failed", "error", err)
	})

	return &server{
		proxy:     &http.Server{Addr: defaultProxyAddr, Handler: handler},
		admin:     &http.Server{Addr: defaultAdminAddr, Handler: admin.Mux(readyChecker, globalBreaker, router)},
		addr:      defaultProxyAddr,
		adminAddr: defaultAdminAddr,
		router:    router,
		cacheMon:  cacheMon,
		stopCache: stopCache,
	}, nil
}

// clusterOverrides layers MLX_CLUSTER_* environment variables over the
// config file's cluster block (spec §6 "Environment variables
// (recognised): ... MLX_CLUSTER_NODES, MLX_CLUSTER_STRATEGY,
// MLX_CLUSTER_HEALTH_INTERVAL, MLX_CLUSTER_ENABLED").
func clusterOverrides(c *config.ClusterConfig) config.ClusterConfig {
	merged := *c
	if v := os.Getenv("MLX_CLUSTER_NODES"); v != "" {
		merged.Nodes = strings.Split(v, ",")
	}
	if v := os.Getenv("MLX_CLUSTER_STRATEGY"); v != "" {
		merged.Strategy = v
	}
	if v := os.Getenv("MLX_CLUSTER_HEALTH_INTERVAL"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			merged.HealthIntervalMs = ms
		}
	}
	if v := os.Getenv("MLX_CLUSTER_ENABLED"); v != "" {
		merged.Enabled = v == "1" || v == "true"
	}
	return merged
}

func buildClusterRouter(backendCfg config.BackendConfig, obs *metrics.Metrics) (*cluster.Router, error) {
	if backendCfg.Cluster == nil {
		backendCfg.Cluster = &config.ClusterConfig{}
	}
	merged := clusterOverrides(backendCfg.Cluster)
	if len(merged.Nodes) == 0 {
		return nil, fmt.Errorf("mlx-cluster mode requires at least one node (backends.mlx-cluster.cluster.nodes or MLX_CLUSTER_NODES)")
	}

	cfg := cluster.DefaultConfig()
	if merged.Strategy != "" {
		cfg.Strategy = cluster.Strategy(merged.Strategy)
	}
	if merged.HealthIntervalMs > 0 {
		cfg.HealthCheckInterval = time.Duration(merged.HealthIntervalMs) * time.Millisecond
	}

	router := cluster.New(cfg, cluster.ConfigDiscoverer(merged.Nodes), cluster.NewHTTPProber(), cluster.Lifecycle{
		OnNodeDiscovered: func(id string) { slog.Info("cluster node discovered", "node_id", id) },
		OnNodeLost:       func(id string) { slog.Warn("cluster node lost", "node_id", id) },
		OnDiscoveryError: func(err error) { slog.Warn("cluster discovery failed", "error", err) },
	})
	router.SetMetrics(obs)
	return router, nil
}

func (s *server) run(ctx context.Context) error {
	if s.router != nil {
		s.router.Start(ctx)
	}

	errCh := make(chan error, 2)
	go func() {
		if err := s.proxy.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("proxy server: %w", err)
		}
	}()
	go func() {
		if err := s.admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("admin server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *server) stop(ctx context.Context) error {
	if s.stopCache != nil {
		s.stopCache()
	}
	var firstErr error
	if err := s.proxy.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.admin.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.cacheMon.Persist(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
