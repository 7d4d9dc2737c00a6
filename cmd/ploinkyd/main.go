// Package main is the entry point for ploinkyd, the Ploinky fleet
// supervisor: one process owning every agent container, the single HTTP
// listener fronting them, and the terminal/chat sessions multiplexed onto
// them.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/OutfinityResearch/ploinky-sub003/internal/common/config"
	"github.com/OutfinityResearch/ploinky-sub003/internal/common/constants"
	"github.com/OutfinityResearch/ploinky-sub003/internal/common/httpmw"
	"github.com/OutfinityResearch/ploinky-sub003/internal/common/logger"
	"github.com/OutfinityResearch/ploinky-sub003/internal/events"
	"github.com/OutfinityResearch/ploinky-sub003/internal/health"
	"github.com/OutfinityResearch/ploinky-sub003/internal/lifecycle"
	"github.com/OutfinityResearch/ploinky-sub003/internal/mcpconfig"
	"github.com/OutfinityResearch/ploinky-sub003/internal/monitor"
	"github.com/OutfinityResearch/ploinky-sub003/internal/orchestrator/app"
	"github.com/OutfinityResearch/ploinky-sub003/internal/router"
	"github.com/OutfinityResearch/ploinky-sub003/internal/runtime"
	"github.com/OutfinityResearch/ploinky-sub003/internal/session"
	"github.com/OutfinityResearch/ploinky-sub003/internal/store"
	"github.com/OutfinityResearch/ploinky-sub003/internal/supervisor"
)

// sessionApps are the Session Multiplexer prefixes the Router mounts:
// the four apps §4.H's per-app isolated state actually enumerates. "status"
// appears only once, in §4.G's routing table, with no lifecycle of its own
// defined anywhere in §4.H — the Dispatcher's unknown_app 404 is the
// resolution adopted here rather than inventing multiplexer behavior the
// rest of the design never describes.
var sessionApps = []string{"webtty", "webchat", "webmeet", "dashboard"}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting ploinkyd", zap.String("workspace", cfg.Workspace.Dir), zap.String("profile", cfg.Workspace.Profile))

	if err := writePIDFile(cfg.Workspace.PIDFile); err != nil {
		log.Error("failed to write pid file", zap.Error(err))
	}
	defer removePIDFile(cfg.Workspace.PIDFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providedBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()

	dockerRuntime, err := runtime.NewDockerRuntime(cfg.Docker, log)
	if err != nil {
		log.Fatal("failed to initialize container runtime", zap.Error(err))
	}

	st := store.New(cfg.Workspace.Dir)

	secrets, err := newSecretResolver(st)
	if err != nil {
		log.Warn("failed to load secrets file, proceeding without secrets", zap.Error(err))
	}

	mcpSvc := mcpconfig.NewService(mcpconfig.DefaultPolicy())

	mountPlan := lifecycle.MountPlan{
		WorkspaceDir: cfg.Workspace.Dir,
		AgentLibDir:  filepath.Join(cfg.Workspace.Dir, "Agent"),
		CodeDir:      filepath.Join(cfg.Workspace.Dir, "code"),
		CWD:          mustGetwd(),
		Profile:      cfg.Workspace.Profile,
		Podman:       cfg.Docker.Podman,
	}

	engine := lifecycle.New(dockerRuntime, st, mcpSvc, lifecycle.ShellHookRunner{}, secrets, mountPlan, log)

	sup := supervisor.New(engine, providedBus.Bus, log)

	healthMgr := health.NewManager(dockerRuntime, sup, sup, log)

	mon := monitor.New(dockerRuntime, st, healthMgr, sup, log)

	// Register every currently-declared agent as a supervised entry and
	// start its container in the background; these starts run concurrently
	// with the HTTP listener opening below (§4.F, §4.C).
	agents := st.LoadAgents()
	for name, rec := range agents {
		sup.Register(supervisor.EntryConfig{Name: rec.ContainerName, AutoRestart: true})
		if probes := rec.Manifest.Health; probes.Liveness.Script != "" || probes.Readiness.Script != "" {
			healthMgr.Track(ctx, rec.ContainerName, struct {
				Liveness  store.HealthProbe
				Readiness store.HealthProbe
			}{Liveness: probes.Liveness, Readiness: probes.Readiness})
		}
		name := name
		rec := rec
		go func() {
			if started, err := sup.Start(ctx, rec.ContainerName); err != nil {
				log.Error("initial agent start failed", zap.String("agent", name), zap.Error(err))
			} else if started {
				log.Info("agent started", zap.String("agent", name))
			}
		}()
	}

	go mon.Run(ctx)

	// One Multiplexer per session app, sharing no state with each other —
	// each app's terminals are independent global/per-session caps (§4.H).
	sessionMuxes := make(map[string]*session.Multiplexer, len(sessionApps))
	for _, appName := range sessionApps {
		sessionMuxes[appName] = session.NewMultiplexer(appName, defaultTtyFactory(appName), log)
	}
	dispatcher := session.NewDispatcher(sessionMuxes)

	rtr := router.New(st, healthMgr, log)

	gin.SetMode(ginModeFor(cfg))
	ginEngine := gin.New()
	ginEngine.Use(httpmw.RequestID())
	ginEngine.Use(httpmw.Recovery(log))
	ginEngine.Use(httpmw.CORS())
	ginEngine.Use(httpmw.NoBuffering())
	ginEngine.Use(httpmw.ErrorHandler(log))

	ginEngine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "ploinkyd"})
	})

	rtr.RegisterRoutes(ginEngine, dispatcher.Handle)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      ginEngine,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
		IdleTimeout:  cfg.Server.IdleTimeoutDuration(),
	}

	asyncErr := make(chan error, 1)
	go func() {
		log.Info("router listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			asyncErr <- fmt.Errorf("router listener failed: %w", err)
		}
	}()

	drainers := make([]app.Drainer, 0, len(sessionMuxes))
	for _, mux := range sessionMuxes {
		drainers = append(drainers, mux)
	}
	shutdown := app.NewShutdownCoordinator(drainers, sup, engine, st, log)

	exitCode := waitForShutdown(log, asyncErr)

	log.Info("ploinkyd shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), constants.ShutdownDeadline)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	drained := make(chan struct{})
	go func() {
		shutdown.Shutdown(shutdownCtx)
		close(drained)
	}()

	select {
	case <-drained:
		log.Info("ploinkyd stopped")
		if exitCode != 0 {
			os.Exit(exitCode)
		}
	case <-shutdownCtx.Done():
		log.Error("graceful shutdown deadline exceeded, forcing exit")
		os.Exit(1)
	}
}

// waitForShutdown blocks until either a signal or an unrecovered async
// failure asks for shutdown, and reports the exit code the caller should
// use once the drain below has run.
//
// SIGINT|SIGTERM|SIGQUIT trigger a clean exit(0) drain. SIGPIPE is
// deliberately not in the signal set: a broken stdout pipe (e.g. the
// operator's terminal closing) must not bring down a process still
// supervising containers — a write that fails with EPIPE/EIO is logged by
// the zap sink and otherwise ignored, never escalated to asyncErr. Any
// other unrecovered failure reported on asyncErr (the HTTP listener dying
// outside of Shutdown) drains the same way but exits 1.
func waitForShutdown(log *logger.Logger, asyncErr <-chan error) int {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	select {
	case sig := <-quit:
		log.Info("received signal", zap.String("signal", sig.String()))
		return 0
	case err := <-asyncErr:
		log.Error("unrecovered async failure, draining before exit", zap.Error(err))
		return 1
	}
}

func ginModeFor(cfg *config.Config) string {
	if cfg.Workspace.Profile == "prod" {
		return gin.ReleaseMode
	}
	return gin.DebugMode
}

func mustGetwd() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

func writePIDFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func removePIDFile(path string) {
	if strings.TrimSpace(path) == "" {
		return
	}
	_ = os.Remove(path)
}

// secretResolver adapts the Workspace Store's flat `.ploinky/secrets` file
// into the Lifecycle Engine's SecretResolver, loaded once at startup —
// secrets rotate by restarting ploinkyd, not by live reload.
type secretResolver struct {
	values map[string]string
}

func newSecretResolver(st *store.Store) (*secretResolver, error) {
	values, err := st.LoadSecrets()
	if err != nil {
		return &secretResolver{values: map[string]string{}}, err
	}
	return &secretResolver{values: values}, nil
}

func (r *secretResolver) Lookup(ref string) (string, bool) {
	v, ok := r.values[ref]
	return v, ok
}

// defaultTtyFactory builds the app-specific shell command a Session
// Multiplexer starts under a PTY on first stream open. webchat, webmeet,
// and dashboard all drive the same interactive shell as webtty; the apps
// differ only in the framing their Dispatcher applies to writes (§4.H), not
// in what process backs the terminal.
func defaultTtyFactory(appName string) session.TtyFactory {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	return &session.CommandFactory{Argv: []string{shell}}
}
