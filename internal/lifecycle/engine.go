// Package lifecycle implements the Lifecycle Engine (§4.C): it makes the
// container world match each agent's declared AgentRecord + Manifest.
package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/OutfinityResearch/ploinky-sub003/internal/common/apperrors"
	"github.com/OutfinityResearch/ploinky-sub003/internal/common/constants"
	"github.com/OutfinityResearch/ploinky-sub003/internal/common/logger"
	"github.com/OutfinityResearch/ploinky-sub003/internal/mcpconfig"
	"github.com/OutfinityResearch/ploinky-sub003/internal/runtime"
	"github.com/OutfinityResearch/ploinky-sub003/internal/store"
	"go.uber.org/zap"
)

// HookRunner executes a host-side command (a hosthook) outside any
// container. Separated from ContainerRuntime because hosthooks run on the
// supervisor's own host, not inside the agent's runtime.
type HookRunner interface {
	Run(ctx context.Context, command string, env []string, workDir string) error
}

// Engine is the Lifecycle Engine. One Engine instance per workspace.
type Engine struct {
	rt        runtime.ContainerRuntime
	st        *store.Store
	mcp       *mcpconfig.Service
	hooks     HookRunner
	secrets   SecretResolver
	log       *logger.Logger
	mountBase MountPlan

	// agentLocks serializes lifecycle operations per agent (§5: "two
	// EnsureAgent calls do not interleave"); fleet-wide operations
	// parallelize across agents and join at the end.
	agentLocks *keyedMutex
}

// New builds a Lifecycle Engine.
func New(rt runtime.ContainerRuntime, st *store.Store, mcpSvc *mcpconfig.Service, hooks HookRunner, secrets SecretResolver, mountBase MountPlan, log *logger.Logger) *Engine {
	return &Engine{
		rt:         rt,
		st:         st,
		mcp:        mcpSvc,
		hooks:      hooks,
		secrets:    secrets,
		log:        log.WithFields(zap.String("component", "lifecycle")),
		mountBase:  mountBase,
		agentLocks: newKeyedMutex(),
	}
}

// EnsureAgent makes the container world match rec + its manifest (§4.C).
// Idempotent: when the container already exists and its envhash label
// matches the current resolved hash, this is a no-op beyond a start-if-not-
// running check.
func (e *Engine) EnsureAgent(ctx context.Context, rec *store.AgentRecord) error {
	unlock := e.agentLocks.Lock(rec.ContainerName)
	defer unlock()

	hash, err := ComputeEnvHash(&rec.Manifest, e.secrets)
	if err != nil {
		return apperrors.Config("env_resolve_failed", "cannot resolve manifest env", err)
	}

	exists, err := e.rt.Exists(ctx, rec.ContainerName)
	if err != nil {
		return apperrors.Runtime("inspect_failed", "cannot check container existence", err)
	}

	freshlyCreated := false

	var shell runtime.Shell

	if exists {
		info, err := e.rt.Inspect(ctx, rec.ContainerName)
		if err != nil {
			return apperrors.Runtime("inspect_failed", "cannot inspect existing container", err)
		}
		if info.Labels["ploinky.envhash"] != hash {
			if err := e.destroyContainer(ctx, rec.ContainerName); err != nil {
				return err
			}
			shell, err = e.rt.ProbeImageShell(ctx, rec.Manifest.Image)
			if err != nil {
				return apperrors.Runtime("shell_probe_failed", "cannot probe image shell", err)
			}
			if err := e.createAndBootstrap(ctx, rec, hash, shell); err != nil {
				return err
			}
			freshlyCreated = true
		}
	} else {
		var err error
		shell, err = e.rt.ProbeImageShell(ctx, rec.Manifest.Image)
		if err != nil {
			return apperrors.Runtime("shell_probe_failed", "cannot probe image shell", err)
		}
		if err := e.createAndBootstrap(ctx, rec, hash, shell); err != nil {
			return err
		}
		freshlyCreated = true
	}

	running, err := e.rt.Running(ctx, rec.ContainerName)
	if err != nil {
		return apperrors.Runtime("inspect_failed", "cannot check container running state", err)
	}
	if !running {
		if err := e.rt.Start(ctx, rec.ContainerName); err != nil {
			return apperrors.Runtime("start_failed", "cannot start container", err)
		}
	}

	if err := e.syncMCPConfig(ctx, rec); err != nil {
		e.log.Warn("mcp config sync failed", zap.String("agent", rec.AgentName), zap.Error(err))
	}

	rec.EnvHash = hash
	rec.Status = store.StatusRunning

	if freshlyCreated {
		if err := e.runPostCreateHooks(ctx, rec, shell); err != nil {
			rec.Status = store.StatusFailed
			rec.LastError = err.Error()
			return err
		}
	}

	return nil
}

// createAndBootstrap runs hook steps 1-4 of the ordering contract: hosthook
// aftercreation, install (disposable), container start, then leaves
// postinstall/hosthook_postinstall/readiness/announce to runPostCreateHooks
// (steps 4b-7), since those require the container already running. shell is
// the image's probed interactive shell, NoShell if none (§4.C: a NoShell
// image runs exec steps directly as argv instead of under `sh -c`).
func (e *Engine) createAndBootstrap(ctx context.Context, rec *store.AgentRecord, envHash string, shell runtime.Shell) error {
	if rec.Manifest.HosthookAfterCreate != "" {
		if err := e.runHosthook(ctx, rec.Manifest.HosthookAfterCreate, rec); err != nil {
			return apperrors.Hook("hosthook_aftercreation_failed", "hosthook_aftercreation failed", err)
		}
	}

	resolvedEnv, err := ResolveEnv(&rec.Manifest, e.secrets)
	if err != nil {
		return apperrors.Config("env_resolve_failed", "cannot resolve manifest env", err)
	}
	envList := envMapToList(resolvedEnv)

	ports, persistedPorts, err := NormalizePorts(&rec.Manifest)
	if err != nil {
		return err
	}

	mounts := e.mountBase.Compose(rec.AgentName)
	mounts = append(mounts, e.mountBase.ComposeExtra(rec.Manifest.Volumes)...)

	if rec.Manifest.Install != "" {
		if err := e.runInstallHook(ctx, rec, envList, mounts, shell); err != nil {
			return apperrors.Hook("install_failed", "install hook failed", err)
		}
	}

	spec := runtime.ContainerSpec{
		Name:       rec.ContainerName,
		Image:      rec.Manifest.Image,
		Cmd:        agentCommand(&rec.Manifest),
		Env:        envList,
		WorkingDir: "/agent",
		Mounts:     mounts,
		Ports:      ports,
		Labels:     map[string]string{"ploinky.envhash": envHash, "ploinky.agent": rec.AgentName},
	}

	if _, err := e.rt.Create(ctx, spec); err != nil {
		return apperrors.Runtime("create_failed", "cannot create container", err)
	}

	if err := e.rt.Start(ctx, rec.ContainerName); err != nil {
		return apperrors.Runtime("start_failed", "cannot start freshly created container", err)
	}

	rec.HostPortBindings = persistedPorts
	return nil
}

// runPostCreateHooks runs hook steps 4b-7: postinstall, restart, wait
// running, hosthook_postinstall, readiness, announce. Failure at any step
// is fatal for this agent (§4.C).
func (e *Engine) runPostCreateHooks(ctx context.Context, rec *store.AgentRecord, shell runtime.Shell) error {
	if len(rec.Manifest.Postinstall) > 0 {
		for _, cmd := range rec.Manifest.Postinstall {
			if _, err := e.execShell(ctx, rec.ContainerName, cmd, shell); err != nil {
				return apperrors.Hook("postinstall_failed", "postinstall failed: "+cmd, err)
			}
		}

		if err := e.rt.Stop(ctx, rec.ContainerName, constants.ChildStopGrace); err != nil {
			return apperrors.Runtime("restart_failed", "cannot stop container for postinstall restart", err)
		}
		if err := e.rt.Start(ctx, rec.ContainerName); err != nil {
			return apperrors.Runtime("restart_failed", "cannot restart container after postinstall", err)
		}
		if err := e.waitRunning(ctx, rec.ContainerName); err != nil {
			return err
		}
	}

	if rec.Manifest.HosthookPostinstall != "" {
		if err := e.runHosthook(ctx, rec.Manifest.HosthookPostinstall, rec); err != nil {
			return apperrors.Hook("hosthook_postinstall_failed", "hosthook_postinstall failed", err)
		}
	}

	if rec.Manifest.Start != "" {
		if err := e.execDetached(ctx, rec.ContainerName, strings.Fields(rec.Manifest.Start)); err != nil {
			return apperrors.Hook("sidecar_start_failed", "sidecar start command failed", err)
		}
	}

	// Readiness probe success (step 6) is owned by the Health Prober;
	// Supervisor/Monitor wiring announces the agent to the Router (step 7)
	// once the Container Monitor observes the container running.
	return nil
}

func (e *Engine) waitRunning(ctx context.Context, name string) error {
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		running, err := e.rt.Running(ctx, name)
		if err != nil {
			return apperrors.Runtime("inspect_failed", "cannot check running state", err)
		}
		if running {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return apperrors.Runtime("not_running", "container did not reach running state in time", nil)
}

func (e *Engine) runInstallHook(ctx context.Context, rec *store.AgentRecord, env []string, mounts []runtime.Mount, shell runtime.Shell) error {
	disposableName := rec.ContainerName + "_install"
	spec := runtime.ContainerSpec{
		Name:   disposableName,
		Image:  rec.Manifest.Image,
		Cmd:    shellArgv(shell, rec.Manifest.Install),
		Env:    env,
		Mounts: mounts,
		Labels: map[string]string{"ploinky.role": "install", "ploinky.agent": rec.AgentName},
	}

	if _, err := e.rt.Create(ctx, spec); err != nil {
		return err
	}
	defer e.rt.Remove(ctx, disposableName, true)

	if err := e.rt.Start(ctx, disposableName); err != nil {
		return err
	}
	exitCode, err := e.rt.Wait(ctx, disposableName)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return fmt.Errorf("install hook exited %d", exitCode)
	}
	return nil
}

// execShell runs shCommand inside the named container and fails if it exits
// non-zero, per §4.C's install/postinstall contract. When the image has no
// shell, shCommand runs directly as argv instead of under `sh -c` (§4.C
// line 98).
func (e *Engine) execShell(ctx context.Context, name, shCommand string, shell runtime.Shell) ([]byte, error) {
	var stdout bytes.Buffer
	opts := runtime.ExecOptions{Stdout: &stdout, Stderr: &stdout}
	argv := shellArgv(shell, shCommand)

	result, err := e.rt.Exec(ctx, name, argv, opts)
	if err != nil {
		return stdout.Bytes(), err
	}
	if result.ExitCode != 0 {
		return stdout.Bytes(), fmt.Errorf("exec %v exited %d: %s", argv, result.ExitCode, stdout.String())
	}
	return stdout.Bytes(), nil
}

// shellArgv builds the argv for running command inside a container given
// its probed shell. NoShell images get command split on whitespace and run
// directly; anything else runs under `<shell> -c <command>` (§4.C line 98).
func shellArgv(shell runtime.Shell, command string) []string {
	if shell == runtime.NoShell {
		return strings.Fields(command)
	}
	return []string{string(shell), "-c", command}
}

// execDetached launches argv inside the named container without waiting,
// used for the sidecar `manifest.start` command (§4.C, §9 glossary
// "Sidecar command" — launched with exec -d after the container is running).
func (e *Engine) execDetached(ctx context.Context, name string, argv []string) error {
	_, err := e.rt.Exec(ctx, name, argv, runtime.ExecOptions{Detach: true})
	return err
}

func (e *Engine) runHosthook(ctx context.Context, command string, rec *store.AgentRecord) error {
	resolvedEnv, err := ResolveEnv(&rec.Manifest, e.secrets)
	if err != nil {
		return err
	}
	hookCtx, cancel := context.WithTimeout(ctx, constants.HookTimeout)
	defer cancel()
	return e.hooks.Run(hookCtx, command, envMapToList(resolvedEnv), rec.ProjectPath)
}

// syncMCPConfig resolves the agent's declared MCP servers against policy and
// writes the result to `agents/<name>/.mcp/config.json`, which the
// agents/<name> mount (§4.C "Always:") surfaces inside the container at
// /agent/.mcp/config.json for its MCP client to read.
func (e *Engine) syncMCPConfig(ctx context.Context, rec *store.AgentRecord) error {
	if e.mcp == nil {
		return nil
	}
	resolved, warnings, err := e.mcp.Resolve(rec.AgentName, e.mountBase.Profile, &rec.Manifest)
	for _, w := range warnings {
		e.log.Warn("mcp config warning", zap.String("agent", rec.AgentName), zap.String("warning", w))
	}
	if err != nil {
		return err
	}

	configPath := filepath.Join(e.mountBase.WorkspaceDir, "agents", rec.AgentName, ".mcp", "config.json")
	return mcpconfig.WriteConfigFile(configPath, resolved)
}

func (e *Engine) destroyContainer(ctx context.Context, name string) error {
	running, err := e.rt.Running(ctx, name)
	if err == nil && running {
		_ = e.rt.Stop(ctx, name, constants.ChildStopGrace)
	}
	return e.rt.Remove(ctx, name, true)
}

// StopFleet stops every agent's container. fast collapses the stop grace to
// FastStopGrace (§4.C). Operations parallelize across agents and join.
func (e *Engine) StopFleet(ctx context.Context, agents map[string]store.AgentRecord, fast bool) error {
	grace := constants.ChildStopGrace
	if fast {
		grace = constants.FastStopGrace
	}

	g, gctx := errgroup.WithContext(ctx)
	for name, rec := range agents {
		name, rec := name, rec
		g.Go(func() error {
			unlock := e.agentLocks.Lock(rec.ContainerName)
			defer unlock()
			if err := e.rt.Stop(gctx, rec.ContainerName, grace); err != nil {
				e.log.Warn("stop failed", zap.String("agent", name), zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

// DestroyFleet stops and removes every agent's container.
func (e *Engine) DestroyFleet(ctx context.Context, agents map[string]store.AgentRecord, fast bool) error {
	if err := e.StopFleet(ctx, agents, fast); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for name, rec := range agents {
		name, rec := name, rec
		g.Go(func() error {
			unlock := e.agentLocks.Lock(rec.ContainerName)
			defer unlock()
			if err := e.rt.Remove(gctx, rec.ContainerName, true); err != nil {
				e.log.Warn("remove failed", zap.String("agent", name), zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

// StartFleet ensures every declared agent is up, in parallel.
func (e *Engine) StartFleet(ctx context.Context, agents map[string]store.AgentRecord) error {
	g, gctx := errgroup.WithContext(ctx)
	for name, rec := range agents {
		name, rec := name, rec
		g.Go(func() error {
			if err := e.EnsureAgent(gctx, &rec); err != nil {
				e.log.Error("ensure agent failed", zap.String("agent", name), zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

// Spawn looks up name's current AgentRecord in the Workspace Store and
// ensures its container is up. It satisfies supervisor.Spawner structurally
// (no import needed) so a Supervisor entry can drive container lifecycle
// through the Engine without the Engine knowing about Supervisor.
func (e *Engine) Spawn(ctx context.Context, name string) error {
	agents := e.st.LoadAgents()
	rec, ok := agents[name]
	if !ok {
		return fmt.Errorf("lifecycle: no agent record for container %q", name)
	}
	return e.EnsureAgent(ctx, &rec)
}

// Terminate stops the named container, satisfying supervisor.Spawner.
func (e *Engine) Terminate(ctx context.Context, name string, grace time.Duration) error {
	return e.rt.Stop(ctx, name, grace)
}

func agentCommand(m *store.Manifest) []string {
	entry := m.Agent
	if entry == "" {
		entry = "sh /Agent/server/AgentServer.sh"
	}
	return strings.Fields(entry)
}

func envMapToList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
