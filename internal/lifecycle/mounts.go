package lifecycle

import (
	"path/filepath"

	"github.com/OutfinityResearch/ploinky-sub003/internal/runtime"
)

// MountPlan is everything needed to compose one agent's mount list (§4.C).
type MountPlan struct {
	WorkspaceDir  string // contains shared/, agents/<name>/, .ploinky/
	AgentLibDir   string // host path to the bundled Agent library, mounted ro at /Agent
	CodeDir       string // host path to the agent's own code, mounted at /code
	SkillsDir     string // optional host path mounted at /code/.AchillesSkills
	CWD           string // operator's current working directory, passthrough mount
	Profile       string // dev, qa, prod
	Podman        bool
}

// Compose builds the mount list every agent gets, independent of
// manifest-declared volumes (§4.C "Always:"). Manifest-declared volumes
// (`manifest.Volumes`) are appended by the caller with ComposeExtra.
func (p MountPlan) Compose(agentName string) []runtime.Mount {
	codeWritable := p.Profile == "dev"

	mounts := []runtime.Mount{
		p.mount(p.AgentLibDir, "/Agent", true),
		p.mount(filepath.Join(p.WorkspaceDir, "shared"), "/shared", false),
		p.mount(p.CWD, p.CWD, false),
		p.mount(p.CodeDir, "/code", !codeWritable),
		p.mount(filepath.Join(p.WorkspaceDir, "agents", agentName), "/agent", false),
	}

	if p.SkillsDir != "" {
		mounts = append(mounts, p.mount(p.SkillsDir, "/code/.AchillesSkills", false))
	}

	return mounts
}

// ComposeExtra converts manifest-declared `volumes{host->container}` into
// mounts, read-write, appended after the always-present set.
func (p MountPlan) ComposeExtra(volumes map[string]string) []runtime.Mount {
	extra := make([]runtime.Mount, 0, len(volumes))
	for host, container := range volumes {
		extra = append(extra, p.mount(host, container, false))
	}
	return extra
}

// mount builds one Mount. The spec's Podman `:z`/`:ro,z` SELinux relabel
// suffixes apply to the legacy `docker run -v` string syntax; the typed
// Mounts API this adapter uses (internal/runtime/docker.go) has no
// equivalent field, so under Podman a bind mount here relies on the
// container's own SELinux policy rather than an explicit relabel request —
// tracked as an open item, not silently dropped.
func (p MountPlan) mount(source, target string, readOnly bool) runtime.Mount {
	return runtime.Mount{Source: source, Target: target, ReadOnly: readOnly}
}
