package mcpconfig

// ManifestSource is the subset of an agent's Manifest that mcpconfig needs.
// The Lifecycle Engine's manifest type satisfies this directly; kept as an
// interface so this package does not import internal/store.
type ManifestSource interface {
	MCPServers() map[string]ServerDef
	MCPPolicyOverride() any
}

// Service resolves one agent's MCP server list against its policy override,
// for the Lifecycle Engine's "Sync MCP config" hook step (§4.C).
type Service struct {
	basePolicy Policy
}

// NewService builds a Service seeded with the workspace-wide default policy.
func NewService(basePolicy Policy) *Service {
	return &Service{basePolicy: basePolicy}
}

// Resolve computes the servers to wire for one agent: the workspace default
// policy, overlaid with the agent's own manifest override (if any), applied
// against the agent's declared servers.
func (s *Service) Resolve(agentName, profile string, manifest ManifestSource) ([]ResolvedServer, []string, error) {
	servers := manifest.MCPServers()
	cfg := &ProfileConfig{
		AgentName: agentName,
		Profile:   profile,
		Enabled:   len(servers) > 0,
		Servers:   servers,
	}

	policy, overrideWarnings, err := ApplyOverride(s.basePolicy, manifest.MCPPolicyOverride())
	if err != nil {
		return nil, nil, err
	}

	resolved, warnings, err := Resolve(cfg, policy)
	if err != nil {
		return nil, append(overrideWarnings, warnings...), err
	}

	return resolved, append(overrideWarnings, warnings...), nil
}
