package mcpconfig

// DefaultPolicy returns a permissive policy. Per-agent overrides (from the
// manifest's own "mcp.policyOverride" field) are layered on top by ApplyOverride.
func DefaultPolicy() Policy {
	return Policy{
		AllowStdio:          true,
		AllowHTTP:           true,
		AllowSSE:            true,
		AllowStreamableHTTP: true,
		URLRewrite:          map[string]string{},
		EnvInjection:        map[string]string{},
		AllowlistServers:    nil,
		DenylistServers:     nil,
	}
}
