// Package mcpconfig resolves an agent's declared MCP server list against a
// policy, producing the servers the Lifecycle Engine actually wires into a
// container during the "sync MCP config" hook step (§4.C).
package mcpconfig

// ServerType is the MCP transport a server definition speaks.
type ServerType string

// ServerMode controls whether a server is shared across sessions or spawned
// fresh per session.
type ServerMode string

const (
	ServerTypeStdio          ServerType = "stdio"
	ServerTypeHTTP           ServerType = "http"
	ServerTypeSSE            ServerType = "sse"
	ServerTypeStreamableHTTP ServerType = "streamable_http"
)

const (
	ServerModeAuto       ServerMode = "auto"
	ServerModeShared     ServerMode = "shared"
	ServerModePerSession ServerMode = "per_session"
)

// ServerDef is one MCP server entry as declared in an agent's manifest.
type ServerDef struct {
	Type    ServerType        `json:"type,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Mode    ServerMode        `json:"mode,omitempty"`
	Meta    map[string]any    `json:"meta,omitempty"`
}

// ProfileConfig is the manifest-declared MCP section for one agent, scoped
// to the workspace profile (dev/qa/prod) it was loaded under.
type ProfileConfig struct {
	AgentName string               `json:"agentName"`
	Profile   string               `json:"profile"`
	Enabled   bool                 `json:"enabled"`
	Servers   map[string]ServerDef `json:"servers"`
}

// ResolvedServer is a server definition that has passed policy and is ready
// to be wired into the container's MCP client config.
type ResolvedServer struct {
	Name    string
	Type    ServerType
	Mode    ServerMode
	Command string
	Args    []string
	Env     map[string]string
	URL     string
	Headers map[string]string
}

// Policy controls which MCP transports are allowed, which servers by name
// are allowed/denied, and how URLs/env are rewritten before launch.
type Policy struct {
	AllowStdio          bool
	AllowHTTP           bool
	AllowSSE            bool
	AllowStreamableHTTP bool
	URLRewrite          map[string]string
	EnvInjection        map[string]string
	AllowlistServers    []string
	DenylistServers     []string
}
