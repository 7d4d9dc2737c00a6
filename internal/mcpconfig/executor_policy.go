package mcpconfig

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Override is a JSON-serializable policy override, stored as an agent
// manifest's own "mcp.policyOverride" field.
type Override struct {
	AllowStdio          *bool             `json:"allow_stdio,omitempty"`
	AllowHTTP           *bool             `json:"allow_http,omitempty"`
	AllowSSE            *bool             `json:"allow_sse,omitempty"`
	AllowStreamableHTTP *bool             `json:"allow_streamable_http,omitempty"`
	URLRewrite          map[string]string `json:"url_rewrite,omitempty"`
	EnvInjection        map[string]string `json:"env_injection,omitempty"`
	AllowlistServers    []string          `json:"allowlist_servers,omitempty"`
	DenylistServers     []string          `json:"denylist_servers,omitempty"`
}

// ApplyOverride overlays a manifest policy override onto the base policy.
// value may be nil, an Override/*Override, a JSON string, or a decoded
// map[string]any (as produced by reading a YAML/JSON manifest generically).
func ApplyOverride(base Policy, value any) (Policy, []string, error) {
	if value == nil {
		return base, nil, nil
	}

	override, err := parseOverride(value)
	if err != nil {
		return base, nil, err
	}
	if override == nil {
		return base, nil, nil
	}

	warnings := []string{}
	if override.AllowStdio != nil {
		base.AllowStdio = *override.AllowStdio
	}
	if override.AllowHTTP != nil {
		base.AllowHTTP = *override.AllowHTTP
	}
	if override.AllowSSE != nil {
		base.AllowSSE = *override.AllowSSE
	}
	if override.AllowStreamableHTTP != nil {
		base.AllowStreamableHTTP = *override.AllowStreamableHTTP
	}
	if override.URLRewrite != nil {
		base.URLRewrite = override.URLRewrite
	}
	if override.EnvInjection != nil {
		base.EnvInjection = override.EnvInjection
	}
	if len(override.AllowlistServers) > 0 {
		base.AllowlistServers = append([]string{}, override.AllowlistServers...)
	}
	if len(override.DenylistServers) > 0 {
		base.DenylistServers = append([]string{}, override.DenylistServers...)
	}
	if len(base.AllowlistServers) > 0 && len(base.DenylistServers) > 0 {
		warnings = append(warnings, "mcp policy: allowlist and denylist both set; allowlist takes precedence")
	}

	return base, warnings, nil
}

func parseOverride(value any) (*Override, error) {
	switch v := value.(type) {
	case Override:
		return &v, nil
	case *Override:
		return v, nil
	case json.RawMessage:
		return parseOverrideJSON(v)
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		return parseOverrideJSON([]byte(v))
	case map[string]interface{}:
		return parseOverrideMap(v)
	default:
		return nil, fmt.Errorf("unsupported mcp policy override type %T", value)
	}
}

func parseOverrideJSON(payload []byte) (*Override, error) {
	var cfg Override
	if err := json.Unmarshal(payload, &cfg); err != nil {
		return nil, fmt.Errorf("invalid mcp policy override JSON: %w", err)
	}
	return &cfg, nil
}

func parseOverrideMap(payload map[string]any) (*Override, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("invalid mcp policy override map: %w", err)
	}
	return parseOverrideJSON(encoded)
}
