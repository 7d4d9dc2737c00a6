package mcpconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// fileServer is the on-disk shape of one resolved server, matching the
// `mcpServers` map convention MCP clients already read.
type fileServer struct {
	Type    ServerType        `json:"type,omitempty"`
	Mode    ServerMode        `json:"mode,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type configFile struct {
	MCPServers map[string]fileServer `json:"mcpServers"`
}

// WriteConfigFile materializes servers as the container's MCP client config,
// keyed by server name, at path. The write is atomic (temp file + fsync +
// rename) so a concurrent reader inside the container never observes a
// partially-written file, matching the Workspace Store's own write
// discipline (§4.B, §5).
func WriteConfigFile(path string, servers []ResolvedServer) error {
	cfg := configFile{MCPServers: make(map[string]fileServer, len(servers))}
	for _, s := range servers {
		cfg.MCPServers[s.Name] = fileServer{
			Type:    s.Type,
			Mode:    s.Mode,
			Command: s.Command,
			Args:    s.Args,
			Env:     s.Env,
			URL:     s.URL,
			Headers: s.Headers,
		}
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
