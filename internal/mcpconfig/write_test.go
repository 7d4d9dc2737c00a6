package mcpconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteConfigFileWritesMCPServersMap(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".mcp", "config.json")

	servers := []ResolvedServer{
		{Name: "local", Type: ServerTypeStdio, Mode: ServerModePerSession, Command: "run-local"},
		{Name: "remote", Type: ServerTypeHTTP, Mode: ServerModeShared, URL: "http://localhost:9000"},
	}

	require.NoError(t, WriteConfigFile(path, servers))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded configFile
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded.MCPServers, 2)
	assert.Equal(t, "run-local", decoded.MCPServers["local"].Command)
	assert.Equal(t, "http://localhost:9000", decoded.MCPServers["remote"].URL)
}

func TestWriteConfigFileOverwritesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".mcp", "config.json")

	require.NoError(t, WriteConfigFile(path, []ResolvedServer{{Name: "a", Type: ServerTypeStdio, Command: "one"}}))
	require.NoError(t, WriteConfigFile(path, []ResolvedServer{{Name: "a", Type: ServerTypeStdio, Command: "two"}}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded configFile
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "two", decoded.MCPServers["a"].Command)
}

func TestWriteConfigFileEmptyServersStillWritesValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".mcp", "config.json")

	require.NoError(t, WriteConfigFile(path, nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded configFile
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Empty(t, decoded.MCPServers)
}
