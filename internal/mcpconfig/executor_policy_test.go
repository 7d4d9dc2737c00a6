package mcpconfig

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyOverrideNilIsNoop(t *testing.T) {
	base := DefaultPolicy()

	policy, warnings, err := ApplyOverride(base, nil)

	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, base, policy)
}

func TestApplyOverrideStructOverridesFlags(t *testing.T) {
	base := DefaultPolicy()
	no := false
	override := Override{AllowStdio: &no}

	policy, warnings, err := ApplyOverride(base, override)

	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.False(t, policy.AllowStdio)
	assert.True(t, policy.AllowHTTP)
}

func TestApplyOverrideJSONString(t *testing.T) {
	base := DefaultPolicy()

	policy, _, err := ApplyOverride(base, `{"allow_sse": false, "allowlist_servers": ["a", "b"]}`)

	require.NoError(t, err)
	assert.False(t, policy.AllowSSE)
	assert.Equal(t, []string{"a", "b"}, policy.AllowlistServers)
}

func TestApplyOverrideMap(t *testing.T) {
	base := DefaultPolicy()
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"allow_http": false}`), &decoded))

	policy, _, err := ApplyOverride(base, decoded)

	require.NoError(t, err)
	assert.False(t, policy.AllowHTTP)
}

func TestApplyOverrideWarnsWhenAllowAndDenylistBothSet(t *testing.T) {
	base := DefaultPolicy()
	override := Override{
		AllowlistServers: []string{"a"},
		DenylistServers:  []string{"b"},
	}

	_, warnings, err := ApplyOverride(base, override)

	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "allowlist takes precedence")
}

func TestApplyOverrideRejectsUnsupportedType(t *testing.T) {
	base := DefaultPolicy()

	_, _, err := ApplyOverride(base, 42)

	require.Error(t, err)
}

func TestApplyOverrideRejectsInvalidJSON(t *testing.T) {
	base := DefaultPolicy()

	_, _, err := ApplyOverride(base, `not json`)

	require.Error(t, err)
}
