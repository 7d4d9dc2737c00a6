package lifecycle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"github.com/OutfinityResearch/ploinky-sub003/internal/store"
)

// SecretResolver looks up a secret by reference name. Values that are not
// prefixed with the secret marker pass through ResolveEnv unchanged.
type SecretResolver interface {
	Lookup(ref string) (string, bool)
}

const secretRefPrefix = "secret:"

// ResolveEnv resolves a manifest's env map, following `secret:<name>`
// references through resolver, into a flat name->value map.
func ResolveEnv(manifest *store.Manifest, resolver SecretResolver) (map[string]string, error) {
	resolved := make(map[string]string, len(manifest.Env))
	for name, value := range manifest.Env {
		if ref, ok := strings.CutPrefix(value, secretRefPrefix); ok {
			secretValue, found := resolver.Lookup(ref)
			if !found {
				return nil, &EnvResolveError{VarName: name, SecretRef: ref}
			}
			resolved[name] = secretValue
			continue
		}
		resolved[name] = value
	}
	return resolved, nil
}

// EnvResolveError reports an env var whose secret reference could not be
// resolved.
type EnvResolveError struct {
	VarName   string
	SecretRef string
}

func (e *EnvResolveError) Error() string {
	return "env var " + e.VarName + " references unknown secret " + e.SecretRef
}

// ComputeEnvHash resolves env (including secret references), JSON-encodes
// the result after sorting keys, and SHA-256-hashes it. This is the sole
// trigger for container re-creation (§4.C) — code changes alone must never
// change this hash.
func ComputeEnvHash(manifest *store.Manifest, resolver SecretResolver) (string, error) {
	resolved, err := ResolveEnv(manifest, resolver)
	if err != nil {
		return "", err
	}

	keys := make([]string, 0, len(resolved))
	for k := range resolved {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]envPair, 0, len(keys))
	for _, k := range keys {
		ordered = append(ordered, envPair{Key: k, Value: resolved[k]})
	}

	encoded, err := json.Marshal(ordered)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

type envPair struct {
	Key   string `json:"k"`
	Value string `json:"v"`
}
