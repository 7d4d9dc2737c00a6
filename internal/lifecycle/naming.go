package lifecycle

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
)

var unsafeNameChar = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// ContainerName implements the deterministic naming grammar (§6):
// ploinky_{repo}_{agent}_{projectBase}_{sha256(cwd)[0..8]}, with every
// character outside [A-Za-z0-9_.-] replaced by "_".
func ContainerName(repo, agent, projectBase, cwd string) string {
	sum := sha256.Sum256([]byte(cwd))
	shortHash := hex.EncodeToString(sum[:])[:8]
	raw := "ploinky_" + repo + "_" + agent + "_" + projectBase + "_" + shortHash
	return unsafeNameChar.ReplaceAllString(raw, "_")
}
