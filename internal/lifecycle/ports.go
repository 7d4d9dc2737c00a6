package lifecycle

import (
	"strings"

	"github.com/OutfinityResearch/ploinky-sub003/internal/common/apperrors"
	"github.com/OutfinityResearch/ploinky-sub003/internal/runtime"
	"github.com/OutfinityResearch/ploinky-sub003/internal/store"
)

// NormalizePort validates and normalizes one manifest port string
// (`[ip:]host:container` or bare `container`) per §4.C/§8: host IP defaults
// to 127.0.0.1, never 0.0.0.0 silently; an explicit "0.0.0.0:80:7000" is
// preserved verbatim.
func NormalizePort(spec string) (runtime.PortBinding, error) {
	parts := strings.Split(spec, ":")
	switch len(parts) {
	case 1:
		port := parts[0]
		return runtime.PortBinding{ContainerPort: port, HostIP: "127.0.0.1", HostPort: port}, nil
	case 2:
		return runtime.PortBinding{ContainerPort: parts[1], HostIP: "127.0.0.1", HostPort: parts[0]}, nil
	case 3:
		return runtime.PortBinding{ContainerPort: parts[2], HostIP: parts[0], HostPort: parts[1]}, nil
	default:
		return runtime.PortBinding{}, apperrors.Config("invalid_port_spec", "malformed port spec: "+spec, nil)
	}
}

// NormalizePorts resolves every manifest port entry and also returns the
// equivalent store.PortBinding map, keyed by container port, persisted on
// the AgentRecord so the Router never has to query the runtime.
func NormalizePorts(manifest *store.Manifest) ([]runtime.PortBinding, map[string]store.PortBinding, error) {
	bindings := make([]runtime.PortBinding, 0, len(manifest.Ports))
	persisted := make(map[string]store.PortBinding, len(manifest.Ports))

	for _, spec := range manifest.Ports {
		b, err := NormalizePort(spec)
		if err != nil {
			return nil, nil, err
		}
		bindings = append(bindings, b)
		persisted[b.ContainerPort] = store.PortBinding{HostIP: b.HostIP, HostPort: b.HostPort}
	}

	return bindings, persisted, nil
}
