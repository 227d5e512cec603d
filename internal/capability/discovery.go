// Package capability discovers what a freshly started workload can do:
// tool definitions from MCP capability servers, agent metadata from agent
// runtime cards. Discovery runs once per successful start, after health
// confirmation, and its result lives only in the registry.
package capability

import (
	"context"
	"time"

	"github.com/roost-run/roost/internal/registry"
	"github.com/roost-run/roost/internal/workload"
)

// Discoverer queries a live workload for its capabilities.
type Discoverer interface {
	Discover(ctx context.Context, spec workload.Spec, port int) ([]registry.Capability, map[string]string, error)
}

// ForKind selects the discovery strategy at configuration time. The kind
// is a closed enum; there is no runtime type inspection anywhere else.
func ForKind(k workload.Kind, timeout time.Duration) Discoverer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	switch k {
	case workload.KindAgent:
		return &agentCardDiscoverer{timeout: timeout}
	default:
		return &mcpDiscoverer{timeout: timeout}
	}
}
