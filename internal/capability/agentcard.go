package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/roost-run/roost/internal/registry"
	"github.com/roost-run/roost/internal/workload"
)

// agentCard is the discovery document an agent runtime serves at its
// well-known path. Skills become capabilities; the rest is metadata.
type agentCard struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`
	Skills      []struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Description string `json:"description"`
	} `json:"skills"`
}

type agentCardDiscoverer struct {
	timeout time.Duration
}

func (d *agentCardDiscoverer) Discover(ctx context.Context, spec workload.Spec, port int) ([]registry.Capability, map[string]string, error) {
	url := "http://" + workload.Address(port) + spec.DiscoveryPath
	reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := (&http.Client{Timeout: d.timeout}).Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch agent card for %s: %w", spec.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("agent card for %s: status %d", spec.Name, resp.StatusCode)
	}
	var card agentCard
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		return nil, nil, fmt.Errorf("decode agent card for %s: %w", spec.Name, err)
	}
	caps := make([]registry.Capability, 0, len(card.Skills))
	for _, sk := range card.Skills {
		name := sk.ID
		if name == "" {
			name = sk.Name
		}
		caps = append(caps, registry.Capability{Name: name, Description: sk.Description})
	}
	meta := map[string]string{
		"agent_name":    card.Name,
		"agent_version": card.Version,
	}
	if card.Description != "" {
		meta["agent_description"] = card.Description
	}
	return caps, meta, nil
}
