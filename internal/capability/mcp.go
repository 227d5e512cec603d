package capability

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/roost-run/roost/internal/registry"
	"github.com/roost-run/roost/internal/workload"
)

// mcpDiscoverer performs the MCP handshake against a capability server
// over streamable-http and lists its tools.
type mcpDiscoverer struct {
	timeout time.Duration
}

func (d *mcpDiscoverer) Discover(ctx context.Context, spec workload.Spec, port int) ([]registry.Capability, map[string]string, error) {
	endpoint := "http://" + workload.Address(port) + spec.DiscoveryPath
	mcpClient, err := client.NewStreamableHttpClient(endpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("create mcp client for %s: %w", spec.Name, err)
	}
	defer func() { _ = mcpClient.Close() }()

	timeoutCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := mcpClient.Start(timeoutCtx); err != nil {
		return nil, nil, fmt.Errorf("start mcp transport for %s: %w", spec.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "roost", Version: "1.0.0"}
	initReq.Params.Capabilities = mcp.ClientCapabilities{}
	initRes, err := mcpClient.Initialize(timeoutCtx, initReq)
	if err != nil {
		return nil, nil, fmt.Errorf("mcp initialize %s: %w", spec.Name, err)
	}

	listRes, err := mcpClient.ListTools(timeoutCtx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, nil, fmt.Errorf("mcp tools/list %s: %w", spec.Name, err)
	}

	caps := make([]registry.Capability, 0, len(listRes.Tools))
	for _, t := range listRes.Tools {
		caps = append(caps, registry.Capability{Name: t.Name, Description: t.Description})
	}
	meta := map[string]string{
		"server_name":    initRes.ServerInfo.Name,
		"server_version": initRes.ServerInfo.Version,
	}
	return caps, meta, nil
}
