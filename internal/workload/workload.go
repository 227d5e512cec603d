package workload

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/roost-run/roost/internal/logger"
)

// Kind selects the payload type of a managed workload. The orchestration
// core is identical for all kinds; the kind only picks the capability
// discovery strategy and defaults.
type Kind string

const (
	// KindCapability is a tool-execution server speaking the MCP protocol.
	KindCapability Kind = "capability"
	// KindAgent is an agent runtime serving task/message workloads.
	KindAgent Kind = "agent"
)

func (k Kind) Valid() bool { return k == KindCapability || k == KindAgent }

// Spec describes one managed workload. It is immutable once handed to the
// lifecycle manager; updates go through re-registration.
type Spec struct {
	Name    string   `json:"name" mapstructure:"name"`
	Module  string   `json:"module" mapstructure:"module"` // owning subsystem
	Kind    Kind     `json:"kind" mapstructure:"kind"`
	Command string   `json:"command" mapstructure:"command"`
	Args    []string `json:"args" mapstructure:"args"`
	Env     []string `json:"env" mapstructure:"env"`
	WorkDir string   `json:"work_dir" mapstructure:"work_dir"`

	// HealthPath is the liveness endpoint path; defaults to /healthz.
	HealthPath string `json:"health_path" mapstructure:"health_path"`

	// DiscoveryPath is where capabilities are discovered after the
	// workload turns healthy: the MCP endpoint for capability servers
	// (default /mcp), the agent card for agent runtimes (default
	// /.well-known/agent.json).
	DiscoveryPath string `json:"discovery_path" mapstructure:"discovery_path"`

	// PreferredPort pins the workload to a port inside the configured
	// range. Zero means any free port.
	PreferredPort int `json:"preferred_port" mapstructure:"preferred_port"`

	StartTimeout time.Duration `json:"start_timeout" mapstructure:"start_timeout"`
	StopGrace    time.Duration `json:"stop_grace" mapstructure:"stop_grace"`

	Restart RestartPolicy `json:"restart" mapstructure:"restart"`

	Log logger.Config `json:"log" mapstructure:"log"`
}

// RestartPolicy bounds automatic Crashed→Starting transitions.
type RestartPolicy struct {
	Enabled    bool          `json:"enabled" mapstructure:"enabled"`
	MaxRetries int           `json:"max_retries" mapstructure:"max_retries"`
	Backoff    time.Duration `json:"backoff" mapstructure:"backoff"`
	BackoffCap time.Duration `json:"backoff_cap" mapstructure:"backoff_cap"`
}

// BackoffFor returns the wait before restart attempt n (0-based),
// doubling from Backoff up to BackoffCap.
func (p RestartPolicy) BackoffFor(attempt int) time.Duration {
	b := p.Backoff
	if b <= 0 {
		b = time.Second
	}
	cap := p.BackoffCap
	if cap <= 0 {
		cap = 30 * time.Second
	}
	for i := 0; i < attempt; i++ {
		b *= 2
		if b >= cap {
			return cap
		}
	}
	return b
}

// Defaults used when a spec leaves timing fields unset.
const (
	DefaultStartTimeout = 30 * time.Second
	DefaultStopGrace    = 5 * time.Second
	DefaultHealthPath   = "/healthz"
)

// Normalize fills zero-value fields with defaults.
func (s *Spec) Normalize() {
	if s.HealthPath == "" {
		s.HealthPath = DefaultHealthPath
	}
	if !strings.HasPrefix(s.HealthPath, "/") {
		s.HealthPath = "/" + s.HealthPath
	}
	if s.DiscoveryPath == "" {
		switch s.Kind {
		case KindAgent:
			s.DiscoveryPath = "/.well-known/agent.json"
		default:
			s.DiscoveryPath = "/mcp"
		}
	}
	if s.StartTimeout <= 0 {
		s.StartTimeout = DefaultStartTimeout
	}
	if s.StopGrace <= 0 {
		s.StopGrace = DefaultStopGrace
	}
	if s.Restart.Enabled && s.Restart.MaxRetries <= 0 {
		s.Restart.MaxRetries = 3
	}
}

// Validate rejects specs that cannot be managed safely.
func (s *Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("workload requires name")
	}
	if strings.ContainsAny(s.Name, " \t\n/\\") || strings.Contains(s.Name, "..") {
		return fmt.Errorf("workload %q: name contains invalid characters", s.Name)
	}
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("workload %q requires command", s.Name)
	}
	if !s.Kind.Valid() {
		return fmt.Errorf("workload %q: unknown kind %q", s.Name, s.Kind)
	}
	if s.PreferredPort < 0 || s.PreferredPort > 65535 {
		return fmt.Errorf("workload %q: preferred_port %d out of range", s.Name, s.PreferredPort)
	}
	for i, kv := range s.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("workload %q: env[%d] %q must be KEY=VALUE", s.Name, i, kv)
		}
	}
	return nil
}

// PortPlaceholder in Args/Command is replaced with the allocated port.
const PortPlaceholder = "{port}"

// CommandLine renders the final argv for the allocated port. The port is
// also exported as ROOST_PORT so workloads that cannot take arguments
// still learn their address.
func (s *Spec) CommandLine(port int) (string, []string) {
	p := strconv.Itoa(port)
	cmd := strings.ReplaceAll(s.Command, PortPlaceholder, p)
	args := make([]string, len(s.Args))
	for i, a := range s.Args {
		args[i] = strings.ReplaceAll(a, PortPlaceholder, p)
	}
	return cmd, args
}

// PortEnv returns the env entries advertising the allocated port.
func PortEnv(port int) []string {
	return []string{"ROOST_PORT=" + strconv.Itoa(port), "PORT=" + strconv.Itoa(port)}
}

// Address returns the loopback address a workload listens on.
func Address(port int) string { return "127.0.0.1:" + strconv.Itoa(port) }

// HealthURL builds the liveness URL for a spec on a port.
func (s *Spec) HealthURL(port int) string {
	return "http://" + Address(port) + s.HealthPath
}
