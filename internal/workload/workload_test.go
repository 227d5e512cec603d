package workload

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDefaultsByKind(t *testing.T) {
	s := Spec{Name: "tools", Kind: KindCapability, Command: "srv"}
	s.Normalize()
	assert.Equal(t, "/healthz", s.HealthPath)
	assert.Equal(t, "/mcp", s.DiscoveryPath)
	assert.Equal(t, DefaultStartTimeout, s.StartTimeout)
	assert.Equal(t, DefaultStopGrace, s.StopGrace)

	a := Spec{Name: "agent", Kind: KindAgent, Command: "srv"}
	a.Normalize()
	assert.Equal(t, "/.well-known/agent.json", a.DiscoveryPath)
}

func TestNormalizePrependsSlash(t *testing.T) {
	s := Spec{Name: "x", Kind: KindCapability, Command: "srv", HealthPath: "health"}
	s.Normalize()
	assert.Equal(t, "/health", s.HealthPath)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		spec Spec
		ok   bool
	}{
		{"valid", Spec{Name: "a", Kind: KindCapability, Command: "srv"}, true},
		{"missing name", Spec{Kind: KindCapability, Command: "srv"}, false},
		{"missing command", Spec{Name: "a", Kind: KindCapability}, false},
		{"bad kind", Spec{Name: "a", Kind: Kind("llm"), Command: "srv"}, false},
		{"traversal name", Spec{Name: "../etc", Kind: KindAgent, Command: "srv"}, false},
		{"bad env", Spec{Name: "a", Kind: KindAgent, Command: "srv", Env: []string{"NOEQUALS"}}, false},
		{"bad port", Spec{Name: "a", Kind: KindAgent, Command: "srv", PreferredPort: 70000}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.spec.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestCommandLineReplacesPlaceholder(t *testing.T) {
	s := Spec{Name: "a", Kind: KindCapability, Command: "srv", Args: []string{"--port", "{port}", "--v"}}
	cmd, args := s.CommandLine(9123)
	assert.Equal(t, "srv", cmd)
	assert.Equal(t, []string{"--port", "9123", "--v"}, args)
}

func TestPortEnvAndAddress(t *testing.T) {
	assert.Contains(t, PortEnv(9001), "ROOST_PORT=9001")
	assert.Contains(t, PortEnv(9001), "PORT=9001")
	assert.Equal(t, "127.0.0.1:9001", Address(9001))

	s := Spec{Name: "a", Kind: KindCapability, Command: "srv"}
	s.Normalize()
	assert.Equal(t, "http://127.0.0.1:9001/healthz", s.HealthURL(9001))
}

func TestBackoffFor(t *testing.T) {
	p := RestartPolicy{Backoff: time.Second, BackoffCap: 10 * time.Second}
	require.Equal(t, time.Second, p.BackoffFor(0))
	require.Equal(t, 2*time.Second, p.BackoffFor(1))
	require.Equal(t, 4*time.Second, p.BackoffFor(2))
	require.Equal(t, 8*time.Second, p.BackoffFor(3))
	require.Equal(t, 10*time.Second, p.BackoffFor(4))
	require.Equal(t, 10*time.Second, p.BackoffFor(20))
}
