package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roost-run/roost/internal/workload"
	"github.com/roost-run/roost/pkg/client"
)

// APIFlags select the daemon a remote command talks to.
type APIFlags struct {
	URL     string
	Timeout time.Duration
}

func (f *APIFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.URL, "api-url", client.DefaultConfig().BaseURL, "daemon API base URL")
	cmd.Flags().DurationVar(&f.Timeout, "api-timeout", client.DefaultConfig().Timeout, "API request timeout")
}

func (f *APIFlags) client() *client.Client {
	return client.New(client.Config{BaseURL: f.URL, Timeout: f.Timeout})
}

// RegisterFlags configure the register command.
type RegisterFlags struct {
	Name          string
	Module        string
	Kind          string
	Command       string
	Args          []string
	Env           []string
	WorkDir       string
	HealthPath    string
	DiscoveryPath string
	PreferredPort int
	StartTimeout  time.Duration
	StopGrace     time.Duration
	AutoRestart   bool
	MaxRetries    int
	Start         bool
	File          string
}

func buildRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "roost",
		Short: "Supervisor for AI capability servers and agent runtimes",
		Long: "roost spawns, monitors, and routes to capability servers and agent runtimes:\n" +
			"it allocates their ports, confirms their health, discovers what they can do,\n" +
			"and reconciles expected state against the operating system.",
		SilenceUsage: true,
	}
	root.AddCommand(
		newServeCmd(),
		newRegisterCmd(),
		newUnregisterCmd(),
		newStartCmd(),
		newStopCmd(),
		newRestartCmd(),
		newStatusCmd(),
		newServicesCmd(),
	)
	return root
}

func newRegisterCmd() *cobra.Command {
	api := &APIFlags{}
	f := &RegisterFlags{}
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Declare a workload on the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := specFromFlags(f)
			if err != nil {
				return err
			}
			if err := api.client().Register(cmd.Context(), spec, f.Start); err != nil {
				return err
			}
			fmt.Printf("registered %s\n", spec.Name)
			return nil
		},
	}
	api.register(cmd)
	cmd.Flags().StringVar(&f.Name, "name", "", "workload name (required unless --file)")
	cmd.Flags().StringVar(&f.Module, "module", "", "owning module name")
	cmd.Flags().StringVar(&f.Kind, "kind", string(workload.KindCapability), "workload kind: capability or agent")
	cmd.Flags().StringVar(&f.Command, "command", "", "executable to run; {port} is replaced with the allocated port")
	cmd.Flags().StringArrayVar(&f.Args, "arg", nil, "argument, repeatable")
	cmd.Flags().StringArrayVar(&f.Env, "env", nil, "KEY=VALUE environment entry, repeatable")
	cmd.Flags().StringVar(&f.WorkDir, "workdir", "", "working directory")
	cmd.Flags().StringVar(&f.HealthPath, "health-path", "", "liveness endpoint path")
	cmd.Flags().StringVar(&f.DiscoveryPath, "discovery-path", "", "capability discovery path")
	cmd.Flags().IntVar(&f.PreferredPort, "preferred-port", 0, "pin to a port inside the managed range")
	cmd.Flags().DurationVar(&f.StartTimeout, "start-timeout", 0, "health confirmation window")
	cmd.Flags().DurationVar(&f.StopGrace, "stop-grace", 0, "grace between SIGTERM and SIGKILL")
	cmd.Flags().BoolVar(&f.AutoRestart, "autorestart", false, "restart automatically after a crash")
	cmd.Flags().IntVar(&f.MaxRetries, "max-retries", 3, "restart budget per crash loop")
	cmd.Flags().BoolVar(&f.Start, "start", false, "start immediately after registering")
	cmd.Flags().StringVar(&f.File, "file", "", "read the spec from a JSON file instead of flags")
	return cmd
}

func specFromFlags(f *RegisterFlags) (workload.Spec, error) {
	if f.File != "" {
		b, err := os.ReadFile(f.File)
		if err != nil {
			return workload.Spec{}, err
		}
		var spec workload.Spec
		if err := json.Unmarshal(b, &spec); err != nil {
			return workload.Spec{}, fmt.Errorf("parse %s: %w", f.File, err)
		}
		return spec, nil
	}
	return workload.Spec{
		Name:          f.Name,
		Module:        f.Module,
		Kind:          workload.Kind(f.Kind),
		Command:       f.Command,
		Args:          f.Args,
		Env:           f.Env,
		WorkDir:       f.WorkDir,
		HealthPath:    f.HealthPath,
		DiscoveryPath: f.DiscoveryPath,
		PreferredPort: f.PreferredPort,
		StartTimeout:  f.StartTimeout,
		StopGrace:     f.StopGrace,
		Restart: workload.RestartPolicy{
			Enabled:    f.AutoRestart,
			MaxRetries: f.MaxRetries,
		},
	}, nil
}

func newUnregisterCmd() *cobra.Command {
	return nameCmd("unregister", "Stop and remove a workload", func(ctx context.Context, c *client.Client, name string) error {
		return c.Unregister(ctx, name)
	})
}

func newStartCmd() *cobra.Command {
	return nameCmd("start", "Start a workload and wait until it is healthy", func(ctx context.Context, c *client.Client, name string) error {
		return c.Start(ctx, name)
	})
}

func newStopCmd() *cobra.Command {
	return nameCmd("stop", "Gracefully stop a workload", func(ctx context.Context, c *client.Client, name string) error {
		return c.Stop(ctx, name)
	})
}

func newRestartCmd() *cobra.Command {
	return nameCmd("restart", "Restart a workload", func(ctx context.Context, c *client.Client, name string) error {
		return c.Restart(ctx, name)
	})
}

func nameCmd(use, short string, op func(context.Context, *client.Client, string) error) *cobra.Command {
	api := &APIFlags{}
	var name string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			if err := op(cmd.Context(), api.client(), name); err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", use, name)
			return nil
		},
	}
	api.register(cmd)
	cmd.Flags().StringVar(&name, "name", "", "workload name")
	return cmd
}

func newStatusCmd() *cobra.Command {
	api := &APIFlags{}
	var name string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show workload status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := api.client()
			if name != "" {
				st, err := c.Status(cmd.Context(), name)
				if err != nil {
					return err
				}
				return printJSON(st)
			}
			sts, err := c.StatusAll(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tMODULE\tKIND\tSTATE\tPID\tPORT\tRESTARTS")
			for _, s := range sts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
					s.Name, s.Module, s.Kind, s.State, s.PID, s.Port, s.Restarts)
			}
			return w.Flush()
		},
	}
	api.register(cmd)
	cmd.Flags().StringVar(&name, "name", "", "workload name; omit for all")
	return cmd
}

func newServicesCmd() *cobra.Command {
	api := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "services",
		Short: "List running services with discovered capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			es, err := api.client().Services(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(es)
		},
	}
	api.register(cmd)
	return cmd
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
