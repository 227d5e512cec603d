// Package config loads the daemon's TOML configuration: the API listener,
// the managed port range, tick intervals, the state store, history sinks,
// and the statically declared services.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/roost-run/roost/internal/history"
	"github.com/roost-run/roost/internal/logger"
	"github.com/roost-run/roost/internal/workload"
)

// FileConfig is the top-level TOML structure.
type FileConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
	DataDir  string `toml:"data_dir" mapstructure:"data_dir"`
	LogLevel string `toml:"log_level" mapstructure:"log_level"`
	LogFile  string `toml:"log_file" mapstructure:"log_file"`

	Ports     PortsConfig     `toml:"ports" mapstructure:"ports"`
	Store     StoreConfig     `toml:"store" mapstructure:"store"`
	Intervals IntervalsConfig `toml:"intervals" mapstructure:"intervals"`

	Log      *LogConfig      `toml:"log" mapstructure:"log"`
	History  []HistoryConfig `toml:"history" mapstructure:"history"`
	Services []ServiceConfig `toml:"services" mapstructure:"services"`
}

type PortsConfig struct {
	Min     int   `toml:"min" mapstructure:"min"`
	Max     int   `toml:"max" mapstructure:"max"`
	Exclude []int `toml:"exclude" mapstructure:"exclude"`
}

type StoreConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type IntervalsConfig struct {
	Reconcile        time.Duration `toml:"reconcile" mapstructure:"reconcile"`
	Probe            time.Duration `toml:"probe" mapstructure:"probe"`
	ProbeDegraded    time.Duration `toml:"probe_degraded" mapstructure:"probe_degraded"`
	ProbeTimeout     time.Duration `toml:"probe_timeout" mapstructure:"probe_timeout"`
	DiscoveryTimeout time.Duration `toml:"discovery_timeout" mapstructure:"discovery_timeout"`
}

type LogConfig struct {
	Dir        string `toml:"dir" mapstructure:"dir"`
	Stdout     string `toml:"stdout" mapstructure:"stdout"`
	Stderr     string `toml:"stderr" mapstructure:"stderr"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// HistoryConfig declares one external sink for lifecycle events.
type HistoryConfig struct {
	Type string `toml:"type" mapstructure:"type"` // "sql" or "clickhouse"

	// sql
	DSN   string `toml:"dsn" mapstructure:"dsn"`
	Table string `toml:"table" mapstructure:"table"`

	// clickhouse
	Addr     string `toml:"addr" mapstructure:"addr"`
	Database string `toml:"database" mapstructure:"database"`
	Username string `toml:"username" mapstructure:"username"`
	Password string `toml:"password" mapstructure:"password"`
}

type ServiceConfig struct {
	Name          string                 `toml:"name" mapstructure:"name"`
	Module        string                 `toml:"module" mapstructure:"module"`
	Kind          string                 `toml:"kind" mapstructure:"kind"`
	Command       string                 `toml:"command" mapstructure:"command"`
	Args          []string               `toml:"args" mapstructure:"args"`
	Env           []string               `toml:"env" mapstructure:"env"`
	WorkDir       string                 `toml:"workdir" mapstructure:"workdir"`
	HealthPath    string                 `toml:"health_path" mapstructure:"health_path"`
	DiscoveryPath string                 `toml:"discovery_path" mapstructure:"discovery_path"`
	PreferredPort int                    `toml:"preferred_port" mapstructure:"preferred_port"`
	StartTimeout  time.Duration          `toml:"start_timeout" mapstructure:"start_timeout"`
	StopGrace     time.Duration          `toml:"stop_grace" mapstructure:"stop_grace"`
	AutoStart     bool                   `toml:"autostart" mapstructure:"autostart"`
	Restart       workload.RestartPolicy `toml:"restart" mapstructure:"restart"`
	Log           *LogConfig             `toml:"log" mapstructure:"log"`
}

// Load reads and validates the TOML file at path.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	fc.applyDefaults()
	if err := fc.validate(); err != nil {
		return nil, err
	}
	return &fc, nil
}

func (fc *FileConfig) applyDefaults() {
	if fc.Listen == "" {
		fc.Listen = "127.0.0.1:8085"
	}
	if fc.BasePath == "" {
		fc.BasePath = "/api/v1"
	}
	if fc.DataDir == "" {
		fc.DataDir = "./data"
	}
	if fc.LogLevel == "" {
		fc.LogLevel = "info"
	}
	if fc.Store.DSN == "" {
		fc.Store.DSN = filepath.Join(fc.DataDir, "roost.db")
	}
	if fc.Ports.Min == 0 {
		fc.Ports.Min = 9000
	}
	if fc.Ports.Max == 0 {
		fc.Ports.Max = 9999
	}
	if fc.Intervals.Reconcile <= 0 {
		fc.Intervals.Reconcile = 10 * time.Second
	}
	if fc.Intervals.Probe <= 0 {
		fc.Intervals.Probe = 10 * time.Second
	}
	if fc.Intervals.ProbeDegraded <= 0 {
		fc.Intervals.ProbeDegraded = 2 * time.Second
	}
	if fc.Intervals.ProbeTimeout <= 0 {
		fc.Intervals.ProbeTimeout = 2 * time.Second
	}
	if fc.Intervals.DiscoveryTimeout <= 0 {
		fc.Intervals.DiscoveryTimeout = 10 * time.Second
	}
}

func (fc *FileConfig) validate() error {
	if fc.Ports.Min <= 0 || fc.Ports.Max > 65535 || fc.Ports.Min > fc.Ports.Max {
		return fmt.Errorf("invalid ports range %d-%d", fc.Ports.Min, fc.Ports.Max)
	}
	seen := make(map[string]struct{}, len(fc.Services))
	for _, sc := range fc.Services {
		if sc.Name == "" {
			return fmt.Errorf("service requires name")
		}
		if _, dup := seen[sc.Name]; dup {
			return fmt.Errorf("duplicate service name %q", sc.Name)
		}
		seen[sc.Name] = struct{}{}
	}
	for i, hc := range fc.History {
		switch hc.Type {
		case "sql":
			if hc.DSN == "" {
				return fmt.Errorf("history[%d]: sql sink requires dsn", i)
			}
		case "clickhouse":
			if hc.Addr == "" {
				return fmt.Errorf("history[%d]: clickhouse sink requires addr", i)
			}
		default:
			return fmt.Errorf("history[%d]: unknown sink type %q", i, hc.Type)
		}
	}
	return nil
}

// Specs converts the declared services into workload specs, layering the
// top-level log defaults under per-service overrides.
func (fc *FileConfig) Specs() ([]workload.Spec, error) {
	specs := make([]workload.Spec, 0, len(fc.Services))
	for _, sc := range fc.Services {
		s := workload.Spec{
			Name:          sc.Name,
			Module:        sc.Module,
			Kind:          workload.Kind(sc.Kind),
			Command:       sc.Command,
			Args:          sc.Args,
			Env:           sc.Env,
			WorkDir:       sc.WorkDir,
			HealthPath:    sc.HealthPath,
			DiscoveryPath: sc.DiscoveryPath,
			PreferredPort: sc.PreferredPort,
			StartTimeout:  sc.StartTimeout,
			StopGrace:     sc.StopGrace,
			Restart:       sc.Restart,
			Log:           mergeLog(fc.Log, sc.Log),
		}
		if s.Kind == "" {
			s.Kind = workload.KindCapability
		}
		s.Normalize()
		if err := s.Validate(); err != nil {
			return nil, err
		}
		specs = append(specs, s)
	}
	return specs, nil
}

// AutoStartNames lists services flagged to start at boot.
func (fc *FileConfig) AutoStartNames() []string {
	var names []string
	for _, sc := range fc.Services {
		if sc.AutoStart {
			names = append(names, sc.Name)
		}
	}
	return names
}

// BuildSinks constructs the configured history sinks.
func (fc *FileConfig) BuildSinks() ([]history.Sink, error) {
	sinks := make([]history.Sink, 0, len(fc.History))
	for i, hc := range fc.History {
		switch hc.Type {
		case "sql":
			s, err := history.NewSQLSink(hc.DSN)
			if err != nil {
				return nil, fmt.Errorf("history[%d]: %w", i, err)
			}
			sinks = append(sinks, s)
		case "clickhouse":
			s, err := history.NewClickHouseSink(hc.Addr, hc.Database, hc.Username, hc.Password, hc.Table)
			if err != nil {
				return nil, fmt.Errorf("history[%d]: %w", i, err)
			}
			sinks = append(sinks, s)
		}
	}
	return sinks, nil
}

func mergeLog(top, svc *LogConfig) logger.Config {
	var out logger.Config
	apply := func(lc *LogConfig) {
		if lc == nil {
			return
		}
		if lc.Dir != "" {
			out.Dir = lc.Dir
		}
		if lc.Stdout != "" {
			out.StdoutPath = lc.Stdout
		}
		if lc.Stderr != "" {
			out.StderrPath = lc.Stderr
		}
		if lc.MaxSizeMB != 0 {
			out.MaxSizeMB = lc.MaxSizeMB
		}
		if lc.MaxBackups != 0 {
			out.MaxBackups = lc.MaxBackups
		}
		if lc.MaxAgeDays != 0 {
			out.MaxAgeDays = lc.MaxAgeDays
		}
		if lc.Compress {
			out.Compress = true
		}
	}
	apply(top)
	apply(svc)
	return out
}
