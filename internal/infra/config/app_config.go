// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig sizes the buses and the executor worker pool.
type EngineConfig struct {
	EventCapacity   int                 `yaml:"eventCapacity"`
	ActionCapacity  int                 `yaml:"actionCapacity"`
	FanoutWorkers   FanoutWorkerSetting `yaml:"fanoutWorkers"`
	ExecutorWorkers int                 `yaml:"executorWorkers"`
	ExecutorQueue   int                 `yaml:"executorQueue"`
}

type fanoutWorkerKind int

const (
	fanoutWorkerUnset fanoutWorkerKind = iota
	fanoutWorkerExplicit
	fanoutWorkerAuto
	fanoutWorkerDefault
)

const defaultFanoutWorkers = 4

// FanoutWorkerSetting accepts a positive integer, "auto" (one per CPU) or "default".
type FanoutWorkerSetting struct {
	kind  fanoutWorkerKind
	value int
}

// FanoutWorkers returns an explicit worker count setting.
func FanoutWorkers(n int) FanoutWorkerSetting {
	return FanoutWorkerSetting{kind: fanoutWorkerExplicit, value: n}
}

// UnmarshalYAML supports integer, "auto", and "default" values for fanout workers.
func (s *FanoutWorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = FanoutWorkerSetting{}
		return nil
	}
	text := strings.TrimSpace(node.Value)
	switch strings.ToLower(text) {
	case "":
		*s = FanoutWorkerSetting{}
		return nil
	case "auto":
		*s = FanoutWorkerSetting{kind: fanoutWorkerAuto}
		return nil
	case "default":
		*s = FanoutWorkerSetting{kind: fanoutWorkerDefault}
		return nil
	}
	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("fanoutWorkers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("fanoutWorkers: numeric value must be > 0")
	}
	*s = FanoutWorkers(val)
	return nil
}

// Count returns the effective worker count.
func (s FanoutWorkerSetting) Count() int {
	switch s.kind {
	case fanoutWorkerExplicit:
		return s.value
	case fanoutWorkerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
	}
	return defaultFanoutWorkers
}

// ManagerConfig tunes the strategy manager reconcile loop.
type ManagerConfig struct {
	PollInterval time.Duration `yaml:"pollInterval"`
	SafetyTick   time.Duration `yaml:"safetyTick"`
}

// AgentConfig is the retry and timeout policy shared by every agent.
type AgentConfig struct {
	TimeoutHeartbeats int `yaml:"timeoutHeartbeats"`
	// MaxRetries is a pointer so an explicit zero disables retries.
	MaxRetries *int          `yaml:"maxRetries"`
	RetryDelay time.Duration `yaml:"retryDelay"`
}

// Retries returns the configured retry budget.
func (c AgentConfig) Retries() int {
	if c.MaxRetries == nil {
		return defaultMaxRetries
	}
	return *c.MaxRetries
}

// RegistryConfig sizes the action registry buffers.
type RegistryConfig struct {
	Capacity int `yaml:"capacity"`
}

// CollectorsConfig configures the event sources.
type CollectorsConfig struct {
	HeartbeatPeriod      time.Duration `yaml:"heartbeatPeriod"`
	ConfirmationInterval time.Duration `yaml:"confirmationInterval"`
	// ConfirmationRate caps status queries per second; zero disables the limit.
	ConfirmationRate float64 `yaml:"confirmationRate"`
	// WebsocketConfirmations switches from polling to signature subscriptions.
	WebsocketConfirmations bool `yaml:"websocketConfirmations"`
	TicksPerBar            int  `yaml:"ticksPerBar"`
	// IndicatorLengths are the window lengths of the indicators aggregator.
	IndicatorLengths []int `yaml:"indicatorLengths"`
}

// APIServerConfig configures the HTTP control surface.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// AppConfig is the unified engine configuration sourced from YAML.
type AppConfig struct {
	Environment Environment      `yaml:"environment"`
	Engine      EngineConfig     `yaml:"engine"`
	Manager     ManagerConfig    `yaml:"manager"`
	Agent       AgentConfig      `yaml:"agent"`
	Registry    RegistryConfig   `yaml:"registry"`
	Collectors  CollectorsConfig `yaml:"collectors"`
	Executor    ExecutorConfig   `yaml:"executor"`
	Ledger      LedgerConfig     `yaml:"ledger"`
	Database    DatabaseConfig   `yaml:"database"`
	Journal     JournalConfig    `yaml:"journal"`
	APIServer   APIServerConfig  `yaml:"apiServer"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Strategies  []BootStrategy   `yaml:"strategies"`
}

const (
	defaultEventCapacity     = 16384
	defaultExecutorWorkers   = 8
	defaultPollInterval      = 100 * time.Millisecond
	defaultSafetyTick        = 3 * time.Second
	defaultTimeoutHeartbeats = 200
	defaultMaxRetries        = 2
	defaultRetryDelay        = 100 * time.Millisecond
	defaultRegistryCapacity  = 1024
	defaultHeartbeatPeriod   = time.Second
	defaultConfirmationPoll  = 2 * time.Second
	defaultTicksPerBar       = 10
	defaultAPIAddr           = ":8880"
	defaultServiceName       = "tranche"
)

// Default returns the configuration used when no file is present: paper
// execution, in-memory persistence and no journal.
func Default() AppConfig {
	cfg := AppConfig{Environment: EnvDev}
	_ = cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(bytes)
}

// Parse decodes, normalises and validates YAML configuration bytes.
func Parse(data []byte) (AppConfig, error) {
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads configPath, falling back to Default when the file does
// not exist. The boolean reports whether the file was read.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	cfg, err := Load(ctx, configPath)
	if err == nil {
		return cfg, true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), false, nil
	}
	return AppConfig{}, false, err
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	if c.Engine.EventCapacity <= 0 {
		c.Engine.EventCapacity = defaultEventCapacity
	}
	if c.Engine.ActionCapacity <= 0 {
		c.Engine.ActionCapacity = defaultEventCapacity
	}
	if c.Engine.ExecutorWorkers <= 0 {
		c.Engine.ExecutorWorkers = defaultExecutorWorkers
	}
	if c.Engine.ExecutorQueue <= 0 {
		c.Engine.ExecutorQueue = c.Engine.ExecutorWorkers * 64
	}

	if c.Manager.PollInterval <= 0 {
		c.Manager.PollInterval = defaultPollInterval
	}
	if c.Manager.SafetyTick <= 0 {
		c.Manager.SafetyTick = defaultSafetyTick
	}

	if c.Agent.TimeoutHeartbeats <= 0 {
		c.Agent.TimeoutHeartbeats = defaultTimeoutHeartbeats
	}
	if c.Agent.MaxRetries == nil {
		retries := defaultMaxRetries
		c.Agent.MaxRetries = &retries
	}
	if c.Agent.RetryDelay <= 0 {
		c.Agent.RetryDelay = defaultRetryDelay
	}

	if c.Registry.Capacity <= 0 {
		c.Registry.Capacity = defaultRegistryCapacity
	}

	if c.Collectors.HeartbeatPeriod <= 0 {
		c.Collectors.HeartbeatPeriod = defaultHeartbeatPeriod
	}
	if c.Collectors.ConfirmationInterval <= 0 {
		c.Collectors.ConfirmationInterval = defaultConfirmationPoll
	}
	if c.Collectors.TicksPerBar <= 0 {
		c.Collectors.TicksPerBar = defaultTicksPerBar
	}
	if len(c.Collectors.IndicatorLengths) == 0 {
		c.Collectors.IndicatorLengths = []int{5, 10, 20}
	}

	c.Executor.applyDefaults()
	c.Ledger.applyDefaults()
	c.Database.applyDefaults()
	c.Journal.applyDefaults()

	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.Addr == "" {
		c.APIServer.Addr = defaultAPIAddr
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = defaultServiceName
	}

	for i := range c.Strategies {
		c.Strategies[i].normalize()
	}
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if c.Engine.EventCapacity <= 0 || c.Engine.ActionCapacity <= 0 {
		return fmt.Errorf("engine bus capacities must be >0")
	}
	if c.Engine.FanoutWorkers.Count() <= 0 {
		return fmt.Errorf("engine fanoutWorkers must be >0")
	}
	if c.Engine.ExecutorWorkers <= 0 {
		return fmt.Errorf("engine executorWorkers must be >0")
	}
	if c.Manager.SafetyTick < c.Manager.PollInterval {
		return fmt.Errorf("manager safetyTick must be >= pollInterval")
	}
	if c.Agent.Retries() < 0 {
		return fmt.Errorf("agent maxRetries must be >=0")
	}
	if c.Registry.Capacity <= 0 {
		return fmt.Errorf("registry capacity must be >0")
	}
	if c.Collectors.ConfirmationRate < 0 {
		return fmt.Errorf("collectors confirmationRate must be >=0")
	}

	if err := c.Executor.validate(); err != nil {
		return fmt.Errorf("executor: %w", err)
	}
	if err := c.Ledger.validate(c.Executor.Mode, c.Collectors.WebsocketConfirmations); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.Journal.validate(); err != nil {
		return fmt.Errorf("journal: %w", err)
	}

	if c.APIServer.Addr == "" {
		return fmt.Errorf("apiServer addr required")
	}
	if c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}

	for i, s := range c.Strategies {
		if err := s.validate(); err != nil {
			return fmt.Errorf("strategies[%d]: %w", i, err)
		}
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
