package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionMode selects the executor implementation.
type ExecutionMode string

const (
	// ModePaper settles every action in memory.
	ModePaper ExecutionMode = "paper"
	// ModeLedger submits signed transactions to the ledger.
	ModeLedger ExecutionMode = "ledger"
)

// PaperBalance seeds a wallet of the paper ledger.
type PaperBalance struct {
	Wallet string `yaml:"wallet"`
	// SOL is a decimal string so fractional amounts survive YAML decoding.
	SOL string `yaml:"sol"`
}

// Amount parses the seeded SOL amount.
func (b PaperBalance) Amount() (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(b.SOL))
	if err != nil {
		return decimal.Zero, fmt.Errorf("sol %q: %w", b.SOL, err)
	}
	if amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("sol must be >=0")
	}
	return amount, nil
}

// ExecutorConfig configures action submission.
type ExecutorConfig struct {
	Mode              ExecutionMode `yaml:"mode"`
	Simulate          bool          `yaml:"simulate"`
	SimulationRetries int           `yaml:"simulationRetries"`
	RatePerSecond     float64       `yaml:"ratePerSecond"`
	Burst             int           `yaml:"burst"`
	ActionExpiry      time.Duration `yaml:"actionExpiry"`
	// BuilderURL is the instruction service used in ledger mode.
	BuilderURL     string         `yaml:"builderUrl"`
	BuilderTimeout time.Duration  `yaml:"builderTimeout"`
	PaperBalances  []PaperBalance `yaml:"paperBalances"`
}

func (c *ExecutorConfig) applyDefaults() {
	c.Mode = ExecutionMode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	if c.Mode == "" {
		c.Mode = ModePaper
	}
	if c.SimulationRetries < 0 {
		c.SimulationRetries = 0
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.ActionExpiry <= 0 {
		c.ActionExpiry = 1000 * time.Second
	}
	if c.BuilderTimeout <= 0 {
		c.BuilderTimeout = 10 * time.Second
	}
	c.BuilderURL = strings.TrimSpace(c.BuilderURL)
}

func (c ExecutorConfig) validate() error {
	switch c.Mode {
	case ModePaper:
	case ModeLedger:
		if c.BuilderURL == "" {
			return fmt.Errorf("builderUrl required in ledger mode")
		}
		if err := validateURL(c.BuilderURL, "http", "https"); err != nil {
			return fmt.Errorf("builderUrl: %w", err)
		}
	default:
		return fmt.Errorf("mode must be one of paper, ledger")
	}
	if c.RatePerSecond < 0 {
		return fmt.Errorf("ratePerSecond must be >=0")
	}
	for i, b := range c.PaperBalances {
		if strings.TrimSpace(b.Wallet) == "" {
			return fmt.Errorf("paperBalances[%d]: wallet required", i)
		}
		if _, err := b.Amount(); err != nil {
			return fmt.Errorf("paperBalances[%d]: %w", i, err)
		}
	}
	return nil
}

// LedgerConfig locates the ledger RPC endpoints.
type LedgerConfig struct {
	RPCURL         string        `yaml:"rpcUrl"`
	WSURL          string        `yaml:"wsUrl"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	MaxRetries     int           `yaml:"maxRetries"`
}

func (c *LedgerConfig) applyDefaults() {
	c.RPCURL = strings.TrimSpace(c.RPCURL)
	c.WSURL = strings.TrimSpace(c.WSURL)
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
}

func (c LedgerConfig) validate(mode ExecutionMode, websocket bool) error {
	if mode != ModeLedger {
		return nil
	}
	if c.RPCURL == "" {
		return fmt.Errorf("rpcUrl required in ledger mode")
	}
	if err := validateURL(c.RPCURL, "http", "https"); err != nil {
		return fmt.Errorf("rpcUrl: %w", err)
	}
	if websocket {
		if c.WSURL == "" {
			return fmt.Errorf("wsUrl required for websocket confirmations")
		}
		if err := validateURL(c.WSURL, "ws", "wss"); err != nil {
			return fmt.Errorf("wsUrl: %w", err)
		}
	}
	return nil
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
// An empty DSN selects the in-memory strategy store.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

// Enabled reports whether a PostgreSQL store is configured.
func (c DatabaseConfig) Enabled() bool { return c.DSN != "" }

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if c.DSN != "" {
		if err := validateURL(c.DSN, "postgres", "postgresql"); err != nil {
			return fmt.Errorf("dsn: %w", err)
		}
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	return nil
}

// JournalConfig configures the ClickHouse event journal. An empty DSN disables it.
type JournalConfig struct {
	DSN           string        `yaml:"dsn"`
	BatchSize     int           `yaml:"batchSize"`
	FlushInterval time.Duration `yaml:"flushInterval"`
}

// Enabled reports whether the journal is configured.
func (c JournalConfig) Enabled() bool { return c.DSN != "" }

func (c *JournalConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
}

func (c JournalConfig) validate() error {
	if c.DSN == "" {
		return nil
	}
	return validateURL(c.DSN, "clickhouse", "tcp")
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			if u.Host == "" {
				return fmt.Errorf("host required")
			}
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
}
