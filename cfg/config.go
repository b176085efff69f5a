package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/maxpert/shedder/coordinator"
	"github.com/maxpert/shedder/policy"
	"github.com/maxpert/shedder/shedder"
	"github.com/rs/zerolog/log"
)

// BalancerConfiguration controls when and how much a node sheds
type BalancerConfiguration struct {
	MinimumThreshold       int     `toml:"minimum_threshold"`
	RecoveryFloor          int     `toml:"recovery_floor"`
	RebalanceFraction      float64 `toml:"rebalance_fraction"`
	BatchSize              int     `toml:"batch_size"`
	BatchDelayMS           int     `toml:"batch_delay_ms"`
	GrowthPollIntervalMS   int     `toml:"growth_poll_interval_ms"`
	OverloadPollIntervalMS int     `toml:"overload_poll_interval_ms"`
	StartupRetryIntervalMS int     `toml:"startup_retry_interval_ms"`
	Strategy               string  `toml:"strategy"` // "poll" or "intercept"
	EvictionCooldownMS     int     `toml:"eviction_cooldown_ms"`
}

// EligibilityConfiguration feeds the eligibility policy build step
type EligibilityConfiguration struct {
	// Overrides maps a type name to a priority name or integer
	Overrides  map[string]string `toml:"overrides"`
	Precedence string            `toml:"precedence"` // "declared" or "config"
	Protected  []string          `toml:"protected"`
}

// MembershipConfiguration controls heartbeats and failure detection
type MembershipConfiguration struct {
	HeartbeatIntervalMS int `toml:"heartbeat_interval_ms"`
	SuspectTimeoutMS    int `toml:"suspect_timeout_ms"`
	DeadTimeoutMS       int `toml:"dead_timeout_ms"`
}

// TransportConfiguration selects the message bus. An empty NATS URL keeps
// every message in process.
type TransportConfiguration struct {
	NatsURL       string `toml:"nats_url"`
	SubjectPrefix string `toml:"subject_prefix"`
	InboxSize     int    `toml:"inbox_size"`
}

// AdminConfiguration for the operator HTTP API
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	// Secret is required in the X-Shedder-Secret header when set
	Secret string `toml:"secret"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics served on the admin port
type PrometheusConfiguration struct {
	Enabled           bool `toml:"enabled"`
	CollectIntervalMS int  `toml:"collect_interval_ms"`
}

// HostTypeConfiguration declares one workload type on the reference host
type HostTypeConfiguration struct {
	Name      string `toml:"name"`
	Sheddable bool   `toml:"sheddable"`
	Priority  string `toml:"priority"`
}

// HostConfiguration lists the workload types loaded on this node
type HostConfiguration struct {
	Types []HostTypeConfiguration `toml:"types"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeAddress string `toml:"node_address"`

	Balancer    BalancerConfiguration    `toml:"balancer"`
	Eligibility EligibilityConfiguration `toml:"eligibility"`
	Membership  MembershipConfiguration  `toml:"membership"`
	Transport   TransportConfiguration   `toml:"transport"`
	Admin       AdminConfiguration       `toml:"admin"`
	Logging     LoggingConfiguration     `toml:"logging"`
	Prometheus  PrometheusConfiguration  `toml:"prometheus"`
	Host        HostConfiguration        `toml:"host"`
}

// Command line flags
var (
	ConfigPathFlag  = flag.String("config", "config.toml", "Path to configuration file")
	NodeAddressFlag = flag.String("node-address", "", "Node address (overrides config, empty=auto)")
	AdminPortFlag   = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
	NatsURLFlag     = flag.String("nats-url", "", "NATS URL (overrides config)")
)

// Default returns the stock configuration
func Default() *Configuration {
	return &Configuration{
		Balancer: BalancerConfiguration{
			MinimumThreshold:       5000,
			RecoveryFloor:          4750,
			RebalanceFraction:      0.33,
			BatchSize:              100,
			BatchDelayMS:           1000,
			GrowthPollIntervalMS:   10000,
			OverloadPollIntervalMS: 10000,
			StartupRetryIntervalMS: 120000, // 2 minutes
			Strategy:               "poll",
			EvictionCooldownMS:     30000,
		},

		Eligibility: EligibilityConfiguration{
			Overrides:  map[string]string{},
			Precedence: "declared",
			Protected:  []string{"shedder.*"},
		},

		Membership: MembershipConfiguration{
			HeartbeatIntervalMS: 1000,
			SuspectTimeoutMS:    5000,
			DeadTimeoutMS:       10000,
		},

		Transport: TransportConfiguration{
			SubjectPrefix: "shedder",
			InboxSize:     64,
		},

		Admin: AdminConfiguration{
			Enabled:     true,
			BindAddress: "0.0.0.0",
			Port:        8090,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled:           true,
			CollectIntervalMS: 5000,
		},
	}
}

// Config is the process-wide configuration
var Config = Default()

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *NodeAddressFlag != "" {
		Config.NodeAddress = *NodeAddressFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}
	if *NatsURLFlag != "" {
		Config.Transport.NatsURL = *NatsURLFlag
	}

	// Auto-generate node address if not set
	if Config.NodeAddress == "" {
		var err error
		Config.NodeAddress, err = generateNodeAddress(Config.Admin.Port)
		if err != nil {
			return fmt.Errorf("failed to generate node address: %w", err)
		}
		log.Info().Str("node_address", Config.NodeAddress).Msg("Auto-generated node address")
	}

	return nil
}

// generateNodeAddress derives a stable address from the machine ID. The admin
// port keeps several processes on one machine apart.
func generateNodeAddress(port int) (string, error) {
	id, err := machineid.ProtectedID("shedder")
	if err != nil {
		return "", err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return fmt.Sprintf("node-%016x:%d", h.Sum64(), port), nil
}

// Validate checks configuration for errors
func Validate() error {
	b := Config.Balancer

	if _, err := ShedderOptions(); err != nil {
		return err
	}
	if err := CoordinatorOptions().Validate(); err != nil {
		return err
	}
	if b.StartupRetryIntervalMS < 1 {
		return fmt.Errorf("startup retry interval must be >= 1ms")
	}

	if _, err := policy.ParsePrecedence(Config.Eligibility.Precedence); err != nil {
		return err
	}
	if _, err := policy.NewGlobSet(Config.Eligibility.Protected); err != nil {
		return err
	}
	for name, p := range Config.Eligibility.Overrides {
		if name == "" {
			return fmt.Errorf("eligibility override with empty type name")
		}
		if _, err := policy.ParsePriority(p); err != nil {
			return fmt.Errorf("eligibility override %s: %w", name, err)
		}
	}

	m := Config.Membership
	if m.HeartbeatIntervalMS < 1 {
		return fmt.Errorf("heartbeat interval must be >= 1ms")
	}
	if m.SuspectTimeoutMS <= m.HeartbeatIntervalMS {
		return fmt.Errorf("suspect timeout (%dms) must exceed heartbeat interval (%dms)", m.SuspectTimeoutMS, m.HeartbeatIntervalMS)
	}
	if m.DeadTimeoutMS <= m.SuspectTimeoutMS {
		return fmt.Errorf("dead timeout (%dms) must exceed suspect timeout (%dms)", m.DeadTimeoutMS, m.SuspectTimeoutMS)
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s", Config.Logging.Format)
	}

	if Config.Prometheus.Enabled && Config.Prometheus.CollectIntervalMS < 1 {
		return fmt.Errorf("metrics collect interval must be >= 1ms")
	}

	seen := make(map[string]bool, len(Config.Host.Types))
	for _, t := range Config.Host.Types {
		if t.Name == "" {
			return fmt.Errorf("host type with empty name")
		}
		if seen[t.Name] {
			return fmt.Errorf("host type %s declared twice", t.Name)
		}
		seen[t.Name] = true
		if _, err := policy.ParsePriority(t.Priority); err != nil {
			return fmt.Errorf("host type %s: %w", t.Name, err)
		}
	}

	return nil
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// ShedderOptions builds the local shedder tuning
func ShedderOptions() (shedder.Options, error) {
	b := Config.Balancer

	strategy, err := shedder.ParseStrategy(b.Strategy)
	if err != nil {
		return shedder.Options{}, err
	}

	opts := shedder.Options{
		MinimumThreshold: b.MinimumThreshold,
		RecoveryFloor:    b.RecoveryFloor,
		BatchSize:        b.BatchSize,
		BatchDelay:       millis(b.BatchDelayMS),
		PollInterval:     millis(b.OverloadPollIntervalMS),
		Strategy:         strategy,
		EvictionCooldown: millis(b.EvictionCooldownMS),
		InboxSize:        Config.Transport.InboxSize,
	}
	if err := opts.Validate(); err != nil {
		return shedder.Options{}, err
	}
	return opts, nil
}

// CoordinatorOptions builds the coordinator tuning
func CoordinatorOptions() coordinator.Options {
	return coordinator.Options{
		RebalanceFraction: Config.Balancer.RebalanceFraction,
		PollInterval:      millis(Config.Balancer.GrowthPollIntervalMS),
	}
}

// StartupRetryInterval is the period of the startup retry task
func StartupRetryInterval() time.Duration {
	return millis(Config.Balancer.StartupRetryIntervalMS)
}

// PolicyOptions builds the eligibility policy inputs. Declared types come
// from the host.
func PolicyOptions(declared []policy.Declaration) (policy.BuildOptions, error) {
	precedence, err := policy.ParsePrecedence(Config.Eligibility.Precedence)
	if err != nil {
		return policy.BuildOptions{}, err
	}

	protected, err := policy.NewGlobSet(Config.Eligibility.Protected)
	if err != nil {
		return policy.BuildOptions{}, err
	}

	overrides := make(map[string]policy.Priority, len(Config.Eligibility.Overrides))
	for name, s := range Config.Eligibility.Overrides {
		p, err := policy.ParsePriority(s)
		if err != nil {
			return policy.BuildOptions{}, fmt.Errorf("eligibility override %s: %w", name, err)
		}
		overrides[name] = p
	}

	return policy.BuildOptions{
		Declared:   declared,
		Overrides:  overrides,
		Precedence: precedence,
		Protected:  protected,
	}, nil
}
