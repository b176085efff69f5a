package cfg

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/maxpert/shedder/policy"
	"github.com/maxpert/shedder/shedder"
)

func TestValidate_DefaultConfig(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	if err := Validate(); err != nil {
		t.Errorf("Expected defaults to validate, got: %v", err)
	}
}

func TestValidate_InvalidFields(t *testing.T) {
	tests := []struct {
		name          string
		mutate        func(c *Configuration)
		errorContains string
	}{
		{"fraction zero", func(c *Configuration) { c.Balancer.RebalanceFraction = 0 }, "rebalance fraction"},
		{"fraction above one", func(c *Configuration) { c.Balancer.RebalanceFraction = 1.5 }, "rebalance fraction"},
		{"fraction negative", func(c *Configuration) { c.Balancer.RebalanceFraction = -0.1 }, "rebalance fraction"},
		{"batch size zero", func(c *Configuration) { c.Balancer.BatchSize = 0 }, "batch size"},
		{"negative threshold", func(c *Configuration) { c.Balancer.MinimumThreshold = -1 }, "minimum threshold"},
		{"negative floor", func(c *Configuration) { c.Balancer.RecoveryFloor = -1 }, "recovery floor"},
		{"floor above threshold", func(c *Configuration) { c.Balancer.RecoveryFloor = 6000 }, "must not exceed"},
		{"zero growth interval", func(c *Configuration) { c.Balancer.GrowthPollIntervalMS = 0 }, "growth poll interval"},
		{"zero overload interval", func(c *Configuration) { c.Balancer.OverloadPollIntervalMS = 0 }, "poll interval"},
		{"zero startup interval", func(c *Configuration) { c.Balancer.StartupRetryIntervalMS = 0 }, "startup retry interval"},
		{"unknown strategy", func(c *Configuration) { c.Balancer.Strategy = "random" }, "strategy"},
		{"unknown precedence", func(c *Configuration) { c.Eligibility.Precedence = "newest" }, "precedence"},
		{"bad glob", func(c *Configuration) { c.Eligibility.Protected = []string{"shedder.["} }, "invalid type pattern"},
		{"bad override priority", func(c *Configuration) { c.Eligibility.Overrides = map[string]string{"game.Room": "urgent"} }, "game.Room"},
		{"zero inbox", func(c *Configuration) { c.Transport.InboxSize = 0 }, "inbox size"},
		{"admin port", func(c *Configuration) { c.Admin.Port = 70000 }, "admin port"},
		{"log format", func(c *Configuration) { c.Logging.Format = "xml" }, "log format"},
		{"host type empty name", func(c *Configuration) {
			c.Host.Types = []HostTypeConfiguration{{Name: ""}}
		}, "empty name"},
		{"host type twice", func(c *Configuration) {
			c.Host.Types = []HostTypeConfiguration{{Name: "game.Room"}, {Name: "game.Room"}}
		}, "declared twice"},
		{"host type bad priority", func(c *Configuration) {
			c.Host.Types = []HostTypeConfiguration{{Name: "game.Room", Sheddable: true, Priority: "soon"}}
		}, "game.Room"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := Config
			defer func() { Config = original }()

			Config = Default()
			tt.mutate(Config)

			err := Validate()
			if err == nil {
				t.Fatalf("Expected error")
			}
			if !strings.Contains(err.Error(), tt.errorContains) {
				t.Errorf("Expected error to contain %q, got: %v", tt.errorContains, err)
			}
		})
	}
}

func TestValidate_AdminDisabledIgnoresPort(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	Config.Admin.Enabled = false
	Config.Admin.Port = 0

	if err := Validate(); err != nil {
		t.Errorf("Expected no error with admin disabled, got: %v", err)
	}
}

func TestLoad_NonExistentFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	*NodeAddressFlag = "10.0.0.1:11111"
	defer func() { *NodeAddressFlag = "" }()

	Config = Default()

	err := Load("non-existent-file.toml")
	if err != nil {
		t.Errorf("Expected no error for non-existent file, got: %v", err)
	}

	if Config.Balancer.MinimumThreshold != 5000 {
		t.Errorf("Expected default threshold, got %d", Config.Balancer.MinimumThreshold)
	}
}

func TestLoad_FromFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
node_address = "10.0.0.2:11111"

[balancer]
minimum_threshold = 200
recovery_floor = 150
rebalance_fraction = 0.5
batch_size = 10
strategy = "intercept"

[eligibility]
precedence = "config"
protected = ["shedder.*", "system.*"]

[eligibility.overrides]
"game.Room" = "low"
"chat.Channel" = "4"

[transport]
nats_url = "nats://127.0.0.1:4222"

[[host.types]]
name = "game.Room"
sheddable = true
priority = "high"

[[host.types]]
name = "game.Lobby"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	Config = Default()
	if err := Load(path); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := Validate(); err != nil {
		t.Fatalf("Expected loaded config to validate, got: %v", err)
	}

	if Config.NodeAddress != "10.0.0.2:11111" {
		t.Errorf("Expected node address from file, got %s", Config.NodeAddress)
	}
	if Config.Balancer.MinimumThreshold != 200 || Config.Balancer.RecoveryFloor != 150 {
		t.Errorf("Unexpected thresholds: %+v", Config.Balancer)
	}
	// Values absent from the file keep their defaults
	if Config.Balancer.BatchDelayMS != 1000 {
		t.Errorf("Expected default batch delay, got %d", Config.Balancer.BatchDelayMS)
	}
	if len(Config.Host.Types) != 2 || !Config.Host.Types[0].Sheddable || Config.Host.Types[1].Sheddable {
		t.Errorf("Unexpected host types: %+v", Config.Host.Types)
	}

	opts, err := ShedderOptions()
	if err != nil {
		t.Fatal(err)
	}
	if opts.Strategy != shedder.StrategyIntercept || opts.BatchSize != 10 {
		t.Errorf("Unexpected shedder options: %+v", opts)
	}

	build, err := PolicyOptions(nil)
	if err != nil {
		t.Fatal(err)
	}
	if build.Precedence != policy.ConfigFirst {
		t.Errorf("Expected config precedence, got %v", build.Precedence)
	}
	if build.Overrides["game.Room"] != policy.PriorityLow || build.Overrides["chat.Channel"] != policy.PriorityHighest {
		t.Errorf("Unexpected overrides: %v", build.Overrides)
	}
	if !build.Protected.Match("system.Reminder") {
		t.Error("Expected system.* to be protected")
	}
}

func TestLoad_InvalidFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[balancer\nbatch_size = "), 0644); err != nil {
		t.Fatal(err)
	}

	Config = Default()
	if err := Load(path); err == nil {
		t.Error("Expected decode error")
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	*NodeAddressFlag = "10.0.0.3:11111"
	*AdminPortFlag = 9999
	*NatsURLFlag = "nats://broker:4222"

	defer func() {
		*NodeAddressFlag = ""
		*AdminPortFlag = 0
		*NatsURLFlag = ""
	}()

	Config = Default()
	Config.NodeAddress = "from-file"

	err := Load("")
	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if Config.NodeAddress != "10.0.0.3:11111" {
		t.Errorf("Expected node address override, got %s", Config.NodeAddress)
	}
	if Config.Admin.Port != 9999 {
		t.Errorf("Expected admin port 9999, got %d", Config.Admin.Port)
	}
	if Config.Transport.NatsURL != "nats://broker:4222" {
		t.Errorf("Expected NATS URL override, got %s", Config.Transport.NatsURL)
	}
}

func TestGenerateNodeAddress(t *testing.T) {
	a1, err := generateNodeAddress(8090)
	if err != nil {
		t.Skipf("machine id unavailable: %v", err)
	}

	if !strings.HasPrefix(a1, "node-") || !strings.HasSuffix(a1, ":8090") {
		t.Errorf("Unexpected generated address %s", a1)
	}

	// Same machine, same address
	a2, err := generateNodeAddress(8090)
	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if a1 != a2 {
		t.Error("Node address should be deterministic for same machine")
	}

	a3, _ := generateNodeAddress(8091)
	if a1 == a3 {
		t.Error("Different ports should produce different addresses")
	}
}

func TestOptionsConversion(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()

	opts, err := ShedderOptions()
	if err != nil {
		t.Fatal(err)
	}
	if opts != shedder.DefaultOptions() {
		t.Errorf("Expected stock shedder options, got %+v", opts)
	}

	co := CoordinatorOptions()
	if co.RebalanceFraction != 0.33 || co.PollInterval != 10*time.Second {
		t.Errorf("Unexpected coordinator options %+v", co)
	}

	if StartupRetryInterval() != 2*time.Minute {
		t.Errorf("Expected 2m startup retry, got %v", StartupRetryInterval())
	}
}

func TestPolicyOptions_DeclaredPassThrough(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	Config.Eligibility.Overrides = map[string]string{"game.Room": "0"}

	declared := []policy.Declaration{
		{Type: "game.Room", Sheddable: true, Priority: policy.PriorityHigh, HasPriority: true},
		{Type: "shedder.Coordinator", Sheddable: true},
	}
	build, err := PolicyOptions(declared)
	if err != nil {
		t.Fatal(err)
	}

	table := policy.Build(build)
	p, ok := table.Priority("game.Room")
	if !ok || p != policy.PriorityHigh {
		t.Errorf("Expected declared priority to win by default, got %v %v", p, ok)
	}
	if table.Contains("shedder.Coordinator") {
		t.Error("Expected protected type to be excluded")
	}
}

func BenchmarkValidate(b *testing.B) {
	original := Config
	defer func() { Config = original }()

	Config = Default()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Validate()
	}
}
