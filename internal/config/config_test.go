package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	path := writeFile(t, "nexus.yaml", `
server:
  address: ":9090"
web3:
  chain_config: chains.yaml
policy:
  per_transaction: 0.5
  per_hour: 2
  per_day: 20
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("unexpected address %q", cfg.Server.Address)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("expected memory driver, got %q", cfg.Storage.Driver)
	}
	if cfg.Policy.PerTransaction != 0.5 || cfg.Policy.PerDay != 20 {
		t.Fatalf("policy not loaded: %+v", cfg.Policy)
	}
	if want := filepath.Join(filepath.Dir(path), "chains.yaml"); cfg.Web3.ChainConfig != want {
		t.Fatalf("chain config not resolved: got %q want %q", cfg.Web3.ChainConfig, want)
	}
	if cfg.Agent.CheckIntervalMS != 5000 || cfg.Agent.KeyEnv != "NEXUS_AGENT_KEY" || cfg.Agent.Strategy != "idle" {
		t.Fatalf("unexpected agent interval %d", cfg.Agent.CheckIntervalMS)
	}
	if cfg.Server.APITokenEnv != "NEXUS_API_TOKEN" || cfg.Server.RateLimit != 0 {
		t.Fatalf("unexpected server defaults %+v", cfg.Server)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "nexus.json", `{"storage":{"driver":"MySQL","dsn":"root@tcp(localhost)/nexus"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Driver != "mysql" {
		t.Fatalf("driver should be normalised, got %q", cfg.Storage.Driver)
	}
	if cfg.Policy.PerTransaction != 0.1 || cfg.Policy.PerHour != 1 || cfg.Policy.PerDay != 10 {
		t.Fatalf("default policy not applied: %+v", cfg.Policy)
	}
}

func TestLoadKeepsExplicitZeroPolicy(t *testing.T) {
	path := writeFile(t, "nexus.yaml", `
policy:
  per_transaction: 0
  per_hour: 0
  per_day: 0
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Policy == nil || cfg.Policy.PerTransaction != 0 || cfg.Policy.PerHour != 0 || cfg.Policy.PerDay != 0 {
		t.Fatalf("explicit zero policy replaced: %+v", cfg.Policy)
	}
}

func TestLoadValidatesAgentStrategy(t *testing.T) {
	path := writeFile(t, "nexus.yaml", "agent:\n  strategy: Sweep\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("sweep without treasury should be rejected")
	}

	path = writeFile(t, "nexus.yaml", "agent:\n  strategy: sweep\n  treasury: \"0xtreasury\"\n  sweep_keep: 0.5\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.Strategy != "sweep" || cfg.Agent.SweepKeep != 0.5 {
		t.Fatalf("unexpected agent config %+v", cfg.Agent)
	}

	path = writeFile(t, "nexus.yaml", "agent:\n  strategy: martingale\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("unknown strategy should be rejected")
	}
}

func TestLoadRejectsMySQLWithoutDSN(t *testing.T) {
	path := writeFile(t, "nexus.json", `{"storage":{"driver":"mysql"}}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	path := writeFile(t, "nexus.yml", "redis:\n  addr: localhost:6379\n")
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Redis.Addr != "localhost:6379" || cfg.Redis.Prefix != "nexus" {
		t.Fatalf("unexpected redis config: %+v", cfg.Redis)
	}
}

func TestLoadWithoutPathReturnsDefaults(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Address != ":8080" || cfg.Observability.MetricsPath != "/metrics" {
		t.Fatalf("defaults missing: %+v", cfg)
	}
}
