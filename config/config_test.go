package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const testOracle = "0x3333333333333333333333333333333333333333"

func envMap(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "escrowd.toml", `ListenAddress = "127.0.0.1:9000"
OracleAddress = "`+testOracle+`"

[state]
Driver = "sqlite"
DSN = "file:escrow.db"

[journal]
Backend = "leveldb"
Path = "./journal"

[auth]
Secret = "0123456789abcdef0123"
ClockSkew = "1m"

[http]
ShutdownTimeout = "3s"
`)
	cfg, err := load(path, envMap(nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != "127.0.0.1:9000" {
		t.Fatalf("unexpected listen %s", cfg.ListenAddress)
	}
	if cfg.Oracle() != common.HexToAddress(testOracle) {
		t.Fatalf("unexpected oracle %s", cfg.Oracle().Hex())
	}
	if cfg.State.Driver != "sqlite" || cfg.Journal.Backend != "leveldb" {
		t.Fatalf("unexpected backends %+v %+v", cfg.State, cfg.Journal)
	}
	if cfg.Auth.ClockSkew.Duration != time.Minute {
		t.Fatalf("unexpected clock skew %s", cfg.Auth.ClockSkew)
	}
	if cfg.HTTP.ShutdownTimeout.Duration != 3*time.Second {
		t.Fatalf("unexpected shutdown timeout %s", cfg.HTTP.ShutdownTimeout)
	}
	if cfg.Service != "escrowd" || cfg.RateLimit.Burst != 10 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoadYAMLWithSecretFile(t *testing.T) {
	secretPath := writeFile(t, "secret", "  yaml-secret-value-0001\n")
	path := writeFile(t, "escrowd.yaml", `listen: ":7000"
oracle: "`+testOracle+`"
auth:
  secret_file: "`+secretPath+`"
rate_limit:
  rate_per_second: 2.5
  burst: 4
http:
  read_header_timeout: 2s
`)
	cfg, err := load(path, envMap(nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.Secret != "yaml-secret-value-0001" {
		t.Fatalf("secret not read from file: %q", cfg.Auth.Secret)
	}
	if cfg.RateLimit.RatePerSecond != 2.5 || cfg.RateLimit.Burst != 4 {
		t.Fatalf("unexpected rate limit %+v", cfg.RateLimit)
	}
	if cfg.HTTP.ReadHeaderTimeout.Duration != 2*time.Second {
		t.Fatalf("unexpected read header timeout %s", cfg.HTTP.ReadHeaderTimeout)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "escrowd.toml", `OracleAddres = "`+testOracle+`"`)
	if _, err := load(path, envMap(nil)); err == nil || !strings.Contains(err.Error(), "unknown key") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	cfg, err := load("", envMap(map[string]string{
		"ESCROWD_ORACLE":           testOracle,
		"ESCROWD_JWT_SECRET":       "env-secret-000000000",
		"ESCROWD_LISTEN":           ":9999",
		"ESCROWD_JOURNAL_BACKEND":  "bolt",
		"ESCROWD_JOURNAL_PATH":     "/tmp/journal.db",
		"ESCROWD_RATE_PER_SECOND":  "0.5",
		"ESCROWD_SHUTDOWN_TIMEOUT": "15s",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":9999" || cfg.Journal.Backend != "bolt" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.RateLimit.RatePerSecond != 0.5 {
		t.Fatalf("unexpected rate %f", cfg.RateLimit.RatePerSecond)
	}
	if cfg.HTTP.ShutdownTimeout.Duration != 15*time.Second {
		t.Fatalf("unexpected shutdown timeout %s", cfg.HTTP.ShutdownTimeout)
	}
}

func TestSecretEnvIndirection(t *testing.T) {
	path := writeFile(t, "escrowd.toml", `OracleAddress = "`+testOracle+`"
[auth]
SecretEnv = "MY_ESCROW_SECRET"
`)
	cfg, err := load(path, envMap(map[string]string{"MY_ESCROW_SECRET": "indirect-secret-0001"}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.Secret != "indirect-secret-0001" {
		t.Fatalf("unexpected secret %q", cfg.Auth.Secret)
	}
	if _, err := load(path, envMap(nil)); err == nil {
		t.Fatalf("expected empty secret_env to fail")
	}
}

func TestValidate(t *testing.T) {
	base := func() map[string]string {
		return map[string]string{
			"ESCROWD_ORACLE":     testOracle,
			"ESCROWD_JWT_SECRET": "validate-secret-0001",
		}
	}
	cases := []struct {
		name   string
		mutate func(map[string]string)
	}{
		{"missing oracle", func(m map[string]string) { delete(m, "ESCROWD_ORACLE") }},
		{"bad oracle", func(m map[string]string) { m["ESCROWD_ORACLE"] = "0x1234" }},
		{"zero oracle", func(m map[string]string) { m["ESCROWD_ORACLE"] = "0x0000000000000000000000000000000000000000" }},
		{"short secret", func(m map[string]string) { m["ESCROWD_JWT_SECRET"] = "short" }},
		{"unknown driver", func(m map[string]string) { m["ESCROWD_STATE_DRIVER"] = "mongo" }},
		{"sqlite without dsn", func(m map[string]string) { m["ESCROWD_STATE_DRIVER"] = "sqlite" }},
		{"leveldb without path", func(m map[string]string) { m["ESCROWD_JOURNAL_BACKEND"] = "leveldb" }},
		{"bad rate", func(m map[string]string) { m["ESCROWD_RATE_PER_SECOND"] = "fast" }},
		{"sample ratio above one", func(m map[string]string) { m["ESCROWD_OTLP_SAMPLE_RATIO"] = "1.5" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := base()
			tc.mutate(env)
			if _, err := load("", envMap(env)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
	if _, err := load("", envMap(base())); err != nil {
		t.Fatalf("base config should load: %v", err)
	}
}
