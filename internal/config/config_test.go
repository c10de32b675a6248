package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const (
	ownerHex  = "0x00000000000000000000000000000000000000f0"
	escrowHex = "0x00000000000000000000000000000000000000e5"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Market.Owner = ownerHex
	cfg.Market.Escrow = escrowHex
	return cfg
}

func TestDefaults_ValidOnceIdentitiesSet(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Market.ListingFee = "-1"
	cfg.Server.Port = 0
	cfg.Dev.GenesisBalances = map[string]string{"bob": "1ether"}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want error")
	}
	for _, want := range []string{
		`unknown mode "trade"`,
		"market: owner must be set",
		"market: escrow must be set",
		"market: listing_fee",
		"server: port must be 1-65535",
		`"bob" is not an address`,
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error missing %q:\n%v", want, err)
		}
	}
}

func TestValidate_Rules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"same owner and escrow", func(c *Config) { c.Market.Escrow = ownerHex }, "owner and escrow must differ"},
		{"zero owner", func(c *Config) { c.Market.Owner = "0x0000000000000000000000000000000000000000" }, "zero address"},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }, "unknown log_level"},
		{"export needs s3", func(c *Config) { c.Mode = "export"; c.Postgres.Enabled = true }, "s3: must be enabled"},
		{"postgres pool", func(c *Config) { c.Postgres.Enabled = true; c.Postgres.PoolMinConns = 20 }, "pool_min_conns must not exceed"},
		{"redis addr", func(c *Config) { c.Redis.Enabled = true; c.Redis.Addr = "" }, "redis: addr"},
		{"lock wait", func(c *Config) { c.Market.LockWait = duration{} }, "market: lock_wait"},
		{"bad genesis amount", func(c *Config) { c.Dev.GenesisBalances = map[string]string{ownerHex: "lots"} }, "genesis_balances["},
		{"rate window", func(c *Config) { c.Server.RateWindow = duration{} }, "rate_window must be > 0"},
		{"archive cron", func(c *Config) { c.S3.Enabled = true; c.S3.ArchiveCron = "every night" }, "s3: archive_cron"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
mode = "server"

[market]
owner = "` + ownerHex + `"
escrow = "` + escrowHex + `"
listing_fee = "10gwei"
lock_ttl = "5s"

[server]
port = 9000
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("NFTMARKET_SERVER_PORT", "9100")
	t.Setenv("NFTMARKET_SERVER_CORS_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("NFTMARKET_REDIS_CACHE_TTL", "1m")
	t.Setenv("NFTMARKET_REDIS_STREAM_MAX_LEN", "not-a-number")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Market.ListingFee != "10gwei" {
		t.Errorf("ListingFee = %q, want 10gwei", cfg.Market.ListingFee)
	}
	if cfg.Market.LockTimeout() != 5*time.Second {
		t.Errorf("LockTimeout = %v, want 5s", cfg.Market.LockTimeout())
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("Port = %d, want env override 9100", cfg.Server.Port)
	}
	if got := cfg.Server.CORSOrigins; len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Errorf("CORSOrigins = %v", got)
	}
	if cfg.Redis.CacheExpiry() != time.Minute {
		t.Errorf("CacheExpiry = %v, want 1m", cfg.Redis.CacheExpiry())
	}
	if cfg.Redis.StreamMaxLen != 10_000 {
		t.Errorf("StreamMaxLen = %d, want default kept on bad env value", cfg.Redis.StreamMaxLen)
	}
	if cfg.Postgres.Database != "nftmarket" {
		t.Errorf("Database = %q, want default", cfg.Postgres.Database)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "hunter2"
	cfg.S3.SecretKey = "s3cret"
	cfg.Notify.DiscordWebhookURL = "https://discord.example/hook"
	cfg.Dev.GenesisBalances[ownerHex] = "1ether"

	out := RedactedConfig(&cfg)
	if out.Postgres.Password != redacted || out.S3.SecretKey != redacted || out.Notify.DiscordWebhookURL != redacted {
		t.Errorf("secrets not redacted: %+v", out)
	}
	if out.S3.AccessKey != "" {
		t.Errorf("empty AccessKey became %q", out.S3.AccessKey)
	}
	if cfg.Postgres.Password != "hunter2" {
		t.Error("original config mutated")
	}

	cfg.Postgres.DSN = "postgres://app:pw@db:5432/nftmarket?sslmode=disable"
	if got := RedactedConfig(&cfg).Postgres.DSN; strings.Contains(got, "pw") || !strings.Contains(got, "app:") || !strings.Contains(got, "@db:5432/nftmarket") {
		t.Errorf("redacted DSN = %q, want host kept and password masked", got)
	}
	cfg.Redis.URL = "redis://:cachepw@cache:6379/1"
	if got := RedactedConfig(&cfg).Redis.URL; strings.Contains(got, "cachepw") || !strings.Contains(got, "@cache:6379/1") {
		t.Errorf("redacted redis URL = %q", got)
	}

	out.Dev.GenesisBalances[ownerHex] = "0"
	out.Server.CORSOrigins[0] = "changed"
	if cfg.Dev.GenesisBalances[ownerHex] != "1ether" || cfg.Server.CORSOrigins[0] == "changed" {
		t.Error("redacted copy shares maps or slices with the original")
	}
}
