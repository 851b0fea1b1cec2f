package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := Load("missing.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Liveness.TTL != 3*time.Minute {
		t.Errorf("TTL = %v, want 3m", cfg.Liveness.TTL)
	}
	if cfg.Liveness.SweepInterval != time.Minute {
		t.Errorf("SweepInterval = %v, want 1m", cfg.Liveness.SweepInterval)
	}
	if cfg.Liveness.SweepBatch != 100 {
		t.Errorf("SweepBatch = %d, want 100", cfg.Liveness.SweepBatch)
	}
	if cfg.Storage.Driver != DriverBolt {
		t.Errorf("Driver = %q, want bolt", cfg.Storage.Driver)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
storage:
  driver: sqlite
  path: ./data/liveness.db
liveness:
  ttl: 5m
  sweep_batch: 25
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LIVENESS_LIVENESS_SWEEP_INTERVAL", "15s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Driver != DriverSQLite || cfg.Liveness.TTL != 5*time.Minute || cfg.Liveness.SweepBatch != 25 {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Liveness.SweepInterval != 15*time.Second {
		t.Errorf("SweepInterval = %v, want env override 15s", cfg.Liveness.SweepInterval)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		var c Config
		c.Storage.Driver = DriverBolt
		c.Storage.Path = "x.db"
		c.Liveness.TTL = time.Minute
		c.Liveness.SweepInterval = time.Second
		c.Liveness.SweepBatch = 10
		c.Notify.TimeZone = "UTC"
		return &c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"zero ttl", func(c *Config) { c.Liveness.TTL = 0 }, true},
		{"zero interval", func(c *Config) { c.Liveness.SweepInterval = 0 }, true},
		{"zero batch", func(c *Config) { c.Liveness.SweepBatch = 0 }, true},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "redis" }, true},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = DriverPostgres }, true},
		{"bad quiet hour", func(c *Config) { c.Notify.QuietStart = 24 }, true},
		{"bad time zone", func(c *Config) { c.Notify.TimeZone = "Mars/Olympus" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			if err := c.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which requires Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}
