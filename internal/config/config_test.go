package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"prepline/internal/config"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := config.Default("station-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Station.ID != "station-1" {
		t.Fatalf("station id = %s", cfg.Station.ID)
	}
	if cfg.Stability.WindowMs != 1000 || cfg.Stability.MinCount != 5 {
		t.Fatalf("stability = %+v", cfg.Stability)
	}
	if cfg.Weighing.TolerancePct != 0.5 || cfg.Weighing.ToleranceMinAbsG != 0.010 {
		t.Fatalf("weighing = %+v", cfg.Weighing)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	got := cfg.Backoff()
	if len(got) != len(want) {
		t.Fatalf("backoff = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("backoff[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	raw := config.GenerateDefault("bench-3")
	cfg, err := config.FromYAML([]byte(raw))
	if err != nil {
		t.Fatalf("generated yaml does not parse: %v", err)
	}
	if cfg.Station.ID != "bench-3" {
		t.Fatalf("station id = %s", cfg.Station.ID)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"missing station id", func(c *config.Config) { c.Station.ID = "" }, "station.id"},
		{"wrong kind", func(c *config.Config) { c.Station.Kind = "oven" }, "station.kind"},
		{"zero window", func(c *config.Config) { c.Stability.WindowMs = 0 }, "window_ms"},
		{"zero min count", func(c *config.Config) { c.Stability.MinCount = 0 }, "min_count"},
		{"negative epsilon", func(c *config.Config) { c.Stability.EpsilonG = -1 }, "epsilon_g"},
		{"zero zero-epsilon", func(c *config.Config) { c.Weighing.ZeroEpsilonG = 0 }, "zero_epsilon_g"},
		{"bad backoff step", func(c *config.Config) { c.Scale.BackoffMs = []int{1000, 0} }, "backoff_ms"},
		{"webhook without url", func(c *config.Config) {
			c.Inventory.Webhooks = []config.WebhookConfig{{Secret: "s"}}
		}, "webhooks"},
	}
	for _, c := range cases {
		cfg := config.Default("station-1")
		c.mutate(cfg)
		err := cfg.Validate()
		if err == nil {
			t.Fatalf("%s: expected error", c.name)
		}
		if !strings.Contains(err.Error(), c.want) {
			t.Fatalf("%s: error %q does not mention %s", c.name, err, c.want)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg != nil {
		t.Fatal("missing file should yield nil config")
	}

	if err := os.WriteFile(filepath.Join(dir, "prepline.yml"), []byte(config.GenerateDefault("station-7")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = config.LoadOptional(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg == nil || cfg.Station.ID != "station-7" {
		t.Fatalf("cfg = %+v", cfg)
	}

	if err := os.WriteFile(filepath.Join(dir, "prepline.yml"), []byte("station: [broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.LoadOptional(dir); err == nil {
		t.Fatal("broken yaml must error")
	}
}
