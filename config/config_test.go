package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestDurabilityScalarForms(t *testing.T) {
	cases := []struct {
		in   string
		want DurabilityMode
	}{
		{"durability: fsync_always", FsyncAlways},
		{"durability: os_buffered", OSBuffered},
		{"durability: fsync_batch", FsyncBatch},
		{"durability: FSYNC_ALWAYS", FsyncAlways},
	}
	for _, tc := range cases {
		var cfg Config
		if err := yaml.Unmarshal([]byte(tc.in), &cfg); err != nil {
			t.Fatalf("unmarshal %q: %v", tc.in, err)
		}
		if cfg.Durability.Mode != tc.want {
			t.Fatalf("%q: mode %q, want %q", tc.in, cfg.Durability.Mode, tc.want)
		}
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte("durability: paranoid"), &cfg); err == nil {
		t.Fatal("unknown mode must be rejected")
	}
}

func TestDurabilityMappingForm(t *testing.T) {
	in := "durability:\n  mode: fsync_batch\n  maxEvents: 64\n  maxMillis: 20\n"
	var cfg Config
	if err := yaml.Unmarshal([]byte(in), &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cfg.Durability.MaxEvents != 64 || cfg.Durability.MaxMillis != 20 {
		t.Fatalf("batch bounds %+v", cfg.Durability)
	}
	if cfg.Durability.BatchInterval() != 20*time.Millisecond {
		t.Fatalf("batch interval %v", cfg.Durability.BatchInterval())
	}
}

func TestDurabilityYAMLRoundTrip(t *testing.T) {
	for _, d := range []Durability{
		{Mode: FsyncAlways},
		{Mode: FsyncBatch, MaxEvents: 10, MaxMillis: 3},
		{Mode: OSBuffered},
	} {
		cfg := Default()
		cfg.Durability = d
		raw, err := yaml.Marshal(cfg)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var back Config
		if err := yaml.Unmarshal(raw, &back); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if back.Durability.Mode != d.Mode {
			t.Fatalf("round trip mode %q, want %q", back.Durability.Mode, d.Mode)
		}
		if d.Mode == FsyncBatch && (back.Durability.MaxEvents != 10 || back.Durability.MaxMillis != 3) {
			t.Fatalf("round trip batch bounds %+v", back.Durability)
		}
	}
}

func TestValidateBounds(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.DataDir = " " },
		func(c *Config) { c.MaxSegmentBytes = MiB - 1 },
		func(c *Config) { c.TimestampIndexStride = 0 },
		func(c *Config) { c.ChannelCapacity = 0 },
		func(c *Config) { c.SubscriberBuffer = 0 },
		func(c *Config) { c.MaxPayloadBytes = 0 },
		func(c *Config) { c.MaxTopicNameBytes = 256 },
		func(c *Config) { c.Durability = Durability{Mode: "nope"} },
		func(c *Config) { c.Durability = Durability{Mode: FsyncBatch} },
	}
	for i, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("case %d: expected validation failure", i)
		}
	}
}

func TestLoadOrDefault(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.yaml")
	cfg, fromFile, err := LoadOrDefault(missing)
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if fromFile {
		t.Fatal("missing file must fall back to defaults")
	}
	if cfg.Bus.MaxSegmentBytes != 256*MiB {
		t.Fatalf("default segment size %d", cfg.Bus.MaxSegmentBytes)
	}

	path := filepath.Join(t.TempDir(), "app.yaml")
	body := "environment: dev\nbus:\n  dataDir: /tmp/bus-data\n  durability: fsync_always\nserver:\n  addr: 127.0.0.1:9099\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, fromFile, err = LoadOrDefault(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !fromFile {
		t.Fatal("expected file load")
	}
	if cfg.Environment != "dev" || cfg.Bus.DataDir != "/tmp/bus-data" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Bus.Durability.Mode != FsyncAlways {
		t.Fatalf("durability %+v", cfg.Bus.Durability)
	}
	if cfg.Server.Addr != "127.0.0.1:9099" {
		t.Fatalf("server addr %q", cfg.Server.Addr)
	}
	// Unset fields keep their defaults.
	if cfg.Bus.ChannelCapacity != 1024 {
		t.Fatalf("channel capacity %d", cfg.Bus.ChannelCapacity)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("SIMPLEBUS_DATA_DIR", "/var/lib/simplebus")
	t.Setenv("SIMPLEBUS_DURABILITY", "os_buffered")
	t.Setenv("SIMPLEBUS_CHANNEL_CAPACITY", "64")
	t.Setenv("SIMPLEBUS_MAX_SEGMENT_BYTES", "2097152")

	cfg := FromEnv(Default())
	if cfg.DataDir != "/var/lib/simplebus" {
		t.Fatalf("dataDir %q", cfg.DataDir)
	}
	if cfg.Durability.Mode != OSBuffered {
		t.Fatalf("durability %+v", cfg.Durability)
	}
	if cfg.ChannelCapacity != 64 {
		t.Fatalf("channelCapacity %d", cfg.ChannelCapacity)
	}
	if cfg.MaxSegmentBytes != 2*MiB {
		t.Fatalf("maxSegmentBytes %d", cfg.MaxSegmentBytes)
	}
}
