package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestHomeDirHonorsOverride(t *testing.T) {
	t.Setenv("LEASEQ_HOME", "/data/leaseq")
	if got := HomeDir(); got != "/data/leaseq" {
		t.Fatalf("HomeDir = %q", got)
	}
}

func TestLeaseRootPlacement(t *testing.T) {
	t.Setenv("LEASEQ_HOME", "/shared/.leaseq")
	t.Setenv("LEASEQ_RUNTIME_DIR", "/run/leaseq")

	if got := LeaseRoot("local:myhost"); got != "/run/leaseq/local:myhost" {
		t.Fatalf("local lease root = %q", got)
	}
	if got := LeaseRoot("123456"); got != "/shared/.leaseq/runs/123456" {
		t.Fatalf("external lease root = %q", got)
	}
	if got := ArchiveRoot("local:myhost"); got != "/shared/.leaseq/runs/local:myhost" {
		t.Fatalf("archive root = %q", got)
	}
}

func TestIsLocalLease(t *testing.T) {
	if !IsLocalLease("local:myhost") {
		t.Fatal("local:myhost should be local")
	}
	if IsLocalLease("123456") || IsLocalLease("local:") {
		t.Fatal("misclassified lease id")
	}
}

func TestLoadSettingsDefaultsWhenFileMissing(t *testing.T) {
	t.Setenv("LEASEQ_HOME", t.TempDir())
	s, err := LoadSettings()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.PollIdle != time.Second || s.HeartbeatEvery != 5*time.Second || s.CancelGrace != 10*time.Second {
		t.Fatalf("unexpected defaults: %+v", s)
	}
}

func TestLoadSettingsMergesYAML(t *testing.T) {
	home := t.TempDir()
	t.Setenv("LEASEQ_HOME", home)
	yaml := "poll_idle: 2s\nheartbeat_every: 10s\ns3_bucket: my-logs\nmetrics_listen: \"127.0.0.1:9321\"\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := LoadSettings()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.PollIdle != 2*time.Second || s.HeartbeatEvery != 10*time.Second {
		t.Fatalf("yaml overrides not applied: %+v", s)
	}
	if s.S3Bucket != "my-logs" || s.MetricsListen != "127.0.0.1:9321" {
		t.Fatalf("string settings not applied: %+v", s)
	}
	// Untouched values keep their defaults.
	if s.Rescan != 30*time.Second {
		t.Fatalf("default lost: %+v", s)
	}
}
