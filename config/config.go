// Package config resolves the leaseq data roots and optional settings file.
// The only required environment variable is LEASEQ_HOME, the data-directory
// override; everything else has a working default.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	envHome       = "LEASEQ_HOME"
	envRuntimeDir = "LEASEQ_RUNTIME_DIR"
)

// HomeDir returns the shared data root: $LEASEQ_HOME, or ~/.leaseq.
func HomeDir() string {
	if p := os.Getenv(envHome); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".leaseq"
	}
	return filepath.Join(home, ".leaseq")
}

// RuntimeDir returns the node-local root used by local leases:
// $LEASEQ_RUNTIME_DIR, $XDG_RUNTIME_DIR/leaseq, or /tmp/leaseq-<uid>.
func RuntimeDir() string {
	if p := os.Getenv(envRuntimeDir); p != "" {
		return p
	}
	if p := os.Getenv("XDG_RUNTIME_DIR"); p != "" {
		return filepath.Join(p, "leaseq")
	}
	return filepath.Join(os.TempDir(), "leaseq-"+strconv.Itoa(os.Getuid()))
}

// LocalLeaseID derives the singleton local lease id for this host.
func LocalLeaseID() string {
	return "local:" + Hostname()
}

// Hostname returns the short hostname, "localhost" if unavailable.
func Hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "localhost"
	}
	for i := 0; i < len(h); i++ {
		if h[i] == '.' {
			return h[:i]
		}
	}
	return h
}

// IsLocalLease reports whether the id names a local (host-derived) lease.
func IsLocalLease(leaseID string) bool {
	return len(leaseID) > 6 && leaseID[:6] == "local:"
}

// LeaseRoot resolves the mailbox root for a lease: the runtime dir for local
// leases, runs/<lease_id> under the shared home for external ones.
func LeaseRoot(leaseID string) string {
	if IsLocalLease(leaseID) {
		return filepath.Join(RuntimeDir(), leaseID)
	}
	return filepath.Join(HomeDir(), "runs", leaseID)
}

// ArchiveRoot is the shared-home location a local lease's completed artifacts
// are mirrored into.
func ArchiveRoot(leaseID string) string {
	return filepath.Join(HomeDir(), "runs", leaseID)
}

// IndexPath is the lease registry file.
func IndexPath() string {
	return filepath.Join(HomeDir(), "index.json")
}

// Settings are the optional tunables read from <home>/config.yaml. Zero
// values fall back to the defaults below.
type Settings struct {
	PollIdle       time.Duration
	PollBusy       time.Duration
	Rescan         time.Duration
	HeartbeatEvery time.Duration
	CancelGrace    time.Duration
	S3Bucket       string
	S3Prefix       string
	S3Region       string
	MetricsListen  string
}

// rawSettings is the file shape; durations are strings like "2s".
type rawSettings struct {
	PollIdle       string `yaml:"poll_idle"`
	PollBusy       string `yaml:"poll_busy"`
	Rescan         string `yaml:"rescan"`
	HeartbeatEvery string `yaml:"heartbeat_every"`
	CancelGrace    string `yaml:"cancel_grace"`
	S3Bucket       string `yaml:"s3_bucket"`
	S3Prefix       string `yaml:"s3_prefix"`
	S3Region       string `yaml:"s3_region"`
	MetricsListen  string `yaml:"metrics_listen"`
}

// DefaultSettings are the cadences from the protocol design: 1-2 s idle poll,
// backoff under activity, 30-60 s full rescan, 5 s heartbeat, ~10 s kill grace.
func DefaultSettings() Settings {
	return Settings{
		PollIdle:       time.Second,
		PollBusy:       5 * time.Second,
		Rescan:         30 * time.Second,
		HeartbeatEvery: 5 * time.Second,
		CancelGrace:    10 * time.Second,
	}
}

// LoadSettings merges <home>/config.yaml over the defaults. A missing file is
// not an error.
func LoadSettings() (Settings, error) {
	s := DefaultSettings()
	data, err := os.ReadFile(filepath.Join(HomeDir(), "config.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, err
	}
	var in rawSettings
	if err := yaml.Unmarshal(data, &in); err != nil {
		return s, err
	}
	if err := applyDuration(&s.PollIdle, in.PollIdle); err != nil {
		return s, err
	}
	if err := applyDuration(&s.PollBusy, in.PollBusy); err != nil {
		return s, err
	}
	if err := applyDuration(&s.Rescan, in.Rescan); err != nil {
		return s, err
	}
	if err := applyDuration(&s.HeartbeatEvery, in.HeartbeatEvery); err != nil {
		return s, err
	}
	if err := applyDuration(&s.CancelGrace, in.CancelGrace); err != nil {
		return s, err
	}
	s.S3Bucket = in.S3Bucket
	s.S3Prefix = in.S3Prefix
	s.S3Region = in.S3Region
	s.MetricsListen = in.MetricsListen
	return s, nil
}

func applyDuration(dst *time.Duration, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config.yaml: %w", err)
	}
	if d > 0 {
		*dst = d
	}
	return nil
}

// LoadDotenv loads <home>/.env into the process environment if present, so
// LEASEQ_* overrides can live next to the data.
func LoadDotenv() {
	_ = godotenv.Load(filepath.Join(HomeDir(), ".env"))
}
