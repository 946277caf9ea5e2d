package runner

import (
	"context"
	"net/http"
	"os/signal"
	"time"

	"golang.org/x/sys/unix"

	"github.com/izavyalov-dev/leaseq/archive"
	"github.com/izavyalov-dev/leaseq/config"
	"github.com/izavyalov-dev/leaseq/internal/observability"
)

// Serve wires a runner from the ambient configuration and drives it until
// SIGINT/SIGTERM. Both the leaseq-runner binary and `leaseq run` end here.
func Serve(leaseID, node, rootDir string) error {
	if node == "" {
		node = config.Hostname()
	}
	if rootDir == "" {
		rootDir = config.LeaseRoot(leaseID)
	}

	settings, err := config.LoadSettings()
	if err != nil {
		return err
	}

	logger := observability.NewLogger("runner")
	metrics := observability.NewMetrics(nil)

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	arch := &archive.Archiver{LeaseID: leaseID}
	if config.IsLocalLease(leaseID) {
		arch.DestRoot = config.ArchiveRoot(leaseID)
	}
	if settings.S3Bucket != "" {
		uploader, err := archive.NewS3Uploader(ctx, archive.S3Config{
			Bucket: settings.S3Bucket,
			Prefix: settings.S3Prefix,
			Region: settings.S3Region,
		})
		if err != nil {
			logger.Warn("s3 uploader unavailable", "event", "s3_init_failed", "error", err)
		} else {
			arch.Uploader = uploader
		}
	}
	if arch.DestRoot == "" && arch.Uploader == nil {
		arch = nil
	}

	if settings.MetricsListen != "" {
		server := &http.Server{
			Addr:              settings.MetricsListen,
			Handler:           observability.MetricsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics listener failed", "event", "metrics_listen_failed", "error", err)
			}
		}()
		defer server.Close()
	}

	r, err := New(Options{
		LeaseID:  leaseID,
		Node:     node,
		RootDir:  rootDir,
		Settings: settings,
		Logger:   logger,
		Metrics:  metrics,
		Archiver: arch,
	})
	if err != nil {
		return err
	}
	return r.Run(ctx)
}
