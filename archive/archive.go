// Package archive mirrors committed task artifacts out of a lease's active
// root: always into the shared home (so local-lease results survive runtime
// cleanup) and optionally into S3. Mirroring copies already-committed files;
// the result in the active root remains the single commit point, so a double
// mirror can never produce a second execution.
package archive

import (
	"context"
	"os"
	"path/filepath"

	"github.com/izavyalov-dev/leaseq/mailbox"
	"github.com/izavyalov-dev/leaseq/protocol"
)

// Archiver copies finished artifacts on every commit.
type Archiver struct {
	// LeaseID names the lease in S3 keys.
	LeaseID string
	// DestRoot is the shared-home mirror target; empty disables the local
	// mirror (external leases already live in the shared home).
	DestRoot string
	// Uploader ships logs and results to S3 when non-nil.
	Uploader *S3Uploader
}

// MirrorResult copies the result record and both log files for one committed
// task. Failures are reported but never affect the committed state.
func (a *Archiver) MirrorResult(ctx context.Context, box mailbox.Root, node string, res *protocol.TaskResult) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	srcResult := box.ResultPath(node, res.TaskID)
	srcOut := box.StdoutPath(res.TaskID)
	srcErr := box.StderrPath(res.TaskID)

	if a.DestRoot != "" && a.DestRoot != box.Dir {
		dest := mailbox.NewRoot(a.DestRoot)
		keep(copyPublish(srcResult, dest.ResultPath(node, res.TaskID)))
		keep(copyPublish(srcOut, dest.StdoutPath(res.TaskID)))
		keep(copyPublish(srcErr, dest.StderrPath(res.TaskID)))
	}

	if a.Uploader != nil {
		if _, err := a.Uploader.UploadFile(ctx, a.LeaseID, res.TaskID, srcResult); err != nil {
			keep(err)
		}
		if _, err := a.Uploader.UploadFile(ctx, a.LeaseID, res.TaskID, srcOut); err != nil {
			keep(err)
		}
		if _, err := a.Uploader.UploadFile(ctx, a.LeaseID, res.TaskID, srcErr); err != nil {
			keep(err)
		}
	}
	return firstErr
}

// copyPublish reads src fully and atomically publishes it at dst. A missing
// source is skipped: SKIPPED_DUP results have no logs.
func copyPublish(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := mailbox.EnsureDir(filepath.Dir(dst)); err != nil {
		return err
	}
	return mailbox.AtomicPublish(dst, data)
}
