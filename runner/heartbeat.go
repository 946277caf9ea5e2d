package runner

import (
	"context"
	"os"
	"time"

	"github.com/izavyalov-dev/leaseq/mailbox"
	"github.com/izavyalov-dev/leaseq/protocol"
)

// heartbeatLoop rewrites hb/<node>.json at a fixed cadence from its own
// goroutine, so liveness keeps advertising while the execution loop is
// blocked in a child wait.
func (r *Runner) heartbeatLoop(ctx context.Context) {
	r.writeHeartbeat()
	ticker := time.NewTicker(r.opts.Settings.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.writeHeartbeat()
		}
	}
}

func (r *Runner) writeHeartbeat() {
	runningID, _ := r.running()
	var runningPtr *string
	if runningID != "" {
		runningPtr = &runningID
	}

	pending := 0
	if names, err := mailbox.ListSorted(r.box.InboxDir(r.opts.Node)); err == nil {
		pending = len(names)
	}

	hb := &protocol.Heartbeat{
		Node:            r.opts.Node,
		TS:              time.Now().Unix(),
		RunningTaskID:   runningPtr,
		PendingEstimate: pending,
		RunnerPID:       os.Getpid(),
		Version:         Version,
	}
	if err := r.box.WriteHeartbeat(hb); err != nil {
		r.log.Error("heartbeat write failed", "event", "heartbeat_failed", "error", err)
		return
	}
	r.opts.Metrics.IncHeartbeat()
}
