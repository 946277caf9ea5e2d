package slurm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/izavyalov-dev/leaseq/protocol"
	"github.com/izavyalov-dev/leaseq/registry"
)

// CreateArgs compose the sbatch submission for a keeper job.
type CreateArgs struct {
	Nodes       int
	Time        string
	Partition   string
	QoS         string
	Account     string
	Constraint  string
	Reservation string
	GPUsPerNode int
	// SbatchArgs are appended verbatim as extra #SBATCH lines.
	SbatchArgs []string
	Name       string
	// RunnerCmd is the runner invocation available on the compute nodes.
	RunnerCmd string
	// Home is exported as LEASEQ_HOME so every node resolves the same tree.
	Home string
	// Wait bounds the poll for the allocation to start; zero submits and
	// returns immediately.
	Wait time.Duration
}

// KeeperScript renders the batch script. The keeper owns no tasks itself: it
// starts one runner per allocated node (each bound to its own lane by short
// hostname) and blocks until the allocation is revoked.
func KeeperScript(args CreateArgs) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "#SBATCH --nodes=%d\n", max(args.Nodes, 1))
	if args.Time != "" {
		fmt.Fprintf(&b, "#SBATCH --time=%s\n", args.Time)
	}
	if args.Partition != "" {
		fmt.Fprintf(&b, "#SBATCH --partition=%s\n", args.Partition)
	}
	if args.QoS != "" {
		fmt.Fprintf(&b, "#SBATCH --qos=%s\n", args.QoS)
	}
	if args.Account != "" {
		fmt.Fprintf(&b, "#SBATCH --account=%s\n", args.Account)
	}
	if args.Constraint != "" {
		fmt.Fprintf(&b, "#SBATCH --constraint=%s\n", args.Constraint)
	}
	if args.Reservation != "" {
		fmt.Fprintf(&b, "#SBATCH --reservation=%s\n", args.Reservation)
	}
	if args.GPUsPerNode > 0 {
		fmt.Fprintf(&b, "#SBATCH --gpus-per-node=%d\n", args.GPUsPerNode)
	}
	b.WriteString("#SBATCH --job-name=leaseq\n")
	b.WriteString("#SBATCH --output=leaseq-%j.log\n")
	for _, extra := range args.SbatchArgs {
		fmt.Fprintf(&b, "#SBATCH %s\n", extra)
	}
	b.WriteString("\n")
	if args.Home != "" {
		fmt.Fprintf(&b, "export LEASEQ_HOME=%q\n", args.Home)
	}
	b.WriteString("echo \"leaseq keeper starting for job $SLURM_JOB_ID\"\n")
	// Single quotes defer hostname expansion to each srun task, so every
	// node binds its own lane.
	fmt.Fprintf(&b, "srun --ntasks-per-node=1 bash -c '%s -lease \"$SLURM_JOB_ID\" -node \"$(hostname -s)\"'\n",
		args.RunnerCmd)
	b.WriteString("sleep 30\n")
	return b.String()
}

// CreateLease submits a keeper job, optionally waits for it to start, and
// registers the resulting lease. A wait that times out cancels the job; any
// failed wait leaves the registry untouched.
func (c *Client) CreateLease(ctx context.Context, args CreateArgs, reg *registry.Registry) (string, error) {
	if !c.Available(ctx) {
		return "", fmt.Errorf("%w: sbatch not found on this machine", ErrBatchUnavailable)
	}
	if args.RunnerCmd == "" {
		args.RunnerCmd = "leaseq-runner"
	}

	script := KeeperScript(args)
	f, err := os.CreateTemp("", "leaseq-keeper-*.sh")
	if err != nil {
		return "", err
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(script); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	jobID, err := c.Submit(ctx, f.Name())
	if err != nil {
		return "", err
	}

	if args.Wait > 0 {
		if err := c.WaitForStart(ctx, jobID, args.Wait); err != nil {
			return "", err
		}
	}

	meta := &protocol.LeaseMeta{
		LeaseID:    jobID,
		LeaseType:  protocol.LeaseTypeExternal,
		CreatedAt:  time.Now().Unix(),
		Name:       args.Name,
		SbatchArgs: args.SbatchArgs,
		Mode:       protocol.ModeExclusivePerNode,
	}
	if err := reg.Register(meta); err != nil {
		return "", fmt.Errorf("lease %s submitted but registration failed: %w", jobID, err)
	}
	return jobID, nil
}
