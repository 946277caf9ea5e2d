package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/izavyalov-dev/leaseq/config"
	"github.com/izavyalov-dev/leaseq/mailbox"
	"github.com/izavyalov-dev/leaseq/protocol"
	"github.com/izavyalov-dev/leaseq/registry"
	"github.com/izavyalov-dev/leaseq/snapshot"
)

// resolveLease maps an optional -lease flag to a concrete lease id, falling
// back to the registry's default (which materializes the local lease on
// first use).
func resolveLease(flagValue string) (string, error) {
	reg := registry.Open()
	if flagValue != "" {
		return flagValue, nil
	}
	return reg.ResolveDefault()
}

func runAdd(args []string) error {
	flags := flag.NewFlagSet("add", flag.ExitOnError)
	lease := flags.String("lease", "", "Target lease (defaults to the registry default)")
	node := flags.String("node", "", "Target node lane (defaults to hostname or the live node with the fewest pending tasks)")
	key := flags.String("key", "", "Idempotency key (defaults to a unique key per submission)")
	gpus := flags.String("gpus", "0", "GPUs to request: a count or 'all'")
	force := flags.Bool("force", false, "Submit even when the lane heartbeat is stale")

	// Everything after -- is the command; the delimiter keeps the user's
	// flags out of ours.
	cmdWords, ownArgs := splitAtDashDash(args)
	_ = flags.Parse(ownArgs)

	if len(cmdWords) == 0 {
		return usererrf("no command given; use: leaseq add [flags] -- <command...>")
	}

	leaseID, err := resolveLease(*lease)
	if err != nil {
		return err
	}
	root := mailbox.NewRoot(config.LeaseRoot(leaseID))

	targetNode := *node
	if targetNode == "" {
		targetNode, err = defaultNode(leaseID, root)
		if err != nil {
			return err
		}
	}

	gpuCount, err := parseGPUs(*gpus)
	if err != nil {
		return err
	}

	if !*force {
		if err := root.CheckLaneLive(targetNode, time.Now()); err != nil {
			if errors.Is(err, mailbox.ErrLaneStale) {
				return usererrf("%v (use -force to submit anyway)", err)
			}
			return err
		}
	}

	now := time.Now()
	taskID := protocol.NewTaskID()
	idemKey := *key
	if idemKey == "" {
		idemKey = fmt.Sprintf("%s-%s-%d", leaseID, targetNode, now.UnixMicro())
	}
	cwd, _ := os.Getwd()

	spec := &protocol.TaskSpec{
		TaskID:         taskID,
		IdempotencyKey: idemKey,
		LeaseID:        leaseID,
		TargetNode:     targetNode,
		UUID:           uuid.NewString(),
		CreatedAt:      now.Unix(),
		Cwd:            cwd,
		Env:            submitEnv(),
		GPUs:           gpuCount,
		Command:        strings.Join(cmdWords, " "),
	}

	if _, err := root.Submit(spec); err != nil {
		return err
	}
	_ = registry.Open().Touch(leaseID)
	fmt.Printf("%s submitted to %s on %s (seq %d)\n", taskID, leaseID, targetNode, spec.Seq)
	return nil
}

// splitAtDashDash separates "our flags -- user command" without consulting
// flag syntax on the user side.
func splitAtDashDash(args []string) (command, own []string) {
	for i, a := range args {
		if a == "--" {
			return args[i+1:], args[:i]
		}
	}
	return nil, args
}

// defaultNode picks the lane when none is named: the local hostname for a
// local lease, otherwise the live node with the fewest pending tasks.
func defaultNode(leaseID string, root mailbox.Root) (string, error) {
	if config.IsLocalLease(leaseID) {
		return config.Hostname(), nil
	}
	names, err := mailbox.ListSorted(root.HeartbeatDir())
	if err != nil || len(names) == 0 {
		return "", usererrf("no active nodes found for lease %s; specify -node", leaseID)
	}
	best := ""
	bestPending := -1
	for _, name := range names {
		node := strings.TrimSuffix(name, ".json")
		hb, err := root.ReadHeartbeat(node)
		if err != nil || hb == nil {
			continue
		}
		if time.Since(time.Unix(hb.TS, 0)) > mailbox.SubmitRefuseWindow {
			continue
		}
		if bestPending < 0 || hb.PendingEstimate < bestPending {
			best, bestPending = node, hb.PendingEstimate
		}
	}
	if best == "" {
		return "", usererrf("no live nodes for lease %s; specify -node or -force", leaseID)
	}
	return best, nil
}

// parseGPUs accepts a count or "all", which is normalized to the number of
// devices visible on the submitting host.
func parseGPUs(v string) (int, error) {
	v = strings.TrimSpace(v)
	if v == "" || v == "0" {
		return 0, nil
	}
	if strings.EqualFold(v, "all") {
		n, err := countLocalGPUs()
		if err != nil {
			return 0, usererrf("cannot normalize -gpus all: %v", err)
		}
		return n, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, usererrf("invalid -gpus value %q", v)
	}
	return n, nil
}

func countLocalGPUs() (int, error) {
	if v := os.Getenv("CUDA_VISIBLE_DEVICES"); v != "" {
		return len(strings.Split(v, ",")), nil
	}
	out, err := exec.Command("nvidia-smi", "-L").Output()
	if err != nil {
		return 0, fmt.Errorf("nvidia-smi not available")
	}
	count := 0
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "GPU ") {
			count++
		}
	}
	return count, nil
}

// submitEnv captures the submitter's environment for replay on the node.
func submitEnv() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

func runCancel(args []string) error {
	flags := flag.NewFlagSet("cancel", flag.ExitOnError)
	lease := flags.String("lease", "", "Lease holding the task")
	_ = flags.Parse(args)
	if flags.NArg() != 1 {
		return usererrf("usage: leaseq cancel [-lease L] <task-id>")
	}
	target := flags.Arg(0)

	leaseID, err := resolveLease(*lease)
	if err != nil {
		return err
	}
	reader := snapshot.NewReader(leaseID, config.LeaseRoot(leaseID))
	detail, err := reader.TaskDetail(target)
	if err != nil {
		return usererrf("%v", err)
	}
	if detail.Result != nil && detail.Result.Outcome != "" {
		fmt.Printf("%s already finished (%s)\n", detail.TaskID, detail.Result.Outcome)
		return nil
	}

	root := mailbox.NewRoot(config.LeaseRoot(leaseID))
	if _, err := root.WriteControl(detail.Node, protocol.ControlCommand{
		Verb:   protocol.ControlCancel,
		TaskID: detail.TaskID,
	}); err != nil {
		return err
	}
	fmt.Printf("cancel requested for %s on %s; the runner will act within one poll interval\n",
		detail.TaskID, detail.Node)
	return nil
}

func runTasks(args []string) error {
	flags := flag.NewFlagSet("tasks", flag.ExitOnError)
	lease := flags.String("lease", "", "Lease to list")
	state := flags.String("state", "", "Filter: pending, running, done, failed, stuck")
	node := flags.String("node", "", "Filter by node lane")
	search := flags.String("search", "", "Substring match on command or task id")
	_ = flags.Parse(args)

	leaseID, err := resolveLease(*lease)
	if err != nil {
		return err
	}
	reader := snapshot.NewReader(leaseID, config.LeaseRoot(leaseID))
	snap, err := reader.Snapshot(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("Lease: %s\n", leaseID)
	fmt.Printf("%-12s %-10s %-12s COMMAND\n", "TASK", "STATE", "NODE")
	fmt.Println(strings.Repeat("-", 64))

	match := func(taskID, command string) bool {
		if *search == "" {
			return true
		}
		return strings.Contains(taskID, *search) || strings.Contains(command, *search)
	}
	want := func(s string) bool {
		return *state == "" || strings.EqualFold(*state, s)
	}

	count := 0
	for _, st := range snap.Nodes {
		if *node != "" && st.Node != *node {
			continue
		}
		if want("running") {
			for _, spec := range st.Claimed {
				if match(spec.TaskID, spec.Command) {
					printTaskRow(spec.TaskID, "RUNNING", st.Node, spec.Command)
					count++
				}
			}
		}
		if want("pending") {
			for _, spec := range st.Pending {
				if match(spec.TaskID, spec.Command) {
					printTaskRow(spec.TaskID, "PENDING", st.Node, spec.Command)
					count++
				}
			}
		}
		for _, res := range st.RecentDone {
			rowState := "DONE"
			if res.Outcome == protocol.OutcomeFailed || res.Outcome == protocol.OutcomeMalformed {
				rowState = "FAILED"
			}
			if !want(strings.ToLower(rowState)) {
				continue
			}
			display := res.Command
			if display == "" {
				display = fmt.Sprintf("exit=%d", res.ExitCode)
			}
			if match(res.TaskID, res.Command) {
				printTaskRow(res.TaskID, rowState, st.Node, display)
				count++
			}
		}
	}
	if want("stuck") {
		for _, lost := range snap.Lost {
			if match(lost.TaskID, lost.Spec.Command) {
				printTaskRow(lost.TaskID, "LOST?", lost.Node, lost.Spec.Command)
				count++
			}
		}
	}

	fmt.Println(strings.Repeat("-", 64))
	fmt.Printf("Total: %d tasks\n", count)
	return nil
}

func printTaskRow(taskID, state, node, command string) {
	fmt.Printf("%-12s %-10s %-12s %s\n", taskID, state, node, truncate(command, 40))
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func runStatus(args []string) error {
	flags := flag.NewFlagSet("status", flag.ExitOnError)
	lease := flags.String("lease", "", "Lease to inspect")
	_ = flags.Parse(args)

	leaseID, err := resolveLease(*lease)
	if err != nil {
		return err
	}
	return printStatus(leaseID)
}
