package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/izavyalov-dev/leaseq/config"
	"github.com/izavyalov-dev/leaseq/registry"
	"github.com/izavyalov-dev/leaseq/slurm"
	"github.com/izavyalov-dev/leaseq/snapshot"
)

func runLease(args []string) error {
	if len(args) < 1 {
		return usererrf("usage: leaseq lease <create|release|ls|default> [flags]")
	}
	switch args[0] {
	case "create":
		return runLeaseCreate(args[1:])
	case "release":
		return runLeaseRelease(args[1:])
	case "ls":
		return runLeaseList(args[1:])
	case "default":
		return runLeaseDefault(args[1:])
	default:
		return usererrf("unknown lease subcommand %q", args[0])
	}
}

func runLeaseCreate(args []string) error {
	flags := flag.NewFlagSet("lease create", flag.ExitOnError)
	nodes := flags.Int("nodes", 1, "Number of nodes to hold")
	timeLimit := flags.String("time", "", "Time limit (e.g. 01:00:00); cluster default when empty")
	partition := flags.String("partition", "", "Partition")
	qos := flags.String("qos", "", "Quality of service")
	account := flags.String("account", "", "Account")
	constraint := flags.String("constraint", "", "Node feature constraint")
	reservation := flags.String("reservation", "", "Reservation name")
	gpusPerNode := flags.Int("gpus-per-node", 0, "GPUs per node")
	name := flags.String("name", "", "Display name for the lease")
	runnerCmd := flags.String("runner-cmd", "", "Runner invocation on the compute nodes")
	wait := flags.Duration("wait", 30*time.Second, "How long to wait for the allocation to start; 0 submits and returns")
	var sbatchArgs stringList
	flags.Var(&sbatchArgs, "sbatch-arg", "Extra #SBATCH line (repeatable)")
	_ = flags.Parse(args)

	runner := *runnerCmd
	if runner == "" {
		runner = siblingRunnerBinary()
	}

	client := slurm.NewClient()
	jobID, err := client.CreateLease(context.Background(), slurm.CreateArgs{
		Nodes:       *nodes,
		Time:        *timeLimit,
		Partition:   *partition,
		QoS:         *qos,
		Account:     *account,
		Constraint:  *constraint,
		Reservation: *reservation,
		GPUsPerNode: *gpusPerNode,
		SbatchArgs:  sbatchArgs,
		Name:        *name,
		RunnerCmd:   runner,
		Home:        config.HomeDir(),
		Wait:        *wait,
	}, registry.Open())
	if err != nil {
		return err
	}
	fmt.Printf("Lease %s created\n", jobID)
	return nil
}

// siblingRunnerBinary prefers a leaseq-runner next to this executable, on the
// assumption that the install is shared with the compute nodes; PATH lookup
// on the node is the fallback.
func siblingRunnerBinary() string {
	exe, err := os.Executable()
	if err != nil {
		return "leaseq-runner"
	}
	sibling := filepath.Join(filepath.Dir(exe), "leaseq-runner")
	if _, err := os.Stat(sibling); err == nil {
		return sibling
	}
	return "leaseq-runner"
}

func runLeaseRelease(args []string) error {
	flags := flag.NewFlagSet("lease release", flag.ExitOnError)
	forget := flags.Bool("forget", false, "Also remove the lease from the registry")
	_ = flags.Parse(args)
	if flags.NArg() != 1 {
		return usererrf("usage: leaseq lease release [-forget] <lease-id>")
	}
	leaseID := flags.Arg(0)
	if config.IsLocalLease(leaseID) {
		return usererrf("cannot release a local lease; stop the runner with 'leaseq daemon stop'")
	}

	if err := slurm.NewClient().Cancel(context.Background(), leaseID); err != nil {
		return err
	}
	fmt.Printf("Released lease %s\n", leaseID)
	if *forget {
		if err := registry.Open().Forget(leaseID); err != nil {
			return err
		}
		fmt.Printf("Forgot lease %s\n", leaseID)
	}
	return nil
}

func runLeaseList(args []string) error {
	flags := flag.NewFlagSet("lease ls", flag.ExitOnError)
	_ = flags.Parse(args)

	idx, err := registry.Open().List()
	if err != nil {
		return err
	}
	if len(idx.Leases) == 0 {
		fmt.Println("No leases registered.")
		return nil
	}

	ids := make([]string, 0, len(idx.Leases))
	for id := range idx.Leases {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Printf("%-24s %-20s %-8s NAME\n", "LEASE", "CREATED", "DEFAULT")
	for _, id := range ids {
		e := idx.Leases[id]
		marker := ""
		if id == idx.DefaultLease {
			marker = "*"
		}
		fmt.Printf("%-24s %-20s %-8s %s\n", id,
			time.Unix(e.CreatedAt, 0).Format("2006-01-02 15:04:05"), marker, e.Name)
	}
	return nil
}

func runLeaseDefault(args []string) error {
	flags := flag.NewFlagSet("lease default", flag.ExitOnError)
	_ = flags.Parse(args)
	if flags.NArg() != 1 {
		return usererrf("usage: leaseq lease default <lease-id>")
	}
	if err := registry.Open().SetDefault(flags.Arg(0)); err != nil {
		return err
	}
	fmt.Printf("Default lease set to %s\n", flags.Arg(0))
	return nil
}

// printStatus renders one lease snapshot as plain text; status and tui share
// it.
func printStatus(leaseID string) error {
	rootDir := config.LeaseRoot(leaseID)
	reader := snapshot.NewReader(leaseID, rootDir)
	snap, err := reader.Snapshot(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("Lease: %s\n", leaseID)
	fmt.Printf("Root:  %s\n", rootDir)
	if !config.IsLocalLease(leaseID) {
		state, left := slurm.NewClient().State(context.Background(), leaseID)
		if left != "" {
			fmt.Printf("Batch: %s (time left %s)\n", state, left)
		} else {
			fmt.Printf("Batch: %s\n", state)
		}
	}
	fmt.Println()

	fmt.Println("Nodes:")
	if len(snap.Nodes) == 0 {
		fmt.Println("  (none)")
	}
	for _, st := range snap.Nodes {
		age := "never"
		if st.HeartbeatAge >= 0 {
			age = fmt.Sprintf("%.0fs ago", st.HeartbeatAge.Seconds())
		}
		running := "-"
		if st.RunningTaskID != "" {
			running = st.RunningTaskID
		}
		fmt.Printf("  %-12s %-8s seen %-10s running=%-12s inbox=%d claimed=%d\n",
			st.Node, st.Liveness, age, running, st.InboxCount, st.ClaimedCount)
	}
	fmt.Println()

	fmt.Println("Running:")
	for _, st := range snap.Nodes {
		for _, spec := range st.Claimed {
			fmt.Printf("  %-12s %-12s %s\n", spec.TaskID, st.Node, truncate(spec.Command, 48))
		}
	}
	fmt.Println("Pending:")
	for _, st := range snap.Nodes {
		for _, spec := range st.Pending {
			fmt.Printf("  %-12s %-12s %s\n", spec.TaskID, st.Node, truncate(spec.Command, 48))
		}
	}
	if len(snap.Lost) > 0 {
		fmt.Println("Possibly lost (!):")
		for _, lost := range snap.Lost {
			fmt.Printf("  %-12s %-12s %s\n", lost.TaskID, lost.Node, truncate(lost.Spec.Command, 48))
		}
	}

	fmt.Println("Recent:")
	shown := 0
	for _, st := range snap.Nodes {
		for _, res := range st.RecentDone {
			if shown >= 10 {
				break
			}
			fmt.Printf("  %-12s %-12s %-11s exit=%d\n", res.TaskID, st.Node, res.Outcome, res.ExitCode)
			shown++
		}
	}
	return nil
}

// stringList collects a repeatable flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}
