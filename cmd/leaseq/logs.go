package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/izavyalov-dev/leaseq/config"
	"github.com/izavyalov-dev/leaseq/protocol"
	"github.com/izavyalov-dev/leaseq/snapshot"
)

func runLogs(args []string) error {
	flags := flag.NewFlagSet("logs", flag.ExitOnError)
	lease := flags.String("lease", "", "Lease holding the task")
	useStderr := flags.Bool("stderr", false, "Show stderr instead of stdout")
	tailN := flags.Int("tail", 0, "Show only the last N lines")
	exitCode := flags.Bool("exit-code", false, "Exit with the task's own exit code")
	_ = flags.Parse(args)
	if flags.NArg() != 1 {
		return usererrf("usage: leaseq logs [flags] <task-id>")
	}

	leaseID, err := resolveLease(*lease)
	if err != nil {
		return err
	}
	reader := snapshot.NewReader(leaseID, config.LeaseRoot(leaseID))
	detail, err := reader.TaskDetail(flags.Arg(0))
	if err != nil {
		return usererrf("%v", err)
	}

	path := detail.StdoutPath
	if *useStderr {
		path = detail.StderrPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "no log yet at %s\n", path)
		} else {
			return err
		}
	} else {
		text := strings.ToValidUTF8(string(data), "�")
		if *tailN > 0 {
			text = lastLines(text, *tailN)
		}
		fmt.Print(text)
		if text != "" && !strings.HasSuffix(text, "\n") {
			fmt.Println()
		}
	}

	if *exitCode {
		if detail.Result == nil {
			return usererrf("task %s has no result yet", detail.TaskID)
		}
		os.Exit(detail.Result.ExitCode)
	}
	return nil
}

func lastLines(text string, n int) string {
	trimmed := strings.TrimSuffix(text, "\n")
	lines := strings.Split(trimmed, "\n")
	if len(lines) <= n {
		return text
	}
	return strings.Join(lines[len(lines)-n:], "\n") + "\n"
}

func runFollow(args []string) error {
	flags := flag.NewFlagSet("follow", flag.ExitOnError)
	lease := flags.String("lease", "", "Lease holding the task")
	task := flags.String("task", "", "Task id (auto-detected when one task is running)")
	node := flags.String("node", "", "Restrict auto-detection to one node")
	useStderr := flags.Bool("stderr", false, "Follow stderr instead of stdout")
	exitCode := flags.Bool("exit-code", false, "After the task finishes, exit with its own exit code")
	_ = flags.Parse(args)

	leaseID, err := resolveLease(*lease)
	if err != nil {
		return err
	}
	reader := snapshot.NewReader(leaseID, config.LeaseRoot(leaseID))

	target := *task
	if target == "" {
		target, err = findRunningTask(reader, *node)
		if err != nil {
			return err
		}
	}
	detail, err := reader.TaskDetail(target)
	if err != nil {
		return usererrf("%v", err)
	}

	path := detail.StdoutPath
	if *useStderr {
		path = detail.StderrPath
	}
	fmt.Fprintf(os.Stderr, "Following %s (Ctrl+C to stop)\n", path)

	poll := snapshot.TailPollShared
	if config.IsLocalLease(leaseID) {
		poll = snapshot.TailPollLocal
	}

	tailer := snapshot.NewTailer(path, 0)
	err = tailer.Follow(context.Background(), poll, func(chunk string) {
		fmt.Print(chunk)
	}, func() bool {
		d, err := reader.TaskDetail(detail.TaskID)
		return err == nil && d.Result != nil
	})
	if err != nil {
		return err
	}

	if *exitCode {
		d, err := reader.TaskDetail(detail.TaskID)
		if err != nil || d.Result == nil {
			return usererrf("task %s has no result", detail.TaskID)
		}
		os.Exit(d.Result.ExitCode)
	}
	return nil
}

func findRunningTask(reader *snapshot.Reader, nodeFilter string) (string, error) {
	snap, err := reader.Snapshot(context.Background())
	if err != nil {
		return "", err
	}
	var running []protocol.TaskSpec
	for _, st := range snap.Nodes {
		if nodeFilter != "" && st.Node != nodeFilter {
			continue
		}
		running = append(running, st.Claimed...)
	}
	switch len(running) {
	case 0:
		return "", usererrf("no running tasks found; specify -task")
	case 1:
		return running[0].TaskID, nil
	default:
		for _, spec := range running {
			fmt.Fprintf(os.Stderr, "  %s on %s\n", spec.TaskID, spec.TargetNode)
		}
		return "", usererrf("multiple running tasks; specify -task or -node")
	}
}

func runTUI(args []string) error {
	flags := flag.NewFlagSet("tui", flag.ExitOnError)
	lease := flags.String("lease", "", "Lease to watch")
	interval := flags.Duration("interval", 2*time.Second, "Refresh cadence")
	_ = flags.Parse(args)

	leaseID, err := resolveLease(*lease)
	if err != nil {
		return err
	}
	for {
		// Clear and home; the snapshot model carries the content, the
		// rendering stays plain text.
		fmt.Print("\033[2J\033[H")
		if err := printStatus(leaseID); err != nil {
			fmt.Fprintf(os.Stderr, "refresh failed: %v\n", err)
		}
		time.Sleep(*interval)
	}
}
