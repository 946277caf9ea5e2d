package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/izavyalov-dev/leaseq/config"
	"github.com/izavyalov-dev/leaseq/mailbox"
	"github.com/izavyalov-dev/leaseq/registry"
	"github.com/izavyalov-dev/leaseq/runner"
)

func runRunner(args []string) error {
	flags := flag.NewFlagSet("run", flag.ExitOnError)
	lease := flags.String("lease", "", "Lease ID (required)")
	node := flags.String("node", "", "Node shortname (defaults to hostname)")
	root := flags.String("root", "", "Mailbox root override")
	_ = flags.Parse(args)

	if *lease == "" {
		return usererrf("-lease is required")
	}
	return runner.Serve(*lease, *node, *root)
}

func pidFile() string   { return filepath.Join(config.RuntimeDir(), "daemon.pid") }
func daemonLog() string { return filepath.Join(config.RuntimeDir(), "daemon.log") }

func runDaemon(args []string) error {
	if len(args) < 1 {
		return usererrf("usage: leaseq daemon <start|stop|status>")
	}
	switch args[0] {
	case "start":
		return daemonStart()
	case "stop":
		return daemonStop()
	case "status":
		return daemonStatus()
	default:
		return usererrf("unknown daemon subcommand %q", args[0])
	}
}

func daemonStart() error {
	if pid, ok := readPid(); ok && processAlive(pid) {
		fmt.Printf("Daemon already running (PID %d)\n", pid)
		return nil
	}

	if err := registry.Open().EnsureLocal(); err != nil {
		return err
	}
	leaseID := config.LocalLeaseID()
	if err := mailbox.EnsureDir(config.RuntimeDir()); err != nil {
		return err
	}

	runnerBin, err := findRunnerBinary()
	if err != nil {
		return err
	}
	logFile, err := os.OpenFile(daemonLog(), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer logFile.Close()

	cmd := exec.Command(runnerBin, "-lease", leaseID)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = os.Environ()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start runner: %w", err)
	}
	pid := cmd.Process.Pid
	// Detach: the daemon outlives this CLI invocation.
	_ = cmd.Process.Release()

	if err := os.WriteFile(pidFile(), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return err
	}
	fmt.Printf("Started daemon (PID %d)\n", pid)
	fmt.Printf("Lease: %s\n", leaseID)
	fmt.Printf("Log:   %s\n", daemonLog())
	return nil
}

func daemonStop() error {
	pid, ok := readPid()
	switch {
	case ok && processAlive(pid):
		if err := unix.Kill(pid, unix.SIGTERM); err != nil {
			return err
		}
		time.Sleep(500 * time.Millisecond)
		if !processAlive(pid) {
			_ = os.Remove(pidFile())
			fmt.Printf("Stopped daemon (PID %d)\n", pid)
		} else {
			fmt.Printf("Sent SIGTERM to daemon (PID %d), may still be stopping\n", pid)
		}
	case ok:
		_ = os.Remove(pidFile())
		fmt.Println("Daemon was not running (stale PID file removed)")
	default:
		fmt.Println("Daemon is not running")
	}
	return nil
}

func daemonStatus() error {
	leaseID := config.LocalLeaseID()
	rootDir := config.LeaseRoot(leaseID)
	fmt.Printf("Local lease: %s\n", leaseID)
	fmt.Printf("Runtime dir: %s\n", rootDir)

	switch pid, ok := readPid(); {
	case ok && processAlive(pid):
		fmt.Printf("Daemon: RUNNING (PID %d)\n", pid)
	case ok:
		fmt.Printf("Daemon: NOT RUNNING (stale PID %d in file)\n", pid)
	default:
		fmt.Println("Daemon: NOT RUNNING")
	}

	root := mailbox.NewRoot(rootDir)
	names, err := mailbox.ListSorted(root.HeartbeatDir())
	if err != nil {
		return err
	}
	for _, name := range names {
		node := strings.TrimSuffix(name, ".json")
		hb, err := root.ReadHeartbeat(node)
		if err != nil || hb == nil {
			continue
		}
		age := time.Since(time.Unix(hb.TS, 0))
		status := "OK"
		if age > mailbox.HeartbeatOKWindow {
			status = "STALE"
		}
		fmt.Printf("Runner %s: %s (heartbeat %.0fs ago)\n", hb.Node, status, age.Seconds())
	}
	return nil
}

func readPid() (int, bool) {
	data, err := os.ReadFile(pidFile())
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// processAlive probes with signal 0.
func processAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}

func findRunnerBinary() (string, error) {
	if exe, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(exe), "leaseq-runner")
		if _, err := os.Stat(sibling); err == nil {
			return sibling, nil
		}
	}
	if path, err := exec.LookPath("leaseq-runner"); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("leaseq-runner binary not found next to leaseq or in PATH")
}
