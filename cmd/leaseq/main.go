// Command leaseq is the user-facing CLI: submit and cancel tasks, inspect
// queues and logs, manage leases, and drive the local runner daemon. Every
// subcommand works by reading or writing the on-disk mailbox; there is no
// server to talk to.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/izavyalov-dev/leaseq/config"
)

// userError marks mistakes in the invocation itself (exit 1), as opposed to
// operational failures (exit 2).
type userError struct{ msg string }

func (e userError) Error() string { return e.msg }

func usererrf(format string, args ...any) error {
	return userError{msg: fmt.Sprintf(format, args...)}
}

func main() {
	config.LoadDotenv()

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "add":
		err = runAdd(os.Args[2:])
	case "tasks":
		err = runTasks(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	case "logs":
		err = runLogs(os.Args[2:])
	case "follow":
		err = runFollow(os.Args[2:])
	case "cancel":
		err = runCancel(os.Args[2:])
	case "lease":
		err = runLease(os.Args[2:])
	case "daemon":
		err = runDaemon(os.Args[2:])
	case "run":
		err = runRunner(os.Args[2:])
	case "tui":
		err = runTUI(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "leaseq: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "leaseq %s: %v\n", os.Args[1], err)
		var ue userError
		if errors.As(err, &ue) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}

func usage() {
	fmt.Println(`Usage: leaseq <command> [flags]

Tasks:
  add      [-lease L] [-node N] [-key K] [-gpus G] [-force] -- <command...>
  tasks    [-lease L] [-state S] [-node N] [-search TEXT]
  cancel   [-lease L] <task-id>
  logs     [-lease L] [-stderr] [-tail N] [-exit-code] <task-id>
  follow   [-lease L] [-task T] [-node N] [-stderr]

Leases:
  lease create|release|ls|default ...
  status   [-lease L]

Runner:
  daemon   start|stop|status
  run      -lease L [-node N] [-root DIR]
  tui      [-lease L] [-interval D]`)
}
