package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/izavyalov-dev/leaseq/config"
	"github.com/izavyalov-dev/leaseq/runner"
)

func main() {
	lease := flag.String("lease", "", "Lease ID (local:<host> or a batch job id, required)")
	node := flag.String("node", "", "Node shortname (defaults to hostname)")
	root := flag.String("root", "", "Mailbox root (defaults to the lease's standard location)")
	flag.Parse()

	config.LoadDotenv()

	if *lease == "" {
		fmt.Fprintln(os.Stderr, "leaseq-runner: -lease is required")
		os.Exit(1)
	}

	if err := runner.Serve(*lease, *node, *root); err != nil {
		fmt.Fprintf(os.Stderr, "leaseq-runner: %v\n", err)
		os.Exit(2)
	}
}
