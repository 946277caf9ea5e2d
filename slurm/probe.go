package slurm

import (
	"context"
	"strings"
	"time"
)

// JobState is the normalized allocation state.
type JobState string

const (
	JobRunning   JobState = "RUNNING"
	JobPending   JobState = "PENDING"
	JobCompleted JobState = "COMPLETED"
	JobCancelled JobState = "CANCELLED"
	JobTimeout   JobState = "TIMEOUT"
	JobUnknown   JobState = "UNKNOWN"
)

// State probes an allocation, returning the normalized state and the
// scheduler's time-left string when the job is still queued or running.
// Probes are rate-limited; within the window the cached answer is returned,
// and a failed probe caches UNKNOWN so a sick scheduler is not hammered.
func (c *Client) State(ctx context.Context, jobID string) (JobState, string) {
	if e, ok := c.probeCache[jobID]; ok && time.Since(e.at) < c.probeEvery {
		return e.state, e.left
	}
	state, left, err := c.probe(ctx, jobID)
	if err != nil {
		state, left = JobUnknown, ""
	}
	c.probeCache[jobID] = probeEntry{at: time.Now(), state: state, left: left}
	return state, left
}

// probe asks squeue first (covers queued and running jobs with a time-left
// field) and falls back to sacct for jobs that already left the queue.
func (c *Client) probe(ctx context.Context, jobID string) (JobState, string, error) {
	out, err := c.run(ctx, "squeue", "--job", jobID, "--noheader", "--format=%T|%L")
	if err != nil {
		return JobUnknown, "", err
	}
	line := strings.TrimSpace(string(out))
	if line != "" {
		state, left := parseSqueueLine(line)
		return state, left, nil
	}

	// Not in the queue: terminal state, ask accounting.
	out, err = c.run(ctx, "sacct", "-j", jobID, "-X", "--noheader", "--parsable2", "--format=State")
	if err != nil {
		return JobUnknown, "", err
	}
	return parseSacctState(string(out)), "", nil
}

func parseSqueueLine(line string) (JobState, string) {
	state, left, _ := strings.Cut(line, "|")
	return normalizeState(state), strings.TrimSpace(left)
}

// parseSacctState reads the first non-empty State field. Slurm decorates
// some states ("CANCELLED by 1234"); only the leading word counts.
func parseSacctState(out string) JobState {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		return normalizeState(fields[0])
	}
	return JobUnknown
}

func normalizeState(raw string) JobState {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "RUNNING", "COMPLETING":
		return JobRunning
	case "PENDING", "CONFIGURING":
		return JobPending
	case "COMPLETED":
		return JobCompleted
	case "CANCELLED", "CANCELLED+":
		return JobCancelled
	case "TIMEOUT":
		return JobTimeout
	default:
		return JobUnknown
	}
}
