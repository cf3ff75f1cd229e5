package trigger

import (
	"fmt"
	"strings"
)

// FailurePolicy decides what a loop does after a failed tick.
type FailurePolicy string

const (
	// PolicyHalt stops the failing loop. Other loops keep running.
	PolicyHalt FailurePolicy = "halt"
	// PolicyContinue logs the failure and keeps the schedule.
	PolicyContinue FailurePolicy = "continue"
	// PolicyRestart exits the loop and lets the supervisor restart it with backoff.
	PolicyRestart FailurePolicy = "restart"
)

func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch p := FailurePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyHalt, nil
	case PolicyHalt, PolicyContinue, PolicyRestart:
		return p, nil
	default:
		return "", fmt.Errorf("unknown failure policy %q (want halt, continue or restart)", s)
	}
}
