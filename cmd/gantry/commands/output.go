package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/gantrydev/gantry/pkg/engine"
	"github.com/gantrydev/gantry/pkg/stores"
)

// timeFormat renders journal timestamps for humans.
const timeFormat = "2006-01-02 15:04:05"

// printJSON renders v as indented JSON on stdout.
func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// parseLabels converts key=value pairs into a label map.
func parseLabels(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	labels := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid label %q, expected key=value", pair)
		}
		labels[key] = value
	}
	return labels, nil
}

// describeError turns engine and store failures into operator-facing
// guidance on stderr and returns the error that sets the exit status.
func describeError(name string, err error) error {
	var storeErr *stores.StoreError
	if errors.As(err, &storeErr) && storeErr.Kind == stores.KindConflict {
		fmt.Fprintf(os.Stderr, "environment %s is locked by another gantry process (pid %d).\n",
			name, storeErr.HolderPID)
		fmt.Fprintf(os.Stderr, "Wait for that process to finish, then retry. If pid %d is no longer\n",
			storeErr.HolderPID)
		fmt.Fprintf(os.Stderr, "running, the stale lock is reclaimed automatically on the next attempt.\n")
		if storeErr.Path != "" {
			fmt.Fprintf(os.Stderr, "Lock file: %s\n", storeErr.Path)
		}
		return fmt.Errorf("environment %s is locked (pid %d)", name, storeErr.HolderPID)
	}

	var denied *engine.PolicyDeniedError
	if errors.As(err, &denied) {
		for _, v := range denied.Violations {
			fmt.Fprintf(os.Stderr, "✗ [%s] %s\n", v.Policy, v.Message)
			if v.Remediation != "" {
				fmt.Fprintf(os.Stderr, "  remediation: %s\n", v.Remediation)
			}
		}
		return err
	}

	var opErr *engine.OperationError
	if errors.As(err, &opErr) && opErr.Retryable() {
		fmt.Fprintf(os.Stderr, "The failure is %s; run `gantry retry %s` to resume from the failed step.\n",
			opErr.Class, name)
	}

	return err
}

// reportOutcome prints the post-operation view of the environment.
func reportOutcome(ctx context.Context, a *app, name, verb string) error {
	status, err := a.deployer.Status(ctx, name)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(status)
	}

	fmt.Printf("✓ environment %s %s (stage %s)\n", name, verb, status.Stage)
	if status.Address != "" {
		fmt.Printf("  address: %s\n", status.Address)
	}
	return nil
}

// printStatus renders the full status view of one environment.
func printStatus(status *engine.EnvironmentStatus) error {
	if jsonOutput {
		return printJSON(status)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Name:\t%s\n", status.Name)
	fmt.Fprintf(w, "Stage:\t%s\n", status.Stage)
	if status.Address != "" {
		fmt.Fprintf(w, "Address:\t%s\n", status.Address)
	}
	fmt.Fprintf(w, "Instance:\t%s\n", status.InstanceName)
	fmt.Fprintf(w, "Resource group:\t%s\n", status.ResourceGroup)
	if status.Failed {
		fmt.Fprintf(w, "Failed step:\t%s (%s)\n", status.FailedStep, status.FailureClass)
		if status.TraceRef != "" {
			fmt.Fprintf(w, "Trace:\t%s\n", status.TraceRef)
		}
	}
	if !status.LastTransition.IsZero() {
		fmt.Fprintf(w, "Last change:\t%s\n", status.LastTransition.Local().Format(timeFormat))
	}
	return w.Flush()
}

// stageOrDash renders an empty stage name as "-", for the creation entry
// whose transition has no origin.
func stageOrDash(stage string) string {
	if stage == "" {
		return "-"
	}
	return stage
}
