package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/simon8233/ssync/engine"
)

// Exit codes: 0 success, 2 usage, 130 operator cancel. A strict-mode failure
// exits with the failing member's derived status so the code observed at the
// original invocation is the one the faulty child actually died with, no
// matter how many delegation hops it crossed.
func main() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}

	var usage *usageError
	var status *engine.StatusError
	switch {
	case errors.As(err, &usage):
		fmt.Fprintf(os.Stderr, "ssync: %v\nRun 'ssync --help' for usage.\n", usage)
		os.Exit(2)
	case errors.As(err, &status):
		fmt.Fprintf(os.Stderr, "ssync: %v\n", status)
		os.Exit(status.ExitCode())
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(os.Stderr, "ssync: canceled")
		os.Exit(130)
	default:
		fmt.Fprintf(os.Stderr, "ssync: %v\n", err)
		os.Exit(1)
	}
}
