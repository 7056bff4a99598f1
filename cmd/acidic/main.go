// Command acidic operates an acidic deployment's storage: it migrates the
// schema, purges finished execution records, reports counts and runs the
// outbox sweeper.
//
//	acidic migrate -c acidic.yaml
//	acidic purge --older-than 720h
//	acidic stats
//	acidic sweep            # daemon, serves /metrics when enabled
//	acidic sweep --once
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "acidic: %v\n", err)
		os.Exit(1)
	}
}
