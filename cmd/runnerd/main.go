// Command runnerd drives the Agent Runner subsystem: it spawns and
// supervises one or more CLI agent child processes, multiplexes their
// output, and periodically runs a supervisor analysis over the fleet.
package main

import (
	"fmt"
	"os"

	"github.com/fleetrunner/runnerd/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
