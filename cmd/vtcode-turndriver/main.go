// Command vtcode-turndriver wires the turn-driver core together and runs
// one turn per invocation. The real product surface (TUI, ACP bridge) is
// an external collaborator; this binary is the reference harness around
// the core's "run one turn" entry point.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
