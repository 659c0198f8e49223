// Command renderfarm is the entrypoint binary: it builds and executes
// the cobra command tree defined in internal/cli.
package main

import (
	"fmt"
	"os"

	"github.com/mohofarm/renderfarm/internal/cli"
)

func main() {
	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
