// Command rc is the reclock CLI: it mints, inspects and compacts remap
// collections that bind partitioned source offsets to milliseconds.
package main

import (
	"fmt"
	"os"
)

const version = "0.3.0"

func main() {
	cmd, opts := newRootCommand()
	if err := execute(cmd, opts); err != nil {
		fmt.Fprintf(os.Stderr, "rc: %v\n", err)
		os.Exit(1)
	}
}
