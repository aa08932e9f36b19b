// Command salvage recovers agent sessions that overflow their context window.
package main

import (
	"fmt"
	"os"

	"salvage/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
