// Command orderctl evaluates order widget configurations offline: it renders
// plans, orderable views, action lists and diagnostics from a payload file,
// stdin, an S3 object, or a SQLite history file.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "orderctl:", err)
		os.Exit(1)
	}
}
