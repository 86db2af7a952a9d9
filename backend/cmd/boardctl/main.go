package main

import (
	"fmt"
	"os"
)

var (
	buildVersion = "dev"
	buildCommit  = "local"
)

func main() {
	root := newRootCmd()
	root.Version = fmt.Sprintf("%s (commit: %s)", buildVersion, buildCommit)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
