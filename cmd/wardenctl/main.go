// wardenctl is the operator CLI for the warden daemon.
package main

import (
	"os"

	"github.com/warden-sh/warden/cmd/wardenctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
