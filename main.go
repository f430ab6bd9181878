// Command midas is the entry point for the MIDAS services: the authoring
// API server and the public identifier resolver.
package main

import (
	"os"

	"midas.oar.dev/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
