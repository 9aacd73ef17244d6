// Command datapub is the entry point for the data service CLI.
package main

import (
	"os"

	"datapub.evalgo.org/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
