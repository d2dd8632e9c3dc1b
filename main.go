// Package main is the entry point for the livedata server binary.
package main

import (
	"os"

	"livedata.evalgo.org/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
