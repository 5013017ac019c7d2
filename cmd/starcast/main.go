// Package main is the entry point for the starcast application.
package main

import (
	"os"

	"github.com/jmylchreest/starcast/cmd/starcast/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
