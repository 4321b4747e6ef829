// Package main is the entry point for the recoder CLI.
package main

import (
	"os"

	"github.com/jmylchreest/recoder/cmd/recoder/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
