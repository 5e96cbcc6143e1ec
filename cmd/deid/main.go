// Package main is the entry point for the deid CLI binary.
package main

import (
	"os"

	"deid/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
