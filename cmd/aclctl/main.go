// Package main is the entry point for the aclctl CLI binary.
package main

import (
	"os"

	cli "doc-access/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
