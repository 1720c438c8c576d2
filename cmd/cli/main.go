// Package main is the entry point for the metl CLI binary.
package main

import (
	"os"

	"metl-sql/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
