package main

import (
	"fmt"
	"os"

	"github.com/warped-quasar/StatSync/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "statsync:", err)
		os.Exit(1)
	}
}
