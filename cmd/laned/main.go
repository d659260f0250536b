package main

import (
	"os"

	"github.com/Swind/go-lane-runner/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
