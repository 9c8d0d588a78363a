package main

import (
	"os"

	"github.com/stagerun-org/stagerun/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
