package main

import (
	"fmt"
	"os"

	"versionstore/cmd/vst/commands"

	"github.com/fatih/color"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		os.Exit(1)
	}
}
