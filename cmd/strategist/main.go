package main

import (
	"os"

	"github.com/slyt3/strategist/cmd/strategist/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
