package main

import (
	"os"

	"github.com/bridgefall/gamelink/internal/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
