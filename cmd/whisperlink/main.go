package main

import (
	"os"

	"github.com/opd-ai/whisperlink/cmd/whisperlink/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
