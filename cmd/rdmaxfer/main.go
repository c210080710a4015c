package main

import (
	"os"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmaxfer/cmd/rdmaxfer/commands"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

func main() {
	rootCmd := commands.NewRootCmd(Version, Commit)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("rdmaxfer failed")
		os.Exit(1)
	}
}
