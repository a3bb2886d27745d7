// Command derivcheck builds derivative bundles for built-in test problems and
// compares every synthesized operator against its analytic reference.
package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := newRootCommand().Execute(); err != nil {
		log.Error().Err(err).Msg("derivcheck failed")
		os.Exit(1)
	}
}
