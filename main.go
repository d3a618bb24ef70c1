// Package main is the entry point for the phimask CLI, a resumable
// de-identification engine for PHI fields held in CouchDB collections.
//
// The CLI exposes a small command tree:
//
//	phimask mask --collection patients --src-uri http://... --src-db clinic
//	phimask version
//
// All runtime behavior (batch sizing, worker counts, checkpointing, dead
// lettering) is configured through flags, environment variables, or a YAML
// configuration file, with flags taking precedence.
package main

import (
	"os"

	"phimask.evalgo.org/cli"
)

func main() {
	os.Exit(cli.Execute())
}
