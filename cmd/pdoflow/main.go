package main

import (
	"os"

	"github.com/pdoflow/pdoflow/cli"
	"github.com/pdoflow/pdoflow/jobs"
)

// The stock binary carries no job functions; deployments build their own
// main that registers functions on the registry before handing it to the
// same command tree.
func main() {
	os.Exit(cli.Main(jobs.NewRegistry()))
}
