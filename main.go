package main

import (
	"os"

	"github.com/vzahanych/facetrace/internal/cli"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	os.Exit(cli.Execute(cli.BuildInfo{
		Version:   version,
		BuildTime: buildTime,
		GitCommit: gitCommit,
	}))
}
