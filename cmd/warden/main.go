package main

import (
	"github.com/tmheath/warden/internal/cli"
	"github.com/tmheath/warden/internal/metrics"
)

func main() {
	metrics.EmitBuildInfo()
	cli.Execute()
}
