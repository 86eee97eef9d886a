package main

import (
	"os"

	"github.com/platinummonkey/plugd/pkg/cli"
)

var version = "dev"

func main() {
	os.Exit(cli.Execute(version))
}
