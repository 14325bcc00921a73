package main

import (
	"github.com/fly-io/stagehand/cmd/stagehand/commands"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	commands.Version = version
	commands.Execute()
}
