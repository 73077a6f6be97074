package main

import (
	"os"

	"github.com/acto-org/acto/internal/build"
	"github.com/acto-org/acto/internal/cmd"

	_ "github.com/acto-org/acto/internal/llm/allproviders" // Register LLM providers
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// version is set at build time via -ldflags.
var version = "0.0.0"

func init() {
	build.Version = version
}
