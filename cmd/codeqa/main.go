// Command codeqa serves the retrieval-augmented code QA pipelines.
//
// Usage:
//
//	codeqa serve --config config.yaml
//	codeqa validate --config config.yaml pipelines/default.yaml
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/kadirpekel/codeqa/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the QA server."`
	Validate ValidateCmd `cmd:"" help:"Validate pipeline files."`

	Config    string `short:"c" help:"Path to config file." type:"path" default:"config.yaml"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (text or json)." default:"text"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("codeqa version %s\n", version)
	return nil
}

func main() {
	// A local .env is a developer convenience; absence is not an error.
	_ = godotenv.Load()

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("codeqa"),
		kong.Description("Retrieval-augmented question answering for source-code corpora."),
		kong.UsageOnError(),
	)

	logger.Configure(cli.LogLevel, cli.LogFormat)

	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
