package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path"

	"github.com/google/subcommands"
	"github.com/joho/godotenv"
	"github.com/martinmaurice/pescan/internal/app"
	"github.com/martinmaurice/pescan/internal/cli"
	"github.com/martinmaurice/pescan/pkg/config"
	"github.com/martinmaurice/pescan/pkg/env"
)

var envFilePath = flag.String("env", "", "Enter the env file path you want to load if any")

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	flag.Parse()

	if *envFilePath != "" {
		if err := godotenv.Load(*envFilePath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: could not load the env file %s: %v\n", *envFilePath, err)
			os.Exit(int(subcommands.ExitFailure))
		}
	}

	envObj := env.GetEnv()
	cfg, err := config.Load(envObj.ConfigFile)
	if err != nil {
		slog.Warn("using the default config", "path", envObj.ConfigFile, "error", err)
		cfg = config.Default()
	}

	a := app.New(envObj, cfg)

	cli.Register(commander, cli.Deps{
		Analyzer: a.Analyzer,
		Throttle: a.Throttle,
		Quota:    a.Quota,
	})

	status := commander.Execute(context.Background())
	a.Close()
	os.Exit(int(status))
}
