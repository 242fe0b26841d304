package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// globalFlags 所有子命令共用
var globalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to the YAML config file (empty uses defaults and environment)",
		EnvVars: []string{"EXPLORER_CONFIG"},
	},
	&cli.StringFlag{
		Name:    "log-level",
		Usage:   "Log level (debug, info, warn, error)",
		EnvVars: []string{"EXPLORER_LOG_LEVEL"},
	},
	&cli.StringFlag{
		Name:    "output",
		Aliases: []string{"o"},
		Usage:   "Directory for run outputs (events, journals, utg.json)",
		EnvVars: []string{"EXPLORER_OUTPUT_DIR"},
	},
}

func main() {
	app := &cli.App{
		Name:    "explorer",
		Usage:   "Automated UI exploration of Android apps",
		Version: fmt.Sprintf("%s (build %s, commit %s)", Version, BuildTime, GitCommit),
		Description: `Explorer drives an Android app over adb with a graph-search, LLM-guided,
replay or manual policy and records the UI transition graph it discovers.

Examples:
  explorer run --package com.example.app --policy dfs_greedy --count 200
  explorer run --package com.example.app --policy task --task "Create a note"
  explorer replay --package com.example.app --dir output/<run-id>
  explorer serve --config configs/config.yaml
  explorer credentials --assessment assessment.yaml --app Calm --username alice --password secret`,
		Flags: globalFlags,
		Commands: []*cli.Command{
			runCommand,
			replayCommand,
			serveCommand,
			credentialsCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
