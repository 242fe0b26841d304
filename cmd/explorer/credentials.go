package main

import (
	"fmt"
	"strings"

	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/assessment"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/config"
	"github.com/urfave/cli/v2"
)

var credentialsCommand = &cli.Command{
	Name:  "credentials",
	Usage: "Add app credentials or API keys to an assessment config",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "assessment",
			Aliases:  []string{"a"},
			Usage:    "Assessment config file to update (YAML or JSON)",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "app",
			Usage: "App name the credentials belong to",
		},
		&cli.StringFlag{
			Name:  "username",
			Usage: "Login username",
		},
		&cli.StringFlag{
			Name:  "password",
			Usage: "Login password",
		},
		&cli.StringSliceFlag{
			Name:  "api-key",
			Usage: "API key as service=key (repeatable)",
		},
	},
	Action: credentialsAction,
}

func credentialsAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := config.InitLogger(&cfg.Log)

	path := c.String("assessment")
	m, err := assessment.NewCredentialManager(path, logger)
	if err != nil {
		return fmt.Errorf("failed to load assessment config: %w", err)
	}

	changed := false
	if app := c.String("app"); app != "" {
		if c.String("username") == "" && c.String("password") == "" {
			return fmt.Errorf("--username or --password is required with --app")
		}
		m.AddCredentials(app, c.String("username"), c.String("password"))
		changed = true
	}
	for _, kv := range c.StringSlice("api-key") {
		service, key, ok := strings.Cut(kv, "=")
		if !ok || service == "" || key == "" {
			return fmt.Errorf("invalid --api-key %q, expected service=key", kv)
		}
		m.AddAPIKey(service, key)
		changed = true
	}
	if !changed {
		return fmt.Errorf("nothing to add, use --app or --api-key")
	}
	return m.Save(path)
}
