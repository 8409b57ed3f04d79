package main

import (
	"github.com/urfave/cli"
)

var configCLICommand = cli.Command{
	Name:  "config",
	Usage: "print the configuration with defaults filled in",
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		return cfg.WriteYAML(c.App.Writer)
	},
}
