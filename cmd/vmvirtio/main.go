// Command vmvirtio exercises the virtio-pci device model without a guest:
// it builds the configured machine and drives its devices through a
// simulated driver.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli"

	"github.com/tinyrange/vmvirtio/internal/config"
)

const (
	name  = "vmvirtio"
	usage = "virtio-pci device model test harness"
)

var defaultOutputFile = os.Stdout

var globalFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "config, c",
		Usage: "machine configuration file (YAML)",
	},
	cli.BoolFlag{
		Name:  "debug",
		Usage: "enable debug logging, overriding the configured level",
	},
}

var commands = []cli.Command{
	selftestCLICommand,
	lspciCLICommand,
	configCLICommand,
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = name
	app.Usage = usage
	app.Writer = defaultOutputFile
	app.Flags = globalFlags
	app.Commands = commands
	app.Before = setupLogging
	return app
}

// setupLogging installs the default slog handler before any command runs.
func setupLogging(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	if c.GlobalBool("debug") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

func loadConfig(c *cli.Context) (config.Config, error) {
	return config.Load(c.GlobalString("config"))
}
