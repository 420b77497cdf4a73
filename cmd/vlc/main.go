package main

import (
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/lib/pq" // Import postgres
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"gitlab.com/arcanecrypto/vendcoil/build"
	"gitlab.com/arcanecrypto/vendcoil/build/vendlog"
	"gitlab.com/arcanecrypto/vendcoil/cmd/vlc/actions"
	"gitlab.com/arcanecrypto/vendcoil/cmd/vlc/flags"
)

var log = build.AddSubLogger("MAIN")

func main() { //nolint:deadcode,unused
	app := cli.NewApp()
	app.Name = "vlc"
	app.Usage = "Payment orchestration between vending kiosks and BTCPay Server"
	app.Version = build.Version()
	app.EnableBashCompletion = true
	// have log levels be set for all commands/subcommands
	app.Before = func(c *cli.Context) error {
		level, err := vendlog.ToLogLevel(c.GlobalString("logging.level"))
		if err != nil {
			return err
		}
		existingLevel := log.Level
		if existingLevel != level {
			build.SetLogLevels(level)
		}

		logDir := c.GlobalString("logging.directory")
		if logDir != "" {
			if err := os.MkdirAll(logDir, 0700); err != nil {
				return err
			}
			if err := build.SetLogFile(filepath.Join(logDir, "vlc.log")); err != nil {
				return err
			}
		}
		return nil
	}

	app.Flags = flags.CommonFlags
	app.Commands = []cli.Command{
		actions.Db(),
		actions.Serve(),
		actions.Client(),
		{
			Name:  "fish-completion",
			Usage: "Generate fish shell completion",
			Action: func(c *cli.Context) error {
				// to make this pipeable to `source`, we don't want any other
				// output
				build.SetLogLevels(logrus.FatalLevel)

				completion, err := app.ToFishCompletion()
				if err != nil {
					return err
				}

				// prevent auto complete from suggesting files
				completion = fmt.Sprintf("complete -c %q -f \n", c.App.Name) + completion
				fmt.Println(completion)
				return nil
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		// only print error if something was supplied to vlc, help
		// message is printed anyways
		if len(os.Args) > 1 {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}

}
