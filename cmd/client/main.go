package main

import (
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pyropy/carlens/lib/logger"
)

var log, _ = logger.New("cli")

var app = &cli.App{
	Name:  "carlens",
	Usage: "upload videos and read licence plates",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "server",
			Value:   "localhost:8000",
			Usage:   "carlens server `ADDRESS`",
			EnvVars: []string{"CARLENS_SERVER"},
		},
	},
	Commands: []*cli.Command{
		uploadCmd,
		processCmd,
		historyCmd,
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		log.Fatalln("cli", "ERROR", err)
	}
}
