package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/coordnet/coordtest/coord/server"
	"github.com/coordnet/coordtest/harness"
	"github.com/coordnet/coordtest/internal/files"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:      "coordtest",
		Usage:     "stand up a local coordination server, fork a client, and drain its output",
		ArgsUsage: "[command [args...]]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "nspace",
				Usage: "The namespace to register for the client app.",
				Value: "testnspace",
			},
			&cli.IntFlag{
				Name:  "nspace-size",
				Usage: "The number of ranks in the namespace.",
				Value: 1,
			},
			&cli.StringFlag{
				Name:  "wd",
				Usage: "The working directory for the client process.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level for diagnostics. One of [debug,info,warn,error].",
				Value: "info",
			},
		},
		Action: func(ctx *cli.Context) error {
			level, err := zapcore.ParseLevel(ctx.String("log-level"))
			if err != nil {
				return fmt.Errorf("parsing log level: %w", err)
			}
			logger, err := zap.NewProduction(zap.IncreaseLevel(level))
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}

			command := ctx.Args().First()
			var args []string
			if command == "" {
				// default to the demo client binary, searching upward
				// from the working directory like the test harnesses do
				wd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("getting wd: %w", err)
				}
				command, err = files.FindUp("coordclient", wd)
				if err != nil {
					return fmt.Errorf("searching for coordclient bin: %w", err)
				}
				if command == "" {
					return fmt.Errorf("no command given and no coordclient bin found")
				}
			} else {
				args = ctx.Args().Tail()
			}

			h, err := harness.New(
				harness.WithNamespace(ctx.String("nspace"), ctx.Int("nspace-size")),
				harness.WithCommand(command, args...),
				harness.WithWD(ctx.String("wd")),
				harness.WithLogger(logger),
				harness.WithServerOptions(server.WithLogger(logger)),
			)
			if err != nil {
				return fmt.Errorf("building harness: %w", err)
			}

			code, err := h.Run(context.Background())
			if err != nil {
				return cli.Exit(err.Error(), code)
			}
			if code != 0 {
				return cli.Exit("", code)
			}
			return nil
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
