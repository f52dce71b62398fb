package main

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "mtqctl",
		Usage: "Send, receive and inspect MiniToolQueue messages",
		Flags: globalFlags(),
		Commands: []*cli.Command{
			{
				Name:      "send",
				Usage:     "Publish messages to a queue",
				ArgsUsage: "<queue> <body>...",
				Flags: []cli.Flag{
					&cli.UintFlag{
						Name:  "priority",
						Usage: "Message priority (0-9)",
						Value: 4,
					},
					&cli.DurationFlag{
						Name:  "ttl",
						Usage: "Message time to live (0 uses the broker default)",
					},
					&cli.StringSliceFlag{
						Name:    "header",
						Aliases: []string{"H"},
						Usage:   "Message header as key=value (repeatable)",
					},
				},
				Action: send,
			},
			{
				Name:      "receive",
				Usage:     "Receive and acknowledge messages from a queue",
				ArgsUsage: "<queue>",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "count",
						Aliases: []string{"n"},
						Usage:   "Number of messages to receive (0 receives until interrupted)",
						Value:   1,
					},
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "How long to wait for each message",
						Value: 5 * time.Second,
					},
					&cli.BoolFlag{
						Name:  "release",
						Usage: "Release messages instead of acknowledging them",
					},
				},
				Action: receive,
			},
			{
				Name:      "stats",
				Usage:     "Show broker or queue statistics",
				ArgsUsage: "[queue]",
				Action:    stats,
			},
			{
				Name:      "query",
				Usage:     "Resolve a management object name",
				ArgsUsage: "<object-name>",
				Action:    query,
			},
			{
				Name:      "add-connector",
				Usage:     "Add a transport connector to a running broker",
				ArgsUsage: "<uri>",
				Action:    addConnector,
			},
			{
				Name:  "token",
				Usage: "Issue a JWT bearer token for a client",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "secret",
						Usage:    "HMAC secret the broker verifies tokens with",
						EnvVars:  []string{"AUTH_JWT_SECRET"},
						Required: true,
					},
					&cli.StringFlag{
						Name:    "issuer",
						Usage:   "Token issuer",
						EnvVars: []string{"AUTH_JWT_ISSUER"},
					},
					&cli.StringFlag{
						Name:     "client-id",
						Usage:    "Client id carried by the token",
						Required: true,
					},
					&cli.StringSliceFlag{
						Name:  "destination",
						Usage: "Destination pattern the client may use (repeatable)",
						Value: cli.NewStringSlice("*"),
					},
					&cli.StringSliceFlag{
						Name:  "permission",
						Usage: "Permission to grant: publish or consume (repeatable)",
						Value: cli.NewStringSlice("publish", "consume"),
					},
					&cli.DurationFlag{
						Name:  "ttl",
						Usage: "Token lifetime",
						Value: 24 * time.Hour,
					},
				},
				Action: token,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
