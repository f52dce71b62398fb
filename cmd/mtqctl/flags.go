package main

import (
	"time"

	"github.com/urfave/cli/v2"
)

// globalFlags returns the flags shared by every mtqctl command
func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "Enable verbose logging",
		},
		&cli.StringFlag{
			Name:    "broker",
			Aliases: []string{"b"},
			Usage:   "Broker connector URI",
			EnvVars: []string{"MTQ_BROKER"},
			Value:   "grpc://127.0.0.1:61616",
		},
		&cli.StringFlag{
			Name:    "management",
			Aliases: []string{"m"},
			Usage:   "Management HTTP address",
			EnvVars: []string{"MTQ_MANAGEMENT"},
			Value:   "127.0.0.1:8161",
		},
		&cli.StringFlag{
			Name:    "username",
			Aliases: []string{"u"},
			Usage:   "Username for the open handshake",
			EnvVars: []string{"MTQ_USERNAME"},
		},
		&cli.StringFlag{
			Name:    "password",
			Aliases: []string{"p"},
			Usage:   "Password for the open handshake",
			EnvVars: []string{"MTQ_PASSWORD"},
		},
		&cli.StringFlag{
			Name:    "token",
			Usage:   "JWT bearer token (overrides username/password)",
			EnvVars: []string{"MTQ_TOKEN"},
		},
		&cli.DurationFlag{
			Name:    "dial-timeout",
			Usage:   "Connect and handshake timeout",
			EnvVars: []string{"MTQ_DIAL_TIMEOUT"},
			Value:   10 * time.Second,
		},
	}
}
