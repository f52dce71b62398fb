package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/moroshma/MiniToolQueue/internal/hello"
	"github.com/moroshma/MiniToolQueue/pkg/client"
	"github.com/moroshma/MiniToolQueue/pkg/logger"
)

var (
	brokerURI = flag.String("broker", envOr("MTQ_BROKER", "grpc://127.0.0.1:61616"), "Broker connector URI")
	queue     = flag.String("queue", hello.DefaultQueue, "Queue to send to and consume from")
	message   = flag.String("message", hello.DefaultStartupMessage, "Message sent on startup")
	username  = flag.String("username", os.Getenv("MTQ_USERNAME"), "Username for the open handshake")
	password  = flag.String("password", os.Getenv("MTQ_PASSWORD"), "Password for the open handshake")
	logLevel  = flag.String("log-level", "info", "Log level")
	reconnect = flag.Bool("reconnect", true, "Reconnect when the connection is lost")
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	flag.Parse()

	appLogger, err := logger.New(logger.Config{Level: *logLevel, Format: "console", OutputPath: "stdout"})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer appLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := hello.Run(ctx, hello.Config{
		URI:            *brokerURI,
		Queue:          *queue,
		StartupMessage: *message,
		Client: client.Options{
			ClientID:  "hello-world",
			Username:  *username,
			Password:  *password,
			Reconnect: *reconnect,
		},
	}, nil, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to start hello world", logger.Error(err))
	}

	appLogger.Info("Hello world running, press Ctrl+C to exit", logger.String("broker", *brokerURI))
	<-ctx.Done()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Close(closeCtx); err != nil {
		appLogger.Error("Failed to close hello world", logger.Error(err))
	}
	appLogger.Info("Hello world stopped", logger.Int("handled", int(app.Consumer().Handled())))
}
