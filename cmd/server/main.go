package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/moroshma/MiniToolQueue/internal/app"
	"github.com/moroshma/MiniToolQueue/internal/config"
	"github.com/moroshma/MiniToolQueue/pkg/logger"
)

var (
	configPath = flag.String("config", "", "Path to configuration file (optional)")
	envFile    = flag.String("env-file", "", "Path to a .env file loaded before the environment is read (optional)")
)

func main() {
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			log.Fatalf("Failed to load env file: %v", err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("Failed to load .env: %v", err)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	appLogger, err := logger.New(logger.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		OutputPath: cfg.Logger.OutputPath,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting MiniToolQueue broker",
		logger.String("version", "1.0.0"),
		logger.String("broker", cfg.Broker.Name),
		logger.Strings("connectors", cfg.Broker.Connectors),
		logger.Bool("persistent", cfg.Broker.Persistent),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize Vault client if enabled
	vaultClient, err := config.NewVaultClient(&cfg.Vault)
	if err != nil {
		appLogger.Fatal("Failed to create Vault client", logger.Error(err))
	}
	if vaultClient != nil {
		appLogger.Info("Loading secrets from Vault", logger.String("address", cfg.Vault.Address))
		if err := config.ApplyVaultSecrets(ctx, cfg, vaultClient); err != nil {
			appLogger.Fatal("Failed to apply Vault secrets", logger.Error(err))
		}
		if err := cfg.Validate(); err != nil {
			appLogger.Fatal("Invalid configuration after applying Vault secrets", logger.Error(err))
		}
		appLogger.Info("Secrets loaded from Vault successfully")
	} else {
		appLogger.Info("Vault is disabled - using configuration file values")
	}

	application, err := app.New(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to initialize broker", logger.Error(err))
	}

	if err := application.Run(ctx); err != nil {
		appLogger.Error("Broker stopped with errors", logger.Error(err))
		os.Exit(1)
	}
	appLogger.Info("Broker stopped")
}
