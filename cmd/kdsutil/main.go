package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/appetiteclub/kds/cmd/kdsutil/internal/commands"
	"github.com/appetiteclub/kds/internal/config"
	"github.com/appetiteclub/kds/internal/logging"
)

const (
	appName    = "kdsutil"
	appVersion = "0.1.0"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load("KDS", os.Args[2:])
	if err != nil {
		log.Fatalf("Cannot load config: %v", err)
	}

	logLevel, _ := cfg.GetString("log.level")
	logger := logging.New(logLevel)

	ctx := context.Background()
	command := os.Args[1]

	switch command {
	case "seed-demo":
		if err := commands.SeedDemo(ctx, cfg, logger); err != nil {
			log.Fatalf("Demo seeding failed: %v", err)
		}
		logger.Info("demo seeding completed")

	case "clear-demo":
		if err := commands.ClearDemo(ctx, cfg, logger); err != nil {
			log.Fatalf("Clear demo data failed: %v", err)
		}
		logger.Info("demo data cleared")

	case "reset-db":
		if err := commands.ResetDB(ctx, cfg, logger); err != nil {
			log.Fatalf("Database reset failed: %v", err)
		}
		logger.Info("database reset completed")

	case "version":
		fmt.Printf("%s version %s\n", appName, appVersion)

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`%s - KDS utility commands

Usage:
  %s <command> [--config file.yaml] [--env-file .env]

Commands:
  seed-demo    Create demo tickets with courses in every state
  clear-demo   Remove demo tickets and their bump history
  reset-db     Drop the KDS database (USE WITH CAUTION)
  version      Print version information
  help         Show this help message

Environment Variables:
  KDS_DB__MONGO__URL    MongoDB connection URL (default: mongodb://localhost:27017)
  KDS_DB__MONGO__NAME   Database name (default: appetite_kds)
  KDS_KDS__KITCHEN_ID   Kitchen the demo tickets belong to (default: default)
  KDS_LOG__LEVEL        Log level: debug, info, warn, error (default: info)

Examples:
  %s seed-demo
  %s clear-demo
  KDS_DB__MONGO__URL=mongodb://localhost:27017 %s reset-db

`, appName, appName, appName, appName, appName)
}
