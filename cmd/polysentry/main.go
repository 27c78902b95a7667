package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/rewired-gh/polysentry/internal/config"
	"github.com/rewired-gh/polysentry/internal/logger"
)

const defaultConfigPath = "configs/config.yaml"

var configPath = flag.String("config", defaultConfigPath, "Path to configuration file")

const usage = `Usage: polysentry [-config path] <command> [flags]

Commands:
  run                      scan continuously and deliver alerts (default)
  scan                     run one scan cycle and deliver its alerts
  events                   list recent suspicion events
  wallet <address>         show a wallet's aggregate and event history
  watch add <address>      add or re-activate a monitored wallet
  watch remove <address>   deactivate a monitored wallet
  watch list               list monitored wallets
  channels test            check connectivity of every alert channel
`

func main() {
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	path := *configPath
	if _, err := os.Stat(path); path == defaultConfigPath && errors.Is(err, os.ErrNotExist) {
		path = ""
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	if path != "" {
		logger.Info("Configuration loaded from %s", path)
	} else {
		logger.Info("No config file, using defaults and environment")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cleaning up...")
		cancel()
	}()

	args := flag.Args()
	command := "run"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	var cmdErr error
	switch command {
	case "run":
		cmdErr = runCommand(ctx, cfg, args)
	case "scan":
		cmdErr = scanCommand(ctx, cfg, args)
	case "events":
		cmdErr = eventsCommand(ctx, cfg, args)
	case "wallet":
		cmdErr = walletCommand(ctx, cfg, args)
	case "watch":
		cmdErr = watchCommand(ctx, cfg, args)
	case "channels":
		cmdErr = channelsCommand(ctx, cfg, args)
	case "help", "-h", "--help":
		flag.Usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", command)
		flag.Usage()
		os.Exit(2)
	}

	if cmdErr != nil {
		cancel()
		logger.Fatal("%s: %v", command, cmdErr)
	}
}
