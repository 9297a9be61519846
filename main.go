package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	_ "go.uber.org/automaxprocs"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	// Basic logger for startup, before the structured logger exists
	logger := log.New(os.Stdout, "[TERMSTREAM] ", log.LstdFlags)

	// automaxprocs sets GOMAXPROCS from container CPU limits at import time
	logger.Printf("GOMAXPROCS: %d (via automaxprocs)", runtime.GOMAXPROCS(0))

	cfg, err := LoadConfig(nil)
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	if *debug {
		cfg.LogLevel = "debug"
		logger.Printf("Debug mode enabled via flag")
	}

	server, err := NewServer(ServerConfig{
		Addr:          cfg.Addr,
		NATSUrl:       cfg.NATSUrl,
		SubjectPrefix: cfg.SubjectPrefix,

		MaxConnections: cfg.MaxConnections,

		ConnRateIPBurst:      cfg.ConnRateIPBurst,
		ConnRateIPPerSec:     cfg.ConnRateIPPerSec,
		ConnRateGlobalBurst:  cfg.ConnRateGlobalBurst,
		ConnRateGlobalPerSec: cfg.ConnRateGlobalPerSec,

		MetricsInterval: cfg.MetricsInterval,
		ShutdownGrace:   cfg.ShutdownGrace,

		LogLevel:  cfg.LogLevel,
		LogFormat: cfg.LogFormat,
	})
	if err != nil {
		logger.Fatalf("Failed to create server: %v", err)
	}

	cfg.LogConfig(server.logger)

	if err := server.Start(); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Println("Shutting down server...")
	if err := server.Shutdown(); err != nil {
		logger.Printf("Error during shutdown: %v", err)
	}
}
