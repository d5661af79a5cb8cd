package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/andy6609/broadcast-relay/internal/chat"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	addr := flag.String("addr", cfg.Addr(), "relay listen address")
	metricsAddr := flag.String("metrics-addr", cfg.MetricsAddr, "metrics listen address, empty to disable")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Level(),
	}))

	srv := chat.NewServer(chat.Options{
		Addr:           *addr,
		MetricsAddr:    *metricsAddr,
		WriteTimeout:   cfg.WriteTimeout,
		ReadLimit:      cfg.ReadLimit,
		FanoutWorkers:  cfg.FanoutWorkers,
		AllowedOrigins: cfg.AllowedOrigins,
	}, logger)
	if err := srv.Start(); err != nil {
		logger.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	srv.Stop()
}
