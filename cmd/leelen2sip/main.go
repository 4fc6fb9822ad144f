package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sebas/leelen2sip/internal/banner"
	"github.com/sebas/leelen2sip/internal/bridge"
	"github.com/sebas/leelen2sip/internal/config"
	"github.com/sebas/leelen2sip/internal/logger"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "leelen2sip:", err)
		os.Exit(1)
	}

	logger.InitLogger(os.Stdout)
	if cfg.Debug {
		logger.SetLevel("debug")
	} else {
		logger.SetLevel("info")
	}

	printBanner(cfg)

	srv, err := bridge.NewServer(cfg)
	if err != nil {
		slog.Error("leelen2sip: failed to start", "error", err)
		os.Exit(1)
	}
	defer srv.Close()

	run(srv, cfg)
}

func run(srv *bridge.Server, cfg config.Config) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("leelen2sip: received signal, shutting down", "signal", sig)
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			slog.Error("leelen2sip: bridge stopped", "error", err)
		}
	}
}

func printBanner(cfg config.Config) {
	banner.Print("LEELEN <-> SIP Bridge", []banner.ConfigLine{
		{Label: "number", Value: cfg.Number.String()},
		{Label: "interface", Value: cfg.Interface},
		{Label: "discovery", Value: fmt.Sprintf("%d", cfg.DiscoveryPort)},
		{Label: "voip", Value: fmt.Sprintf("%d", cfg.VoIPPort)},
		{Label: "sip", Value: fmt.Sprintf("%d", cfg.SIPPort)},
		{Label: "sip-host", Value: cfg.SIPHost},
		{Label: "audio", Value: fmt.Sprintf("%d", cfg.AudioPort)},
		{Label: "video", Value: fmt.Sprintf("%d", cfg.VideoPort)},
		{Label: "ua", Value: cfg.UserAgent},
	})
}
