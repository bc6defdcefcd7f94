// Package main provides the HTTP server for studyctx.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/config"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/server"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger, closeLog := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer func() { _ = closeLog() }()
	slog.SetDefault(logger)

	slog.Info("starting studyctx-server", "port", cfg.ServerPort)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	engine, err := service.NewFromConfig(ctx, cfg, logger)
	cancel()
	if err != nil {
		slog.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:        ":" + cfg.ServerPort,
		Handler:     server.New(engine, config.Component(logger, "http")).Handler(),
		ReadTimeout: 5 * time.Second,
		// Job watches and synchronous prefetches hold the response open.
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("API available", "url", fmt.Sprintf("http://localhost:%s/v1", cfg.ServerPort))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := engine.Close(ctx); err != nil {
		slog.Error("failed to close engine", "error", err)
	}

	slog.Info("server stopped")
}
