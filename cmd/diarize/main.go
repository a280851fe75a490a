package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"speaker-diarizer/internal/bootstrap"
	"speaker-diarizer/internal/platform/apperr"
	"speaker-diarizer/internal/platform/config"
	"speaker-diarizer/internal/platform/logger"
)

func main() {
	format := flag.String("format", "text", "output format: text, json or yaml")
	envFile := flag.String("env", ".env", "environment file to load if present")
	logLevel := flag.String("log-level", "", "log level (overrides LOG_LEVEL)")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: diarize [-format text|json|yaml] <audio file>")
		os.Exit(2)
	}
	path := flag.Arg(0)

	_ = config.Load(*envFile)
	level := *logLevel
	if level == "" {
		level = config.GetEnv("LOG_LEVEL", "warn")
	}
	log := logger.NewWithWriter(os.Stderr, level, config.GetEnv("LOG_FORMAT", "text"))

	switch *format {
	case "text", "json", "yaml":
	default:
		fmt.Fprintf(os.Stderr, "diarize: unknown format %q\n", *format)
		os.Exit(2)
	}

	if err := run(log, path, *format); err != nil {
		resp, _ := apperr.ToResponse(err)
		log.Error("diarization failed", "code", resp.Error.Code, "error", err)
		fmt.Fprintf(os.Stderr, "diarize: %s\n", resp.Error.Message)
		os.Exit(1)
	}
}

func run(log *slog.Logger, path, format string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	norm, err := bootstrap.Normalizer()
	if err != nil {
		return err
	}
	provider, err := bootstrap.Provider(log)
	if err != nil {
		return err
	}
	orch, err := bootstrap.Orchestrator(provider, norm, log, nil)
	if err != nil {
		return err
	}
	defer orch.Close()

	imp, err := bootstrap.FileSource(norm, log).Load(ctx, path)
	if err != nil {
		return err
	}

	snap, err := orch.Run(ctx, imp.Buffer, path)
	if err != nil {
		return err
	}

	return writeReport(os.Stdout, format, newReport(path, imp.Duration, snap, orch.Statistics()))
}
