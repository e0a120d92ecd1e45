// Package main provides the ecoroute worker entry point.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/ecoroute/internal/config"
	"github.com/thebtf/ecoroute/internal/watcher"
	"github.com/thebtf/ecoroute/internal/worker"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	debug := flag.Bool("debug", false, "Enable debug logging")
	port := flag.Int("port", 0, "Listen port (default: settings or 37877)")
	noWatch := flag.Bool("no-watch", false, "Do not restart when settings or the database change")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})

	if err := config.EnsureAll(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure data directory")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load config, using defaults")
		cfg = config.Default()
		cfg.DBPath = config.DBPath()
	}
	if *port > 0 {
		cfg.WorkerPort = *port
	}

	svc, err := worker.NewService(Version, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create worker service")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("Shutting down worker")
		cancel()
	}()

	// A watcher firing ends Run with a clean exit; the supervisor restarts
	// the worker with fresh settings.
	if !*noWatch {
		stop := startWatchers(cfg, func(reason string) {
			log.Warn().Str("reason", reason).Msg("Exiting for restart")
			cancel()
		})
		defer stop()
	}

	if err := svc.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Worker error")
		os.Exit(1)
	}
}

// startWatchers watches the settings file and, for SQLite, the database
// file. It returns a func that stops all watchers.
func startWatchers(cfg *config.Config, exit func(reason string)) func() {
	var started []*watcher.Watcher

	add := func(path string, onChange func(watcher.Kind)) {
		w, err := watcher.New(path, onChange)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Failed to create file watcher")
			return
		}
		if err := w.Start(); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Failed to start file watcher")
			return
		}
		log.Info().Str("path", path).Msg("File watcher started")
		started = append(started, w)
	}

	settingsPath := config.SettingsPath()
	add(settingsPath, func(k watcher.Kind) {
		log.Warn().Str("path", settingsPath).Stringer("change", k).Msg("Settings file changed")
		exit("settings " + k.String())
	})

	if cfg.DBDriver == "" || cfg.DBDriver == "sqlite" {
		dbPath := cfg.DBPath
		add(dbPath, func(k watcher.Kind) {
			if k != watcher.Deleted {
				return
			}
			log.Error().Str("path", dbPath).Msg("Database file deleted")
			exit("database deleted")
		})
	}

	return func() {
		for _, w := range started {
			if err := w.Stop(); err != nil {
				log.Debug().Err(err).Msg("Failed to stop file watcher")
			}
		}
	}
}
