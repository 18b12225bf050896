// Package main provides the entry point for scry, a terminal chat client
// for LLM providers. It wires configuration, logging, credential storage,
// and the TUI together.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/scrylabs/scry/internal/auth"
	"github.com/scrylabs/scry/internal/buildinfo"
	"github.com/scrylabs/scry/internal/config"
	"github.com/scrylabs/scry/internal/llm"
	"github.com/scrylabs/scry/internal/logging"
	"github.com/scrylabs/scry/internal/tui"
	"github.com/scrylabs/scry/internal/watcher"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	var configPath string
	var showVersion bool
	flag.StringVar(&configPath, "config", "", "Configuration file path")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("scry %s (%s, built %s)\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)
		return
	}

	// Pick up a .env next to the binary's working directory; absence is
	// not an error.
	if wd, err := os.Getwd(); err == nil {
		if err = godotenv.Load(filepath.Join(wd, ".env")); err == nil {
			log.Debug("loaded environment overrides from .env")
		}
	}

	if configPath == "" {
		defaultPath, err := config.DefaultConfigPath()
		if err != nil {
			log.WithError(err).Fatal("failed to resolve config path")
		}
		configPath = defaultPath
	}

	cfg, err := config.LoadConfigOptional(configPath, true)
	if err != nil {
		log.WithError(err).Fatalf("failed to load config: %s", configPath)
	}

	logDir := cfg.Logging.Dir
	if logDir == "" {
		if logDir, err = config.DefaultLogDir(); err != nil {
			log.WithError(err).Fatal("failed to resolve log directory")
		}
	}
	if err = logging.Configure(logging.Options{
		Dir:            logDir,
		Level:          cfg.Logging.Level,
		MaxTotalSizeMB: cfg.Logging.MaxTotalSizeMB,
	}); err != nil {
		log.WithError(err).Fatal("failed to configure logging")
	}

	storePath := strings.TrimSpace(cfg.CredentialsFile)
	if storePath == "" {
		if storePath, err = auth.DefaultStorePath(); err != nil {
			log.WithError(err).Fatal("failed to resolve credentials path")
		}
	}

	seedFromEnv(storePath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if w, errWatch := watcher.NewWatcher(configPath, storePath, func(newCfg *config.Config) {
		applyLogConfig(newCfg)
	}); errWatch != nil {
		log.WithError(errWatch).Warn("config hot reload disabled")
	} else {
		if errStart := w.Start(ctx); errStart != nil {
			log.WithError(errStart).Warn("config hot reload disabled")
		}
		defer func() { _ = w.Stop() }()
	}

	log.WithFields(log.Fields{
		"version": buildinfo.Version,
		"config":  configPath,
	}).Info("scry starting")

	if err = tui.Run(cfg, storePath, nil); err != nil {
		log.WithError(err).Fatal("tui exited with error")
	}
}

// applyLogConfig re-applies the logging section after a config reload.
func applyLogConfig(cfg *config.Config) {
	logDir := cfg.Logging.Dir
	if logDir == "" {
		var err error
		if logDir, err = config.DefaultLogDir(); err != nil {
			log.WithError(err).Warn("failed to resolve log directory on reload")
			return
		}
	}
	if err := logging.Configure(logging.Options{
		Dir:            logDir,
		Level:          cfg.Logging.Level,
		MaxTotalSizeMB: cfg.Logging.MaxTotalSizeMB,
	}); err != nil {
		log.WithError(err).Warn("failed to re-apply logging config")
	}
}

// seedFromEnv stores API keys found in the environment for providers that
// have no saved credential yet. A malformed key is skipped with a warning
// rather than stored.
func seedFromEnv(storePath string) {
	// A load failure means the file exists but is unreadable; leave it
	// alone rather than risk clobbering it on save.
	store, err := auth.LoadFrom(storePath)
	if err != nil {
		log.WithError(err).Warn("failed to load credential store")
		return
	}

	changed := false
	for _, p := range llm.All() {
		envVar := p.EnvVar()
		if envVar == "" || store.Has(p.StorageKey()) {
			continue
		}
		key := strings.TrimSpace(os.Getenv(envVar))
		if key == "" {
			continue
		}
		if msg := p.ValidateKeyFormat(key); msg != "" {
			log.Warnf("%s is set but looks malformed: %s", envVar, msg)
			continue
		}
		store.Set(p.StorageKey(), auth.NewAPIKey(key))
		changed = true
		log.WithField("provider", p.DisplayName()).Infof("picked up API key from %s", envVar)
	}

	if changed {
		if err := store.SaveTo(storePath); err != nil {
			log.WithError(err).Warn("failed to persist credentials from environment")
		}
	}
}
