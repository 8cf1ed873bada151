package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rcourtman/billing-bridge/internal/logging"
	"github.com/rs/zerolog/log"
)

const watcherDebounce = 100 * time.Millisecond

// ConfigWatcher monitors the .env file and applies runtime-safe settings:
// LOG_LEVEL and ALLOWED_ORIGINS. Everything else needs a restart.
type ConfigWatcher struct {
	config      *Config
	envPath     string
	watcher     *fsnotify.Watcher
	stopChan    chan struct{}
	stopOnce    sync.Once
	lastModTime time.Time
	mu          sync.Mutex

	onOriginsChanged func([]string)
}

// NewConfigWatcher creates a watcher for the .env file in the data directory.
func NewConfigWatcher(config *Config) (*ConfigWatcher, error) {
	envPath := filepath.Join(config.DataDir, ".env")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	cw := &ConfigWatcher{
		config:   config,
		envPath:  envPath,
		watcher:  watcher,
		stopChan: make(chan struct{}),
	}
	if stat, err := os.Stat(envPath); err == nil {
		cw.lastModTime = stat.ModTime()
	}
	return cw, nil
}

// OnOriginsChanged registers a callback invoked after ALLOWED_ORIGINS changes.
func (cw *ConfigWatcher) OnOriginsChanged(fn func([]string)) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.onOriginsChanged = fn
}

// Start begins watching the config file
func (cw *ConfigWatcher) Start() error {
	dir := filepath.Dir(cw.envPath)
	if err := cw.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch config directory, falling back to polling")
		go cw.pollForChanges(5 * time.Second)
		return nil
	}

	go cw.handleEvents(cw.watcher.Events, cw.watcher.Errors)
	log.Info().Str("env_path", cw.envPath).Msg("Started watching config file for changes")
	return nil
}

// Stop stops the config watcher
func (cw *ConfigWatcher) Stop() {
	cw.stopOnce.Do(func() {
		close(cw.stopChan)
		cw.watcher.Close()
	})
}

// ReloadConfig manually triggers a config reload (e.g., from SIGHUP)
func (cw *ConfigWatcher) ReloadConfig() {
	cw.reloadConfig()
}

func (cw *ConfigWatcher) handleEvents(events <-chan fsnotify.Event, errs <-chan error) {
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != ".env" && event.Name != cw.envPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			// Debounce - wait a bit for write to complete
			time.Sleep(watcherDebounce)
			log.Info().Str("event", event.Op.String()).Msg("Detected .env file change")
			cw.reloadConfig()

		case err, ok := <-errs:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-cw.stopChan:
			return
		}
	}
}

func (cw *ConfigWatcher) pollForChanges(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stat, err := os.Stat(cw.envPath)
			if err != nil || !stat.ModTime().After(cw.lastModTime) {
				continue
			}
			log.Info().Msg("Detected .env file change via polling")
			cw.lastModTime = stat.ModTime()
			cw.reloadConfig()

		case <-cw.stopChan:
			return
		}
	}
}

func (cw *ConfigWatcher) reloadConfig() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	envMap, err := godotenv.Read(cw.envPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Msg("Failed to read .env file")
			return
		}
		envMap = make(map[string]string)
	}

	var changes []string

	Mu.Lock()
	newLevel := strings.Trim(envMap["LOG_LEVEL"], "'\"")
	if newLevel != "" && newLevel != cw.config.LogLevel && !cw.config.EnvOverrides["LOG_LEVEL"] {
		cw.config.LogLevel = newLevel
		changes = append(changes, "log level updated")
	}
	levelChanged := len(changes) > 0

	var origins []string
	originsChanged := false
	if raw, ok := envMap["ALLOWED_ORIGINS"]; ok && !cw.config.EnvOverrides["ALLOWED_ORIGINS"] {
		origins = splitList(strings.Trim(raw, "'\""))
		if !slices.Equal(origins, cw.config.AllowedOrigins) {
			cw.config.AllowedOrigins = origins
			originsChanged = true
			changes = append(changes, "allowed origins updated")
		}
	}
	Mu.Unlock()

	if levelChanged {
		logging.SetLevel(newLevel)
	}
	if originsChanged && cw.onOriginsChanged != nil {
		cw.onOriginsChanged(append([]string(nil), origins...))
	}

	if len(changes) > 0 {
		log.Info().Strs("changes", changes).Msg("Applied .env file changes to runtime config")
	} else {
		log.Debug().Msg("No relevant changes detected in .env file")
	}
}
