// Package config loads repopulse settings from a YAML file and
// REPOPULSE_* environment overrides, and hot-reloads the rotatable
// settings (webhook secret, default activity window) when the file
// changes on disk.
package config

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the resolved configuration. Fields read once at startup are
// plain; the hot-reloadable settings go through accessor methods.
type Config struct {
	DBPath     string
	PoolSize   int
	ListenAddr string

	WebhookRateMax    int
	WebhookRateWindow time.Duration

	LMAPIKey     string
	LMBaseURL    string
	LMModel      string
	LMTimeout    time.Duration
	LMMaxRetries int
	LMRetryDelay time.Duration
	LMRateMax    int
	LMRateWindow time.Duration

	path string

	mu                  sync.RWMutex
	webhookSecret       string
	activityWindowHours int
}

func defaults(v *viper.Viper) {
	v.SetDefault("db.path", "repopulse.db")
	v.SetDefault("db.pool_size", 20)
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.rate_max", 100)
	v.SetDefault("webhook.rate_window", time.Minute)
	v.SetDefault("activity_window_hours", 72)
	v.SetDefault("lm.api_key", "")
	v.SetDefault("lm.base_url", "")
	v.SetDefault("lm.model", "")
	v.SetDefault("lm.timeout", 15*time.Second)
	v.SetDefault("lm.max_retries", 1)
	v.SetDefault("lm.retry_delay", 1500*time.Millisecond)
	v.SetDefault("lm.rate_max", 10)
	v.SetDefault("lm.rate_window", time.Minute)
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix("REPOPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
	}
	return v
}

// Load reads the configuration. path may be empty, in which case only
// defaults and environment variables apply.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	c := &Config{
		DBPath:     v.GetString("db.path"),
		PoolSize:   v.GetInt("db.pool_size"),
		ListenAddr: v.GetString("server.listen"),

		WebhookRateMax:    v.GetInt("webhook.rate_max"),
		WebhookRateWindow: v.GetDuration("webhook.rate_window"),

		LMAPIKey:     v.GetString("lm.api_key"),
		LMBaseURL:    v.GetString("lm.base_url"),
		LMModel:      v.GetString("lm.model"),
		LMTimeout:    v.GetDuration("lm.timeout"),
		LMMaxRetries: v.GetInt("lm.max_retries"),
		LMRetryDelay: v.GetDuration("lm.retry_delay"),
		LMRateMax:    v.GetInt("lm.rate_max"),
		LMRateWindow: v.GetDuration("lm.rate_window"),

		path:                path,
		webhookSecret:       v.GetString("webhook.secret"),
		activityWindowHours: v.GetInt("activity_window_hours"),
	}
	return c, nil
}

// WebhookSecret returns the current shared webhook secret.
func (c *Config) WebhookSecret() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.webhookSecret
}

// ActivityWindowHours returns the default activity window for workspaces
// without an explicit setting.
func (c *Config) ActivityWindowHours() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.activityWindowHours
}

// Watch re-reads the rotatable settings whenever the config file changes.
// Editors and secret managers typically replace the file, so the parent
// directory is watched rather than the file itself. Blocks until ctx is
// done; no-op when no config file was given.
func (c *Config) Watch(ctx context.Context) error {
	if c.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(c.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}

	target := filepath.Clean(c.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			c.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("config: watch error: %v", err)
		}
	}
}

func (c *Config) reload() {
	v := newViper(c.path)
	if err := v.ReadInConfig(); err != nil {
		log.Printf("config: reload %s: %v", c.path, err)
		return
	}

	secret := v.GetString("webhook.secret")
	window := v.GetInt("activity_window_hours")

	c.mu.Lock()
	secretChanged := secret != c.webhookSecret
	windowChanged := window != c.activityWindowHours
	c.webhookSecret = secret
	c.activityWindowHours = window
	c.mu.Unlock()

	if secretChanged {
		log.Printf("config: webhook secret rotated")
	}
	if windowChanged {
		log.Printf("config: default activity window now %dh", window)
	}
}
