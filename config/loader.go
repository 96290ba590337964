package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	ktoml "github.com/knadh/koanf/parsers/toml"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the configuration while respecting env > file > default
// precedence. Hosts that construct Config in code can skip it entirely.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator. The env prefix (for example "OFFSYNC")
// is applied after any files so environment values win.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot following the documented precedence
// rules and validates it before returning.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(Default()), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"cache.maxsizemb":       "cache.maxSizeMB",
			"cache.maxentries":      "cache.maxEntries",
			"cache.defaultttl":      "cache.defaultTTL",
			"queue.maxsize":         "queue.maxSize",
			"queue.maxretries":      "queue.maxRetries",
			"queue.retrydelay":      "queue.retryDelay",
			"queue.retrymultiplier": "queue.retryMultiplier",
			"queue.maxretrydelay":   "queue.maxRetryDelay",
			"sync.onreconnect":      "sync.onReconnect",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (QUEUE__MAX_RETRIES -> queue.maxretries).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			key = strings.ReplaceAll(key, "_", "")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			return lower
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return kyaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml":
		return ktoml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file type: %s", path)
	}
}

// structToMap converts Default into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"cache": map[string]any{
			"maxSizeMB":  cfg.Cache.MaxSizeMB,
			"maxEntries": cfg.Cache.MaxEntries,
			"defaultTTL": cfg.Cache.DefaultTTL,
		},
		"queue": map[string]any{
			"maxSize":         cfg.Queue.MaxSize,
			"persistence":     cfg.Queue.Persistence,
			"maxRetries":      cfg.Queue.MaxRetries,
			"retryDelay":      cfg.Queue.RetryDelay,
			"retryMultiplier": cfg.Queue.RetryMultiplier,
			"maxRetryDelay":   cfg.Queue.MaxRetryDelay,
		},
		"sync": map[string]any{
			"interval":    cfg.Sync.Interval,
			"timeout":     cfg.Sync.Timeout,
			"auto":        cfg.Sync.Auto,
			"onReconnect": cfg.Sync.OnReconnect,
		},
		"logging": map[string]any{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
		},
	}
}
