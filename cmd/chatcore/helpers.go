package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/deskline/chatcore"
	"go.uber.org/zap"
)

// env bundles what most commands need: config, logger, gateway and cache.
type env struct {
	cfg    *Config
	logger *zap.Logger
	gw     *chatcore.Gateway
	cache  *chatcore.Cache
}

// setup loads the config and builds the shared components. The caller must
// call close.
func setup(metrics *chatcore.Metrics) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Default.BaseURL == "" || cfg.Default.Token == "" {
		return nil, fmt.Errorf("no provider configured. Run 'chatcore init <base-url> <token>' first")
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	gw := chatcore.NewGateway(cfg.Default.BaseURL,
		chatcore.WithToken(cfg.Default.Token),
		chatcore.WithGatewayLogger(logger),
		chatcore.WithGatewayMetrics(metrics),
	)

	cache, err := openCache(cfg, logger, metrics)
	if err != nil {
		logger.Sync()
		return nil, err
	}
	return &env{cfg: cfg, logger: logger, gw: gw, cache: cache}, nil
}

func (e *env) close() {
	if err := e.cache.Close(); err != nil {
		e.logger.Warn("closing cache", zap.Error(err))
	}
	e.logger.Sync()
}

func (e *env) workspace() string {
	return e.cfg.Default.WorkspaceID
}

// openCache opens the SQLite cache, by default ~/.chatcore/cache.db.
func openCache(cfg *Config, logger *zap.Logger, metrics *chatcore.Metrics) (*chatcore.Cache, error) {
	path := cfg.Cache.Path
	if path == "" {
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "cache.db")
	}
	cache := chatcore.NewCache(chatcore.NewSQLiteStorage(path),
		chatcore.WithCacheLogger(logger),
		chatcore.WithCacheMetrics(metrics),
	)
	if err := cache.Init(); err != nil {
		return nil, fmt.Errorf("failed to open cache %s: %w", path, err)
	}
	return cache, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatUnix(ts int64) string {
	if ts == 0 {
		return "-"
	}
	return time.Unix(ts, 0).Format("2006-01-02 15:04")
}

// maskKey shows the first 4 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
