// pkg/app/app.go
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"versionstore/pkg/commitlog"
	"versionstore/pkg/config"
	"versionstore/pkg/exporter"
	"versionstore/pkg/importer"
	"versionstore/pkg/ingester"
	"versionstore/pkg/persist"
	"versionstore/pkg/refs"
	"versionstore/pkg/storage"
	"versionstore/pkg/storage/cache"

	// 注册全部后端
	_ "versionstore/pkg/storage/disk"
	_ "versionstore/pkg/storage/inmemory"
	_ "versionstore/pkg/storage/rediskv"
	_ "versionstore/pkg/storage/s3"
	_ "versionstore/pkg/storage/sqldb"

	"github.com/spf13/viper"
)

// App 是整个应用程序的依赖容器 (Dependency Container)
// 它持有所有“单例”服务
type App struct {
	Backend  storage.Backend
	Persist  *persist.Persist
	Refs     *refs.Manager
	Commits  *commitlog.Logic
	Ingester *ingester.Ingester
	Exporter *exporter.Exporter
	Importer *importer.Importer
	Logger   *slog.Logger
}

// NewApp 使用全局 viper 组装应用
func NewApp(ctx context.Context) (*App, error) {
	return New(ctx, viper.GetViper(), slog.Default())
}

// New 是工厂函数，负责组装这一台机器
// 它遵循 Viper 的配置，但不知道具体的 CLI 命令
func New(ctx context.Context, v *viper.Viper, logger *slog.Logger) (*App, error) {
	// 1. 存储引擎配置
	cfg, err := config.StoreConfigFrom(v)
	if err != nil {
		return nil, err
	}

	// 2. 初始化后端
	backend, err := initBackend(ctx, v)
	if err != nil {
		return nil, err
	}
	logger.Debug("backend ready", "backend", backend.Name(), "repo", cfg.RepositoryID)

	// 3. 可选的 Redis 对象缓存
	if url := v.GetString(config.KeyCacheURL); url != "" {
		cached, err := cache.New(ctx, backend, cache.Config{
			URL:           url,
			TTL:           v.GetDuration("cache.ttl"),
			MaxRecordSize: v.GetInt("cache.max-record-size"),
			KeyPrefix:     v.GetString("cache.key-prefix"),
		})
		if err != nil {
			_ = backend.Close()
			return nil, fmt.Errorf("failed to init cache: %w", err)
		}
		logger.Debug("object cache enabled", "ttl", v.GetDuration("cache.ttl"))
		backend = cached
	}

	// 4. 组装服务
	p := persist.New(backend, cfg, persist.WithLogger(logger))
	commits := commitlog.New(p)
	ing := ingester.NewIngester(p)
	return &App{
		Backend:  backend,
		Persist:  p,
		Refs:     refs.NewManager(p),
		Commits:  commits,
		Ingester: ing,
		Exporter: exporter.NewExporter(p),
		Importer: importer.New(ing, commits),
		Logger:   logger,
	}, nil
}

func (a *App) Close() error {
	return a.Backend.Close()
}

// initBackend 根据 backend.type 创建后端，本地后端需要的目录会提前创建
func initBackend(ctx context.Context, v *viper.Viper) (storage.Backend, error) {
	name := v.GetString(config.KeyBackendType)
	if name == "" {
		return nil, fmt.Errorf("backend type not set (%s)", config.KeyBackendType)
	}
	sub := config.BackendSub(v, name)

	switch name {
	case "disk":
		if path := sub.GetString("path"); path != "" {
			if err := os.MkdirAll(path, 0755); err != nil {
				return nil, fmt.Errorf("failed to create storage dir: %w", err)
			}
		}
	case "sqlite":
		dsn := sub.GetString("dsn")
		if dsn != "" && !strings.HasPrefix(dsn, "file:") && !strings.Contains(dsn, ":memory:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
				return nil, fmt.Errorf("failed to create database dir: %w", err)
			}
		}
	}

	backend, err := storage.Open(ctx, name, sub)
	if err != nil {
		return nil, fmt.Errorf("failed to init storage: %w", err)
	}
	return backend, nil
}
