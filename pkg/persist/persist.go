package persist

import (
	"context"
	"log/slog"

	"versionstore/pkg/config"
	"versionstore/pkg/core"
	"versionstore/pkg/storage"
)

// Persist 绑定一个后端和一个仓库 ID
// 它本身不持有任何锁，也不缓存任何数据：一致性完全依赖后端的原子写入和 CAS。
type Persist struct {
	backend storage.Backend
	cfg     config.StoreConfig
	logger  *slog.Logger
	now     func() int64 // 微秒时间戳，测试可替换
}

// Option 修改 Persist 的可选参数
type Option func(*Persist)

// WithLogger 指定 logger，默认使用 slog.Default()
func WithLogger(l *slog.Logger) Option {
	return func(p *Persist) { p.logger = l }
}

// WithClock 替换时间来源 (微秒)
func WithClock(now func() int64) Option {
	return func(p *Persist) { p.now = now }
}

// New 创建 Persist，cfg 必须已经通过校验
func New(backend storage.Backend, cfg config.StoreConfig, opts ...Option) *Persist {
	p := &Persist{
		backend: backend,
		cfg:     cfg,
		logger:  slog.Default(),
		now:     core.NowMicros,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("repo", cfg.RepositoryID, "backend", backend.Name())
	return p
}

func (p *Persist) Config() config.StoreConfig { return p.cfg }
func (p *Persist) RepositoryID() string       { return p.cfg.RepositoryID }
func (p *Persist) Backend() storage.Backend   { return p.backend }

// HardObjectSizeLimit 后端声明的单对象上限，storage.Unbounded 表示不限
func (p *Persist) HardObjectSizeLimit() int { return p.backend.HardObjectSizeLimit() }

// Erase 删除当前仓库的全部对象和引用，其他仓库不受影响
func (p *Persist) Erase(ctx context.Context) error {
	p.logger.Info("erasing repository")
	return p.backend.EraseRepository(ctx, p.cfg.RepositoryID)
}
