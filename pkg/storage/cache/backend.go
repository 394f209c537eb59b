package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"versionstore/pkg/storage"
	"versionstore/pkg/types"

	"github.com/redis/go-redis/v9"
)

// Config 对应 cache.*
type Config struct {
	// URL 标准连接字符串: redis://<user>:<password>@<host>:<port>/<db>
	URL string `mapstructure:"url"`
	// TTL 过期时间，0 表示永不过期
	TTL time.Duration `mapstructure:"ttl"`
	// MaxRecordSize 大于该值的记录不进缓存 (Redis 内存宝贵)，默认 64KB
	MaxRecordSize int `mapstructure:"max-record-size"`
	// KeyPrefix 默认 "vst-cache"
	KeyPrefix string `mapstructure:"key-prefix"`
}

// Backend 是一个装饰器，为底层 storage.Backend 添加 Redis 缓存层
// 对象写入后不可变，只有 Upsert/Delete/Erase 会让缓存过期，这三处都会清理缓存；引用从不缓存
type Backend struct {
	storage.Backend

	client  *redis.Client
	ttl     time.Duration
	maxSize int
	prefix  string
	logger  *slog.Logger
}

// New 解析 URL 并做 fail-fast 连接检查
func New(ctx context.Context, backend storage.Backend, cfg Config) (*Backend, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return Wrap(backend, client, cfg), nil
}

// Wrap 用已有客户端包装 backend，Close 时客户端一并关闭
func Wrap(backend storage.Backend, client *redis.Client, cfg Config) *Backend {
	b := &Backend{
		Backend: backend,
		client:  client,
		ttl:     cfg.TTL,
		maxSize: cfg.MaxRecordSize,
		prefix:  cfg.KeyPrefix,
		logger:  slog.Default().With("component", "cache"),
	}
	if b.maxSize <= 0 {
		b.maxSize = 64 * 1024
	}
	if b.prefix == "" {
		b.prefix = "vst-cache"
	}
	return b
}

// Unwrap 返回被装饰的后端
func (b *Backend) Unwrap() storage.Backend { return b.Backend }

func (b *Backend) Close() error {
	cerr := b.client.Close()
	if err := b.Backend.Close(); err != nil {
		return err
	}
	return cerr
}

func (b *Backend) repoPrefix(repo string) string { return b.prefix + ":{" + repo + "}:" }

func (b *Backend) cacheKey(repo string, id types.ObjID) string {
	return b.repoPrefix(repo) + id.String()
}

// StoreObjs 先写底层，再把本次新写入的记录放进缓存 (write-through)
// 已存在的记录可能与 recs 中的不同，不回填
func (b *Backend) StoreObjs(ctx context.Context, repo string, recs []storage.ObjRecord) ([]bool, error) {
	stored, err := b.Backend.StoreObjs(ctx, repo, recs)
	if err != nil {
		return nil, err
	}
	written := make([]storage.ObjRecord, 0, len(recs))
	for i, ok := range stored {
		if ok {
			written = append(written, recs[i])
		}
	}
	b.fill(ctx, repo, written)
	return stored, nil
}

// UpsertObjs 覆盖后旧的缓存失效
func (b *Backend) UpsertObjs(ctx context.Context, repo string, recs []storage.ObjRecord) error {
	if err := b.Backend.UpsertObjs(ctx, repo, recs); err != nil {
		return err
	}
	ids := make([]types.ObjID, len(recs))
	for i, rec := range recs {
		ids[i] = rec.ID
	}
	b.invalidate(ctx, repo, ids)
	return nil
}

// FetchObjs 优先查 Redis，未命中的部分一次性穿透到底层并回填
func (b *Backend) FetchObjs(ctx context.Context, repo string, ids []types.ObjID) ([]*storage.ObjRecord, error) {
	out := make([]*storage.ObjRecord, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	// 1. 查 Redis
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = b.cacheKey(repo, id)
	}
	missing := make([]int, 0, len(ids))
	vals, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		// 缓存故障降级为无缓存模式，直接查底层
		b.logger.Warn("redis fetch failed, falling back to backend", "err", err)
		vals = make([]any, len(ids))
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			missing = append(missing, i)
			continue
		}
		rec, err := storage.DecodeRecord(ids[i], []byte(s))
		if err != nil {
			// 坏掉的缓存条目按未命中处理
			b.logger.Warn("dropping corrupt cache entry", "id", ids[i], "err", err)
			missing = append(missing, i)
			continue
		}
		out[i] = &rec
	}
	if len(missing) == 0 {
		return out, nil
	}

	// 2. 缓存未命中，查底层存储
	missIDs := make([]types.ObjID, len(missing))
	for j, i := range missing {
		missIDs[j] = ids[i]
	}
	recs, err := b.Backend.FetchObjs(ctx, repo, missIDs)
	if err != nil {
		return nil, err
	}

	// 3. 缓存回填
	found := make([]storage.ObjRecord, 0, len(recs))
	for j, rec := range recs {
		out[missing[j]] = rec
		if rec != nil {
			found = append(found, *rec)
		}
	}
	b.fill(ctx, repo, found)
	return out, nil
}

func (b *Backend) DeleteObjs(ctx context.Context, repo string, ids []types.ObjID) error {
	if err := b.Backend.DeleteObjs(ctx, repo, ids); err != nil {
		return err
	}
	b.invalidate(ctx, repo, ids)
	return nil
}

func (b *Backend) EraseRepository(ctx context.Context, repo string) error {
	if err := b.Backend.EraseRepository(ctx, repo); err != nil {
		return err
	}
	iter := b.client.Scan(ctx, 0, b.repoPrefix(repo)+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache erase scan failed: %w", err)
	}
	if len(keys) > 0 {
		if err := b.client.Unlink(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("cache erase failed: %w", err)
		}
	}
	return nil
}

// fill 回填缓存；失败只记录日志，不影响主流程
func (b *Backend) fill(ctx context.Context, repo string, recs []storage.ObjRecord) {
	if len(recs) == 0 {
		return
	}
	_, err := b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, rec := range recs {
			val := storage.EncodeRecord(rec)
			if len(val) > b.maxSize {
				continue
			}
			pipe.Set(ctx, b.cacheKey(repo, rec.ID), val, b.ttl)
		}
		return nil
	})
	if err != nil {
		b.logger.Warn("cache fill failed", "err", err)
	}
}

func (b *Backend) invalidate(ctx context.Context, repo string, ids []types.ObjID) {
	if len(ids) == 0 {
		return
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = b.cacheKey(repo, id)
	}
	if err := b.client.Del(ctx, keys...).Err(); err != nil {
		b.logger.Warn("cache invalidate failed", "err", err)
	}
}
