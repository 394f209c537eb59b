package rediskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"versionstore/pkg/core"
	"versionstore/pkg/storage"
	"versionstore/pkg/types"

	"github.com/redis/go-redis/v9"
)

const Name = "redis"

// Config 对应 backend.redis.*
type Config struct {
	// URL 标准连接字符串: redis://<user>:<password>@<host>:<port>/<db>
	URL string `mapstructure:"url"`
	// KeyPrefix 默认 "vst"
	KeyPrefix string `mapstructure:"key-prefix"`
	// ScanCount 每次 SCAN 的 COUNT 提示
	ScanCount int64 `mapstructure:"scan-count"`
	// HardObjectSizeLimit 为 0 表示不限
	HardObjectSizeLimit int `mapstructure:"hard-object-size-limit"`
}

// Backend 基于 Redis 的后端：对象用 SET NX 实现 "不存在才写入"，引用用 WATCH/MULTI 实现 CAS
//
// key 布局 (花括号是 cluster hash tag，一个仓库落在同一个 slot):
//
//	vst:{<repo>}:obj:<hex id>   -> <类型长度><类型><编码后的对象>
//	vst:{<repo>}:ref:<name>     -> JSON core.Reference
type Backend struct {
	client *redis.Client
	prefix string
	count  int64
	limit  int
}

// New 解析 URL 并做 fail-fast 连接检查
func New(ctx context.Context, cfg Config) (*Backend, error) {
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
	return NewWithClient(client, cfg), nil
}

// NewWithClient 复用已有的客户端
func NewWithClient(client *redis.Client, cfg Config) *Backend {
	b := &Backend{
		client: client,
		prefix: cfg.KeyPrefix,
		count:  cfg.ScanCount,
		limit:  cfg.HardObjectSizeLimit,
	}
	if b.prefix == "" {
		b.prefix = "vst"
	}
	if b.count <= 0 {
		b.count = 100
	}
	if b.limit <= 0 {
		b.limit = storage.Unbounded
	}
	return b
}

func (b *Backend) Name() string             { return Name }
func (b *Backend) HardObjectSizeLimit() int { return b.limit }
func (b *Backend) Close() error             { return b.client.Close() }

// Client 暴露底层客户端 (测试用)
func (b *Backend) Client() *redis.Client { return b.client }

func (b *Backend) repoPrefix(repo string) string { return b.prefix + ":{" + repo + "}:" }
func (b *Backend) objKey(repo string, id types.ObjID) string {
	return b.repoPrefix(repo) + "obj:" + id.String()
}
func (b *Backend) refKey(repo, name string) string { return b.repoPrefix(repo) + "ref:" + name }

// -----------------------------------------------------------------------------
// 1. 对象
// -----------------------------------------------------------------------------

func (b *Backend) StoreObjs(ctx context.Context, repo string, recs []storage.ObjRecord) ([]bool, error) {
	if len(recs) == 0 {
		return []bool{}, nil
	}
	// 一次往返发送全部 SET NX，每条命令各自原子
	cmds := make([]*redis.BoolCmd, len(recs))
	_, err := b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, rec := range recs {
			cmds[i] = pipe.SetNX(ctx, b.objKey(repo, rec.ID), storage.EncodeRecord(rec), 0)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis store failed: %w", err)
	}
	stored := make([]bool, len(recs))
	for i, cmd := range cmds {
		stored[i] = cmd.Val()
	}
	return stored, nil
}

func (b *Backend) UpsertObjs(ctx context.Context, repo string, recs []storage.ObjRecord) error {
	if len(recs) == 0 {
		return nil
	}
	_, err := b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, rec := range recs {
			pipe.Set(ctx, b.objKey(repo, rec.ID), storage.EncodeRecord(rec), 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis upsert failed: %w", err)
	}
	return nil
}

func (b *Backend) FetchObjs(ctx context.Context, repo string, ids []types.ObjID) ([]*storage.ObjRecord, error) {
	out := make([]*storage.ObjRecord, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = b.objKey(repo, id)
	}
	vals, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis fetch failed: %w", err)
	}
	for i, v := range vals {
		rec, ok, err := decodeValue(ids[i], v)
		if err != nil {
			return nil, err
		}
		if ok {
			out[i] = &rec
		}
	}
	return out, nil
}

func (b *Backend) DeleteObjs(ctx context.Context, repo string, ids []types.ObjID) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = b.objKey(repo, id)
	}
	if err := b.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func (b *Backend) ScanObjs(ctx context.Context, repo string, filter []core.ObjType) (storage.RecordIterator, error) {
	return &scanIterator{
		ctx:    ctx,
		client: b.client,
		match:  b.repoPrefix(repo) + "obj:*",
		strip:  len(b.repoPrefix(repo) + "obj:"),
		count:  b.count,
		want:   storage.TypeFilter(filter),
		seen:   make(map[string]struct{}),
	}, nil
}

// EraseRepository 用 SCAN 找出仓库下的全部 key 再分批 UNLINK
func (b *Backend) EraseRepository(ctx context.Context, repo string) error {
	iter := b.client.Scan(ctx, 0, b.repoPrefix(repo)+"*", b.count).Iterator()
	batch := make([]string, 0, b.count)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := b.client.Unlink(ctx, batch...).Err()
		batch = batch[:0]
		return err
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if int64(len(batch)) >= b.count {
			if err := flush(); err != nil {
				return fmt.Errorf("redis erase failed: %w", err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis erase scan failed: %w", err)
	}
	if err := flush(); err != nil {
		return fmt.Errorf("redis erase failed: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// 2. 引用
// -----------------------------------------------------------------------------

func (b *Backend) AddRef(ctx context.Context, repo string, ref core.Reference) error {
	data, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("failed to marshal reference: %w", err)
	}
	key := b.refKey(repo, ref.Name)
	ok, err := b.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return fmt.Errorf("redis add ref failed: %w", err)
	}
	if ok {
		return nil
	}
	existing, err := b.getRef(ctx, b.client, key)
	if err != nil {
		return err
	}
	if existing == nil {
		return &storage.RefAlreadyExistsError{Existing: ref}
	}
	return &storage.RefAlreadyExistsError{Existing: *existing}
}

func (b *Backend) FetchRefs(ctx context.Context, repo string, names []string) ([]*core.Reference, error) {
	out := make([]*core.Reference, len(names))
	if len(names) == 0 {
		return out, nil
	}
	keys := make([]string, len(names))
	for i, n := range names {
		keys[i] = b.refKey(repo, n)
	}
	vals, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis fetch refs failed: %w", err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var ref core.Reference
		if err := json.Unmarshal([]byte(s), &ref); err != nil {
			return nil, fmt.Errorf("corrupt reference %q: %w", names[i], err)
		}
		out[i] = &ref
	}
	return out, nil
}

// CasRef 乐观锁: WATCH key -> GET 比较 -> MULTI SET EXEC
// 在 WATCH 之后 key 被其他客户端修改时 EXEC 失败 (redis.TxFailedErr)
func (b *Backend) CasRef(ctx context.Context, repo string, expected, updated core.Reference) error {
	data, err := json.Marshal(updated)
	if err != nil {
		return fmt.Errorf("failed to marshal reference: %w", err)
	}
	key := b.refKey(repo, expected.Name)
	return b.watchRef(ctx, key, expected, func(pipe redis.Pipeliner) {
		pipe.Set(ctx, key, data, 0)
	})
}

func (b *Backend) PurgeRef(ctx context.Context, repo string, expected core.Reference) error {
	key := b.refKey(repo, expected.Name)
	return b.watchRef(ctx, key, expected, func(pipe redis.Pipeliner) {
		pipe.Del(ctx, key)
	})
}

func (b *Backend) watchRef(ctx context.Context, key string, expected core.Reference, write func(redis.Pipeliner)) error {
	err := b.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := b.getRef(ctx, tx, key)
		if err != nil {
			return err
		}
		if current == nil {
			return &storage.RefNotFoundError{Name: expected.Name}
		}
		if !current.SameState(expected) {
			return &storage.RefConditionFailedError{Existing: *current}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			write(pipe)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		// 并发修改，读一次最新状态放进错误里
		current, ferr := b.getRef(ctx, b.client, key)
		if ferr != nil {
			return ferr
		}
		if current == nil {
			return &storage.RefNotFoundError{Name: expected.Name}
		}
		return &storage.RefConditionFailedError{Existing: *current}
	}
	return err
}

// getter 同时适用于 *redis.Client 和 WATCH 中的 *redis.Tx
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (b *Backend) getRef(ctx context.Context, c getter, key string) (*core.Reference, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get ref failed: %w", err)
	}
	var ref core.Reference
	if err := json.Unmarshal(data, &ref); err != nil {
		return nil, fmt.Errorf("corrupt reference at %s: %w", key, err)
	}
	return &ref, nil
}

// -----------------------------------------------------------------------------
// 3. 编码与扫描
// -----------------------------------------------------------------------------

// decodeValue 处理 MGET 的返回值: nil 表示不存在
func decodeValue(id types.ObjID, v any) (storage.ObjRecord, bool, error) {
	s, ok := v.(string)
	if !ok {
		return storage.ObjRecord{}, false, nil
	}
	rec, err := storage.DecodeRecord(id, []byte(s))
	if err != nil {
		return storage.ObjRecord{}, false, err
	}
	return rec, true, nil
}

type scanIterator struct {
	ctx    context.Context
	client *redis.Client
	match  string
	strip  int
	count  int64
	want   map[core.ObjType]bool

	cursor  uint64
	started bool
	done    bool
	seen    map[string]struct{} // SCAN 可能重复返回同一个 key

	buf []storage.ObjRecord
	cur storage.ObjRecord
	err error
}

func (it *scanIterator) Next() bool {
	for len(it.buf) == 0 {
		if it.err != nil || it.done {
			return false
		}
		it.fill()
	}
	it.cur, it.buf = it.buf[0], it.buf[1:]
	return true
}

// fill 执行一次 SCAN + MGET
func (it *scanIterator) fill() {
	if it.started && it.cursor == 0 {
		it.done = true
		return
	}
	keys, next, err := it.client.Scan(it.ctx, it.cursor, it.match, it.count).Result()
	if err != nil {
		it.err = fmt.Errorf("redis scan failed: %w", err)
		return
	}
	it.started, it.cursor = true, next

	fresh := keys[:0]
	for _, k := range keys {
		if _, dup := it.seen[k]; !dup {
			it.seen[k] = struct{}{}
			fresh = append(fresh, k)
		}
	}
	if len(fresh) == 0 {
		return
	}
	vals, err := it.client.MGet(it.ctx, fresh...).Result()
	if err != nil {
		it.err = fmt.Errorf("redis scan fetch failed: %w", err)
		return
	}
	for i, v := range vals {
		id, err := types.ObjIDFromHex(fresh[i][it.strip:])
		if err != nil {
			it.err = err
			return
		}
		rec, ok, err := decodeValue(id, v)
		if err != nil {
			it.err = err
			return
		}
		// 扫描和读取之间被删除的 key 直接跳过
		if ok && it.want[rec.Type] {
			it.buf = append(it.buf, rec)
		}
	}
}

func (it *scanIterator) Record() storage.ObjRecord { return it.cur }
func (it *scanIterator) Err() error                { return it.err }

func (it *scanIterator) Close() error {
	it.done = true
	it.buf = nil
	it.seen = nil
	return nil
}

// -----------------------------------------------------------------------------
// 注册
// -----------------------------------------------------------------------------

type factory struct{}

func (factory) Name() string   { return Name }
func (factory) NewConfig() any { return &Config{URL: "redis://localhost:6379/0"} }
func (factory) Build(ctx context.Context, cfg any) (storage.Backend, error) {
	c, ok := cfg.(*Config)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected config type %T", storage.ErrInvalidArgument, cfg)
	}
	return New(ctx, *c)
}

func init() {
	storage.Register(factory{})
}
