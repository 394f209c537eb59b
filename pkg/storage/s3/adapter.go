package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"versionstore/pkg/core"
	"versionstore/pkg/storage"
	"versionstore/pkg/types"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"golang.org/x/sync/errgroup"
)

const Name = "s3"

// deleteBatch 是 DeleteObjects 单次请求的上限
const deleteBatch = 1000

// Config 对应 backend.s3.*
type Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKeyID     string `mapstructure:"access-key-id"`
	SecretAccessKey string `mapstructure:"secret-access-key"`

	// Prefix 所有 key 的公共前缀 (可以为空)
	Prefix string `mapstructure:"prefix"`
	// Concurrency 批量读取时的并发数
	Concurrency int `mapstructure:"concurrency"`
	// HardObjectSizeLimit 为 0 表示不限
	HardObjectSizeLimit int `mapstructure:"hard-object-size-limit"`
}

// Adapter 实现了 storage.Backend 接口，兼容 AWS S3 和 MinIO
// 不存在才写入和引用 CAS 都依赖条件写 (If-None-Match / If-Match)
type Adapter struct {
	client      *s3.Client
	bucket      string
	prefix      string
	concurrency int
	limit       int
}

// NewAdapter 初始化 S3 客户端 (适配 AWS SDK v2 最新规范)
func NewAdapter(ctx context.Context, cfg Config) (*Adapter, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket must not be empty", storage.ErrInvalidArgument)
	}

	// 1. 加载基础配置 (仅包含 Region 和 Credentials)
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	// 2. 创建 S3 客户端时，注入特定于 S3 的配置
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// 如果指定了 Endpoint (比如 MinIO 的 localhost:9000)，则覆盖默认值
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		// MinIO 必须强制使用 Path Style: http://host:9000/bucket/key
		o.UsePathStyle = true
	})

	// 3. 自动创建 Bucket
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
			// 可能因为并发创建或权限问题报错，后续请求会暴露真正的问题
			slog.Warn("failed to ensure bucket exists", "bucket", cfg.Bucket, "error", err)
		}
	}

	a := &Adapter{
		client:      client,
		bucket:      cfg.Bucket,
		prefix:      strings.Trim(cfg.Prefix, "/"),
		concurrency: cfg.Concurrency,
		limit:       cfg.HardObjectSizeLimit,
	}
	if a.concurrency <= 0 {
		a.concurrency = 16
	}
	if a.limit <= 0 {
		a.limit = storage.Unbounded
	}
	return a, nil
}

func (s *Adapter) Name() string             { return Name }
func (s *Adapter) HardObjectSizeLimit() int { return s.limit }
func (s *Adapter) Close() error             { return nil }

// -----------------------------------------------------------------------------
// key 布局
// -----------------------------------------------------------------------------

func (s *Adapter) repoPrefix(repo string) string {
	p := url.PathEscape(repo) + "/"
	if s.prefix != "" {
		p = s.prefix + "/" + p
	}
	return p
}

func (s *Adapter) objPrefix(repo string) string { return s.repoPrefix(repo) + "objs/" }

// objKey 将 ID 转换为 S3 Key (Sharding)
// Logic: "aabbcc..." -> "<repo>/objs/aa/bbcc..."
func (s *Adapter) objKey(repo string, id types.ObjID) string {
	hex := id.String()
	if len(hex) < 2 {
		return s.objPrefix(repo) + hex
	}
	return s.objPrefix(repo) + hex[:2] + "/" + hex[2:]
}

// idFromKey 还原 ID: "<repo>/objs/aa/bbcc..." -> "aabbcc..."
func (s *Adapter) idFromKey(repo, key string) (types.ObjID, error) {
	rest := strings.TrimPrefix(key, s.objPrefix(repo))
	return types.ObjIDFromHex(strings.Replace(rest, "/", "", 1))
}

func (s *Adapter) refKey(repo, name string) string {
	return s.repoPrefix(repo) + "refs/" + url.PathEscape(name)
}

// -----------------------------------------------------------------------------
// 1. 对象
// -----------------------------------------------------------------------------

// StoreObjs 用 If-None-Match: * 做条件写入，412 说明对象已经存在
func (s *Adapter) StoreObjs(ctx context.Context, repo string, recs []storage.ObjRecord) ([]bool, error) {
	stored := make([]bool, len(recs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, rec := range recs {
		g.Go(func() error {
			created, err := s.putIfAbsent(gctx, s.objKey(repo, rec.ID), storage.EncodeRecord(rec))
			if err != nil {
				return fmt.Errorf("s3 store %s failed: %w", rec.ID, err)
			}
			stored[i] = created
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *Adapter) UpsertObjs(ctx context.Context, repo string, recs []storage.ObjRecord) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, rec := range recs {
		g.Go(func() error {
			_, err := s.client.PutObject(gctx, &s3.PutObjectInput{
				Bucket:      aws.String(s.bucket),
				Key:         aws.String(s.objKey(repo, rec.ID)),
				Body:        bytes.NewReader(storage.EncodeRecord(rec)),
				ContentType: aws.String("application/octet-stream"),
			})
			if err != nil {
				return fmt.Errorf("s3 upsert %s failed: %w", rec.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Adapter) FetchObjs(ctx context.Context, repo string, ids []types.ObjID) ([]*storage.ObjRecord, error) {
	out := make([]*storage.ObjRecord, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			raw, _, err := s.get(gctx, s.objKey(repo, id))
			if err != nil || raw == nil {
				return err
			}
			rec, err := storage.DecodeRecord(id, raw)
			if err != nil {
				return err
			}
			out[i] = &rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Adapter) DeleteObjs(ctx context.Context, repo string, ids []types.ObjID) error {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.objKey(repo, id)
	}
	return s.deleteKeys(ctx, keys)
}

func (s *Adapter) ScanObjs(ctx context.Context, repo string, filter []core.ObjType) (storage.RecordIterator, error) {
	return &scanIterator{
		ctx:  ctx,
		s:    s,
		repo: repo,
		want: storage.TypeFilter(filter),
		pages: s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
			Prefix: aws.String(s.objPrefix(repo)),
		}),
	}, nil
}

// EraseRepository 列出仓库前缀下的全部 key，分批删除
func (s *Adapter) EraseRepository(ctx context.Context, repo string) error {
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.repoPrefix(repo)),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("s3 list failed: %w", err)
		}
		keys := make([]string, 0, len(page.Contents))
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if err := s.deleteKeys(ctx, keys); err != nil {
			return err
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// 2. 引用
// -----------------------------------------------------------------------------

func (s *Adapter) AddRef(ctx context.Context, repo string, ref core.Reference) error {
	data, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("failed to marshal reference: %w", err)
	}
	key := s.refKey(repo, ref.Name)
	created, err := s.putIfAbsent(ctx, key, data)
	if err != nil {
		return fmt.Errorf("s3 add ref failed: %w", err)
	}
	if created {
		return nil
	}
	existing, _, err := s.getRef(ctx, key)
	if err != nil {
		return err
	}
	if existing == nil {
		return &storage.RefAlreadyExistsError{Existing: ref}
	}
	return &storage.RefAlreadyExistsError{Existing: *existing}
}

func (s *Adapter) FetchRefs(ctx context.Context, repo string, names []string) ([]*core.Reference, error) {
	out := make([]*core.Reference, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, name := range names {
		g.Go(func() error {
			ref, _, err := s.getRef(gctx, s.refKey(repo, name))
			out[i] = ref
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// CasRef 读取当前状态和 ETag，比较后用 If-Match 写回
func (s *Adapter) CasRef(ctx context.Context, repo string, expected, updated core.Reference) error {
	data, err := json.Marshal(updated)
	if err != nil {
		return fmt.Errorf("failed to marshal reference: %w", err)
	}
	key := s.refKey(repo, expected.Name)
	etag, err := s.checkRef(ctx, key, expected)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		IfMatch:     aws.String(etag),
	})
	if err != nil {
		if isConditionFailed(err) {
			return s.conflict(ctx, key, expected.Name)
		}
		return fmt.Errorf("s3 cas ref failed: %w", err)
	}
	return nil
}

func (s *Adapter) PurgeRef(ctx context.Context, repo string, expected core.Reference) error {
	key := s.refKey(repo, expected.Name)
	etag, err := s.checkRef(ctx, key, expected)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket:  aws.String(s.bucket),
		Key:     aws.String(key),
		IfMatch: aws.String(etag),
	})
	if err != nil {
		if isConditionFailed(err) {
			return s.conflict(ctx, key, expected.Name)
		}
		return fmt.Errorf("s3 purge ref failed: %w", err)
	}
	return nil
}

// checkRef 返回与 expected 一致的当前状态的 ETag
func (s *Adapter) checkRef(ctx context.Context, key string, expected core.Reference) (string, error) {
	current, etag, err := s.getRef(ctx, key)
	if err != nil {
		return "", err
	}
	if current == nil {
		return "", &storage.RefNotFoundError{Name: expected.Name}
	}
	if !current.SameState(expected) {
		return "", &storage.RefConditionFailedError{Existing: *current}
	}
	return etag, nil
}

func (s *Adapter) conflict(ctx context.Context, key, name string) error {
	current, _, err := s.getRef(ctx, key)
	if err != nil {
		return err
	}
	if current == nil {
		return &storage.RefNotFoundError{Name: name}
	}
	return &storage.RefConditionFailedError{Existing: *current}
}

func (s *Adapter) getRef(ctx context.Context, key string) (*core.Reference, string, error) {
	raw, etag, err := s.get(ctx, key)
	if err != nil || raw == nil {
		return nil, "", err
	}
	var ref core.Reference
	if err := json.Unmarshal(raw, &ref); err != nil {
		return nil, "", fmt.Errorf("corrupt reference at %s: %w", key, err)
	}
	return &ref, etag, nil
}

// -----------------------------------------------------------------------------
// 3. 工具
// -----------------------------------------------------------------------------

// putIfAbsent 返回 false 表示 key 已经存在
func (s *Adapter) putIfAbsent(ctx context.Context, key string, data []byte) (bool, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		IfNoneMatch: aws.String("*"),
	})
	if err == nil {
		return true, nil
	}
	if isConditionFailed(err) {
		return false, nil
	}
	return false, err
}

// get 下载对象，不存在时返回 (nil, "", nil)
func (s *Adapter) get(ctx context.Context, key string) ([]byte, string, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("s3 get failed: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("s3 read body failed: %w", err)
	}
	return data, aws.ToString(resp.ETag), nil
}

func (s *Adapter) deleteKeys(ctx context.Context, keys []string) error {
	for start := 0; start < len(keys); start += deleteBatch {
		end := min(start+deleteBatch, len(keys))
		ids := make([]s3types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, s3types.ObjectIdentifier{Key: aws.String(k)})
		}
		resp, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &s3types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("s3 delete failed: %w", err)
		}
		for _, e := range resp.Errors {
			if aws.ToString(e.Code) == "NoSuchKey" {
				continue
			}
			return fmt.Errorf("s3 delete %s failed: %s", aws.ToString(e.Key), aws.ToString(e.Message))
		}
	}
	return nil
}

// isNotFound 将 AWS 的 NoSuchKey/NotFound 统一识别
func isNotFound(err error) bool {
	var noKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

// isConditionFailed 412 或者并发条件写入冲突 (409)
func isConditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	return false
}

type scanIterator struct {
	ctx   context.Context
	s     *Adapter
	repo  string
	want  map[core.ObjType]bool
	pages *s3.ListObjectsV2Paginator

	keys   []string
	cur    storage.ObjRecord
	err    error
	closed bool
}

func (it *scanIterator) Next() bool {
	for !it.closed && it.err == nil {
		if len(it.keys) == 0 {
			if !it.pages.HasMorePages() {
				return false
			}
			page, err := it.pages.NextPage(it.ctx)
			if err != nil {
				it.err = fmt.Errorf("s3 list failed: %w", err)
				return false
			}
			for _, obj := range page.Contents {
				it.keys = append(it.keys, aws.ToString(obj.Key))
			}
			continue
		}

		key := it.keys[0]
		it.keys = it.keys[1:]
		id, err := it.s.idFromKey(it.repo, key)
		if err != nil {
			it.err = err
			return false
		}
		raw, _, err := it.s.get(it.ctx, key)
		if err != nil {
			it.err = err
			return false
		}
		if raw == nil {
			// 列出之后被删除
			continue
		}
		rec, err := storage.DecodeRecord(id, raw)
		if err != nil {
			it.err = err
			return false
		}
		if it.want[rec.Type] {
			it.cur = rec
			return true
		}
	}
	return false
}

func (it *scanIterator) Record() storage.ObjRecord { return it.cur }
func (it *scanIterator) Err() error                { return it.err }

func (it *scanIterator) Close() error {
	it.closed = true
	it.keys = nil
	return nil
}

// -----------------------------------------------------------------------------
// 注册
// -----------------------------------------------------------------------------

type factory struct{}

func (factory) Name() string { return Name }
func (factory) NewConfig() any {
	return &Config{Region: "us-east-1", Bucket: "versionstore"}
}
func (factory) Build(ctx context.Context, cfg any) (storage.Backend, error) {
	c, ok := cfg.(*Config)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected config type %T", storage.ErrInvalidArgument, cfg)
	}
	return NewAdapter(ctx, *c)
}

func init() {
	storage.Register(factory{})
}
