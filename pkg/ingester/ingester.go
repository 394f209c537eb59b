package ingester

import (
	"context"
	"fmt"
	"io"

	"versionstore/pkg/chunker"
	"versionstore/pkg/core"
	"versionstore/pkg/persist"
	"versionstore/pkg/types"

	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency 并行写入分段的协程数
const DefaultConcurrency = 8

// Options 描述值的元数据
type Options struct {
	ContentType string
	Filename    string
	Compression core.Compression
}

// Ingester 把大值切成多段存储：每个分段是压缩后的 StringObj，
// head 对象在 Predecessors 中按顺序列出所有分段
type Ingester struct {
	p           *persist.Persist
	chunker     *chunker.Chunker
	concurrency int
}

type Option func(*Ingester)

func WithChunker(c *chunker.Chunker) Option {
	return func(ing *Ingester) { ing.chunker = c }
}

func WithConcurrency(n int) Option {
	return func(ing *Ingester) { ing.concurrency = max(n, 1) }
}

func NewIngester(p *persist.Persist, opts ...Option) *Ingester {
	ing := &Ingester{
		p:           p,
		chunker:     chunker.NewChunker(),
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(ing)
	}
	return ing
}

// Result 一次写入的结果
type Result struct {
	Head  *core.StringObj
	Parts int   // 分段数，单段值为 0
	Size  int64 // 原始字节数
	New   int   // 本次新写入的对象数 (包括 head)
}

// Ingest 读取 reader 的全部内容并存储。
// 只有一块时直接存成一个 StringObj；否则每块存成一个分段，head 的 Text 为空。
// 相同内容得到相同的 head ID，重复写入不会产生新对象。
func (ing *Ingester) Ingest(ctx context.Context, reader io.Reader, opts Options) (*Result, error) {
	// TODO: 流式切分，避免把整个值读进内存
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read value: %w", err)
	}

	chunks := ing.chunker.Split(data)
	if len(chunks) <= 1 {
		head, err := ing.part(opts, data)
		if err != nil {
			return nil, err
		}
		stored, err := ing.p.StoreObj(ctx, head)
		if err != nil {
			return nil, fmt.Errorf("failed to store value: %w", err)
		}
		return &Result{Head: head, Size: int64(len(data)), New: count(stored)}, nil
	}

	// 1. 并行压缩并存储分段
	parts := make([]*core.StringObj, len(chunks))
	stored := make([]bool, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ing.concurrency)
	for i, chunk := range chunks {
		g.Go(func() error {
			part, err := ing.part(Options{ContentType: opts.ContentType, Compression: opts.Compression}, chunk)
			if err != nil {
				return err
			}
			ok, err := ing.p.StoreObj(gctx, part)
			if err != nil {
				return fmt.Errorf("failed to store part %d: %w", i, err)
			}
			parts[i], stored[i] = part, ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// 2. 所有分段都落地后再写 head
	ids := make([]types.ObjID, len(parts))
	for i, part := range parts {
		ids[i] = part.ID()
	}
	head, err := core.NewStringData(opts.ContentType, opts.Compression, opts.Filename, ids, nil)
	if err != nil {
		return nil, err
	}
	headStored, err := ing.p.StoreObj(ctx, head)
	if err != nil {
		return nil, fmt.Errorf("failed to store value head: %w", err)
	}

	return &Result{
		Head:  head,
		Parts: len(parts),
		Size:  int64(len(data)),
		New:   count(append(stored, headStored)...),
	}, nil
}

func (ing *Ingester) part(opts Options, data []byte) (*core.StringObj, error) {
	compressed, err := opts.Compression.Compress(data)
	if err != nil {
		return nil, err
	}
	return core.NewStringData(opts.ContentType, opts.Compression, opts.Filename, nil, compressed)
}

func count(flags ...bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}
