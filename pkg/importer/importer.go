package importer

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"versionstore/pkg/commitlog"
	"versionstore/pkg/core"
	"versionstore/pkg/index"
	"versionstore/pkg/ingester"
	"versionstore/pkg/types"

	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency 同时导入的文件数
const DefaultConcurrency = 4

// Importer 负责将目录转换为提交请求
// 每个文件成为一个 key (前缀 + 相对路径)，值是 ingester 写入的 head 对象
type Importer struct {
	ing         *ingester.Ingester
	commits     *commitlog.Logic
	concurrency int
}

type Option func(*Importer)

func WithConcurrency(n int) Option {
	return func(im *Importer) {
		if n > 0 {
			im.concurrency = n
		}
	}
}

func New(ing *ingester.Ingester, commits *commitlog.Logic, opts ...Option) *Importer {
	im := &Importer{ing: ing, commits: commits, concurrency: DefaultConcurrency}
	for _, opt := range opts {
		opt(im)
	}
	return im
}

// Options 控制 key 的布局和值的存储方式
type Options struct {
	// Prefix 为空时文件直接挂在 keyspace 根下
	Prefix      index.StoreKey
	Payload     uint8
	Compression core.Compression
	ContentType string
	// Prune 删除 Prefix 下目录中已不存在的 key
	Prune bool
	// Exclude 追加的忽略规则，语法同 .vstignore
	Exclude []string
}

// Plan 是一次导入的结果，可以直接放进 commitlog.CreateCommit
type Plan struct {
	Adds      []commitlog.Add
	Removes   []commitlog.Remove
	Unchanged int
	Files     int
	Bytes     int64
}

// Empty 没有任何变化
func (p *Plan) Empty() bool { return len(p.Adds) == 0 && len(p.Removes) == 0 }

// Scan 遍历 root，返回未被忽略的普通文件 (相对路径，"/" 分隔，升序)
func Scan(root string, rules *Rules) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if rules.Skip(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	slices.Sort(files)
	return files, nil
}

// Plan 导入 root 下的全部文件并与 parent 的 keyspace 比较。
// 值相同的文件不会出现在 Adds 里；每个 Add/Remove 都带上父提交中的旧值作为 Expected。
func (im *Importer) Plan(ctx context.Context, root string, parent *core.CommitObj, opts Options) (*Plan, error) {
	rules, err := LoadRules(root, opts.Prefix, opts.Exclude...)
	if err != nil {
		return nil, err
	}
	files, err := Scan(root, rules)
	if err != nil {
		return nil, err
	}
	keyspace, err := im.commits.Keyspace(ctx, parent)
	if err != nil {
		return nil, err
	}

	// 1. 并发导入文件内容
	heads := make([]types.ObjID, len(files))
	sizes := make([]int64, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(im.concurrency)
	for i, rel := range files {
		g.Go(func() error {
			f, err := os.Open(filepath.Join(root, filepath.FromSlash(rel)))
			if err != nil {
				return err
			}
			defer f.Close()
			res, err := im.ing.Ingest(gctx, f, ingester.Options{
				ContentType: opts.ContentType,
				Filename:    filepath.Base(rel),
				Compression: opts.Compression,
			})
			if err != nil {
				return fmt.Errorf("import %s: %w", rel, err)
			}
			heads[i] = res.Head.ID()
			sizes[i] = res.Size
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// 2. 与父提交比较
	plan := &Plan{Files: len(files)}
	seen := make(map[string]struct{}, len(files))
	for i, rel := range files {
		key, err := rules.Key(rel)
		if err != nil {
			return nil, err
		}
		seen[key.String()] = struct{}{}
		plan.Bytes += sizes[i]

		old, exists := keyspace.Get(key)
		if exists && old.Value == heads[i] && old.Payload == opts.Payload {
			plan.Unchanged++
			continue
		}
		add := commitlog.Add{Key: key, Payload: opts.Payload, Value: heads[i]}
		if exists {
			add.Expected = old.Value
		}
		plan.Adds = append(plan.Adds, add)
	}

	// 3. 目录里已经没有的 key，被忽略的路径不算删除
	if opts.Prune {
		entries, err := keyspace.Iterator(index.Range{Prefix: opts.Prefix})
		if err != nil {
			return nil, err
		}
		for e := range entries {
			if _, ok := seen[e.Key.String()]; !ok && rules.Owns(e.Key) {
				plan.Removes = append(plan.Removes, commitlog.Remove{Key: e.Key, Expected: e.Value.Value})
			}
		}
	}
	return plan, nil
}
