package inmemory

import (
	"context"
	"slices"
	"strings"
	"sync"

	"versionstore/pkg/core"
	"versionstore/pkg/storage"
	"versionstore/pkg/types"
)

const Name = "inmemory"

// Config 内存后端的配置
type Config struct {
	// HardObjectSizeLimit 为 0 表示不限 (主要用于测试大小限制)
	HardObjectSizeLimit int `mapstructure:"hard-object-size-limit"`
}

type objKey struct {
	repo string
	id   types.ObjID
}

type refKey struct {
	repo string
	name string
}

// Backend 所有数据都在内存中，进程退出即丢失
// 默认后端，也是其他后端行为的参照
type Backend struct {
	mu    sync.RWMutex
	objs  map[objKey]storage.ObjRecord
	refs  map[refKey]core.Reference
	limit int
}

// New 创建一个空的内存后端
func New(cfg Config) *Backend {
	limit := cfg.HardObjectSizeLimit
	if limit <= 0 {
		limit = storage.Unbounded
	}
	return &Backend{
		objs:  make(map[objKey]storage.ObjRecord),
		refs:  make(map[refKey]core.Reference),
		limit: limit,
	}
}

func (b *Backend) Name() string             { return Name }
func (b *Backend) HardObjectSizeLimit() int { return b.limit }
func (b *Backend) Close() error             { return nil }

// -----------------------------------------------------------------------------
// 对象
// -----------------------------------------------------------------------------

func (b *Backend) StoreObjs(_ context.Context, repo string, recs []storage.ObjRecord) ([]bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored := make([]bool, len(recs))
	for i, rec := range recs {
		k := objKey{repo, rec.ID}
		if _, ok := b.objs[k]; ok {
			continue
		}
		b.objs[k] = cloneRecord(rec)
		stored[i] = true
	}
	return stored, nil
}

func (b *Backend) UpsertObjs(_ context.Context, repo string, recs []storage.ObjRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, rec := range recs {
		b.objs[objKey{repo, rec.ID}] = cloneRecord(rec)
	}
	return nil
}

func (b *Backend) FetchObjs(_ context.Context, repo string, ids []types.ObjID) ([]*storage.ObjRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*storage.ObjRecord, len(ids))
	for i, id := range ids {
		if rec, ok := b.objs[objKey{repo, id}]; ok {
			c := cloneRecord(rec)
			out[i] = &c
		}
	}
	return out, nil
}

func (b *Backend) DeleteObjs(_ context.Context, repo string, ids []types.ObjID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		delete(b.objs, objKey{repo, id})
	}
	return nil
}

// ScanObjs 在读锁下拷贝出快照，之后的写入不影响本次扫描
func (b *Backend) ScanObjs(_ context.Context, repo string, filter []core.ObjType) (storage.RecordIterator, error) {
	want := storage.TypeFilter(filter)

	b.mu.RLock()
	var recs []storage.ObjRecord
	for k, rec := range b.objs {
		if k.repo == repo && want[rec.Type] {
			recs = append(recs, cloneRecord(rec))
		}
	}
	b.mu.RUnlock()

	slices.SortFunc(recs, func(a, b storage.ObjRecord) int { return a.ID.Compare(b.ID) })
	return storage.NewSliceIterator(recs), nil
}

func (b *Backend) EraseRepository(_ context.Context, repo string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.objs {
		if k.repo == repo {
			delete(b.objs, k)
		}
	}
	for k := range b.refs {
		if k.repo == repo {
			delete(b.refs, k)
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// 引用
// -----------------------------------------------------------------------------

func (b *Backend) AddRef(_ context.Context, repo string, ref core.Reference) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := refKey{repo, ref.Name}
	if existing, ok := b.refs[k]; ok {
		return &storage.RefAlreadyExistsError{Existing: cloneRef(existing)}
	}
	b.refs[k] = cloneRef(ref)
	return nil
}

func (b *Backend) FetchRefs(_ context.Context, repo string, names []string) ([]*core.Reference, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*core.Reference, len(names))
	for i, name := range names {
		if ref, ok := b.refs[refKey{repo, name}]; ok {
			c := cloneRef(ref)
			out[i] = &c
		}
	}
	return out, nil
}

func (b *Backend) CasRef(_ context.Context, repo string, expected, updated core.Reference) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := refKey{repo, expected.Name}
	if err := b.checkLocked(k, expected); err != nil {
		return err
	}
	b.refs[k] = cloneRef(updated)
	return nil
}

func (b *Backend) PurgeRef(_ context.Context, repo string, expected core.Reference) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := refKey{repo, expected.Name}
	if err := b.checkLocked(k, expected); err != nil {
		return err
	}
	delete(b.refs, k)
	return nil
}

func (b *Backend) checkLocked(k refKey, expected core.Reference) error {
	current, ok := b.refs[k]
	if !ok {
		return &storage.RefNotFoundError{Name: k.name}
	}
	if !current.SameState(expected) {
		return &storage.RefConditionFailedError{Existing: cloneRef(current)}
	}
	return nil
}

// RepositoryIDs 返回当前持有数据的仓库 (调试用)
func (b *Backend) RepositoryIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	seen := make(map[string]struct{})
	for k := range b.objs {
		seen[k.repo] = struct{}{}
	}
	for k := range b.refs {
		seen[k.repo] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for r := range seen {
		out = append(out, r)
	}
	slices.SortFunc(out, strings.Compare)
	return out
}

func cloneRecord(rec storage.ObjRecord) storage.ObjRecord {
	rec.Data = slices.Clone(rec.Data)
	return rec
}

func cloneRef(ref core.Reference) core.Reference {
	ref.PreviousPointers = slices.Clone(ref.PreviousPointers)
	return ref
}

// -----------------------------------------------------------------------------
// 注册
// -----------------------------------------------------------------------------

type factory struct{}

func (factory) Name() string   { return Name }
func (factory) NewConfig() any { return &Config{} }

func (factory) Build(_ context.Context, cfg any) (storage.Backend, error) {
	c, _ := cfg.(*Config)
	if c == nil {
		c = &Config{}
	}
	return New(*c), nil
}

func init() {
	storage.Register(factory{})
}
