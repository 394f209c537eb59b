package storage

import (
	"context"
	"math"

	"versionstore/pkg/core"
	"versionstore/pkg/types"
)

// Unbounded 表示后端没有对象大小上限
const Unbounded = math.MaxInt

// ObjRecord 是对象在后端中的物理形态: ID + 类型标签 + 编码后的对象体
type ObjRecord struct {
	ID   types.ObjID
	Type core.ObjType
	Data []byte
}

// RecordIterator 是一次扫描的游标，调用方必须在所有路径上 Close
//
//	it, err := b.ScanObjs(ctx, repo, types)
//	defer it.Close()
//	for it.Next() { rec := it.Record() }
//	if err := it.Err(); err != nil { ... }
type RecordIterator interface {
	Next() bool
	Record() ObjRecord
	Err() error
	Close() error
}

// Backend 是 persist.Persist 依赖的物理存储原语
// 实现必须并发安全；每个方法都限定在一个仓库 ID 内，不能看到其他仓库的数据
type Backend interface {
	// Name 返回注册时使用的后端名
	Name() string

	// StoreObjs 逐个执行 "不存在才写入"，返回每个对象是否是本次新写入的
	// 单个对象的写入是原子的；批量之间不是事务
	StoreObjs(ctx context.Context, repo string, recs []ObjRecord) ([]bool, error)

	// UpsertObjs 无条件覆盖
	UpsertObjs(ctx context.Context, repo string, recs []ObjRecord) error

	// FetchObjs 返回与 ids 等长的结果，不存在的位置为 nil
	FetchObjs(ctx context.Context, repo string, ids []types.ObjID) ([]*ObjRecord, error)

	// DeleteObjs 幂等删除，不存在的 ID 不报错
	DeleteObjs(ctx context.Context, repo string, ids []types.ObjID) error

	// ScanObjs 遍历仓库内类型属于 filter 的全部对象
	ScanObjs(ctx context.Context, repo string, filter []core.ObjType) (RecordIterator, error)

	// EraseRepository 删除仓库的全部对象和引用
	EraseRepository(ctx context.Context, repo string) error

	// AddRef 创建引用，已存在时返回 *RefAlreadyExistsError
	AddRef(ctx context.Context, repo string, ref core.Reference) error

	// FetchRefs 返回与 names 等长的结果，不存在的位置为 nil
	FetchRefs(ctx context.Context, repo string, names []string) ([]*core.Reference, error)

	// CasRef 当存储状态与 expected 完全一致 (core.Reference.SameState) 时替换为 updated
	// 不存在返回 *RefNotFoundError，不一致返回 *RefConditionFailedError
	CasRef(ctx context.Context, repo string, expected, updated core.Reference) error

	// PurgeRef 当存储状态与 expected 完全一致时物理删除
	PurgeRef(ctx context.Context, repo string, expected core.Reference) error

	// HardObjectSizeLimit 单个对象编码后的最大字节数，Unbounded 表示不限
	HardObjectSizeLimit() int

	Close() error
}

// TypeFilter 把类型列表转成集合，便于后端过滤
func TypeFilter(filter []core.ObjType) map[core.ObjType]bool {
	set := make(map[core.ObjType]bool, len(filter))
	for _, t := range filter {
		set[t] = true
	}
	return set
}

// SliceIterator 是基于内存切片的 RecordIterator (供一次性取回全部结果的后端使用)
type SliceIterator struct {
	recs []ObjRecord
	pos  int
}

func NewSliceIterator(recs []ObjRecord) *SliceIterator {
	return &SliceIterator{recs: recs, pos: -1}
}

func (it *SliceIterator) Next() bool {
	if it.pos+1 >= len(it.recs) {
		it.pos = len(it.recs)
		return false
	}
	it.pos++
	return true
}

func (it *SliceIterator) Record() ObjRecord { return it.recs[it.pos] }
func (it *SliceIterator) Err() error        { return nil }

func (it *SliceIterator) Close() error {
	it.recs = nil
	it.pos = 0
	return nil
}
