package persist

import (
	"context"
	"fmt"
	"iter"

	"versionstore/pkg/core"
	"versionstore/pkg/storage"
	"versionstore/pkg/types"
)

// -----------------------------------------------------------------------------
// 1. 写入
// -----------------------------------------------------------------------------

// StoreObj "不存在才写入"，首次写入返回 true，ID 已存在返回 false
func (p *Persist) StoreObj(ctx context.Context, obj core.Obj) (bool, error) {
	stored, err := p.StoreObjs(ctx, []core.Obj{obj})
	if err != nil {
		return false, err
	}
	return stored[0], nil
}

// StoreObjs 批量版本，结果与输入一一对应
// 任何一个对象超过大小限制时，整批都不会写入
func (p *Persist) StoreObjs(ctx context.Context, objs []core.Obj) ([]bool, error) {
	if len(objs) == 0 {
		return []bool{}, nil
	}
	recs, err := p.encodeAll(objs)
	if err != nil {
		return nil, err
	}
	stored, err := p.backend.StoreObjs(ctx, p.cfg.RepositoryID, recs)
	if err != nil {
		return nil, fmt.Errorf("store objects: %w", err)
	}
	p.logger.Debug("stored objects", "count", len(recs))
	return stored, nil
}

// UpsertObj 无条件覆盖 (大小限制仍然生效)
func (p *Persist) UpsertObj(ctx context.Context, obj core.Obj) error {
	return p.UpsertObjs(ctx, []core.Obj{obj})
}

func (p *Persist) UpsertObjs(ctx context.Context, objs []core.Obj) error {
	if len(objs) == 0 {
		return nil
	}
	recs, err := p.encodeAll(objs)
	if err != nil {
		return err
	}
	if err := p.backend.UpsertObjs(ctx, p.cfg.RepositoryID, recs); err != nil {
		return fmt.Errorf("upsert objects: %w", err)
	}
	return nil
}

func (p *Persist) encodeAll(objs []core.Obj) ([]storage.ObjRecord, error) {
	recs := make([]storage.ObjRecord, len(objs))
	for i, obj := range objs {
		rec, err := p.encode(obj)
		if err != nil {
			return nil, err
		}
		recs[i] = rec
	}
	return recs, nil
}

func (p *Persist) encode(obj core.Obj) (storage.ObjRecord, error) {
	if obj == nil {
		return storage.ObjRecord{}, fmt.Errorf("%w: nil object", storage.ErrInvalidArgument)
	}
	if obj.ID().IsEmpty() {
		return storage.ObjRecord{}, fmt.Errorf("%w: %s object has no id", storage.ErrInvalidArgument, obj.Type())
	}
	data, err := core.EncodeObj(obj)
	if err != nil {
		return storage.ObjRecord{}, err
	}
	if err := p.checkSize(obj, data); err != nil {
		return storage.ObjRecord{}, err
	}
	return storage.ObjRecord{ID: obj.ID(), Type: obj.Type(), Data: data}, nil
}

// checkSize 先检查配置的软限制 (索引大小)，再检查后端的硬限制
func (p *Persist) checkSize(obj core.Obj, encoded []byte) error {
	switch o := obj.(type) {
	case *core.CommitObj:
		if n := len(o.IncrementalIndex); n > p.cfg.MaxIncrementalIndexSize {
			return &storage.ObjTooLargeError{ID: o.ID(), What: "incremental index", Size: n, Limit: p.cfg.MaxIncrementalIndexSize}
		}
	case *core.IndexObj:
		if n := len(o.Index); n > p.cfg.MaxSerializedIndexSize {
			return &storage.ObjTooLargeError{ID: o.ID(), What: "serialized index", Size: n, Limit: p.cfg.MaxSerializedIndexSize}
		}
	}
	if limit := p.HardObjectSizeLimit(); len(encoded) > limit {
		return &storage.ObjTooLargeError{ID: obj.ID(), What: "object", Size: len(encoded), Limit: limit}
	}
	return nil
}

// -----------------------------------------------------------------------------
// 2. 读取
// -----------------------------------------------------------------------------

// FetchObj 读取单个对象，不存在时返回 *storage.ObjNotFoundError
func (p *Persist) FetchObj(ctx context.Context, id types.ObjID) (core.Obj, error) {
	objs, err := p.FetchObjs(ctx, []types.ObjID{id})
	if err != nil {
		return nil, err
	}
	return objs[0], nil
}

// FetchTypedObj 类型不符时同样返回 not found
func (p *Persist) FetchTypedObj(ctx context.Context, id types.ObjID, want core.ObjType) (core.Obj, error) {
	obj, err := p.FetchObj(ctx, id)
	if err != nil {
		return nil, err
	}
	if obj.Type() != want {
		p.logger.Debug("object type mismatch", "id", id.String(), "want", want, "got", obj.Type())
		return nil, storage.NewObjNotFound(id)
	}
	return obj, nil
}

// FetchTyped 是 FetchTypedObj 的泛型版本，T 必须是具体的对象指针类型 (如 *core.CommitObj)
func FetchTyped[T core.Obj](ctx context.Context, p *Persist, id types.ObjID) (T, error) {
	var zero T
	obj, err := p.FetchTypedObj(ctx, id, zero.Type())
	if err != nil {
		return zero, err
	}
	typed, ok := obj.(T)
	if !ok {
		return zero, storage.NewObjNotFound(id)
	}
	return typed, nil
}

// FetchObjType 只关心类型
func (p *Persist) FetchObjType(ctx context.Context, id types.ObjID) (core.ObjType, error) {
	recs, err := p.fetchRecords(ctx, []types.ObjID{id})
	if err != nil {
		return "", err
	}
	return recs[0].Type, nil
}

// FetchObjs 批量读取，结果与输入一一对应。
// 只要有缺失就返回 *storage.ObjNotFoundError，其中的 IDs 按输入顺序排列 (重复的 ID 会重复出现)。
func (p *Persist) FetchObjs(ctx context.Context, ids []types.ObjID) ([]core.Obj, error) {
	recs, err := p.fetchRecords(ctx, ids)
	if err != nil {
		return nil, err
	}
	objs := make([]core.Obj, len(recs))
	for i, rec := range recs {
		obj, err := core.DecodeObj(rec.ID, rec.Type, rec.Data)
		if err != nil {
			return nil, err
		}
		objs[i] = obj
	}
	return objs, nil
}

func (p *Persist) fetchRecords(ctx context.Context, ids []types.ObjID) ([]storage.ObjRecord, error) {
	if len(ids) == 0 {
		return []storage.ObjRecord{}, nil
	}

	// 空 ID 永远不存在，不必访问后端
	query := make([]types.ObjID, 0, len(ids))
	for _, id := range ids {
		if !id.IsEmpty() {
			query = append(query, id)
		}
	}
	var fetched []*storage.ObjRecord
	if len(query) > 0 {
		var err error
		fetched, err = p.backend.FetchObjs(ctx, p.cfg.RepositoryID, query)
		if err != nil {
			return nil, fmt.Errorf("fetch objects: %w", err)
		}
	}

	recs := make([]storage.ObjRecord, len(ids))
	var missing []types.ObjID
	j := 0
	for i, id := range ids {
		if id.IsEmpty() {
			missing = append(missing, id)
			continue
		}
		rec := fetched[j]
		j++
		if rec == nil {
			missing = append(missing, id)
			continue
		}
		recs[i] = *rec
	}
	if len(missing) > 0 {
		return nil, storage.NewObjNotFound(missing...)
	}
	return recs, nil
}

// -----------------------------------------------------------------------------
// 3. 删除
// -----------------------------------------------------------------------------

// DeleteObj 幂等删除
func (p *Persist) DeleteObj(ctx context.Context, id types.ObjID) error {
	return p.DeleteObjs(ctx, []types.ObjID{id})
}

func (p *Persist) DeleteObjs(ctx context.Context, ids []types.ObjID) error {
	if len(ids) == 0 {
		return nil
	}
	if err := p.backend.DeleteObjs(ctx, p.cfg.RepositoryID, ids); err != nil {
		return fmt.Errorf("delete objects: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// 4. 扫描
// -----------------------------------------------------------------------------

// ObjIterator 是 ScanAllObjects 的结果，调用方必须 Close
type ObjIterator struct {
	it  storage.RecordIterator
	cur core.Obj
	err error
}

// Next 前进到下一个对象；解码失败会终止遍历并通过 Err 报告
func (i *ObjIterator) Next() bool {
	if i.it == nil || i.err != nil {
		return false
	}
	if !i.it.Next() {
		i.err = i.it.Err()
		return false
	}
	rec := i.it.Record()
	obj, err := core.DecodeObj(rec.ID, rec.Type, rec.Data)
	if err != nil {
		i.err = err
		return false
	}
	i.cur = obj
	return true
}

func (i *ObjIterator) Obj() core.Obj { return i.cur }
func (i *ObjIterator) Err() error    { return i.err }

func (i *ObjIterator) Close() error {
	if i.it == nil {
		return nil
	}
	err := i.it.Close()
	i.it = nil
	return err
}

// ScanAllObjects 遍历当前仓库中类型属于 filter 的全部对象，filter 为空时结果为空
func (p *Persist) ScanAllObjects(ctx context.Context, filter []core.ObjType) (*ObjIterator, error) {
	if len(filter) == 0 {
		return &ObjIterator{}, nil
	}
	it, err := p.backend.ScanObjs(ctx, p.cfg.RepositoryID, filter)
	if err != nil {
		return nil, fmt.Errorf("scan objects: %w", err)
	}
	return &ObjIterator{it: it}, nil
}

// Objects 是 ScanAllObjects 的 range-over-func 形式，迭代结束 (包括提前 break) 时自动释放游标
func (p *Persist) Objects(ctx context.Context, filter []core.ObjType) iter.Seq2[core.Obj, error] {
	return func(yield func(core.Obj, error) bool) {
		it, err := p.ScanAllObjects(ctx, filter)
		if err != nil {
			yield(nil, err)
			return
		}
		defer it.Close()
		for it.Next() {
			if !yield(it.Obj(), nil) {
				return
			}
		}
		if err := it.Err(); err != nil {
			yield(nil, err)
		}
	}
}
