package commitlog

import (
	"context"
	"fmt"

	"versionstore/pkg/core"
	"versionstore/pkg/index"
	"versionstore/pkg/storage"
	"versionstore/pkg/types"
)

// Keyspace 还原提交的完整 keyspace: 引用索引 (单个或分段) + 增量索引。
// 结果中只有存在的 key，值的 Action 统一为 ActionAdd。nil 提交得到空索引。
func (l *Logic) Keyspace(ctx context.Context, c *core.CommitObj) (*index.StoreIndex[core.CommitOp], error) {
	if c == nil {
		return core.NewCommitIndex(), nil
	}

	// IncompleteIndex 的提交需要沿 tail 回溯到第一个索引完整的祖先
	chain := []*core.CommitObj{c}
	for cur := c; cur.IncompleteIndex; {
		parent, err := l.FetchCommit(ctx, cur.ParentID())
		if err != nil {
			return nil, fmt.Errorf("walk incomplete index of %s: %w", c.ID(), err)
		}
		if parent == nil {
			break
		}
		chain = append(chain, parent)
		cur = parent
	}

	oldest := chain[len(chain)-1]
	keyspace := core.NewCommitIndex()
	if !oldest.IncompleteIndex {
		var err error
		if keyspace, err = l.referenceIndex(ctx, oldest); err != nil {
			return nil, err
		}
	}
	for i := len(chain) - 1; i >= 0; i-- {
		incr, err := core.DeserializeCommitIndex(chain[i].IncrementalIndex)
		if err != nil {
			return nil, fmt.Errorf("commit %s incremental index: %w", chain[i].ID(), err)
		}
		applyOps(keyspace, incr)
	}
	return keyspace, nil
}

// KeyspaceAt 按 ID 还原 keyspace
func (l *Logic) KeyspaceAt(ctx context.Context, id types.ObjID) (*index.StoreIndex[core.CommitOp], error) {
	c, err := l.FetchCommit(ctx, id)
	if err != nil {
		return nil, err
	}
	return l.Keyspace(ctx, c)
}

// applyOps 把增量操作叠加到 keyspace 上
func applyOps(keyspace, incr *index.StoreIndex[core.CommitOp]) {
	for e := range incr.All() {
		op := e.Value
		switch {
		case op.Action.Exists():
			keyspace.Put(e.Key, core.CommitOp{Action: core.ActionAdd, Payload: op.Payload, Value: op.Value})
		case op.Action != core.ActionNone:
			keyspace.Remove(e.Key)
		}
	}
}

// referenceIndex 读取提交的引用索引
func (l *Logic) referenceIndex(ctx context.Context, c *core.CommitObj) (*index.StoreIndex[core.CommitOp], error) {
	if len(c.ReferenceIndexStripes) > 0 {
		return l.loadStripes(ctx, c.ReferenceIndexStripes)
	}
	if c.ReferenceIndex.IsEmpty() {
		return core.NewCommitIndex(), nil
	}

	obj, err := l.p.FetchObj(ctx, c.ReferenceIndex)
	if err != nil {
		return nil, fmt.Errorf("load reference index of %s: %w", c.ID(), err)
	}
	switch ref := obj.(type) {
	case *core.IndexObj:
		return core.DeserializeCommitIndex(ref.Index)
	case *core.IndexSegmentsObj:
		return l.loadStripes(ctx, ref.Stripes)
	default:
		return nil, fmt.Errorf("reference index %s of %s has unexpected type %s", c.ReferenceIndex, c.ID(), obj.Type())
	}
}

// loadStripes 批量读取全部分段并按顺序拼接
func (l *Logic) loadStripes(ctx context.Context, stripes []core.IndexStripe) (*index.StoreIndex[core.CommitOp], error) {
	ids := make([]types.ObjID, len(stripes))
	for i, s := range stripes {
		ids[i] = s.SegmentID
	}
	objs, err := l.p.FetchObjs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load index stripes: %w", err)
	}

	full := core.NewCommitIndex()
	for i, obj := range objs {
		seg, ok := obj.(*core.IndexObj)
		if !ok {
			return nil, fmt.Errorf("index stripe %s has unexpected type %s", ids[i], obj.Type())
		}
		part, err := core.DeserializeCommitIndex(seg.Index)
		if err != nil {
			return nil, fmt.Errorf("index stripe %s: %w", ids[i], err)
		}
		for e := range part.All() {
			full.Put(e.Key, e.Value)
		}
	}
	return full, nil
}

// spill 把完整 keyspace 存成引用索引。
// 放得下时是一个 IndexObj；否则切分成若干段，段数不超过 MaxInlineStripes 时内联在提交里，
// 再多就额外存一个 IndexSegmentsObj。
func (l *Logic) spill(keyspace *index.StoreIndex[core.CommitOp]) (types.ObjID, []core.IndexStripe, []core.Obj, error) {
	limit := l.p.Config().MaxSerializedIndexSize
	serialized := keyspace.Serialize()
	if len(serialized) <= limit {
		obj, err := core.NewIndexObj(serialized)
		if err != nil {
			return types.EmptyObjID, nil, nil, err
		}
		return obj.ID(), nil, []core.Obj{obj}, nil
	}

	pieces, err := divideToFit(keyspace, limit, len(serialized))
	if err != nil {
		return types.EmptyObjID, nil, nil, err
	}
	stripes := make([]core.IndexStripe, len(pieces))
	objs := make([]core.Obj, 0, len(pieces)+1)
	for i, piece := range pieces {
		obj, err := core.NewIndexObj(piece.data)
		if err != nil {
			return types.EmptyObjID, nil, nil, err
		}
		objs = append(objs, obj)
		first, _ := piece.idx.First()
		last, _ := piece.idx.Last()
		stripes[i] = core.IndexStripe{FirstKey: first, LastKey: last, SegmentID: obj.ID()}
	}

	if len(stripes) <= MaxInlineStripes {
		return types.EmptyObjID, stripes, objs, nil
	}
	segments, err := core.NewIndexSegments(stripes)
	if err != nil {
		return types.EmptyObjID, nil, nil, err
	}
	objs = append(objs, segments)
	return segments.ID(), nil, objs, nil
}

type stripe struct {
	idx  *index.StoreIndex[core.CommitOp]
	data []byte
}

// divideToFit 逐步增加段数，直到每一段序列化后都不超过 limit
func divideToFit(keyspace *index.StoreIndex[core.CommitOp], limit, size int) ([]stripe, error) {
	count := keyspace.ElementCount()
	for parts := min((size+limit-1)/limit, count); parts <= count; parts++ {
		divided, err := keyspace.Divide(parts)
		if err != nil {
			return nil, err
		}
		out := make([]stripe, len(divided))
		fits := true
		for i, d := range divided {
			out[i] = stripe{idx: d, data: d.Serialize()}
			if len(out[i].data) > limit {
				fits = false
				break
			}
		}
		if fits {
			return out, nil
		}
	}
	return nil, &storage.ObjTooLargeError{What: "index stripe", Size: size, Limit: limit}
}

// Lookup 读取提交中若干 key 的当前值，不存在的 key 不会出现在结果里
func (l *Logic) Lookup(ctx context.Context, c *core.CommitObj, keys ...index.StoreKey) (map[string]core.CommitOp, error) {
	keyspace, err := l.Keyspace(ctx, c)
	if err != nil {
		return nil, err
	}
	out := make(map[string]core.CommitOp, len(keys))
	for _, k := range keys {
		if op, ok := keyspace.Get(k); ok {
			out[k.String()] = op
		}
	}
	return out, nil
}
