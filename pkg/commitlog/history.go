package commitlog

import (
	"context"
	"iter"
	"slices"

	"versionstore/pkg/core"
	"versionstore/pkg/index"
	"versionstore/pkg/types"
)

// Log 从 from 开始沿第一父提交惰性遍历历史 (由新到旧)。
// 读取失败时产出一次错误后结束。
func (l *Logic) Log(ctx context.Context, from types.ObjID) iter.Seq2[*core.CommitObj, error] {
	return func(yield func(*core.CommitObj, error) bool) {
		for id := from; !id.IsEmpty(); {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			c, err := l.FetchCommit(ctx, id)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(c, nil) {
				return
			}
			id = c.ParentID()
		}
	}
}

// DiffEntry 一个 key 的变化，From/To 为 nil 表示该侧不存在
type DiffEntry struct {
	Key  index.StoreKey
	From *core.CommitOp
	To   *core.CommitOp
}

// Diff 比较两个提交的 keyspace，按 key 升序返回有变化的 key
func (l *Logic) Diff(ctx context.Context, from, to *core.CommitObj) ([]DiffEntry, error) {
	left, err := l.Keyspace(ctx, from)
	if err != nil {
		return nil, err
	}
	right, err := l.Keyspace(ctx, to)
	if err != nil {
		return nil, err
	}
	return diffIndexes(left, right), nil
}

// diffIndexes 归并两个有序索引
func diffIndexes(left, right *index.StoreIndex[core.CommitOp]) []DiffEntry {
	a := slices.Collect(left.All())
	b := slices.Collect(right.All())

	var out []DiffEntry
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case j == len(b) || i < len(a) && a[i].Key.Compare(b[j].Key) < 0:
			out = append(out, DiffEntry{Key: a[i].Key, From: &a[i].Value})
			i++
		case i == len(a) || a[i].Key.Compare(b[j].Key) > 0:
			out = append(out, DiffEntry{Key: b[j].Key, To: &b[j].Value})
			j++
		default:
			if a[i].Value.Value != b[j].Value.Value || a[i].Value.Payload != b[j].Value.Payload {
				out = append(out, DiffEntry{Key: a[i].Key, From: &a[i].Value, To: &b[j].Value})
			}
			i++
			j++
		}
	}
	return out
}
