package commitlog

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"versionstore/pkg/core"
	"versionstore/pkg/index"
	"versionstore/pkg/persist"
	"versionstore/pkg/storage"
	"versionstore/pkg/types"
)

// MaxInlineStripes 超过这个数量的分段会单独存成 IndexSegmentsObj
const MaxInlineStripes = 16

var ErrCommitConflict = errors.New("commit conflict")

// ConflictKind key 级冲突的种类
type ConflictKind string

const (
	ConflictKeyMissing    ConflictKind = "KEY_DOES_NOT_EXIST"
	ConflictValueMismatch ConflictKind = "VALUE_DIFFERS"
)

type Conflict struct {
	Key      index.StoreKey
	Kind     ConflictKind
	Existing types.ObjID // 冲突时 key 的当前值，不存在时为空
}

// ConflictError 收集一次提交中的全部冲突
type ConflictError struct {
	Conflicts []Conflict
}

func (e *ConflictError) Error() string {
	parts := make([]string, len(e.Conflicts))
	for i, c := range e.Conflicts {
		parts[i] = fmt.Sprintf("%s: %s", c.Key, c.Kind)
	}
	return "commit conflict: " + strings.Join(parts, ", ")
}

func (e *ConflictError) Is(target error) bool { return target == ErrCommitConflict }

// Add 写入 (或覆盖) 一个 key
type Add struct {
	Key     index.StoreKey
	Payload uint8
	Value   types.ObjID
	// Expected 非空时要求 key 在父提交中指向它
	Expected types.ObjID
}

// Remove 删除一个 key，key 必须在父提交中存在
type Remove struct {
	Key      index.StoreKey
	Expected types.ObjID
}

// CreateCommit 描述要创建的提交，Parent 为空表示根提交
type CreateCommit struct {
	Parent           types.ObjID
	SecondaryParents []types.ObjID
	Message          string
	Headers          core.CommitHeaders
	Adds             []Add
	Removes          []Remove
	CommitType       core.CommitType
}

// Logic 提交逻辑，本身无状态，并发安全性由 Persist 保证
// 增量索引过大时溢出为引用索引 (必要时分段)，读取时再拼回完整的 keyspace
type Logic struct {
	p   *persist.Persist
	now func() int64
}

type Option func(*Logic)

// WithClock 替换提交时间来源 (微秒)
func WithClock(now func() int64) Option {
	return func(l *Logic) { l.now = now }
}

func New(p *persist.Persist, opts ...Option) *Logic {
	l := &Logic{p: p, now: core.NowMicros}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// FetchCommit 空 ID 返回 (nil, nil)，代表 "根之前"
func (l *Logic) FetchCommit(ctx context.Context, id types.ObjID) (*core.CommitObj, error) {
	if id.IsEmpty() {
		return nil, nil
	}
	return persist.FetchTyped[*core.CommitObj](ctx, l.p, id)
}

// BuildCommit 计算新提交以及需要一并存储的索引对象，不做任何写入
func (l *Logic) BuildCommit(ctx context.Context, c CreateCommit) (*core.CommitObj, []core.Obj, error) {
	if err := validate(c); err != nil {
		return nil, nil, err
	}
	cfg := l.p.Config()

	parent, err := l.FetchCommit(ctx, c.Parent)
	if err != nil {
		return nil, nil, fmt.Errorf("load parent commit: %w", err)
	}

	commit := &core.CommitObj{
		Created:          l.now(),
		Seq:              1,
		Headers:          c.Headers,
		Message:          c.Message,
		Tail:             []types.ObjID{types.EmptyObjID},
		SecondaryParents: slices.Clone(c.SecondaryParents),
		CommitType:       c.CommitType,
	}
	incr := core.NewCommitIndex()
	if parent != nil {
		commit.Seq = parent.Seq + 1
		tail := append([]types.ObjID{parent.ID()}, parent.Tail...)
		if len(tail) > cfg.ParentsPerCommit {
			tail = tail[:cfg.ParentsPerCommit]
		}
		commit.Tail = tail
		commit.ReferenceIndex = parent.ReferenceIndex
		commit.ReferenceIndexStripes = slices.Clone(parent.ReferenceIndexStripes)
		commit.IncompleteIndex = parent.IncompleteIndex

		if incr, err = core.DeserializeCommitIndex(parent.IncrementalIndex); err != nil {
			return nil, nil, fmt.Errorf("parent %s incremental index: %w", parent.ID(), err)
		}
		// 父提交的变化对本提交来说是继承来的
		incr.UpdateAll(func(e index.Element[core.CommitOp]) (core.CommitOp, bool) {
			op := e.Value
			op.Action = op.Action.Inherited()
			return op, true
		})
	}

	// 只有需要检查条件时才物化父提交的 keyspace
	var keyspace *index.StoreIndex[core.CommitOp]
	if needsKeyspace(c) {
		if keyspace, err = l.Keyspace(ctx, parent); err != nil {
			return nil, nil, err
		}
		if err := checkConflicts(keyspace, c); err != nil {
			return nil, nil, err
		}
	}

	for _, add := range c.Adds {
		incr.Put(add.Key, core.CommitOp{Action: core.ActionAdd, Payload: add.Payload, Value: add.Value})
	}
	for _, rm := range c.Removes {
		existing, _ := keyspace.Get(rm.Key)
		incr.Put(rm.Key, core.CommitOp{Action: core.ActionRemove, Payload: existing.Payload, Value: existing.Value})
	}

	serialized := incr.Serialize()
	var extra []core.Obj
	if len(serialized) > cfg.MaxIncrementalIndexSize {
		if keyspace == nil {
			if keyspace, err = l.Keyspace(ctx, parent); err != nil {
				return nil, nil, err
			}
		}
		applyOps(keyspace, incr)

		refIndex, stripes, objs, err := l.spill(keyspace)
		if err != nil {
			return nil, nil, err
		}
		commit.ReferenceIndex = refIndex
		commit.ReferenceIndexStripes = stripes
		commit.IncompleteIndex = false
		extra = objs

		// 完整索引已经包含了全部变化，增量索引只保留本提交的部分
		incr.UpdateAll(func(e index.Element[core.CommitOp]) (core.CommitOp, bool) {
			return e.Value, e.Value.Action.CurrentCommit()
		})
		serialized = incr.Serialize()
	}
	commit.IncrementalIndex = serialized

	if err := commit.Seal(); err != nil {
		return nil, nil, err
	}
	return commit, extra, nil
}

// Commit 构建并存储提交 (先存索引对象，再存提交本身)
func (l *Logic) Commit(ctx context.Context, c CreateCommit) (*core.CommitObj, error) {
	commit, extra, err := l.BuildCommit(ctx, c)
	if err != nil {
		return nil, err
	}
	if len(extra) > 0 {
		if _, err := l.p.StoreObjs(ctx, extra); err != nil {
			return nil, fmt.Errorf("store reference index: %w", err)
		}
	}
	if _, err := l.p.StoreObj(ctx, commit); err != nil {
		return nil, fmt.Errorf("store commit: %w", err)
	}
	return commit, nil
}

// CommitToReference 在 ref 当前指向的提交之上创建提交，然后 CAS 移动 ref。
// CAS 失败时直接返回冲突 (已经写入的对象成为孤儿)，是否重试由调用方决定。
func (l *Logic) CommitToReference(ctx context.Context, ref core.Reference, c CreateCommit) (*core.CommitObj, core.Reference, error) {
	if c.Parent.IsEmpty() {
		c.Parent = ref.Pointer
	} else if c.Parent != ref.Pointer {
		return nil, core.Reference{}, fmt.Errorf("%w: parent %s is not the head %s of %s",
			storage.ErrInvalidArgument, c.Parent, ref.Pointer, ref.Name)
	}
	commit, err := l.Commit(ctx, c)
	if err != nil {
		return nil, core.Reference{}, err
	}
	updated, err := l.p.UpdateReferencePointer(ctx, ref, commit.ID())
	if err != nil {
		return commit, core.Reference{}, err
	}
	return commit, updated, nil
}

func validate(c CreateCommit) error {
	seen := make(map[string]bool, len(c.Adds)+len(c.Removes))
	check := func(k index.StoreKey) error {
		if k.IsEmpty() {
			return fmt.Errorf("%w: empty key", storage.ErrInvalidArgument)
		}
		if seen[k.String()] {
			return fmt.Errorf("%w: key %s appears more than once", storage.ErrInvalidArgument, k)
		}
		seen[k.String()] = true
		return nil
	}
	for _, a := range c.Adds {
		if err := check(a.Key); err != nil {
			return err
		}
		if a.Value.IsEmpty() {
			return fmt.Errorf("%w: key %s has no value", storage.ErrInvalidArgument, a.Key)
		}
	}
	for _, r := range c.Removes {
		if err := check(r.Key); err != nil {
			return err
		}
	}
	return nil
}

func needsKeyspace(c CreateCommit) bool {
	if len(c.Removes) > 0 {
		return true
	}
	return slices.ContainsFunc(c.Adds, func(a Add) bool { return !a.Expected.IsEmpty() })
}

func checkConflicts(keyspace *index.StoreIndex[core.CommitOp], c CreateCommit) error {
	var conflicts []Conflict
	expect := func(key index.StoreKey, expected types.ObjID, mustExist bool) {
		op, ok := keyspace.Get(key)
		switch {
		case !ok && (mustExist || !expected.IsEmpty()):
			conflicts = append(conflicts, Conflict{Key: key, Kind: ConflictKeyMissing})
		case ok && !expected.IsEmpty() && op.Value != expected:
			conflicts = append(conflicts, Conflict{Key: key, Kind: ConflictValueMismatch, Existing: op.Value})
		}
	}
	for _, a := range c.Adds {
		if !a.Expected.IsEmpty() {
			expect(a.Key, a.Expected, true)
		}
	}
	for _, r := range c.Removes {
		expect(r.Key, r.Expected, true)
	}
	if len(conflicts) > 0 {
		return &ConflictError{Conflicts: conflicts}
	}
	return nil
}
