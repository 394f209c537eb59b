package persist

import (
	"context"
	"errors"
	"fmt"

	"versionstore/pkg/core"
	"versionstore/pkg/storage"
	"versionstore/pkg/types"
)

// 引用的状态机: absent -> active -> deleted -> absent (purge)
// 除了创建，每一步都要求调用方提供的状态与存储状态一致 (core.Reference.Matches)。
// 这里先读一次当前状态做检查并计算新状态，再交给后端做严格 CAS；
// 两步之间如果有并发修改，后端的 CAS 会失败，不会丢失更新。

// AddReference 创建引用，名称已存在时返回 *storage.RefAlreadyExistsError
func (p *Persist) AddReference(ctx context.Context, ref core.Reference) (core.Reference, error) {
	if ref.Name == "" {
		return core.Reference{}, fmt.Errorf("%w: reference name must not be empty", storage.ErrInvalidArgument)
	}
	if ref.Deleted {
		return core.Reference{}, fmt.Errorf("%w: cannot create reference %q in deleted state", storage.ErrInvalidArgument, ref.Name)
	}
	if ref.CreatedAtMicros == 0 {
		ref.CreatedAtMicros = p.now()
	}
	ref.Generation = 1
	ref.PreviousPointers = nil

	if err := p.backend.AddRef(ctx, p.cfg.RepositoryID, ref); err != nil {
		return core.Reference{}, err
	}
	p.logger.Debug("reference created", "ref", ref.Name, "pointer", ref.Pointer.String())
	return ref, nil
}

// FetchReference 读取引用，不存在时返回 (nil, nil)
func (p *Persist) FetchReference(ctx context.Context, name string) (*core.Reference, error) {
	refs, err := p.FetchReferences(ctx, []string{name})
	if err != nil {
		return nil, err
	}
	return refs[0], nil
}

// FetchReferences 结果与输入等长、同序；未知名称或空名称对应 nil
func (p *Persist) FetchReferences(ctx context.Context, names []string) ([]*core.Reference, error) {
	result := make([]*core.Reference, len(names))
	if len(names) == 0 {
		return result, nil
	}

	query := make([]string, 0, len(names))
	for _, n := range names {
		if n != "" {
			query = append(query, n)
		}
	}
	if len(query) == 0 {
		return result, nil
	}
	fetched, err := p.backend.FetchRefs(ctx, p.cfg.RepositoryID, query)
	if err != nil {
		return nil, fmt.Errorf("fetch references: %w", err)
	}
	j := 0
	for i, n := range names {
		if n == "" {
			continue
		}
		result[i] = fetched[j]
		j++
	}
	return result, nil
}

// UpdateReferencePointer 把引用从 current 状态移动到 newPointer。
// 指向不变时是合法的空操作，直接返回当前状态。
func (p *Persist) UpdateReferencePointer(ctx context.Context, current core.Reference, newPointer types.ObjID) (core.Reference, error) {
	stored, err := p.loadForUpdate(ctx, current)
	if err != nil {
		return core.Reference{}, err
	}
	// 已删除的引用不能再移动
	if stored.Deleted {
		return core.Reference{}, &storage.RefConditionFailedError{Existing: stored}
	}
	if stored.Pointer == newPointer {
		return stored, nil
	}

	updated := stored.WithPointer(newPointer, p.now(), p.cfg.ReferencePreviousHeadCount)
	if err := p.backend.CasRef(ctx, p.cfg.RepositoryID, stored, updated); err != nil {
		return core.Reference{}, err
	}
	p.logger.Debug("reference updated", "ref", stored.Name,
		"from", stored.Pointer.String(), "to", updated.Pointer.String(), "generation", updated.Generation)
	return updated, nil
}

// MarkReferenceAsDeleted 软删除；已经删除或状态不一致时返回 condition failed
func (p *Persist) MarkReferenceAsDeleted(ctx context.Context, current core.Reference) (core.Reference, error) {
	stored, err := p.loadForUpdate(ctx, current)
	if err != nil {
		return core.Reference{}, err
	}
	if stored.Deleted {
		return core.Reference{}, &storage.RefConditionFailedError{Existing: stored}
	}

	updated := stored.AsDeleted()
	if err := p.backend.CasRef(ctx, p.cfg.RepositoryID, stored, updated); err != nil {
		return core.Reference{}, err
	}
	p.logger.Debug("reference marked deleted", "ref", stored.Name)
	return updated, nil
}

// PurgeReference 物理删除，要求引用已处于删除状态
func (p *Persist) PurgeReference(ctx context.Context, current core.Reference) error {
	stored, err := p.loadForUpdate(ctx, current)
	if err != nil {
		return err
	}
	if !stored.Deleted {
		return &storage.RefConditionFailedError{Existing: stored}
	}
	if err := p.backend.PurgeRef(ctx, p.cfg.RepositoryID, stored); err != nil {
		return err
	}
	p.logger.Debug("reference purged", "ref", stored.Name)
	return nil
}

// loadForUpdate 读取存储状态并与调用方状态比较
func (p *Persist) loadForUpdate(ctx context.Context, current core.Reference) (core.Reference, error) {
	if current.Name == "" {
		return core.Reference{}, fmt.Errorf("%w: reference name must not be empty", storage.ErrInvalidArgument)
	}
	stored, err := p.FetchReference(ctx, current.Name)
	if err != nil {
		return core.Reference{}, err
	}
	if stored == nil {
		return core.Reference{}, &storage.RefNotFoundError{Name: current.Name}
	}
	if !stored.Matches(current) {
		return core.Reference{}, &storage.RefConditionFailedError{Existing: *stored}
	}
	return *stored, nil
}

// IsRefConflict 是否是可以通过重新读取再重试解决的冲突
func IsRefConflict(err error) bool {
	return errors.Is(err, storage.ErrRefConditionFailed)
}
