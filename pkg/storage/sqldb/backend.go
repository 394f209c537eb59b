package sqldb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"versionstore/pkg/core"
	"versionstore/pkg/storage"
	"versionstore/pkg/types"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Backend 封装所有对 SQL 数据库的操作
// 通过 GORM 同时支持 sqlite 和 postgres 两个注册名
type Backend struct {
	name  string
	db    *gorm.DB
	batch int // 扫描时每页的行数
}

var objKeyColumns = []clause.Column{{Name: "repo"}, {Name: "id"}}

func (b *Backend) Name() string             { return b.name }
func (b *Backend) HardObjectSizeLimit() int { return storage.Unbounded }

// DB 暴露底层连接 (测试用)
func (b *Backend) DB() *gorm.DB { return b.db }

func (b *Backend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// -----------------------------------------------------------------------------
// 1. 对象
// -----------------------------------------------------------------------------

// StoreObjs 每个对象一条 INSERT ... ON CONFLICT DO NOTHING，影响行数为 1 说明是新写入的
func (b *Backend) StoreObjs(ctx context.Context, repo string, recs []storage.ObjRecord) ([]bool, error) {
	db := b.db.WithContext(ctx)
	stored := make([]bool, len(recs))
	for i, rec := range recs {
		model := objToModel(repo, rec)
		result := db.Clauses(clause.OnConflict{
			Columns:   objKeyColumns, // 冲突列
			DoNothing: true,          // 忽略
		}).Create(&model)
		if result.Error != nil {
			return nil, fmt.Errorf("failed to store object %s: %w", rec.ID, result.Error)
		}
		stored[i] = result.RowsAffected == 1
	}
	return stored, nil
}

func (b *Backend) UpsertObjs(ctx context.Context, repo string, recs []storage.ObjRecord) error {
	if len(recs) == 0 {
		return nil
	}
	models := make([]ObjModel, len(recs))
	for i, rec := range recs {
		models[i] = objToModel(repo, rec)
	}
	err := b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   objKeyColumns,
		DoUpdates: clause.AssignmentColumns([]string{"type", "data"}),
	}).Create(&models).Error
	if err != nil {
		return fmt.Errorf("failed to upsert objects: %w", err)
	}
	return nil
}

func (b *Backend) FetchObjs(ctx context.Context, repo string, ids []types.ObjID) ([]*storage.ObjRecord, error) {
	out := make([]*storage.ObjRecord, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	var models []ObjModel
	err := b.db.WithContext(ctx).
		Where("repo = ? AND id IN ?", repo, hexIDs(ids)).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch objects: %w", err)
	}

	byID := make(map[string]ObjModel, len(models))
	for _, m := range models {
		byID[m.ID] = m
	}
	for i, id := range ids {
		m, ok := byID[id.String()]
		if !ok {
			continue
		}
		rec, err := m.record()
		if err != nil {
			return nil, err
		}
		out[i] = &rec
	}
	return out, nil
}

func (b *Backend) DeleteObjs(ctx context.Context, repo string, ids []types.ObjID) error {
	if len(ids) == 0 {
		return nil
	}
	err := b.db.WithContext(ctx).
		Where("repo = ? AND id IN ?", repo, hexIDs(ids)).
		Delete(&ObjModel{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete objects: %w", err)
	}
	return nil
}

// ScanObjs 按 id 分页 (keyset pagination)，不会长时间占用连接
func (b *Backend) ScanObjs(ctx context.Context, repo string, filter []core.ObjType) (storage.RecordIterator, error) {
	typeNames := make([]string, len(filter))
	for i, t := range filter {
		typeNames[i] = string(t)
	}
	return &pageIterator{
		db:    b.db.WithContext(ctx),
		repo:  repo,
		types: typeNames,
		batch: b.batch,
	}, nil
}

func (b *Backend) EraseRepository(ctx context.Context, repo string) error {
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("repo = ?", repo).Delete(&ObjModel{}).Error; err != nil {
			return fmt.Errorf("failed to erase objects: %w", err)
		}
		if err := tx.Where("repo = ?", repo).Delete(&RefModel{}).Error; err != nil {
			return fmt.Errorf("failed to erase references: %w", err)
		}
		return nil
	})
}

// -----------------------------------------------------------------------------
// 2. 引用
// -----------------------------------------------------------------------------

func (b *Backend) AddRef(ctx context.Context, repo string, ref core.Reference) error {
	model, err := refToModel(repo, ref)
	if err != nil {
		return err
	}
	if err := b.db.WithContext(ctx).Create(&model).Error; err != nil {
		if !isDuplicate(err) {
			return fmt.Errorf("failed to create ref: %w", err)
		}
		existing, ferr := b.fetchRef(ctx, repo, ref.Name)
		if ferr != nil {
			return ferr
		}
		if existing == nil {
			// 冲突之后又被 purge 了，调用方重试即可
			return &storage.RefAlreadyExistsError{Existing: ref}
		}
		return &storage.RefAlreadyExistsError{Existing: *existing}
	}
	return nil
}

func (b *Backend) FetchRefs(ctx context.Context, repo string, names []string) ([]*core.Reference, error) {
	out := make([]*core.Reference, len(names))
	if len(names) == 0 {
		return out, nil
	}

	var models []RefModel
	err := b.db.WithContext(ctx).
		Where("repo = ? AND name IN ?", repo, names).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch refs: %w", err)
	}

	byName := make(map[string]RefModel, len(models))
	for _, m := range models {
		byName[m.Name] = m
	}
	for i, name := range names {
		m, ok := byName[name]
		if !ok {
			continue
		}
		ref, err := m.reference()
		if err != nil {
			return nil, err
		}
		out[i] = &ref
	}
	return out, nil
}

// CasRef 原子更新引用 (Compare And Swap)
// SQL: UPDATE refs SET ... WHERE repo = ? AND name = ? AND pointer = ? AND deleted = ? AND generation = ?
func (b *Backend) CasRef(ctx context.Context, repo string, expected, updated core.Reference) error {
	model, err := refToModel(repo, updated)
	if err != nil {
		return err
	}
	result := b.casScope(ctx, repo, expected).
		Model(&RefModel{}).
		Updates(map[string]any{
			"pointer":           model.Pointer,
			"deleted":           model.Deleted,
			"extended_info":     model.ExtendedInfo,
			"generation":        model.Generation,
			"previous_pointers": model.PreviousPointers,
			"updated_at":        time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update ref: %w", result.Error)
	}
	// 关键检查：如果影响行数为 0，说明状态不匹配 (被人抢先改了) 或者引用不存在
	if result.RowsAffected == 0 {
		return b.casFailure(ctx, repo, expected.Name)
	}
	return nil
}

func (b *Backend) PurgeRef(ctx context.Context, repo string, expected core.Reference) error {
	result := b.casScope(ctx, repo, expected).Delete(&RefModel{})
	if result.Error != nil {
		return fmt.Errorf("failed to purge ref: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return b.casFailure(ctx, repo, expected.Name)
	}
	return nil
}

func (b *Backend) casScope(ctx context.Context, repo string, expected core.Reference) *gorm.DB {
	return b.db.WithContext(ctx).Where(
		"repo = ? AND name = ? AND pointer = ? AND deleted = ? AND generation = ?",
		repo, expected.Name, expected.Pointer.String(), expected.Deleted, expected.Generation,
	)
}

// casFailure 区分 "不存在" 和 "状态不一致"
func (b *Backend) casFailure(ctx context.Context, repo, name string) error {
	current, err := b.fetchRef(ctx, repo, name)
	if err != nil {
		return err
	}
	if current == nil {
		return &storage.RefNotFoundError{Name: name}
	}
	return &storage.RefConditionFailedError{Existing: *current}
}

func (b *Backend) fetchRef(ctx context.Context, repo, name string) (*core.Reference, error) {
	refs, err := b.FetchRefs(ctx, repo, []string{name})
	if err != nil {
		return nil, err
	}
	return refs[0], nil
}

// -----------------------------------------------------------------------------
// 3. 工具
// -----------------------------------------------------------------------------

// isDuplicate 兼容性，处理不同数据库 (PG 与 SQLite) 的唯一约束错误
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

func hexIDs(ids []types.ObjID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

type pageIterator struct {
	db    *gorm.DB
	repo  string
	types []string
	batch int

	page []ObjModel
	pos  int
	last string
	done bool

	cur storage.ObjRecord
	err error
}

func (it *pageIterator) Next() bool {
	for {
		if it.err != nil {
			return false
		}
		if it.pos < len(it.page) {
			rec, err := it.page[it.pos].record()
			it.pos++
			if err != nil {
				it.err = err
				return false
			}
			it.cur = rec
			return true
		}
		if it.done {
			return false
		}
		if !it.fetchPage() {
			return false
		}
	}
}

func (it *pageIterator) fetchPage() bool {
	q := it.db.Where("repo = ? AND type IN ?", it.repo, it.types)
	if it.last != "" {
		q = q.Where("id > ?", it.last)
	}
	var page []ObjModel
	if err := q.Order("id").Limit(it.batch).Find(&page).Error; err != nil {
		it.err = fmt.Errorf("failed to scan objects: %w", err)
		return false
	}
	if len(page) < it.batch {
		it.done = true
	}
	if len(page) == 0 {
		return false
	}
	it.page, it.pos = page, 0
	it.last = page[len(page)-1].ID
	return true
}

func (it *pageIterator) Record() storage.ObjRecord { return it.cur }
func (it *pageIterator) Err() error                { return it.err }

func (it *pageIterator) Close() error {
	it.done = true
	it.page = nil
	return nil
}
