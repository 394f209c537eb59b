package refs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"versionstore/pkg/core"
	"versionstore/pkg/persist"
	"versionstore/pkg/storage"
	"versionstore/pkg/types"
)

const (
	BranchPrefix = "refs/heads/"
	TagPrefix    = "refs/tags/"

	DefaultBranch = "main"
)

var (
	ErrInvalidName = errors.New("invalid reference name")
	// ErrNoHead 引用存在但还没有任何提交
	ErrNoHead = errors.New("reference has no commit yet")
)

// BranchName "main" -> "refs/heads/main"，已经是完整名称时原样返回
func BranchName(short string) string {
	if strings.HasPrefix(short, "refs/") {
		return short
	}
	return BranchPrefix + short
}

// TagName "v1" -> "refs/tags/v1"
func TagName(short string) string {
	if strings.HasPrefix(short, "refs/") {
		return short
	}
	return TagPrefix + short
}

// ShortName 去掉 refs/heads/ 或 refs/tags/ 前缀
func ShortName(name string) string {
	if s, ok := strings.CutPrefix(name, BranchPrefix); ok {
		return s
	}
	if s, ok := strings.CutPrefix(name, TagPrefix); ok {
		return s
	}
	return name
}

func IsTag(name string) bool { return strings.HasPrefix(name, TagPrefix) }

// ValidateName 检查完整引用名称
func ValidateName(name string) error {
	short := ShortName(name)
	switch {
	case short == "":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.Contains(name, ".."), strings.Contains(name, "//"),
		strings.HasSuffix(name, "/"), strings.HasSuffix(name, ".lock"):
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for _, r := range name {
		if r <= ' ' || r == 0x7f || strings.ContainsRune("~^:?*[\\", r) {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidName, name, r)
		}
	}
	return nil
}

// Manager 负责命名引用 (分支/标签)
// 每个引用在创建时会额外存一个 RefObj，Reference.ExtendedInfo 指向它；
// List 通过扫描 RefObj 得到所有出现过的名称。
type Manager struct {
	p *persist.Persist
}

func NewManager(p *persist.Persist) *Manager {
	return &Manager{p: p}
}

// Create 创建引用，pointer 可以为空 (还没有提交的分支)
func (m *Manager) Create(ctx context.Context, name string, pointer types.ObjID) (core.Reference, error) {
	return m.create(ctx, name, pointer, types.EmptyObjID)
}

// CreateTag 创建附注标签: 先存 TagObj，再创建指向 commit 的 refs/tags/ 引用
func (m *Manager) CreateTag(ctx context.Context, short string, commitID types.ObjID, message string, headers core.CommitHeaders) (core.Reference, error) {
	if commitID.IsEmpty() {
		return core.Reference{}, fmt.Errorf("%w: tag %q needs a commit", storage.ErrInvalidArgument, short)
	}
	tag, err := core.NewTag(commitID, message, headers, nil)
	if err != nil {
		return core.Reference{}, err
	}
	if _, err := m.p.StoreObj(ctx, tag); err != nil {
		return core.Reference{}, fmt.Errorf("store tag: %w", err)
	}
	return m.create(ctx, TagName(short), commitID, tag.ID())
}

func (m *Manager) create(ctx context.Context, name string, pointer, tagID types.ObjID) (core.Reference, error) {
	if err := ValidateName(name); err != nil {
		return core.Reference{}, err
	}
	refObj := core.NewRefObj(name, pointer, core.NowMicros(), tagID)
	if _, err := m.p.StoreObj(ctx, refObj); err != nil {
		return core.Reference{}, fmt.Errorf("store ref record: %w", err)
	}

	ref := core.NewReference(name, pointer, false)
	ref.CreatedAtMicros = refObj.CreatedAtMicros
	ref.ExtendedInfo = refObj.ID()
	created, err := m.p.AddReference(ctx, ref)
	if err != nil {
		// 创建失败时 RefObj 不应该留下，否则 List 会看到一个不存在的名称
		_ = m.p.DeleteObj(ctx, refObj.ID())
		return core.Reference{}, err
	}
	return created, nil
}

// Get 读取引用 (包括已软删除的)，不存在时返回 *storage.RefNotFoundError
func (m *Manager) Get(ctx context.Context, name string) (core.Reference, error) {
	ref, err := m.p.FetchReference(ctx, name)
	if err != nil {
		return core.Reference{}, err
	}
	if ref == nil {
		return core.Reference{}, &storage.RefNotFoundError{Name: name}
	}
	return *ref, nil
}

// Head 返回引用当前指向的提交
// 已删除的引用视为不存在；空指针返回 ErrNoHead
func (m *Manager) Head(ctx context.Context, name string) (types.ObjID, core.Reference, error) {
	ref, err := m.Get(ctx, name)
	if err != nil {
		return types.EmptyObjID, core.Reference{}, err
	}
	if ref.Deleted {
		return types.EmptyObjID, core.Reference{}, &storage.RefNotFoundError{Name: name}
	}
	if ref.Pointer.IsEmpty() {
		return types.EmptyObjID, ref, ErrNoHead
	}
	return ref.Pointer, ref, nil
}

// Assign CAS 移动引用，current 必须是调用方最后看到的状态
func (m *Manager) Assign(ctx context.Context, current core.Reference, to types.ObjID) (core.Reference, error) {
	return m.p.UpdateReferencePointer(ctx, current, to)
}

// Delete 先软删除再物理删除；已经是软删除状态时直接 purge
// RefObj 作为创建记录保留。
func (m *Manager) Delete(ctx context.Context, current core.Reference) error {
	if !current.Deleted {
		deleted, err := m.p.MarkReferenceAsDeleted(ctx, current)
		if err != nil {
			return err
		}
		current = deleted
	}
	return m.p.PurgeReference(ctx, current)
}

// Info 读取引用创建时保存的 RefObj
func (m *Manager) Info(ctx context.Context, ref core.Reference) (*core.RefObj, error) {
	if ref.ExtendedInfo.IsEmpty() {
		return nil, storage.NewObjNotFound(ref.ExtendedInfo)
	}
	return persist.FetchTyped[*core.RefObj](ctx, m.p, ref.ExtendedInfo)
}

// Tag 读取附注标签，轻量标签 (没有 TagObj) 返回 nil
func (m *Manager) Tag(ctx context.Context, ref core.Reference) (*core.TagObj, error) {
	info, err := m.Info(ctx, ref)
	if err != nil {
		return nil, err
	}
	if info.ExtendedInfo.IsEmpty() {
		return nil, nil
	}
	return persist.FetchTyped[*core.TagObj](ctx, m.p, info.ExtendedInfo)
}

// List 返回全部活跃引用 (按名称排序)，prefix 为空表示不过滤
func (m *Manager) List(ctx context.Context, prefix string) ([]core.Reference, error) {
	seen := make(map[string]bool)
	var names []string
	for obj, err := range m.p.Objects(ctx, []core.ObjType{core.TypeRef}) {
		if err != nil {
			return nil, fmt.Errorf("scan ref records: %w", err)
		}
		name := obj.(*core.RefObj).Name
		if seen[name] || !strings.HasPrefix(name, prefix) {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	slices.Sort(names)

	fetched, err := m.p.FetchReferences(ctx, names)
	if err != nil {
		return nil, err
	}
	out := make([]core.Reference, 0, len(fetched))
	for _, ref := range fetched {
		if ref != nil && !ref.Deleted {
			out = append(out, *ref)
		}
	}
	return out, nil
}
