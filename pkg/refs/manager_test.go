package refs

import (
	"context"
	"testing"

	"versionstore/pkg/config"
	"versionstore/pkg/core"
	"versionstore/pkg/persist"
	"versionstore/pkg/storage"
	"versionstore/pkg/storage/inmemory"
	"versionstore/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestEnv 搭建基于内存后端的测试环境
func setupTestEnv(t *testing.T) (*Manager, *persist.Persist) {
	t.Helper()
	p := persist.New(inmemory.New(inmemory.Config{}), config.Default().WithRepositoryID("refs-test"))
	return NewManager(p), p
}

func TestNames(t *testing.T) {
	assert.Equal(t, "refs/heads/main", BranchName("main"))
	assert.Equal(t, "refs/heads/main", BranchName("refs/heads/main"))
	assert.Equal(t, "refs/tags/v1", TagName("v1"))
	assert.Equal(t, "v1", ShortName("refs/tags/v1"))
	assert.Equal(t, "feature/x", ShortName("refs/heads/feature/x"))
	assert.True(t, IsTag("refs/tags/v1"))

	for _, bad := range []string{"", "refs/heads/", "refs/heads/a..b", "refs/heads/a b", "refs/heads/x/", "refs/heads/x.lock", "refs/heads/a:b"} {
		assert.ErrorIs(t, ValidateName(bad), ErrInvalidName, bad)
	}
	assert.NoError(t, ValidateName("refs/heads/feature/x-1"))
}

func TestRefFlow_Lifecycle(t *testing.T) {
	mgr, p := setupTestEnv(t)
	ctx := context.Background()
	name := BranchName(DefaultBranch)

	// 1. 初始状态: 引用不存在
	_, err := mgr.Get(ctx, name)
	assert.ErrorIs(t, err, storage.ErrRefNotFound)

	// 2. 创建一个空分支
	ref, err := mgr.Create(ctx, name, types.EmptyObjID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ref.Generation, "第一次版本号应该是 1")
	_, _, err = mgr.Head(ctx, name)
	assert.ErrorIs(t, err, ErrNoHead)

	info, err := mgr.Info(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, name, info.Name)
	assert.Equal(t, ref.CreatedAtMicros, info.CreatedAtMicros)

	// 3. 移动
	c1 := types.RandomObjID()
	ref, err = mgr.Assign(ctx, ref, c1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), ref.Generation, "版本号应该递增为 2")

	head, _, err := mgr.Head(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, c1, head)

	// 4. 重复创建
	_, err = mgr.Create(ctx, name, c1)
	var exists *storage.RefAlreadyExistsError
	require.ErrorAs(t, err, &exists)
	assert.Equal(t, c1, exists.Existing.Pointer)

	// 失败的创建不应该留下 RefObj
	count := 0
	for _, err := range p.Objects(ctx, []core.ObjType{core.TypeRef}) {
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 1, count)

	// 5. 删除
	require.NoError(t, mgr.Delete(ctx, ref))
	_, err = mgr.Get(ctx, name)
	assert.ErrorIs(t, err, storage.ErrRefNotFound)

	// 删除后可以重新创建
	_, err = mgr.Create(ctx, name, c1)
	require.NoError(t, err)
}

func TestRefFlow_OptimisticLocking(t *testing.T) {
	mgr, _ := setupTestEnv(t)
	ctx := context.Background()
	name := BranchName("dev")

	base, err := mgr.Create(ctx, name, types.RandomObjID())
	require.NoError(t, err)

	// 用户 B 抢先一步基于 base 更新成功
	hashB := types.RandomObjID()
	_, err = mgr.Assign(ctx, base, hashB)
	require.NoError(t, err, "用户 B 应该更新成功")

	// 用户 A 拿着过期的状态试图更新
	_, err = mgr.Assign(ctx, base, types.RandomObjID())
	assert.ErrorIs(t, err, storage.ErrRefConditionFailed, "使用过期的状态更新应该被拒绝")
	assert.True(t, persist.IsRefConflict(err))

	// 过期的状态也不能删除
	assert.ErrorIs(t, mgr.Delete(ctx, base), storage.ErrRefConditionFailed)

	// 确保数据没有被覆盖
	curr, err := mgr.Get(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, hashB, curr.Pointer, "HEAD 应该保持为用户 B 的值")
	assert.Equal(t, int64(2), curr.Generation)
}

func TestDelete_AlreadyMarked(t *testing.T) {
	mgr, p := setupTestEnv(t)
	ctx := context.Background()

	ref, err := mgr.Create(ctx, BranchName("tmp"), types.RandomObjID())
	require.NoError(t, err)
	marked, err := p.MarkReferenceAsDeleted(ctx, ref)
	require.NoError(t, err)

	// 软删除的引用 Get 仍然可见，Head 不可见
	got, err := mgr.Get(ctx, ref.Name)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	_, _, err = mgr.Head(ctx, ref.Name)
	assert.ErrorIs(t, err, storage.ErrRefNotFound)

	require.NoError(t, mgr.Delete(ctx, marked))
	_, err = mgr.Get(ctx, ref.Name)
	assert.ErrorIs(t, err, storage.ErrRefNotFound)
}

func TestTags(t *testing.T) {
	mgr, _ := setupTestEnv(t)
	ctx := context.Background()
	commit := types.RandomObjID()

	_, err := mgr.CreateTag(ctx, "v0", types.EmptyObjID, "", nil)
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)

	ref, err := mgr.CreateTag(ctx, "v1", commit, "first release", core.CommitHeaders{}.Add("Author", "ops"))
	require.NoError(t, err)
	assert.Equal(t, "refs/tags/v1", ref.Name)
	assert.Equal(t, commit, ref.Pointer)

	tag, err := mgr.Tag(ctx, ref)
	require.NoError(t, err)
	require.NotNil(t, tag)
	assert.Equal(t, "first release", tag.Message)
	author, _ := tag.Headers.First("author")
	assert.Equal(t, "ops", author)

	// 轻量标签
	light, err := mgr.Create(ctx, TagName("light"), commit)
	require.NoError(t, err)
	tag, err = mgr.Tag(ctx, light)
	require.NoError(t, err)
	assert.Nil(t, tag)
}

func TestList(t *testing.T) {
	mgr, _ := setupTestEnv(t)
	ctx := context.Background()

	for _, n := range []string{"b", "a", "c"} {
		_, err := mgr.Create(ctx, BranchName(n), types.RandomObjID())
		require.NoError(t, err)
	}
	_, err := mgr.CreateTag(ctx, "v1", types.RandomObjID(), "", nil)
	require.NoError(t, err)

	gone, err := mgr.Get(ctx, BranchName("c"))
	require.NoError(t, err)
	require.NoError(t, mgr.Delete(ctx, gone))

	all, err := mgr.List(ctx, "")
	require.NoError(t, err)
	var names []string
	for _, r := range all {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"refs/heads/a", "refs/heads/b", "refs/tags/v1"}, names)

	branches, err := mgr.List(ctx, BranchPrefix)
	require.NoError(t, err)
	assert.Len(t, branches, 2)
}
