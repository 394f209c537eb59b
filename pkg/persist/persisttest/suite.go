package persisttest

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"versionstore/pkg/config"
	"versionstore/pkg/core"
	"versionstore/pkg/index"
	"versionstore/pkg/persist"
	"versionstore/pkg/storage"
	"versionstore/pkg/types"
)

// BackendFactory 为一个子测试创建 (或复用) 后端，负责用 t.Cleanup 关闭
type BackendFactory func(t *testing.T) storage.Backend

// Run 对后端执行完整的行为测试，所有后端都必须通过
func Run(t *testing.T, newBackend BackendFactory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b storage.Backend)
	}{
		{"StoreAndFetchAllTypes", testStoreAndFetchAllTypes},
		{"StoreIdempotence", testStoreIdempotence},
		{"FetchMissing", testFetchMissing},
		{"FetchTyped", testFetchTyped},
		{"DeleteIdempotent", testDeleteIdempotent},
		{"Upsert", testUpsert},
		{"SizeLimits", testSizeLimits},
		{"HardSizeLimit", testHardSizeLimit},
		{"ScanFilter", testScanFilter},
		{"RepositoryIsolation", testRepositoryIsolation},
		{"ReferenceLifecycle", testReferenceLifecycle},
		{"ReferenceSamePointer", testReferenceSamePointer},
		{"ReferenceBulkFetch", testReferenceBulkFetch},
		{"ReferenceHistory", testReferenceHistory},
		{"ReferenceConcurrentCAS", testReferenceConcurrentCAS},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newBackend(t))
		})
	}
}

// -----------------------------------------------------------------------------
// 辅助工具
// -----------------------------------------------------------------------------

func newPersist(t *testing.T, b storage.Backend, mutate ...func(*config.StoreConfig)) *persist.Persist {
	t.Helper()
	cfg := config.Default().WithRepositoryID("repo-" + uuid.NewString())
	for _, m := range mutate {
		m(&cfg)
	}
	require.NoError(t, cfg.Validate())
	p := persist.New(b, cfg)
	t.Cleanup(func() { _ = p.Erase(context.Background()) })
	return p
}

func newCommit(t *testing.T, seq int64) *core.CommitObj {
	t.Helper()
	idx := core.NewCommitIndex()
	idx.Add(index.Key("ns", fmt.Sprintf("key-%d", seq)), core.CommitOp{Action: core.ActionAdd, Value: types.RandomObjID()})
	c := &core.CommitObj{
		Created:          core.NowMicros(),
		Seq:              seq,
		Headers:          core.CommitHeaders{}.Add("Author", "persisttest"),
		Message:          uuid.NewString(),
		Tail:             []types.ObjID{types.EmptyObjID},
		IncrementalIndex: idx.Serialize(),
	}
	require.NoError(t, c.Seal())
	return c
}

func newValue(t *testing.T) *core.ContentValueObj {
	t.Helper()
	v, err := core.NewContentValue(uuid.NewString(), 1, []byte(`{"v":"`+uuid.NewString()+`"}`))
	require.NoError(t, err)
	return v
}

func newString(t *testing.T) *core.StringObj {
	t.Helper()
	s, err := core.NewStringData("text/plain", core.CompressionNone, "f.txt", nil, []byte(uuid.NewString()))
	require.NoError(t, err)
	return s
}

// sampleObjs 每种类型各一个
func sampleObjs(t *testing.T) []core.Obj {
	t.Helper()
	commit := newCommit(t, 1)
	idx, err := core.NewIndexObj(index.New[types.ObjID](index.ObjIDCodec{}).Serialize())
	require.NoError(t, err)
	segments, err := core.NewIndexSegments([]core.IndexStripe{
		{FirstKey: index.Key("a"), LastKey: index.Key("b"), SegmentID: idx.ID()},
	})
	require.NoError(t, err)
	return []core.Obj{
		commit,
		newValue(t),
		newString(t),
		idx,
		segments,
		&core.RefObj{ObjID: types.RandomObjID(), Name: "refs/heads/" + uuid.NewString(), InitialPointer: commit.ID(), CreatedAtMicros: 1},
		&core.TagObj{ObjID: types.RandomObjID(), CommitID: commit.ID(), Message: "tag", Headers: core.CommitHeaders{}.Add("k", "v")},
	}
}

func ids(objs ...core.Obj) []types.ObjID {
	out := make([]types.ObjID, len(objs))
	for i, o := range objs {
		out[i] = o.ID()
	}
	return out
}

func scanAll(t *testing.T, p *persist.Persist, filter ...core.ObjType) []core.Obj {
	t.Helper()
	var out []core.Obj
	for obj, err := range p.Objects(context.Background(), filter) {
		require.NoError(t, err)
		out = append(out, obj)
	}
	return out
}

// -----------------------------------------------------------------------------
// 对象
// -----------------------------------------------------------------------------

func testStoreAndFetchAllTypes(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	p := newPersist(t, b)

	objs := sampleObjs(t)
	for _, obj := range objs {
		stored, err := p.StoreObj(ctx, obj)
		require.NoError(t, err, obj.Type())
		assert.True(t, stored, obj.Type())

		got, err := p.FetchObj(ctx, obj.ID())
		require.NoError(t, err)
		assert.Equal(t, obj, got, "round trip of %s", obj.Type())

		typ, err := p.FetchObjType(ctx, obj.ID())
		require.NoError(t, err)
		assert.Equal(t, obj.Type(), typ)
	}

	fetched, err := p.FetchObjs(ctx, ids(objs...))
	require.NoError(t, err)
	assert.Equal(t, objs, fetched)

	empty, err := p.FetchObjs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testStoreIdempotence(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	p := newPersist(t, b)

	o := []core.Obj{newValue(t), newValue(t), newValue(t), newString(t), newCommit(t, 1)}

	stored, err := p.StoreObjs(ctx, o[:2])
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true}, stored)

	stored, err = p.StoreObjs(ctx, o[:3])
	require.NoError(t, err)
	assert.Equal(t, []bool{false, false, true}, stored)

	stored, err = p.StoreObjs(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, false, false, true, true}, stored)

	again, err := p.StoreObj(ctx, o[4])
	require.NoError(t, err)
	assert.False(t, again)

	_, err = p.StoreObj(ctx, &core.RefObj{Name: "no-id"})
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)
}

func testFetchMissing(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	p := newPersist(t, b)

	present := newValue(t)
	_, err := p.StoreObj(ctx, present)
	require.NoError(t, err)

	m1, m2 := types.RandomObjID(), types.RandomObjID()

	_, err = p.FetchObj(ctx, m1)
	require.ErrorIs(t, err, storage.ErrObjNotFound)
	var nf *storage.ObjNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, []types.ObjID{m1}, nf.IDs)

	_, err = p.FetchObjs(ctx, []types.ObjID{m2, present.ID(), m1})
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, []types.ObjID{m2, m1}, nf.IDs, "missing ids are reported in input order")

	_, err = p.FetchObjType(ctx, m1)
	assert.ErrorIs(t, err, storage.ErrObjNotFound)

	_, err = p.FetchObj(ctx, types.EmptyObjID)
	assert.ErrorIs(t, err, storage.ErrObjNotFound)
}

func testFetchTyped(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	p := newPersist(t, b)

	commit := newCommit(t, 7)
	_, err := p.StoreObj(ctx, commit)
	require.NoError(t, err)

	got, err := p.FetchTypedObj(ctx, commit.ID(), core.TypeCommit)
	require.NoError(t, err)
	assert.Equal(t, commit, got)

	_, err = p.FetchTypedObj(ctx, commit.ID(), core.TypeValue)
	assert.ErrorIs(t, err, storage.ErrObjNotFound, "type mismatch is reported as not found")

	typed, err := persist.FetchTyped[*core.CommitObj](ctx, p, commit.ID())
	require.NoError(t, err)
	assert.Equal(t, int64(7), typed.Seq)

	_, err = persist.FetchTyped[*core.TagObj](ctx, p, commit.ID())
	assert.ErrorIs(t, err, storage.ErrObjNotFound)
}

func testDeleteIdempotent(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	p := newPersist(t, b)

	v1, v2 := newValue(t), newValue(t)
	_, err := p.StoreObjs(ctx, []core.Obj{v1, v2})
	require.NoError(t, err)

	require.NoError(t, p.DeleteObj(ctx, v1.ID()))
	require.NoError(t, p.DeleteObj(ctx, v1.ID()), "second delete is a no-op")
	require.NoError(t, p.DeleteObjs(ctx, []types.ObjID{v1.ID(), v2.ID(), types.RandomObjID()}))
	require.NoError(t, p.DeleteObjs(ctx, nil))

	_, err = p.FetchObjs(ctx, ids(v1, v2))
	var nf *storage.ObjNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Len(t, nf.IDs, 2)

	stored, err := p.StoreObj(ctx, v1)
	require.NoError(t, err)
	assert.True(t, stored, "deleted object can be stored again")
}

func testUpsert(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	p := newPersist(t, b)

	id := types.RandomObjID()
	first := &core.RefObj{ObjID: id, Name: "refs/heads/a", CreatedAtMicros: 1}
	second := &core.RefObj{ObjID: id, Name: "refs/heads/b", CreatedAtMicros: 2}

	require.NoError(t, p.UpsertObj(ctx, first))
	require.NoError(t, p.UpsertObjs(ctx, []core.Obj{second}))

	got, err := persist.FetchTyped[*core.RefObj](ctx, p, id)
	require.NoError(t, err)
	assert.Equal(t, "refs/heads/b", got.Name)

	stored, err := p.StoreObj(ctx, first)
	require.NoError(t, err)
	assert.False(t, stored, "store never overwrites")
	got, err = persist.FetchTyped[*core.RefObj](ctx, p, id)
	require.NoError(t, err)
	assert.Equal(t, "refs/heads/b", got.Name)
}

func testSizeLimits(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	p := newPersist(t, b, func(c *config.StoreConfig) {
		c.MaxIncrementalIndexSize = 64
		c.MaxSerializedIndexSize = 64
	})

	big := core.NewCommitIndex()
	for i := range 20 {
		big.Add(index.Key("ns", fmt.Sprintf("table-%02d", i)), core.CommitOp{Action: core.ActionAdd, Value: types.RandomObjID()})
	}
	serialized := big.Serialize()
	require.Greater(t, len(serialized), 64)

	commit := newCommit(t, 1)
	commit.IncrementalIndex = serialized
	require.NoError(t, commit.Seal())

	idx, err := core.NewIndexObj(serialized)
	require.NoError(t, err)

	small := newValue(t)

	for _, obj := range []core.Obj{commit, idx} {
		_, err := p.StoreObj(ctx, obj)
		assert.ErrorIs(t, err, storage.ErrObjTooLarge, obj.Type())

		_, err = p.StoreObjs(ctx, []core.Obj{small, obj})
		assert.ErrorIs(t, err, storage.ErrObjTooLarge, obj.Type())

		err = p.UpsertObj(ctx, obj)
		assert.ErrorIs(t, err, storage.ErrObjTooLarge, obj.Type())
	}

	_, err = p.FetchObj(ctx, small.ID())
	assert.ErrorIs(t, err, storage.ErrObjNotFound, "oversized batch writes nothing")

	var tooLarge *storage.ObjTooLargeError
	_, err = p.StoreObj(ctx, idx)
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, 64, tooLarge.Limit)
	assert.Equal(t, len(serialized), tooLarge.Size)
}

func testHardSizeLimit(t *testing.T, b storage.Backend) {
	limit := b.HardObjectSizeLimit()
	if limit == storage.Unbounded {
		t.Skipf("backend %s has no hard object size limit", b.Name())
	}
	ctx := context.Background()
	p := newPersist(t, b)

	s, err := core.NewStringData("application/octet-stream", core.CompressionNone, "", nil, make([]byte, limit+1))
	require.NoError(t, err)
	_, err = p.StoreObj(ctx, s)
	assert.ErrorIs(t, err, storage.ErrObjTooLarge)
}

func testScanFilter(t *testing.T, b storage.Backend) {
	for _, n := range []int{0, 1, 3, 10, 50} {
		t.Run(fmt.Sprintf("%d objects", n), func(t *testing.T) {
			ctx := context.Background()
			p := newPersist(t, b)

			var objs []core.Obj
			for i := range n {
				objs = append(objs, newValue(t), newString(t), newCommit(t, int64(i+1)))
			}
			if len(objs) > 0 {
				_, err := p.StoreObjs(ctx, objs)
				require.NoError(t, err)
			}

			commits := scanAll(t, p, core.TypeCommit)
			assert.Len(t, commits, n)
			for _, c := range commits {
				assert.Equal(t, core.TypeCommit, c.Type())
			}

			assert.Len(t, scanAll(t, p, core.TypeValue, core.TypeString), 2*n)
			assert.Len(t, scanAll(t, p, core.AllObjTypes()...), 3*n)
			assert.Empty(t, scanAll(t, p), "empty filter matches nothing")
		})
	}

	t.Run("Early break", func(t *testing.T) {
		ctx := context.Background()
		p := newPersist(t, b)
		_, err := p.StoreObjs(ctx, []core.Obj{newValue(t), newValue(t), newValue(t)})
		require.NoError(t, err)

		seen := 0
		for _, err := range p.Objects(ctx, []core.ObjType{core.TypeValue}) {
			require.NoError(t, err)
			seen++
			break
		}
		assert.Equal(t, 1, seen)

		it, err := p.ScanAllObjects(ctx, []core.ObjType{core.TypeValue})
		require.NoError(t, err)
		require.True(t, it.Next())
		require.NoError(t, it.Close())
		assert.False(t, it.Next(), "closed iterator yields nothing")
	})
}

func testRepositoryIsolation(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	p1 := newPersist(t, b)
	p2 := newPersist(t, b)

	v1, v2 := newValue(t), newValue(t)
	_, err := p1.StoreObj(ctx, v1)
	require.NoError(t, err)
	_, err = p2.StoreObj(ctx, v2)
	require.NoError(t, err)

	_, err = p1.AddReference(ctx, core.NewReference("main", v1.ID(), false))
	require.NoError(t, err)
	_, err = p2.AddReference(ctx, core.NewReference("main", v2.ID(), false))
	require.NoError(t, err, "same name in another repository")

	assert.Equal(t, []core.Obj{v1}, scanAll(t, p1, core.TypeValue))
	assert.Equal(t, []core.Obj{v2}, scanAll(t, p2, core.TypeValue))

	_, err = p1.FetchObj(ctx, v2.ID())
	assert.ErrorIs(t, err, storage.ErrObjNotFound)

	require.NoError(t, p1.Erase(ctx))
	assert.Empty(t, scanAll(t, p1, core.AllObjTypes()...))
	ref, err := p1.FetchReference(ctx, "main")
	require.NoError(t, err)
	assert.Nil(t, ref)

	assert.Len(t, scanAll(t, p2, core.AllObjTypes()...), 1, "erase does not touch other repositories")
	ref, err = p2.FetchReference(ctx, "main")
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Equal(t, v2.ID(), ref.Pointer)
}

// -----------------------------------------------------------------------------
// 引用
// -----------------------------------------------------------------------------

func testReferenceLifecycle(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	p := newPersist(t, b)

	c0, c1, c2 := types.RandomObjID(), types.RandomObjID(), types.RandomObjID()

	created, err := p.AddReference(ctx, core.NewReference("main", c0, false))
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Generation)
	assert.NotZero(t, created.CreatedAtMicros)

	_, err = p.AddReference(ctx, core.NewReference("main", c1, false))
	var exists *storage.RefAlreadyExistsError
	require.ErrorAs(t, err, &exists)
	assert.Equal(t, c0, exists.Existing.Pointer)

	_, err = p.AddReference(ctx, core.NewReference("gone", c1, true))
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)

	// 错误的前置状态
	_, err = p.UpdateReferencePointer(ctx, core.NewReference("main", c2, false), c1)
	var failed *storage.RefConditionFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, c0, failed.Existing.Pointer)

	updated, err := p.UpdateReferencePointer(ctx, created, c1)
	require.NoError(t, err)
	assert.Equal(t, c1, updated.Pointer)
	assert.Equal(t, int64(2), updated.Generation)

	// 过期的 generation 也算不一致
	_, err = p.UpdateReferencePointer(ctx, created, c2)
	assert.ErrorIs(t, err, storage.ErrRefConditionFailed)

	_, err = p.MarkReferenceAsDeleted(ctx, core.NewReference("main", c0, false))
	assert.ErrorIs(t, err, storage.ErrRefConditionFailed)

	deleted, err := p.MarkReferenceAsDeleted(ctx, updated)
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)

	_, err = p.MarkReferenceAsDeleted(ctx, deleted)
	assert.ErrorIs(t, err, storage.ErrRefConditionFailed, "already deleted")
	_, err = p.UpdateReferencePointer(ctx, deleted, c2)
	assert.ErrorIs(t, err, storage.ErrRefConditionFailed, "deleted reference cannot move")

	fetched, err := p.FetchReference(ctx, "main")
	require.NoError(t, err)
	require.NotNil(t, fetched)
	assert.True(t, fetched.Deleted)

	err = p.PurgeReference(ctx, updated)
	assert.ErrorIs(t, err, storage.ErrRefConditionFailed, "purge requires deleted state")

	require.NoError(t, p.PurgeReference(ctx, deleted))

	fetched, err = p.FetchReference(ctx, "main")
	require.NoError(t, err)
	assert.Nil(t, fetched)

	_, err = p.MarkReferenceAsDeleted(ctx, deleted)
	assert.ErrorIs(t, err, storage.ErrRefNotFound)
	_, err = p.UpdateReferencePointer(ctx, updated, c2)
	assert.ErrorIs(t, err, storage.ErrRefNotFound)
	assert.ErrorIs(t, p.PurgeReference(ctx, deleted), storage.ErrRefNotFound)

	_, err = p.AddReference(ctx, core.NewReference("main", c2, false))
	assert.NoError(t, err, "purged name can be reused")
}

func testReferenceSamePointer(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	p := newPersist(t, b)

	c0 := types.RandomObjID()
	created, err := p.AddReference(ctx, core.NewReference("same", c0, false))
	require.NoError(t, err)

	again, err := p.UpdateReferencePointer(ctx, created, c0)
	require.NoError(t, err)
	assert.Equal(t, created, again)

	fetched, err := p.FetchReference(ctx, "same")
	require.NoError(t, err)
	assert.Equal(t, created, *fetched, "state is unchanged")
}

func testReferenceBulkFetch(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	p := newPersist(t, b)

	a, err := p.AddReference(ctx, core.NewReference("a", types.RandomObjID(), false))
	require.NoError(t, err)
	c, err := p.AddReference(ctx, core.NewReference("c", types.RandomObjID(), false))
	require.NoError(t, err)

	got, err := p.FetchReferences(ctx, []string{"c", "", "missing", "a", "c"})
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, c, *got[0])
	assert.Nil(t, got[1])
	assert.Nil(t, got[2])
	assert.Equal(t, a, *got[3])
	assert.Equal(t, c, *got[4])

	none, err := p.FetchReferences(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testReferenceHistory(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	p := newPersist(t, b, func(c *config.StoreConfig) { c.ReferencePreviousHeadCount = 3 })

	pointers := []types.ObjID{types.RandomObjID()}
	ref, err := p.AddReference(ctx, core.NewReference("hist", pointers[0], false))
	require.NoError(t, err)
	for range 5 {
		next := types.RandomObjID()
		pointers = append(pointers, next)
		ref, err = p.UpdateReferencePointer(ctx, ref, next)
		require.NoError(t, err)
	}

	fetched, err := p.FetchReference(ctx, "hist")
	require.NoError(t, err)
	require.Len(t, fetched.PreviousPointers, 3)
	assert.Equal(t, pointers[4], fetched.PreviousPointers[0].Pointer)
	assert.Equal(t, pointers[3], fetched.PreviousPointers[1].Pointer)
	assert.Equal(t, pointers[2], fetched.PreviousPointers[2].Pointer)
	assert.Equal(t, int64(6), fetched.Generation)
}

func testReferenceConcurrentCAS(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	p := newPersist(t, b)

	start, err := p.AddReference(ctx, core.NewReference("race", types.RandomObjID(), false))
	require.NoError(t, err)

	const writers = 8
	var won atomic.Int32
	var g errgroup.Group
	for range writers {
		g.Go(func() error {
			_, err := p.UpdateReferencePointer(ctx, start, types.RandomObjID())
			switch {
			case err == nil:
				won.Add(1)
				return nil
			case persist.IsRefConflict(err):
				return nil
			default:
				return err
			}
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), won.Load(), "exactly one writer wins")

	fetched, err := p.FetchReference(ctx, "race")
	require.NoError(t, err)
	assert.Equal(t, int64(2), fetched.Generation)
}
