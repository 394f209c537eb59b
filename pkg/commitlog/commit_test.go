package commitlog

import (
	"context"
	"fmt"
	"testing"

	"versionstore/pkg/config"
	"versionstore/pkg/core"
	"versionstore/pkg/index"
	"versionstore/pkg/persist"
	"versionstore/pkg/storage"
	"versionstore/pkg/storage/inmemory"
	"versionstore/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, mutate func(*config.StoreConfig)) (*Logic, *persist.Persist) {
	t.Helper()
	cfg := config.Default().WithRepositoryID("commitlog")
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())
	p := persist.New(inmemory.New(inmemory.Config{}), cfg)
	var clock int64
	return New(p, WithClock(func() int64 { clock++; return clock })), p
}

func val(s string) types.ObjID { return core.HashBytes([]byte(s)) }

func add(key, value string) Add {
	return Add{Key: index.Key(key), Value: val(value)}
}

// assertKeyspace 比较 keyspace 与期望的 key -> value
func assertKeyspace(t *testing.T, l *Logic, c *core.CommitObj, want map[string]string) {
	t.Helper()
	ks, err := l.Keyspace(context.Background(), c)
	require.NoError(t, err)
	got := make(map[string]types.ObjID)
	for e := range ks.All() {
		assert.Equal(t, core.ActionAdd, e.Value.Action)
		got[e.Key.String()] = e.Value.Value
	}
	expected := make(map[string]types.ObjID, len(want))
	for k, v := range want {
		expected[k] = val(v)
	}
	assert.Equal(t, expected, got)
}

func TestCommit_RootAndChild(t *testing.T) {
	l, _ := setup(t, nil)
	ctx := context.Background()

	root, err := l.Commit(ctx, CreateCommit{
		Message: "root",
		Headers: core.CommitHeaders{}.Add("Author", "alice"),
		Adds:    []Add{add("a", "1"), add("b", "2")},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), root.Seq)
	assert.Equal(t, []types.ObjID{types.EmptyObjID}, root.Tail)
	assert.True(t, root.ParentID().IsEmpty())
	assertKeyspace(t, l, root, map[string]string{"a": "1", "b": "2"})

	child, err := l.Commit(ctx, CreateCommit{
		Parent:           root.ID(),
		SecondaryParents: []types.ObjID{val("merge")},
		Adds:             []Add{add("c", "3"), {Key: index.Key("a"), Value: val("1b"), Expected: val("1")}},
		Removes:          []Remove{{Key: index.Key("b")}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), child.Seq)
	assert.Equal(t, []types.ObjID{root.ID(), types.EmptyObjID}, child.Tail)
	assert.Equal(t, []types.ObjID{val("merge")}, child.SecondaryParents)
	assertKeyspace(t, l, child, map[string]string{"a": "1b", "c": "3"})

	// 父提交的变化在子提交里降级为继承的增量操作
	incr, err := core.DeserializeCommitIndex(child.IncrementalIndex)
	require.NoError(t, err)
	b, ok := incr.Get(index.Key("b"))
	require.True(t, ok)
	assert.Equal(t, core.ActionRemove, b.Action)
	assert.Equal(t, val("2"), b.Value, "remove records the removed value")
	a, _ := incr.Get(index.Key("a"))
	assert.Equal(t, core.ActionAdd, a.Action)

	grandchild, err := l.Commit(ctx, CreateCommit{Parent: child.ID(), Adds: []Add{add("d", "4")}})
	require.NoError(t, err)
	incr, err = core.DeserializeCommitIndex(grandchild.IncrementalIndex)
	require.NoError(t, err)
	c, _ := incr.Get(index.Key("c"))
	assert.Equal(t, core.ActionIncrementalAdd, c.Action)
	b, _ = incr.Get(index.Key("b"))
	assert.Equal(t, core.ActionIncrementalRemove, b.Action)
	assertKeyspace(t, l, grandchild, map[string]string{"a": "1b", "c": "3", "d": "4"})

	// 历史对象不受影响
	assertKeyspace(t, l, root, map[string]string{"a": "1", "b": "2"})
}

func TestCommit_Conflicts(t *testing.T) {
	l, _ := setup(t, nil)
	ctx := context.Background()

	root, err := l.Commit(ctx, CreateCommit{Adds: []Add{add("a", "1")}})
	require.NoError(t, err)

	_, err = l.Commit(ctx, CreateCommit{
		Parent:  root.ID(),
		Adds:    []Add{{Key: index.Key("a"), Value: val("x"), Expected: val("wrong")}},
		Removes: []Remove{{Key: index.Key("missing")}},
	})
	require.ErrorIs(t, err, ErrCommitConflict)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Len(t, conflict.Conflicts, 2)
	assert.Equal(t, ConflictValueMismatch, conflict.Conflicts[0].Kind)
	assert.Equal(t, val("1"), conflict.Conflicts[0].Existing)
	assert.Equal(t, ConflictKeyMissing, conflict.Conflicts[1].Kind)

	tests := []struct {
		name string
		c    CreateCommit
	}{
		{"empty key", CreateCommit{Adds: []Add{{Value: val("v")}}}},
		{"empty value", CreateCommit{Adds: []Add{{Key: index.Key("k")}}}},
		{"duplicate key", CreateCommit{Adds: []Add{add("k", "1")}, Removes: []Remove{{Key: index.Key("k")}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Commit(ctx, tt.c)
			assert.ErrorIs(t, err, storage.ErrInvalidArgument)
		})
	}

	_, err = l.Commit(ctx, CreateCommit{Parent: val("nope")})
	assert.ErrorIs(t, err, storage.ErrObjNotFound)
}

func TestCommit_TailTruncation(t *testing.T) {
	l, _ := setup(t, func(c *config.StoreConfig) { c.ParentsPerCommit = 3 })
	ctx := context.Background()

	var ids []types.ObjID
	parent := types.EmptyObjID
	for i := range 6 {
		c, err := l.Commit(ctx, CreateCommit{Parent: parent, Adds: []Add{add(fmt.Sprintf("k%d", i), "v")}})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), c.Seq)
		assert.LessOrEqual(t, len(c.Tail), 3)
		ids = append(ids, c.ID())
		parent = c.ID()
	}
	last, err := l.FetchCommit(ctx, parent)
	require.NoError(t, err)
	assert.Equal(t, []types.ObjID{ids[4], ids[3], ids[2]}, last.Tail)
}

func TestCommit_SpillAndStripes(t *testing.T) {
	l, p := setup(t, func(c *config.StoreConfig) {
		c.MaxIncrementalIndexSize = 300
		c.MaxSerializedIndexSize = 200
	})
	ctx := context.Background()

	want := map[string]string{}
	parent := types.EmptyObjID
	var sawSingle, sawInline, sawSegments bool
	for i := range 30 {
		var adds []Add
		for j := range 3 {
			k := fmt.Sprintf("key-%03d-%d", i, j)
			v := fmt.Sprintf("v%d", i*3+j)
			adds = append(adds, add(k, v))
			want[k] = v
		}
		c, err := l.Commit(ctx, CreateCommit{Parent: parent, Adds: adds})
		require.NoError(t, err, "commit %d", i)
		parent = c.ID()
		assert.LessOrEqual(t, len(c.IncrementalIndex), 300)
		assert.LessOrEqual(t, len(c.ReferenceIndexStripes), MaxInlineStripes)

		switch {
		case len(c.ReferenceIndexStripes) > 0:
			sawInline = true
			for s := 1; s < len(c.ReferenceIndexStripes); s++ {
				assert.Negative(t, c.ReferenceIndexStripes[s-1].LastKey.Compare(c.ReferenceIndexStripes[s].FirstKey))
			}
		case !c.ReferenceIndex.IsEmpty():
			typ, err := p.FetchObjType(ctx, c.ReferenceIndex)
			require.NoError(t, err)
			if typ == core.TypeIndexSegments {
				sawSegments = true
			} else {
				sawSingle = true
			}
		}

		if i%7 == 0 {
			assertKeyspace(t, l, c, want)
		}
	}
	head, err := l.FetchCommit(ctx, parent)
	require.NoError(t, err)
	assertKeyspace(t, l, head, want)

	assert.False(t, sawSingle, "index never fits a single object with these limits")
	assert.True(t, sawInline, "expected inline stripes")
	assert.True(t, sawSegments, "expected an index segments object")
}

func TestCommit_SpillSingleIndex(t *testing.T) {
	l, p := setup(t, func(c *config.StoreConfig) { c.MaxIncrementalIndexSize = 300 })
	ctx := context.Background()

	parent := types.EmptyObjID
	want := map[string]string{}
	var head *core.CommitObj
	for i := range 4 {
		var adds []Add
		for _, prefix := range []string{"a", "b", "c"} {
			k := fmt.Sprintf("%s%d", prefix, i)
			adds = append(adds, add(k, prefix))
			want[k] = prefix
		}
		c, err := l.Commit(ctx, CreateCommit{Parent: parent, Adds: adds})
		require.NoError(t, err)
		parent, head = c.ID(), c
	}
	require.False(t, head.ReferenceIndex.IsEmpty())
	typ, err := p.FetchObjType(ctx, head.ReferenceIndex)
	require.NoError(t, err)
	assert.Equal(t, core.TypeIndex, typ)
	assertKeyspace(t, l, head, want)

	// 一个提交自身的变化就超过上限时无法存储
	var adds []Add
	for i := range 20 {
		adds = append(adds, add(fmt.Sprintf("big-%02d", i), "v"))
	}
	_, err = l.Commit(ctx, CreateCommit{Parent: parent, Adds: adds})
	assert.ErrorIs(t, err, storage.ErrObjTooLarge)
}

func TestKeyspace_IncompleteIndex(t *testing.T) {
	l, p := setup(t, nil)
	ctx := context.Background()

	root, err := l.Commit(ctx, CreateCommit{Adds: []Add{add("a", "1"), add("b", "2")}})
	require.NoError(t, err)

	// 导入的提交只带自己的变化，需要回溯父提交
	incr := core.NewCommitIndex()
	incr.Put(index.Key("c"), core.CommitOp{Action: core.ActionAdd, Value: val("3")})
	incr.Put(index.Key("a"), core.CommitOp{Action: core.ActionRemove, Value: val("1")})
	imported := &core.CommitObj{
		Seq:              2,
		Tail:             []types.ObjID{root.ID(), types.EmptyObjID},
		IncrementalIndex: incr.Serialize(),
		IncompleteIndex:  true,
	}
	require.NoError(t, imported.Seal())
	_, err = p.StoreObj(ctx, imported)
	require.NoError(t, err)

	assertKeyspace(t, l, imported, map[string]string{"b": "2", "c": "3"})

	child, err := l.Commit(ctx, CreateCommit{Parent: imported.ID(), Adds: []Add{add("d", "4")}})
	require.NoError(t, err)
	assert.True(t, child.IncompleteIndex)
	assertKeyspace(t, l, child, map[string]string{"b": "2", "c": "3", "d": "4"})

	got, err := l.Lookup(ctx, child, index.Key("c"), index.Key("a"))
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, val("3"), got["c"].Value)
}

func TestCommitToReference(t *testing.T) {
	l, p := setup(t, nil)
	ctx := context.Background()

	ref, err := p.AddReference(ctx, core.NewReference("refs/heads/main", types.EmptyObjID, false))
	require.NoError(t, err)

	c1, ref, err := l.CommitToReference(ctx, ref, CreateCommit{Adds: []Add{add("a", "1")}})
	require.NoError(t, err)
	assert.Equal(t, c1.ID(), ref.Pointer)

	stale := ref
	_, ref, err = l.CommitToReference(ctx, ref, CreateCommit{Adds: []Add{add("b", "2")}})
	require.NoError(t, err)

	// 基于过期状态的提交: 提交本身会存下来，但引用不动
	orphan, _, err := l.CommitToReference(ctx, stale, CreateCommit{Adds: []Add{add("c", "3")}})
	assert.ErrorIs(t, err, storage.ErrRefConditionFailed)
	require.NotNil(t, orphan)
	assert.NotEqual(t, orphan.ID(), ref.Pointer)

	_, _, err = l.CommitToReference(ctx, ref, CreateCommit{Parent: c1.ID()})
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)
}
