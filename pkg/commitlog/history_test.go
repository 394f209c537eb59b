package commitlog

import (
	"context"
	"testing"

	"versionstore/pkg/core"
	"versionstore/pkg/index"
	"versionstore/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog(t *testing.T) {
	l, _ := setup(t, nil)
	ctx := context.Background()

	var ids []types.ObjID
	parent := types.EmptyObjID
	for _, msg := range []string{"one", "two", "three"} {
		c, err := l.Commit(ctx, CreateCommit{Parent: parent, Message: msg})
		require.NoError(t, err)
		ids = append(ids, c.ID())
		parent = c.ID()
	}

	var msgs []string
	for c, err := range l.Log(ctx, parent) {
		require.NoError(t, err)
		msgs = append(msgs, c.Message)
	}
	assert.Equal(t, []string{"three", "two", "one"}, msgs)

	// 提前结束
	count := 0
	for range l.Log(ctx, parent) {
		count++
		break
	}
	assert.Equal(t, 1, count)

	// 空起点没有历史
	for range l.Log(ctx, types.EmptyObjID) {
		t.Fatal("unexpected commit")
	}

	// 缺失的提交产出一次错误
	var errs int
	for c, err := range l.Log(ctx, val("missing")) {
		assert.Nil(t, c)
		assert.Error(t, err)
		errs++
	}
	assert.Equal(t, 1, errs)
}

func TestDiff(t *testing.T) {
	l, _ := setup(t, nil)
	ctx := context.Background()

	from, err := l.Commit(ctx, CreateCommit{Adds: []Add{add("a", "1"), add("b", "2"), add("c", "3")}})
	require.NoError(t, err)
	to, err := l.Commit(ctx, CreateCommit{
		Parent:  from.ID(),
		Adds:    []Add{add("b", "2x"), add("d", "4"), add("c", "3")},
		Removes: []Remove{{Key: index.Key("a")}},
	})
	require.NoError(t, err)

	diff, err := l.Diff(ctx, from, to)
	require.NoError(t, err)
	require.Len(t, diff, 3, "c is rewritten with the same value")

	assert.Equal(t, "a", diff[0].Key.String())
	assert.Equal(t, val("1"), diff[0].From.Value)
	assert.Nil(t, diff[0].To)

	assert.Equal(t, "b", diff[1].Key.String())
	assert.Equal(t, val("2"), diff[1].From.Value)
	assert.Equal(t, val("2x"), diff[1].To.Value)

	assert.Equal(t, "d", diff[2].Key.String())
	assert.Nil(t, diff[2].From)
	assert.Equal(t, val("4"), diff[2].To.Value)

	// 与空提交比较
	all, err := l.Diff(ctx, nil, from)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	same, err := l.Diff(ctx, to, to)
	require.NoError(t, err)
	assert.Empty(t, same)
}

func TestDiffIndexes_Pointers(t *testing.T) {
	left := core.NewCommitIndex()
	right := core.NewCommitIndex()
	left.Put(index.Key("x"), core.CommitOp{Action: core.ActionAdd, Value: val("1")})
	left.Put(index.Key("y"), core.CommitOp{Action: core.ActionAdd, Value: val("2")})
	right.Put(index.Key("x"), core.CommitOp{Action: core.ActionAdd, Payload: 7, Value: val("1")})

	diff := diffIndexes(left, right)
	require.Len(t, diff, 2)
	assert.Equal(t, uint8(7), diff[0].To.Payload, "payload change counts")
	// 每个条目指向自己的值
	assert.NotSame(t, diff[0].From, diff[1].From)
}
