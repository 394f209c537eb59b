package core

import (
	"testing"

	"versionstore/pkg/index"
	"versionstore/pkg/types"

	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------
// 辅助工具
// -----------------------------------------------------------------------------

// mockID 生成一个确定的 32 字节 ID
func mockID(input string) types.ObjID {
	return HashBytes([]byte(input))
}

// mustRoundTrip 编码再解码，失败直接终止测试
func mustRoundTrip(t *testing.T, obj Obj, msgAndArgs ...any) Obj {
	t.Helper()
	data, err := EncodeObj(obj)
	require.NoError(t, err, msgAndArgs...)
	back, err := DecodeObj(obj.ID(), obj.Type(), data)
	require.NoError(t, err, msgAndArgs...)
	return back
}

// sampleObjs 每种类型一个对象，字段尽量填满
func sampleObjs(t *testing.T) []Obj {
	t.Helper()

	incremental := NewCommitIndex()
	incremental.Add(index.Key("ns", "tbl"), CommitOp{Action: ActionAdd, Payload: 1, Value: mockID("v1")})
	incremental.Add(index.Key("ns", "view"), CommitOp{Action: ActionIncrementalRemove})

	commit := &CommitObj{
		Created:          1_700_000_000_000_000,
		Seq:              42,
		Headers:          CommitHeaders{}.Add("Author", "alice").Add("author", "bob").Add("Signed-off-by", "carol"),
		Message:          "hello",
		Tail:             []types.ObjID{mockID("p1"), mockID("p2")},
		SecondaryParents: []types.ObjID{mockID("merge")},
		IncrementalIndex: incremental.Serialize(),
		IncompleteIndex:  true,
		ReferenceIndex:   mockID("ref-index"),
		ReferenceIndexStripes: []IndexStripe{
			{FirstKey: index.Key("a"), LastKey: index.Key("m"), SegmentID: mockID("s1")},
			{FirstKey: index.Key("n"), LastKey: index.Key("z"), SegmentID: mockID("s2")},
		},
		CommitType: CommitInternal,
	}
	require.NoError(t, commit.Seal())

	value, err := NewContentValue("cid-1", 3, []byte(`{"x":1}`))
	require.NoError(t, err)

	str, err := NewStringData("text/plain", CompressionNone, "notes.txt", []types.ObjID{mockID("part0")}, []byte("text"))
	require.NoError(t, err)

	idx, err := NewIndexObj(incremental.Serialize())
	require.NoError(t, err)

	segments, err := NewIndexSegments(commit.ReferenceIndexStripes)
	require.NoError(t, err)

	ref := &RefObj{ObjID: types.RandomObjID(), Name: "refs/heads/main", InitialPointer: mockID("c0"), CreatedAtMicros: 123}
	tag := &TagObj{ObjID: types.RandomObjID(), CommitID: mockID("c1"), Message: "v1.0", Signature: []byte{1, 2, 3}}

	return []Obj{commit, value, str, idx, segments, ref, tag}
}
