package core

import (
	"bytes"
	"strings"
	"testing"

	"versionstore/pkg/index"
	"versionstore/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------
// 1. 对象 Round-Trip
// -----------------------------------------------------------------------------

func TestObj_RoundTrip(t *testing.T) {
	objs := sampleObjs(t)

	seen := map[ObjType]bool{}
	for _, obj := range objs {
		t.Run(obj.Type().String(), func(t *testing.T) {
			back := mustRoundTrip(t, obj)
			assert.Equal(t, obj, back)
			assert.Equal(t, obj.ID(), back.ID())
		})
		seen[obj.Type()] = true
	}
	assert.Len(t, seen, len(AllObjTypes()), "every object type must be covered")
}

func TestDecodeObj_Errors(t *testing.T) {
	_, err := DecodeObj(mockID("x"), ObjType("bogus"), []byte{0xa0})
	assert.Error(t, err)

	_, err = DecodeObj(mockID("x"), TypeCommit, []byte{0xff, 0x00})
	assert.Error(t, err)
}

// -----------------------------------------------------------------------------
// 2. 内容派生 ID (Canonical Encoding)
// -----------------------------------------------------------------------------

func TestCalculateID_Deterministic(t *testing.T) {
	v1, err := NewContentValue("cid", 1, []byte("payload"))
	require.NoError(t, err)
	v2, err := NewContentValue("cid", 1, []byte("payload"))
	require.NoError(t, err)
	v3, err := NewContentValue("cid", 2, []byte("payload"))
	require.NoError(t, err)

	assert.Equal(t, v1.ID(), v2.ID(), "same content, same id")
	assert.NotEqual(t, v1.ID(), v3.ID())
	assert.Equal(t, 32, v1.ID().Len())

	// 解码再计算，ID 不变
	back := mustRoundTrip(t, v1)
	again, err := CalculateID(back)
	require.NoError(t, err)
	assert.Equal(t, v1.ID(), again)
}

func TestCalculateID_TypeIsPartOfHash(t *testing.T) {
	// 两个对象的 CBOR 体完全相同 (都是空 map 或者同样的字段)，但类型不同
	a := &IndexObj{Index: []byte{1}}
	b := &IndexSegmentsObj{}
	idA, err := CalculateID(a)
	require.NoError(t, err)
	idB, err := CalculateID(b)
	require.NoError(t, err)
	assert.NotEqual(t, idA, idB)
}

func TestObjType_Parse(t *testing.T) {
	for _, typ := range AllObjTypes() {
		got, err := ParseObjType(typ.String())
		require.NoError(t, err)
		assert.Equal(t, typ, got)
	}
	_, err := ParseObjType("chunk")
	assert.Error(t, err)
}

// -----------------------------------------------------------------------------
// 3. Commit
// -----------------------------------------------------------------------------

func TestCommitObj_ParentID(t *testing.T) {
	root := &CommitObj{Tail: []types.ObjID{types.EmptyObjID}}
	assert.True(t, root.ParentID().IsEmpty())

	child := &CommitObj{Tail: []types.ObjID{mockID("p"), mockID("gp")}}
	assert.Equal(t, mockID("p"), child.ParentID())

	assert.True(t, (&CommitObj{}).ParentID().IsEmpty())
}

func TestCommitHeaders(t *testing.T) {
	var h CommitHeaders
	h2 := h.Add("Author", "alice").Add("Committer", "x").Add("AUTHOR", "bob")

	assert.Empty(t, h, "Add must not modify the receiver")
	assert.Equal(t, []string{"Author", "Committer"}, h2.Names())
	assert.Equal(t, []string{"alice", "bob"}, h2.All("author"))

	first, ok := h2.First("author")
	require.True(t, ok)
	assert.Equal(t, "alice", first)

	_, ok = h2.First("missing")
	assert.False(t, ok)
	assert.Nil(t, h2.All("missing"))

	// 派生出的 headers 不共享底层数组
	h3 := h2.Add("Author", "carol")
	assert.Equal(t, []string{"alice", "bob"}, h2.All("author"))
	assert.Equal(t, []string{"alice", "bob", "carol"}, h3.All("author"))
}

// -----------------------------------------------------------------------------
// 4. CommitOp 编解码
// -----------------------------------------------------------------------------

func TestCommitOpCodec(t *testing.T) {
	codec := CommitOpCodec{}
	ops := []CommitOp{
		{Action: ActionNone},
		{Action: ActionAdd, Payload: 1, Value: mockID("a")},
		{Action: ActionRemove, Payload: 7},
		{Action: ActionIncrementalAdd, Payload: 255, Value: types.MustObjIDFromHex(strings.Repeat("10", 256))},
		{Action: ActionIncrementalRemove, Value: mockID("r")},
	}

	var buf []byte
	for _, op := range ops {
		buf = codec.Append(buf, op)
	}
	for _, want := range ops {
		got, rest, err := codec.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		buf = rest
	}
	assert.Empty(t, buf)

	_, _, err := codec.Read([]byte{9, 0, 0})
	assert.ErrorIs(t, err, index.ErrCorrupt)
	_, _, err = codec.Read([]byte{1})
	assert.ErrorIs(t, err, index.ErrCorrupt)
}

func TestCommitOpCodec_Compare(t *testing.T) {
	codec := CommitOpCodec{}
	assert.Negative(t, codec.Compare(CommitOp{Action: ActionAdd}, CommitOp{Action: ActionRemove}))
	assert.Negative(t, codec.Compare(CommitOp{Action: ActionAdd, Payload: 1}, CommitOp{Action: ActionAdd, Payload: 2}))
	assert.Negative(t, codec.Compare(CommitOp{Action: ActionAdd, Value: mockID("a")[:1]}, CommitOp{Action: ActionAdd, Value: mockID("a")}))
	assert.Zero(t, codec.Compare(CommitOp{Action: ActionAdd, Value: mockID("a")}, CommitOp{Action: ActionAdd, Value: mockID("a")}))
}

func TestCommitIndex_RoundTrip(t *testing.T) {
	idx := NewCommitIndex()
	for i := 0; i < 50; i++ {
		idx.Add(index.Key("ns", strings.Repeat("k", i+1)), CommitOp{Action: ActionAdd, Payload: uint8(i), Value: mockID(string(rune('a' + i%26)))})
	}
	back, err := DeserializeCommitIndex(idx.Serialize())
	require.NoError(t, err)
	assert.Equal(t, idx.KeyList(), back.KeyList())
	for e := range idx.All() {
		v, ok := back.Get(e.Key)
		require.True(t, ok)
		assert.Equal(t, e.Value, v)
	}

	empty, err := DeserializeCommitIndex(nil)
	require.NoError(t, err)
	assert.Zero(t, empty.ElementCount())
}

func TestCommitOpAction(t *testing.T) {
	assert.True(t, ActionAdd.Exists())
	assert.True(t, ActionIncrementalAdd.Exists())
	assert.False(t, ActionRemove.Exists())
	assert.Equal(t, ActionIncrementalAdd, ActionAdd.Inherited())
	assert.Equal(t, ActionIncrementalRemove, ActionRemove.Inherited())
	assert.Equal(t, ActionNone, ActionNone.Inherited())
	assert.Equal(t, "INCREMENTAL_REMOVE", ActionIncrementalRemove.String())
}

// -----------------------------------------------------------------------------
// 5. 压缩
// -----------------------------------------------------------------------------

func TestCompression_RoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("versioned object store "), 500)

	for c := CompressionNone; c <= CompressionSnappy; c++ {
		t.Run(c.String(), func(t *testing.T) {
			packed, err := c.Compress(data)
			require.NoError(t, err)
			if c != CompressionNone {
				assert.Less(t, len(packed), len(data), "repetitive input must shrink")
			}

			unpacked, err := c.Decompress(packed)
			require.NoError(t, err)
			assert.Equal(t, data, unpacked)

			parsed, err := ParseCompression(c.String())
			require.NoError(t, err)
			assert.Equal(t, c, parsed)
		})
	}

	_, err := ParseCompression("bzip2")
	assert.Error(t, err)
	_, err = CompressionGzip.Decompress([]byte("not gzip"))
	assert.Error(t, err)
}

// -----------------------------------------------------------------------------
// 6. Reference
// -----------------------------------------------------------------------------

func TestReference_Matches(t *testing.T) {
	stored := Reference{Name: "main", Pointer: mockID("c1"), Generation: 3}

	assert.True(t, stored.Matches(NewReference("main", mockID("c1"), false)), "generation 0 is a wildcard")
	assert.True(t, stored.Matches(Reference{Name: "main", Pointer: mockID("c1"), Generation: 3}))
	assert.False(t, stored.Matches(Reference{Name: "main", Pointer: mockID("c1"), Generation: 2}))
	assert.False(t, stored.Matches(NewReference("main", mockID("c2"), false)))
	assert.False(t, stored.Matches(NewReference("main", mockID("c1"), true)))
	assert.False(t, stored.Matches(NewReference("dev", mockID("c1"), false)))
}

func TestReference_WithPointer(t *testing.T) {
	r := Reference{Name: "main", Pointer: mockID("c0"), Generation: 1}
	for i := 1; i <= 5; i++ {
		r = r.WithPointer(mockID(string(rune('0'+i))), int64(i), 3)
	}

	assert.Equal(t, mockID("5"), r.Pointer)
	assert.Equal(t, int64(6), r.Generation)
	require.Len(t, r.PreviousPointers, 3)
	assert.Equal(t, mockID("4"), r.PreviousPointers[0].Pointer, "most recent first")
	assert.Equal(t, int64(5), r.PreviousPointers[0].TimestampMicros)
	assert.Equal(t, mockID("2"), r.PreviousPointers[2].Pointer)

	none := r.WithPointer(mockID("x"), 9, 0)
	assert.Nil(t, none.PreviousPointers)

	deleted := r.AsDeleted()
	assert.True(t, deleted.Deleted)
	assert.False(t, r.Deleted, "value receiver must not be modified")
	assert.Equal(t, r.Generation+1, deleted.Generation)
}
