package types

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjID_Hex(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantLen int
		wantErr bool
	}{
		{name: "Short id (2 bytes)", input: "0000", wantLen: 2},
		{name: "Typical id (4 bytes)", input: "12345678", wantLen: 4},
		{name: "Large id (256 bytes)", input: strings.Repeat("ab", 256), wantLen: 256},
		{name: "Empty", input: "", wantLen: 0},
		{name: "Odd length", input: "abc", wantErr: true},
		{name: "Not hex", input: "zz", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := ObjIDFromHex(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLen, id.Len())
			assert.Equal(t, tt.input, id.String())
		})
	}
}

func TestObjID_Empty(t *testing.T) {
	var zero ObjID
	assert.True(t, zero.IsEmpty())
	assert.Equal(t, EmptyObjID, zero)
	assert.False(t, MustObjIDFromHex("00").IsEmpty())
}

func TestObjID_Compare(t *testing.T) {
	a := MustObjIDFromHex("12345678")
	b := MustObjIDFromHex("1234567812")
	c := MustObjIDFromHex("ff")

	assert.Equal(t, 0, a.Compare(a))
	assert.Equal(t, -1, a.Compare(b), "prefix sorts first")
	assert.Equal(t, 1, c.Compare(b), "bytes compare unsigned")
	assert.Equal(t, -1, EmptyObjID.Compare(a))
}

func TestObjID_Random(t *testing.T) {
	a, b := RandomObjID(), RandomObjID()
	assert.Equal(t, RandomObjIDSize, a.Len())
	assert.NotEqual(t, a, b)
}

func TestObjID_Encoding(t *testing.T) {
	id := MustObjIDFromHex("deadbeef")

	t.Run("CBOR byte string", func(t *testing.T) {
		data, err := cbor.Marshal(id)
		require.NoError(t, err)
		// major type 2, length 4
		assert.Equal(t, []byte{0x44, 0xde, 0xad, 0xbe, 0xef}, data)

		var got ObjID
		require.NoError(t, cbor.Unmarshal(data, &got))
		assert.Equal(t, id, got)
	})

	t.Run("JSON hex", func(t *testing.T) {
		data, err := json.Marshal(map[string]ObjID{"id": id})
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":"deadbeef"}`, string(data))
	})
}
