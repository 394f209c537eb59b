package rediskv

import (
	"context"
	"net"
	"testing"
	"time"

	"versionstore/pkg/core"
	"versionstore/pkg/persist/persisttest"
	"versionstore/pkg/storage"
	"versionstore/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const redisAddr = "localhost:6379"

// requireRedis 确保 Redis 在运行，否则跳过
func requireRedis(t *testing.T) *Backend {
	t.Helper()
	conn, err := net.DialTimeout("tcp", redisAddr, 1*time.Second)
	if err != nil {
		t.Skipf("Skipping Redis integration test: %v", err)
	}
	conn.Close()

	b, err := New(context.Background(), Config{URL: "redis://" + redisAddr + "/15", KeyPrefix: "vst-test", ScanCount: 5})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBackend(t *testing.T) {
	requireRedis(t)
	persisttest.Run(t, func(t *testing.T) storage.Backend {
		return requireRedis(t)
	})
}

func TestRecordCodec(t *testing.T) {
	id := types.RandomObjID()
	rec := storage.ObjRecord{ID: id, Type: core.TypeIndexSegments, Data: []byte{0xa0, 1, 2}}

	got, ok, err := decodeValue(id, string(storage.EncodeRecord(rec)))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec, got)

	_, _, err = decodeValue(id, "")
	assert.Error(t, err)
	_, _, err = decodeValue(id, string([]byte{9, 'a'}))
	assert.Error(t, err, "type length beyond buffer")

	_, ok, err = decodeValue(id, nil)
	require.NoError(t, err)
	assert.False(t, ok, "MGET nil means missing")
}

func TestKeyLayout(t *testing.T) {
	b := NewWithClient(nil, Config{})
	id := types.MustObjIDFromHex("cafe")
	assert.Equal(t, "vst:{r1}:obj:cafe", b.objKey("r1", id))
	assert.Equal(t, "vst:{r1}:ref:refs/heads/main", b.refKey("r1", "refs/heads/main"))
	assert.Equal(t, storage.Unbounded, b.HardObjectSizeLimit())
}
