package sqldb

import (
	"context"
	"fmt"
	"os"
	"testing"

	"versionstore/pkg/core"
	"versionstore/pkg/persist/persisttest"
	"versionstore/pkg/storage"
	"versionstore/pkg/types"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupSqlite 构建隔离的测试环境 (每次一个独立的内存数据库)
func setupSqlite(t *testing.T) *Backend {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	b, err := OpenSqlite(context.Background(), SqliteConfig{DSN: dsn, ScanBatchSize: 7})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestSqlite(t *testing.T) {
	persisttest.Run(t, func(t *testing.T) storage.Backend {
		return setupSqlite(t)
	})
}

// TestPostgres 需要 VST_TEST_POSTGRES_DSN，例如
// "host=localhost user=vst password=vst dbname=vst port=5432 sslmode=disable"
func TestPostgres(t *testing.T) {
	dsn := os.Getenv("VST_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("Skipping postgres integration tests (VST_TEST_POSTGRES_DSN not set)")
	}
	persisttest.Run(t, func(t *testing.T) storage.Backend {
		b, err := OpenPostgres(context.Background(), PostgresConfig{URL: dsn})
		require.NoError(t, err)
		t.Cleanup(func() { _ = b.Close() })
		return b
	})
}

func TestSqlite_Factory(t *testing.T) {
	v := viper.New()
	v.Set("dsn", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	b, err := storage.Open(context.Background(), SqliteName, v)
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, SqliteName, b.Name())

	_, err = storage.Open(context.Background(), SqliteName, viper.New())
	assert.ErrorIs(t, err, storage.ErrInvalidArgument, "empty dsn")
}

func TestSqlite_Idempotency(t *testing.T) {
	b := setupSqlite(t)
	ctx := context.Background()

	rec := storage.ObjRecord{ID: types.RandomObjID(), Type: core.TypeValue, Data: []byte("v")}

	// 1. 写入两次
	stored, err := b.StoreObjs(ctx, "repo", []storage.ObjRecord{rec, rec})
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false}, stored)

	// 2. 验证数据库中只有一条记录 (副作用检查)
	var count int64
	err = b.DB().Model(&ObjModel{}).Where("repo = ? AND id = ?", "repo", rec.ID.String()).Count(&count).Error
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "Should have exactly 1 record after duplicate inserts")
}

func TestSqlite_ReferenceHistoryColumn(t *testing.T) {
	b := setupSqlite(t)
	ctx := context.Background()

	start := core.Reference{Name: "main", Pointer: types.RandomObjID(), Generation: 1, CreatedAtMicros: 5}
	require.NoError(t, b.AddRef(ctx, "repo", start))

	next := start.WithPointer(types.RandomObjID(), 10, 5)
	require.NoError(t, b.CasRef(ctx, "repo", start, next))

	var model RefModel
	require.NoError(t, b.DB().Where("repo = ? AND name = ?", "repo", "main").First(&model).Error)
	expectedJSON := fmt.Sprintf(`[{"pointer":"%s","timestamp_micros":10}]`, start.Pointer)
	assert.JSONEq(t, expectedJSON, string(model.PreviousPointers))

	// 过期状态
	err := b.CasRef(ctx, "repo", start, next)
	var failed *storage.RefConditionFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, next.Pointer, failed.Existing.Pointer)

	err = b.CasRef(ctx, "repo", core.Reference{Name: "nope"}, next)
	assert.ErrorIs(t, err, storage.ErrRefNotFound)
}
