package cache

import (
	"bytes"
	"context"
	"crypto/rand"
	"path/filepath"
	"testing"
	"time"

	"versionstore/pkg/config"
	"versionstore/pkg/exporter"
	"versionstore/pkg/ingester"
	"versionstore/pkg/persist"
	"versionstore/pkg/storage/disk"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWorkflow 磁盘存储 + Redis 缓存：并发切分写入 -> 去重 -> 冷读穿透 -> 热读命中
func TestWorkflow(t *testing.T) {
	// 1. 基础设施准备
	store, err := disk.NewAdapter(disk.Config{Path: filepath.Join(t.TempDir(), "objects")})
	require.NoError(t, err)
	spy := &spyBackend{Backend: store}
	c := requireCache(t, spy)
	c.maxSize = 1 << 20

	p := persist.New(c, config.Default().WithRepositoryID("repo"))
	ctx := context.Background()

	// 2. 准备数据 (4MB 随机数据)
	originalData := make([]byte, 4*1024*1024)
	_, err = rand.Read(originalData)
	require.NoError(t, err)

	// 3. 第一次写入
	ing := ingester.NewIngester(p)
	start := time.Now()
	first, err := ing.Ingest(ctx, bytes.NewReader(originalData), ingester.Options{})
	require.NoError(t, err)
	t.Logf("Cold ingest took %v (%d parts)", time.Since(start), first.Parts)
	assert.Equal(t, first.Parts+1, first.New)

	// 4. 第二次写入：相同 head，没有新对象
	second, err := ing.Ingest(ctx, bytes.NewReader(originalData), ingester.Options{})
	require.NoError(t, err)
	assert.Equal(t, first.Head.ID(), second.Head.ID())
	assert.Zero(t, second.New)

	// 5. 读取：写入时已经回填，磁盘不会被读到
	exp := exporter.NewExporter(p)
	restored, err := exp.ReadAll(ctx, first.Head.ID())
	require.NoError(t, err)
	assert.True(t, bytes.Equal(originalData, restored), "data mismatch")
	assert.Zero(t, spy.fetched.Load(), "all reads should be served by redis")

	// 6. 换一个缓存前缀 = 冷缓存：第一次穿透，第二次命中
	cold := Wrap(spy, c.client, Config{KeyPrefix: "vst-cache-test-" + uuid.NewString(), MaxRecordSize: 1 << 20})
	t.Cleanup(func() { _ = cold.EraseRepository(context.Background(), "repo") })
	coldP := persist.New(cold, config.Default().WithRepositoryID("repo"))

	_, err = exporter.NewExporter(coldP).ReadAll(ctx, first.Head.ID())
	require.NoError(t, err)
	missed := spy.fetched.Load()
	assert.Equal(t, int32(first.Parts+1), missed)

	_, err = exporter.NewExporter(coldP).ReadAll(ctx, first.Head.ID())
	require.NoError(t, err)
	assert.Equal(t, missed, spy.fetched.Load(), "warm read should not touch disk")
}
