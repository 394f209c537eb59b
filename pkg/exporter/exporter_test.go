package exporter

import (
	"bytes"
	"context"
	"crypto/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"versionstore/pkg/config"
	"versionstore/pkg/core"
	"versionstore/pkg/index"
	"versionstore/pkg/ingester"
	"versionstore/pkg/persist"
	"versionstore/pkg/storage/disk"
	"versionstore/pkg/storage/inmemory"
	"versionstore/pkg/types"
)

func newPersist(t *testing.T) *persist.Persist {
	t.Helper()
	return persist.New(inmemory.New(inmemory.Config{}), config.Default().WithRepositoryID("exporter"))
}

func TestIngestAndExport_RoundTrip(t *testing.T) {
	// 临时磁盘后端，顺便覆盖真实的文件读写
	store, err := disk.NewAdapter(disk.Config{Path: t.TempDir()})
	require.NoError(t, err)
	p := persist.New(store, config.Default().WithRepositoryID("roundtrip"))

	ing := ingester.NewIngester(p)
	exp := NewExporter(p)
	ctx := context.Background()

	// 500KB 随机数据，足以触发多次切分
	originalData := make([]byte, 500*1024)
	_, err = rand.Read(originalData)
	require.NoError(t, err)

	res, err := ing.Ingest(ctx, bytes.NewReader(originalData), ingester.Options{ContentType: "application/octet-stream", Filename: "blob.bin"})
	require.NoError(t, err)
	assert.Greater(t, res.Parts, 1)
	assert.Equal(t, res.Parts+1, res.New)
	t.Logf("Value ingested. Head: %s, parts: %d", res.Head.ID(), res.Parts)

	var restored bytes.Buffer
	n, err := exp.Copy(ctx, res.Head.ID(), &restored)
	require.NoError(t, err)
	assert.Equal(t, int64(len(originalData)), n)
	assert.True(t, bytes.Equal(originalData, restored.Bytes()), "data mismatch")
}

func TestRoundTrip_Compression(t *testing.T) {
	p := newPersist(t)
	ctx := context.Background()
	ing := ingester.NewIngester(p, ingester.WithConcurrency(2))
	exp := NewExporter(p)

	content := bytes.Repeat([]byte("Hello versionstore "), 10000)
	for _, c := range []core.Compression{core.CompressionNone, core.CompressionGzip, core.CompressionDeflate, core.CompressionZstd, core.CompressionLZ4, core.CompressionSnappy} {
		t.Run(c.String(), func(t *testing.T) {
			res, err := ing.Ingest(ctx, bytes.NewReader(content), ingester.Options{Compression: c})
			require.NoError(t, err)
			assert.Equal(t, c, res.Head.Compression)

			got, err := exp.ReadAll(ctx, res.Head.ID())
			require.NoError(t, err)
			assert.Equal(t, content, got)
		})
	}
}

func TestRoundTrip_SmallAndEmpty(t *testing.T) {
	p := newPersist(t)
	ctx := context.Background()
	ing := ingester.NewIngester(p)
	exp := NewExporter(p)

	for _, data := range [][]byte{nil, []byte("tiny")} {
		res, err := ing.Ingest(ctx, bytes.NewReader(data), ingester.Options{Compression: core.CompressionGzip})
		require.NoError(t, err)
		assert.Zero(t, res.Parts)
		assert.Empty(t, res.Head.Predecessors)

		got, err := exp.ReadAll(ctx, res.Head.ID())
		require.NoError(t, err)
		assert.Equal(t, len(data), len(got))
	}

	// 不是 StringObj
	v, err := core.NewContentValue("c", 1, []byte("x"))
	require.NoError(t, err)
	_, err = p.StoreObj(ctx, v)
	require.NoError(t, err)
	_, err = exp.ReadAll(ctx, v.ID())
	assert.Error(t, err)
}

func TestRender(t *testing.T) {
	incr := core.NewCommitIndex()
	incr.Put(index.Key("tables", "users"), core.CommitOp{Action: core.ActionAdd, Value: core.HashBytes([]byte("v"))})
	commit := &core.CommitObj{
		Created:          1_700_000_000_000_000,
		Seq:              3,
		Message:          "add users",
		Headers:          core.CommitHeaders{}.Add("Author", "bob"),
		Tail:             []types.ObjID{types.EmptyObjID},
		IncrementalIndex: incr.Serialize(),
	}
	require.NoError(t, commit.Seal())

	var text bytes.Buffer
	require.NoError(t, Render(&text, commit, FormatText))
	out := text.String()
	assert.Contains(t, out, "Seq:")
	assert.Contains(t, out, "Author: bob")
	assert.Contains(t, out, "<empty>")
	assert.Contains(t, out, "1 entries")

	var y bytes.Buffer
	require.NoError(t, Render(&y, commit, FormatYAML))
	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(y.Bytes(), &decoded))
	assert.Equal(t, commit.ID().String(), decoded["id"])
	assert.Equal(t, "add users", decoded["message"])
	assert.True(t, strings.HasPrefix(y.String(), "id:"), "field order is preserved")

	idx, err := core.NewIndexObj(incr.Serialize())
	require.NoError(t, err)
	fields, err := Describe(idx)
	require.NoError(t, err)
	assert.Equal(t, "Entries", fields[len(fields)-1].Name)
	assert.Len(t, fields[len(fields)-1].Value, 1)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
	f, err := ParseFormat("YAML")
	require.NoError(t, err)
	assert.Equal(t, FormatYAML, f)
}
