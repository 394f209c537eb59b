package commands

import (
	"bytes"
	"context"
	"crypto/rand"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"versionstore/pkg/app"
	"versionstore/pkg/commitlog"
	"versionstore/pkg/config"
	"versionstore/pkg/core"
	"versionstore/pkg/index"
	"versionstore/pkg/persist"
	"versionstore/pkg/refs"
	"versionstore/pkg/storage"
	"versionstore/pkg/types"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupIntegrationEnv 组装一个内存后端的 App 并注入全局变量 VST
func setupIntegrationEnv(t *testing.T) *app.App {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	v.Set(config.KeyRepositoryID, "cli-test")

	a, err := app.New(context.Background(), v, slog.Default())
	require.NoError(t, err)

	// 因为 cmd 包依赖全局变量 VST，我们在测试里临时覆盖它
	VST = a
	t.Cleanup(func() {
		VST = nil
		_ = a.Close()
	})
	return a
}

// run 执行一条命令并返回输出
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, args...)
	require.NoError(t, err, "vst %s: %s", strings.Join(args, " "), out)
	return out
}

func head(t *testing.T, a *app.App, name string) types.ObjID {
	t.Helper()
	id, _, err := a.Refs.Head(context.Background(), name)
	require.NoError(t, err)
	return id
}

func TestIntegration_CommitFlow(t *testing.T) {
	a := setupIntegrationEnv(t)
	ctx := context.Background()

	mustRun(t, "refs", "create", "main")
	out := mustRun(t, "log", "main")
	assert.Contains(t, out, "No commits yet.")

	out = mustRun(t, "commit", "main", "-m", "first", "--put", "tables/users=alice", "--put", "tables/orders=o1")
	assert.Contains(t, out, "[main ")
	assert.Contains(t, out, "2 added, 0 removed")
	first := head(t, a, "refs/heads/main")

	out = mustRun(t, "keys", "main")
	assert.Contains(t, out, "tables/orders")
	assert.Contains(t, out, "tables/users")

	mustRun(t, "commit", "main", "-m", "second", "--put", "tables/users=bob", "--rm", "tables/orders")
	second := head(t, a, "refs/heads/main")
	assert.NotEqual(t, first, second)

	out = mustRun(t, "keys", "main", "--prefix", "tables")
	assert.Contains(t, out, "tables/users")
	assert.NotContains(t, out, "tables/orders")

	// 同一个 key 更新后沿用 content id，内容不同
	users := index.Key("tables", "users")
	var values []*core.ContentValueObj
	for _, id := range []types.ObjID{first, second} {
		commit, err := a.Commits.FetchCommit(ctx, id)
		require.NoError(t, err)
		ops, err := a.Commits.Lookup(ctx, commit, users)
		require.NoError(t, err)
		v, err := persist.FetchTyped[*core.ContentValueObj](ctx, a.Persist, ops[users.String()].Value)
		require.NoError(t, err)
		values = append(values, v)
	}
	assert.Equal(t, values[0].ContentID, values[1].ContentID)
	assert.Equal(t, "alice", string(values[0].Data))
	assert.Equal(t, "bob", string(values[1].Data))

	out = mustRun(t, "log", "main")
	assert.Less(t, strings.Index(out, "second"), strings.Index(out, "first"), "newest first")
	assert.Contains(t, out, "Author: versionstore user")
	assert.Contains(t, out, "commit "+second.String())

	out = mustRun(t, "log", "main", "-n", "1")
	assert.NotContains(t, out, "first")

	out = mustRun(t, "diff", first.String(), "main")
	assert.Contains(t, out, "- tables/orders")
	assert.Contains(t, out, "~ tables/users")

	out = mustRun(t, "cat", "main", "-o", "yaml")
	assert.Contains(t, out, "type: commit")
	assert.Contains(t, out, "message: second")
}

func TestIntegration_PutAndGet(t *testing.T) {
	a := setupIntegrationEnv(t)
	dir := t.TempDir()

	data := make([]byte, 200*1024)
	_, _ = rand.Read(data)
	src := filepath.Join(dir, "weights.bin")
	require.NoError(t, os.WriteFile(src, data, 0644))

	out := mustRun(t, "put", src, "--compression", "lz4")
	headID := strings.Fields(out)[0]
	assert.Contains(t, out, "parts")

	// 把分块值挂到一个 key 上
	mustRun(t, "refs", "create", "main")
	mustRun(t, "commit", "main", "-m", "add weights", "--link", "models/weights="+headID)
	out = mustRun(t, "keys", "main")
	assert.Contains(t, out, "models/weights")
	assert.Contains(t, out, headID)

	dst := filepath.Join(dir, "restored.bin")
	mustRun(t, "get", headID, "--out", dst)
	restored, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, restored), "data mismatch")

	head, err := persist.FetchTyped[*core.StringObj](context.Background(), a.Persist, types.MustObjIDFromHex(headID))
	require.NoError(t, err)
	assert.Equal(t, "weights.bin", head.Filename)
	assert.Equal(t, core.CompressionLZ4, head.Compression)

	// 不存在的对象不能被链接
	_, err = run(t, "commit", "main", "-m", "dangling", "--link", "models/x="+types.RandomObjID().String())
	assert.ErrorIs(t, err, storage.ErrObjNotFound)
}

func TestIntegration_RefsAndTags(t *testing.T) {
	a := setupIntegrationEnv(t)

	mustRun(t, "refs", "create", "main")
	mustRun(t, "commit", "main", "-m", "base", "--put", "a=1")
	base := head(t, a, "refs/heads/main")

	mustRun(t, "refs", "create", "dev", "--from", "main")
	assert.Equal(t, base, head(t, a, "refs/heads/dev"))
	mustRun(t, "commit", "dev", "-m", "feature", "--put", "b=2")
	feature := head(t, a, "refs/heads/dev")

	out := mustRun(t, "refs", "assign", "main", "dev")
	assert.Contains(t, out, "refs/heads/main")
	assert.Equal(t, feature, head(t, a, "refs/heads/main"))

	mustRun(t, "refs", "tag", "v1", base.String(), "-m", "release")
	out = mustRun(t, "refs", "list")
	assert.Contains(t, out, "refs/heads/dev")
	assert.Contains(t, out, "refs/heads/main")
	assert.Regexp(t, `refs/tags/v1\s+tag`, out)

	// 标签名可以直接当作提交使用
	out = mustRun(t, "keys", "v1")
	assert.Regexp(t, `(?m)^a\s`, out)
	assert.NotRegexp(t, `(?m)^b\s`, out)

	out = mustRun(t, "refs", "list", "--prefix", "refs/tags/")
	assert.NotContains(t, out, "refs/heads/")

	mustRun(t, "refs", "delete", "dev")
	out = mustRun(t, "refs", "list")
	assert.NotContains(t, out, "refs/heads/dev")

	_, err := run(t, "commit", "dev", "-m", "gone", "--put", "c=3")
	assert.ErrorIs(t, err, storage.ErrRefNotFound)
}

func TestIntegration_Errors(t *testing.T) {
	setupIntegrationEnv(t)

	mustRun(t, "refs", "create", "main")
	_, err := run(t, "commit", "main", "--put", "a=1")
	assert.ErrorContains(t, err, "commit message cannot be empty")

	_, err = run(t, "commit", "main", "-m", "bad", "--put", "novalue")
	assert.ErrorContains(t, err, "expected key=value")

	_, err = run(t, "commit", "main", "-m", "rm", "--rm", "missing")
	assert.ErrorIs(t, err, commitlog.ErrCommitConflict)

	_, err = run(t, "cat", "main")
	assert.ErrorContains(t, err, "has no commit yet")

	_, err = run(t, "keys", "nothing-here")
	assert.ErrorContains(t, err, "neither a reference nor an object id")

	_, err = run(t, "cat", "main", "-o", "xml")
	assert.Error(t, err)

	_, err = run(t, "refs", "create", "bad..name")
	assert.Error(t, err)
}

func TestIntegration_ScanAndErase(t *testing.T) {
	setupIntegrationEnv(t)

	mustRun(t, "refs", "create", "main")
	mustRun(t, "commit", "main", "-m", "one", "--put", "k=v")
	mustRun(t, "commit", "main", "-m", "two", "--put", "k=w")

	out := mustRun(t, "scan", "--type", "commit")
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 2)
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		assert.True(t, strings.HasSuffix(line, " commit"), line)
	}

	out = mustRun(t, "scan")
	assert.Contains(t, out, " value")
	assert.Contains(t, out, " ref")

	_, err := run(t, "scan", "--type", "blob")
	assert.Error(t, err)

	_, err = run(t, "erase")
	assert.ErrorContains(t, err, "without --yes")

	out = mustRun(t, "erase", "--yes")
	assert.Contains(t, out, `erased repository "cli-test"`)
	assert.Empty(t, mustRun(t, "scan"))
	assert.Empty(t, mustRun(t, "refs", "list"))
}

func TestIntegration_Import(t *testing.T) {
	a := setupIntegrationEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "shards"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"layers": 12}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shards", "0.bin"), []byte("shard zero"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "train.log"), []byte("noise"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".vstignore"), []byte("*.log\n"), 0644))

	mustRun(t, "refs", "create", "main")

	out := mustRun(t, "import", "main", dir, "--prefix", "models/bert", "--dry-run")
	assert.Contains(t, out, "+ models/bert/config.json")
	_, _, err := a.Refs.Head(context.Background(), "refs/heads/main")
	assert.ErrorIs(t, err, refs.ErrNoHead, "dry run does not commit")

	out = mustRun(t, "import", "main", dir, "--prefix", "models/bert")
	assert.Contains(t, out, "2 files")
	out = mustRun(t, "keys", "main")
	assert.Contains(t, out, "models/bert/config.json")
	assert.Contains(t, out, "models/bert/shards/0.bin")
	assert.NotContains(t, out, "train.log")

	out = mustRun(t, "import", "main", dir, "--prefix", "models/bert")
	assert.Contains(t, out, "nothing to commit, 2 files unchanged")

	require.NoError(t, os.Remove(filepath.Join(dir, "shards", "0.bin")))
	out = mustRun(t, "import", "main", dir, "--prefix", "models/bert", "--prune", "-m", "drop shard")
	assert.Contains(t, out, "- models/bert/shards/0.bin")
	out = mustRun(t, "log", "main", "-n", "1")
	assert.Contains(t, out, "drop shard")

	// 被 --exclude 的文件删掉后，prune 也不会动它的 key
	require.NoError(t, os.Remove(filepath.Join(dir, "config.json")))
	out = mustRun(t, "import", "main", dir, "--prefix", "models/bert", "--prune", "--exclude", "*.json")
	assert.Contains(t, out, "nothing to commit")
	out = mustRun(t, "keys", "main")
	assert.Contains(t, out, "models/bert/config.json")
}
