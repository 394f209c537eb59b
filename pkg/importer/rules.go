package importer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"versionstore/pkg/index"

	gitignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFile 导入目录下可选的规则文件，语法同 .gitignore
const IgnoreFile = ".vstignore"

// builtinRules 始终生效，用户规则不能把它们取消
var builtinRules = []string{
	".vst", // 本地配置和默认的磁盘存储目录
	".git",
	IgnoreFile,
	".env",
	".DS_Store",
	"Thumbs.db",
}

// Rules 决定目录里哪些文件会成为 key，以及 key 长什么样
// 路径 "a/b.bin" 在前缀 models 下对应 key models/a/b.bin
type Rules struct {
	prefix  index.StoreKey
	ignorer *gitignore.GitIgnore
}

// LoadRules 合并内置规则、root/.vstignore 和 extra (命令行 --exclude 等)
func LoadRules(root string, prefix index.StoreKey, extra ...string) (*Rules, error) {
	lines := append(slices.Clone(builtinRules), extra...)

	var ignorer *gitignore.GitIgnore
	path := filepath.Join(root, IgnoreFile)
	switch _, err := os.Stat(path); {
	case err == nil:
		ignorer, err = gitignore.CompileIgnoreFileAndLines(path, lines...)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", IgnoreFile, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		ignorer = gitignore.CompileIgnoreLines(lines...)
	default:
		return nil, err
	}
	return &Rules{prefix: prefix, ignorer: ignorer}, nil
}

// Skip 相对路径 ("/" 分隔) 是否被排除
func (r *Rules) Skip(rel string) bool {
	return r.ignorer.MatchesPath(rel)
}

// Key 文件对应的 key
func (r *Rules) Key(rel string) (index.StoreKey, error) {
	elements := append(r.prefix.Elements(), strings.Split(rel, "/")...)
	key, err := index.NewKey(elements...)
	if err != nil {
		return index.StoreKey{}, fmt.Errorf("file %s: %w", rel, err)
	}
	return key, nil
}

// Owns key 是否由这次导入管理：在前缀之下，且还原出的路径没有被排除。
// prune 只会删除这类 key；被忽略的文件即使不在目录里，旧值也保持不变。
func (r *Rules) Owns(key index.StoreKey) bool {
	if !key.StartsWith(r.prefix) || key.ElementCount() == r.prefix.ElementCount() {
		return false
	}
	rel := strings.Join(key.Elements()[r.prefix.ElementCount():], "/")
	return !r.Skip(rel)
}

// AnchoredRule 把 root 内部的 path 转成只匹配它自己的规则 ("/sub/dir")
// path 不在 root 之内 (或就是 root) 时返回 false
func AnchoredRule(root, path string) (string, bool) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return "/" + filepath.ToSlash(rel), true
}
