package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"versionstore/pkg/core"
	"versionstore/pkg/refs"
	"versionstore/pkg/storage"
	"versionstore/pkg/types"
)

// resolveID 把 "main" / "refs/tags/v1" / 十六进制 id 解析成对象 id
// 引用还没有提交时返回空 id
func resolveID(ctx context.Context, arg string) (types.ObjID, error) {
	names := []string{refs.BranchName(arg), refs.TagName(arg)}
	if strings.HasPrefix(arg, "refs/") {
		names = []string{arg}
	}
	for _, name := range names {
		id, _, err := VST.Refs.Head(ctx, name)
		switch {
		case err == nil:
			return id, nil
		case errors.Is(err, refs.ErrNoHead):
			return types.EmptyObjID, nil
		case !errors.Is(err, storage.ErrRefNotFound):
			return types.EmptyObjID, err
		}
	}
	id, err := types.ObjIDFromHex(arg)
	if err != nil || id.IsEmpty() {
		return types.EmptyObjID, fmt.Errorf("%q is neither a reference nor an object id", arg)
	}
	return id, nil
}

// resolveCommit 同 resolveID，但要求结果是提交；空引用返回 nil
func resolveCommit(ctx context.Context, arg string) (*core.CommitObj, error) {
	id, err := resolveID(ctx, arg)
	if err != nil {
		return nil, err
	}
	return VST.Commits.FetchCommit(ctx, id)
}

// branchRef 读取分支的当前状态，分支必须存在且未被删除
func branchRef(ctx context.Context, arg string) (core.Reference, error) {
	ref, err := VST.Refs.Get(ctx, refs.BranchName(arg))
	if err != nil {
		return core.Reference{}, err
	}
	if ref.Deleted {
		return core.Reference{}, &storage.RefNotFoundError{Name: ref.Name}
	}
	return ref, nil
}

func shortID(id types.ObjID) string {
	s := id.String()
	if len(s) > 12 {
		return s[:12]
	}
	if s == "" {
		return "<empty>"
	}
	return s
}
