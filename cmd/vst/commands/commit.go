package commands

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"versionstore/pkg/commitlog"
	"versionstore/pkg/core"
	"versionstore/pkg/index"
	"versionstore/pkg/persist"
	"versionstore/pkg/refs"
	"versionstore/pkg/types"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newCommitCmd() *cobra.Command {
	var (
		message string
		puts    []string
		links   []string
		removes []string
		payload uint8
	)
	cmd := &cobra.Command{
		Use:   "commit <branch>",
		Short: "Record key changes on a branch",
		Long: `Create a new commit on top of the branch head and move the branch to it.

  --put key=text      store text as a new content value under key
  --link key=<id>     point key at an existing object (e.g. the head of 'vst put')
  --rm key            remove key`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if message == "" {
				return fmt.Errorf("commit message cannot be empty (use -m)")
			}
			if len(puts)+len(links)+len(removes) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to commit")
				return nil
			}
			ctx := cmd.Context()
			start := time.Now()

			ref, err := branchRef(ctx, args[0])
			if err != nil {
				return err
			}
			parent, err := VST.Commits.FetchCommit(ctx, ref.Pointer)
			if err != nil {
				return fmt.Errorf("failed to resolve head: %w", err)
			}

			// 1. 解析 --put，已存在的 key 沿用原来的 content id
			putKeys := make([]index.StoreKey, 0, len(puts))
			putTexts := make([]string, 0, len(puts))
			for _, kv := range puts {
				key, text, err := splitAssignment(kv)
				if err != nil {
					return err
				}
				putKeys = append(putKeys, key)
				putTexts = append(putTexts, text)
			}
			existing, err := VST.Commits.Lookup(ctx, parent, putKeys...)
			if err != nil {
				return err
			}

			c := commitlog.CreateCommit{
				Parent:  ref.Pointer,
				Message: message,
				Headers: core.CommitHeaders{}.Add("Author", author()),
			}
			for i, key := range putKeys {
				contentID := uuid.NewString()
				if op, ok := existing[key.String()]; ok {
					if old, err := persist.FetchTyped[*core.ContentValueObj](ctx, VST.Persist, op.Value); err == nil {
						contentID = old.ContentID
					}
				}
				value, err := core.NewContentValue(contentID, payload, []byte(putTexts[i]))
				if err != nil {
					return err
				}
				if _, err := VST.Persist.StoreObj(ctx, value); err != nil {
					return fmt.Errorf("failed to store value for %s: %w", key, err)
				}
				c.Adds = append(c.Adds, commitlog.Add{Key: key, Payload: payload, Value: value.ID()})
			}

			// 2. --link 指向已有对象
			for _, kv := range links {
				key, hexID, err := splitAssignment(kv)
				if err != nil {
					return err
				}
				id, err := types.ObjIDFromHex(hexID)
				if err != nil {
					return fmt.Errorf("invalid object id for %s: %w", key, err)
				}
				if _, err := VST.Persist.FetchObjType(ctx, id); err != nil {
					return fmt.Errorf("cannot link %s: %w", key, err)
				}
				c.Adds = append(c.Adds, commitlog.Add{Key: key, Payload: payload, Value: id})
			}

			for _, path := range removes {
				key, err := index.ParseKey(path)
				if err != nil {
					return err
				}
				c.Removes = append(c.Removes, commitlog.Remove{Key: key})
			}

			// 3. 提交并移动分支
			commit, updated, err := VST.Commits.CommitToReference(ctx, ref, c)
			if err != nil {
				if commit != nil {
					return fmt.Errorf("commit %s was stored but %s moved concurrently: %w", shortID(commit.ID()), ref.Name, err)
				}
				if errors.Is(err, commitlog.ErrCommitConflict) {
					return fmt.Errorf("commit rejected: %w", err)
				}
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "[%s %s] %s\n", refs.ShortName(updated.Name), color.YellowString(shortID(commit.ID())), message)
			fmt.Fprintf(out, "   %d added, %d removed in %s\n", len(c.Adds), len(c.Removes), time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "commit message")
	cmd.Flags().StringArrayVar(&puts, "put", nil, "key=text to store")
	cmd.Flags().StringArrayVar(&links, "link", nil, "key=<object id> to point at")
	cmd.Flags().StringArrayVar(&removes, "rm", nil, "key to remove")
	cmd.Flags().Uint8Var(&payload, "payload", 0, "payload type tag recorded with added keys")
	return cmd
}

// splitAssignment 解析 "a/b=value"
func splitAssignment(kv string) (index.StoreKey, string, error) {
	path, value, ok := strings.Cut(kv, "=")
	if !ok {
		return index.StoreKey{}, "", fmt.Errorf("expected key=value, got %q", kv)
	}
	key, err := index.ParseKey(path)
	if err != nil {
		return index.StoreKey{}, "", err
	}
	return key, value, nil
}
