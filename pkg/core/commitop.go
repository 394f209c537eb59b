package core

import (
	"cmp"
	"fmt"

	"versionstore/pkg/index"
	"versionstore/pkg/types"
)

// CommitOpAction 描述某个 key 在提交中的变化
type CommitOpAction uint8

const (
	ActionNone CommitOpAction = iota
	// ActionAdd / ActionRemove 是本提交产生的变化
	ActionAdd
	ActionRemove
	// ActionIncrementalAdd / ActionIncrementalRemove 是从之前的提交继承过来的变化
	ActionIncrementalAdd
	ActionIncrementalRemove
)

func (a CommitOpAction) String() string {
	switch a {
	case ActionNone:
		return "NONE"
	case ActionAdd:
		return "ADD"
	case ActionRemove:
		return "REMOVE"
	case ActionIncrementalAdd:
		return "INCREMENTAL_ADD"
	case ActionIncrementalRemove:
		return "INCREMENTAL_REMOVE"
	default:
		return fmt.Sprintf("CommitOpAction(%d)", uint8(a))
	}
}

// Exists key 在应用该操作后是否存在
func (a CommitOpAction) Exists() bool {
	return a == ActionAdd || a == ActionIncrementalAdd
}

// CurrentCommit 是否是本提交产生的变化
func (a CommitOpAction) CurrentCommit() bool {
	return a == ActionAdd || a == ActionRemove
}

// Inherited 把本提交的操作降级为继承的增量操作
func (a CommitOpAction) Inherited() CommitOpAction {
	switch a {
	case ActionAdd:
		return ActionIncrementalAdd
	case ActionRemove:
		return ActionIncrementalRemove
	default:
		return a
	}
}

// CommitOp 是提交索引中的值: 动作 + 内容 payload 类型 + 指向的内容对象
type CommitOp struct {
	Action  CommitOpAction
	Payload uint8
	Value   types.ObjID
}

func (op CommitOp) String() string {
	return fmt.Sprintf("%s(%d, %s)", op.Action, op.Payload, op.Value)
}

// CommitOpCodec 编码格式: action(1B) | payload(1B) | uvarint(len) | value
type CommitOpCodec struct{}

var _ index.ValueCodec[CommitOp] = CommitOpCodec{}

func (CommitOpCodec) Append(dst []byte, op CommitOp) []byte {
	dst = append(dst, byte(op.Action), op.Payload)
	return index.ObjIDCodec{}.Append(dst, op.Value)
}

func (CommitOpCodec) Read(src []byte) (CommitOp, []byte, error) {
	if len(src) < 2 {
		return CommitOp{}, nil, fmt.Errorf("%w: truncated commit op", index.ErrCorrupt)
	}
	action := CommitOpAction(src[0])
	if action > ActionIncrementalRemove {
		return CommitOp{}, nil, fmt.Errorf("%w: unknown commit op action %d", index.ErrCorrupt, src[0])
	}
	value, rest, err := index.ObjIDCodec{}.Read(src[2:])
	if err != nil {
		return CommitOp{}, nil, err
	}
	return CommitOp{Action: action, Payload: src[1], Value: value}, rest, nil
}

// Compare 依次比较 Action、Payload、Value
func (CommitOpCodec) Compare(a, b CommitOp) int {
	if c := cmp.Compare(a.Action, b.Action); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Payload, b.Payload); c != 0 {
		return c
	}
	return a.Value.Compare(b.Value)
}

// NewCommitIndex 创建一个空的提交索引
func NewCommitIndex() *index.StoreIndex[CommitOp] {
	return index.New[CommitOp](CommitOpCodec{})
}

// DeserializeCommitIndex 还原提交索引，空输入视为空索引
func DeserializeCommitIndex(data []byte) (*index.StoreIndex[CommitOp], error) {
	if len(data) == 0 {
		return NewCommitIndex(), nil
	}
	return index.Deserialize[CommitOp](data, CommitOpCodec{})
}
