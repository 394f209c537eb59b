package core

import (
	"fmt"

	"versionstore/pkg/types"
)

// Reference 是一个可变的命名指针 (分支/标签)，只能通过 CAS 修改
// 它不是 Obj：引用记录由存储层单独保存。
type Reference struct {
	Name    string      `json:"name" yaml:"name"`
	Pointer types.ObjID `json:"pointer" yaml:"pointer"`
	Deleted bool        `json:"deleted" yaml:"deleted"`

	CreatedAtMicros int64       `json:"created_at_micros" yaml:"created_at_micros"`
	ExtendedInfo    types.ObjID `json:"extended_info,omitempty" yaml:"extended_info,omitempty"`

	// Generation 每次修改 +1，用于发现丢失的更新
	Generation int64 `json:"generation" yaml:"generation"`
	// PreviousPointers 最近的历史指向 (由近到远)
	PreviousPointers []PreviousPointer `json:"previous_pointers,omitempty" yaml:"previous_pointers,omitempty"`
}

// PreviousPointer 一个历史指向及其被替换的时间
type PreviousPointer struct {
	Pointer         types.ObjID `json:"pointer" yaml:"pointer"`
	TimestampMicros int64       `json:"timestamp_micros" yaml:"timestamp_micros"`
}

// NewReference 创建一个调用方视角的引用状态
func NewReference(name string, pointer types.ObjID, deleted bool) Reference {
	return Reference{Name: name, Pointer: pointer, Deleted: deleted}
}

func (r Reference) String() string {
	state := "active"
	if r.Deleted {
		state = "deleted"
	}
	return fmt.Sprintf("%s@%s (%s, gen %d)", r.Name, r.Pointer, state, r.Generation)
}

// Matches 判断调用方提供的状态 expected 是否与存储状态 r 一致:
// 名称、指向、删除标记必须相同；expected 带了非零 Generation 时还要比较 Generation。
func (r Reference) Matches(expected Reference) bool {
	if r.Name != expected.Name || r.Pointer != expected.Pointer || r.Deleted != expected.Deleted {
		return false
	}
	return expected.Generation == 0 || r.Generation == expected.Generation
}

// SameState 严格比较 (包括 Generation)，后端 CAS 使用
func (r Reference) SameState(other Reference) bool {
	return r.Name == other.Name && r.Pointer == other.Pointer &&
		r.Deleted == other.Deleted && r.Generation == other.Generation
}

// WithPointer 返回指向新提交后的状态，旧指向进入历史，历史最多保留 keep 条
func (r Reference) WithPointer(pointer types.ObjID, nowMicros int64, keep int) Reference {
	next := r
	next.Pointer = pointer
	next.Generation = r.Generation + 1
	if keep > 0 {
		history := make([]PreviousPointer, 0, min(len(r.PreviousPointers)+1, keep))
		history = append(history, PreviousPointer{Pointer: r.Pointer, TimestampMicros: nowMicros})
		for _, p := range r.PreviousPointers {
			if len(history) == keep {
				break
			}
			history = append(history, p)
		}
		next.PreviousPointers = history
	} else {
		next.PreviousPointers = nil
	}
	return next
}

// AsDeleted 返回软删除后的状态
func (r Reference) AsDeleted() Reference {
	next := r
	next.Deleted = true
	next.Generation = r.Generation + 1
	return next
}
