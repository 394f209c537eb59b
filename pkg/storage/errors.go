package storage

import (
	"errors"
	"fmt"
	"strings"

	"versionstore/pkg/core"
	"versionstore/pkg/index"
	"versionstore/pkg/types"
)

var (
	ErrObjNotFound        = errors.New("object not found")
	ErrObjTooLarge        = errors.New("object too large")
	ErrRefAlreadyExists   = errors.New("reference already exists")
	ErrRefNotFound        = errors.New("reference not found")
	ErrRefConditionFailed = errors.New("reference condition failed")
	// ErrInvalidArgument 与 index 包共用同一个哨兵，errors.Is 可以跨包匹配
	ErrInvalidArgument = index.ErrInvalidArgument
)

// ObjNotFoundError 携带全部缺失的 ID
type ObjNotFoundError struct {
	IDs []types.ObjID
}

func NewObjNotFound(ids ...types.ObjID) *ObjNotFoundError {
	return &ObjNotFoundError{IDs: ids}
}

func (e *ObjNotFoundError) Error() string {
	hexIDs := make([]string, len(e.IDs))
	for i, id := range e.IDs {
		hexIDs[i] = id.String()
	}
	if len(hexIDs) == 1 {
		return fmt.Sprintf("object %s not found", hexIDs[0])
	}
	return fmt.Sprintf("objects not found: %s", strings.Join(hexIDs, ", "))
}

func (e *ObjNotFoundError) Is(target error) bool { return target == ErrObjNotFound }

// ObjTooLargeError 对象 (或其中的索引) 超过了大小限制
type ObjTooLargeError struct {
	ID    types.ObjID
	What  string // 超限的部分: "object", "incremental index", "serialized index"
	Size  int
	Limit int
}

func (e *ObjTooLargeError) Error() string {
	return fmt.Sprintf("%s of object %s is too large: %d bytes exceeds limit of %d bytes", e.What, e.ID, e.Size, e.Limit)
}

func (e *ObjTooLargeError) Is(target error) bool { return target == ErrObjTooLarge }

// RefAlreadyExistsError 携带已存在的引用
type RefAlreadyExistsError struct {
	Existing core.Reference
}

func (e *RefAlreadyExistsError) Error() string {
	return fmt.Sprintf("reference %q already exists", e.Existing.Name)
}

func (e *RefAlreadyExistsError) Is(target error) bool { return target == ErrRefAlreadyExists }

type RefNotFoundError struct {
	Name string
}

func (e *RefNotFoundError) Error() string {
	return fmt.Sprintf("reference %q not found", e.Name)
}

func (e *RefNotFoundError) Is(target error) bool { return target == ErrRefNotFound }

// RefConditionFailedError CAS 失败，携带当前存储状态
type RefConditionFailedError struct {
	Existing core.Reference
}

func (e *RefConditionFailedError) Error() string {
	return fmt.Sprintf("reference %q condition failed, current state is %s", e.Existing.Name, e.Existing)
}

func (e *RefConditionFailedError) Is(target error) bool { return target == ErrRefConditionFailed }
