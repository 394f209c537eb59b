package core

import (
	"fmt"
	"time"

	"versionstore/pkg/types"
)

// ObjType 定义了对象的类型标签 (封闭集合)
type ObjType string

const (
	TypeCommit        ObjType = "commit"         // 提交 (keyspace 的一个版本)
	TypeValue         ObjType = "value"          // 内容值
	TypeIndex         ObjType = "index"          // 一个序列化的 StoreIndex
	TypeIndexSegments ObjType = "index_segments" // 大索引的分段目录
	TypeRef           ObjType = "ref"            // 引用的创建记录
	TypeTag           ObjType = "tag"            // 附注标签
	TypeString        ObjType = "string"         // 文本/二进制数据 (可分块)
)

var allObjTypes = []ObjType{TypeCommit, TypeValue, TypeIndex, TypeIndexSegments, TypeRef, TypeTag, TypeString}

// AllObjTypes 返回全部类型 (副本)
func AllObjTypes() []ObjType { return append([]ObjType(nil), allObjTypes...) }

func (t ObjType) String() string { return string(t) }

func (t ObjType) Valid() bool {
	for _, v := range allObjTypes {
		if v == t {
			return true
		}
	}
	return false
}

// ParseObjType 严格解析类型名
func ParseObjType(s string) (ObjType, error) {
	t := ObjType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown object type %q", s)
	}
	return t, nil
}

// Obj 是所有持久化对象的通用接口
// 对象一旦存储就不可变；"修改" 意味着 upsert 一个新状态或 CAS 一个引用。
type Obj interface {
	// Type 返回对象类型 (在 nil 指针上调用也是安全的)
	Type() ObjType

	// ID 返回对象 ID
	ID() types.ObjID

	setID(id types.ObjID)
}

// newObj 根据类型分配一个空对象，供解码使用
func newObj(t ObjType) (Obj, error) {
	switch t {
	case TypeCommit:
		return &CommitObj{}, nil
	case TypeValue:
		return &ContentValueObj{}, nil
	case TypeIndex:
		return &IndexObj{}, nil
	case TypeIndexSegments:
		return &IndexSegmentsObj{}, nil
	case TypeRef:
		return &RefObj{}, nil
	case TypeTag:
		return &TagObj{}, nil
	case TypeString:
		return &StringObj{}, nil
	default:
		return nil, fmt.Errorf("unknown object type %q", t)
	}
}

// NowMicros 当前时间 (微秒)
func NowMicros() int64 { return time.Now().UnixMicro() }
