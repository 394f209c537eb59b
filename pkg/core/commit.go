package core

import (
	"strings"

	"versionstore/pkg/index"
	"versionstore/pkg/types"
)

// CommitType 区分用户提交和内部提交 (例如引用管理产生的提交)
type CommitType uint8

const (
	CommitNormal CommitType = iota
	CommitInternal
)

func (c CommitType) String() string {
	if c == CommitInternal {
		return "INTERNAL"
	}
	return "NORMAL"
}

// CommitObj 是 keyspace 的一个版本
type CommitObj struct {
	ObjID types.ObjID `cbor:"-"`

	Created int64         `cbor:"cr"` // 微秒
	Seq     int64         `cbor:"sq"` // 根提交为 1，之后单调 +1
	Headers CommitHeaders `cbor:"h"`
	Message string        `cbor:"m"`

	// Tail 是最近的祖先列表 (由近到远)，只是一个滚动窗口，不是完整祖先集合。
	// 根提交的 tail 是 [EmptyObjID]。
	Tail             []types.ObjID `cbor:"tl"`
	SecondaryParents []types.ObjID `cbor:"sp"`

	// IncrementalIndex 是序列化的 StoreIndex[CommitOp]，记录自上次物化完整索引以来变化的 key
	IncrementalIndex []byte `cbor:"ii"`
	// IncompleteIndex 为 true 时仅靠本提交的增量索引不足以得到完整 keyspace，需要沿 tail 回溯
	IncompleteIndex bool `cbor:"ic"`

	// ReferenceIndex 指向 IndexObj 或 IndexSegmentsObj；ReferenceIndexStripes 是内联的分段
	ReferenceIndex        types.ObjID   `cbor:"ri"`
	ReferenceIndexStripes []IndexStripe `cbor:"rs"`

	CommitType CommitType `cbor:"ct"`
}

func (c *CommitObj) Type() ObjType        { return TypeCommit }
func (c *CommitObj) ID() types.ObjID      { return c.ObjID }
func (c *CommitObj) setID(id types.ObjID) { c.ObjID = id }

// ParentID 返回直接父提交，根提交返回 EmptyObjID
func (c *CommitObj) ParentID() types.ObjID {
	if len(c.Tail) == 0 {
		return types.EmptyObjID
	}
	return c.Tail[0]
}

// Seal 计算内容派生 ID
func (c *CommitObj) Seal() error {
	_, err := sealWithHash(c)
	return err
}

// IndexStripe 描述完整索引中的一段连续 key 区间
type IndexStripe struct {
	FirstKey  index.StoreKey `cbor:"f"`
	LastKey   index.StoreKey `cbor:"l"`
	SegmentID types.ObjID    `cbor:"s"`
}

// HeaderEntry 一个 header 名称和它的全部值 (按插入顺序)
type HeaderEntry struct {
	Name   string   `cbor:"n"`
	Values []string `cbor:"v"`
}

// CommitHeaders 是多值 header，名称大小写不敏感，保留第一次出现时的写法
type CommitHeaders []HeaderEntry

// Add 追加一个值，返回新的 headers (不修改接收者)
func (h CommitHeaders) Add(name, value string) CommitHeaders {
	out := make(CommitHeaders, len(h), len(h)+1)
	for i, e := range h {
		out[i] = HeaderEntry{Name: e.Name, Values: append([]string(nil), e.Values...)}
	}
	for i := range out {
		if strings.EqualFold(out[i].Name, name) {
			out[i].Values = append(out[i].Values, value)
			return out
		}
	}
	return append(out, HeaderEntry{Name: name, Values: []string{value}})
}

// First 返回第一个值
func (h CommitHeaders) First(name string) (string, bool) {
	for _, e := range h {
		if strings.EqualFold(e.Name, name) && len(e.Values) > 0 {
			return e.Values[0], true
		}
	}
	return "", false
}

// All 返回某个 header 的全部值
func (h CommitHeaders) All(name string) []string {
	for _, e := range h {
		if strings.EqualFold(e.Name, name) {
			return append([]string(nil), e.Values...)
		}
	}
	return nil
}

func (h CommitHeaders) Names() []string {
	names := make([]string, len(h))
	for i, e := range h {
		names[i] = e.Name
	}
	return names
}
