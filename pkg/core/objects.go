package core

import (
	"versionstore/pkg/types"
)

// ContentValueObj 保存一个内容值 (内容 ID + payload 类型 + 原始字节)
type ContentValueObj struct {
	ObjID types.ObjID `cbor:"-"`

	ContentID string `cbor:"c"`
	Payload   uint8  `cbor:"p"`
	Data      []byte `cbor:"d"`
}

// NewContentValue 创建内容值，ID 由内容派生
func NewContentValue(contentID string, payload uint8, data []byte) (*ContentValueObj, error) {
	return sealWithHash(&ContentValueObj{ContentID: contentID, Payload: payload, Data: data})
}

func (o *ContentValueObj) Type() ObjType        { return TypeValue }
func (o *ContentValueObj) ID() types.ObjID      { return o.ObjID }
func (o *ContentValueObj) setID(id types.ObjID) { o.ObjID = id }

// StringObj 保存文本或二进制数据，可以是多段值中的一段
type StringObj struct {
	ObjID types.ObjID `cbor:"-"`

	ContentType string      `cbor:"ct"`
	Compression Compression `cbor:"cp"`
	Filename    string      `cbor:"fn"`
	// Predecessors 对多段值来说是按顺序排列的前置分段
	Predecessors []types.ObjID `cbor:"pr"`
	Text         []byte        `cbor:"tx"`
}

// NewStringData 创建 StringObj，ID 由内容派生 (text 应当已经按 compression 压缩)
func NewStringData(contentType string, compression Compression, filename string, predecessors []types.ObjID, text []byte) (*StringObj, error) {
	return sealWithHash(&StringObj{
		ContentType:  contentType,
		Compression:  compression,
		Filename:     filename,
		Predecessors: predecessors,
		Text:         text,
	})
}

func (o *StringObj) Type() ObjType        { return TypeString }
func (o *StringObj) ID() types.ObjID      { return o.ObjID }
func (o *StringObj) setID(id types.ObjID) { o.ObjID = id }

// IndexObj 保存一个序列化的 StoreIndex (完整索引或其中一段)
type IndexObj struct {
	ObjID types.ObjID `cbor:"-"`

	Index []byte `cbor:"ix"`
}

// NewIndexObj ID 由索引内容派生，相同内容的分段会自然去重
func NewIndexObj(serialized []byte) (*IndexObj, error) {
	return sealWithHash(&IndexObj{Index: serialized})
}

func (o *IndexObj) Type() ObjType        { return TypeIndex }
func (o *IndexObj) ID() types.ObjID      { return o.ObjID }
func (o *IndexObj) setID(id types.ObjID) { o.ObjID = id }

// IndexSegmentsObj 是分段索引的目录，Stripes 按 key 有序且互不重叠
type IndexSegmentsObj struct {
	ObjID types.ObjID `cbor:"-"`

	Stripes []IndexStripe `cbor:"st"`
}

func NewIndexSegments(stripes []IndexStripe) (*IndexSegmentsObj, error) {
	return sealWithHash(&IndexSegmentsObj{Stripes: stripes})
}

func (o *IndexSegmentsObj) Type() ObjType        { return TypeIndexSegments }
func (o *IndexSegmentsObj) ID() types.ObjID      { return o.ObjID }
func (o *IndexSegmentsObj) setID(id types.ObjID) { o.ObjID = id }

// RefObj 记录一个引用的创建 (名称、初始指向、创建时间)
type RefObj struct {
	ObjID types.ObjID `cbor:"-"`

	Name            string      `cbor:"n"`
	InitialPointer  types.ObjID `cbor:"ip"`
	CreatedAtMicros int64       `cbor:"ca"`
	ExtendedInfo    types.ObjID `cbor:"ei"`
}

// NewRefObj 使用随机 ID：同名引用删除后再创建会得到新的记录
func NewRefObj(name string, initialPointer types.ObjID, createdAtMicros int64, extendedInfo types.ObjID) *RefObj {
	return &RefObj{
		ObjID:           types.RandomObjID(),
		Name:            name,
		InitialPointer:  initialPointer,
		CreatedAtMicros: createdAtMicros,
		ExtendedInfo:    extendedInfo,
	}
}

func (o *RefObj) Type() ObjType        { return TypeRef }
func (o *RefObj) ID() types.ObjID      { return o.ObjID }
func (o *RefObj) setID(id types.ObjID) { o.ObjID = id }

// TagObj 是指向某个提交的附注标签
type TagObj struct {
	ObjID types.ObjID `cbor:"-"`

	CommitID  types.ObjID   `cbor:"c"`
	Message   string        `cbor:"m"`
	Headers   CommitHeaders `cbor:"h"`
	Signature []byte        `cbor:"sg"`
}

// NewTag ID 由内容派生
func NewTag(commitID types.ObjID, message string, headers CommitHeaders, signature []byte) (*TagObj, error) {
	return sealWithHash(&TagObj{CommitID: commitID, Message: message, Headers: headers, Signature: signature})
}

func (o *TagObj) Type() ObjType        { return TypeTag }
func (o *TagObj) ID() types.ObjID      { return o.ObjID }
func (o *TagObj) setID(id types.ObjID) { o.ObjID = id }
