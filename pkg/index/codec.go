package index

import (
	"encoding/binary"
	"fmt"

	"versionstore/pkg/types"
)

// ValueCodec 定义了索引值 V 的能力集合: 编码、解码、全序
// 索引本身不关心 V 是什么，只通过它来读写字节。
type ValueCodec[V any] interface {
	// Append 把 v 的字节形式追加到 dst 并返回新的切片
	Append(dst []byte, v V) []byte
	// Read 从 src 头部读出一个值，返回剩余的字节
	Read(src []byte) (V, []byte, error)
	// Compare 对两个值定义全序，Add 的冲突策略依赖它
	Compare(a, b V) int
}

// ObjIDCodec 把 ObjID 编码为 uvarint(长度) + 原始字节
type ObjIDCodec struct{}

func (ObjIDCodec) Append(dst []byte, id types.ObjID) []byte {
	dst = binary.AppendUvarint(dst, uint64(id.Len()))
	return append(dst, id...)
}

func (ObjIDCodec) Read(src []byte) (types.ObjID, []byte, error) {
	n, rest, err := ReadUvarint(src)
	if err != nil {
		return types.EmptyObjID, nil, err
	}
	if uint64(len(rest)) < n {
		return types.EmptyObjID, nil, fmt.Errorf("%w: object id needs %d bytes, %d left", ErrCorrupt, n, len(rest))
	}
	return types.ObjIDFromBytes(rest[:n]), rest[n:], nil
}

func (ObjIDCodec) Compare(a, b types.ObjID) int { return a.Compare(b) }

// ReadUvarint 读出一个无符号 varint (7 bit/字节，高位为续位)
func ReadUvarint(src []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(src)
	if n <= 0 {
		return 0, nil, fmt.Errorf("%w: bad varint", ErrCorrupt)
	}
	return v, src[n:], nil
}
