// pkg/types/common.go
package types

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ObjID 代表对象的唯一标识符 (原始字节，不是 Hex)
// 这是一个“值对象”，应当是不可变的。
// 用 string 作为底层类型，这样它可以直接作为 map key 并且天然不可变。
type ObjID string

// EmptyObjID 是长度为 0 的哨兵值 (例如：根提交的 tail 里的 "无祖先")
const EmptyObjID ObjID = ""

// RandomObjIDSize 随机 ID 的默认长度 (与 SHA-256 摘要长度一致)
const RandomObjIDSize = 32

// ObjIDFromBytes 复制 b 构造 ObjID
func ObjIDFromBytes(b []byte) ObjID { return ObjID(b) }

// ObjIDFromHex 解析 Hex 字符串
func ObjIDFromHex(s string) (ObjID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return EmptyObjID, fmt.Errorf("invalid object id %q: %w", s, err)
	}
	return ObjID(b), nil
}

// MustObjIDFromHex 仅用于常量和测试
func MustObjIDFromHex(s string) ObjID {
	id, err := ObjIDFromHex(s)
	if err != nil {
		panic(err)
	}
	return id
}

// RandomObjID 生成一个不透明的随机 ID (用于 Ref/Tag 这类身份型对象)
func RandomObjID() ObjID {
	b := make([]byte, RandomObjIDSize)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return ObjID(b)
}

func (id ObjID) Bytes() []byte  { return []byte(id) }
func (id ObjID) Len() int       { return len(id) }
func (id ObjID) IsEmpty() bool  { return len(id) == 0 }
func (id ObjID) String() string { return hex.EncodeToString([]byte(id)) }

// Compare 按字节比较 (无符号)，返回 -1/0/1
func (id ObjID) Compare(other ObjID) int {
	return bytes.Compare([]byte(id), []byte(other))
}

// MarshalCBOR 序列化为 CBOR byte string
func (id ObjID) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal([]byte(id))
}

// UnmarshalCBOR 从 CBOR byte string 还原
func (id *ObjID) UnmarshalCBOR(data []byte) error {
	var b []byte
	if err := cbor.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("invalid object id encoding: %w", err)
	}
	*id = ObjID(b)
	return nil
}

// MarshalText 让 JSON/YAML 输出 Hex 而不是乱码
func (id ObjID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ObjID) UnmarshalText(text []byte) error {
	parsed, err := ObjIDFromHex(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
