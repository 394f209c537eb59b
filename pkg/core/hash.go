package core

import (
	"crypto/sha256"
	"fmt"

	"versionstore/pkg/types"

	"github.com/fxamacker/cbor/v2"
)

// 规范化 (Canonical) CBOR 编码选项
var encOptions = cbor.EncOptions{
	// 1. 强制 Map Key 排序
	// 保证相同的对象生成唯一的字节序列，从而得到唯一的内容 ID
	Sort: cbor.SortCanonical,

	// 2. 浮点数必须使用 64 位表示
	ShortestFloat: cbor.ShortestFloatNone,

	// 3. 时间统一按 Unix 整数编码，不产生 Tag 0/1
	Time:    cbor.TimeUnix,
	TimeTag: cbor.EncTagNone,

	// 4. 禁止不定长编码
	IndefLength: cbor.IndefLengthForbidden,

	BigIntConvert: cbor.BigIntConvertShortest,
}

// 全局复用的编码模式
var em, _ = encOptions.EncMode()

var decOptions = cbor.DecOptions{
	// --- 安全性配置 (防 DoS) ---
	// 限制容器元素数量和嵌套深度；索引本身是 []byte，所以数组上限不用太大
	MaxArrayElements: 100000,
	MaxMapPairs:      10000,
	MaxNestedLevels:  32,

	IndefLength: cbor.IndefLengthForbidden,

	// 重复的 Map Key 直接报错
	DupMapKey: cbor.DupMapKeyEnforcedAPF,

	BignumTag: cbor.BignumTagForbidden,
	TimeTag:   cbor.DecTagIgnored,
}

var dm, _ = decOptions.DecMode()

// hashEnvelope 把类型标签和对象体绑在一起做摘要，避免不同类型的相同字段撞 ID
type hashEnvelope struct {
	Type ObjType `cbor:"t"`
	Body Obj     `cbor:"v"`
}

// EncodeObj 把对象体编码为规范 CBOR (不含 ID，ID 由存储层单独保存)
func EncodeObj(obj Obj) ([]byte, error) {
	data, err := em.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s object: %w", obj.Type(), err)
	}
	return data, nil
}

// DecodeObj 按类型还原对象并填回 ID
func DecodeObj(id types.ObjID, t ObjType, data []byte) (Obj, error) {
	obj, err := newObj(t)
	if err != nil {
		return nil, err
	}
	if err := dm.Unmarshal(data, obj); err != nil {
		return nil, fmt.Errorf("failed to decode %s object %s: %w", t, id, err)
	}
	obj.setID(id)
	return obj, nil
}

// CalculateID 计算内容派生 ID: SHA-256(CBOR{t: type, v: body})
func CalculateID(obj Obj) (types.ObjID, error) {
	data, err := em.Marshal(hashEnvelope{Type: obj.Type(), Body: obj})
	if err != nil {
		return types.EmptyObjID, fmt.Errorf("failed to marshal object: %w", err)
	}
	sum := sha256.Sum256(data)
	return types.ObjIDFromBytes(sum[:]), nil
}

// sealWithHash 计算并写入内容派生 ID
func sealWithHash[T Obj](obj T) (T, error) {
	id, err := CalculateID(obj)
	if err != nil {
		return obj, err
	}
	obj.setID(id)
	return obj, nil
}

// HashBytes 对原始数据计算 ID (不区分类型)
func HashBytes(data []byte) types.ObjID {
	sum := sha256.Sum256(data)
	return types.ObjIDFromBytes(sum[:])
}
