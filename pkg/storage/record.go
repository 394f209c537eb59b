package storage

import (
	"fmt"

	"versionstore/pkg/core"
	"versionstore/pkg/types"
)

// EncodeRecord 把类型标签和对象体拼成一个值，供只能存字节串的后端 (Redis/S3/磁盘) 使用
// 格式: <1 字节类型长度><类型><对象体>
func EncodeRecord(rec ObjRecord) []byte {
	buf := make([]byte, 0, 1+len(rec.Type)+len(rec.Data))
	buf = append(buf, byte(len(rec.Type)))
	buf = append(buf, rec.Type...)
	return append(buf, rec.Data...)
}

// DecodeRecord 是 EncodeRecord 的逆操作，Data 与 raw 共享底层数组
func DecodeRecord(id types.ObjID, raw []byte) (ObjRecord, error) {
	if len(raw) == 0 || int(raw[0])+1 > len(raw) {
		return ObjRecord{}, fmt.Errorf("corrupt object %s: bad header", id)
	}
	n := int(raw[0])
	return ObjRecord{
		ID:   id,
		Type: core.ObjType(raw[1 : 1+n]),
		Data: raw[1+n:],
	}, nil
}
