package index

import (
	"encoding/binary"
	"fmt"
)

// FormatVersion 是序列化格式的第一个字节
const FormatVersion byte = 1

// Serialize 写出紧凑的二进制形式:
//
//	version(1B) | key0 value0 | strip1 suffix1 value1 | ...
//
// 第一条记录写完整 key；之后每条先写 uvarint(strip)，即从上一条 key 的字节末尾去掉多少字节，
// 再写剩下的后缀。key 字节 = 每个元素 + 0x00，末尾再加一个 0x00。
// 记录必须按升序写出，否则前缀压缩无法还原。
func (s *StoreIndex[V]) Serialize() []byte {
	out := make([]byte, 0, s.EstimatedSerializedSize())
	out = append(out, FormatVersion)

	var prev, cur []byte
	for i, e := range s.elements {
		cur = e.Key.appendBinary(cur[:0])
		if i == 0 {
			out = append(out, cur...)
		} else {
			m := mismatch(prev, cur)
			out = binary.AppendUvarint(out, uint64(len(prev)-m))
			out = append(out, cur[m:]...)
		}
		out = s.codec.Append(out, e.Value)
		prev, cur = cur, prev
	}
	return out
}

// EstimatedSerializedSize 粗略估计序列化后的大小 (不做前缀压缩)，用于预分配和切分决策
func (s *StoreIndex[V]) EstimatedSerializedSize() int {
	size := 1
	var scratch []byte
	for _, e := range s.elements {
		for _, el := range e.Key.elements {
			size += len(el) + 1
		}
		size += 2
		scratch = s.codec.Append(scratch[:0], e.Value)
		size += len(scratch)
	}
	return size
}

// Deserialize 从字节还原索引，结果的 IsModified() 为 false
func Deserialize[V any](data []byte, codec ValueCodec[V]) (*StoreIndex[V], error) {
	idx := New(codec)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrCorrupt)
	}
	if data[0] != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrCorrupt, data[0])
	}

	rest := data[1:]
	var keyBuf []byte
	var prevKey StoreKey
	for first := true; len(rest) > 0; first = false {
		if !first {
			strip, r, err := ReadUvarint(rest)
			if err != nil {
				return nil, err
			}
			if strip > uint64(len(keyBuf)) {
				return nil, fmt.Errorf("%w: strip %d exceeds previous key length %d", ErrCorrupt, strip, len(keyBuf))
			}
			keyBuf = keyBuf[:len(keyBuf)-int(strip)]
			rest = r
		}

		// 读到连续两个 0x00 为止
		var ok bool
		keyBuf, rest, ok = readKeySuffix(keyBuf, rest)
		if !ok {
			return nil, fmt.Errorf("%w: unterminated key", ErrCorrupt)
		}
		key, err := keyFromBinary(keyBuf)
		if err != nil {
			return nil, err
		}
		if !first && key.Compare(prevKey) <= 0 {
			return nil, fmt.Errorf("%w: key %s is not after %s", ErrCorrupt, key, prevKey)
		}

		value, r, err := codec.Read(rest)
		if err != nil {
			return nil, fmt.Errorf("value of key %s: %w", key, err)
		}
		rest = r
		idx.elements = append(idx.elements, Element[V]{Key: key, Value: value})
		prevKey = key
	}
	return idx, nil
}

func readKeySuffix(buf, src []byte) ([]byte, []byte, bool) {
	for i, b := range src {
		if b == 0 && len(buf) > 0 && buf[len(buf)-1] == 0 {
			return append(buf, b), src[i+1:], true
		}
		buf = append(buf, b)
	}
	return buf, nil, false
}

func mismatch(a, b []byte) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
