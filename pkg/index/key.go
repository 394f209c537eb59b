// pkg/index/key.go
package index

import (
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// StoreKey 是索引中的层级 Key (例如 ["ns", "table"])
// 零值表示 "没有 Key"，它不是合法的 Key，只作为哨兵使用。
type StoreKey struct {
	elements []string
}

// NewKey 校验并构造 Key
// 每个元素必须非空，且不能包含 0x00 (0x00 是序列化格式中的分隔符)
func NewKey(elements ...string) (StoreKey, error) {
	if len(elements) == 0 {
		return StoreKey{}, fmt.Errorf("%w: key must have at least one element", ErrInvalidKey)
	}
	for i, e := range elements {
		if e == "" {
			return StoreKey{}, fmt.Errorf("%w: element %d is empty", ErrInvalidKey, i)
		}
		if strings.IndexByte(e, 0) >= 0 {
			return StoreKey{}, fmt.Errorf("%w: element %d contains a NUL byte", ErrInvalidKey, i)
		}
	}
	return StoreKey{elements: append([]string(nil), elements...)}, nil
}

// Key 是 NewKey 的 panic 版本，用于常量和测试
func Key(elements ...string) StoreKey {
	k, err := NewKey(elements...)
	if err != nil {
		panic(err)
	}
	return k
}

// ParseKey 解析以 "/" 分隔的路径 ("a/b/c")
func ParseKey(path string) (StoreKey, error) {
	return NewKey(strings.Split(strings.Trim(path, "/"), "/")...)
}

// Elements 返回副本，调用方修改不会影响 Key
func (k StoreKey) Elements() []string { return append([]string(nil), k.elements...) }

func (k StoreKey) ElementCount() int { return len(k.elements) }

func (k StoreKey) IsEmpty() bool { return len(k.elements) == 0 }

func (k StoreKey) String() string { return strings.Join(k.elements, "/") }

// Compare 定义全序:
// 逐元素按 UTF-8 字节序比较 (等价于 code point 序)，公共部分相同时短的在前。
// 这保证 key 排在自己的子节点之前，并且与序列化字节的比较结果一致。
func (k StoreKey) Compare(other StoreKey) int {
	n := min(len(k.elements), len(other.elements))
	for i := 0; i < n; i++ {
		if c := strings.Compare(k.elements[i], other.elements[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(k.elements) < len(other.elements):
		return -1
	case len(k.elements) > len(other.elements):
		return 1
	default:
		return 0
	}
}

func (k StoreKey) Equal(other StoreKey) bool { return k.Compare(other) == 0 }

// StartsWith 按元素判断前缀 ("a/b" 是 "a/b/c" 的前缀，但不是 "a/bc" 的前缀)
func (k StoreKey) StartsWith(prefix StoreKey) bool {
	if len(prefix.elements) > len(k.elements) {
		return false
	}
	for i, e := range prefix.elements {
		if k.elements[i] != e {
			return false
		}
	}
	return true
}

// appendBinary 写出 key 的字节形式: 每个元素后跟 0x00，最后再追加一个 0x00
func (k StoreKey) appendBinary(dst []byte) []byte {
	for _, e := range k.elements {
		dst = append(dst, e...)
		dst = append(dst, 0)
	}
	return append(dst, 0)
}

// keyFromBinary 是 appendBinary 的逆操作，b 必须以 0x00 0x00 结尾
func keyFromBinary(b []byte) (StoreKey, error) {
	if len(b) < 3 || b[len(b)-1] != 0 || b[len(b)-2] != 0 {
		return StoreKey{}, fmt.Errorf("%w: malformed key bytes", ErrCorrupt)
	}
	parts := strings.Split(string(b[:len(b)-2]), "\x00")
	k, err := NewKey(parts...)
	if err != nil {
		return StoreKey{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return k, nil
}

// MarshalCBOR 让 Key 可以嵌入到 CBOR 编码的对象中 (例如 IndexStripe)
func (k StoreKey) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(k.elements)
}

func (k *StoreKey) UnmarshalCBOR(data []byte) error {
	var elements []string
	if err := cbor.Unmarshal(data, &elements); err != nil {
		return err
	}
	if len(elements) == 0 {
		*k = StoreKey{}
		return nil
	}
	parsed, err := NewKey(elements...)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
