// pkg/index/index.go
package index

import (
	"fmt"
	"iter"
	"slices"
)

// Element 代表索引中的一条记录
type Element[V any] struct {
	Key   StoreKey
	Value V
}

// StoreIndex 是按 StoreKey 排序的内存映射 (一个提交的 keyspace 或其中一段)
// 非并发安全：一个实例只在单个构建流程中使用。
type StoreIndex[V any] struct {
	codec    ValueCodec[V]
	elements []Element[V] // 始终按 Key 升序
	modified bool
}

// New 创建一个空索引
func New[V any](codec ValueCodec[V]) *StoreIndex[V] {
	return &StoreIndex[V]{codec: codec}
}

// Codec 返回值编解码器
func (s *StoreIndex[V]) Codec() ValueCodec[V] { return s.codec }

// search 二分查找，返回插入位置以及 key 是否已存在
func (s *StoreIndex[V]) search(key StoreKey) (int, bool) {
	return slices.BinarySearchFunc(s.elements, key, func(e Element[V], k StoreKey) int {
		return e.Key.Compare(k)
	})
}

// Add 插入或更新一条记录，只有新增 key 时返回 true。
// key 已存在时，只有新值按 codec 的全序不小于旧值才会替换，返回 false。
func (s *StoreIndex[V]) Add(key StoreKey, value V) bool {
	if key.IsEmpty() {
		panic("index: empty key")
	}
	i, found := s.search(key)
	if found {
		old := s.elements[i].Value
		if c := s.codec.Compare(value, old); c >= 0 {
			s.elements[i].Value = value
			if c != 0 {
				s.modified = true
			}
		}
		return false
	}
	s.elements = slices.Insert(s.elements, i, Element[V]{Key: key, Value: value})
	s.modified = true
	return true
}

// Put 无条件写入，返回 key 之前是否存在 (提交逻辑需要能覆盖成更 "小" 的值)
func (s *StoreIndex[V]) Put(key StoreKey, value V) bool {
	if key.IsEmpty() {
		panic("index: empty key")
	}
	i, found := s.search(key)
	if found {
		if s.codec.Compare(value, s.elements[i].Value) != 0 {
			s.modified = true
		}
		s.elements[i].Value = value
		return true
	}
	s.elements = slices.Insert(s.elements, i, Element[V]{Key: key, Value: value})
	s.modified = true
	return false
}

// Remove 删除 key，返回它是否存在
func (s *StoreIndex[V]) Remove(key StoreKey) bool {
	i, found := s.search(key)
	if !found {
		return false
	}
	s.elements = slices.Delete(s.elements, i, i+1)
	s.modified = true
	return true
}

func (s *StoreIndex[V]) Get(key StoreKey) (V, bool) {
	i, found := s.search(key)
	if !found {
		var zero V
		return zero, false
	}
	return s.elements[i].Value, true
}

func (s *StoreIndex[V]) Contains(key StoreKey) bool {
	_, found := s.search(key)
	return found
}

func (s *StoreIndex[V]) ElementCount() int { return len(s.elements) }

// IsModified 自上次反序列化 (或创建) 以来内容是否变化
func (s *StoreIndex[V]) IsModified() bool { return s.modified }

// KeyList 按顺序返回所有 key
func (s *StoreIndex[V]) KeyList() []StoreKey {
	keys := make([]StoreKey, len(s.elements))
	for i, e := range s.elements {
		keys[i] = e.Key
	}
	return keys
}

// First 返回最小 key；空索引返回零值 StoreKey 和 false
func (s *StoreIndex[V]) First() (StoreKey, bool) {
	if len(s.elements) == 0 {
		return StoreKey{}, false
	}
	return s.elements[0].Key, true
}

// Last 返回最大 key；空索引返回零值 StoreKey 和 false
func (s *StoreIndex[V]) Last() (StoreKey, bool) {
	if len(s.elements) == 0 {
		return StoreKey{}, false
	}
	return s.elements[len(s.elements)-1].Key, true
}

// UpdateAll 对每条记录调用 fn，fn 返回 keep=false 时删除该记录
func (s *StoreIndex[V]) UpdateAll(fn func(e Element[V]) (V, bool)) {
	out := s.elements[:0]
	for _, e := range s.elements {
		v, keep := fn(e)
		if !keep {
			s.modified = true
			continue
		}
		if s.codec.Compare(v, e.Value) != 0 {
			s.modified = true
		}
		e.Value = v
		out = append(out, e)
	}
	clear(s.elements[len(out):])
	s.elements = out
}

// All 遍历全部记录
func (s *StoreIndex[V]) All() iter.Seq[Element[V]] {
	seq, _ := s.Iterator(Range{})
	return seq
}

// Range 描述一次范围遍历，Min/Max 都是闭区间，零值表示不限。
// Prefix 不能与 Min/Max 同时使用。
type Range struct {
	Min    StoreKey
	Max    StoreKey
	Prefix StoreKey
}

// Iterator 返回一个惰性、可重复遍历的序列。
// 每次开始遍历时才定位起点，所以看到的是遍历开始那一刻的内容。
func (s *StoreIndex[V]) Iterator(r Range) (iter.Seq[Element[V]], error) {
	if !r.Prefix.IsEmpty() && (!r.Min.IsEmpty() || !r.Max.IsEmpty()) {
		return nil, fmt.Errorf("%w: combining prefix with min or max is not supported", ErrInvalidArgument)
	}
	if !r.Min.IsEmpty() && !r.Max.IsEmpty() && r.Min.Compare(r.Max) > 0 {
		return nil, fmt.Errorf("%w: min key %s is greater than max key %s", ErrInvalidArgument, r.Min, r.Max)
	}

	return func(yield func(Element[V]) bool) {
		start := 0
		switch {
		case !r.Prefix.IsEmpty():
			start, _ = s.search(r.Prefix)
		case !r.Min.IsEmpty():
			start, _ = s.search(r.Min)
		}
		for i := start; i < len(s.elements); i++ {
			e := s.elements[i]
			if !r.Prefix.IsEmpty() && !e.Key.StartsWith(r.Prefix) {
				return
			}
			if !r.Max.IsEmpty() && e.Key.Compare(r.Max) > 0 {
				return
			}
			if !yield(e) {
				return
			}
		}
	}, nil
}

// Divide 把记录按数量切成 parts 段连续、非空的子索引
func (s *StoreIndex[V]) Divide(parts int) ([]*StoreIndex[V], error) {
	count := len(s.elements)
	if parts <= 0 || parts > count {
		return nil, fmt.Errorf("%w: number of parts %d must be greater than 0 and less or equal to number of elements %d",
			ErrInvalidArgument, parts, count)
	}

	size, extra := count/parts, count%parts
	result := make([]*StoreIndex[V], 0, parts)
	from := 0
	for i := 0; i < parts; i++ {
		to := from + size
		// 余数平摊到前面几段
		if i < extra {
			to++
		}
		result = append(result, &StoreIndex[V]{
			codec:    s.codec,
			elements: slices.Clone(s.elements[from:to]),
			modified: true,
		})
		from = to
	}
	return result, nil
}
