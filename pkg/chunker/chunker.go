package chunker

import (
	"fmt"
	"math"
)

// 默认参数 (单位: 字节)，适合 KB 到 MB 级别的值
const (
	MinSize   = 4 * 1024  // 4KB
	AvgSize   = 8 * 1024  // 8KB
	MaxSize   = 64 * 1024 // 64KB
	NormLevel = 2
)

// gearTable 由固定种子的 splitmix64 生成，切点因此在不同进程间保持一致
var gearTable = func() (table [256]uint64) {
	seed := uint64(0x9e3779b97f4a7c15)
	for i := range table {
		seed += 0x9e3779b97f4a7c15
		z := seed
		z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
		z = (z ^ (z >> 27)) * 0x94d049bb133111eb
		table[i] = z ^ (z >> 31)
	}
	return table
}()

// Config 切分参数，要求 0 < Min <= Avg <= Max
type Config struct {
	Min int
	Avg int
	Max int
}

func DefaultConfig() Config {
	return Config{Min: MinSize, Avg: AvgSize, Max: MaxSize}
}

// Chunker 是一个无状态的 FastCDC 切分工具
type Chunker struct {
	cfg   Config
	maskS uint64
	maskL uint64
}

func NewChunker() *Chunker {
	c, _ := New(DefaultConfig())
	return c
}

func New(cfg Config) (*Chunker, error) {
	if cfg.Min <= 0 || cfg.Min > cfg.Avg || cfg.Avg > cfg.Max {
		return nil, fmt.Errorf("invalid chunk sizes: min=%d avg=%d max=%d", cfg.Min, cfg.Avg, cfg.Max)
	}
	bits := int(math.Round(math.Log2(float64(cfg.Avg))))
	return &Chunker{
		cfg:   cfg,
		maskS: uint64(1)<<(bits+NormLevel) - 1,
		maskL: uint64(1)<<max(bits-NormLevel, 0) - 1,
	}, nil
}

// Cut 返回每一块的结束 offset (升序)，最后一个总是 len(data)。
// 只有最后一块可能小于 Min；空输入返回 nil。
func (c *Chunker) Cut(data []byte) []int {
	var cutPoints []int
	offset := 0
	n := len(data)

	for offset < n {
		// 1. 剩余不足最小块，整体作为最后一块
		if n-offset <= c.cfg.Min {
			return append(cutPoints, n)
		}

		// 每次新块开始，fp 重置为 0
		fp := uint64(0)
		idx := offset + c.cfg.Min

		normLimit := min(offset+c.cfg.Avg, n)
		maxLimit := min(offset+c.cfg.Max, n)

		scan := func(limit int, mask uint64) bool {
			for ; idx < limit; idx++ {
				fp = (fp << 1) + gearTable[data[idx]]
				if (fp & mask) == 0 {
					cutPoints = append(cutPoints, idx+1)
					offset = idx + 1
					return true
				}
			}
			return false
		}

		// A. 归一化区域 (严掩码)
		if scan(normLimit, c.maskS) {
			continue
		}
		// B. 普通区域 (宽掩码)
		if scan(maxLimit, c.maskL) {
			continue
		}
		// C. 强制切分
		cutPoints = append(cutPoints, maxLimit)
		offset = maxLimit
	}

	return cutPoints
}

// Split 按切点返回子切片 (共享 data 的底层数组)
func (c *Chunker) Split(data []byte) [][]byte {
	cuts := c.Cut(data)
	chunks := make([][]byte, 0, len(cuts))
	start := 0
	for _, end := range cuts {
		chunks = append(chunks, data[start:end])
		start = end
	}
	return chunks
}
