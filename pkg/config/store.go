package config

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"
)

var ErrInvalidConfig = errors.New("invalid store config")

const (
	KeyRepositoryID               = "store.repository-id"
	KeyMaxIncrementalIndexSize    = "store.max-incremental-index-size"
	KeyMaxSerializedIndexSize     = "store.max-serialized-index-size"
	KeyParentsPerCommit           = "store.parents-per-commit"
	KeyReferencePreviousHeadCount = "store.reference-previous-head-count"
	KeyBackendType                = "backend.type"

	// KeyCacheURL 非空时在后端前面加一层 Redis 对象缓存
	KeyCacheURL = "cache.url"
)

const (
	DefaultMaxIncrementalIndexSize    = 50 * 1024
	DefaultMaxSerializedIndexSize     = 200 * 1024
	DefaultParentsPerCommit           = 20
	DefaultReferencePreviousHeadCount = 20
)

// StoreConfig 是存储引擎的配置 (所有状态都按 RepositoryID 分区)
type StoreConfig struct {
	RepositoryID string

	// MaxIncrementalIndexSize 提交中增量索引的字节上限，超过后需要物化完整索引
	MaxIncrementalIndexSize int
	// MaxSerializedIndexSize 单个 IndexObj 的字节上限，超过后需要分段
	MaxSerializedIndexSize int

	// ParentsPerCommit tail 的长度
	ParentsPerCommit int
	// ReferencePreviousHeadCount 引用保留的历史指向数量
	ReferencePreviousHeadCount int
}

// Default 返回默认配置
func Default() StoreConfig {
	return StoreConfig{
		MaxIncrementalIndexSize:    DefaultMaxIncrementalIndexSize,
		MaxSerializedIndexSize:     DefaultMaxSerializedIndexSize,
		ParentsPerCommit:           DefaultParentsPerCommit,
		ReferencePreviousHeadCount: DefaultReferencePreviousHeadCount,
	}
}

// WithRepositoryID 返回修改了仓库 ID 的副本
func (c StoreConfig) WithRepositoryID(id string) StoreConfig {
	c.RepositoryID = id
	return c
}

func (c StoreConfig) Validate() error {
	switch {
	case c.MaxIncrementalIndexSize <= 0:
		return fmt.Errorf("%w: max incremental index size must be positive, got %d", ErrInvalidConfig, c.MaxIncrementalIndexSize)
	case c.MaxSerializedIndexSize <= 0:
		return fmt.Errorf("%w: max serialized index size must be positive, got %d", ErrInvalidConfig, c.MaxSerializedIndexSize)
	case c.ParentsPerCommit <= 0:
		return fmt.Errorf("%w: parents per commit must be positive, got %d", ErrInvalidConfig, c.ParentsPerCommit)
	case c.ReferencePreviousHeadCount < 0:
		return fmt.Errorf("%w: reference previous head count must not be negative, got %d", ErrInvalidConfig, c.ReferencePreviousHeadCount)
	}
	return nil
}

// StoreConfigFrom 从 viper 读取并校验配置
func StoreConfigFrom(v *viper.Viper) (StoreConfig, error) {
	SetDefaults(v)
	cfg := StoreConfig{
		RepositoryID:               v.GetString(KeyRepositoryID),
		MaxIncrementalIndexSize:    v.GetInt(KeyMaxIncrementalIndexSize),
		MaxSerializedIndexSize:     v.GetInt(KeyMaxSerializedIndexSize),
		ParentsPerCommit:           v.GetInt(KeyParentsPerCommit),
		ReferencePreviousHeadCount: v.GetInt(KeyReferencePreviousHeadCount),
	}
	if err := cfg.Validate(); err != nil {
		return StoreConfig{}, err
	}
	return cfg, nil
}
