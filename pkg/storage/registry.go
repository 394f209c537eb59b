package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/spf13/viper"
)

var ErrUnknownBackend = errors.New("unknown backend")

// Factory 创建某一种后端
// 每个后端包在 init() 中调用 Register 注册自己
type Factory interface {
	// Name 唯一的后端名 (对应配置 backend.type)
	Name() string
	// NewConfig 返回一个指向默认配置的指针，Open 会把 viper 子树解码进去
	NewConfig() any
	// Build 用 NewConfig 返回的配置创建一个已连接的后端
	Build(ctx context.Context, cfg any) (Backend, error)
}

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register 注册一个后端工厂，重名直接 panic (与 database/sql 一致)
func Register(f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if f == nil {
		panic("storage: Register factory is nil")
	}
	if _, dup := factories[f.Name()]; dup {
		panic("storage: Register called twice for backend " + f.Name())
	}
	factories[f.Name()] = f
}

// Lookup 按名称查找工厂
func Lookup(name string) (Factory, error) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (registered: %v)", ErrUnknownBackend, name, namesLocked())
	}
	return f, nil
}

// Names 返回所有已注册的后端名 (有序)
func Names() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	return namesLocked()
}

func namesLocked() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Open 查找工厂，把 sub (可以为 nil) 解码到后端配置中，然后创建后端
func Open(ctx context.Context, name string, sub *viper.Viper) (Backend, error) {
	f, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	cfg := f.NewConfig()
	if sub != nil && cfg != nil {
		if err := sub.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("invalid %s backend config: %w", name, err)
		}
	}
	b, err := f.Build(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s backend: %w", name, err)
	}
	return b, nil
}
