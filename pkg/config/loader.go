package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀: VST_STORE_REPOSITORY_ID 覆盖 store.repository-id
const EnvPrefix = "VST"

// Load 初始化 Viper 配置
// cfgFile: 可选，用户显式指定的配置文件路径
func Load(cfgFile string) error {
	// 1. 设置默认值 (Defaults)
	SetDefaults(viper.GetViper())

	// 2. 配置搜索路径
	if cfgFile != "" {
		// 如果用户指定了文件，直接使用
		viper.SetConfigFile(cfgFile)
	} else {
		// 否则按优先级搜索: 当前目录 -> ./.vst -> ~/.vst
		viper.AddConfigPath(".")
		viper.AddConfigPath(".vst")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".vst"))
		}

		viper.SetConfigType("yaml")
		viper.SetConfigName("config") // 找 config.yaml
	}

	// 3. 读取环境变量 (VST_BACKEND_TYPE 等)
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	// 4. 读取配置文件
	if err := viper.ReadInConfig(); err != nil {
		// 没找到配置文件不算错 (可能全靠环境变量)，格式错误才是错
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			slog.Debug("no config file found, using defaults and env vars")
		} else {
			return fmt.Errorf("fatal error config file: %w", err)
		}
	} else {
		slog.Debug("using config file", "path", viper.ConfigFileUsed())
	}

	return nil
}

// SetDefaults 写入全部默认值
func SetDefaults(v *viper.Viper) {
	// 存储引擎默认值
	v.SetDefault(KeyRepositoryID, "")
	v.SetDefault(KeyMaxIncrementalIndexSize, DefaultMaxIncrementalIndexSize)
	v.SetDefault(KeyMaxSerializedIndexSize, DefaultMaxSerializedIndexSize)
	v.SetDefault(KeyParentsPerCommit, DefaultParentsPerCommit)
	v.SetDefault(KeyReferencePreviousHeadCount, DefaultReferencePreviousHeadCount)

	// 后端默认值
	v.SetDefault(KeyBackendType, "inmemory")
	wd, _ := os.Getwd()
	v.SetDefault("backend.disk.path", filepath.Join(wd, ".vst", "objects"))
	v.SetDefault("backend.sqlite.dsn", filepath.Join(wd, ".vst", "store.db"))
	v.SetDefault("backend.postgres.host", "localhost")
	v.SetDefault("backend.postgres.port", 5432)
	v.SetDefault("backend.postgres.sslmode", "disable")
	v.SetDefault("backend.redis.url", "redis://localhost:6379/0")

	// 对象缓存默认关闭
	v.SetDefault(KeyCacheURL, "")
	v.SetDefault("cache.ttl", "24h")
	v.SetDefault("cache.max-record-size", 64*1024)

	v.SetDefault("log.level", "info")
}

// BackendSub 返回某个后端的配置子树，没有配置时返回一个空的 viper (而不是 nil)
func BackendSub(v *viper.Viper, name string) *viper.Viper {
	if sub := v.Sub("backend." + name); sub != nil {
		return sub
	}
	return viper.New()
}
