package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"versionstore/pkg/app"
	"versionstore/pkg/config"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	// 全局应用实例，供子命令使用
	VST *app.App
)

// NewRootCmd 构造完整的命令树
// 每次调用都是新的 flag 状态，测试里可以反复执行
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "vst",
		Short:         "versionstore: content-addressed versioned object store",
		SilenceUsage:  true,
		SilenceErrors: true,
		// PersistentPreRunE 会在所有子命令执行前运行
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := setupLogger(viper.GetString("log.level")); err != nil {
				return err
			}
			// 已注入 (测试) 时直接复用
			if VST != nil {
				return nil
			}
			a, err := app.NewApp(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to initialize versionstore: %w", err)
			}
			VST = a
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.vst/config.yaml)")
	flags.String("backend", "", "storage backend (inmemory, disk, sqlite, postgres, redis, s3)")
	flags.String("repo", "", "repository id")
	flags.String("log-level", "", "log level (debug, info, warn, error)")

	// 用户既可以在 yaml 里写，也可以用 flag 覆盖
	for flag, key := range map[string]string{
		"backend":   config.KeyBackendType,
		"repo":      config.KeyRepositoryID,
		"log-level": "log.level",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}

	root.AddCommand(
		newRefsCmd(),
		newCommitCmd(),
		newLogCmd(),
		newKeysCmd(),
		newDiffCmd(),
		newCatCmd(),
		newScanCmd(),
		newPutCmd(),
		newImportCmd(),
		newGetCmd(),
		newEraseCmd(),
	)
	return root
}

// Execute 是入口
func Execute() error {
	cobra.OnInitialize(initConfig)
	defer func() {
		if VST != nil {
			_ = VST.Close()
		}
	}()
	return NewRootCmd().ExecuteContext(context.Background())
}

// initConfig 读取配置文件和环境变量
func initConfig() {
	if err := config.Load(cfgFile); err != nil {
		fmt.Fprintln(os.Stderr, "Config error:", err)
		os.Exit(1)
	}
}

func setupLogger(level string) error {
	var lvl slog.Level
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
	return nil
}
