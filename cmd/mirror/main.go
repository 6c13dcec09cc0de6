package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"trade-mirror/internal/app"
	"trade-mirror/internal/config"
	"trade-mirror/internal/log"
	"trade-mirror/internal/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "mirror",
	Short:         "Alice Blue 主账户成交镜像工具",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	rootCmd.AddCommand(serveCmd, sessionCmd, tradesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

// deps 汇总一次命令执行所需的依赖。
type deps struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
	app    *app.App
}

func bootstrap() (*deps, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	sqliteStore, err := store.NewSQLite(cfg.Database)
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}

	mirrorApp, err := app.New(cfg, logger, sqliteStore)
	if err != nil {
		_ = sqliteStore.Close()
		_ = logger.Sync()
		return nil, err
	}

	return &deps{
		cfg:    cfg,
		logger: logger,
		store:  sqliteStore,
		app:    mirrorApp,
	}, nil
}

func (r *deps) close() {
	if err := r.store.Close(); err != nil {
		r.logger.Warn("关闭数据库失败", zap.Error(err))
	}
	_ = r.logger.Sync()
}
