package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"docuvector-go/internal/app"
	"docuvector-go/internal/config"
	"docuvector-go/pkg/log"
)

var (
	configPath string
	verbose    bool

	// openApp 创建进程内的服务，测试中会被替换
	openApp = func(ctx context.Context, cfg *config.Config) (*app.App, error) {
		return app.New(ctx, cfg)
	}
)

var rootCmd = &cobra.Command{
	Use:           "docuctl",
	Short:         "Manage the document index from the command line",
	Long:          `docuctl ingests, searches and deletes documents using the same pipeline and backends as the server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./configs/config.yaml", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log pipeline progress to stderr")
}

// withApp 加载配置、装配服务并在 fn 返回后关闭。
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	if verbose {
		log.Init("debug", "console", "")
	} else {
		log.Use(zap.NewNop())
	}
	defer log.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
