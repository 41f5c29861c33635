package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"o3chat/internal/blob"
	"o3chat/internal/config"
	"o3chat/internal/db"
	clog "o3chat/internal/log"
	"o3chat/internal/server"
	"o3chat/internal/service"
	"o3chat/internal/session"
	"o3chat/internal/store"
	"o3chat/internal/ws"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var version = "dev"

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "o3chat",
		Short:        "Realtime one-to-one chat server",
		Version:      version,
		SilenceUsage: true,
		// 不带子命令时等同于 serve
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), loadConfig(configPath))
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (overrides APP_CONFIG_FILE)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the HTTP and WebSocket server",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cmd.Context(), loadConfig(configPath))
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create or update the database schema and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg := loadConfig(configPath)
				gdb, err := open(cfg)
				if err != nil {
					return err
				}
				log.Info().Str("driver", cfg.DatabaseDriver).Msg("schema up to date")
				return closeDB(gdb)
			},
		},
	)
	return root
}

func loadConfig(path string) config.Config {
	if path != "" {
		_ = os.Setenv("APP_CONFIG_FILE", path)
	}
	cfg := config.Load()
	clog.Init(cfg.Env)
	return cfg
}

func open(cfg config.Config) (*gorm.DB, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	gdb, err := db.Connect(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	if err := db.Migrate(gdb); err != nil {
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	return gdb, nil
}

func closeDB(gdb *gorm.DB) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// runServe 组装各组件并启动服务，收到 SIGINT/SIGTERM 后优雅退出。
func runServe(ctx context.Context, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := open(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeDB(gdb) }()

	var images blob.Store
	if cfg.Blob.Bucket != "" {
		s3, err := blob.NewS3Store(ctx, cfg.Blob)
		if err != nil {
			return fmt.Errorf("blob store: %w", err)
		}
		images = s3
	} else {
		log.Warn().Msg("BLOB_BUCKET not set, image upload disabled")
	}

	messages := store.NewGormStore(gdb)
	registry := session.NewRegistry()
	accounts := service.NewAccountService(gdb, cfg)
	chats := service.NewChatList(messages, accounts, registry, cfg.Router.PreviewRunes)
	router := service.NewRouter(messages, registry, chats, cfg.Router)
	hub := ws.NewHub(registry, router, chats, accounts, cfg.WS)

	engine, stopLimiter := server.SetupRouter(cfg, server.Deps{Accounts: accounts, Router: router, Hub: hub, Images: images})
	// 在 Shutdown 返回之后执行
	defer stopLimiter()
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.Env).Str("version", version).Msg("server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server run: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// 已升级的 WebSocket 连接不受 Shutdown 管理，进程退出时随之断开，客户端重连后从历史补齐
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
