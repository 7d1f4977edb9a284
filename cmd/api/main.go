package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chat-realtime/internal/grpcclient"
	"chat-realtime/internal/platform/config"
	"chat-realtime/internal/platform/driver"
	"chat-realtime/internal/platform/logger"
	"chat-realtime/internal/platform/server"
	"chat-realtime/internal/storage/database"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	envName    string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chat-realtime",
		Short:         "Real-time 1:1 messaging server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// .env 不存在時忽略
			_ = godotenv.Load(".env")
			if configPath != "" {
				if err := os.Setenv("CONFIG_PATH", configPath); err != nil {
					return err
				}
			}
			if envName != "" {
				config.SetEnv(envName)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML config file (overrides CONFIG_PATH)")
	root.PersistentFlags().StringVar(&envName, "env", "", "config name under ./configs (default \"local\")")

	serve := newServeCmd()
	root.AddCommand(serve, newPlanCmd(), newProbeCmd())
	// 未指定子命令時啟動服務
	root.RunE = serve.RunE
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP, websocket and admin gRPC servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			// 日誌輪轉參數來自設定檔，先載入設定
			if err := config.Load(); err != nil {
				return fmt.Errorf("載入設定失敗: %w", err)
			}
			if err := logger.InitLogger(); err != nil {
				return err
			}
			defer logger.CloseLogger()
			logger.LogInfof("設定載入成功，環境: %s", config.GetEnv())

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return server.Start(ctx, config.Get())
		},
	}
}

func newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Run the automated message planner once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Load(); err != nil {
				return fmt.Errorf("載入設定失敗: %w", err)
			}
			if err := logger.InitLogger(); err != nil {
				return err
			}
			defer logger.CloseLogger()
			cfg := config.Get()

			if err := driver.InitMongo(cfg.Database.Mongo); err != nil {
				return err
			}
			defer func() {
				if err := driver.CloseMongo(); err != nil {
					logger.LogErrorf("關閉 MongoDB 連接失敗: %v", err)
				}
			}()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			repos, err := database.NewRepositories(ctx, driver.GetMongoDatabase())
			if err != nil {
				return err
			}
			n, err := server.NewPlanner(cfg, repos).Plan(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "planned %d automated messages\n", n)
			return nil
		},
	}
}

func newProbeCmd() *cobra.Command {
	var (
		address    string
		service    string
		caFile     string
		serverName string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Query the admin gRPC health service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgTLS := false
			if address == "" {
				if err := config.Load(); err != nil {
					return err
				}
				cfg := config.Get()
				address = net.JoinHostPort(cfg.GRPC.Host, cfg.GRPC.Port)
				cfgTLS = cfg.Security.TLS.Enabled
				if caFile == "" {
					caFile = cfg.Security.TLS.CAFile
				}
			}

			conn, err := grpcclient.Dial(grpcclient.Config{
				Address:    address,
				TLSEnabled: cfgTLS || caFile != "",
				CAFile:     caFile,
				ServerName: serverName,
			})
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if service != "" {
				resp, err := grpcclient.Probe(ctx, conn, service)
				if err != nil {
					return err
				}
				out, err := grpcclient.FormatJSON(resp)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), out)
				return nil
			}

			statuses, err := grpcclient.ProbeAll(ctx, conn, "mongo", "redis")
			if err != nil {
				return err
			}
			for _, name := range []string{"", "mongo", "redis"} {
				label := name
				if label == "" {
					label = "overall"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-8s %s\n", label, statuses[name])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&address, "addr", "", "admin gRPC address (defaults to grpc.host:grpc.port from config)")
	cmd.Flags().StringVar(&service, "service", "", "single service to check; prints the raw response as JSON")
	cmd.Flags().StringVar(&caFile, "ca", "", "CA certificate for TLS")
	cmd.Flags().StringVar(&serverName, "server-name", "", "TLS server name override")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "probe timeout")
	return cmd
}
