package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"dual-grid-bot-go/internal/config"
	"dual-grid-bot-go/internal/connector"
	"dual-grid-bot-go/internal/controller"
	"dual-grid-bot-go/internal/logger"
	"dual-grid-bot-go/internal/models"
	"dual-grid-bot-go/internal/persistence"

	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the config file")
	flag.Parse()

	// 先用默认配置初始化日志，保证加载 .env 和配置文件时就有日志可用
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	// 使用文件中的配置重新初始化日志
	logger.InitLogger(cfg.Log)
	defer logger.S().Sync()

	// 双账户凭证: A 账户运行多头网格, B 账户运行空头网格
	keyA, secretA := os.Getenv("ACCOUNT_A_API_KEY"), os.Getenv("ACCOUNT_A_API_SECRET")
	keyB, secretB := os.Getenv("ACCOUNT_B_API_KEY"), os.Getenv("ACCOUNT_B_API_SECRET")
	if keyA == "" || secretA == "" || keyB == "" || secretB == "" {
		logger.S().Fatal("错误：ACCOUNT_A_API_KEY/SECRET 和 ACCOUNT_B_API_KEY/SECRET 环境变量必须被设置。")
	}
	if keyA == keyB {
		logger.S().Fatal("错误：两个账户的API密钥相同，对冲网格必须运行在两个独立账户上。")
	}

	if cfg.IsTestnet {
		logger.S().Info("正在使用币安测试网...")
	} else {
		logger.S().Info("正在使用币安生产网...")
	}

	connA, err := connector.NewLiveConnector("A", cfg.Symbol, keyA, secretA, cfg, logger.Named("A"))
	if err != nil {
		logger.S().Fatalf("初始化账户 A 连接器失败: %v", err)
	}
	connB, err := connector.NewLiveConnector("B", cfg.Symbol, keyB, secretB, cfg, logger.Named("B"))
	if err != nil {
		logger.S().Fatalf("初始化账户 B 连接器失败: %v", err)
	}

	var repo persistence.StateRepository
	if cfg.DBPath != "" {
		repo, err = persistence.NewBadgerRepository(cfg.DBPath)
		if err != nil {
			logger.S().Fatalf("打开状态数据库失败: %v", err)
		}
		defer repo.Close()
	}

	ctrl := controller.New(cfg, connA, connB, repo, logger.S())
	if err := ctrl.Start(context.Background()); err != nil {
		logger.S().Fatalf("策略启动失败: %v", err)
	}

	// 等待中断信号或监控检测到的致命问题
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.S().Infof("收到信号 %s，开始优雅停机...", sig)
	case err := <-ctrl.Done():
		logger.S().Errorf("监控触发停机: %v", err)
	}

	if err := ctrl.Stop(); err != nil {
		// 停机清理失败意味着可能存在未对冲的残留敞口，必须以非零码退出并大声报告。
		// os.Exit 不会执行 defer，最后一份状态快照和日志要在这里显式落盘。
		logger.S().Errorf("停机清理未完全成功，请立即人工检查账户: %v", err)
		if repo != nil {
			if cerr := repo.Close(); cerr != nil {
				logger.S().Errorf("关闭状态数据库失败: %v", cerr)
			}
		}
		logger.S().Sync()
		os.Exit(1)
	}
	logger.S().Info("机器人已成功停止，两个账户均已清理干净。")
}
