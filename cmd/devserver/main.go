package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/annel0/voxelmesh/internal/config"
	"github.com/annel0/voxelmesh/internal/devserver"
	"github.com/annel0/voxelmesh/internal/logging"
	"github.com/annel0/voxelmesh/internal/metrics"
)

func main() {
	configPath := flag.String("config", "", "путь к YAML-конфигурации")
	seed := flag.Int64("seed", 42, "сид генератора рельефа")
	dataDir := flag.String("data", "data", "каталог журнала правок")
	flag.Parse()

	logger := logging.GetServerLogger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Ошибка чтения конфигурации: %v", err)
	}
	if cfg == nil {
		cfg = &config.Config{}
	}

	tcpAddr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.GetTCPPort())
	udpAddr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.GetUDPPort())
	logger.Info("📡 Конфигурация: TCP=%s, UDP=%s, seed=%d, data=%s", tcpAddr, udpAddr, *seed, *dataDir)

	// Prometheus endpoint
	if cfg.Metrics.Enabled {
		port := cfg.Metrics.GetMetricsPort()
		go func() {
			logger.Info("📊 Метрики: http://localhost:%d/metrics", port)
			if err := metrics.Serve(port); err != nil {
				logger.Error("Metrics endpoint: %v", err)
			}
		}()
	}

	srv, err := devserver.NewServer(devserver.Config{
		TCPAddr: tcpAddr,
		UDPAddr: udpAddr,
		Seed:    *seed,
		DataDir: *dataDir,
	})
	if err != nil {
		log.Fatalf("❌ Ошибка создания сервера: %v", err)
	}

	if err := srv.Start(context.Background()); err != nil {
		log.Fatalf("❌ Ошибка запуска сервера: %v", err)
	}

	logger.Info("✅ Сервер готов принимать соединения")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("📡 Получен сигнал %v, завершение работы...", sig)

	if err := srv.Stop(); err != nil {
		logger.Error("Ошибка остановки сервера: %v", err)
	}
	logger.Info("👋 Сервер остановлен")
}
