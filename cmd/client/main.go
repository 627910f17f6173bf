package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/annel0/voxelmesh/internal/client"
	"github.com/annel0/voxelmesh/internal/config"
	"github.com/annel0/voxelmesh/internal/logging"
	"github.com/annel0/voxelmesh/internal/metrics"
	"github.com/annel0/voxelmesh/internal/protocol"
	"github.com/annel0/voxelmesh/internal/vec"
)

// statsSink считает меши вместо отрисовки: демо-клиент без рендерера
type statsSink struct {
	mu     sync.Mutex
	meshes map[vec.Vec3]uint32 // координата -> число вершин
}

func newStatsSink() *statsSink {
	return &statsSink{meshes: make(map[vec.Vec3]uint32)}
}

func (ss *statsSink) ApplyMesh(coords vec.Vec3, render *protocol.RenderMesh, collision *protocol.CollisionMesh) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.meshes[coords] = render.VertexCount
}

func (ss *statsSink) ClearMesh(coords vec.Vec3) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	delete(ss.meshes, coords)
}

func (ss *statsSink) totals() (int, uint64) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	var vertices uint64
	for _, count := range ss.meshes {
		vertices += uint64(count)
	}
	return len(ss.meshes), vertices
}

func main() {
	configPath := flag.String("config", "", "путь к YAML-конфигурации")
	distance := flag.Int("distance", 4, "дистанция отрисовки в чанках")
	trace := flag.String("trace", "", "путь файла трассировки трафика")
	flag.Parse()

	logger := logging.GetClientLogger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Ошибка чтения конфигурации: %v", err)
	}
	if cfg == nil {
		cfg = &config.Config{}
	}
	if cfg.Stream.RenderDistance > 0 {
		*distance = cfg.Stream.RenderDistance
	}
	tracePath := *trace
	if tracePath == "" && cfg.Trace.Enabled {
		tracePath = cfg.Trace.Path
	}

	tcpAddr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.GetTCPPort())
	udpAddr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.GetUDPPort())

	if cfg.Metrics.Enabled {
		port := cfg.Metrics.GetMetricsPort()
		go func() {
			if err := metrics.Serve(port); err != nil {
				logger.Error("Metrics endpoint: %v", err)
			}
		}()
	}

	sink := newStatsSink()
	c, err := client.New(client.Config{
		ServerTCPAddr:  tcpAddr,
		ServerUDPAddr:  udpAddr,
		RenderDistance: *distance,
		TracePath:      tracePath,
	}, sink)
	if err != nil {
		log.Fatalf("❌ Ошибка создания клиента: %v", err)
	}

	if err := c.Start(context.Background()); err != nil {
		log.Fatalf("❌ Ошибка запуска клиента: %v", err)
	}
	logger.Info("✅ Клиент %s подключается к %s / %s, дистанция %d",
		c.SessionID(), tcpAddr, udpAddr, *distance)

	c.OnPositionAck(func(ack *protocol.PositionAck) {
		logger.Trace("Ack seq=%d pos=(%.1f,%.1f,%.1f)", ack.AckSeq, ack.Position.X, ack.Position.Y, ack.Position.Z)
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Синтетическая точка обзора ходит по кругу радиусом 80 единиц
	moveTicker := time.NewTicker(50 * time.Millisecond)
	defer moveTicker.Stop()
	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()

	start := time.Now()
loop:
	for {
		select {
		case <-moveTicker.C:
			t := time.Since(start).Seconds() * 0.1
			pos := vec.Vec3Float{
				X: float32(80 * math.Cos(t)),
				Y: 24,
				Z: float32(80 * math.Sin(t)),
			}
			vel := vec.Vec3Float{
				X: float32(-8 * math.Sin(t)),
				Z: float32(8 * math.Cos(t)),
			}
			c.UpdatePosition(pos, vel, float32(t*180/math.Pi), 0)

		case <-statsTicker.C:
			meshes, vertices := sink.totals()
			logger.Info("📦 Чанков: %d, мешей: %d (%d вершин), переподключений: %d",
				c.LoadedChunks(), meshes, vertices, c.Reconnects())

		case sig := <-sigCh:
			logger.Info("📡 Получен сигнал %v, завершение работы...", sig)
			break loop
		}
	}

	if err := c.Stop(); err != nil {
		logger.Error("Ошибка остановки клиента: %v", err)
	}
	logger.Info("👋 Клиент остановлен")
}
