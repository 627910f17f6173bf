// Package client собирает сетевое ядро клиента: транспорт, стриминг
// чанков, предсказание правок и синхронизацию позиций — один объект
// с жизненным циклом Start/Stop.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/annel0/voxelmesh/internal/blockmod"
	"github.com/annel0/voxelmesh/internal/chunkstream"
	"github.com/annel0/voxelmesh/internal/logging"
	"github.com/annel0/voxelmesh/internal/nettrace"
	"github.com/annel0/voxelmesh/internal/possync"
	"github.com/annel0/voxelmesh/internal/protocol"
	"github.com/annel0/voxelmesh/internal/transport"
	"github.com/annel0/voxelmesh/internal/vec"
)

// Config содержит конфигурацию клиентской сессии
type Config struct {
	ServerTCPAddr  string
	ServerUDPAddr  string
	RenderDistance int
	TracePath      string // Путь файла трассировки трафика; пусто — без записи
}

// Client одна клиентская сессия. Рендерер подключается через
// chunkstream.MeshSink: ядро не знает про отрисовку.
type Client struct {
	sessionID uuid.UUID
	logger    *logging.Logger

	transport *transport.Transport
	scheduler *chunkstream.Scheduler
	overlay   *blockmod.MemoryOverlay
	predictor *blockmod.Predictor
	syncer    *possync.Syncer
	recorder  *nettrace.Recorder

	running bool
	runMu   sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New собирает клиента. Соединение с сервером устанавливается лениво,
// при первой операции после Start.
func New(cfg Config, sink chunkstream.MeshSink) (*Client, error) {
	sessionID := uuid.New()
	logger := logging.GetClientLogger()

	tr := transport.New(transport.DefaultConfig(cfg.ServerTCPAddr, cfg.ServerUDPAddr), logger)

	var recorder *nettrace.Recorder
	if cfg.TracePath != "" {
		rec, err := nettrace.NewRecorder(cfg.TracePath)
		if err != nil {
			tr.Close()
			return nil, fmt.Errorf("open trace recorder: %w", err)
		}
		recorder = rec
		tr.SetRecorder(rec)
	}

	overlay := blockmod.NewMemoryOverlay()

	return &Client{
		sessionID: sessionID,
		logger:    logger,
		transport: tr,
		scheduler: chunkstream.NewScheduler(chunkstream.DefaultConfig(cfg.RenderDistance), tr, sink),
		overlay:   overlay,
		predictor: blockmod.NewPredictor(overlay, tr),
		syncer:    possync.NewSyncer(tr),
		recorder:  recorder,
	}, nil
}

// Start запускает планировщик и насосы входящих сообщений
func (c *Client) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.running {
		return fmt.Errorf("клиент уже запущен")
	}
	c.running = true
	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.scheduler.Start(c.ctx); err != nil {
		return err
	}

	c.wg.Add(2)
	go c.broadcastPump()
	go c.datagramPump()

	c.logger.Info("Client session %s started", c.sessionID)
	return nil
}

// Stop останавливает сессию: планировщик с грацией для незавершённых
// загрузок, затем транспорт
func (c *Client) Stop() error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if !c.running {
		return nil
	}
	c.running = false

	c.scheduler.Stop()
	c.cancel()
	c.transport.Close()
	c.wg.Wait()

	if c.recorder != nil {
		c.recorder.Close()
	}

	c.logger.Info("Client session %s stopped", c.sessionID)
	return nil
}

// SessionID возвращает идентификатор сессии
func (c *Client) SessionID() uuid.UUID { return c.sessionID }

// Overlay возвращает локальный оверлей правок
func (c *Client) Overlay() *blockmod.MemoryOverlay { return c.overlay }

// LoadedChunks возвращает число загруженных чанков
func (c *Client) LoadedChunks() int { return c.scheduler.LoadedCount() }

// Reconnects возвращает число переподключений транспорта
func (c *Client) Reconnects() uint64 { return c.transport.Reconnects() }

// OnPositionAck устанавливает обработчик авторитетных подтверждений
// позиции. Политика сверки dead-reckoning — на вызывающей стороне.
func (c *Client) OnPositionAck(handler possync.AckHandler) {
	c.syncer.OnAck(handler)
}

// OnEntityUpdate устанавливает обработчик снимков удалённых сущностей
func (c *Client) OnEntityUpdate(handler possync.EntityHandler) {
	c.syncer.OnEntity(handler)
}

// UpdatePosition сообщает ядру новую позицию игрока: двигает точку
// обзора стриминга и отправляет позицию серверу. Темп вызова задаёт
// игровой цикл.
func (c *Client) UpdatePosition(pos, vel vec.Vec3Float, yaw, pitch float32) {
	c.scheduler.SetViewpoint(pos)
	if _, err := c.syncer.SendPosition(pos, vel, yaw, pitch); err != nil {
		c.logger.Trace("Position update dropped: %v", err)
	}
}

// Mine предсказывает выкапывание блока и отправляет правку серверу
func (c *Client) Mine(pos vec.Vec3) error {
	_, err := c.predictor.Predict(c.context(), protocol.OpMine, pos, 0, 0, 0)
	return err
}

// Place предсказывает установку блока и отправляет правку серверу
func (c *Client) Place(pos vec.Vec3, blockType byte, rotation byte) error {
	_, err := c.predictor.Predict(c.context(), protocol.OpPlace, pos, blockType, rotation, 0)
	return err
}

// context возвращает контекст сессии; до Start — фоновый
func (c *Client) context() context.Context {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.ctx != nil {
		return c.ctx
	}
	return context.Background()
}

// ForceReloadChunk сбрасывает и перезагружает чанк с максимальным
// приоритетом
func (c *Client) ForceReloadChunk(coords vec.Vec3) {
	c.scheduler.ForceReload(coords)
}

// broadcastPump сводит каждую авторитетную правку с локальным
// состоянием и перезагружает затронутый чанк
func (c *Client) broadcastPump() {
	defer c.wg.Done()

	for {
		select {
		case mod := <-c.transport.Broadcasts():
			c.predictor.Reconcile(mod)
			// Перестраиваем только уже загруженный чанк: далёкие правки
			// не должны тянуть чанки за пределами дистанции отрисовки
			if chunk := mod.Pos.ToChunkCoords(); c.scheduler.IsLoaded(chunk) {
				c.scheduler.ForceReload(chunk)
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// datagramPump раскладывает входящие датаграммы по обработчикам
func (c *Client) datagramPump() {
	defer c.wg.Done()

	for {
		select {
		case payload := <-c.transport.Datagrams():
			c.syncer.Dispatch(payload)
		case <-c.ctx.Done():
			return
		}
	}
}

// KeepAliveInterval рекомендуемый период датаграмм поддержания
// NAT-маппинга при простое
const KeepAliveInterval = 10 * time.Second

// SendKeepAlive отправляет датаграмму поддержания NAT-маппинга
func (c *Client) SendKeepAlive() {
	if err := c.transport.SendDatagram([]byte{byte(protocol.MsgKeepAlive)}); err != nil {
		c.logger.Trace("Keep-alive dropped: %v", err)
	}
}
