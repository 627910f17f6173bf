// Package transport управляет тремя логическими каналами к серверу мира:
// надёжный канал запросов, надёжный канал рассылки и ненадёжный
// датаграммный канал. Владеет жизненным циклом соединений и
// восстановлением после повреждения потока.
package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/annel0/voxelmesh/internal/logging"
	"github.com/annel0/voxelmesh/internal/metrics"
	"github.com/annel0/voxelmesh/internal/nettrace"
	"github.com/annel0/voxelmesh/internal/protocol"
	"github.com/annel0/voxelmesh/internal/vec"
)

// Config содержит конфигурацию транспорта
type Config struct {
	TCPAddr string // Адрес каналов запросов и рассылки
	UDPAddr string // Адрес датаграммного канала

	MaxRetries  int           // Лимит повторов одного запроса
	BackoffStep time.Duration // Шаг линейного backoff (задержка = попытка * шаг)
	DialTimeout time.Duration

	BufferSize int // Размер буферов каналов рассылки и датаграмм
}

// DefaultConfig возвращает конфигурацию транспорта по умолчанию
func DefaultConfig(tcpAddr, udpAddr string) *Config {
	return &Config{
		TCPAddr:     tcpAddr,
		UDPAddr:     udpAddr,
		MaxRetries:  3,
		BackoffStep: 100 * time.Millisecond,
		DialTimeout: 10 * time.Second,
		BufferSize:  256,
	}
}

// ChannelStats содержит статистику одного канала
type ChannelStats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
}

// conns одно поколение соединений. Циклы приёма привязаны к своему
// поколению и не переживают переподключение.
type conns struct {
	req       net.Conn
	reqReader *bufio.Reader
	reqWriter *bufio.Writer
	bcast     net.Conn
	udp       net.Conn
	wg        sync.WaitGroup
}

// close разрывает все соединения поколения
func (c *conns) close() {
	c.req.Close()
	c.bcast.Close()
	c.udp.Close()
}

// Transport владеет тремя соединениями к одному серверу.
// Потокобезопасен; канал запросов защищён однослотовым гейтом —
// одновременно в полёте ровно один запрос.
type Transport struct {
	config *Config
	logger *logging.Logger
	mets   *metrics.NetMetrics
	tracer trace.Tracer

	// Опциональная запись трафика для отладки
	recorder *nettrace.Recorder

	// Гейт канала запросов: строгая очередь запрос/ответ
	requestGate chan struct{}

	// Гейт соединений: ленивое (пере)установление
	connMu  sync.Mutex
	current *conns

	broadcasts chan *protocol.BlockModification
	datagrams  chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	reqStats   ChannelStats
	bcastStats ChannelStats
	udpStats   ChannelStats

	reconnects uint64
}

// New создаёт транспорт. Соединения устанавливаются лениво,
// при первой операции.
func New(config *Config, logger *logging.Logger) *Transport {
	ctx, cancel := context.WithCancel(context.Background())

	gate := make(chan struct{}, 1)
	gate <- struct{}{}

	return &Transport{
		config:      config,
		logger:      logger,
		mets:        metrics.Get(),
		tracer:      otel.Tracer("voxelmesh/transport"),
		requestGate: gate,
		broadcasts:  make(chan *protocol.BlockModification, config.BufferSize),
		datagrams:   make(chan []byte, config.BufferSize),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetRecorder включает запись трафика в файл трассировки
func (tr *Transport) SetRecorder(rec *nettrace.Recorder) {
	tr.recorder = rec
}

// Broadcasts возвращает канал принятых broadcast-правок
func (tr *Transport) Broadcasts() <-chan *protocol.BlockModification {
	return tr.broadcasts
}

// Datagrams возвращает канал принятых датаграмм (сырые полезные нагрузки)
func (tr *Transport) Datagrams() <-chan []byte {
	return tr.datagrams
}

// Close разрывает все соединения и останавливает циклы приёма
func (tr *Transport) Close() error {
	tr.cancel()
	tr.teardown()
	return nil
}

// IsConnected проверяет состояние соединений
func (tr *Transport) IsConnected() bool {
	tr.connMu.Lock()
	defer tr.connMu.Unlock()
	return tr.current != nil
}

// Reconnects возвращает число переподключений с момента создания
func (tr *Transport) Reconnects() uint64 {
	return atomic.LoadUint64(&tr.reconnects)
}

// RequestStats возвращает статистику канала запросов
func (tr *Transport) RequestStats() ChannelStats {
	return ChannelStats{
		PacketsSent:     atomic.LoadUint64(&tr.reqStats.PacketsSent),
		PacketsReceived: atomic.LoadUint64(&tr.reqStats.PacketsReceived),
		BytesSent:       atomic.LoadUint64(&tr.reqStats.BytesSent),
		BytesReceived:   atomic.LoadUint64(&tr.reqStats.BytesReceived),
	}
}

// RequestChunk запрашивает чанк и читает два подряд идущих кадра ответа:
// меш отрисовки и меш коллизий. Кадры одного запроса всегда приходят
// смежно — гейт исключает чередование с другими запросами.
func (tr *Transport) RequestChunk(ctx context.Context, coords vec.Vec3) (*protocol.RenderMesh, *protocol.CollisionMesh, error) {
	ctx, span := tr.tracer.Start(ctx, "transport.request_chunk")
	defer span.End()

	var render *protocol.RenderMesh
	var collision *protocol.CollisionMesh

	err := tr.withRequestGate(ctx, "chunk request", func(c *conns) error {
		req := &protocol.ChunkRequest{Coords: coords}
		if err := tr.writeRequest(c, req.Encode()); err != nil {
			return err
		}

		renderRaw, err := tr.readResponse(c)
		if err != nil {
			return err
		}
		collisionRaw, err := tr.readResponse(c)
		if err != nil {
			return err
		}

		render, err = protocol.DecodeRenderMesh(renderRaw)
		if err != nil {
			return err
		}
		collision, err = protocol.DecodeCollisionMesh(collisionRaw)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return render, collision, nil
}

// SendModification отправляет правку блока на канале запросов.
// Подтверждением служит broadcast авторитетной правки от сервера.
func (tr *Transport) SendModification(ctx context.Context, mod *protocol.BlockModification) error {
	ctx, span := tr.tracer.Start(ctx, "transport.send_modification")
	defer span.End()

	return tr.withRequestGate(ctx, "send modification", func(c *conns) error {
		return tr.writeRequest(c, mod.Encode())
	})
}

// SendDatagram отправляет датаграмму. Потеря не является ошибкой:
// следующее периодическое обновление вытеснит устаревшее.
func (tr *Transport) SendDatagram(payload []byte) error {
	c, err := tr.ensureConnected()
	if err != nil {
		return err
	}

	if _, err := c.udp.Write(payload); err != nil {
		// Датаграммный канал best-effort: логируем и продолжаем
		tr.logger.Debug("Datagram send failed: %v", err)
		return nil
	}

	atomic.AddUint64(&tr.udpStats.PacketsSent, 1)
	atomic.AddUint64(&tr.udpStats.BytesSent, uint64(len(payload)))
	tr.mets.Datagrams.WithLabelValues("out").Inc()
	return nil
}

// withRequestGate выполняет операцию на канале запросов под гейтом,
// с политикой повторов: повреждение потока или обрыв соединения
// приводят к полному переподключению и повтору с линейным backoff.
// Исчерпание повторов фатально только для этого запроса —
// вызывающая сторона решает, отбросить его или поставить заново.
func (tr *Transport) withRequestGate(ctx context.Context, op string, fn func(*conns) error) error {
	select {
	case <-tr.requestGate:
	case <-ctx.Done():
		return ctx.Err()
	case <-tr.ctx.Done():
		return protocol.ConnClosed(op, fmt.Errorf("transport closed"))
	}
	defer func() { tr.requestGate <- struct{}{} }()

	var lastErr error
	for attempt := 1; attempt <= tr.config.MaxRetries; attempt++ {
		c, err := tr.ensureConnected()
		if err != nil {
			lastErr = err
		} else {
			err := fn(c)
			if err == nil {
				return nil
			}
			if !protocol.IsRecoverable(err) {
				return err
			}
			lastErr = err
		}

		tr.logger.Warn("%s failed (attempt %d/%d): %v", op, attempt, tr.config.MaxRetries, lastErr)

		// Повреждение лечится только полным переподключением всех каналов
		tr.teardown()

		backoff := time.Duration(attempt) * tr.config.BackoffStep
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		case <-tr.ctx.Done():
			return protocol.ConnClosed(op, fmt.Errorf("transport closed"))
		}
	}

	return protocol.RetriesExhausted(op, lastErr)
}

// writeRequest пишет кадр на канал запросов
func (tr *Transport) writeRequest(c *conns, payload []byte) error {
	if err := protocol.WriteFrame(c.reqWriter, payload); err != nil {
		return err
	}

	atomic.AddUint64(&tr.reqStats.PacketsSent, 1)
	atomic.AddUint64(&tr.reqStats.BytesSent, uint64(len(payload)+4))

	if tr.recorder != nil {
		tr.recorder.Append(nettrace.DirOut, payload)
	}
	return nil
}

// readResponse читает кадр ответа с канала запросов
func (tr *Transport) readResponse(c *conns) ([]byte, error) {
	payload, err := protocol.ReadFrame(c.reqReader)
	if err != nil {
		return nil, err
	}

	atomic.AddUint64(&tr.reqStats.PacketsReceived, 1)
	atomic.AddUint64(&tr.reqStats.BytesReceived, uint64(len(payload)+4))

	if tr.recorder != nil {
		tr.recorder.Append(nettrace.DirIn, payload)
	}
	return payload, nil
}

// ensureConnected лениво устанавливает все три соединения.
// Зависимые операции блокируются на connMu до завершения установки.
func (tr *Transport) ensureConnected() (*conns, error) {
	tr.connMu.Lock()
	defer tr.connMu.Unlock()

	if tr.current != nil {
		return tr.current, nil
	}
	return tr.establishLocked()
}

// establishLocked устанавливает соединения строго последовательно:
// канал запросов, канал рассылки (с маркером регистрации), датаграммный сокет.
// Вызывается под connMu.
func (tr *Transport) establishLocked() (*conns, error) {
	select {
	case <-tr.ctx.Done():
		return nil, protocol.ConnClosed("connect", fmt.Errorf("transport closed"))
	default:
	}

	reqConn, err := net.DialTimeout("tcp", tr.config.TCPAddr, tr.config.DialTimeout)
	if err != nil {
		return nil, protocol.ConnClosed("dial request channel", err)
	}

	bcastConn, err := net.DialTimeout("tcp", tr.config.TCPAddr, tr.config.DialTimeout)
	if err != nil {
		reqConn.Close()
		return nil, protocol.ConnClosed("dial broadcast channel", err)
	}

	// Маркер регистрации: сервер классифицирует соединение как
	// слушателя рассылки, а не канал запросов
	if _, err := bcastConn.Write([]byte{protocol.BroadcastMarker}); err != nil {
		reqConn.Close()
		bcastConn.Close()
		return nil, protocol.ConnClosed("register broadcast channel", err)
	}

	udpConn, err := net.Dial("udp", tr.config.UDPAddr)
	if err != nil {
		reqConn.Close()
		bcastConn.Close()
		return nil, protocol.ConnClosed("dial datagram channel", err)
	}

	c := &conns{
		req:       reqConn,
		reqReader: bufio.NewReader(reqConn),
		reqWriter: bufio.NewWriter(reqConn),
		bcast:     bcastConn,
		udp:       udpConn,
	}
	tr.current = c

	c.wg.Add(2)
	go tr.broadcastLoop(c)
	go tr.datagramLoop(c)

	tr.logger.Info("Transport connected: tcp=%s udp=%s", tr.config.TCPAddr, tr.config.UDPAddr)
	return c, nil
}

// teardown закрывает текущее поколение соединений и дожидается
// выхода его циклов приёма
func (tr *Transport) teardown() {
	tr.connMu.Lock()
	c := tr.current
	tr.current = nil
	tr.connMu.Unlock()

	if c == nil {
		return
	}

	c.close()
	c.wg.Wait()

	atomic.AddUint64(&tr.reconnects, 1)
	tr.mets.Reconnects.Inc()
	tr.logger.Info("Transport connections closed")
}

// broadcastLoop принимает кадры рассылки до обрыва соединения.
// Обрыв не фатален: переподключение произойдёт лениво при следующем запросе.
func (tr *Transport) broadcastLoop(c *conns) {
	defer c.wg.Done()

	reader := bufio.NewReader(c.bcast)
	for {
		payload, err := protocol.ReadFrame(reader)
		if err != nil {
			select {
			case <-tr.ctx.Done():
			default:
				tr.logger.Debug("Broadcast channel closed: %v", err)
			}
			return
		}

		atomic.AddUint64(&tr.bcastStats.PacketsReceived, 1)
		atomic.AddUint64(&tr.bcastStats.BytesReceived, uint64(len(payload)+4))

		if tr.recorder != nil {
			tr.recorder.Append(nettrace.DirBroadcast, payload)
		}

		mod, err := protocol.DecodeBlockModification(payload)
		if err != nil {
			tr.logger.Warn("Malformed broadcast frame: %v", err)
			continue
		}

		tr.mets.Broadcasts.Inc()
		select {
		case tr.broadcasts <- mod:
		default:
			tr.logger.Warn("Broadcast buffer full, dropping message")
		}
	}
}

// datagramLoop принимает датаграммы до закрытия сокета
func (tr *Transport) datagramLoop(c *conns) {
	defer c.wg.Done()

	buffer := make([]byte, 2048)
	for {
		n, err := c.udp.Read(buffer)
		if err != nil {
			select {
			case <-tr.ctx.Done():
			default:
				tr.logger.Debug("Datagram socket closed: %v", err)
			}
			return
		}

		atomic.AddUint64(&tr.udpStats.PacketsReceived, 1)
		atomic.AddUint64(&tr.udpStats.BytesReceived, uint64(n))
		tr.mets.Datagrams.WithLabelValues("in").Inc()

		payload := make([]byte, n)
		copy(payload, buffer[:n])

		select {
		case tr.datagrams <- payload:
		default:
			// Датаграммы вытесняемы по определению
		}
	}
}
