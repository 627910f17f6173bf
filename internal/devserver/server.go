package devserver

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/annel0/voxelmesh/internal/logging"
	"github.com/annel0/voxelmesh/internal/metrics"
	"github.com/annel0/voxelmesh/internal/protocol"
)

// Config содержит конфигурацию dev-сервера
type Config struct {
	TCPAddr string // Адрес TCP-листенера ("127.0.0.1:0" — эфемерный порт)
	UDPAddr string // Адрес UDP-сокета
	Seed    int64  // Сид генератора рельефа
	DataDir string // Каталог журнала правок
}

// Server локальный сервер протокола: обслуживает запросы чанков,
// журналирует правки и рассылает их broadcast-слушателям.
// Один процесс — один мир.
type Server struct {
	cfg     Config
	terrain *Terrain
	journal *Journal
	logger  *logging.Logger
	mets    *metrics.NetMetrics

	ln  net.Listener
	udp *net.UDPConn

	mu    sync.Mutex
	bcast []net.Conn

	peerMu sync.Mutex
	peers  map[string]*net.UDPAddr // Известные datagram-отправители

	running bool
	runMu   sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer создаёт dev-сервер. Журнал открывается сразу,
// сетевые сокеты — в Start.
func NewServer(cfg Config) (*Server, error) {
	journal, err := NewJournal(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:     cfg,
		terrain: NewTerrain(cfg.Seed),
		journal: journal,
		logger:  logging.GetServerLogger(),
		mets:    metrics.Get(),
		peers:   make(map[string]*net.UDPAddr),
	}, nil
}

// Start открывает сокеты и запускает циклы обслуживания
func (s *Server) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.running {
		return fmt.Errorf("сервер уже запущен")
	}

	ln, err := net.Listen("tcp", s.cfg.TCPAddr)
	if err != nil {
		return fmt.Errorf("tcp listen: %w", err)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", s.cfg.UDPAddr)
	if err != nil {
		ln.Close()
		return fmt.Errorf("resolve udp: %w", err)
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		ln.Close()
		return fmt.Errorf("udp listen: %w", err)
	}

	s.ln = ln
	s.udp = udp
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go s.acceptLoop()
	go s.udpLoop()

	s.logger.Info("Dev server started: tcp=%s udp=%s seed=%d",
		ln.Addr(), udp.LocalAddr(), s.cfg.Seed)
	return nil
}

// Stop останавливает сервер и закрывает журнал
func (s *Server) Stop() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	s.cancel()
	s.ln.Close()
	s.udp.Close()

	s.mu.Lock()
	for _, conn := range s.bcast {
		conn.Close()
	}
	s.bcast = nil
	s.mu.Unlock()

	s.wg.Wait()

	s.logger.Info("Dev server stopped")
	return s.journal.Close()
}

// TCPAddr возвращает фактический адрес TCP-листенера
func (s *Server) TCPAddr() string { return s.ln.Addr().String() }

// UDPAddr возвращает фактический адрес UDP-сокета
func (s *Server) UDPAddr() string { return s.udp.LocalAddr().String() }

// Journal возвращает журнал правок
func (s *Server) Journal() *Journal { return s.journal }

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return // Листенер закрыт
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

// serveConn классифицирует соединение по первому байту: маркер 0xB7 —
// broadcast-слушатель, иначе request-соединение с циклом кадров
func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()

	reader := bufio.NewReader(conn)
	first, err := reader.Peek(1)
	if err != nil {
		conn.Close()
		return
	}

	if first[0] == protocol.BroadcastMarker {
		reader.Discard(1)
		s.mu.Lock()
		s.bcast = append(s.bcast, conn)
		s.mu.Unlock()
		s.logger.Debug("Broadcast listener registered: %s", conn.RemoteAddr())
		return
	}

	defer conn.Close()
	s.logger.Debug("Request connection: %s", conn.RemoteAddr())

	for {
		payload, err := protocol.ReadFrame(reader)
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Debug("Request connection %s closed: %v", conn.RemoteAddr(), err)
			}
			return
		}
		if len(payload) == 0 {
			continue
		}

		switch protocol.MessageType(payload[0]) {
		case protocol.MsgChunkRequest:
			if err := s.handleChunkRequest(conn, payload); err != nil {
				s.logger.Warn("Chunk request from %s failed: %v", conn.RemoteAddr(), err)
				return
			}

		case protocol.MsgBlockModification:
			s.handleModification(payload)

		default:
			s.logger.Warn("Unknown frame type %d from %s", payload[0], conn.RemoteAddr())
		}
	}
}

// handleChunkRequest отвечает парой кадров: рендер-меш, затем
// коллизионный меш — строго в этом порядке
func (s *Server) handleChunkRequest(conn net.Conn, payload []byte) error {
	req, err := protocol.DecodeChunkRequest(payload)
	if err != nil {
		return err
	}

	render, collision := s.terrain.BuildChunkMeshes(req.Coords)

	if err := protocol.WriteFrame(conn, protocol.EncodeRenderMesh(render)); err != nil {
		return err
	}
	if err := protocol.WriteFrame(conn, protocol.EncodeCollisionMesh(collision)); err != nil {
		return err
	}

	s.logger.Trace("Chunk (%d,%d,%d) served: %d vertices",
		req.Coords.X, req.Coords.Y, req.Coords.Z, render.VertexCount)
	return nil
}

// handleModification журналирует правку и рассылает авторитетную
// версию всем broadcast-слушателям, включая автора
func (s *Server) handleModification(payload []byte) {
	mod, err := protocol.DecodeBlockModification(payload)
	if err != nil {
		s.logger.Warn("Malformed modification dropped: %v", err)
		return
	}

	if err := s.journal.Record(mod); err != nil {
		s.logger.Error("Journal write failed: %v", err)
		return
	}

	s.broadcast(mod)
	s.logger.Trace("Modification %s at (%d,%d,%d) seq=%d applied",
		mod.Operation, mod.Pos.X, mod.Pos.Y, mod.Pos.Z, mod.ClientSeq)
}

// broadcast рассылает правку всем слушателям. Мёртвые соединения
// выбрасываются из списка.
func (s *Server) broadcast(mod *protocol.BlockModification) {
	payload := mod.Encode()

	s.mu.Lock()
	defer s.mu.Unlock()

	alive := s.bcast[:0]
	for _, conn := range s.bcast {
		if err := protocol.WriteFrame(conn, payload); err != nil {
			s.logger.Debug("Broadcast listener %s dropped: %v", conn.RemoteAddr(), err)
			conn.Close()
			continue
		}
		alive = append(alive, conn)
		s.mets.Broadcasts.Inc()
	}
	s.bcast = alive
}
