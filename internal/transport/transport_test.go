package transport

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/voxelmesh/internal/logging"
	"github.com/annel0/voxelmesh/internal/protocol"
	"github.com/annel0/voxelmesh/internal/vec"
)

// fakeServer минимальный сервер для тестов транспорта: классифицирует
// соединения по маркеру регистрации и отвечает на запросы чанков.
type fakeServer struct {
	t        *testing.T
	ln       net.Listener
	udp      *net.UDPConn
	requests int32 // Число принятых request-соединений

	mu         sync.Mutex
	bcastConns []net.Conn

	// respond формирует ответные кадры на запрос чанка.
	// По умолчанию — корректная пара мешей.
	respond func(conn net.Conn, req *protocol.ChunkRequest)

	wg   sync.WaitGroup
	done chan struct{}
}

func newFakeServer(t *testing.T) *fakeServer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	udpAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	udp, err := net.ListenUDP("udp", udpAddr)
	require.NoError(t, err)

	fs := &fakeServer{t: t, ln: ln, udp: udp, done: make(chan struct{})}
	fs.respond = fs.respondWithMeshes

	fs.wg.Add(1)
	go fs.acceptLoop()
	return fs
}

func (fs *fakeServer) tcpAddr() string { return fs.ln.Addr().String() }
func (fs *fakeServer) udpAddr() string { return fs.udp.LocalAddr().String() }

func (fs *fakeServer) stop() {
	close(fs.done)
	fs.ln.Close()
	fs.udp.Close()
	fs.mu.Lock()
	for _, c := range fs.bcastConns {
		c.Close()
	}
	fs.mu.Unlock()
	fs.wg.Wait()
}

func (fs *fakeServer) acceptLoop() {
	defer fs.wg.Done()
	for {
		conn, err := fs.ln.Accept()
		if err != nil {
			return
		}
		fs.wg.Add(1)
		go fs.serveConn(conn)
	}
}

func (fs *fakeServer) serveConn(conn net.Conn) {
	defer fs.wg.Done()

	reader := bufio.NewReader(conn)
	first, err := reader.Peek(1)
	if err != nil {
		conn.Close()
		return
	}

	if first[0] == protocol.BroadcastMarker {
		reader.Discard(1)
		fs.mu.Lock()
		fs.bcastConns = append(fs.bcastConns, conn)
		fs.mu.Unlock()
		return // Broadcast-соединение: только пишем в него из тестов
	}

	atomic.AddInt32(&fs.requests, 1)
	defer conn.Close()

	for {
		payload, err := protocol.ReadFrame(reader)
		if err != nil {
			return
		}
		req, err := protocol.DecodeChunkRequest(payload)
		if err != nil {
			continue // Правки блоков не требуют ответа
		}
		fs.respond(conn, req)
	}
}

// respondWithMeshes отвечает корректной парой кадров мешей
func (fs *fakeServer) respondWithMeshes(conn net.Conn, req *protocol.ChunkRequest) {
	render := &protocol.RenderMesh{
		VertexCount: 3,
		Vertices:    make([]float32, 3*protocol.RenderMeshFloatsPerVertex),
	}
	collision := &protocol.CollisionMesh{
		Vertices: []float32{0, 0, 0, 1, 0, 0, 0, 1, 0},
		Indices:  []int32{0, 1, 2},
	}
	protocol.WriteFrame(conn, protocol.EncodeRenderMesh(render))
	protocol.WriteFrame(conn, protocol.EncodeCollisionMesh(collision))
}

// broadcast рассылает правку всем broadcast-слушателям
func (fs *fakeServer) broadcast(mod *protocol.BlockModification) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, c := range fs.bcastConns {
		protocol.WriteFrame(c, mod.Encode())
	}
}

func testTransport(t *testing.T, fs *fakeServer) *Transport {
	cfg := DefaultConfig(fs.tcpAddr(), fs.udpAddr())
	cfg.BackoffStep = 10 * time.Millisecond
	tr := New(cfg, logging.GetComponentLogger("transport-test"))
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestTransport_ChunkRequestRoundTrip(t *testing.T) {
	fs := newFakeServer(t)
	t.Cleanup(fs.stop)

	tr := testTransport(t, fs)

	render, collision, err := tr.RequestChunk(context.Background(), vec.Vec3{X: 2, Y: 0, Z: -1})
	require.NoError(t, err)
	assert.Equal(t, uint32(3), render.VertexCount)
	assert.Len(t, render.Vertices, 21)
	assert.Len(t, collision.Indices, 3)
}

func TestTransport_SequentialRequests(t *testing.T) {
	fs := newFakeServer(t)
	t.Cleanup(fs.stop)

	tr := testTransport(t, fs)

	// Конкурентные запросы сериализуются гейтом: пары кадров
	// одного запроса не чередуются
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _, errs[n] = tr.RequestChunk(context.Background(), vec.Vec3{X: int32(n)})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	// Все запросы прошли через одно соединение
	assert.Equal(t, int32(1), atomic.LoadInt32(&fs.requests))
}

func TestTransport_RetriesExhaustedAfterCorruption(t *testing.T) {
	fs := newFakeServer(t)
	t.Cleanup(fs.stop)

	// Сервер всегда отвечает кадром с нулевой длиной — повреждение потока
	fs.respond = func(conn net.Conn, req *protocol.ChunkRequest) {
		conn.Write([]byte{0, 0, 0, 0})
	}

	tr := testTransport(t, fs)

	start := time.Now()
	_, _, err := tr.RequestChunk(context.Background(), vec.Vec3{X: 1})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindRetriesExhausted))

	// Три повреждения — три переподключения с линейным backoff 1x+2x+3x
	assert.Equal(t, uint64(3), tr.Reconnects())
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)

	// Каждая попытка открывала новое request-соединение
	assert.Equal(t, int32(3), atomic.LoadInt32(&fs.requests))
}

func TestTransport_FailureDoesNotKillClient(t *testing.T) {
	fs := newFakeServer(t)
	t.Cleanup(fs.stop)

	corrupt := int32(1)
	fs.respond = func(conn net.Conn, req *protocol.ChunkRequest) {
		if atomic.LoadInt32(&corrupt) == 1 {
			conn.Write([]byte{0, 0, 0, 0})
			return
		}
		fs.respondWithMeshes(conn, req)
	}

	tr := testTransport(t, fs)

	_, _, err := tr.RequestChunk(context.Background(), vec.Vec3{X: 1})
	require.Error(t, err)

	// После исчерпания повторов транспорт остаётся работоспособным
	atomic.StoreInt32(&corrupt, 0)
	render, _, err := tr.RequestChunk(context.Background(), vec.Vec3{X: 2})
	require.NoError(t, err)
	assert.Equal(t, uint32(3), render.VertexCount)
}

func TestTransport_BroadcastDelivery(t *testing.T) {
	fs := newFakeServer(t)
	t.Cleanup(fs.stop)

	tr := testTransport(t, fs)

	// Устанавливаем соединения первым запросом
	_, _, err := tr.RequestChunk(context.Background(), vec.Vec3{})
	require.NoError(t, err)

	mod := &protocol.BlockModification{
		Operation: protocol.OpPlace,
		Pos:       vec.Vec3{X: 10, Y: 5, Z: 10},
		BlockType: 3,
		ClientSeq: 7,
	}
	fs.broadcast(mod)

	select {
	case got := <-tr.Broadcasts():
		assert.Equal(t, mod.Pos, got.Pos)
		assert.Equal(t, mod.ClientSeq, got.ClientSeq)
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast not delivered")
	}
}

func TestTransport_DatagramRoundTrip(t *testing.T) {
	fs := newFakeServer(t)
	t.Cleanup(fs.stop)

	// UDP echo
	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := fs.udp.ReadFromUDP(buf)
			if err != nil {
				return
			}
			fs.udp.WriteToUDP(buf[:n], addr)
		}
	}()

	tr := testTransport(t, fs)

	upd := &protocol.PositionUpdate{Seq: 1, Position: vec.Vec3Float{X: 1, Y: 2, Z: 3}}
	require.NoError(t, tr.SendDatagram(upd.Encode()))

	select {
	case payload := <-tr.Datagrams():
		decoded, err := protocol.DecodePositionUpdate(payload)
		require.NoError(t, err)
		assert.Equal(t, upd.Seq, decoded.Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("datagram not echoed")
	}
}
