package possync

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/voxelmesh/internal/protocol"
	"github.com/annel0/voxelmesh/internal/vec"
)

type captureSender struct {
	mu   sync.Mutex
	sent [][]byte
}

func (cs *captureSender) SendDatagram(payload []byte) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.sent = append(cs.sent, payload)
	return nil
}

func TestSyncer_SendPositionIncrementsSeq(t *testing.T) {
	sender := &captureSender{}
	s := NewSyncer(sender)

	seq1, err := s.SendPosition(vec.Vec3Float{X: 1, Y: 2, Z: 3}, vec.Vec3Float{}, 0, 0)
	require.NoError(t, err)
	seq2, err := s.SendPosition(vec.Vec3Float{X: 1, Y: 2, Z: 4}, vec.Vec3Float{}, 0, 0)
	require.NoError(t, err)

	assert.Equal(t, uint32(1), seq1)
	assert.Equal(t, uint32(2), seq2)

	// Нагрузка корректно декодируется обратно
	upd, err := protocol.DecodePositionUpdate(sender.sent[1])
	require.NoError(t, err)
	assert.Equal(t, uint32(2), upd.Seq)
	assert.Equal(t, float32(4), upd.Position.Z)
}

func TestSyncer_DispatchAck(t *testing.T) {
	s := NewSyncer(&captureSender{})

	var got []*protocol.PositionAck
	s.OnAck(func(ack *protocol.PositionAck) { got = append(got, ack) })

	ack := &protocol.PositionAck{
		AckSeq:   5,
		Position: vec.Vec3Float{X: 10, Y: 20, Z: 30},
	}
	s.Dispatch(ack.Encode())

	require.Len(t, got, 1)
	assert.Equal(t, uint32(5), got[0].AckSeq)
	assert.Equal(t, uint32(5), s.LastAckedSeq())
}

func TestSyncer_StaleAckDropped(t *testing.T) {
	s := NewSyncer(&captureSender{})

	var delivered int
	s.OnAck(func(ack *protocol.PositionAck) { delivered++ })

	fresh := &protocol.PositionAck{AckSeq: 10}
	stale := &protocol.PositionAck{AckSeq: 7}

	s.Dispatch(fresh.Encode())
	s.Dispatch(stale.Encode()) // Пришло с опозданием — отбрасывается
	s.Dispatch(fresh.Encode()) // Дубликат — отбрасывается

	assert.Equal(t, 1, delivered)
	assert.Equal(t, uint32(10), s.LastAckedSeq())
}

func TestSyncer_DispatchLegacyAckTag(t *testing.T) {
	s := NewSyncer(&captureSender{})

	var got *protocol.PositionAck
	s.OnAck(func(ack *protocol.PositionAck) { got = ack })

	payload := (&protocol.PositionAck{AckSeq: 3}).Encode()
	payload[0] = byte(protocol.MsgPositionAckLegacy)
	s.Dispatch(payload)

	require.NotNil(t, got)
	assert.Equal(t, uint32(3), got.AckSeq)
}

func TestSyncer_DispatchEntityUpdate(t *testing.T) {
	s := NewSyncer(&captureSender{})

	var got *protocol.EntityUpdate
	s.OnEntity(func(upd *protocol.EntityUpdate) { got = upd })

	upd := &protocol.EntityUpdate{
		IDHash:   EntityIDHash(uuid.New()),
		Position: vec.Vec3Float{X: -5, Y: 60, Z: 12},
	}
	s.Dispatch(upd.Encode())

	require.NotNil(t, got)
	assert.Equal(t, upd.IDHash, got.IDHash)
	assert.Equal(t, upd.Position, got.Position)
}

func TestSyncer_UnknownAndMalformedDropped(t *testing.T) {
	s := NewSyncer(&captureSender{})

	delivered := 0
	s.OnAck(func(*protocol.PositionAck) { delivered++ })
	s.OnEntity(func(*protocol.EntityUpdate) { delivered++ })

	s.Dispatch(nil)                          // Пустая датаграмма
	s.Dispatch([]byte{0xEE, 1, 2, 3})        // Неизвестный тег
	s.Dispatch([]byte{byte(protocol.MsgPositionAck), 1}) // Обрезанный ack
	s.Dispatch([]byte{byte(protocol.MsgKeepAlive)})      // KeepAlive без нагрузки

	assert.Equal(t, 0, delivered)
}

func TestEntityIDHash_Stable(t *testing.T) {
	id := uuid.MustParse("7d444840-9dc0-11d1-b245-5ffdce74fad2")

	// Один идентификатор всегда даёт один ключ
	assert.Equal(t, EntityIDHash(id), EntityIDHash(id))
	assert.NotEqual(t, EntityIDHash(id), EntityIDHash(uuid.New()))
	assert.NotZero(t, EntityIDHash(id))
}
