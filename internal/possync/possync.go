// Package possync синхронизирует позиции по datagram-каналу:
// периодическая отправка собственной позиции с номером
// последовательности и разбор входящих подтверждений и снимков
// удалённых сущностей.
package possync

import (
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/annel0/voxelmesh/internal/logging"
	"github.com/annel0/voxelmesh/internal/protocol"
	"github.com/annel0/voxelmesh/internal/vec"
)

// DatagramSender отправляет полезную нагрузку по datagram-каналу.
// Доставка не гарантируется, ошибки отправки не фатальны.
type DatagramSender interface {
	SendDatagram(payload []byte) error
}

// AckHandler получает подтверждение сервера с авторитетным состоянием.
// Политика сверки локальной позиции с авторитетной — на вызывающей
// стороне, компонент только доставляет продвигающиеся подтверждения.
type AckHandler func(ack *protocol.PositionAck)

// EntityHandler получает снимок позиции удалённой сущности
type EntityHandler func(update *protocol.EntityUpdate)

// Syncer отправляет позиции с нарастающей последовательностью и
// раскладывает входящие датаграммы по обработчикам. Темп отправки
// задаёт вызывающая сторона.
type Syncer struct {
	sender DatagramSender
	logger *logging.Logger

	seq     uint32 // atomic
	lastAck uint32 // atomic; последний продвинувший AckSeq

	mu       sync.RWMutex
	onAck    AckHandler
	onEntity EntityHandler
}

// NewSyncer создаёт синхронизатор позиций
func NewSyncer(sender DatagramSender) *Syncer {
	return &Syncer{
		sender: sender,
		logger: logging.GetPosSyncLogger(),
	}
}

// OnAck устанавливает обработчик подтверждений
func (s *Syncer) OnAck(handler AckHandler) {
	s.mu.Lock()
	s.onAck = handler
	s.mu.Unlock()
}

// OnEntity устанавливает обработчик снимков сущностей
func (s *Syncer) OnEntity(handler EntityHandler) {
	s.mu.Lock()
	s.onEntity = handler
	s.mu.Unlock()
}

// SendPosition отправляет собственную позицию со строго возрастающим
// номером последовательности. Возвращает присвоенный номер.
func (s *Syncer) SendPosition(pos, vel vec.Vec3Float, yaw, pitch float32) (uint32, error) {
	upd := &protocol.PositionUpdate{
		Seq:      atomic.AddUint32(&s.seq, 1),
		Position: pos,
		Velocity: vel,
		Yaw:      yaw,
		Pitch:    pitch,
	}
	if err := s.sender.SendDatagram(upd.Encode()); err != nil {
		return upd.Seq, err
	}
	return upd.Seq, nil
}

// LastAckedSeq возвращает последний подтверждённый сервером номер
func (s *Syncer) LastAckedSeq() uint32 {
	return atomic.LoadUint32(&s.lastAck)
}

// Dispatch разбирает входящую датаграмму по однобайтовому тегу.
// Неизвестные теги и повреждённые нагрузки молча отбрасываются —
// канал ненадёжный, терять датаграммы здесь нормально.
func (s *Syncer) Dispatch(payload []byte) {
	if len(payload) == 0 {
		return
	}

	switch protocol.MessageType(payload[0]) {
	case protocol.MsgPositionAck, protocol.MsgPositionAckLegacy:
		ack, err := protocol.DecodePositionAck(payload)
		if err != nil {
			s.logger.Trace("Dropped malformed position ack: %v", err)
			return
		}
		s.handleAck(ack)

	case protocol.MsgEntityUpdate:
		upd, err := protocol.DecodeEntityUpdate(payload)
		if err != nil {
			s.logger.Trace("Dropped malformed entity update: %v", err)
			return
		}
		s.mu.RLock()
		handler := s.onEntity
		s.mu.RUnlock()
		if handler != nil {
			handler(upd)
		}

	case protocol.MsgKeepAlive:
		// Поддержание NAT-маппинга, нагрузки нет

	default:
		s.logger.Trace("Dropped datagram with unknown tag %d", payload[0])
	}
}

// handleAck доставляет подтверждение, только если оно продвигает
// последовательность. Устаревшие и дублирующие подтверждения
// отбрасываются: канал не упорядочен.
func (s *Syncer) handleAck(ack *protocol.PositionAck) {
	for {
		last := atomic.LoadUint32(&s.lastAck)
		if !seqAdvances(last, ack.AckSeq) {
			return
		}
		if atomic.CompareAndSwapUint32(&s.lastAck, last, ack.AckSeq) {
			break
		}
	}

	s.mu.RLock()
	handler := s.onAck
	s.mu.RUnlock()
	if handler != nil {
		handler(ack)
	}
}

// seqAdvances сравнивает номера с учётом переполнения uint32
func seqAdvances(last, next uint32) bool {
	return int32(next-last) > 0
}

// EntityIDHash сворачивает идентификатор сущности в 32-битный ключ
// снимков EntityUpdate (FNV-1a)
func EntityIDHash(id uuid.UUID) uint32 {
	h := fnv.New32a()
	h.Write(id[:])
	return h.Sum32()
}
