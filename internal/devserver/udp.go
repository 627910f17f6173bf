package devserver

import (
	"net"

	"github.com/annel0/voxelmesh/internal/protocol"
)

// udpLoop обслуживает datagram-канал: подтверждает позиции игроков
// авторитетным состоянием и ретранслирует снимки сущностей остальным
// известным отправителям
func (s *Server) udpLoop() {
	defer s.wg.Done()

	buf := make([]byte, 2048)
	for {
		n, addr, err := s.udp.ReadFromUDP(buf)
		if err != nil {
			return // Сокет закрыт
		}
		if n == 0 {
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		s.rememberPeer(addr)

		switch protocol.MessageType(payload[0]) {
		case protocol.MsgPlayerPosition:
			s.handlePosition(payload, addr)

		case protocol.MsgEntityUpdate:
			s.relayEntityUpdate(payload, addr)

		case protocol.MsgKeepAlive:
			// Датаграмма только поддерживает NAT-маппинг

		default:
			s.logger.Trace("Unknown datagram tag %d from %s", payload[0], addr)
		}
	}
}

// handlePosition подтверждает позицию. Dev-сервер доверяет клиенту:
// авторитетное состояние — эхо принятого, серверной физики нет.
func (s *Server) handlePosition(payload []byte, addr *net.UDPAddr) {
	upd, err := protocol.DecodePositionUpdate(payload)
	if err != nil {
		s.logger.Trace("Malformed position update from %s: %v", addr, err)
		return
	}

	ack := &protocol.PositionAck{
		AckSeq:   upd.Seq,
		Position: upd.Position,
		Velocity: upd.Velocity,
		Yaw:      upd.Yaw,
		Pitch:    upd.Pitch,
	}

	if _, err := s.udp.WriteToUDP(ack.Encode(), addr); err != nil {
		s.logger.Trace("Position ack to %s failed: %v", addr, err)
	}
}

// relayEntityUpdate ретранслирует снимок сущности всем известным
// отправителям, кроме автора. Доставка не гарантируется.
func (s *Server) relayEntityUpdate(payload []byte, from *net.UDPAddr) {
	if _, err := protocol.DecodeEntityUpdate(payload); err != nil {
		s.logger.Trace("Malformed entity update from %s: %v", from, err)
		return
	}

	s.peerMu.Lock()
	defer s.peerMu.Unlock()

	for key, addr := range s.peers {
		if key == from.String() {
			continue
		}
		if _, err := s.udp.WriteToUDP(payload, addr); err != nil {
			s.logger.Trace("Entity relay to %s failed: %v", addr, err)
		}
	}
}

// rememberPeer запоминает datagram-отправителя для ретрансляций
func (s *Server) rememberPeer(addr *net.UDPAddr) {
	s.peerMu.Lock()
	defer s.peerMu.Unlock()

	key := addr.String()
	if _, ok := s.peers[key]; !ok {
		s.peers[key] = addr
	}
}
