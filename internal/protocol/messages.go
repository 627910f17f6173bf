package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/annel0/voxelmesh/internal/vec"
)

// MessageType однобайтовый тег типа сообщения.
// Первый байт каждой полезной нагрузки (и надёжных кадров, и датаграмм).
type MessageType byte

const (
	MsgChunkRequest      MessageType = 0
	MsgBlockModification MessageType = 10
	MsgPlayerPosition    MessageType = 20
	MsgEntityUpdate      MessageType = 21
	MsgPositionAck       MessageType = 23
	MsgKeepAlive         MessageType = 30

	// MsgPositionAckLegacy старый тег подтверждения позиции.
	// Принимается при декодировании, при кодировании не используется.
	MsgPositionAckLegacy MessageType = 5
)

// BroadcastMarker однобайтовый маркер регистрации broadcast-соединения.
// Клиент отправляет его сразу после подключения, до любого кадра,
// чтобы сервер классифицировал соединение как слушателя рассылки.
const BroadcastMarker byte = 0xB7

// BlockOperation тип операции над блоком
type BlockOperation byte

const (
	OpMine BlockOperation = iota
	OpPlace
	OpDamage
)

// String возвращает строковое представление операции
func (op BlockOperation) String() string {
	switch op {
	case OpMine:
		return "mine"
	case OpPlace:
		return "place"
	case OpDamage:
		return "damage"
	default:
		return fmt.Sprintf("op(%d)", byte(op))
	}
}

// Размеры сообщений фиксированного формата
const (
	ChunkRequestSize      = 13
	BlockModificationSize = 32
	PositionUpdateSize    = 37
	PositionAckSize       = 37
	EntityUpdateSize      = 37
)

// ChunkRequest запрос чанка по координатам
type ChunkRequest struct {
	Coords vec.Vec3
}

// Encode сериализует запрос чанка (13 байт)
func (cr *ChunkRequest) Encode() []byte {
	buf := make([]byte, ChunkRequestSize)
	buf[0] = byte(MsgChunkRequest)
	binary.LittleEndian.PutUint32(buf[1:5], uint32(cr.Coords.X))
	binary.LittleEndian.PutUint32(buf[5:9], uint32(cr.Coords.Y))
	binary.LittleEndian.PutUint32(buf[9:13], uint32(cr.Coords.Z))
	return buf
}

// DecodeChunkRequest десериализует запрос чанка
func DecodeChunkRequest(data []byte) (*ChunkRequest, error) {
	if len(data) != ChunkRequestSize || MessageType(data[0]) != MsgChunkRequest {
		return nil, Corruption("decode chunk request", fmt.Errorf("bad payload: %d bytes", len(data)))
	}
	return &ChunkRequest{
		Coords: vec.Vec3{
			X: int32(binary.LittleEndian.Uint32(data[1:5])),
			Y: int32(binary.LittleEndian.Uint32(data[5:9])),
			Z: int32(binary.LittleEndian.Uint32(data[9:13])),
		},
	}, nil
}

// BlockModification намерение правки блока.
// ClientSeq монотонно растёт в рамках сессии клиента и служит только
// для причинной связи предсказания с подтверждением сервера.
type BlockModification struct {
	Operation       BlockOperation
	Pos             vec.Vec3
	BlockType       byte
	Rotation        byte
	Damage          int32
	ClientSeq       uint32
	ClientTimestamp int64
}

// Encode сериализует правку блока (32 байта)
func (bm *BlockModification) Encode() []byte {
	buf := make([]byte, BlockModificationSize)
	buf[0] = byte(MsgBlockModification)
	buf[1] = byte(bm.Operation)
	binary.LittleEndian.PutUint32(buf[2:6], uint32(bm.Pos.X))
	binary.LittleEndian.PutUint32(buf[6:10], uint32(bm.Pos.Y))
	binary.LittleEndian.PutUint32(buf[10:14], uint32(bm.Pos.Z))
	buf[14] = bm.BlockType
	buf[15] = bm.Rotation
	binary.LittleEndian.PutUint32(buf[16:20], uint32(bm.Damage))
	binary.LittleEndian.PutUint32(buf[20:24], bm.ClientSeq)
	binary.LittleEndian.PutUint64(buf[24:32], uint64(bm.ClientTimestamp))
	return buf
}

// DecodeBlockModification десериализует правку блока
func DecodeBlockModification(data []byte) (*BlockModification, error) {
	if len(data) != BlockModificationSize || MessageType(data[0]) != MsgBlockModification {
		return nil, Corruption("decode block modification", fmt.Errorf("bad payload: %d bytes", len(data)))
	}
	return &BlockModification{
		Operation: BlockOperation(data[1]),
		Pos: vec.Vec3{
			X: int32(binary.LittleEndian.Uint32(data[2:6])),
			Y: int32(binary.LittleEndian.Uint32(data[6:10])),
			Z: int32(binary.LittleEndian.Uint32(data[10:14])),
		},
		BlockType:       data[14],
		Rotation:        data[15],
		Damage:          int32(binary.LittleEndian.Uint32(data[16:20])),
		ClientSeq:       binary.LittleEndian.Uint32(data[20:24]),
		ClientTimestamp: int64(binary.LittleEndian.Uint64(data[24:32])),
	}, nil
}

// PositionUpdate периодическое обновление позиции клиента (датаграмма)
type PositionUpdate struct {
	Seq       uint32
	Position  vec.Vec3Float
	Velocity  vec.Vec3Float
	Yaw       float32
	Pitch     float32
	Timestamp int64 // Локальное время отправки, по сети не передаётся
}

// Encode сериализует обновление позиции (37 байт)
func (pu *PositionUpdate) Encode() []byte {
	buf := make([]byte, PositionUpdateSize)
	buf[0] = byte(MsgPlayerPosition)
	binary.LittleEndian.PutUint32(buf[1:5], pu.Seq)
	putVec3Float(buf[5:17], pu.Position)
	putVec3Float(buf[17:29], pu.Velocity)
	putFloat32(buf[29:33], pu.Yaw)
	putFloat32(buf[33:37], pu.Pitch)
	return buf
}

// DecodePositionUpdate десериализует обновление позиции
func DecodePositionUpdate(data []byte) (*PositionUpdate, error) {
	if len(data) != PositionUpdateSize || MessageType(data[0]) != MsgPlayerPosition {
		return nil, Corruption("decode position update", fmt.Errorf("bad payload: %d bytes", len(data)))
	}
	return &PositionUpdate{
		Seq:      binary.LittleEndian.Uint32(data[1:5]),
		Position: getVec3Float(data[5:17]),
		Velocity: getVec3Float(data[17:29]),
		Yaw:      getFloat32(data[29:33]),
		Pitch:    getFloat32(data[33:37]),
	}, nil
}

// PositionAck подтверждение сервера с авторитетным состоянием
type PositionAck struct {
	AckSeq   uint32
	Position vec.Vec3Float
	Velocity vec.Vec3Float
	Yaw      float32
	Pitch    float32
}

// Encode сериализует подтверждение позиции (37 байт)
func (pa *PositionAck) Encode() []byte {
	buf := make([]byte, PositionAckSize)
	buf[0] = byte(MsgPositionAck)
	binary.LittleEndian.PutUint32(buf[1:5], pa.AckSeq)
	putVec3Float(buf[5:17], pa.Position)
	putVec3Float(buf[17:29], pa.Velocity)
	putFloat32(buf[29:33], pa.Yaw)
	putFloat32(buf[33:37], pa.Pitch)
	return buf
}

// DecodePositionAck десериализует подтверждение позиции.
// Принимает оба тега: текущий (23) и устаревший (5).
func DecodePositionAck(data []byte) (*PositionAck, error) {
	if len(data) != PositionAckSize {
		return nil, Corruption("decode position ack", fmt.Errorf("bad payload: %d bytes", len(data)))
	}
	if t := MessageType(data[0]); t != MsgPositionAck && t != MsgPositionAckLegacy {
		return nil, Corruption("decode position ack", fmt.Errorf("unexpected type %d", data[0]))
	}
	return &PositionAck{
		AckSeq:   binary.LittleEndian.Uint32(data[1:5]),
		Position: getVec3Float(data[5:17]),
		Velocity: getVec3Float(data[17:29]),
		Yaw:      getFloat32(data[29:33]),
		Pitch:    getFloat32(data[33:37]),
	}, nil
}

// EntityUpdate снимок позиции удалённой сущности.
// Каждый снимок абсолютен, поэтому поздние и дублирующие
// обновления естественно идемпотентны.
type EntityUpdate struct {
	IDHash   uint32
	Position vec.Vec3Float
	Velocity vec.Vec3Float
	Yaw      float32
	Pitch    float32
}

// Encode сериализует снимок сущности (37 байт)
func (eu *EntityUpdate) Encode() []byte {
	buf := make([]byte, EntityUpdateSize)
	buf[0] = byte(MsgEntityUpdate)
	binary.LittleEndian.PutUint32(buf[1:5], eu.IDHash)
	putVec3Float(buf[5:17], eu.Position)
	putVec3Float(buf[17:29], eu.Velocity)
	putFloat32(buf[29:33], eu.Yaw)
	putFloat32(buf[33:37], eu.Pitch)
	return buf
}

// DecodeEntityUpdate десериализует снимок сущности
func DecodeEntityUpdate(data []byte) (*EntityUpdate, error) {
	if len(data) != EntityUpdateSize || MessageType(data[0]) != MsgEntityUpdate {
		return nil, Corruption("decode entity update", fmt.Errorf("bad payload: %d bytes", len(data)))
	}
	return &EntityUpdate{
		IDHash:   binary.LittleEndian.Uint32(data[1:5]),
		Position: getVec3Float(data[5:17]),
		Velocity: getVec3Float(data[17:29]),
		Yaw:      getFloat32(data[29:33]),
		Pitch:    getFloat32(data[33:37]),
	}, nil
}
