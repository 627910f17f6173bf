package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/voxelmesh/internal/vec"
)

func TestChunkRequest_Encode(t *testing.T) {
	req := &ChunkRequest{Coords: vec.Vec3{X: 2, Y: 0, Z: -1}}

	data := req.Encode()
	require.Len(t, data, ChunkRequestSize)
	assert.Equal(t, byte(MsgChunkRequest), data[0])

	decoded, err := DecodeChunkRequest(data)
	require.NoError(t, err)
	assert.Equal(t, req.Coords, decoded.Coords)
}

func TestBlockModification_RoundTrip(t *testing.T) {
	mod := &BlockModification{
		Operation:       OpPlace,
		Pos:             vec.Vec3{X: 10, Y: 5, Z: -10},
		BlockType:       3,
		Rotation:        2,
		Damage:          -1,
		ClientSeq:       7,
		ClientTimestamp: time.Now().UnixMilli(),
	}

	data := mod.Encode()
	require.Len(t, data, BlockModificationSize)

	decoded, err := DecodeBlockModification(data)
	require.NoError(t, err)
	assert.Equal(t, mod, decoded)
}

func TestRenderMesh_SizeMismatch(t *testing.T) {
	// Сценарий: сервер заявляет vertexCount=3, длина должна быть 4 + 3*7*4 = 88
	mesh := &RenderMesh{
		VertexCount: 3,
		Vertices:    make([]float32, 3*RenderMeshFloatsPerVertex),
	}
	for i := range mesh.Vertices {
		mesh.Vertices[i] = float32(i) * 0.5
	}

	data := EncodeRenderMesh(mesh)
	require.Len(t, data, 88)

	decoded, err := DecodeRenderMesh(data)
	require.NoError(t, err)
	assert.Equal(t, mesh, decoded)

	// Любая другая длина — ошибка несовпадения размера
	_, err = DecodeRenderMesh(data[:87])
	require.Error(t, err)
	assert.True(t, IsKind(err, KindCorruption))

	_, err = DecodeRenderMesh(append(data, 0))
	require.Error(t, err)
	assert.True(t, IsKind(err, KindCorruption))
}

func TestCollisionMesh_RoundTrip(t *testing.T) {
	mesh := &CollisionMesh{
		Vertices: []float32{0, 0, 0, 1, 0, 0, 0, 1, 0},
		Indices:  []int32{0, 1, 2},
	}

	data := EncodeCollisionMesh(mesh)
	// 8 + 3*12 + 3*4
	require.Len(t, data, 56)

	decoded, err := DecodeCollisionMesh(data)
	require.NoError(t, err)
	assert.Equal(t, mesh, decoded)
}

func TestCollisionMesh_SizeMismatch(t *testing.T) {
	mesh := &CollisionMesh{
		Vertices: []float32{0, 0, 0},
		Indices:  []int32{0},
	}

	data := EncodeCollisionMesh(mesh)
	_, err := DecodeCollisionMesh(data[:len(data)-2])
	require.Error(t, err)
	assert.True(t, IsKind(err, KindCorruption))
}

func TestPositionUpdate_RoundTrip(t *testing.T) {
	upd := &PositionUpdate{
		Seq:      42,
		Position: vec.Vec3Float{X: 1.5, Y: 64.0, Z: -3.25},
		Velocity: vec.Vec3Float{X: 0.1, Y: -9.8, Z: 0},
		Yaw:      180.0,
		Pitch:    -45.0,
	}

	data := upd.Encode()
	require.Len(t, data, PositionUpdateSize)

	decoded, err := DecodePositionUpdate(data)
	require.NoError(t, err)
	assert.Equal(t, upd.Seq, decoded.Seq)
	assert.Equal(t, upd.Position, decoded.Position)
	assert.Equal(t, upd.Velocity, decoded.Velocity)
}

func TestPositionAck_LegacyTag(t *testing.T) {
	ack := &PositionAck{
		AckSeq:   42,
		Position: vec.Vec3Float{X: 1, Y: 2, Z: 3},
		Yaw:      90.0,
	}

	data := ack.Encode()
	assert.Equal(t, byte(MsgPositionAck), data[0])

	// Старый тег 5 также принимается
	data[0] = byte(MsgPositionAckLegacy)
	decoded, err := DecodePositionAck(data)
	require.NoError(t, err)
	assert.Equal(t, ack.AckSeq, decoded.AckSeq)

	// Посторонний тег отклоняется
	data[0] = byte(MsgKeepAlive)
	_, err = DecodePositionAck(data)
	require.Error(t, err)
}

func TestEntityUpdate_RoundTrip(t *testing.T) {
	upd := &EntityUpdate{
		IDHash:   0xDEADBEEF,
		Position: vec.Vec3Float{X: 100, Y: 70, Z: 100},
		Velocity: vec.Vec3Float{X: 1, Y: 0, Z: 1},
	}

	data := upd.Encode()
	decoded, err := DecodeEntityUpdate(data)
	require.NoError(t, err)
	assert.Equal(t, upd.IDHash, decoded.IDHash)
	assert.Equal(t, upd.Position, decoded.Position)
}
