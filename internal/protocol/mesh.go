package protocol

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/annel0/voxelmesh/internal/vec"
)

// RenderMeshFloatsPerVertex число float32 на вершину меша отрисовки:
// позиция (3) + нормаль (3) + материал (1).
const RenderMeshFloatsPerVertex = 7

// RenderMesh декодированная геометрия чанка для отрисовки
type RenderMesh struct {
	VertexCount uint32
	// Vertices плоский массив: VertexCount * 7 float32
	Vertices []float32
}

// CollisionMesh декодированная геометрия чанка для коллизий
type CollisionMesh struct {
	// Vertices плоский массив: 3 float32 на вершину
	Vertices []float32
	Indices  []int32
}

// EncodeRenderMesh сериализует меш отрисовки:
// 4B vertexCount + vertexCount*7*4B float32.
func EncodeRenderMesh(m *RenderMesh) []byte {
	buf := make([]byte, 4+len(m.Vertices)*4)
	binary.LittleEndian.PutUint32(buf[0:4], m.VertexCount)
	for i, f := range m.Vertices {
		putFloat32(buf[4+i*4:8+i*4], f)
	}
	return buf
}

// DecodeRenderMesh десериализует меш отрисовки.
// Несовпадение заявленного числа вершин и длины полезной нагрузки
// трактуется как повреждение (для политики повторов транспорта).
func DecodeRenderMesh(data []byte) (*RenderMesh, error) {
	if len(data) < 4 {
		return nil, Corruption("decode render mesh", fmt.Errorf("payload too short: %d bytes", len(data)))
	}
	count := binary.LittleEndian.Uint32(data[0:4])

	want := 4 + int(count)*RenderMeshFloatsPerVertex*4
	if len(data) != want {
		return nil, Corruption("decode render mesh",
			fmt.Errorf("size mismatch: declared %d vertices want %d bytes, got %d", count, want, len(data)))
	}

	vertices := make([]float32, count*RenderMeshFloatsPerVertex)
	for i := range vertices {
		vertices[i] = getFloat32(data[4+i*4 : 8+i*4])
	}
	return &RenderMesh{VertexCount: count, Vertices: vertices}, nil
}

// EncodeCollisionMesh сериализует меш коллизий:
// 4B vertexCount + 4B indexCount + vertexCount*12B + indexCount*4B.
func EncodeCollisionMesh(m *CollisionMesh) []byte {
	vcount := len(m.Vertices) / 3
	buf := make([]byte, 8+len(m.Vertices)*4+len(m.Indices)*4)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(vcount))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(m.Indices)))

	off := 8
	for _, f := range m.Vertices {
		putFloat32(buf[off:off+4], f)
		off += 4
	}
	for _, idx := range m.Indices {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(idx))
		off += 4
	}
	return buf
}

// DecodeCollisionMesh десериализует меш коллизий
func DecodeCollisionMesh(data []byte) (*CollisionMesh, error) {
	if len(data) < 8 {
		return nil, Corruption("decode collision mesh", fmt.Errorf("payload too short: %d bytes", len(data)))
	}
	vcount := binary.LittleEndian.Uint32(data[0:4])
	icount := binary.LittleEndian.Uint32(data[4:8])

	want := 8 + int(vcount)*12 + int(icount)*4
	if len(data) != want {
		return nil, Corruption("decode collision mesh",
			fmt.Errorf("size mismatch: declared %d/%d want %d bytes, got %d", vcount, icount, want, len(data)))
	}

	vertices := make([]float32, vcount*3)
	off := 8
	for i := range vertices {
		vertices[i] = getFloat32(data[off : off+4])
		off += 4
	}
	indices := make([]int32, icount)
	for i := range indices {
		indices[i] = int32(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
	}
	return &CollisionMesh{Vertices: vertices, Indices: indices}, nil
}

// Вспомогательные функции кодирования

func putFloat32(buf []byte, f float32) {
	binary.LittleEndian.PutUint32(buf, math.Float32bits(f))
}

func getFloat32(buf []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(buf))
}

func putVec3Float(buf []byte, v vec.Vec3Float) {
	putFloat32(buf[0:4], v.X)
	putFloat32(buf[4:8], v.Y)
	putFloat32(buf[8:12], v.Z)
}

func getVec3Float(buf []byte) vec.Vec3Float {
	return vec.Vec3Float{
		X: getFloat32(buf[0:4]),
		Y: getFloat32(buf[4:8]),
		Z: getFloat32(buf[8:12]),
	}
}
