// Package devserver реализует серверную сторону протокола для
// локальной разработки и интеграционных тестов: отдаёт меши чанков по
// процедурному рельефу, журналирует правки блоков и рассылает
// авторитетные правки broadcast-слушателям.
package devserver

import (
	"github.com/aquilax/go-perlin"

	"github.com/annel0/voxelmesh/internal/chunkstream"
	"github.com/annel0/voxelmesh/internal/protocol"
	"github.com/annel0/voxelmesh/internal/vec"
)

const (
	// Параметры шума Перлина
	noiseAlpha   = 2.0
	noiseBeta    = 2.0
	noiseOctaves = 3

	// terrainScale шаг выборки шума по горизонтали
	terrainScale = 0.03
	// terrainAmplitude размах высот рельефа в мировых единицах
	terrainAmplitude = 48.0
)

// Terrain детерминированный процедурный рельеф: один сид — один мир
type Terrain struct {
	noise *perlin.Perlin
}

// NewTerrain создаёт генератор рельефа с указанным сидом
func NewTerrain(seed int64) *Terrain {
	return &Terrain{
		noise: perlin.NewPerlin(noiseAlpha, noiseBeta, noiseOctaves, seed),
	}
}

// HeightAt возвращает высоту поверхности в мировых единицах.
// Шум (-1..1) приводится к диапазону 0..terrainAmplitude.
func (t *Terrain) HeightAt(x, z float64) float64 {
	n := t.noise.Noise2D(x*terrainScale, z*terrainScale)
	return (n + 1.0) / 2.0 * terrainAmplitude
}

// BuildChunkMeshes строит пару мешей чанка: по одному верхнему квадрату
// на колонку, чья поверхность попадает в вертикальный диапазон чанка.
// Формат вершины рендер-меша: позиция, нормаль, материал (7 float32).
func (t *Terrain) BuildChunkMeshes(coords vec.Vec3) (*protocol.RenderMesh, *protocol.CollisionMesh) {
	render := &protocol.RenderMesh{}
	collision := &protocol.CollisionMesh{}

	baseX := float64(coords.X * chunkstream.ChunkSize)
	baseZ := float64(coords.Z * chunkstream.ChunkSize)
	minY := float64(coords.Y * chunkstream.ChunkSize)
	maxY := minY + chunkstream.ChunkSize

	for cx := 0; cx < chunkstream.ChunkSize; cx++ {
		for cz := 0; cz < chunkstream.ChunkSize; cz++ {
			wx := baseX + float64(cx)
			wz := baseZ + float64(cz)

			h := t.HeightAt(wx, wz)
			if h < minY || h >= maxY {
				continue
			}

			t.appendQuad(render, collision, float32(wx), float32(h), float32(wz))
		}
	}

	render.VertexCount = uint32(len(render.Vertices) / protocol.RenderMeshFloatsPerVertex)
	return render, collision
}

// appendQuad добавляет горизонтальный квадрат 1x1 (два треугольника)
// в оба меша. Нормаль всегда вверх, материал по высоте.
func (t *Terrain) appendQuad(render *protocol.RenderMesh, collision *protocol.CollisionMesh, x, y, z float32) {
	material := float32(1)
	if y > terrainAmplitude*0.75 {
		material = 2 // Скальный пояс
	}

	corners := [4][3]float32{
		{x, y, z},
		{x + 1, y, z},
		{x + 1, y, z + 1},
		{x, y, z + 1},
	}

	// Рендер-меш: развёрнутые треугольники 0-1-2, 0-2-3
	for _, i := range [6]int{0, 1, 2, 0, 2, 3} {
		c := corners[i]
		render.Vertices = append(render.Vertices,
			c[0], c[1], c[2], // позиция
			0, 1, 0, // нормаль
			material,
		)
	}

	// Коллизионный меш: общие вершины + индексы
	base := int32(len(collision.Vertices) / 3)
	for _, c := range corners {
		collision.Vertices = append(collision.Vertices, c[0], c[1], c[2])
	}
	collision.Indices = append(collision.Indices,
		base, base+1, base+2,
		base, base+2, base+3,
	)
}
