// Package blockmod реализует протокол правок блоков: оптимистичное
// локальное применение (prediction) и сведение к авторитетному
// состоянию сервера по broadcast-рассылке (reconciliation).
package blockmod

import (
	"sync"

	"github.com/annel0/voxelmesh/internal/vec"
)

// CellState состояние ячейки оверлея правок
type CellState byte

const (
	// CellNatural ячейка не правилась — решает процедурный генератор
	CellNatural CellState = iota
	// CellAir ячейка вырыта
	CellAir
	// CellSolid ячейка установлена игроком
	CellSolid
)

// String возвращает строковое представление состояния
func (cs CellState) String() string {
	switch cs {
	case CellNatural:
		return "natural"
	case CellAir:
		return "air"
	case CellSolid:
		return "solid"
	default:
		return "unknown"
	}
}

// Overlay локальный оверлей правок террейна поверх процедурной
// генерации. Ячейки бинарные: Air/Solid — авторитетные переопределения,
// Natural означает «не тронуто». Ключ — координата сетки правок.
type Overlay interface {
	// Apply записывает состояние ячейки
	Apply(gridPos vec.Vec3, state CellState, blockType byte)

	// Cell возвращает текущее состояние ячейки.
	// Для нетронутых ячеек — CellNatural и нулевой тип блока.
	Cell(gridPos vec.Vec3) (CellState, byte)
}

// gridCell хранимое значение ячейки
type gridCell struct {
	state     CellState
	blockType byte
}

// MemoryOverlay потокобезопасный оверлей в памяти
type MemoryOverlay struct {
	mu    sync.RWMutex
	cells map[vec.Vec3]gridCell
}

// NewMemoryOverlay создаёт пустой оверлей
func NewMemoryOverlay() *MemoryOverlay {
	return &MemoryOverlay{cells: make(map[vec.Vec3]gridCell)}
}

// Apply записывает состояние ячейки.
// Возврат к CellNatural удаляет запись — оверлей хранит только правки.
func (mo *MemoryOverlay) Apply(gridPos vec.Vec3, state CellState, blockType byte) {
	mo.mu.Lock()
	defer mo.mu.Unlock()

	if state == CellNatural {
		delete(mo.cells, gridPos)
		return
	}
	mo.cells[gridPos] = gridCell{state: state, blockType: blockType}
}

// Cell возвращает текущее состояние ячейки
func (mo *MemoryOverlay) Cell(gridPos vec.Vec3) (CellState, byte) {
	mo.mu.RLock()
	defer mo.mu.RUnlock()

	cell, ok := mo.cells[gridPos]
	if !ok {
		return CellNatural, 0
	}
	return cell.state, cell.blockType
}

// Len возвращает число правленных ячеек
func (mo *MemoryOverlay) Len() int {
	mo.mu.RLock()
	defer mo.mu.RUnlock()
	return len(mo.cells)
}
