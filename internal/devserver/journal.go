package devserver

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/dgraph-io/badger/v3"

	"github.com/annel0/voxelmesh/internal/blockmod"
	"github.com/annel0/voxelmesh/internal/protocol"
	"github.com/annel0/voxelmesh/internal/vec"
)

// Journal журнал правок блоков на BadgerDB: авторитетное состояние
// ячеек оверлея, переживающее перезапуск сервера
type Journal struct {
	db      *badger.DB
	mu      sync.RWMutex
	isReady bool
}

// cellRecord хранимое состояние ячейки
type cellRecord struct {
	State     blockmod.CellState `json:"state"`
	BlockType byte               `json:"block_type"`
	Seq       uint32             `json:"seq"`
	Timestamp int64              `json:"ts"`
}

// NewJournal открывает журнал правок в каталоге dataPath
func NewJournal(dataPath string) (*Journal, error) {
	opts := badger.DefaultOptions(filepath.Join(dataPath, "edits"))
	opts.Logger = nil // Отключаем логирование BadgerDB

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть BadgerDB: %w", err)
	}

	return &Journal{db: db, isReady: true}, nil
}

// Close закрывает журнал
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.isReady {
		return nil
	}
	j.isReady = false
	return j.db.Close()
}

// Record применяет правку к журналу. Mine записывает Air, Place — Solid
// с типом блока, Damage журнал не меняет.
func (j *Journal) Record(mod *protocol.BlockModification) error {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if !j.isReady {
		return fmt.Errorf("журнал закрыт")
	}

	var state blockmod.CellState
	switch mod.Operation {
	case protocol.OpMine:
		state = blockmod.CellAir
	case protocol.OpPlace:
		state = blockmod.CellSolid
	default:
		return nil
	}

	grid := mod.Pos.ToGridCoords()
	record := cellRecord{
		State:     state,
		BlockType: mod.BlockType,
		Seq:       mod.ClientSeq,
		Timestamp: mod.ClientTimestamp,
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("ошибка сериализации ячейки: %w", err)
	}

	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(cellKey(grid), data)
	})
}

// Cell возвращает состояние ячейки. Для нетронутых ячеек — CellNatural.
func (j *Journal) Cell(gridPos vec.Vec3) (blockmod.CellState, byte, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if !j.isReady {
		return blockmod.CellNatural, 0, fmt.Errorf("журнал закрыт")
	}

	var data []byte
	err := j.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cellKey(gridPos))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			data = append([]byte{}, val...)
			return nil
		})
	})

	if err == badger.ErrKeyNotFound {
		return blockmod.CellNatural, 0, nil
	}
	if err != nil {
		return blockmod.CellNatural, 0, fmt.Errorf("ошибка чтения из BadgerDB: %w", err)
	}

	var record cellRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return blockmod.CellNatural, 0, fmt.Errorf("ошибка десериализации ячейки: %w", err)
	}
	return record.State, record.BlockType, nil
}

// EditCount возвращает число журналированных ячеек
func (j *Journal) EditCount() (int, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if !j.isReady {
		return 0, fmt.Errorf("журнал закрыт")
	}

	count := 0
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte("cell:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

func cellKey(gridPos vec.Vec3) []byte {
	return []byte(fmt.Sprintf("cell:%d:%d:%d", gridPos.X, gridPos.Y, gridPos.Z))
}
