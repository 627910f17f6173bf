package blockmod

import (
	"context"
	"sync"
	"time"

	"github.com/annel0/voxelmesh/internal/logging"
	"github.com/annel0/voxelmesh/internal/metrics"
	"github.com/annel0/voxelmesh/internal/protocol"
	"github.com/annel0/voxelmesh/internal/vec"
)

// maxPendingPredictions предел очереди неподтверждённых правок.
// При переполнении старейшая правка молча выбрасывается.
const maxPendingPredictions = 64

// ModificationSender отправляет правку на request-канал транспорта
type ModificationSender interface {
	SendModification(ctx context.Context, mod *protocol.BlockModification) error
}

// Predictor привязан к одной клиентской сессии: применяет правки
// локально до подтверждения сервером и сводит локальное состояние
// к авторитетному по broadcast-рассылке.
//
// Очередь предсказаний трогают только Predict и Reconcile —
// внутренней конкуренции нет, мьютекс защищает от вызовов
// из разных горутин (ввод и цикл рассылки).
type Predictor struct {
	mu      sync.Mutex
	overlay Overlay
	sender  ModificationSender
	pending []*protocol.BlockModification // Последовательности строго возрастают
	nextSeq uint32
	logger  *logging.Logger
	mets    *metrics.NetMetrics
}

// NewPredictor создаёт предиктор правок для сессии
func NewPredictor(overlay Overlay, sender ModificationSender) *Predictor {
	return &Predictor{
		overlay: overlay,
		sender:  sender,
		pending: make([]*protocol.BlockModification, 0, maxPendingPredictions),
		logger:  logging.GetBlockModLogger(),
		mets:    metrics.Get(),
	}
}

// Predict регистрирует локальную правку: присваивает следующий номер
// последовательности, оптимистично применяет её к оверлею, ставит в
// очередь предсказаний и отправляет на сервер. Ошибка отправки не
// откатывает предсказание — рассылка сервера его выправит.
func (p *Predictor) Predict(ctx context.Context, op protocol.BlockOperation, pos vec.Vec3, blockType byte, rotation byte, damage int32) (*protocol.BlockModification, error) {
	p.mu.Lock()

	p.nextSeq++
	mod := &protocol.BlockModification{
		Operation:       op,
		Pos:             pos,
		BlockType:       blockType,
		Rotation:        rotation,
		Damage:          damage,
		ClientSeq:       p.nextSeq,
		ClientTimestamp: time.Now().UnixMilli(),
	}

	p.applyLocked(mod)

	if len(p.pending) >= maxPendingPredictions {
		dropped := p.pending[0]
		p.pending = p.pending[1:]
		p.logger.Warn("Prediction queue full, dropped seq=%d", dropped.ClientSeq)
	}
	p.pending = append(p.pending, mod)
	p.mets.PredictionsQueue.Set(float64(len(p.pending)))

	p.mu.Unlock()

	if err := p.sender.SendModification(ctx, mod); err != nil {
		p.logger.Warn("Modification seq=%d send failed: %v", mod.ClientSeq, err)
		return mod, err
	}

	p.logger.Trace("Predicted %s at (%d,%d,%d) seq=%d",
		op, pos.X, pos.Y, pos.Z, mod.ClientSeq)
	return mod, nil
}

// Reconcile сводит локальное состояние к авторитетной правке сервера.
// Сначала из очереди удаляются все предсказания с номером не позже
// подтверждённого, затем текущая ячейка оверлея сравнивается с
// авторитетным состоянием и при расхождении перезаписывается.
//
// Операция идемпотентна и устойчива к переупорядочиванию: это чистое
// сведение к состоянию сервера, а не повтор пропущенных операций.
func (p *Predictor) Reconcile(broadcast *protocol.BlockModification) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Дренаж подтверждённых предсказаний. Очередь отсортирована по
	// возрастанию, достаточно найти границу.
	drained := 0
	for drained < len(p.pending) && seqLEQ(p.pending[drained].ClientSeq, broadcast.ClientSeq) {
		drained++
	}
	if drained > 0 {
		p.pending = p.pending[drained:]
		p.mets.PredictionsQueue.Set(float64(len(p.pending)))
	}

	// Сведение ячейки независимо от дренажа очереди
	wantState, wantType := authoritativeCell(broadcast)
	if wantState == CellNatural {
		return // Damage не меняет бинарный оверлей
	}

	gridPos := broadcast.Pos.ToGridCoords()
	curState, curType := p.overlay.Cell(gridPos)
	if curState == wantState && curType == wantType {
		return // Уже сходится — в том числе no-op Place/Mine
	}

	p.overlay.Apply(gridPos, wantState, wantType)
	p.logger.Debug("Reconciled (%d,%d,%d): %s/%d -> %s/%d seq=%d",
		gridPos.X, gridPos.Y, gridPos.Z, curState, curType, wantState, wantType, broadcast.ClientSeq)
}

// PendingCount возвращает число неподтверждённых предсказаний
func (p *Predictor) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// applyLocked оптимистично применяет правку к оверлею.
// Вызывается под p.mu.
func (p *Predictor) applyLocked(mod *protocol.BlockModification) {
	state, blockType := authoritativeCell(mod)
	if state == CellNatural {
		return
	}
	p.overlay.Apply(mod.Pos.ToGridCoords(), state, blockType)
}

// authoritativeCell переводит операцию правки в целевое состояние
// ячейки. Damage бинарный оверлей не трогает — возвращает CellNatural
// как признак «без изменений».
func authoritativeCell(mod *protocol.BlockModification) (CellState, byte) {
	switch mod.Operation {
	case protocol.OpMine:
		return CellAir, 0
	case protocol.OpPlace:
		return CellSolid, mod.BlockType
	default:
		return CellNatural, 0
	}
}

// seqLEQ сравнивает номера последовательности с учётом переполнения
// uint32 (serial number arithmetic): a <= b в кольцевом смысле.
func seqLEQ(a, b uint32) bool {
	return int32(a-b) <= 0
}
