// Package chunkstream держит загруженными чанки вокруг движущейся точки
// обзора: планировщик с приоритетами, ограничение конкурентности
// загрузок и медленная выгрузка по дистанции.
package chunkstream

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/annel0/voxelmesh/internal/logging"
	"github.com/annel0/voxelmesh/internal/metrics"
	"github.com/annel0/voxelmesh/internal/protocol"
	"github.com/annel0/voxelmesh/internal/vec"
)

// ChunkLoader загружает чанк через канал запросов транспорта.
// Повторы при повреждении потока выполняет сам транспорт.
type ChunkLoader interface {
	RequestChunk(ctx context.Context, coords vec.Vec3) (*protocol.RenderMesh, *protocol.CollisionMesh, error)
}

// MeshSink внешний потребитель декодированной геометрии (рендерер).
// Владеет собственным кэшем мешей, ключуемым координатой чанка.
type MeshSink interface {
	ApplyMesh(coords vec.Vec3, render *protocol.RenderMesh, collision *protocol.CollisionMesh)
	ClearMesh(coords vec.Vec3)
}

// PendingChunkRequest запрос чанка с приоритетом.
// Приоритет — возрастающая «близость»: меньше значит срочнее.
type PendingChunkRequest struct {
	Coords   vec.Vec3
	Priority float64
}

const (
	// ChunkSize размер чанка в мировых единицах
	ChunkSize = 16

	// verticalBand вертикальная полоса кандидатов в чанках
	verticalBand = 2
	// verticalCutoff отсечка по вертикали в мировых единицах
	verticalCutoff = 150.0
	// evictBatch максимум выгрузок за один проход — медленный дренаж,
	// чтобы не устраивать шторм выгрузок
	evictBatch = 4
	// evictMargin запас к радиусу, за которым чанк подлежит выгрузке
	evictMargin = 2
	// evictVertical вертикальный предел в чанках до выгрузки
	evictVertical = 3
)

// Config содержит конфигурацию планировщика
type Config struct {
	RenderDistance     int           // Радиус в чанках
	TickRate           time.Duration // Период планирования (по умолчанию 50ms = 20Hz)
	QueueCap           int           // Предел длины очереди запросов (backpressure)
	BatchSize          int           // Максимум постановок за тик; 0 — автонастройка
	MaxConcurrentLoads int           // Предел конкурентных загрузок; 0 — автонастройка
	EvictEveryTicks    int           // Период прохода выгрузки в тиках
	StopGracePeriod    time.Duration // Грация для незавершённых загрузок при останове
}

// DefaultConfig возвращает конфигурацию планировщика с автонастройкой
// по дистанции отрисовки
func DefaultConfig(renderDistance int) *Config {
	cfg := &Config{
		RenderDistance:  renderDistance,
		TickRate:        50 * time.Millisecond,
		EvictEveryTicks: 10,
		StopGracePeriod: 5 * time.Second,
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults заполняет нулевые поля значениями, подобранными
// по дистанции отрисовки
func (c *Config) applyDefaults() {
	if c.TickRate <= 0 {
		c.TickRate = 50 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = clampInt(c.RenderDistance*16, 32, 256)
	}
	if c.MaxConcurrentLoads <= 0 {
		c.MaxConcurrentLoads = clampInt(c.RenderDistance, 4, 32)
	}
	if c.QueueCap <= 0 {
		c.QueueCap = c.BatchSize * 4
	}
	if c.EvictEveryTicks <= 0 {
		c.EvictEveryTicks = 10
	}
	if c.StopGracePeriod <= 0 {
		c.StopGracePeriod = 5 * time.Second
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Scheduler владеет тремя множествами чанков (загруженные, запрошенные,
// очередь) и двумя циклами: тиком планирования и циклом загрузчика.
type Scheduler struct {
	config *Config
	loader ChunkLoader
	sink   MeshSink
	logger *logging.Logger
	mets   *metrics.NetMetrics

	// Три множества под одним мьютексом: проверка-и-вставка атомарны,
	// дубликаты запросов исключены
	mu        sync.Mutex
	loaded    map[vec.Vec3]struct{}
	requested map[vec.Vec3]struct{}
	queue     []PendingChunkRequest // Отсортирована по возрастанию приоритета

	viewMu    sync.RWMutex
	viewpoint vec.Vec3Float

	running   bool
	runMu     sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	stopCh    chan struct{}
	workAvail chan struct{}
	loopWG    sync.WaitGroup
	loadWG    sync.WaitGroup

	tickCount uint64
}

// NewScheduler создаёт планировщик стриминга чанков
func NewScheduler(config *Config, loader ChunkLoader, sink MeshSink) *Scheduler {
	config.applyDefaults()
	return &Scheduler{
		config:    config,
		loader:    loader,
		sink:      sink,
		logger:    logging.GetStreamLogger(),
		mets:      metrics.Get(),
		loaded:    make(map[vec.Vec3]struct{}),
		requested: make(map[vec.Vec3]struct{}),
		workAvail: make(chan struct{}, 1),
	}
}

// SetViewpoint обновляет точку обзора (мировые координаты)
func (s *Scheduler) SetViewpoint(pos vec.Vec3Float) {
	s.viewMu.Lock()
	s.viewpoint = pos
	s.viewMu.Unlock()
}

// Viewpoint возвращает текущую точку обзора
func (s *Scheduler) Viewpoint() vec.Vec3Float {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.viewpoint
}

// Start запускает цикл планирования и цикл загрузчика
func (s *Scheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.running {
		return nil
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.stopCh = make(chan struct{})

	s.loopWG.Add(2)
	go s.tickLoop()
	go s.loaderLoop()

	s.logger.Info("Scheduler started: distance=%d batch=%d loads=%d",
		s.config.RenderDistance, s.config.BatchSize, s.config.MaxConcurrentLoads)
	return nil
}

// Stop останавливает циклы. Незавершённым загрузкам даётся
// грационный период до отмены контекста.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
	s.loopWG.Wait()

	done := make(chan struct{})
	go func() {
		s.loadWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.config.StopGracePeriod):
		s.logger.Warn("In-flight loads did not finish within grace period")
	}
	s.cancel()
	s.logger.Info("Scheduler stopped")
}

// LoadedCount возвращает число загруженных чанков
func (s *Scheduler) LoadedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loaded)
}

// IsLoaded проверяет, загружен ли чанк
func (s *Scheduler) IsLoaded(coords vec.Vec3) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.loaded[coords]
	return ok
}

// QueueLength возвращает текущую длину очереди запросов
func (s *Scheduler) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// ForceReload выгружает чанк и ставит его в очередь с максимальным
// приоритетом (0.0) — обслуживается раньше любой другой работы.
func (s *Scheduler) ForceReload(coords vec.Vec3) {
	s.mu.Lock()
	delete(s.loaded, coords)
	if _, inFlight := s.requested[coords]; !inFlight {
		s.requested[coords] = struct{}{}
		s.queue = append([]PendingChunkRequest{{Coords: coords, Priority: 0.0}}, s.queue...)
	}
	s.mu.Unlock()

	s.sink.ClearMesh(coords)
	s.signalWork()

	s.logger.Debug("Forced reload of chunk (%d,%d,%d)", coords.X, coords.Y, coords.Z)
}

// tickLoop выполняет планирование с фиксированным периодом
func (s *Scheduler) tickLoop() {
	defer s.loopWG.Done()

	ticker := time.NewTicker(s.config.TickRate)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stopCh:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// tick один проход планирования: постановка кандидатов в очередь
// и периодический проход выгрузки. Синхронен, без блокировок на I/O.
func (s *Scheduler) tick() {
	s.tickCount++

	view := s.Viewpoint()
	s.scheduleCandidates(view)

	if s.tickCount%uint64(s.config.EvictEveryTicks) == 0 {
		s.evictPass(view)
	}

	s.mu.Lock()
	s.mets.PendingQueue.Set(float64(len(s.queue)))
	s.mu.Unlock()
}

// scheduleCandidates собирает кандидатов в радиусе и ставит
// лучшие в очередь
func (s *Scheduler) scheduleCandidates(view vec.Vec3Float) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Простой backpressure-клапан: если очередь уже переполнена,
	// этот тик ничего не ставит
	if len(s.queue) >= s.config.QueueCap {
		return
	}

	viewChunk := view.ToVec3().ToChunkCoords()
	radius := s.config.RenderDistance

	var candidates []PendingChunkRequest
	for dx := -radius; dx <= radius; dx++ {
		for dz := -radius; dz <= radius; dz++ {
			if dx*dx+dz*dz > radius*radius {
				continue // Цилиндр: полный радиус только горизонтально
			}
			for dy := -verticalBand; dy <= verticalBand; dy++ {
				coords := vec.Vec3{
					X: viewChunk.X + int32(dx),
					Y: viewChunk.Y + int32(dy),
					Z: viewChunk.Z + int32(dz),
				}

				// Вертикальная отсечка в мировых единицах от block-Y обзора
				chunkY := float64(coords.Y*ChunkSize + ChunkSize/2)
				if math.Abs(chunkY-float64(view.Y)) > verticalCutoff {
					continue
				}

				if _, ok := s.loaded[coords]; ok {
					continue
				}
				if _, ok := s.requested[coords]; ok {
					continue
				}

				candidates = append(candidates, PendingChunkRequest{
					Coords:   coords,
					Priority: chunkPriority(viewChunk, coords),
				})
			}
		}
	}

	if len(candidates) == 0 {
		return
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Priority < candidates[j].Priority
	})

	batch := candidates
	if len(batch) > s.config.BatchSize {
		batch = batch[:s.config.BatchSize]
	}

	for _, req := range batch {
		s.requested[req.Coords] = struct{}{}
	}
	s.queue = append(s.queue, batch...)
	sort.Slice(s.queue, func(i, j int) bool {
		return s.queue[i].Priority < s.queue[j].Priority
	})

	s.signalWork()
}

// chunkPriority вычисляет приоритет кандидата: евклидова дистанция
// с вертикальным весом x4 (горизонтальное исследование важнее) и
// скидкой x0.01 для колонны 3x3 на уровне обзора и ниже — чанки
// прямо вокруг и под игроком всегда выигрывают.
func chunkPriority(viewChunk, candidate vec.Vec3) float64 {
	dx := float64(candidate.X - viewChunk.X)
	dy := float64(candidate.Y - viewChunk.Y)
	dz := float64(candidate.Z - viewChunk.Z)

	priority := math.Sqrt(dx*dx + (4*dy)*(4*dy) + dz*dz)

	if math.Abs(dx) <= 1 && math.Abs(dz) <= 1 && dy <= 0 {
		priority *= 0.01
	}
	return priority
}

// evictPass выгружает до evictBatch чанков за пределами расширенного
// радиуса. Нарочно медленный дренаж.
func (s *Scheduler) evictPass(view vec.Vec3Float) {
	viewChunk := view.ToVec3().ToChunkCoords()
	limit := float64(s.config.RenderDistance + evictMargin)

	var victims []vec.Vec3
	s.mu.Lock()
	for coords := range s.loaded {
		dx := float64(coords.X - viewChunk.X)
		dy := float64(coords.Y - viewChunk.Y)
		dz := float64(coords.Z - viewChunk.Z)

		if math.Sqrt(dx*dx+dz*dz) > limit || math.Abs(dy) > evictVertical {
			victims = append(victims, coords)
			if len(victims) >= evictBatch {
				break
			}
		}
	}
	for _, coords := range victims {
		delete(s.loaded, coords)
	}
	s.mu.Unlock()

	for _, coords := range victims {
		s.sink.ClearMesh(coords)
		s.mets.ChunksEvicted.Inc()
		s.logger.Debug("Evicted chunk (%d,%d,%d)", coords.X, coords.Y, coords.Z)
	}
}

// signalWork будит цикл загрузчика. Вызывается под s.mu или без него.
func (s *Scheduler) signalWork() {
	select {
	case s.workAvail <- struct{}{}:
	default:
	}
}

// loaderLoop дренирует очередь запросов пулом ограниченной ширины:
// запускает по одной асинхронной загрузке на слот и ждёт освобождения
// слота, прежде чем запускать следующую.
func (s *Scheduler) loaderLoop() {
	defer s.loopWG.Done()

	slots := make(chan struct{}, s.config.MaxConcurrentLoads)

	for {
		req, ok := s.dequeue()
		if !ok {
			select {
			case <-s.workAvail:
				continue
			case <-s.stopCh:
				return
			case <-s.ctx.Done():
				return
			}
		}

		// Ждём свободный слот — не больше MaxConcurrentLoads в полёте
		select {
		case slots <- struct{}{}:
		case <-s.stopCh:
			return
		case <-s.ctx.Done():
			return
		}

		s.loadWG.Add(1)
		go func(req PendingChunkRequest) {
			defer s.loadWG.Done()
			defer func() { <-slots }()
			s.load(req.Coords)
		}(req)
	}
}

// dequeue снимает запрос с головы очереди
func (s *Scheduler) dequeue() (PendingChunkRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return PendingChunkRequest{}, false
	}
	req := s.queue[0]
	s.queue = s.queue[1:]
	return req, true
}

// load выполняет одну загрузку чанка. Неудача снимает координату
// с запрошенного множества — позже тик поставит её заново; локальных
// повторов нет, повторы при повреждении делает транспорт.
func (s *Scheduler) load(coords vec.Vec3) {
	render, collision, err := s.loader.RequestChunk(s.ctx, coords)
	if err != nil {
		s.mu.Lock()
		delete(s.requested, coords)
		s.mu.Unlock()

		s.mets.ChunkLoadFailures.Inc()
		s.logger.Warn("Chunk (%d,%d,%d) load failed: %v", coords.X, coords.Y, coords.Z, err)
		return
	}

	s.sink.ApplyMesh(coords, render, collision)

	s.mu.Lock()
	delete(s.requested, coords)
	s.loaded[coords] = struct{}{}
	s.mu.Unlock()

	s.mets.ChunksLoaded.Inc()
	s.logger.Trace("Chunk (%d,%d,%d) loaded: %d vertices", coords.X, coords.Y, coords.Z, render.VertexCount)
}
