package chunkstream

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/voxelmesh/internal/protocol"
	"github.com/annel0/voxelmesh/internal/vec"
)

// fakeLoader имитирует транспорт: настраиваемая задержка и ошибки,
// учёт максимальной конкурентности
type fakeLoader struct {
	delay      time.Duration
	fail       int32 // 1 — все загрузки завершаются ошибкой
	active     int32
	maxActive  int32
	totalCalls int32
}

func (fl *fakeLoader) RequestChunk(ctx context.Context, coords vec.Vec3) (*protocol.RenderMesh, *protocol.CollisionMesh, error) {
	cur := atomic.AddInt32(&fl.active, 1)
	defer atomic.AddInt32(&fl.active, -1)
	atomic.AddInt32(&fl.totalCalls, 1)

	// Фиксируем максимум одновременных загрузок
	for {
		max := atomic.LoadInt32(&fl.maxActive)
		if cur <= max || atomic.CompareAndSwapInt32(&fl.maxActive, max, cur) {
			break
		}
	}

	if fl.delay > 0 {
		select {
		case <-time.After(fl.delay):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}

	if atomic.LoadInt32(&fl.fail) == 1 {
		return nil, nil, protocol.RetriesExhausted("chunk request", nil)
	}

	return &protocol.RenderMesh{VertexCount: 0, Vertices: nil},
		&protocol.CollisionMesh{}, nil
}

// fakeSink собирает применённые и очищенные меши
type fakeSink struct {
	mu      sync.Mutex
	applied map[vec.Vec3]int
	cleared map[vec.Vec3]int
}

func newFakeSink() *fakeSink {
	return &fakeSink{applied: make(map[vec.Vec3]int), cleared: make(map[vec.Vec3]int)}
}

func (fs *fakeSink) ApplyMesh(coords vec.Vec3, render *protocol.RenderMesh, collision *protocol.CollisionMesh) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.applied[coords]++
}

func (fs *fakeSink) ClearMesh(coords vec.Vec3) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.cleared[coords]++
}

func (fs *fakeSink) appliedCount(coords vec.Vec3) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.applied[coords]
}

func (fs *fakeSink) clearedCount(coords vec.Vec3) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.cleared[coords]
}

func TestChunkPriority_ColumnWinsTies(t *testing.T) {
	view := vec.Vec3{X: 0, Y: 4, Z: 0}

	// Чанки колонны 3x3 на уровне обзора и ниже всегда срочнее дальних,
	// независимо от сырой дистанции
	column := []vec.Vec3{
		{X: 0, Y: 4, Z: 0},
		{X: 1, Y: 4, Z: 1},
		{X: 0, Y: 3, Z: 0},
		{X: -1, Y: 2, Z: -1},
	}
	farther := []vec.Vec3{
		{X: 2, Y: 4, Z: 0},
		{X: 0, Y: 4, Z: 2},
		{X: 3, Y: 4, Z: 3},
	}

	for _, c := range column {
		for _, f := range farther {
			assert.Less(t, chunkPriority(view, c), chunkPriority(view, f),
				"column chunk %v must beat %v", c, f)
		}
	}

	// Чанк над игроком скидку не получает
	above := vec.Vec3{X: 0, Y: 5, Z: 0}
	assert.Greater(t, chunkPriority(view, above), chunkPriority(view, vec.Vec3{X: 0, Y: 3, Z: 0}))
}

func TestChunkPriority_VerticalWeight(t *testing.T) {
	view := vec.Vec3{}

	// Вертикальное смещение весит x4: горизонтальный сосед срочнее
	horizontal := vec.Vec3{X: 2, Y: 0, Z: 0}
	vertical := vec.Vec3{X: 0, Y: 2, Z: 2} // dy > 0, скидки нет

	assert.Less(t, chunkPriority(view, horizontal), chunkPriority(view, vertical))
}

func TestScheduler_NoDuplicateRequests(t *testing.T) {
	loader := &fakeLoader{delay: time.Hour} // Загрузки «висят» — остаются в requested
	sink := newFakeSink()

	cfg := DefaultConfig(2)
	cfg.TickRate = time.Hour // Тики дергаем вручную
	s := NewScheduler(cfg, loader, sink)
	require.NoError(t, s.Start(context.Background()))
	defer func() {
		cfg.StopGracePeriod = 10 * time.Millisecond
		s.Stop()
	}()

	s.SetViewpoint(vec.Vec3Float{X: 8, Y: 64, Z: 8})

	s.tick()
	first := s.QueueLength()
	require.Greater(t, first, 0)

	// Второй тик не добавляет уже запрошенные координаты
	s.tick()
	second := s.QueueLength()

	seen := make(map[vec.Vec3]int)
	s.mu.Lock()
	for _, req := range s.queue {
		seen[req.Coords]++
	}
	s.mu.Unlock()

	for coords, n := range seen {
		assert.Equal(t, 1, n, "coordinate %v queued twice", coords)
	}
	assert.LessOrEqual(t, second, first+cfg.BatchSize)
}

func TestScheduler_ConcurrencyBound(t *testing.T) {
	loader := &fakeLoader{delay: 20 * time.Millisecond}
	sink := newFakeSink()

	cfg := DefaultConfig(3)
	cfg.TickRate = 5 * time.Millisecond
	cfg.MaxConcurrentLoads = 4
	s := NewScheduler(cfg, loader, sink)
	require.NoError(t, s.Start(context.Background()))

	s.SetViewpoint(vec.Vec3Float{X: 0, Y: 32, Z: 0})

	// Даём планировщику поработать
	time.Sleep(300 * time.Millisecond)
	s.Stop()

	assert.Greater(t, atomic.LoadInt32(&loader.totalCalls), int32(0))
	assert.LessOrEqual(t, atomic.LoadInt32(&loader.maxActive), int32(4))
}

func TestScheduler_FailureReleasesCoordinate(t *testing.T) {
	loader := &fakeLoader{}
	atomic.StoreInt32(&loader.fail, 1)
	sink := newFakeSink()

	cfg := DefaultConfig(1)
	cfg.TickRate = time.Hour
	s := NewScheduler(cfg, loader, sink)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	s.SetViewpoint(vec.Vec3Float{X: 8, Y: 16, Z: 8})
	s.tick()

	// Ждём, пока загрузчик отработает очередь с ошибками
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.queue) == 0 && len(s.requested) == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Координаты освобождены — следующий тик ставит их заново
	s.tick()
	assert.Greater(t, s.QueueLength(), 0)
}

func TestScheduler_LoadsAndTracksChunks(t *testing.T) {
	loader := &fakeLoader{}
	sink := newFakeSink()

	cfg := DefaultConfig(1)
	cfg.TickRate = 5 * time.Millisecond
	s := NewScheduler(cfg, loader, sink)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	s.SetViewpoint(vec.Vec3Float{X: 8, Y: 32, Z: 8})

	require.Eventually(t, func() bool {
		return s.LoadedCount() > 0
	}, 2*time.Second, 10*time.Millisecond)

	viewChunk := vec.Vec3{X: 0, Y: 2, Z: 0}
	require.Eventually(t, func() bool {
		return sink.appliedCount(viewChunk) > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScheduler_ForceReload(t *testing.T) {
	loader := &fakeLoader{}
	sink := newFakeSink()

	cfg := DefaultConfig(1)
	cfg.TickRate = time.Hour
	s := NewScheduler(cfg, loader, sink)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	coords := vec.Vec3{X: 5, Y: 1, Z: 5}
	s.mu.Lock()
	s.loaded[coords] = struct{}{}
	s.mu.Unlock()

	s.ForceReload(coords)

	// Меш сброшен у рендерера
	assert.Equal(t, 1, sink.clearedCount(coords))

	// Чанк перезагружается с максимальным приоритетом
	require.Eventually(t, func() bool {
		return sink.appliedCount(coords) > 0
	}, 2*time.Second, 10*time.Millisecond)

	s.mu.Lock()
	_, loadedAgain := s.loaded[coords]
	s.mu.Unlock()
	assert.True(t, loadedAgain)
}

func TestScheduler_EvictionPass(t *testing.T) {
	loader := &fakeLoader{}
	sink := newFakeSink()

	cfg := DefaultConfig(2)
	cfg.TickRate = time.Hour
	cfg.EvictEveryTicks = 1
	s := NewScheduler(cfg, loader, sink)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	s.SetViewpoint(vec.Vec3Float{X: 0, Y: 32, Z: 0})

	// Далёкие чанки за пределами renderDistance+2 по горизонтали
	far := []vec.Vec3{
		{X: 10, Y: 2, Z: 0},
		{X: 0, Y: 2, Z: 12},
		{X: -11, Y: 2, Z: -11},
		{X: 15, Y: 2, Z: 15},
		{X: 20, Y: 2, Z: 20},
	}
	near := vec.Vec3{X: 1, Y: 2, Z: 1}

	s.mu.Lock()
	for _, coords := range far {
		s.loaded[coords] = struct{}{}
	}
	s.loaded[near] = struct{}{}
	s.mu.Unlock()

	// Один проход выгружает не больше evictBatch чанков
	s.evictPass(s.Viewpoint())

	s.mu.Lock()
	remaining := len(s.loaded)
	_, nearKept := s.loaded[near]
	s.mu.Unlock()

	assert.True(t, nearKept, "near chunk must not be evicted")
	assert.Equal(t, 6-evictBatch, remaining)

	// Следующие проходы дочищают остаток
	s.evictPass(s.Viewpoint())
	s.mu.Lock()
	_, nearKept = s.loaded[near]
	finally := len(s.loaded)
	s.mu.Unlock()
	assert.True(t, nearKept)
	assert.Equal(t, 1, finally)
}
