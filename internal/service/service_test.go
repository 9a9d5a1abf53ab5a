package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/misakimiku2/aurora-gallery/internal/config"
	"github.com/misakimiku2/aurora-gallery/internal/domain"
	"github.com/misakimiku2/aurora-gallery/internal/logger"
	"github.com/misakimiku2/aurora-gallery/internal/palette"
	"github.com/misakimiku2/aurora-gallery/internal/repository"
	"github.com/misakimiku2/aurora-gallery/internal/search"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) (*repository.FingerprintRepository, *repository.PaletteRepository) {
	t.Helper()
	db, err := repository.InitDB(&config.DatabaseConfig{
		Driver:      "sqlite",
		Path:        ":memory:",
		AutoMigrate: true,
	})
	require.NoError(t, err)
	return repository.NewFingerprintRepository(db), repository.NewPaletteRepository(db)
}

func newMaintenance(t *testing.T) (*MaintenanceService, *repository.FingerprintRepository, *repository.PaletteRepository) {
	t.Helper()
	fpRepo, palRepo := testDB(t)
	log := logger.New(nil)
	cache, err := search.NewVectorCache(16)
	require.NoError(t, err)
	matchCache := palette.NewMatchCache(palRepo, log)
	exec := NewExecutor(1, 8, log)
	t.Cleanup(exec.Shutdown)
	return NewMaintenanceService(fpRepo, palRepo, cache, matchCache, exec, log), fpRepo, palRepo
}

func TestEmbeddingSingleFlightGuard(t *testing.T) {
	s := &EmbeddingService{logger: logger.New(nil)}
	s.running.Store(true)

	_, err := s.GenerateBatch(context.Background(), []string{"a.jpg"}, false, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUnavailable))

	// The guard must not have been cleared by the rejected call.
	assert.True(t, s.Running())
}

func TestEmbeddingEmptyBatch(t *testing.T) {
	s := &EmbeddingService{logger: logger.New(nil)}

	summary, err := s.GenerateBatch(context.Background(), nil, false, "")
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Total)
	// Guard released on the early-return path.
	assert.False(t, s.Running())
}

func TestExecutorRunsJobs(t *testing.T) {
	exec := NewExecutor(2, 8, logger.New(nil))
	defer exec.Shutdown()

	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		err := exec.Submit(func(ctx context.Context) {
			defer wg.Done()
			ran.Add(1)
		})
		require.NoError(t, err)
	}
	wg.Wait()
	assert.Equal(t, int32(5), ran.Load())
}

func TestExecutorBoundedQueue(t *testing.T) {
	exec := NewExecutor(1, 1, logger.New(nil))
	defer exec.Shutdown()

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, exec.Submit(func(ctx context.Context) {
		close(started)
		<-block
	}))
	<-started
	// Fill the queue slot.
	require.NoError(t, exec.Submit(func(ctx context.Context) {}))

	// Now the queue is full; further submits are rejected, not blocked.
	err := exec.Submit(func(ctx context.Context) {})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUnavailable))
	close(block)
}

func TestExecutorShutdownRejectsSubmit(t *testing.T) {
	exec := NewExecutor(1, 4, logger.New(nil))
	exec.Shutdown()

	err := exec.Submit(func(ctx context.Context) {})
	assert.True(t, errors.Is(err, domain.ErrUnavailable))
	// Second shutdown is a no-op.
	exec.Shutdown()
}

func TestMaintenanceDeleteRemovesDerivedData(t *testing.T) {
	svc, fpRepo, palRepo := newMaintenance(t)
	ctx := context.Background()

	require.NoError(t, fpRepo.Put(ctx, &domain.Fingerprint{
		FileID: "/pics/a.jpg", Vector: []float32{1, 0}, ModelVersion: "clip-vit-b-32",
	}))
	_, err := palRepo.AddPendingFiles(ctx, []string{"/pics/a.jpg"})
	require.NoError(t, err)

	require.NoError(t, svc.OnFilesDeleted(ctx, []string{"/pics/a.jpg"}))

	_, err = fpRepo.Get(ctx, "/pics/a.jpg", "clip-vit-b-32")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	_, err = palRepo.GetColorsByFilePath(ctx, "/pics/a.jpg")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestMaintenanceMoveCarriesPalette(t *testing.T) {
	svc, _, palRepo := newMaintenance(t)
	ctx := context.Background()

	_, err := palRepo.AddPendingFiles(ctx, []string{"/pics/old.jpg"})
	require.NoError(t, err)
	require.NoError(t, palRepo.BatchSaveColors(ctx, []repository.PaletteResult{{
		FilePath: "/pics/old.jpg",
		Colors:   domain.ColorList{{Hex: "#cc2020", RGB: [3]uint8{204, 32, 32}}},
		Lab:      [][3]float64{{45, 60, 40}},
	}}))

	require.NoError(t, svc.OnFileMoved("/pics/old.jpg", "/pics/new.jpg"))

	// The move runs on the executor; wait for it.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if rec, err := palRepo.GetColorsByFilePath(ctx, "/pics/new.jpg"); err == nil {
			assert.Equal(t, domain.PaletteStatusExtracted, rec.Status)
			assert.Len(t, rec.Colors, 1)
			_, err = palRepo.GetColorsByFilePath(ctx, "/pics/old.jpg")
			assert.True(t, errors.Is(err, domain.ErrNotFound))
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("palette move did not complete")
}

func TestMaintenanceRecoverStaleProcessing(t *testing.T) {
	svc, _, palRepo := newMaintenance(t)
	ctx := context.Background()

	_, err := palRepo.AddPendingFiles(ctx, []string{"/pics/a.jpg", "/pics/b.jpg"})
	require.NoError(t, err)
	claimed, err := palRepo.ClaimPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	n, err := svc.RecoverStaleProcessing(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	counts, err := svc.PaletteCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Pending)
	assert.Equal(t, int64(0), counts.Processing)
}

func TestMaintenanceErrorRowManagement(t *testing.T) {
	svc, _, palRepo := newMaintenance(t)
	ctx := context.Background()

	_, err := palRepo.AddPendingFiles(ctx, []string{"/pics/bad.jpg"})
	require.NoError(t, err)
	_, err = palRepo.ClaimPending(ctx, 10)
	require.NoError(t, err)
	require.NoError(t, palRepo.BatchSaveColors(ctx, []repository.PaletteResult{{
		FilePath: "/pics/bad.jpg",
		Err:      errors.New("decode failed"),
	}}))

	files, err := svc.ListErrorFiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/pics/bad.jpg"}, files)

	n, err := svc.RetryErrors(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	counts, err := svc.PaletteCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Pending)
	assert.Equal(t, int64(0), counts.Error)
}
