package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/misakimiku2/aurora-gallery/internal/config"
	"github.com/misakimiku2/aurora-gallery/internal/domain"
)

func testRepo(t *testing.T) *FingerprintRepository {
	t.Helper()
	db, err := InitDB(&config.DatabaseConfig{
		Driver:      "sqlite",
		Path:        ":memory:",
		AutoMigrate: true,
	})
	if err != nil {
		t.Fatalf("init db: %v", err)
	}
	return NewFingerprintRepository(db)
}

func TestPutGetRoundTrip(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	vec := []float32{0.1, -0.5, 0.99, 0}
	err := repo.Put(ctx, &domain.Fingerprint{
		FileID:       "file-1",
		Vector:       vec,
		ModelVersion: "clip-vit-b-32",
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := repo.Get(ctx, "file-1", "clip-vit-b-32")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Vector) != len(vec) {
		t.Fatalf("expected %d dims, got %d", len(vec), len(got.Vector))
	}
	for i := range vec {
		if got.Vector[i] != vec[i] {
			t.Errorf("dim %d: expected %f, got %f", i, vec[i], got.Vector[i])
		}
	}
	if got.CreatedAt == 0 {
		t.Error("created_at should be filled in")
	}
}

func TestPutReplacesSameKey(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	for _, v := range []float32{1, 2} {
		err := repo.Put(ctx, &domain.Fingerprint{
			FileID:       "file-1",
			Vector:       []float32{v},
			ModelVersion: "clip-vit-b-32",
		})
		if err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	count, err := repo.Count(ctx, "clip-vit-b-32")
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row after replace, got %d", count)
	}
	got, _ := repo.Get(ctx, "file-1", "clip-vit-b-32")
	if got.Vector[0] != 2 {
		t.Errorf("expected latest vector to win, got %f", got.Vector[0])
	}
}

func TestModelVersionsCoexist(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	for _, model := range []string{"clip-vit-b-32", "siglip2-so400m"} {
		err := repo.Put(ctx, &domain.Fingerprint{
			FileID:       "file-1",
			Vector:       []float32{1, 2},
			ModelVersion: model,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	total, _ := repo.Count(ctx, "")
	if total != 2 {
		t.Fatalf("expected both versions stored, got %d rows", total)
	}

	removed, err := repo.CleanupOtherVersions(ctx, "siglip2-so400m")
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 row removed, got %d", removed)
	}
	if _, err := repo.Get(ctx, "file-1", "clip-vit-b-32"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("old version should be gone, got %v", err)
	}
}

func TestGetAllSpansModelVersions(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	for _, fp := range []*domain.Fingerprint{
		{FileID: "a", Vector: []float32{1}, ModelVersion: "clip-vit-b-32"},
		{FileID: "a", Vector: []float32{2}, ModelVersion: "clip-vit-l-14"},
		{FileID: "b", Vector: []float32{3}, ModelVersion: "clip-vit-b-32"},
	} {
		if err := repo.Put(ctx, fp); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	all, err := repo.GetAll(ctx)
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 fingerprints, got %d", len(all))
	}
}

func TestGetMissingIsNotFound(t *testing.T) {
	repo := testRepo(t)
	_, err := repo.Get(context.Background(), "nope", "clip-vit-b-32")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFindMissing(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	stored := []string{"a", "c"}
	for _, id := range stored {
		if err := repo.Put(ctx, &domain.Fingerprint{
			FileID: id, Vector: []float32{1}, ModelVersion: "clip-vit-b-32",
		}); err != nil {
			t.Fatal(err)
		}
	}

	missing, err := repo.FindMissing(ctx, []string{"a", "b", "c", "d"}, "clip-vit-b-32")
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 2 || missing[0] != "b" || missing[1] != "d" {
		t.Fatalf("expected [b d] in input order, got %v", missing)
	}

	// A different model version misses everything.
	missing, err = repo.FindMissing(ctx, []string{"a", "b"}, "clip-vit-l-14")
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 2 {
		t.Fatalf("expected all missing under another model, got %v", missing)
	}

	missing, err = repo.FindMissing(ctx, nil, "clip-vit-b-32")
	if err != nil || missing != nil {
		t.Fatalf("empty input should yield nil, got %v, %v", missing, err)
	}
}

func TestPutBatchAndGetMany(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	fps := []*domain.Fingerprint{
		{FileID: "a", Vector: []float32{1, 0}, ModelVersion: "clip-vit-b-32"},
		{FileID: "b", Vector: []float32{0, 1}, ModelVersion: "clip-vit-b-32"},
	}
	if err := repo.PutBatch(ctx, fps); err != nil {
		t.Fatal(err)
	}

	got, err := repo.GetMany(ctx, []string{"a", "b", "missing"}, "clip-vit-b-32")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(got))
	}
	if got["a"].Vector[0] != 1 || got["b"].Vector[1] != 1 {
		t.Error("vectors mixed up between files")
	}
}

func TestDeleteBatchRemovesAllVersions(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	for _, model := range []string{"clip-vit-b-32", "clip-vit-l-14"} {
		if err := repo.Put(ctx, &domain.Fingerprint{
			FileID: "a", Vector: []float32{1}, ModelVersion: model,
		}); err != nil {
			t.Fatal(err)
		}
	}
	if err := repo.DeleteBatch(ctx, []string{"a"}); err != nil {
		t.Fatal(err)
	}
	total, _ := repo.Count(ctx, "")
	if total != 0 {
		t.Fatalf("expected all versions deleted, %d rows remain", total)
	}
}

func TestCorruptBlobDetected(t *testing.T) {
	if _, err := bytesToVector([]byte{1, 2, 3}); err == nil {
		t.Fatal("a 3-byte blob must be rejected")
	}

	row := &domain.FingerprintRow{
		FileID:       "bad",
		ModelVersion: "clip-vit-b-32",
		Vector:       []byte{0, 0, 0},
	}
	if _, err := fromRow(row); !errors.Is(err, domain.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestPutRejectsInvalidInput(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	err := repo.Put(ctx, &domain.Fingerprint{FileID: "", Vector: []float32{1}})
	if !errors.Is(err, domain.ErrInvalid) {
		t.Errorf("empty file id should be ErrInvalid, got %v", err)
	}
	err = repo.Put(ctx, &domain.Fingerprint{FileID: "a", Vector: nil})
	if !errors.Is(err, domain.ErrInvalid) {
		t.Errorf("empty vector should be ErrInvalid, got %v", err)
	}
}
