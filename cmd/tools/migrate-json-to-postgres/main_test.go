package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"peertube-live/internal/models"
	"peertube-live/internal/storage"
)

type recordingPersister struct {
	storage.MemoryPersister
	saved []int64
	err   error
}

func (p *recordingPersister) Save(_ context.Context, video models.LiveVideo) error {
	if p.err != nil {
		return p.err
	}
	p.saved = append(p.saved, video.ID)
	return nil
}

func seedJSON(t *testing.T) *storage.JSONFilePersister {
	t.Helper()
	ctx := context.Background()
	source, err := storage.NewJSONFilePersister(filepath.Join(t.TempDir(), "lives.json"))
	if err != nil {
		t.Fatalf("NewJSONFilePersister: %v", err)
	}
	if _, err := source.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	for _, live := range []models.LiveVideo{
		{ID: 1, Name: "one", State: models.StateReady},
		{ID: 2, Name: "two", State: models.StateDeleted},
		{ID: 3, Name: "three", State: models.StateEnded},
	} {
		if err := source.Save(ctx, live); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	return source
}

func TestMigrateCopiesLiveResources(t *testing.T) {
	target := &recordingPersister{}
	copied, err := migrate(context.Background(), seedJSON(t), target)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if copied != 2 || len(target.saved) != 2 || target.saved[0] != 1 || target.saved[1] != 3 {
		t.Fatalf("unexpected copy result %d %v", copied, target.saved)
	}
}

func TestMigrateStopsOnSaveError(t *testing.T) {
	target := &recordingPersister{err: errors.New("disk full")}
	copied, err := migrate(context.Background(), seedJSON(t), target)
	if err == nil || copied != 0 {
		t.Fatalf("expected failure before any copy, got %d %v", copied, err)
	}
}
