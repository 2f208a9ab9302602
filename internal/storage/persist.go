package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"peertube-live/internal/models"
)

// Snapshot is the durable image of the registry.
type Snapshot struct {
	NextID int64              `json:"nextId"`
	Lives  []models.LiveVideo `json:"lives"`
}

// Persister makes registry mutations durable. Save and Delete are called with
// the resource lock held and must not call back into the registry.
type Persister interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, video models.LiveVideo) error
	Delete(ctx context.Context, id int64) error
}

// MemoryPersister keeps nothing. It is the default for tests and for
// deployments that accept losing lives on restart.
type MemoryPersister struct{}

func (MemoryPersister) Load(context.Context) (Snapshot, error) { return Snapshot{}, nil }

func (MemoryPersister) Save(context.Context, models.LiveVideo) error { return nil }

func (MemoryPersister) Delete(context.Context, int64) error { return nil }

// JSONFilePersister rewrites a single JSON document on every change using a
// temp file and an atomic rename.
type JSONFilePersister struct {
	mu       sync.Mutex
	filePath string
	lives    map[int64]models.LiveVideo
	nextID   int64
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(Snapshot) error
}

// NewJSONFilePersister prepares a persister writing to path.
func NewJSONFilePersister(path string) (*JSONFilePersister, error) {
	if path == "" {
		return nil, fmt.Errorf("json store path required")
	}
	return &JSONFilePersister{filePath: path, lives: make(map[int64]models.LiveVideo)}, nil
}

func (p *JSONFilePersister) Load(ctx context.Context) (Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(p.filePath), 0o755); err != nil {
		return Snapshot{}, fmt.Errorf("create data dir: %w", err)
	}
	file, err := os.Open(p.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, nil
	} else if err != nil {
		return Snapshot{}, fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	var snapshot Snapshot
	if err := json.NewDecoder(file).Decode(&snapshot); err != nil {
		if errors.Is(err, io.EOF) {
			return Snapshot{}, nil
		}
		return Snapshot{}, fmt.Errorf("decode store file: %w", err)
	}
	p.lives = make(map[int64]models.LiveVideo, len(snapshot.Lives))
	for _, live := range snapshot.Lives {
		p.lives[live.ID] = live.Clone()
	}
	p.nextID = snapshot.NextID
	return snapshot, nil
}

func (p *JSONFilePersister) Save(ctx context.Context, video models.LiveVideo) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	previous, existed := p.lives[video.ID]
	prevNext := p.nextID
	p.lives[video.ID] = video.Clone()
	if video.ID > p.nextID {
		p.nextID = video.ID
	}
	if err := p.writeLocked(); err != nil {
		if existed {
			p.lives[video.ID] = previous
		} else {
			delete(p.lives, video.ID)
		}
		p.nextID = prevNext
		return err
	}
	return nil
}

func (p *JSONFilePersister) Delete(ctx context.Context, id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	previous, existed := p.lives[id]
	if !existed {
		return nil
	}
	delete(p.lives, id)
	if err := p.writeLocked(); err != nil {
		p.lives[id] = previous
		return err
	}
	return nil
}

func (p *JSONFilePersister) snapshotLocked() Snapshot {
	snapshot := Snapshot{NextID: p.nextID, Lives: make([]models.LiveVideo, 0, len(p.lives))}
	for _, live := range p.lives {
		snapshot.Lives = append(snapshot.Lives, live.Clone())
	}
	sort.Slice(snapshot.Lives, func(i, j int) bool {
		return snapshot.Lives[i].ID < snapshot.Lives[j].ID
	})
	return snapshot
}

func (p *JSONFilePersister) writeLocked() error {
	snapshot := p.snapshotLocked()
	if p.persistOverride != nil {
		if err := p.persistOverride(snapshot); err != nil {
			return err
		}
	}

	dir := filepath.Dir(p.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "lives-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(snapshot); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, p.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}
