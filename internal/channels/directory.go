// Package channels answers who owns a video channel. Admission consults it
// before a live is attached to a channel.
package channels

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"peertube-live/internal/models"
)

// Directory resolves channel ownership.
type Directory interface {
	Get(ctx context.Context, channelID int64) (models.Channel, error)
}

// OwnerOf returns the owner of channelID. Unknown channels are reported as
// NotFound.
func OwnerOf(ctx context.Context, dir Directory, channelID int64) (string, error) {
	channel, err := dir.Get(ctx, channelID)
	if err != nil {
		return "", err
	}
	return channel.OwnerID, nil
}

// MemoryDirectory is an in-process channel table.
type MemoryDirectory struct {
	mu       sync.RWMutex
	channels map[int64]models.Channel
	nextID   int64
}

func NewMemoryDirectory(seed ...models.Channel) *MemoryDirectory {
	dir := &MemoryDirectory{channels: make(map[int64]models.Channel)}
	for _, channel := range seed {
		dir.channels[channel.ID] = channel
		if channel.ID > dir.nextID {
			dir.nextID = channel.ID
		}
	}
	return dir
}

// Create adds a channel owned by ownerID.
func (d *MemoryDirectory) Create(ownerID, name string) (models.Channel, error) {
	ownerID = strings.TrimSpace(ownerID)
	name = strings.TrimSpace(name)
	if ownerID == "" || name == "" {
		return models.Channel{}, models.Errorf(models.KindValidation, "create channel", "owner and name are required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	channel := models.Channel{ID: d.nextID, OwnerID: ownerID, Name: name, CreatedAt: time.Now().UTC()}
	d.channels[channel.ID] = channel
	return channel, nil
}

func (d *MemoryDirectory) Get(ctx context.Context, channelID int64) (models.Channel, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	channel, ok := d.channels[channelID]
	if !ok {
		return models.Channel{}, models.Errorf(models.KindNotFound, "get channel", "channel %d not found", channelID)
	}
	return channel, nil
}

// ListByOwner returns the channels owned by ownerID ordered by id.
func (d *MemoryDirectory) ListByOwner(ownerID string) []models.Channel {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []models.Channel
	for _, channel := range d.channels {
		if channel.OwnerID == ownerID {
			out = append(out, channel)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
