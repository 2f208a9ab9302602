package storage

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"sort"
	"sync"
	"time"

	"peertube-live/internal/models"
)

const defaultPersistTimeout = 5 * time.Second

// Registry is the single owner of live records. Each record has its own lock;
// counters and indexes have separate locks taken in the order
// entry -> counters -> index.
type Registry struct {
	mu      sync.RWMutex
	entries map[int64]*entry
	byUUID  map[string]int64
	byShort map[string]int64
	byKey   map[string]int64
	nextID  int64

	counterMu sync.Mutex
	counters  liveCounters

	persister      Persister
	persistTimeout time.Duration
	now            func() time.Time
	logger         *slog.Logger

	// recovered holds save-replay lives ended by recover whose replay was
	// never scheduled.
	recovered []models.LiveVideo
}

type entry struct {
	mu      sync.Mutex
	video   models.LiveVideo
	holder  string
	removed bool
}

// EndOptions controls how EndStream leaves a session.
type EndOptions struct {
	// Errored ends in ERRORED instead of ENDED.
	Errored bool
	// RotateKey replaces the stream key when a permanent live re-arms.
	RotateKey string
}

// NewRegistry loads the persisted records and recovers any that were left
// mid-broadcast by a previous process.
func NewRegistry(ctx context.Context, opts ...Option) (*Registry, error) {
	r := &Registry{
		entries:        make(map[int64]*entry),
		byUUID:         make(map[string]int64),
		byShort:        make(map[string]int64),
		byKey:          make(map[string]int64),
		counters:       newLiveCounters(),
		persister:      MemoryPersister{},
		persistTimeout: defaultPersistTimeout,
		now:            func() time.Time { return time.Now().UTC() },
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyRegistry(r)
		}
	}

	snapshot, err := r.persister.Load(ctx)
	if err != nil {
		return nil, err
	}
	r.nextID = snapshot.NextID
	for _, live := range snapshot.Lives {
		if live.State == models.StateDeleted {
			continue
		}
		video := live.Clone()
		if video.State.Active() {
			video = r.recover(ctx, video)
		}
		r.insertLocked(&entry{video: video})
		if countsAsResource(video.State) {
			r.counters.addResources(video.OwnerID, 1)
		}
		if video.ID > r.nextID {
			r.nextID = video.ID
		}
	}
	return r, nil
}

// recover settles a record found active at startup. No ingest survives a
// restart, so the session is closed as if the publisher disconnected.
func (r *Registry) recover(ctx context.Context, video models.LiveVideo) models.LiveVideo {
	previous := video.State
	video.State = models.StateEnded
	if video.PermanentLive {
		video.State = models.StateReady
	}
	video.UpdatedAt = r.now()
	if err := r.persist(ctx, video); err != nil {
		r.logger.Error("persist recovered live", "live_id", video.ID, "error", err)
	}
	r.logger.Warn("recovered interrupted live", "live_id", video.ID, "from", previous.String(), "to", video.State.String())
	if video.State == models.StateEnded && video.SaveReplay {
		r.recovered = append(r.recovered, video.Clone())
	}
	return video
}

// RecoveredReplays returns the save-replay lives that a previous process
// left mid-broadcast. Their replay still has to be scheduled or reported.
func (r *Registry) RecoveredReplays() []models.LiveVideo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.LiveVideo, 0, len(r.recovered))
	for _, video := range r.recovered {
		out = append(out, video.Clone())
	}
	return out
}

// Create assigns identifiers to draft and inserts it. guard runs under the
// counter lock; when it passes, the record is counted before the lock is
// released so concurrent creations observe it.
func (r *Registry) Create(ctx context.Context, draft models.LiveVideo, guard Guard) (models.LiveVideo, error) {
	const op = "create live"

	id, short, err := newVideoUUID()
	if err != nil {
		return models.LiveVideo{}, models.Wrap(models.KindInternal, op, err)
	}
	key, err := generateStreamKey()
	if err != nil {
		return models.LiveVideo{}, models.Wrap(models.KindInternal, op, err)
	}

	r.counterMu.Lock()
	if guard != nil {
		if err := guard(r.counters.usage(draft.OwnerID)); err != nil {
			r.counterMu.Unlock()
			return models.LiveVideo{}, err
		}
	}
	r.counters.addResources(draft.OwnerID, 1)
	r.counterMu.Unlock()

	r.mu.Lock()
	r.nextID++
	numericID := r.nextID
	r.mu.Unlock()

	now := r.now()
	video := draft.Clone()
	video.ID = numericID
	video.UUID = id
	video.ShortUUID = short
	video.StreamKey = key
	video.State = models.StateReady
	video.HasStreamed = false
	video.SessionID = ""
	video.PlaybackURL = ""
	video.RecordingPath = ""
	video.ReplayURL = ""
	video.CreatedAt = now
	video.UpdatedAt = now

	if err := r.persist(ctx, video); err != nil {
		r.counterMu.Lock()
		r.counters.addResources(draft.OwnerID, -1)
		r.counterMu.Unlock()
		return models.LiveVideo{}, models.Wrap(models.KindInternal, op, err)
	}

	r.mu.Lock()
	r.insertLocked(&entry{video: video})
	r.mu.Unlock()
	return video.Clone(), nil
}

// Resolve maps any identifier form to the numeric id.
func (r *Registry) Resolve(ref Ref) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		id int64
		ok bool
	)
	switch ref.Kind {
	case RefNumeric:
		_, ok = r.entries[ref.ID]
		id = ref.ID
	case RefUUID:
		id, ok = r.byUUID[ref.Key]
	case RefShortUUID:
		id, ok = r.byShort[ref.Key]
	}
	if !ok {
		return 0, models.Errorf(models.KindNotFound, "resolve live", "live %s not found", ref)
	}
	return id, nil
}

// Get returns a copy of the record behind ref.
func (r *Registry) Get(ref Ref) (models.LiveVideo, error) {
	id, err := r.Resolve(ref)
	if err != nil {
		return models.LiveVideo{}, err
	}
	e, err := r.lockEntry(id, "get live")
	if err != nil {
		return models.LiveVideo{}, err
	}
	defer e.mu.Unlock()
	return e.video.Clone(), nil
}

// LookupStreamKey returns the record owning key.
func (r *Registry) LookupStreamKey(key string) (models.LiveVideo, error) {
	r.mu.RLock()
	id, ok := r.byKey[key]
	r.mu.RUnlock()
	if !ok || key == "" {
		return models.LiveVideo{}, models.Errorf(models.KindNotFound, "lookup stream key", "unknown stream key")
	}
	return r.Get(RefByID(id))
}

// List returns copies of every record, or only those of ownerID when set,
// ordered by id.
func (r *Registry) List(ownerID string) []models.LiveVideo {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	lives := make([]models.LiveVideo, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed && (ownerID == "" || e.video.OwnerID == ownerID) {
			lives = append(lives, e.video.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(lives, func(i, j int) bool { return lives[i].ID < lives[j].ID })
	return lives
}

// Update applies mutate to a copy of the record under its lock and persists
// the result. Identity, ownership and lifecycle fields are not writable
// through Update.
func (r *Registry) Update(ctx context.Context, id int64, mutate func(*models.LiveVideo) error) (models.LiveVideo, error) {
	const op = "update live"

	e, err := r.lockEntry(id, op)
	if err != nil {
		return models.LiveVideo{}, err
	}
	defer e.mu.Unlock()

	next := e.video.Clone()
	if err := mutate(&next); err != nil {
		return models.LiveVideo{}, err
	}
	preserveLifecycle(&next, e.video)
	next.UpdatedAt = r.now()

	// Update is not a state transition: a failed write keeps the previous
	// record and state.
	if err := r.persist(ctx, next); err != nil {
		return models.LiveVideo{}, models.Wrap(models.KindInternal, op, err)
	}
	e.video = next
	return next.Clone(), nil
}

// BeginStream moves a READY record to STREAMING and claims its ingest slot.
// guard runs under the counter lock and the active counters are incremented
// in the same critical section.
func (r *Registry) BeginStream(ctx context.Context, id int64, guard Guard) (models.LiveVideo, error) {
	return r.beginStream(ctx, id, "", guard)
}

// BeginKeyedStream is BeginStream for an ingest that presented streamKey. The
// key is compared under the record lock, so a key rotated after the caller
// resolved it is refused as unknown.
func (r *Registry) BeginKeyedStream(ctx context.Context, id int64, streamKey string, guard Guard) (models.LiveVideo, error) {
	if streamKey == "" {
		return models.LiveVideo{}, models.Errorf(models.KindNotFound, "begin stream", "unknown stream key")
	}
	return r.beginStream(ctx, id, streamKey, guard)
}

func (r *Registry) beginStream(ctx context.Context, id int64, streamKey string, guard Guard) (models.LiveVideo, error) {
	const op = "begin stream"

	sessionID, err := generateSessionID()
	if err != nil {
		return models.LiveVideo{}, models.Wrap(models.KindInternal, op, err)
	}

	e, err := r.lockEntry(id, op)
	if err != nil {
		return models.LiveVideo{}, err
	}
	defer e.mu.Unlock()

	if streamKey != "" && subtle.ConstantTimeCompare([]byte(streamKey), []byte(e.video.StreamKey)) != 1 {
		return models.LiveVideo{}, models.Errorf(models.KindNotFound, op, "unknown stream key")
	}

	if e.holder != "" || e.video.State.Active() {
		return models.LiveVideo{}, models.Errorf(models.KindConflict, op, "live %d is already streaming", id)
	}
	if !models.CanTransition(e.video.State, models.StateStreaming) {
		return models.LiveVideo{}, models.Errorf(models.KindConflict, op, "live %d is %s", id, e.video.State)
	}

	owner := e.video.OwnerID
	r.counterMu.Lock()
	if guard != nil {
		if err := guard(r.counters.usage(owner)); err != nil {
			r.counterMu.Unlock()
			return models.LiveVideo{}, err
		}
	}
	r.counters.addActive(owner, 1)
	r.counterMu.Unlock()

	next := e.video.Clone()
	next.State = models.StateStreaming
	next.HasStreamed = true
	next.SessionID = sessionID
	next.PlaybackURL = ""
	next.RecordingPath = ""
	next.UpdatedAt = r.now()

	if err := r.persist(ctx, next); err != nil {
		r.counterMu.Lock()
		r.counters.addActive(owner, -1)
		r.counterMu.Unlock()
		r.forceErroredLocked(ctx, e)
		return models.LiveVideo{}, models.Wrap(models.KindInternal, op, err)
	}
	e.video = next
	e.holder = sessionID
	return next.Clone(), nil
}

// Publish records that the packaging pipeline produced playable output for
// the session holding the slot.
func (r *Registry) Publish(ctx context.Context, id int64, sessionID, playbackURL, recordingPath string) (models.LiveVideo, error) {
	const op = "publish live"

	e, err := r.lockEntry(id, op)
	if err != nil {
		return models.LiveVideo{}, err
	}
	defer e.mu.Unlock()

	if e.holder == "" || e.holder != sessionID {
		return models.LiveVideo{}, models.Errorf(models.KindConflict, op, "session %s does not hold live %d", sessionID, id)
	}
	if !models.CanTransition(e.video.State, models.StatePublished) {
		return models.LiveVideo{}, models.Errorf(models.KindConflict, op, "live %d is %s", id, e.video.State)
	}

	next := e.video.Clone()
	next.State = models.StatePublished
	next.PlaybackURL = playbackURL
	next.RecordingPath = recordingPath
	next.UpdatedAt = r.now()

	if err := r.persist(ctx, next); err != nil {
		r.releaseActiveLocked(e)
		r.forceErroredLocked(ctx, e)
		return models.LiveVideo{}, models.Wrap(models.KindInternal, op, err)
	}
	e.video = next
	return next.Clone(), nil
}

// EndStream closes the session holding the slot. The counters are released
// and, for permanent lives ending normally, the record re-arms to READY in
// the same critical section.
func (r *Registry) EndStream(ctx context.Context, id int64, sessionID string, opts EndOptions) (models.LiveVideo, error) {
	const op = "end stream"

	e, err := r.lockEntry(id, op)
	if err != nil {
		return models.LiveVideo{}, err
	}
	defer e.mu.Unlock()

	if e.holder == "" || e.holder != sessionID {
		return models.LiveVideo{}, models.Errorf(models.KindConflict, op, "session %s does not hold live %d", sessionID, id)
	}

	target := models.StateEnded
	if opts.Errored {
		target = models.StateErrored
	}
	if !models.CanTransition(e.video.State, target) {
		return models.LiveVideo{}, models.Errorf(models.KindConflict, op, "live %d is %s", id, e.video.State)
	}

	previous := e.video
	next := e.video.Clone()
	next.State = target
	next.UpdatedAt = r.now()
	rearm := target == models.StateEnded && next.PermanentLive
	if rearm {
		next.State = models.StateReady
		next.PlaybackURL = ""
		next.RecordingPath = ""
		if opts.RotateKey != "" {
			next.StreamKey = opts.RotateKey
		}
	}

	r.releaseActiveLocked(e)
	if err := r.persist(ctx, next); err != nil {
		r.forceErroredLocked(ctx, e)
		return models.LiveVideo{}, models.Wrap(models.KindInternal, op, err)
	}

	if !countsAsResource(next.State) {
		r.counterMu.Lock()
		r.counters.addResources(next.OwnerID, -1)
		r.counterMu.Unlock()
	}
	if next.StreamKey != previous.StreamKey {
		r.mu.Lock()
		delete(r.byKey, previous.StreamKey)
		r.byKey[next.StreamKey] = next.ID
		r.mu.Unlock()
	}
	e.video = next
	return next.Clone(), nil
}

// MarkArchived moves an ENDED record to ARCHIVED once its replay is stored.
func (r *Registry) MarkArchived(ctx context.Context, id int64, replayURL string) (models.LiveVideo, error) {
	const op = "archive live"

	e, err := r.lockEntry(id, op)
	if err != nil {
		return models.LiveVideo{}, err
	}
	defer e.mu.Unlock()

	if !models.CanTransition(e.video.State, models.StateArchived) {
		return models.LiveVideo{}, models.Errorf(models.KindConflict, op, "live %d is %s", id, e.video.State)
	}

	next := e.video.Clone()
	next.State = models.StateArchived
	next.ReplayURL = replayURL
	next.UpdatedAt = r.now()
	if err := r.persist(ctx, next); err != nil {
		return models.LiveVideo{}, models.Wrap(models.KindInternal, op, err)
	}

	r.counterMu.Lock()
	r.counters.addResources(next.OwnerID, -1)
	r.counterMu.Unlock()
	e.video = next
	return next.Clone(), nil
}

// Delete removes a record that no session holds.
func (r *Registry) Delete(ctx context.Context, id int64) (models.LiveVideo, error) {
	const op = "delete live"

	e, err := r.lockEntry(id, op)
	if err != nil {
		return models.LiveVideo{}, err
	}
	defer e.mu.Unlock()

	if e.holder != "" || !models.CanTransition(e.video.State, models.StateDeleted) {
		return models.LiveVideo{}, models.Errorf(models.KindConflict, op, "live %d is %s", id, e.video.State)
	}
	if err := r.remove(ctx, id); err != nil {
		return models.LiveVideo{}, models.Wrap(models.KindInternal, op, err)
	}

	removed := e.video.Clone()
	wasCounted := countsAsResource(removed.State)
	removed.State = models.StateDeleted
	removed.UpdatedAt = r.now()
	e.video = removed
	e.removed = true

	if wasCounted {
		r.counterMu.Lock()
		r.counters.addResources(removed.OwnerID, -1)
		r.counterMu.Unlock()
	}

	r.mu.Lock()
	delete(r.entries, id)
	delete(r.byUUID, removed.UUID)
	delete(r.byShort, removed.ShortUUID)
	delete(r.byKey, removed.StreamKey)
	r.mu.Unlock()
	return removed.Clone(), nil
}

// Usage reports the counters relevant to ownerID.
func (r *Registry) Usage(ownerID string) Usage {
	r.counterMu.Lock()
	defer r.counterMu.Unlock()
	return r.counters.usage(ownerID)
}

// Counters returns a snapshot of every counter.
func (r *Registry) Counters() Counters {
	r.counterMu.Lock()
	defer r.counterMu.Unlock()
	return r.counters.snapshot()
}

func (r *Registry) lockEntry(id int64, op string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, models.Errorf(models.KindNotFound, op, "live %d not found", id)
	}
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return nil, models.Errorf(models.KindNotFound, op, "live %d not found", id)
	}
	return e, nil
}

func (r *Registry) insertLocked(e *entry) {
	video := e.video
	r.entries[video.ID] = e
	if video.UUID != "" {
		r.byUUID[video.UUID] = video.ID
	}
	if video.ShortUUID != "" {
		r.byShort[video.ShortUUID] = video.ID
	}
	if video.StreamKey != "" {
		r.byKey[video.StreamKey] = video.ID
	}
}

// releaseActiveLocked frees the ingest slot and the active counters. The
// caller holds e.mu.
func (r *Registry) releaseActiveLocked(e *entry) {
	if e.holder == "" {
		return
	}
	r.counterMu.Lock()
	r.counters.addActive(e.video.OwnerID, -1)
	r.counterMu.Unlock()
	e.holder = ""
}

// forceErroredLocked parks the record in ERRORED after a failed transition.
// The slot must already be released. The caller holds e.mu.
func (r *Registry) forceErroredLocked(ctx context.Context, e *entry) {
	wasCounted := countsAsResource(e.video.State)
	next := e.video.Clone()
	next.State = models.StateErrored
	next.UpdatedAt = r.now()
	e.video = next
	e.holder = ""
	if wasCounted {
		r.counterMu.Lock()
		r.counters.addResources(next.OwnerID, -1)
		r.counterMu.Unlock()
	}
	if err := r.persist(ctx, next); err != nil {
		r.logger.Error("persist errored live", "live_id", next.ID, "error", err)
	}
}

func (r *Registry) persist(ctx context.Context, video models.LiveVideo) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.persistTimeout)
	defer cancel()
	return r.persister.Save(ctx, video)
}

func (r *Registry) remove(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.persistTimeout)
	defer cancel()
	return r.persister.Delete(ctx, id)
}

func preserveLifecycle(dst *models.LiveVideo, src models.LiveVideo) {
	dst.ID = src.ID
	dst.UUID = src.UUID
	dst.ShortUUID = src.ShortUUID
	dst.OwnerID = src.OwnerID
	dst.ChannelID = src.ChannelID
	dst.StreamKey = src.StreamKey
	dst.State = src.State
	dst.HasStreamed = src.HasStreamed
	dst.SessionID = src.SessionID
	dst.PlaybackURL = src.PlaybackURL
	dst.RecordingPath = src.RecordingPath
	dst.ReplayURL = src.ReplayURL
	dst.CreatedAt = src.CreatedAt
}

func countsAsResource(state models.LiveState) bool {
	return !state.Terminal()
}
